package hub

import (
	"log"
	"sync"

	"github.com/technosupport/ts-nvr-relay/internal/wire"
)

// ClientConn is the write side of a viewer connection. *websocket.Conn
// satisfies it.
type ClientConn interface {
	WriteMessage(messageType int, data []byte) error
}

const binaryMessage = 2 // websocket.BinaryMessage

// Client is one registered viewer session. Once destroyed it is permanently
// silenced, even if a stale reference is still used to send — that guards
// against races between async forwarding and teardown.
type Client struct {
	conn ClientConn

	mu           sync.Mutex
	subscription *wire.Subscription
	destroyed    bool
}

func newClient(conn ClientConn) *Client {
	return &Client{conn: conn}
}

// Subscription returns the current subscription, or nil once destroyed.
func (c *Client) Subscription() *wire.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil
	}
	return c.subscription
}

func (c *Client) updateSubscription(sub *wire.Subscription) {
	c.mu.Lock()
	c.subscription = sub
	c.mu.Unlock()
}

func (c *Client) destroy() {
	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()
}

// Send forwards one event to the viewer. No-op if the client is destroyed or
// has no subscription. codec/frame events are delivered only when their
// (stream_id, file_name) exactly matches a subscription entry; every other
// kind bypasses the stream filter. The outbound message is stamped with the
// client's session_id so the receiver can discard cross-session leakage.
func (c *Client) Send(event any) {
	c.mu.Lock()
	if c.destroyed || c.subscription == nil {
		c.mu.Unlock()
		return
	}
	sub := c.subscription
	c.mu.Unlock()

	if we, ok := event.(wire.WorkerEvent); ok {
		if kind := we.Kind(); kind == wire.TypeCodec || kind == wire.TypeFrame {
			if !sub.Contains(we.Stream()) {
				return
			}
		}
	}

	encoded, err := wire.Encode(stamped(event, sub.SessionID))
	if err != nil {
		log.Printf("hub: encode outbound event: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	if err := c.conn.WriteMessage(binaryMessage, encoded); err != nil {
		log.Printf("hub: write to viewer %s failed: %v", sub.SessionID, err)
	}
}

// stamped returns a copy of the event with SessionID set. Events are shared
// across clients, so the original is never mutated.
func stamped(event any, sessionID string) any {
	switch e := event.(type) {
	case *wire.CodecEvent:
		cp := *e
		cp.SessionID = sessionID
		return &cp
	case *wire.FrameEvent:
		cp := *e
		cp.SessionID = sessionID
		return &cp
	case *wire.FrameFileEvent:
		cp := *e
		cp.SessionID = sessionID
		return &cp
	case *wire.StatusEvent:
		cp := *e
		cp.SessionID = sessionID
		return &cp
	case *wire.FrameDescription:
		cp := *e
		cp.SessionID = sessionID
		return &cp
	case *wire.FrameObjectDetection:
		cp := *e
		cp.SessionID = sessionID
		return &cp
	default:
		return event
	}
}
