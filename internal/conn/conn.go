// Package conn provides the reconnecting duplex channel used for every
// outbound network link of the relay (AI engine, remote peers). Messages are
// CBOR-encoded; sends issued while disconnected are queued and flushed in FIFO
// order once the socket opens.
package conn

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-nvr-relay/internal/wire"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
)

const (
	DefaultInitialDelay = 1000 * time.Millisecond
	DefaultMaxDelay     = 60000 * time.Millisecond
	DefaultJitterMax    = 1000 * time.Millisecond
)

// Handlers carry the channel callbacks. All are optional. OnMessage receives
// the raw CBOR payload; decode errors inside the callback must not panic.
type Handlers struct {
	OnOpen    func()
	OnClose   func()
	OnError   func(err error)
	OnMessage func(data []byte)
}

// Options tune the reconnect behavior. Zero values take the defaults above.
type Options struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	JitterMax    time.Duration

	// Dialer is swappable in tests. Defaults to websocket.DefaultDialer.
	Dialer func(url string) (*websocket.Conn, error)
}

// Conn is a reconnecting websocket channel.
//
// State machine: idle -> connecting -> connected -> idle (close/error) ->
// connecting (retry). Transport failures never propagate past the channel
// boundary; they surface via OnError and route into the reconnect path.
type Conn struct {
	url      string
	handlers Handlers
	dial     func(url string) (*websocket.Conn, error)

	mu      sync.Mutex
	state   State
	ws      *websocket.Conn
	queue   [][]byte
	closed  bool
	retry   *backoff
	timer   *time.Timer
	genID   int // invalidates stale read loops after Close
}

// Dial creates the channel and starts connecting in the background.
func Dial(url string, handlers Handlers, opts Options) *Conn {
	c := New(url, handlers, opts)
	c.Start()
	return c
}

// New creates the channel without connecting. Useful when a handler needs a
// reference to the channel itself (an OnOpen hello, for example); call Start
// once wiring is done.
func New(url string, handlers Handlers, opts Options) *Conn {
	if opts.InitialDelay == 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.JitterMax == 0 {
		opts.JitterMax = DefaultJitterMax
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = func(url string) (*websocket.Conn, error) {
			ws, _, err := websocket.DefaultDialer.Dial(url, nil)
			return ws, err
		}
	}
	c := &Conn{
		url:      url,
		handlers: handlers,
		dial:     dialer,
		retry:    newBackoff(opts.InitialDelay, opts.MaxDelay, opts.JitterMax),
	}
	return c
}

// Start begins connecting in the background.
func (c *Conn) Start() {
	go c.connect()
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send serializes the message and transmits it if connected; otherwise the
// payload is appended to the in-memory queue and delivered, in order, once the
// channel reconnects. Sending while disconnected is not an error.
func (c *Conn) Send(msg any) error {
	encoded, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		log.Printf("conn: send on closed channel to %s dropped", c.url)
		return nil
	}
	if c.state != StateConnected {
		c.queue = append(c.queue, encoded)
		c.mu.Unlock()
		return nil
	}
	ws := c.ws
	err = ws.WriteMessage(websocket.BinaryMessage, encoded)
	if err != nil {
		// Keep the message; it goes out after reconnect.
		c.queue = append(c.queue, encoded)
		c.teardownLocked()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.emitError(err)
		return nil
	}
	c.mu.Unlock()
	return nil
}

// Close tears the channel down for good: pending reconnect timers are
// cancelled, the queue is dropped, and no further attempts occur.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.genID++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.teardownLocked()
	c.queue = nil
}

func (c *Conn) connect() {
	c.mu.Lock()
	if c.closed || c.state != StateIdle {
		// Already connecting or connected; never open a duplicate socket.
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	gen := c.genID
	c.mu.Unlock()

	ws, err := c.dial(c.url)

	c.mu.Lock()
	if c.closed || gen != c.genID {
		c.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		c.state = StateIdle
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.emitError(err)
		return
	}

	c.ws = ws
	c.state = StateConnected
	c.retry.Reset()

	// Flush the queue in FIFO order before any newer Send can write.
	pending := c.queue
	c.queue = nil
	for _, msg := range pending {
		if werr := ws.WriteMessage(websocket.BinaryMessage, msg); werr != nil {
			// Re-queue this and the rest, drop the socket, retry later.
			c.queue = append([][]byte{msg}, c.queue...)
			c.teardownLocked()
			c.scheduleReconnectLocked()
			c.mu.Unlock()
			c.emitError(werr)
			return
		}
	}
	c.mu.Unlock()

	if c.handlers.OnOpen != nil {
		c.handlers.OnOpen()
	}
	go c.readLoop(ws, gen)
}

func (c *Conn) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.closed || gen != c.genID
			if !stale {
				c.teardownLocked()
				c.scheduleReconnectLocked()
			}
			c.mu.Unlock()
			if stale {
				return
			}
			c.emitError(err)
			if c.handlers.OnClose != nil {
				c.handlers.OnClose()
			}
			return
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(data)
		}
	}
}

func (c *Conn) teardownLocked() {
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.state = StateIdle
}

func (c *Conn) scheduleReconnectLocked() {
	if c.closed || c.timer != nil {
		return
	}
	delay := c.retry.Next()
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.timer = nil
		c.mu.Unlock()
		c.connect()
	})
}

func (c *Conn) emitError(err error) {
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	} else {
		log.Printf("conn: %s: %v", c.url, err)
	}
}
