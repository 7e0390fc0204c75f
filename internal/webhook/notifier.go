// Package webhook pushes annotation events to an operator-configured HTTP
// receiver. Delivery is best effort: a dead receiver never slows the frame
// pipeline down.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/technosupport/ts-nvr-relay/internal/wire"
)

const (
	EventDescription = "frame.description"
	EventDetection   = "frame.objects"

	signatureHeader = "X-Relay-Signature"
	deliveryTimeout = 5 * time.Second
)

type Payload struct {
	CreatedAt   time.Time             `json:"created_at"`
	StreamID    string                `json:"stream_id"`
	FrameID     string                `json:"frame_id"`
	Description string                `json:"description,omitempty"`
	Objects     []wire.DetectedObject `json:"objects,omitempty"`
}

type Message struct {
	Event string  `json:"event"`
	Data  Payload `json:"data"`
}

// Notifier posts signed JSON messages to a single receiver URL. A zero URL
// disables delivery entirely.
type Notifier struct {
	url    string
	secret []byte
	client *http.Client
	now    func() time.Time
}

func NewNotifier(url, secret string) *Notifier {
	return &Notifier{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: deliveryTimeout},
		now:    time.Now,
	}
}

func (n *Notifier) NotifyDescription(streamID, frameID, description string) {
	n.deliver(Message{
		Event: EventDescription,
		Data: Payload{
			CreatedAt:   n.now(),
			StreamID:    streamID,
			FrameID:     frameID,
			Description: description,
		},
	})
}

func (n *Notifier) NotifyDetections(streamID, frameID string, objects []wire.DetectedObject) {
	n.deliver(Message{
		Event: EventDetection,
		Data: Payload{
			CreatedAt: n.now(),
			StreamID:  streamID,
			FrameID:   frameID,
			Objects:   objects,
		},
	})
}

// deliver posts on its own goroutine. Failures are logged and forgotten.
func (n *Notifier) deliver(msg Message) {
	if n == nil || n.url == "" {
		return
	}
	body, err := json.Marshal(msg)
	if err != nil {
		log.Printf("webhook: marshal %s: %v", msg.Event, err)
		return
	}

	go func() {
		req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			log.Printf("webhook: build request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if len(n.secret) > 0 {
			req.Header.Set(signatureHeader, Sign(n.secret, body))
		}

		resp, err := n.client.Do(req)
		if err != nil {
			log.Printf("webhook: deliver %s: %v", msg.Event, err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			log.Printf("webhook: deliver %s: receiver returned %d", msg.Event, resp.StatusCode)
		}
	}()
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
