package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/technosupport/ts-nvr-relay/internal/metrics"
	"github.com/technosupport/ts-nvr-relay/internal/settings"
	"github.com/technosupport/ts-nvr-relay/internal/store"
	"github.com/technosupport/ts-nvr-relay/internal/wire"
)

const (
	dedupMaxKeys = 4096
	dedupTTL     = 60 * time.Second
)

// Notifier delivers annotation events to external webhook receivers.
// *webhook.Notifier satisfies it.
type Notifier interface {
	NotifyDescription(streamID, frameID, description string)
	NotifyDetections(streamID, frameID string, objects []wire.DetectedObject)
}

// EngineHandler merges AI engine responses back into the relay: annotations
// are queued for storage, forwarded to subscribed viewers, and pushed to
// webhook receivers once per frame. Detection webhooks are additionally
// gated on a runtime setting; a nil flags provider leaves them on.
type EngineHandler struct {
	hub     Broadcaster
	queue   Enqueuer
	notify  Notifier
	flags   Flags
	metrics *metrics.Collector
	dedup   *Dedup
}

func NewEngineHandler(hub Broadcaster, queue Enqueuer, notify Notifier, flags Flags, m *metrics.Collector) *EngineHandler {
	return &EngineHandler{
		hub:     hub,
		queue:   queue,
		notify:  notify,
		flags:   flags,
		metrics: m,
		dedup:   NewDedup(dedupMaxKeys, dedupTTL),
	}
}

// HandleRaw decodes one engine message and applies it. Malformed messages are
// logged and dropped; the engine channel stays up.
func (h *EngineHandler) HandleRaw(data []byte) {
	msg, err := wire.DecodeEngineMessage(data)
	if err != nil {
		log.Printf("engine: bad message: %v", err)
		return
	}
	h.Handle(msg)
}

// Handle applies one decoded engine response.
func (h *EngineHandler) Handle(msg wire.EngineMessage) {
	switch m := msg.(type) {
	case *wire.FrameDescription:
		h.metrics.EngineResponse(wire.TypeFrameDescription)
		desc := m.Description
		h.queue.EnqueueUpdate(store.MediaUnitUpdate{ID: m.FrameID, Description: &desc})
		h.hub.Broadcast(m)
		if h.notify != nil && !h.dedup.IsDuplicate(responseKey(m.FrameID, wire.TypeFrameDescription)) {
			h.notify.NotifyDescription(m.StreamID, m.FrameID, m.Description)
		}

	case *wire.FrameEmbedding:
		h.metrics.EngineResponse(wire.TypeFrameEmbedding)
		h.queue.EnqueueUpdate(store.MediaUnitUpdate{
			ID:        m.FrameID,
			Embedding: store.EncodeEmbedding(m.Embedding),
		})

	case *wire.FrameObjectDetection:
		h.metrics.EngineResponse(wire.TypeFrameObjectDetection)
		h.hub.Broadcast(m)
		if h.notify != nil && len(m.Objects) > 0 && h.detectionWebhookOn() &&
			!h.dedup.IsDuplicate(responseKey(m.FrameID, wire.TypeFrameObjectDetection)) {
			h.notify.NotifyDetections(m.StreamID, m.FrameID, m.Objects)
		}
	}
}

func (h *EngineHandler) detectionWebhookOn() bool {
	if h.flags == nil {
		return true
	}
	return h.flags.Bool(context.Background(), settings.KeyDetectionWebhookEnabled)
}

func responseKey(frameID, kind string) string {
	return fmt.Sprintf("%s|%s", frameID, kind)
}
