// Package relay hosts the coordinator-side pipeline: the worker orchestrator,
// the dispatch/throttle stage that routes decoded frames to viewers, storage
// and the AI engine, and the handler that merges engine responses back into
// the store and the broadcast hub.
package relay

import (
	"context"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/technosupport/ts-nvr-relay/internal/store"
	"github.com/technosupport/ts-nvr-relay/internal/wire"
)

const (
	DefaultWarmup  = 5000 * time.Millisecond
	DefaultStagger = 1000 * time.Millisecond
)

// Publisher is the transport for worker control messages. *nats.Conn
// satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Catalog lists the known cameras from the external media catalog.
type Catalog interface {
	List(ctx context.Context) ([]store.Media, error)
}

// Orchestrator translates high-level stream commands into worker-process
// messages. Stop commands for unknown loops are silent no-ops on the worker
// side, so every command here is fire-and-forget.
type Orchestrator struct {
	pub     Publisher
	subject string
	catalog Catalog

	Warmup  time.Duration
	Stagger time.Duration
}

func NewOrchestrator(pub Publisher, controlSubject string, catalog Catalog) *Orchestrator {
	return &Orchestrator{
		pub:     pub,
		subject: controlSubject,
		catalog: catalog,
		Warmup:  DefaultWarmup,
		Stagger: DefaultStagger,
	}
}

// StartAll enumerates every known camera and issues a start_stream command for
// each, staggered so a burst of decoders does not overwhelm decode resources
// or the engine at process startup. Blocks between commands; run it on its own
// goroutine.
func (o *Orchestrator) StartAll(ctx context.Context) {
	select {
	case <-time.After(o.Warmup):
	case <-ctx.Done():
		return
	}

	media, err := o.catalog.List(ctx)
	if err != nil {
		log.Printf("orchestrator: list cameras: %v", err)
		return
	}

	for _, m := range media {
		select {
		case <-time.After(o.Stagger):
		case <-ctx.Done():
			return
		}
		if m.ID == "" || m.URI == "" {
			continue
		}
		log.Printf("orchestrator: starting stream %s (%s)", m.ID, m.URI)
		o.StartStream(m.ID, m.URI, m.SaveToDisk, m.SaveDir)
	}
}

func (o *Orchestrator) StartStream(streamID, uri string, saveToDisk bool, saveDir string) {
	o.send(wire.StartStream{
		Type:       wire.TypeStartStream,
		StreamID:   streamID,
		URI:        uri,
		SaveToDisk: saveToDisk,
		SaveDir:    saveDir,
	})
}

// StartStreamFile implements hub.Commander for newly subscribed recorded
// files.
func (o *Orchestrator) StartStreamFile(key wire.StreamKey) {
	o.send(wire.StartStreamFile{
		Type:     wire.TypeStartStreamFile,
		StreamID: key.ID,
		FileName: key.FileName,
	})
}

// StopStreamFile implements hub.Commander for unsubscribed recorded files.
func (o *Orchestrator) StopStreamFile(key wire.StreamKey) {
	o.send(wire.StopStream{
		Type:     wire.TypeStopStream,
		StreamID: key.ID,
		FileName: key.FileName,
	})
}

func (o *Orchestrator) send(msg wire.ControlMessage) {
	data, err := wire.Encode(msg)
	if err != nil {
		log.Printf("orchestrator: encode control message: %v", err)
		return
	}
	if err := o.pub.Publish(o.subject, data); err != nil {
		log.Printf("orchestrator: publish control message: %v", err)
	}
}

// SubscribeWorkerEvents relays every inbound worker event to the dispatcher.
// A malformed message is logged and dropped without affecting the
// subscription.
func SubscribeWorkerEvents(nc *nats.Conn, subject string, d *Dispatcher) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ev, err := wire.DecodeWorkerEvent(m.Data)
		if err != nil {
			log.Printf("relay: bad worker event: %v", err)
			return
		}
		d.Handle(ev)
	})
}
