package relay

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/technosupport/ts-nvr-relay/internal/metrics"
	"github.com/technosupport/ts-nvr-relay/internal/settings"
	"github.com/technosupport/ts-nvr-relay/internal/store"
	"github.com/technosupport/ts-nvr-relay/internal/wire"
)

const (
	DefaultIngestInterval = 5000 * time.Millisecond
	DefaultDetectInterval = 1000 * time.Millisecond
)

// Broadcaster fans an event out to all viewer sessions. *hub.Hub satisfies
// it.
type Broadcaster interface {
	Broadcast(event any)
}

// EngineSender is the outbound side of the engine channel. *conn.Conn
// satisfies it.
type EngineSender interface {
	Send(msg any) error
}

// Enqueuer is the write-queue surface the pipeline needs.
type Enqueuer interface {
	EnqueueAdd(u store.MediaUnit)
	EnqueueUpdate(u store.MediaUnitUpdate)
}

// Flags exposes runtime setting flags. *settings.Provider satisfies it.
type Flags interface {
	Bool(ctx context.Context, key string) bool
}

// throttleState tracks last-sent timestamps per stream, one per independent
// throttled task. Created lazily on first frame; lives for the process
// lifetime (stream count is operator-bounded).
type throttleState struct {
	lastIngest time.Time
	lastDetect time.Time
}

// Dispatcher consumes every event emitted by worker processes. codec and
// frame events go to the broadcast hub unconditionally (live preview stays
// real-time); frame_file events drive two independently throttled
// side-effects per stream: storage ingest plus a VLM/embedding engine round
// trip, and object detection.
type Dispatcher struct {
	hub      Broadcaster
	queue    Enqueuer
	engine   EngineSender
	flags    Flags
	metrics  *metrics.Collector
	readFile func(path string) ([]byte, error)
	now      func() time.Time

	IngestInterval time.Duration
	DetectInterval time.Duration

	mu      sync.Mutex
	streams map[string]*throttleState
}

func NewDispatcher(hub Broadcaster, queue Enqueuer, engine EngineSender, flags Flags, m *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		hub:            hub,
		queue:          queue,
		engine:         engine,
		flags:          flags,
		metrics:        m,
		readFile:       os.ReadFile,
		now:            time.Now,
		IngestInterval: DefaultIngestInterval,
		DetectInterval: DefaultDetectInterval,
		streams:        make(map[string]*throttleState),
	}
}

// Handle routes one worker event. Never blocks on storage or the engine: the
// throttled side-effects run as two independent tasks with their own error
// boundaries, so one failing or skipping never affects the other.
func (d *Dispatcher) Handle(ev wire.WorkerEvent) {
	switch ev.Kind() {
	case wire.TypeCodec, wire.TypeFrame, wire.TypeStarting, wire.TypeRestarting, wire.TypeError:
		d.metrics.FrameForwarded(ev.Kind())
		d.hub.Broadcast(ev)

	case wire.TypeFrameFile:
		ff, ok := ev.(*wire.FrameFileEvent)
		if !ok {
			return
		}
		now := d.now()
		go d.ingestTask(ff, now)
		go d.detectTask(ff, now)
	}
}

// ingestTask persists a Media Unit and requests VLM description plus
// embedding from the engine, at most once per IngestInterval per stream.
func (d *Dispatcher) ingestTask(ev *wire.FrameFileEvent, now time.Time) {
	if !d.due(ev.StreamID, now, ingest) {
		d.metrics.ThrottleSkip("ingest")
		return
	}

	d.queue.EnqueueAdd(store.MediaUnit{
		ID:      ev.FrameID,
		MediaID: ev.StreamID,
		AtTime:  now,
		Path:    ev.Path,
		Type:    "frame",
	})

	frame, err := d.readFile(ev.Path)
	if err != nil {
		log.Printf("dispatch: read frame %s: %v", ev.Path, err)
		return
	}
	err = d.engine.Send(wire.FrameBinary{
		Type:     wire.TypeFrameBinary,
		Workers:  wire.WorkerSelection{VLM: true, Embedding: true},
		StreamID: ev.StreamID,
		FrameID:  ev.FrameID,
		Frame:    frame,
	})
	if err != nil {
		log.Printf("dispatch: engine send for frame %s: %v", ev.FrameID, err)
		return
	}
	d.metrics.EngineSend("index")
}

// detectTask forwards the frame for object detection when the runtime flag is
// enabled, at most once per DetectInterval per stream.
func (d *Dispatcher) detectTask(ev *wire.FrameFileEvent, now time.Time) {
	if !d.flags.Bool(context.Background(), settings.KeyObjectDetectionEnabled) {
		return
	}
	if !d.due(ev.StreamID, now, detect) {
		d.metrics.ThrottleSkip("detect")
		return
	}

	frame, err := d.readFile(ev.Path)
	if err != nil {
		log.Printf("dispatch: read frame %s: %v", ev.Path, err)
		return
	}
	err = d.engine.Send(wire.FrameBinary{
		Type:     wire.TypeFrameBinary,
		Workers:  wire.WorkerSelection{ObjectDetection: true},
		StreamID: ev.StreamID,
		FrameID:  ev.FrameID,
		Frame:    frame,
	})
	if err != nil {
		log.Printf("dispatch: engine send for frame %s: %v", ev.FrameID, err)
		return
	}
	d.metrics.EngineSend("object_detection")
}

type task int

const (
	ingest task = iota
	detect
)

// due applies the wall-clock throttle for one (stream, task) pair and records
// the send time when due. Ties exactly at the threshold count as due.
func (d *Dispatcher) due(streamID string, now time.Time, t task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.streams[streamID]
	if !ok {
		st = &throttleState{}
		d.streams[streamID] = st
	}

	var last *time.Time
	var interval time.Duration
	switch t {
	case ingest:
		last, interval = &st.lastIngest, d.IngestInterval
	case detect:
		last, interval = &st.lastDetect, d.DetectInterval
	}

	if !last.IsZero() && now.Sub(*last) < interval {
		return false
	}
	*last = now
	return true
}
