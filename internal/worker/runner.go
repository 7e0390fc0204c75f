package worker

import (
	"context"
	"log"
	"sync"

	"github.com/technosupport/ts-nvr-relay/internal/platform/paths"
	"github.com/technosupport/ts-nvr-relay/internal/wire"
)

type loopHandle struct {
	cancel context.CancelFunc
}

// Runner is the per-process registry of streaming loops. It translates
// control messages into loop lifecycle changes and emits every loop event
// through publish. Loops are keyed by stream_id for live streams and
// stream_id::file_name for recorded-file playback, so both can run for the
// same camera concurrently.
type Runner struct {
	supervisor    *Supervisor
	publish       func(wire.WorkerEvent)
	recordingsDir string

	mu    sync.Mutex
	loops map[string]*loopHandle
	wg    sync.WaitGroup
}

func NewRunner(sup *Supervisor, recordingsDir string, publish func(wire.WorkerEvent)) *Runner {
	return &Runner{
		supervisor:    sup,
		publish:       publish,
		recordingsDir: recordingsDir,
		loops:         make(map[string]*loopHandle),
	}
}

// HandleRaw decodes one control message and applies it. A malformed message
// is logged and dropped; it never tears anything down.
func (r *Runner) HandleRaw(data []byte) {
	msg, err := wire.DecodeControl(data)
	if err != nil {
		log.Printf("worker: bad control message: %v", err)
		return
	}
	r.Handle(msg)
}

// Handle applies one control message.
func (r *Runner) Handle(msg wire.ControlMessage) {
	switch m := msg.(type) {
	case wire.StartStream:
		if m.URI == "" {
			log.Printf("worker: start_stream for %s without uri ignored", m.StreamID)
			return
		}
		saveDir := m.SaveDir
		if m.SaveToDisk && saveDir == "" {
			saveDir = paths.FramesDir()
		}
		log.Printf("worker: starting stream %s (%s)", m.StreamID, m.URI)
		r.startLoop(m.StreamID, StreamSpec{
			ID:         m.StreamID,
			URI:        m.URI,
			SaveToDisk: m.SaveToDisk,
			SaveDir:    saveDir,
		})

	case wire.StartStreamFile:
		uri, err := paths.SafeJoin(r.recordingsDir, m.StreamID, m.FileName)
		if err != nil {
			log.Printf("worker: start_stream_file for %s rejected: %v", m.StreamID, err)
			return
		}
		log.Printf("worker: starting file stream %s for %s", m.StreamID, m.FileName)
		loopID := wire.StreamKey{ID: m.StreamID, FileName: m.FileName}.LoopID()
		r.startLoop(loopID, StreamSpec{
			ID:       m.StreamID,
			URI:      uri,
			FileName: m.FileName,
		})

	case wire.StopStream:
		// Idempotent: stopping an unknown loop is a silent no-op.
		loopID := wire.StreamKey{ID: m.StreamID, FileName: m.FileName}.LoopID()
		r.mu.Lock()
		h, ok := r.loops[loopID]
		r.mu.Unlock()
		if ok {
			log.Printf("worker: stopping stream %s", loopID)
			h.cancel()
		}
	}
}

func (r *Runner) startLoop(loopID string, spec StreamSpec) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &loopHandle{cancel: cancel}

	r.mu.Lock()
	if prev, ok := r.loops[loopID]; ok {
		prev.cancel()
	}
	r.loops[loopID] = h
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.supervisor.Run(ctx, spec, r.publish)
		r.mu.Lock()
		// Another start may have replaced this entry already.
		if current, ok := r.loops[loopID]; ok && current == h {
			delete(r.loops, loopID)
		}
		r.mu.Unlock()
	}()
}

// Active returns the number of running loops.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loops)
}

// StopAll cancels every loop and waits for them to exit.
func (r *Runner) StopAll() {
	r.mu.Lock()
	for _, h := range r.loops {
		h.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
