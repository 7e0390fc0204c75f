package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/technosupport/ts-nvr-relay/internal/wire"
)

const (
	DefaultHearts        = 5
	DefaultRestartWait   = 5000 * time.Millisecond
	DefaultRecoveryAfter = 30000 * time.Millisecond
)

// SupervisorConfig tunes the bounded-retry loop. Zero values take the
// defaults above.
type SupervisorConfig struct {
	Hearts        int
	RestartWait   time.Duration
	RecoveryAfter time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.Hearts == 0 {
		c.Hearts = DefaultHearts
	}
	if c.RestartWait == 0 {
		c.RestartWait = DefaultRestartWait
	}
	if c.RecoveryAfter == 0 {
		c.RecoveryAfter = DefaultRecoveryAfter
	}
	return c
}

// Supervisor wraps a Decoder loop in bounded retries. Each failure costs one
// heart; exhaustion abandons the stream permanently. Running uninterrupted for
// RecoveryAfter restores the full hearts budget, so a stream that fails rarely
// is never abandoned for long-lived restarts.
type Supervisor struct {
	decoder Decoder
	config  SupervisorConfig
}

func NewSupervisor(decoder Decoder, cfg SupervisorConfig) *Supervisor {
	return &Supervisor{decoder: decoder, config: cfg.withDefaults()}
}

type heartState struct {
	mu     sync.Mutex
	hearts int
}

func (h *heartState) reset(n int) {
	h.mu.Lock()
	h.hearts = n
	h.mu.Unlock()
}

func (h *heartState) spend() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hearts--
	return h.hearts
}

// Run executes the fault-tolerant streaming loop until the source ends, ctx is
// cancelled, or the hearts budget is exhausted. Stopping is cooperative: the
// decoder observes ctx and returns rather than being killed.
func (s *Supervisor) Run(ctx context.Context, spec StreamSpec, emit func(wire.WorkerEvent)) {
	state := &heartState{hearts: s.config.Hearts}
	first := true

	for {
		status := wire.TypeRestarting
		if first {
			status = wire.TypeStarting
			first = false
		}
		emit(&wire.StatusEvent{Type: status, StreamID: spec.ID, FileName: spec.FileName})

		// Armed on every (re)start: a stream that stays up this long earns its
		// full hearts budget back.
		recovery := time.AfterFunc(s.config.RecoveryAfter, func() {
			log.Printf("worker: stream %s stable for %s, full recovery", spec.ID, s.config.RecoveryAfter)
			state.reset(s.config.Hearts)
		})

		err := s.decoder.Stream(ctx, spec, emit)
		recovery.Stop()

		if err == nil {
			// Source ended or cooperative stop.
			return
		}

		remaining := state.spend()
		if remaining <= 0 {
			log.Printf("worker: stream %s has failed too many times, giving up: %v", spec.ID, err)
			emit(&wire.StatusEvent{Type: wire.TypeError, StreamID: spec.ID, FileName: spec.FileName})
			return
		}
		log.Printf("worker: stream %s failed, restarting (%d hearts remaining): %v", spec.ID, remaining, err)

		if ctx.Err() != nil {
			log.Printf("worker: stream %s cancelled, not restarting", spec.ID)
			return
		}

		select {
		case <-time.After(s.config.RestartWait):
		case <-ctx.Done():
			return
		}
	}
}
