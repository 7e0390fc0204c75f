// Package worker runs fault-tolerant per-camera streaming loops inside an
// isolated worker process. Each loop demuxes one camera URI or recorded file,
// emits a codec event followed by frame events, and recovers from failures
// with a bounded hearts budget.
package worker

import (
	"context"

	"github.com/technosupport/ts-nvr-relay/internal/wire"
)

// StreamSpec describes one streaming session.
type StreamSpec struct {
	ID         string
	URI        string
	FileName   string // set only for recorded-file playback
	SaveToDisk bool
	SaveDir    string
}

// Key returns the (stream_id, file_name) identity of the session.
func (s StreamSpec) Key() wire.StreamKey {
	return wire.StreamKey{ID: s.ID, FileName: s.FileName}
}

// Decoder opens and demuxes a stream source, emitting one codec event followed
// by frame/frame_file events until the source ends or ctx is cancelled, at
// which point it returns nil. Any I/O or decode failure is returned as an
// error. The actual demux/decode machinery is an external collaborator; the
// relay core only consumes its events.
type Decoder interface {
	Stream(ctx context.Context, spec StreamSpec, emit func(wire.WorkerEvent)) error
}
