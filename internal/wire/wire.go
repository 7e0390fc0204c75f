// Package wire defines the binary message protocol spoken on every channel of
// the relay: coordinator <-> worker, viewer <-> coordinator, coordinator <->
// engine. Messages are compact CBOR maps with a "type" discriminant; each
// direction has a closed set of kinds and a Decode function that matches the
// tag exhaustively.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Message type discriminants.
const (
	TypeStartStream     = "start_stream"
	TypeStartStreamFile = "start_stream_file"
	TypeStopStream      = "stop_stream"

	TypeCodec      = "codec"
	TypeFrame      = "frame"
	TypeFrameFile  = "frame_file"
	TypeStarting   = "starting"
	TypeRestarting = "restarting"
	TypeError      = "error"

	TypeSetSubscription = "set_subscription"

	TypeIAmServer   = "i_am_server"
	TypeFrameBinary = "frame_binary"

	TypeFrameDescription     = "frame_description"
	TypeFrameEmbedding       = "frame_embedding"
	TypeFrameObjectDetection = "frame_object_detection"
)

// StreamKey identifies one streaming session. FileName is empty for live
// streams and set for recorded-file playback, so a live loop and a playback
// loop for the same camera never collide.
type StreamKey struct {
	ID       string `cbor:"id"`
	FileName string `cbor:"file_name,omitempty"`
}

// LoopID returns the worker loop key: stream_id for live, stream_id::file_name
// for file playback.
func (k StreamKey) LoopID() string {
	if k.FileName == "" {
		return k.ID
	}
	return k.ID + "::" + k.FileName
}

// Subscription is a viewer's declared set of wanted streams. Replaced
// wholesale on every client update, never patched.
type Subscription struct {
	SessionID string      `cbor:"session_id"`
	Streams   []StreamKey `cbor:"streams"`
}

// Contains reports whether the subscription covers the exact (id, file_name)
// pair.
func (s *Subscription) Contains(key StreamKey) bool {
	if s == nil {
		return false
	}
	for _, st := range s.Streams {
		if st.ID == key.ID && st.FileName == key.FileName {
			return true
		}
	}
	return false
}

// --- Coordinator -> worker control messages ---

type ControlMessage interface{ controlMessage() }

type StartStream struct {
	Type       string `cbor:"type"`
	StreamID   string `cbor:"stream_id"`
	URI        string `cbor:"uri"`
	SaveToDisk bool   `cbor:"saveToDisk"`
	SaveDir    string `cbor:"saveDir,omitempty"`
}

type StartStreamFile struct {
	Type     string `cbor:"type"`
	StreamID string `cbor:"stream_id"`
	FileName string `cbor:"file_name"`
}

type StopStream struct {
	Type     string `cbor:"type"`
	StreamID string `cbor:"stream_id"`
	FileName string `cbor:"file_name,omitempty"`
}

func (StartStream) controlMessage()     {}
func (StartStreamFile) controlMessage() {}
func (StopStream) controlMessage()      {}

// --- Worker -> coordinator events ---

// WorkerEvent is one event emitted by a stream worker loop. Kind returns the
// discriminant; Stream returns the originating (stream_id, file_name) pair.
type WorkerEvent interface {
	Kind() string
	Stream() StreamKey
}

// CodecEvent is emitted once per stream start and carries format/geometry.
type CodecEvent struct {
	Type       string `cbor:"type"`
	StreamID   string `cbor:"stream_id"`
	FileName   string `cbor:"file_name,omitempty"`
	MimeType   string `cbor:"mimeType"`
	VideoCodec string `cbor:"videoCodec"`
	AudioCodec string `cbor:"audioCodec,omitempty"`
	Width      int    `cbor:"width"`
	Height     int    `cbor:"height"`
	HasAudio   bool   `cbor:"hasAudio"`
	SessionID  string `cbor:"session_id,omitempty"`
}

// FrameEvent carries one raw decoded frame for live display.
type FrameEvent struct {
	Type      string `cbor:"type"`
	StreamID  string `cbor:"stream_id"`
	FileName  string `cbor:"file_name,omitempty"`
	Data      []byte `cbor:"data"`
	SessionID string `cbor:"session_id,omitempty"`
}

// FrameFileEvent reports a decoded frame persisted to disk.
type FrameFileEvent struct {
	Type      string `cbor:"type"`
	StreamID  string `cbor:"stream_id"`
	FileName  string `cbor:"file_name,omitempty"`
	FrameID   string `cbor:"frame_id"`
	Path      string `cbor:"path"`
	SessionID string `cbor:"session_id,omitempty"`
}

// StatusEvent covers the starting/restarting/error health kinds, which share
// one shape. Type keeps the original tag.
type StatusEvent struct {
	Type      string `cbor:"type"`
	StreamID  string `cbor:"stream_id"`
	FileName  string `cbor:"file_name,omitempty"`
	SessionID string `cbor:"session_id,omitempty"`
}

func (e *CodecEvent) Kind() string          { return TypeCodec }
func (e *CodecEvent) Stream() StreamKey     { return StreamKey{ID: e.StreamID, FileName: e.FileName} }
func (e *FrameEvent) Kind() string          { return TypeFrame }
func (e *FrameEvent) Stream() StreamKey     { return StreamKey{ID: e.StreamID, FileName: e.FileName} }
func (e *FrameFileEvent) Kind() string      { return TypeFrameFile }
func (e *FrameFileEvent) Stream() StreamKey { return StreamKey{ID: e.StreamID, FileName: e.FileName} }
func (e *StatusEvent) Kind() string         { return e.Type }
func (e *StatusEvent) Stream() StreamKey    { return StreamKey{ID: e.StreamID, FileName: e.FileName} }

// --- Viewer -> coordinator ---

// SetSubscription replaces the viewer's subscription. A nil Subscription
// clears it.
type SetSubscription struct {
	Type         string        `cbor:"type"`
	Subscription *Subscription `cbor:"subscription"`
}

// --- Coordinator <-> engine ---

type EngineMessage interface{ engineMessage() }

type IAmServer struct {
	Type string `cbor:"type"`
}

// WorkerSelection picks which engine workers should process a frame.
type WorkerSelection struct {
	VLM             bool `cbor:"vlm,omitempty"`
	ObjectDetection bool `cbor:"object_detection,omitempty"`
	Embedding       bool `cbor:"embedding,omitempty"`
}

type FrameBinary struct {
	Type     string          `cbor:"type"`
	Workers  WorkerSelection `cbor:"workers"`
	StreamID string          `cbor:"stream_id"`
	FrameID  string          `cbor:"frame_id"`
	Frame    []byte          `cbor:"frame"`
}

type FrameDescription struct {
	Type        string `cbor:"type"`
	FrameID     string `cbor:"frame_id"`
	StreamID    string `cbor:"stream_id"`
	Description string `cbor:"description"`
	SessionID   string `cbor:"session_id,omitempty"`
}

type FrameEmbedding struct {
	Type      string    `cbor:"type"`
	FrameID   string    `cbor:"frame_id"`
	StreamID  string    `cbor:"stream_id"`
	Embedding []float32 `cbor:"embedding"`
}

// BBox is a normalized bounding box, x/y/w/h in [0..1]. JSON tags cover the
// webhook payload shape.
type BBox struct {
	X float64 `cbor:"x" json:"x"`
	Y float64 `cbor:"y" json:"y"`
	W float64 `cbor:"w" json:"w"`
	H float64 `cbor:"h" json:"h"`
}

type DetectedObject struct {
	Label      string  `cbor:"label" json:"label"`
	Confidence float64 `cbor:"confidence" json:"confidence"`
	Box        BBox    `cbor:"box" json:"box"`
}

type FrameObjectDetection struct {
	Type      string           `cbor:"type"`
	FrameID   string           `cbor:"frame_id"`
	StreamID  string           `cbor:"stream_id"`
	Objects   []DetectedObject `cbor:"objects"`
	SessionID string           `cbor:"session_id,omitempty"`
}

func (IAmServer) engineMessage()             {}
func (FrameBinary) engineMessage()           {}
func (*FrameDescription) engineMessage()     {}
func (*FrameEmbedding) engineMessage()       {}
func (*FrameObjectDetection) engineMessage() {}

// --- Codec ---

// Encode serializes any wire message to its CBOR map form.
func Encode(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

type probe struct {
	Type string `cbor:"type"`
}

func tagOf(data []byte) (string, error) {
	var p probe
	if err := cbor.Unmarshal(data, &p); err != nil {
		return "", fmt.Errorf("decode discriminant: %w", err)
	}
	if p.Type == "" {
		return "", fmt.Errorf("message missing type discriminant")
	}
	return p.Type, nil
}

// DecodeControl decodes a coordinator->worker control message.
func DecodeControl(data []byte) (ControlMessage, error) {
	tag, err := tagOf(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case TypeStartStream:
		var m StartStream
		err = cbor.Unmarshal(data, &m)
		return m, err
	case TypeStartStreamFile:
		var m StartStreamFile
		err = cbor.Unmarshal(data, &m)
		return m, err
	case TypeStopStream:
		var m StopStream
		err = cbor.Unmarshal(data, &m)
		return m, err
	default:
		return nil, fmt.Errorf("unknown control message type %q", tag)
	}
}

// DecodeWorkerEvent decodes a worker->coordinator event.
func DecodeWorkerEvent(data []byte) (WorkerEvent, error) {
	tag, err := tagOf(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case TypeCodec:
		var e CodecEvent
		err = cbor.Unmarshal(data, &e)
		return &e, err
	case TypeFrame:
		var e FrameEvent
		err = cbor.Unmarshal(data, &e)
		return &e, err
	case TypeFrameFile:
		var e FrameFileEvent
		err = cbor.Unmarshal(data, &e)
		return &e, err
	case TypeStarting, TypeRestarting, TypeError:
		var e StatusEvent
		err = cbor.Unmarshal(data, &e)
		return &e, err
	default:
		return nil, fmt.Errorf("unknown worker event type %q", tag)
	}
}

// DecodeClientMessage decodes a viewer->coordinator message.
func DecodeClientMessage(data []byte) (*SetSubscription, error) {
	tag, err := tagOf(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case TypeSetSubscription:
		var m SetSubscription
		err = cbor.Unmarshal(data, &m)
		return &m, err
	default:
		return nil, fmt.Errorf("unknown client message type %q", tag)
	}
}

// DecodeEngineMessage decodes an engine->coordinator response.
func DecodeEngineMessage(data []byte) (EngineMessage, error) {
	tag, err := tagOf(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case TypeFrameDescription:
		var m FrameDescription
		err = cbor.Unmarshal(data, &m)
		return &m, err
	case TypeFrameEmbedding:
		var m FrameEmbedding
		err = cbor.Unmarshal(data, &m)
		return &m, err
	case TypeFrameObjectDetection:
		var m FrameObjectDetection
		err = cbor.Unmarshal(data, &m)
		return &m, err
	default:
		return nil, fmt.Errorf("unknown engine message type %q", tag)
	}
}
