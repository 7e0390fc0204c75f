package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/technosupport/ts-nvr-relay/internal/wire"
)

// FFmpegDecoder extracts MJPEG frames from a camera URI or recorded file via
// an ffmpeg image2pipe pipeline. Geometry and codec info come from a single
// ffprobe run before the pipeline starts.
type FFmpegDecoder struct {
	FFmpegPath  string  // defaults to "ffmpeg"
	FFprobePath string  // defaults to "ffprobe"
	FPS         float64 // frame extraction rate, defaults to 1.0
}

func (d *FFmpegDecoder) ffmpeg() string {
	if d.FFmpegPath != "" {
		return d.FFmpegPath
	}
	return "ffmpeg"
}

func (d *FFmpegDecoder) ffprobe() string {
	if d.FFprobePath != "" {
		return d.FFprobePath
	}
	return "ffprobe"
}

func (d *FFmpegDecoder) fps() float64 {
	if d.FPS > 0 {
		return d.FPS
	}
	return 1.0
}

type probeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type probeResult struct {
	Streams []probeStream `json:"streams"`
}

// Stream implements Decoder.
func (d *FFmpegDecoder) Stream(ctx context.Context, spec StreamSpec, emit func(wire.WorkerEvent)) error {
	codec, err := d.probe(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("probe %s: %w", spec.ID, err)
	}
	emit(codec)

	cmd := exec.CommandContext(ctx, d.ffmpeg(),
		"-loglevel", "error",
		"-i", spec.URI,
		"-vf", fmt.Sprintf("fps=%.3f", d.fps()),
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "2",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 32*1024*1024)
	scanner.Split(splitJPEG)

	for scanner.Scan() {
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())

		emit(&wire.FrameEvent{
			Type:     wire.TypeFrame,
			StreamID: spec.ID,
			FileName: spec.FileName,
			Data:     frame,
		})

		if spec.SaveToDisk {
			frameID := uuid.New().String()
			path, werr := writeFrameFile(spec.SaveDir, spec.ID, frameID, frame)
			if werr != nil {
				log.Printf("worker: save frame for %s: %v", spec.ID, werr)
				continue
			}
			emit(&wire.FrameFileEvent{
				Type:     wire.TypeFrameFile,
				StreamID: spec.ID,
				FileName: spec.FileName,
				FrameID:  frameID,
				Path:     path,
			})
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		// Cooperative stop; not a failure.
		return nil
	}
	if serr := scanner.Err(); serr != nil {
		return fmt.Errorf("read frames for %s: %w", spec.ID, serr)
	}
	if waitErr != nil {
		return fmt.Errorf("ffmpeg for %s: %w (%s)", spec.ID, waitErr, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

func (d *FFmpegDecoder) probe(ctx context.Context, spec StreamSpec) (*wire.CodecEvent, error) {
	out, err := exec.CommandContext(ctx, d.ffprobe(),
		"-v", "error",
		"-show_entries", "stream=codec_type,codec_name,width,height",
		"-of", "json",
		spec.URI,
	).Output()
	if err != nil {
		return nil, err
	}

	var res probeResult
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	codec := &wire.CodecEvent{
		Type:     wire.TypeCodec,
		StreamID: spec.ID,
		FileName: spec.FileName,
		MimeType: "image/jpeg",
	}
	for _, s := range res.Streams {
		switch s.CodecType {
		case "video":
			codec.VideoCodec = s.CodecName
			codec.Width = s.Width
			codec.Height = s.Height
		case "audio":
			codec.AudioCodec = s.CodecName
			codec.HasAudio = true
		}
	}
	if codec.VideoCodec == "" {
		return nil, fmt.Errorf("no video stream in %s", spec.URI)
	}
	return codec, nil
}

func writeFrameFile(baseDir, streamID, frameID string, data []byte) (string, error) {
	dir := filepath.Join(baseDir, streamID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, frameID+".jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// splitJPEG is a bufio.SplitFunc that tokenizes a concatenated JPEG stream on
// SOI (FFD8) / EOI (FFD9) markers.
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, []byte{0xFF, 0xD8})
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], []byte{0xFF, 0xD9})
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + end + 2
	return stop, data[start:stop], nil
}
