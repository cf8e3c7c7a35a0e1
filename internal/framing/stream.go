package framing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"llamagate/internal/core"
)

// ErrClosed is returned by writes after the terminal frame was sent.
var ErrClosed = errors.New("stream already terminated")

var doneFrame = []byte("data: [DONE]\n\n")

// Prepare writes the SSE response headers and the 200 status line.
func Prepare(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// StreamWriter writes SSE frames for one response.
// It is not safe for concurrent use; the relaying goroutine owns it.
type StreamWriter struct {
	w       io.Writer
	flusher http.Flusher
	meta    Meta
	frames  int
	closed  bool
}

// NewStreamWriter wraps w. Frames are flushed as soon as they are written
// when w implements http.Flusher.
func NewStreamWriter(w io.Writer, meta Meta) *StreamWriter {
	flusher, _ := w.(http.Flusher)
	return &StreamWriter{w: w, flusher: flusher, meta: meta}
}

// Meta returns the response metadata used for every frame.
func (s *StreamWriter) Meta() Meta {
	return s.meta
}

// Frames returns the number of fragment frames written so far.
func (s *StreamWriter) Frames() int {
	return s.frames
}

// Closed reports whether a terminal frame was written.
func (s *StreamWriter) Closed() bool {
	return s.closed
}

// WriteFragment writes exactly one delta frame for frag.
func (s *StreamWriter) WriteFragment(frag core.Fragment) error {
	if s.closed {
		return ErrClosed
	}
	data, err := json.Marshal(Chunk(s.meta, frag, s.frames == 0))
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if err := s.writeEvent(data); err != nil {
		return err
	}
	s.frames++
	return nil
}

// WriteDone writes the termination sentinel. No frame may follow.
func (s *StreamWriter) WriteDone() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.write(doneFrame)
}

// WriteError writes a terminal error frame in place of the sentinel.
// The status line was already sent, so the error travels in the body only.
func (s *StreamWriter) WriteError(gwErr *core.GatewayError) error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	data, err := json.Marshal(gwErr.ToJSON())
	if err != nil {
		return fmt.Errorf("marshal error frame: %w", err)
	}
	return s.writeEvent(data)
}

func (s *StreamWriter) writeEvent(data []byte) error {
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return s.write(frame)
}

func (s *StreamWriter) write(frame []byte) error {
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
