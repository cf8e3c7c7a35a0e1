package ollama

import (
	"encoding/json"
	"errors"
	"io"
	"sync"

	"llamagate/internal/core"
)

// stream decodes Ollama's NDJSON chat stream. A line with "done": true ends
// the stream; a line carrying "error" fails it.
type stream struct {
	body  io.ReadCloser
	dec   *json.Decoder
	index int
	done  bool
	usage *core.Usage

	closeOnce sync.Once
	closeErr  error
}

func newStream(body io.ReadCloser) *stream {
	return &stream{body: body, dec: json.NewDecoder(body)}
}

// Recv implements core.FragmentStream.
func (s *stream) Recv() (core.Fragment, error) {
	for {
		if s.done {
			return core.Fragment{}, io.EOF
		}

		var line chatResponse
		if err := s.dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return core.Fragment{}, core.NewBackendUnavailableError(name,
					"backend stream ended before completion", io.ErrUnexpectedEOF)
			}
			return core.Fragment{}, core.NewBackendUnavailableError(name,
				"backend stream interrupted: "+err.Error(), err)
		}

		if line.Error != "" {
			return core.Fragment{}, core.NewBackendUnavailableError(name, line.Error, nil)
		}
		if line.Done {
			s.done = true
			s.usage = line.usage()
		}
		if line.Message.Content == "" {
			continue
		}

		frag := core.Fragment{Content: line.Message.Content, Index: s.index}
		s.index++
		return frag, nil
	}
}

// Usage implements core.UsageReporter.
func (s *stream) Usage() *core.Usage {
	return s.usage
}

// Close implements core.FragmentStream.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
