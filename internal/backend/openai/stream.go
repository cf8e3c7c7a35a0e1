package openai

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/tidwall/gjson"

	"llamagate/internal/core"
)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// stream decodes an OpenAI SSE chat stream. Only data lines are read;
// comments and event names are skipped.
type stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	index  int
	done   bool
	usage  *core.Usage

	closeOnce sync.Once
	closeErr  error
}

func newStream(body io.ReadCloser) *stream {
	return &stream{body: body, reader: bufio.NewReader(body)}
}

// Recv implements core.FragmentStream.
func (s *stream) Recv() (core.Fragment, error) {
	for {
		if s.done {
			return core.Fragment{}, io.EOF
		}

		line, err := s.reader.ReadBytes('\n')
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			if errors.Is(err, io.EOF) {
				return core.Fragment{}, core.NewBackendUnavailableError(name,
					"backend stream ended before completion", io.ErrUnexpectedEOF)
			}
			return core.Fragment{}, core.NewBackendUnavailableError(name,
				"backend stream interrupted: "+err.Error(), err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		data := bytes.TrimSpace(line[len(dataPrefix):])
		if bytes.Equal(data, doneMarker) {
			s.done = true
			continue
		}
		if !gjson.ValidBytes(data) {
			return core.Fragment{}, core.NewBackendUnavailableError(name,
				"backend sent a malformed stream event", nil)
		}

		if text, failed := streamError(data); failed {
			return core.Fragment{}, core.NewBackendUnavailableError(name, text, nil)
		}

		if u := gjson.GetBytes(data, "usage"); u.IsObject() {
			s.usage = &core.Usage{
				PromptTokens:     int(u.Get("prompt_tokens").Int()),
				CompletionTokens: int(u.Get("completion_tokens").Int()),
				TotalTokens:      int(u.Get("total_tokens").Int()),
			}
		}

		content := gjson.GetBytes(data, "choices.0.delta.content").String()
		if content == "" {
			continue
		}
		frag := core.Fragment{Content: content, Index: s.index}
		s.index++
		return frag, nil
	}
}

// streamError reports a mid-stream failure event. A null or empty "error"
// field on an ordinary chunk is not one.
func streamError(data []byte) (string, bool) {
	e := gjson.GetBytes(data, "error")
	var text string
	switch {
	case e.IsObject():
		text = e.Get("message").String()
	case e.Type == gjson.String && e.String() != "":
		text = e.String()
	default:
		return "", false
	}
	if text == "" {
		text = "backend stream failed"
	}
	return text, true
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
