package inference

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

const doneMarker = "[DONE]"

// Stream yields assistant text incrementally. TotalTokens is valid once
// Next has returned io.EOF; before that, or when the server never reported
// a usage event, it is zero.
type Stream struct {
	body        io.ReadCloser
	next        func() (string, error)
	totalTokens int
	closed      bool
}

// Next returns the next chunk of assistant text. It returns io.EOF when the
// stream is exhausted; a chunk may accompany a nil error only.
func (s *Stream) Next() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	return s.next()
}

// TotalTokens returns the server-reported token count, 0 when unreported.
func (s *Stream) TotalTokens() int { return s.totalTokens }

// Close releases the underlying response body. Safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// usageEvent is the optional trailing usage record on SSE streams.
type usageEvent struct {
	TotalTokens int `json:"totalTokens"`
}

// NewSSEStream parses a text/event-stream body. Data lines carry assistant
// text; an "event: usage" record carries the token count; [DONE] terminates.
func NewSSEStream(body io.ReadCloser) *Stream {
	s := &Stream{body: body}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var pendingEvent string
	s.next = func() (string, error) {
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				pendingEvent = ""
			case strings.HasPrefix(line, "event:"):
				pendingEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimPrefix(line, "data:")
				data = strings.TrimPrefix(data, " ")
				if data == doneMarker {
					return "", io.EOF
				}
				if pendingEvent == "usage" {
					var usage usageEvent
					if json.Unmarshal([]byte(data), &usage) == nil && usage.TotalTokens > 0 {
						s.totalTokens = usage.TotalTokens
					}
					continue
				}
				if data != "" {
					return data, nil
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s
}

// NewPlainStream reads a raw text body in small increments so long
// responses still render progressively. tokens comes from the response
// header, when present.
func NewPlainStream(body io.ReadCloser, tokens int) *Stream {
	s := &Stream{body: body, totalTokens: tokens}
	buf := make([]byte, 4096)
	s.next = func() (string, error) {
		n, err := body.Read(buf)
		if n > 0 {
			// Deliver the chunk first; a terminal error resurfaces next call.
			return string(buf[:n]), nil
		}
		if err == nil {
			err = io.EOF
		}
		return "", err
	}
	return s
}
