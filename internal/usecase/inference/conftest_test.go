package inference

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	domses "github.com/meterlane/paygent/internal/domain/session"
	trinf "github.com/meterlane/paygent/internal/transport/inference"
	sessionuc "github.com/meterlane/paygent/internal/usecase/session"
)

// fakeSessions implements SessionSource with a scripted snapshot and a
// recorded settlement log.
type fakeSessions struct {
	mu        sync.Mutex
	sess      domses.Session
	state     sessionuc.State
	recordErr error
	recorded  []int64
}

func (f *fakeSessions) Current() (domses.Session, sessionuc.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sess, f.state
}

func (f *fakeSessions) RecordUsage(_ context.Context, amount int64) (domses.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.sess, f.recordErr
	}
	f.recorded = append(f.recorded, amount)
	f.sess = f.sess.RecordUsage(amount)
	return f.sess, nil
}

func (f *fakeSessions) settled() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.recorded...)
}

// fakeCaller returns a scripted response and records the dispatched request.
type fakeCaller struct {
	mu      sync.Mutex
	resp    *trinf.Response
	err     error
	lastReq trinf.Request
	lastOpt trinf.CallOptions
	calls   int
}

func (f *fakeCaller) Send(_ context.Context, req trinf.Request, opts trinf.CallOptions) (*trinf.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	f.lastOpt = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

// sseStream builds a real event stream from chunks plus an optional trailing
// usage record.
func sseStream(chunks []string, totalTokens int) *trinf.Stream {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("data: " + c + "\n\n")
	}
	if totalTokens > 0 {
		b.WriteString("event: usage\ndata: {\"totalTokens\":" + strconv.Itoa(totalTokens) + "}\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return trinf.NewSSEStream(io.NopCloser(strings.NewReader(b.String())))
}

// fixedClock never advances; steppingClock advances by step per reading.
type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

type steppingClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *steppingClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

// failingBody yields one chunk then an error.
type failingBody struct {
	payload string
	served  bool
}

func (b *failingBody) Read(p []byte) (int, error) {
	if !b.served {
		b.served = true
		return copy(p, b.payload), nil
	}
	return 0, io.ErrUnexpectedEOF
}

func (b *failingBody) Close() error { return nil }
