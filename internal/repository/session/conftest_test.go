package session

import (
	"context"
	"sync"

	"github.com/meterlane/paygent/internal/db"
)

// mockKV implements the consumer kv interface for tests.
type mockKV struct {
	mu     sync.Mutex
	data   map[string][]byte
	getErr error
	setErr error
	delErr error
}

func newMockKV() *mockKV {
	return &mockKV{data: make(map[string][]byte)}
}

func (m *mockKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.data[key]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return v, nil
}

func (m *mockKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value
	return nil
}

func (m *mockKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delErr != nil {
		return m.delErr
	}
	delete(m.data, key)
	return nil
}

func (m *mockKV) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

// mockPubSub records publishes and lets tests inject incoming messages.
type mockPubSub struct {
	mu        sync.Mutex
	published []string
	handler   func(string)
	done      chan struct{}
}

func newMockPubSub() *mockPubSub {
	return &mockPubSub{done: make(chan struct{})}
}

func (m *mockPubSub) Publish(_ context.Context, _ string, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, message)
	return nil
}

func (m *mockPubSub) Subscribe(ctx context.Context, _ string, fn func(string)) error {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
	close(m.done)
	<-ctx.Done()
	return nil
}

// deliver simulates a message arriving from the change channel.
func (m *mockPubSub) deliver(message string) {
	m.mu.Lock()
	fn := m.handler
	m.mu.Unlock()
	if fn != nil {
		fn(message)
	}
}

func (m *mockPubSub) publishCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}
