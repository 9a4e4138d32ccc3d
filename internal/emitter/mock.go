package emitter

import (
	"context"
	"errors"
	"sync"

	"trailcore/internal/types"
)

// MockSink collects published triggers for tests
type MockSink struct {
	mu         sync.Mutex
	triggers   []types.TrailingStopTrigger
	failMsg    string
	failCount  int
	publishCnt int
}

// MockSinkOption configures the mock sink
type MockSinkOption func(*MockSink)

// WithPublishFailure makes the first n Publish calls fail with msg.
// n <= 0 means every call fails.
func WithPublishFailure(msg string, n int) MockSinkOption {
	return func(m *MockSink) {
		m.failMsg = msg
		m.failCount = n
	}
}

// NewMockSink creates a mock sink
func NewMockSink(opts ...MockSinkOption) *MockSink {
	m := &MockSink{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MockSink) Publish(_ context.Context, trigger types.TrailingStopTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.publishCnt++
	if m.failMsg != "" && (m.failCount <= 0 || m.publishCnt <= m.failCount) {
		return errors.New(m.failMsg)
	}

	m.triggers = append(m.triggers, trigger)
	return nil
}

// GetTriggers returns a copy of the delivered triggers
func (m *MockSink) GetTriggers() []types.TrailingStopTrigger {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.TrailingStopTrigger, len(m.triggers))
	copy(out, m.triggers)
	return out
}

// PublishCalls returns the total number of Publish attempts
func (m *MockSink) PublishCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publishCnt
}

// MockDeadLetters collects dead-lettered triggers for tests
type MockDeadLetters struct {
	mu      sync.Mutex
	entries []types.TrailingStopTrigger
}

// NewMockDeadLetters creates an in-memory dead-letter store
func NewMockDeadLetters() *MockDeadLetters {
	return &MockDeadLetters{}
}

func (m *MockDeadLetters) SaveDeadLetter(_ context.Context, trigger types.TrailingStopTrigger, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, trigger)
	return nil
}

// Entries returns a copy of the recorded dead letters
func (m *MockDeadLetters) Entries() []types.TrailingStopTrigger {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.TrailingStopTrigger, len(m.entries))
	copy(out, m.entries)
	return out
}
