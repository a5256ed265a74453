package mocks

import (
	"github.com/srg/blesched/pkg/transport"
	"github.com/stretchr/testify/mock"
)

// MockSink is a testify mock of transport.Sink. Completions and events are also
// forwarded to the buffered channels so tests can wait for asynchronous delivery.
type MockSink struct {
	mock.Mock
	Completions chan transport.Completion
	Events      chan transport.Event
}

func NewMockSink() *MockSink {
	return &MockSink{
		Completions: make(chan transport.Completion, 64),
		Events:      make(chan transport.Event, 64),
	}
}

func (m *MockSink) Complete(c transport.Completion) {
	m.Called(c)
	m.Completions <- c
}

func (m *MockSink) Push(ev transport.Event) {
	m.Called(ev)
	m.Events <- ev
}
