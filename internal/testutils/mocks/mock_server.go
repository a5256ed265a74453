package mocks

import (
	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockServiceRegistrar records published services.
type MockServiceRegistrar struct {
	mock.Mock
}

func (m *MockServiceRegistrar) AddService(svc *ble.Service) error {
	return m.Called(svc).Error(0)
}

// MockRequest is a peer ATT request.
type MockRequest struct {
	mock.Mock
}

func (m *MockRequest) Conn() ble.Conn {
	c, _ := m.Called().Get(0).(ble.Conn)
	return c
}

func (m *MockRequest) Data() []byte {
	b, _ := m.Called().Get(0).([]byte)
	return b
}

func (m *MockRequest) Offset() int {
	return m.Called().Int(0)
}

// MockResponseWriter captures the response to a peer request.
type MockResponseWriter struct {
	mock.Mock
}

func (m *MockResponseWriter) Write(b []byte) (int, error) {
	args := m.Called(b)
	return args.Int(0), args.Error(1)
}

func (m *MockResponseWriter) Status() ble.ATTError {
	s, _ := m.Called().Get(0).(ble.ATTError)
	return s
}

func (m *MockResponseWriter) SetStatus(status ble.ATTError) {
	m.Called(status)
}

func (m *MockResponseWriter) Len() int {
	return m.Called().Int(0)
}

func (m *MockResponseWriter) Cap() int {
	return m.Called().Int(0)
}
