//go:build test

package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesched/pkg/request"
	"github.com/stretchr/testify/suite"
)

// MockPeripheralSuite provides a reusable test suite backed by MockTransport and a
// simulated peer.
//
// Basic usage (heart rate peer answering every primitive):
//
//	type SimpleSuite struct {
//	    testutils.MockPeripheralSuite
//	}
//
//	func TestSimpleSuite(t *testing.T) {
//	    suite.Run(t, new(SimpleSuite))
//	}
//
// Custom peer:
//
//	func (s *InspectSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify", []byte{80})
//
//	    s.MockPeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type MockPeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Transport   *MockTransport
	Peripheral  *PeripheralDeviceBuilder
	TestTimeout time.Duration

	peripheral *PeripheralDeviceBuilder
}

// WithPeripheral starts a custom peer configuration used by the next SetupTest.
func (s *MockPeripheralSuite) WithPeripheral() *PeripheralDeviceBuilder {
	s.peripheral = NewPeripheralDeviceBuilder()
	return s.peripheral
}

func (s *MockPeripheralSuite) SetupTest() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	if s.TestTimeout == 0 {
		s.TestTimeout = 2 * time.Second
	}

	s.Peripheral = s.peripheral
	if s.Peripheral == nil {
		s.Peripheral = CreateHeartRatePeripheral()
	}
	s.peripheral = nil

	s.Transport = NewMockTransport()
	s.Transport.SetResponder(s.Peripheral.Responder())
}

func (s *MockPeripheralSuite) TearDownTest() {
	s.Transport = nil
	s.Peripheral = nil
}

// NextPrimitive waits for the next primitive issued to the transport.
func (s *MockPeripheralSuite) NextPrimitive() Primitive {
	select {
	case p := <-s.Transport.Issued():
		return p
	case <-time.After(s.TestTimeout):
		s.FailNow("no primitive issued", "MUST issue a primitive within %s", s.TestTimeout)
		return Primitive{}
	}
}

// ExpectKinds waits until the transport saw exactly kinds, in order.
func (s *MockPeripheralSuite) ExpectKinds(kinds ...request.Kind) {
	s.Require().Eventually(func() bool {
		return len(s.Transport.Kinds()) >= len(kinds)
	}, s.TestTimeout, 5*time.Millisecond, "transport MUST receive %d primitives", len(kinds))
	s.Require().Equal(kinds, s.Transport.Kinds())
}

// Outcome captures the callbacks of one request.
type Outcome struct {
	Started bool
	Done    bool
	Err     error
	Invalid bool
	Result  request.Result
	C       chan struct{}
}

// Track installs callbacks on r recording its outcome. C is closed on the terminal
// callback.
func Track(r *request.Request) *Outcome {
	o := &Outcome{C: make(chan struct{})}
	r.OnBefore(func(*request.Request) { o.Started = true }).
		OnValue(func(_ *request.Request, res request.Result) { o.Result = res }).
		OnDone(func(*request.Request) { o.Done = true; close(o.C) }).
		OnFail(func(_ *request.Request, err error) { o.Err = err; close(o.C) }).
		OnInvalid(func(*request.Request) { o.Invalid = true; close(o.C) })
	return o
}

// Wait blocks until the tracked request terminated.
func (s *MockPeripheralSuite) Wait(o *Outcome) {
	select {
	case <-o.C:
	case <-time.After(s.TestTimeout):
		s.FailNow("request did not terminate", "MUST terminate within %s", s.TestTimeout)
	}
}
