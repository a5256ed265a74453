//go:build test

package connection_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blesched/internal/testutils"
	"github.com/srg/blesched/pkg/config"
	"github.com/srg/blesched/pkg/connection"
	"github.com/srg/blesched/pkg/request"
	"github.com/srg/blesched/pkg/transport"
)

const peerAddress = "AA:BB:CC:DD:EE:FF"

var (
	heartRate    = request.Characteristic("180D", "2A37")
	hrControl    = request.Characteristic("180D", "2A39")
	batteryLevel = request.Characteristic("180F", "2A19")
)

// recorder is an Observer collecting every notification.
type recorder struct {
	mu      sync.Mutex
	states  []connection.State
	ready   int
	drained int
	lost    []error
	bonds   []transport.Bond
}

func (r *recorder) StateChanged(_, to connection.State) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
}

func (r *recorder) DeviceReady() {
	r.mu.Lock()
	r.ready++
	r.mu.Unlock()
}

func (r *recorder) QueueDrained() {
	r.mu.Lock()
	r.drained++
	r.mu.Unlock()
}

func (r *recorder) LinkLost(err error) {
	r.mu.Lock()
	r.lost = append(r.lost, err)
	r.mu.Unlock()
}

func (r *recorder) BondStateChanged(b transport.Bond) {
	r.mu.Lock()
	r.bonds = append(r.bonds, b)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]connection.State, int, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]connection.State(nil), r.states...), r.ready, append([]error(nil), r.lost...)
}

type ManagerTestSuite struct {
	testutils.MockPeripheralSuite

	Manager  *connection.Manager
	Observer *recorder
}

func (s *ManagerTestSuite) SetupTest() {
	s.MockPeripheralSuite.SetupTest()
	s.newManager()
}

func (s *ManagerTestSuite) TearDownTest() {
	if s.Manager != nil {
		s.Manager.Close()
	}
	s.MockPeripheralSuite.TearDownTest()
}

// newManager replaces the suite manager, closing the previous one.
func (s *ManagerTestSuite) newManager(opts ...connection.Option) {
	if s.Manager != nil {
		s.Manager.Close()
	}
	s.Observer = &recorder{}
	opts = append([]connection.Option{
		connection.WithLogger(s.Logger),
		connection.WithObserver(s.Observer),
	}, opts...)
	s.Manager = connection.New(s.Transport, opts...)
}

func (s *ManagerTestSuite) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.TestTimeout)
}

func (s *ManagerTestSuite) await(task request.Task) (request.Result, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.Manager.Await(ctx, task)
}

func (s *ManagerTestSuite) connect() request.Result {
	res, err := s.await(request.NewConnect(peerAddress))
	s.Require().NoError(err, "connect MUST succeed")
	s.Require().Equal(connection.StateReady, s.Manager.State())
	return res
}

func (s *ManagerTestSuite) TestConnectAndRead() {
	// GOAL: Verify the basic connect, discover, read round trip through the executor
	//
	// TEST SCENARIO: Await connect → Await read → value of the simulated peer returned

	res := s.connect()
	s.Equal(23, res.MTU, "MTU MUST stay at the default when not negotiated")

	got, err := s.await(request.NewRead(batteryLevel))
	s.Require().NoError(err)
	s.Equal([]byte{95}, got.Data)

	s.ExpectKinds(request.KindConnect, request.KindDiscoverServices, request.KindRead)
	s.Equal(peerAddress, s.Transport.Calls()[0].Address)
}

func (s *ManagerTestSuite) TestSingleOutstandingPrimitive() {
	s.connect()

	var outcomes []*testutils.Outcome
	for i := 0; i < 10; i++ {
		w := request.NewWrite(hrControl, []byte{byte(i)}, request.WriteWithResponse)
		outcomes = append(outcomes, testutils.Track(w))
		s.Require().NoError(s.Manager.Enqueue(w))
	}
	for _, o := range outcomes {
		s.Wait(o)
		s.True(o.Done)
	}

	s.Equal(1, s.Transport.MaxOutstanding(), "transport MUST never see two outstanding primitives")
	writes := s.Peripheral.Writes()
	s.Require().Len(writes, 10)
	for i, w := range writes {
		s.Equal([]byte{byte(i)}, w.Data, "writes MUST reach the peer in enqueue order")
	}
}

func (s *ManagerTestSuite) TestPreferredMTU() {
	cfg := config.DefaultConfig()
	cfg.PreferredMTU = 517
	s.newManager(connection.WithConfig(cfg))

	res := s.connect()
	s.Equal(247, res.MTU, "connect MUST report the negotiated MTU")
	s.Equal(247, s.Manager.MTU())
	s.ExpectKinds(request.KindConnect, request.KindDiscoverServices, request.KindRequestMTU)
}

func (s *ManagerTestSuite) TestInitializer() {
	// GOAL: Verify initializer requests complete before the device is reported ready
	//
	// TEST SCENARIO: initializer enables notifications; an app read enqueued during
	// connect runs only after that

	s.newManager(connection.WithInitializer(func(m *connection.Manager) {
		s.NoError(m.Enqueue(request.NewEnableNotifications(heartRate)))
	}))

	c := request.NewConnect(peerAddress)
	co := testutils.Track(c)
	r := request.NewRead(batteryLevel)
	ro := testutils.Track(r)
	s.Require().NoError(s.Manager.Enqueue(c))
	s.Require().NoError(s.Manager.Enqueue(r))

	s.Wait(co)
	s.Wait(ro)
	s.True(co.Done)
	s.True(ro.Done)
	s.ExpectKinds(request.KindConnect, request.KindDiscoverServices, request.KindEnableNotifications, request.KindRead)

	_, ready, _ := s.Observer.snapshot()
	s.Equal(1, ready)
}

func (s *ManagerTestSuite) TestObserverLifecycle() {
	s.connect()
	_, err := s.await(request.NewDisconnect())
	s.Require().NoError(err)

	s.Eventually(func() bool {
		states, _, _ := s.Observer.snapshot()
		return len(states) == 6
	}, s.TestTimeout, 5*time.Millisecond)

	states, ready, lost := s.Observer.snapshot()
	s.Equal([]connection.State{
		connection.StateConnecting,
		connection.StateConnectedUninitialized,
		connection.StateInitializing,
		connection.StateReady,
		connection.StateDisconnecting,
		connection.StateDisconnected,
	}, states)
	s.Equal(1, ready)
	s.Empty(lost, "requested disconnect MUST NOT be reported as link loss")
}

func (s *ManagerTestSuite) TestListener() {
	s.connect()

	got := make(chan connection.Notification, 4)
	s.Manager.SetListener(heartRate, func(n connection.Notification) { got <- n })
	s.Transport.Push(transport.ValueChanged{Target: heartRate, Data: []byte{0x00, 0x48}})

	select {
	case n := <-got:
		s.Equal(heartRate, n.Target)
		s.Equal([]byte{0x00, 0x48}, n.Data)
		s.False(n.Indication)
	case <-time.After(s.TestTimeout):
		s.FailNow("listener MUST receive the notification")
	}

	s.Manager.RemoveListener(heartRate)
	s.Transport.Push(transport.ValueChanged{Target: heartRate, Data: []byte{0x01}})
	_, err := s.await(request.NewRead(batteryLevel)) // flush the executor
	s.Require().NoError(err)
	s.Empty(got, "removed listener MUST NOT be called")
}

func (s *ManagerTestSuite) TestListenerMerger() {
	s.connect()

	got := make(chan connection.Notification, 4)
	s.Manager.SetListener(heartRate, func(n connection.Notification) { got <- n },
		connection.WithListenerMerger(request.MergeLengthPrefixed(1)))
	s.Transport.Push(transport.ValueChanged{Target: heartRate, Data: []byte{4, 'p', 'i'}})
	s.Transport.Push(transport.ValueChanged{Target: heartRate, Data: []byte{'n', 'g'}})

	select {
	case n := <-got:
		s.Equal([]byte("ping"), n.Data)
	case <-time.After(s.TestTimeout):
		s.FailNow("merged value MUST be delivered")
	}
}

func (s *ManagerTestSuite) TestStreamClosedOnLinkLoss() {
	s.connect()

	stream := s.Manager.Stream(batteryLevel, 2)
	for i := byte(0); i < 4; i++ {
		s.Transport.Push(transport.ValueChanged{Target: batteryLevel, Data: []byte{i}, Indication: true})
	}
	// events and requests share the executor, so a completed read means all four values
	// reached the stream
	_, err := s.await(request.NewRead(heartRate))
	s.Require().NoError(err)
	s.Transport.Push(transport.Disconnected{Status: transport.StatusFailure})

	var values []byte
	for n := range stream {
		values = append(values, n.Data[0])
	}
	s.Equal([]byte{2, 3}, values, "stream MUST keep the newest values and close with the link")

	s.Eventually(func() bool {
		_, _, lost := s.Observer.snapshot()
		return len(lost) == 1
	}, s.TestTimeout, 5*time.Millisecond)
	s.Equal(connection.StateDisconnected, s.Manager.State())
}

func (s *ManagerTestSuite) TestLinkLossFailsPending() {
	s.connect()
	s.Peripheral.Hold(request.KindRead, true)

	r := request.NewRead(batteryLevel)
	o := testutils.Track(r)
	queued := request.NewRead(heartRate)
	qo := testutils.Track(queued)
	s.Require().NoError(s.Manager.Enqueue(r))
	s.Require().NoError(s.Manager.Enqueue(queued))
	s.NextPrimitive() // Connect
	s.NextPrimitive() // DiscoverServices
	s.NextPrimitive() // Read

	s.Transport.Push(transport.Disconnected{Status: transport.StatusFailure})
	s.Wait(o)
	s.Wait(qo)
	s.ErrorIs(o.Err, request.ErrDisconnected)
	s.ErrorIs(qo.Err, request.ErrDisconnected)
}

func (s *ManagerTestSuite) TestRequestTimeout() {
	// GOAL: Verify a timed-out request keeps the transport until its completion arrives
	//
	// TEST SCENARIO: read held past the timeout → ErrTimeout; the next read is not issued
	// until the held read completes

	cfg := config.DefaultConfig()
	cfg.DefaultTimeout = 50 * time.Millisecond
	s.newManager(connection.WithConfig(cfg))
	s.connect()

	s.Peripheral.Hold(request.KindRead, true)
	_, err := s.await(request.NewRead(batteryLevel))
	s.ErrorIs(err, request.ErrTimeout)
	stale := s.Transport.Last()
	s.Require().Equal(request.KindRead, stale.Kind)

	s.Peripheral.Hold(request.KindRead, false)
	next := request.NewRead(batteryLevel)
	o := testutils.Track(next)
	s.Require().NoError(s.Manager.Enqueue(next))
	s.Never(func() bool { return len(s.Transport.Calls()) > 3 }, 50*time.Millisecond, 5*time.Millisecond,
		"next read MUST wait for the timed-out primitive")

	s.Transport.Complete(stale.ID, transport.StatusSuccess, []byte{1})
	s.Wait(o)
	s.Require().True(o.Done, "queue MUST continue after a timeout")
	s.Equal([]byte{95}, o.Result.Data)
	s.Equal(1, s.Transport.MaxOutstanding(), "transport MUST never see two outstanding primitives")
}

func (s *ManagerTestSuite) TestCancel() {
	s.connect()
	s.Peripheral.Hold(request.KindRead, true)

	var outcomes []*testutils.Outcome
	for i := 0; i < 3; i++ {
		r := request.NewRead(batteryLevel)
		outcomes = append(outcomes, testutils.Track(r))
		s.Require().NoError(s.Manager.Enqueue(r))
	}
	s.Eventually(func() bool { return s.Transport.Outstanding() == 1 }, s.TestTimeout, 5*time.Millisecond)

	s.Manager.Cancel()
	for i, o := range outcomes {
		s.Wait(o)
		s.ErrorIs(o.Err, request.ErrCancelled, "request %d MUST be cancelled", i)
	}
	s.Equal(connection.StateReady, s.Manager.State())
}

func (s *ManagerTestSuite) TestConnectRetry() {
	cfg := config.DefaultConfig()
	cfg.RetryDelay = 10 * time.Millisecond
	s.newManager(connection.WithConfig(cfg))
	s.Peripheral.FailNext(request.KindConnect, transport.StatusGattError)

	s.connect()
	s.ExpectKinds(request.KindConnect, request.KindConnect, request.KindDiscoverServices)
}

func (s *ManagerTestSuite) TestConnectRetryRateLimited() {
	// GOAL: Verify the per-address retry window bounds automatic reconnects
	//
	// TEST SCENARIO: window allows one retry → second transient failure fails the connect

	cfg := config.DefaultConfig()
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.ConnectRetries = 5
	cfg.RetryWindow = time.Minute
	cfg.RetryWindowLimit = 1
	s.newManager(connection.WithConfig(cfg))
	for i := 0; i < 3; i++ {
		s.Peripheral.FailNext(request.KindConnect, transport.StatusGattError)
	}

	_, err := s.await(request.NewConnect(peerAddress))
	s.Require().Error(err)
	s.Equal(int(transport.StatusGattError), request.StatusOf(err))
	s.ExpectKinds(request.KindConnect, request.KindConnect)
	s.Equal(connection.StateDisconnected, s.Manager.State())
}

func (s *ManagerTestSuite) TestReliableWrite() {
	s.connect()

	q := request.NewReliableWrite()
	s.Require().NoError(q.Add(
		request.NewWrite(hrControl, []byte{0x01}, request.WriteWithResponse),
		request.NewWrite(hrControl, []byte{0x02}, request.WriteWithResponse),
	))
	_, err := s.await(q)
	s.Require().NoError(err)

	s.ExpectKinds(
		request.KindConnect, request.KindDiscoverServices,
		request.KindBeginReliableWrite, request.KindWrite, request.KindWrite, request.KindExecuteReliableWrite,
	)
}

func (s *ManagerTestSuite) TestReliableWriteLongMember() {
	s.connect()

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}
	q := request.NewReliableWrite()
	s.Require().NoError(q.Add(request.NewWrite(hrControl, payload, request.WriteWithResponse)))
	_, err := s.await(q)
	s.Require().NoError(err)

	writes := s.Peripheral.Writes()
	s.Require().Len(writes, 2, "member MUST be split to the MTU")
	s.Equal(0, writes[0].Offset)
	s.Equal(20, writes[1].Offset)
	s.Equal(payload, s.Peripheral.Value(hrControl), "peer MUST hold the whole member")
}

func (s *ManagerTestSuite) TestReliableWriteEchoMismatch() {
	s.Peripheral.WithEcho(func(_ request.Target, data []byte) []byte {
		return append([]byte{0xff}, data...)
	})
	s.connect()

	q := request.NewReliableWrite()
	second := request.NewWrite(hrControl, []byte{0x02}, request.WriteWithResponse)
	so := testutils.Track(second)
	s.Require().NoError(q.Add(request.NewWrite(hrControl, []byte{0x01}, request.WriteWithResponse), second))

	_, err := s.await(q)
	s.ErrorIs(err, request.ErrValidationMismatch)
	s.Wait(so)
	s.ErrorIs(so.Err, request.ErrCancelled)
	s.ExpectKinds(
		request.KindConnect, request.KindDiscoverServices,
		request.KindBeginReliableWrite, request.KindWrite, request.KindAbortReliableWrite,
	)
}

func (s *ManagerTestSuite) TestTriggeredWait() {
	s.connect()

	type outcome struct {
		res request.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		wait := request.NewWaitForNotification(heartRate).
			WithTrigger(request.NewWrite(hrControl, []byte{0x01}, request.WriteWithResponse))
		res, err := s.await(wait)
		done <- outcome{res, err}
	}()

	s.Eventually(func() bool {
		return s.Transport.Last().Kind == request.KindWrite
	}, s.TestTimeout, 5*time.Millisecond, "trigger MUST be issued")
	s.Transport.Push(transport.ValueChanged{Target: heartRate, Data: []byte{0x00, 0x50}})

	select {
	case out := <-done:
		s.Require().NoError(out.err)
		s.Equal([]byte{0x00, 0x50}, out.res.Data)
	case <-time.After(s.TestTimeout):
		s.FailNow("wait MUST resolve on the notification")
	}
}

func (s *ManagerTestSuite) TestWaitUntilRecheck() {
	var flag atomic.Bool
	done := make(chan error, 1)
	go func() {
		_, err := s.await(request.NewWaitUntil(flag.Load))
		done <- err
	}()

	s.Never(func() bool { return len(done) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	flag.Store(true)
	s.Manager.Recheck()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(s.TestTimeout):
		s.FailNow("WaitUntil MUST resolve after Recheck")
	}
}

func (s *ManagerTestSuite) TestAwaitFromCallback() {
	s.connect()

	errs := make(chan error, 1)
	r := request.NewRead(batteryLevel).OnDone(func(*request.Request) {
		_, err := s.Manager.Await(context.Background(), request.NewRead(batteryLevel))
		errs <- err
	})
	s.Require().NoError(s.Manager.Enqueue(r))

	select {
	case err := <-errs:
		s.ErrorIs(err, request.ErrUsage, "Await from a callback MUST be rejected")
	case <-time.After(s.TestTimeout):
		s.FailNow("callback did not run")
	}
}

func (s *ManagerTestSuite) TestEnqueueTwice() {
	r := request.NewSleep(time.Millisecond)
	s.Require().NoError(s.Manager.Enqueue(r))
	s.ErrorIs(s.Manager.Enqueue(r), request.ErrUsage)
}

func (s *ManagerTestSuite) TestClose() {
	s.connect()
	s.Peripheral.Hold(request.KindRead, true)

	r := request.NewRead(batteryLevel)
	o := testutils.Track(r)
	s.Require().NoError(s.Manager.Enqueue(r))
	s.Eventually(func() bool { return s.Transport.Outstanding() == 1 }, s.TestTimeout, 5*time.Millisecond)

	s.Manager.Close()
	s.Wait(o)
	s.ErrorIs(o.Err, request.ErrCancelled)
	s.ErrorIs(s.Manager.Enqueue(request.NewRead(batteryLevel)), request.ErrUsage)
	_, err := s.await(request.NewRead(batteryLevel))
	s.ErrorIs(err, request.ErrUsage)
}

func (s *ManagerTestSuite) TestBondRetry() {
	s.connect()
	s.Peripheral.FailNext(request.KindRead, transport.StatusInsufficientAuthentication)

	res, err := s.await(request.NewRead(batteryLevel))
	s.Require().NoError(err, "request MUST be retried once bonded")
	s.Equal([]byte{95}, res.Data)
	s.ExpectKinds(request.KindConnect, request.KindDiscoverServices,
		request.KindRead, request.KindCreateBond, request.KindRead)
	s.Equal(transport.BondBonded, s.Manager.Bond())
}

func (s *ManagerTestSuite) TestBondUnsupported() {
	s.connect()
	s.Peripheral.FailNext(request.KindRead, transport.StatusInsufficientAuthentication)
	s.Peripheral.FailNext(request.KindCreateBond, transport.StatusRequestNotSupported)

	_, err := s.await(request.NewRead(batteryLevel))
	s.Require().Error(err)
	s.Equal(int(transport.StatusInsufficientAuthentication), request.StatusOf(err))

	res, err := s.await(request.NewRead(heartRate))
	s.Require().NoError(err, "queue MUST continue after a failed bond")
	s.NotEmpty(res.Data)
}

func (s *ManagerTestSuite) TestSerial() {
	s.connect()

	serial := connection.NewSerial(s.Manager)
	received := make(chan []byte, 1)

	ctx, cancel := s.ctx()
	defer cancel()
	s.Require().NoError(serial.Open(ctx, func(b []byte) { received <- b }))

	s.Transport.Push(transport.ValueChanged{Target: connection.SerialTX, Data: []byte("hello")})
	select {
	case b := <-received:
		s.Equal([]byte("hello"), b)
	case <-time.After(s.TestTimeout):
		s.FailNow("serial data MUST reach the reader")
	}

	payload := make([]byte, 45)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	s.Require().NoError(serial.Write(ctx, payload))

	writes := s.Peripheral.Writes()
	s.Require().Len(writes, 3, "payload MUST be split to the MTU")
	var joined []byte
	for _, w := range writes {
		s.Equal(connection.SerialRX, w.Target)
		joined = append(joined, w.Data...)
	}
	s.Equal(payload, joined)

	s.Require().NoError(serial.Close(ctx))
	s.Equal(request.KindDisableNotifications, s.Transport.Last().Kind)
}

func (s *ManagerTestSuite) TestSerialOpenRequiresService() {
	s.WithPeripheral().
		WithService("180F").
		WithCharacteristic("2A19", "read", []byte{1})
	s.MockPeripheralSuite.SetupTest()
	s.newManager()
	s.connect()

	ctx, cancel := s.ctx()
	defer cancel()
	err := connection.NewSerial(s.Manager).Open(ctx, func([]byte) {})
	s.ErrorIs(err, request.ErrNullAttribute)
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
