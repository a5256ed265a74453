package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/srg/blesched/internal/device"
	"github.com/srg/blesched/internal/testutils/mocks"
	"github.com/srg/blesched/pkg/request"
	"github.com/srg/blesched/pkg/transport"
)

const waitTimeout = 2 * time.Second

// linkClient adds the Disconnected channel some platforms expose.
type linkClient struct {
	*mocks.MockClient
	done chan struct{}
}

func (c *linkClient) Disconnected() <-chan struct{} { return c.done }

var (
	hrChar = &ble.Characteristic{
		UUID:        ble.UUID16(0x2a37),
		Property:    ble.CharRead | ble.CharNotify,
		Descriptors: []*ble.Descriptor{{UUID: ble.UUID16(0x2902)}},
	}
	ctrlChar = &ble.Characteristic{
		UUID:     ble.UUID16(0x2a39),
		Property: ble.CharWrite | ble.CharWriteNR,
	}
	testProfile = &ble.Profile{Services: []*ble.Service{{
		UUID:            ble.UUID16(0x180d),
		Characteristics: []*ble.Characteristic{hrChar, ctrlChar},
	}}}

	hrTarget   = request.Characteristic("180D", "2A37")
	cccdTarget = request.Descriptor("180D", "2A37", "2902")
	ctrlTarget = request.Characteristic("180D", "2A39")
)

func newSink() *mocks.MockSink {
	sink := mocks.NewMockSink()
	sink.On("Complete", mock.Anything).Return()
	sink.On("Push", mock.Anything).Return()
	return sink
}

func newTestTransport(t *testing.T, client Client, dialErr error) (*Transport, *mocks.MockSink) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	tr := New(WithLogger(logger), WithClientFactory(func(ctx context.Context, address string) (Client, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return client, nil
	}))
	sink := newSink()
	tr.Bind(sink)
	return tr, sink
}

func waitCompletion(t *testing.T, sink *mocks.MockSink, id transport.OpID) transport.Completion {
	t.Helper()
	select {
	case c := <-sink.Completions:
		require.Equal(t, id, c.ID, "completion MUST carry the primitive id")
		return c
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting for completion", "op %d", id)
	}
	return transport.Completion{}
}

func waitEvent(t *testing.T, sink *mocks.MockSink) transport.Event {
	t.Helper()
	select {
	case ev := <-sink.Events:
		return ev
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting for push event")
	}
	return nil
}

// connect dials and discovers so attribute primitives can resolve targets.
func connect(t *testing.T, tr *Transport, sink *mocks.MockSink, client *mocks.MockClient) {
	t.Helper()
	client.On("DiscoverProfile", true).Return(testProfile, nil).Maybe()

	tr.Connect(1, "AA:BB:CC:DD:EE:FF")
	require.Equal(t, transport.StatusSuccess, waitCompletion(t, sink, 1).Status)

	tr.DiscoverServices(2)
	c := waitCompletion(t, sink, 2)
	require.Equal(t, transport.StatusSuccess, c.Status)
	require.NotNil(t, c.Profile)
}

func TestTransport_DiscoverBuildsProfile(t *testing.T) {
	client := &mocks.MockClient{}
	tr, sink := newTestTransport(t, client, nil)

	client.On("DiscoverProfile", true).Return(testProfile, nil)

	tr.Connect(1, "AA:BB")
	waitCompletion(t, sink, 1)
	tr.DiscoverServices(2)
	c := waitCompletion(t, sink, 2)

	require.NotNil(t, c.Profile)
	assert.Equal(t, 3, c.Profile.Len(), "two characteristics and one descriptor MUST be registered")

	props, ok := c.Profile.Lookup(hrTarget)
	require.True(t, ok)
	assert.True(t, props.Has(transport.PropRead))
	assert.True(t, props.Has(transport.PropNotify))
	assert.False(t, props.Has(transport.PropWrite))

	_, ok = c.Profile.Lookup(cccdTarget)
	assert.True(t, ok, "descriptor MUST be discoverable")

	client.AssertExpectations(t)
}

func TestTransport_ReadWrite(t *testing.T) {
	client := &mocks.MockClient{}
	tr, sink := newTestTransport(t, client, nil)
	connect(t, tr, sink, client)

	client.On("ReadCharacteristic", hrChar).Return([]byte{0x00, 0x48}, nil).Once()
	tr.ReadCharacteristic(3, hrTarget)
	c := waitCompletion(t, sink, 3)
	assert.Equal(t, transport.StatusSuccess, c.Status)
	assert.Equal(t, []byte{0x00, 0x48}, c.Data)

	client.On("WriteCharacteristic", ctrlChar, []byte{0x01}, true).Return(nil).Once()
	tr.WriteCharacteristic(4, ctrlTarget, 0, []byte{0x01}, request.WriteWithoutResponse)
	c = waitCompletion(t, sink, 4)
	assert.Equal(t, transport.StatusSuccess, c.Status)
	assert.Equal(t, []byte{0x01}, c.Data, "write MUST echo the written value")

	client.On("ReadDescriptor", hrChar.Descriptors[0]).Return([]byte{0x01, 0x00}, nil).Once()
	tr.ReadDescriptor(5, cccdTarget)
	c = waitCompletion(t, sink, 5)
	assert.Equal(t, []byte{0x01, 0x00}, c.Data)

	client.AssertExpectations(t)
}

func TestTransport_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status transport.Status
	}{
		{"att error keeps its code", ble.ErrReadNotPerm, transport.StatusReadNotPermitted},
		{"insufficient authentication", ble.ErrAuthentication, transport.StatusInsufficientAuthentication},
		{"insufficient encryption", ble.ErrInsuffEnc, transport.StatusInsufficientEncryption},
		{"deadline maps to gatt error", context.DeadlineExceeded, transport.StatusGattError},
		{"anything else is a failure", errors.New("boom"), transport.StatusFailure},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mocks.MockClient{}
			tr, sink := newTestTransport(t, client, nil)
			connect(t, tr, sink, client)

			client.On("ReadCharacteristic", hrChar).Return(nil, tt.err).Once()
			id := transport.OpID(10 + i)
			tr.ReadCharacteristic(id, hrTarget)
			c := waitCompletion(t, sink, id)
			assert.Equal(t, tt.status, c.Status)
			assert.Error(t, c.Err)
		})
	}
}

func TestTransport_UnknownAttribute(t *testing.T) {
	client := &mocks.MockClient{}
	tr, sink := newTestTransport(t, client, nil)
	connect(t, tr, sink, client)

	tr.ReadCharacteristic(3, request.Characteristic("180F", "2A19"))
	c := waitCompletion(t, sink, 3)
	assert.Equal(t, transport.StatusFailure, c.Status)

	var nf *device.NotFoundError
	require.ErrorAs(t, c.Err, &nf)
	assert.Equal(t, "characteristic", nf.Resource)
}

func TestTransport_NotConnected(t *testing.T) {
	tr, sink := newTestTransport(t, &mocks.MockClient{}, nil)

	tr.ReadRSSI(1)
	c := waitCompletion(t, sink, 1)
	assert.Equal(t, transport.StatusFailure, c.Status)
	assert.ErrorIs(t, c.Err, device.ErrNotConnected)
}

func TestTransport_ConnectBluetoothOff(t *testing.T) {
	tr, sink := newTestTransport(t, nil, errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"))

	tr.Connect(1, "AA:BB")

	ev := waitEvent(t, sink)
	assert.Equal(t, transport.AdapterState{Enabled: false}, ev, "radio off MUST be reported as an adapter event")

	c := waitCompletion(t, sink, 1)
	assert.Equal(t, transport.StatusFailure, c.Status)
	assert.ErrorIs(t, c.Err, device.ErrBluetoothOff)
}

func TestTransport_Subscribe(t *testing.T) {
	client := &mocks.MockClient{}
	tr, sink := newTestTransport(t, client, nil)
	connect(t, tr, sink, client)

	var handler ble.NotificationHandler
	client.On("Subscribe", hrChar, false, mock.Anything).
		Run(func(args mock.Arguments) { handler = args.Get(2).(ble.NotificationHandler) }).
		Return(nil).Once()

	tr.SetNotify(3, hrTarget, true)
	require.Equal(t, transport.StatusSuccess, waitCompletion(t, sink, 3).Status)
	require.NotNil(t, handler)

	handler([]byte{0x00, 0x50})
	ev := waitEvent(t, sink)
	assert.Equal(t, transport.ValueChanged{Target: hrTarget, Data: []byte{0x00, 0x50}}, ev)

	client.On("Unsubscribe", hrChar, true).Return(nil).Once()
	tr.SetIndicate(4, hrTarget, false)
	require.Equal(t, transport.StatusSuccess, waitCompletion(t, sink, 4).Status)

	client.AssertExpectations(t)
}

func TestTransport_MTUAndRSSI(t *testing.T) {
	client := &mocks.MockClient{}
	tr, sink := newTestTransport(t, client, nil)
	connect(t, tr, sink, client)

	client.On("ExchangeMTU", 247).Return(185, nil).Once()
	tr.RequestMTU(3, 247)
	assert.Equal(t, 185, waitCompletion(t, sink, 3).MTU)

	client.On("ReadRSSI").Return(-61).Once()
	tr.ReadRSSI(4)
	assert.Equal(t, -61, waitCompletion(t, sink, 4).RSSI)
}

func TestTransport_Unsupported(t *testing.T) {
	client := &mocks.MockClient{}
	tr, sink := newTestTransport(t, client, nil)
	connect(t, tr, sink, client)

	tr.CreateBond(3)
	c := waitCompletion(t, sink, 3)
	assert.Equal(t, transport.StatusRequestNotSupported, c.Status)
	assert.ErrorIs(t, c.Err, device.ErrUnsupported)

	tr.RequestConnectionPriority(4, request.PriorityHigh)
	assert.Equal(t, transport.StatusRequestNotSupported, waitCompletion(t, sink, 4).Status)
}

func TestTransport_ReliableWrite(t *testing.T) {
	// GOAL: Verify staged writes reach the peer only on execute, in order
	//
	// TEST SCENARIO: begin, two writes, execute → both values written after execute; a second
	// transaction is aborted → nothing written

	client := &mocks.MockClient{}
	tr, sink := newTestTransport(t, client, nil)
	connect(t, tr, sink, client)

	tr.BeginReliableWrite(3)
	waitCompletion(t, sink, 3)

	tr.WriteCharacteristic(4, ctrlTarget, 0, []byte{0x01}, request.WriteWithResponse)
	assert.Equal(t, []byte{0x01}, waitCompletion(t, sink, 4).Data, "staged write MUST echo its value")
	tr.WriteCharacteristic(5, ctrlTarget, 0, []byte{0x02}, request.WriteWithResponse)
	waitCompletion(t, sink, 5)
	assert.Equal(t, 2, tr.Staged())
	client.AssertNotCalled(t, "WriteCharacteristic", mock.Anything, mock.Anything, mock.Anything)

	first := client.On("WriteCharacteristic", ctrlChar, []byte{0x01}, false).Return(nil).Once()
	client.On("WriteCharacteristic", ctrlChar, []byte{0x02}, false).Return(nil).Once().NotBefore(first)
	tr.ExecuteReliableWrite(6)
	assert.Equal(t, transport.StatusSuccess, waitCompletion(t, sink, 6).Status)
	assert.Equal(t, 0, tr.Staged())
	client.AssertExpectations(t)

	tr.BeginReliableWrite(7)
	waitCompletion(t, sink, 7)
	tr.WriteCharacteristic(8, ctrlTarget, 0, []byte{0x03}, request.WriteWithResponse)
	waitCompletion(t, sink, 8)
	tr.AbortReliableWrite(9)
	waitCompletion(t, sink, 9)
	assert.Equal(t, 0, tr.Staged(), "abort MUST discard staged writes")
	client.AssertNumberOfCalls(t, "WriteCharacteristic", 2)
}

func TestTransport_ReliableWriteSplitMember(t *testing.T) {
	// GOAL: Verify continuation chunks are appended to the staged value
	//
	// TEST SCENARIO: chunks at offsets 0 and 2 → one value written on execute; a chunk at
	// an offset that does not follow the staged value is rejected

	client := &mocks.MockClient{}
	tr, sink := newTestTransport(t, client, nil)
	connect(t, tr, sink, client)

	tr.BeginReliableWrite(3)
	waitCompletion(t, sink, 3)

	tr.WriteCharacteristic(4, ctrlTarget, 0, []byte{0x01, 0x02}, request.WriteWithResponse)
	waitCompletion(t, sink, 4)
	tr.WriteCharacteristic(5, ctrlTarget, 2, []byte{0x03}, request.WriteWithResponse)
	assert.Equal(t, []byte{0x03}, waitCompletion(t, sink, 5).Data, "continuation MUST echo its chunk")
	assert.Equal(t, 1, tr.Staged(), "continuation MUST extend the staged value")

	tr.WriteCharacteristic(6, ctrlTarget, 7, []byte{0x04}, request.WriteWithResponse)
	assert.Equal(t, transport.StatusInvalidOffset, waitCompletion(t, sink, 6).Status)
	assert.Equal(t, 1, tr.Staged())

	client.On("WriteCharacteristic", ctrlChar, []byte{0x01, 0x02, 0x03}, false).Return(nil).Once()
	tr.ExecuteReliableWrite(7)
	assert.Equal(t, transport.StatusSuccess, waitCompletion(t, sink, 7).Status)
	client.AssertExpectations(t)
	client.AssertNumberOfCalls(t, "WriteCharacteristic", 1)
}

func TestTransport_LinkLoss(t *testing.T) {
	client := &linkClient{MockClient: &mocks.MockClient{}, done: make(chan struct{})}
	tr, sink := newTestTransport(t, client, nil)

	tr.Connect(1, "AA:BB")
	waitCompletion(t, sink, 1)

	close(client.done)
	ev := waitEvent(t, sink)
	dis, ok := ev.(transport.Disconnected)
	require.True(t, ok, "link loss MUST be pushed as Disconnected, got %T", ev)
	assert.ErrorIs(t, dis.Err, device.ErrNotConnected)

	tr.ReadRSSI(2)
	assert.ErrorIs(t, waitCompletion(t, sink, 2).Err, device.ErrNotConnected)
}

func TestTransport_Disconnect(t *testing.T) {
	client := &linkClient{MockClient: &mocks.MockClient{}, done: make(chan struct{})}
	client.On("CancelConnection").Return(nil).Once()
	tr, sink := newTestTransport(t, client, nil)

	tr.Connect(1, "AA:BB")
	waitCompletion(t, sink, 1)

	tr.Disconnect(2)
	assert.Equal(t, transport.StatusSuccess, waitCompletion(t, sink, 2).Status)

	close(client.done)
	select {
	case ev := <-sink.Events:
		assert.Failf(t, "requested disconnect MUST NOT be reported as link loss", "got %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	client.AssertExpectations(t)
}

func TestTransport_ForceDisconnect(t *testing.T) {
	client := &mocks.MockClient{}
	client.On("CancelConnection").Return(nil).Once()
	tr, sink := newTestTransport(t, client, nil)

	tr.Connect(1, "AA:BB")
	waitCompletion(t, sink, 1)

	tr.ForceDisconnect()
	assert.Equal(t, transport.Disconnected{Status: transport.StatusSuccess}, waitEvent(t, sink))
	client.AssertExpectations(t)
}

func TestTransport_ConnectAbandoned(t *testing.T) {
	// GOAL: A dial that outlives a forced disconnect MUST NOT leave a live link behind
	release := make(chan struct{})
	client := &mocks.MockClient{}
	client.On("CancelConnection").Return(nil).Once()

	tr := New(WithClientFactory(func(ctx context.Context, address string) (Client, error) {
		<-ctx.Done()
		<-release
		return client, nil
	}))
	sink := newSink()
	tr.Bind(sink)

	tr.Connect(1, "AA:BB")
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.dialCancel != nil
	}, waitTimeout, time.Millisecond)

	tr.ForceDisconnect()
	waitEvent(t, sink)
	close(release)

	c := waitCompletion(t, sink, 1)
	assert.Equal(t, transport.StatusFailure, c.Status)
	assert.ErrorIs(t, c.Err, context.Canceled)
	client.AssertExpectations(t)
}
