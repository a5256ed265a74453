//go:build test

package testutils

import (
	"fmt"
	"sync"

	"github.com/srg/blesched/pkg/request"
	"github.com/srg/blesched/pkg/transport"
)

// Primitive is one call recorded by MockTransport.
type Primitive struct {
	ID        transport.OpID
	Kind      request.Kind
	Target    request.Target
	Address   string
	Data      []byte
	Offset    int
	WriteType request.WriteType
	MTU       int
	Priority  request.ConnectionPriority
	Enable    bool
}

func (p Primitive) String() string {
	if p.Target.IsZero() {
		return p.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", p.Kind, p.Target)
}

// Responder produces the completion for a primitive. Returning false leaves the
// primitive outstanding until the test completes it.
type Responder func(p Primitive) (transport.Completion, bool)

// MockTransport is a scriptable transport.Transport. It records every primitive, tracks
// how many are outstanding at once and lets tests complete them or inject push events.
//
// Basic usage:
//
//	mt := testutils.NewMockTransport()
//	mgr := connection.New(mt)
//	mgr.Enqueue(request.NewConnect("AA:BB"))
//	p := mt.Last()                                 // Connect
//	mt.Complete(p.ID, transport.StatusSuccess, nil)
//
// With a responder every primitive completes as soon as it is issued:
//
//	mt.SetResponder(testutils.NewPeripheral().Responder())
type MockTransport struct {
	mu             sync.Mutex
	sink           transport.Sink
	calls          []Primitive
	pending        map[transport.OpID]Primitive
	maxOutstanding int
	forced         int
	responder      Responder
	issued         chan Primitive
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		pending: make(map[transport.OpID]Primitive),
		issued:  make(chan Primitive, 1024),
	}
}

// SetResponder installs fn to answer primitives synchronously. nil disables it.
func (t *MockTransport) SetResponder(fn Responder) {
	t.mu.Lock()
	t.responder = fn
	t.mu.Unlock()
}

func (t *MockTransport) Bind(sink transport.Sink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

func (t *MockTransport) record(p Primitive) {
	t.mu.Lock()
	t.calls = append(t.calls, p)
	t.pending[p.ID] = p
	if n := len(t.pending); n > t.maxOutstanding {
		t.maxOutstanding = n
	}
	responder := t.responder
	t.mu.Unlock()

	t.issued <- p

	if responder != nil {
		if c, ok := responder(p); ok {
			c.ID = p.ID
			t.CompleteWith(c)
		}
	}
}

func (t *MockTransport) Connect(id transport.OpID, address string) {
	t.record(Primitive{ID: id, Kind: request.KindConnect, Address: address})
}

func (t *MockTransport) Disconnect(id transport.OpID) {
	t.record(Primitive{ID: id, Kind: request.KindDisconnect})
}

func (t *MockTransport) DiscoverServices(id transport.OpID) {
	t.record(Primitive{ID: id, Kind: request.KindDiscoverServices})
}

func (t *MockTransport) ReadCharacteristic(id transport.OpID, target request.Target) {
	t.record(Primitive{ID: id, Kind: request.KindRead, Target: target})
}

func (t *MockTransport) WriteCharacteristic(id transport.OpID, target request.Target, offset int, data []byte, writeType request.WriteType) {
	t.record(Primitive{ID: id, Kind: request.KindWrite, Target: target, Offset: offset, Data: data, WriteType: writeType})
}

func (t *MockTransport) ReadDescriptor(id transport.OpID, target request.Target) {
	t.record(Primitive{ID: id, Kind: request.KindReadDescriptor, Target: target})
}

func (t *MockTransport) WriteDescriptor(id transport.OpID, target request.Target, data []byte) {
	t.record(Primitive{ID: id, Kind: request.KindWriteDescriptor, Target: target, Data: data})
}

func (t *MockTransport) SetNotify(id transport.OpID, target request.Target, enable bool) {
	kind := request.KindDisableNotifications
	if enable {
		kind = request.KindEnableNotifications
	}
	t.record(Primitive{ID: id, Kind: kind, Target: target, Enable: enable})
}

func (t *MockTransport) SetIndicate(id transport.OpID, target request.Target, enable bool) {
	kind := request.KindDisableIndications
	if enable {
		kind = request.KindEnableIndications
	}
	t.record(Primitive{ID: id, Kind: kind, Target: target, Enable: enable})
}

func (t *MockTransport) RequestMTU(id transport.OpID, mtu int) {
	t.record(Primitive{ID: id, Kind: request.KindRequestMTU, MTU: mtu})
}

func (t *MockTransport) RequestConnectionPriority(id transport.OpID, priority request.ConnectionPriority) {
	t.record(Primitive{ID: id, Kind: request.KindRequestConnectionPriority, Priority: priority})
}

func (t *MockTransport) ReadRSSI(id transport.OpID) {
	t.record(Primitive{ID: id, Kind: request.KindReadRSSI})
}

func (t *MockTransport) BeginReliableWrite(id transport.OpID) {
	t.record(Primitive{ID: id, Kind: request.KindBeginReliableWrite})
}

func (t *MockTransport) ExecuteReliableWrite(id transport.OpID) {
	t.record(Primitive{ID: id, Kind: request.KindExecuteReliableWrite})
}

func (t *MockTransport) AbortReliableWrite(id transport.OpID) {
	t.record(Primitive{ID: id, Kind: request.KindAbortReliableWrite})
}

func (t *MockTransport) CreateBond(id transport.OpID) {
	t.record(Primitive{ID: id, Kind: request.KindCreateBond})
}

func (t *MockTransport) RemoveBond(id transport.OpID) {
	t.record(Primitive{ID: id, Kind: request.KindRemoveBond})
}

// ForceDisconnect drops everything outstanding and reports the link as gone.
func (t *MockTransport) ForceDisconnect() {
	t.mu.Lock()
	t.forced++
	t.pending = make(map[transport.OpID]Primitive)
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink.Push(transport.Disconnected{Status: transport.StatusSuccess})
	}
}

// Complete finishes the outstanding primitive id.
func (t *MockTransport) Complete(id transport.OpID, status transport.Status, data []byte) {
	t.CompleteWith(transport.Completion{ID: id, Status: status, Data: data})
}

// CompleteWith delivers c for the outstanding primitive c.ID.
func (t *MockTransport) CompleteWith(c transport.Completion) {
	t.mu.Lock()
	delete(t.pending, c.ID)
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink.Complete(c)
	}
}

// Push injects an unsolicited event.
func (t *MockTransport) Push(ev transport.Event) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink.Push(ev)
	}
}

// Issued delivers primitives in the order they were issued.
func (t *MockTransport) Issued() <-chan Primitive {
	return t.issued
}

// Calls returns every primitive issued so far.
func (t *MockTransport) Calls() []Primitive {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Primitive(nil), t.calls...)
}

// Kinds returns the kinds of every primitive issued so far.
func (t *MockTransport) Kinds() []request.Kind {
	calls := t.Calls()
	kinds := make([]request.Kind, len(calls))
	for i, c := range calls {
		kinds[i] = c.Kind
	}
	return kinds
}

// Last returns the most recent primitive, or a zero Primitive.
func (t *MockTransport) Last() Primitive {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.calls) == 0 {
		return Primitive{}
	}
	return t.calls[len(t.calls)-1]
}

// Outstanding returns the number of primitives not yet completed.
func (t *MockTransport) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// MaxOutstanding returns the highest number of simultaneously outstanding primitives.
func (t *MockTransport) MaxOutstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxOutstanding
}

// ForcedDisconnects returns how often ForceDisconnect was called.
func (t *MockTransport) ForcedDisconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forced
}

// Reset forgets recorded calls; outstanding primitives stay outstanding.
func (t *MockTransport) Reset() {
	t.mu.Lock()
	t.calls = nil
	t.maxOutstanding = len(t.pending)
	t.mu.Unlock()
	for {
		select {
		case <-t.issued:
		default:
			return
		}
	}
}
