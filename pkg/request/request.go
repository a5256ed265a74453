package request

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Task is a unit the scheduler holds in its queues: a single Request or a Queue.
type Task interface {
	ID() string
	// Claim transfers ownership to a queue; a task can be claimed once.
	Claim() error
	// Latch redirects terminal notifications to the returned channel.
	Latch() <-chan Outcome
	// Unlatch restores the registered callbacks.
	Unlatch()
}

// Request is an immutable description of one operation plus its callbacks.
// Build it with one of the New* constructors and the With*/On* methods, then hand
// it to the scheduler. Builder methods panic with ErrUsage once the request is owned.
type Request struct {
	id     string
	kind   Kind
	target Target

	address    string
	data       []byte
	writeType  WriteType
	split      bool
	mtu        int
	priority   ConnectionPriority
	delay      time.Duration
	condition  func() bool
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	retrySet   bool

	filter  Filter
	merger  Merger
	trigger *Request

	hooks    hooks[*Request]
	progress func(r *Request, sent, total int)

	owned     atomic.Bool
	buildErr  error
	synthetic bool
}

func newRequest(kind Kind, target Target) *Request {
	return &Request{id: uuid.New().String(), kind: kind, target: target}
}

// NewConnect creates a connect request for the peer at address.
func NewConnect(address string) *Request {
	r := newRequest(KindConnect, Target{})
	r.address = address
	return r
}

// NewDisconnect creates a disconnect request.
func NewDisconnect() *Request { return newRequest(KindDisconnect, Target{}) }

// NewDiscoverServices creates an explicit service discovery request.
func NewDiscoverServices() *Request { return newRequest(KindDiscoverServices, Target{}) }

// NewRead creates a characteristic read.
func NewRead(target Target) *Request { return newRequest(KindRead, target) }

// NewWrite creates a characteristic write. data is copied.
func NewWrite(target Target, data []byte, writeType WriteType) *Request {
	r := newRequest(KindWrite, target)
	r.data = append([]byte(nil), data...)
	r.writeType = writeType
	return r
}

// NewReadDescriptor creates a descriptor read.
func NewReadDescriptor(target Target) *Request { return newRequest(KindReadDescriptor, target) }

// NewWriteDescriptor creates a descriptor write. data is copied.
func NewWriteDescriptor(target Target, data []byte) *Request {
	r := newRequest(KindWriteDescriptor, target)
	r.data = append([]byte(nil), data...)
	return r
}

func NewEnableNotifications(target Target) *Request {
	return newRequest(KindEnableNotifications, target)
}

func NewDisableNotifications(target Target) *Request {
	return newRequest(KindDisableNotifications, target)
}

func NewEnableIndications(target Target) *Request {
	return newRequest(KindEnableIndications, target)
}

func NewDisableIndications(target Target) *Request {
	return newRequest(KindDisableIndications, target)
}

// NewRequestMTU asks the peer for a larger ATT MTU.
func NewRequestMTU(mtu int) *Request {
	r := newRequest(KindRequestMTU, Target{})
	r.mtu = mtu
	return r
}

// NewConnectionPriority requests a connection interval class.
func NewConnectionPriority(p ConnectionPriority) *Request {
	r := newRequest(KindRequestConnectionPriority, Target{})
	r.priority = p
	return r
}

func NewReadRSSI() *Request   { return newRequest(KindReadRSSI, Target{}) }
func NewCreateBond() *Request { return newRequest(KindCreateBond, Target{}) }
func NewRemoveBond() *Request { return newRequest(KindRemoveBond, Target{}) }

// NewSleep holds the queue for d without touching the transport.
func NewSleep(d time.Duration) *Request {
	r := newRequest(KindSleep, Target{})
	r.delay = d
	return r
}

// NewWaitForNotification waits until the peer notifies target.
func NewWaitForNotification(target Target) *Request {
	return newRequest(KindWaitForNotification, target)
}

// NewWaitForIndication waits until the peer indicates target.
func NewWaitForIndication(target Target) *Request {
	return newRequest(KindWaitForIndication, target)
}

// NewWaitForRead waits until the peer reads the local server attribute target.
func NewWaitForRead(target Target) *Request {
	return newRequest(KindWaitForRead, target)
}

// NewWaitForWrite waits until the peer writes the local server attribute target.
func NewWaitForWrite(target Target) *Request {
	return newRequest(KindWaitForWrite, target)
}

// NewWaitUntil waits until cond reports true. cond runs on the scheduler goroutine.
func NewWaitUntil(cond func() bool) *Request {
	r := newRequest(KindWaitUntil, Target{})
	r.condition = cond
	return r
}

// NewWaitIf waits while cond reports true.
func NewWaitIf(cond func() bool) *Request {
	return NewWaitUntil(func() bool { return !cond() })
}

func newSynthetic(kind Kind) *Request {
	r := newRequest(kind, Target{})
	r.synthetic = true
	r.owned.Store(true)
	return r
}

func (r *Request) mustBeUnowned(method string) {
	if r.owned.Load() {
		panic(Usage("%s called on request %s after it was enqueued", method, r.id))
	}
}

// WithTimeout fails the request with ErrTimeout if it has not completed d after start.
func (r *Request) WithTimeout(d time.Duration) *Request {
	r.mustBeUnowned("WithTimeout")
	r.timeout = d
	return r
}

// WithSplit splits a long write into MTU-sized chunks.
func (r *Request) WithSplit() *Request {
	r.mustBeUnowned("WithSplit")
	r.split = true
	return r
}

// WithRetry overrides the connect retry policy.
func (r *Request) WithRetry(count int, delay time.Duration) *Request {
	r.mustBeUnowned("WithRetry")
	r.retries = count
	r.retryDelay = delay
	r.retrySet = true
	return r
}

// WithFilter drops fragments the filter rejects.
func (r *Request) WithFilter(f Filter) *Request {
	r.mustBeUnowned("WithFilter")
	r.filter = f
	return r
}

// WithMerger assembles multi-packet values before the request resolves.
func (r *Request) WithMerger(m Merger) *Request {
	r.mustBeUnowned("WithMerger")
	r.merger = m
	return r
}

// WithTrigger attaches the operation that provokes the awaited event. The trigger
// is owned by r from now on; attaching an already owned trigger is reported at enqueue.
func (r *Request) WithTrigger(t *Request) *Request {
	r.mustBeUnowned("WithTrigger")
	switch {
	case !r.kind.IsAwaiting():
		r.buildErr = Usage("%s request cannot have a trigger", r.kind)
	case t == nil || t.kind.IsAwaiting():
		r.buildErr = Usage("trigger must be a non-awaiting request")
	case !t.owned.CompareAndSwap(false, true):
		r.buildErr = Usage("trigger %s already belongs to another queue", t.id)
	default:
		r.trigger = t
	}
	return r
}

func (r *Request) OnBefore(fn func(r *Request)) *Request {
	r.mustBeUnowned("OnBefore")
	r.hooks.before = fn
	return r
}

func (r *Request) OnDone(fn func(r *Request)) *Request {
	r.mustBeUnowned("OnDone")
	r.hooks.done = fn
	return r
}

func (r *Request) OnFail(fn func(r *Request, err error)) *Request {
	r.mustBeUnowned("OnFail")
	r.hooks.fail = fn
	return r
}

// OnInvalid is called instead of OnFail when the request could not be dispatched
// because the device is unknown or the attribute lacks the required property.
func (r *Request) OnInvalid(fn func(r *Request)) *Request {
	r.mustBeUnowned("OnInvalid")
	r.hooks.invalid = fn
	return r
}

// OnValue receives the result right before OnDone.
func (r *Request) OnValue(fn func(r *Request, res Result)) *Request {
	r.mustBeUnowned("OnValue")
	r.hooks.value = fn
	return r
}

// OnProgress reports split write progress in bytes.
func (r *Request) OnProgress(fn func(r *Request, sent, total int)) *Request {
	r.mustBeUnowned("OnProgress")
	r.progress = fn
	return r
}

func (r *Request) ID() string                   { return r.id }
func (r *Request) Kind() Kind                   { return r.kind }
func (r *Request) Target() Target               { return r.target }
func (r *Request) Address() string              { return r.address }
func (r *Request) Data() []byte                 { return r.data }
func (r *Request) WriteType() WriteType         { return r.writeType }
func (r *Request) Split() bool                  { return r.split }
func (r *Request) MTU() int                     { return r.mtu }
func (r *Request) Priority() ConnectionPriority { return r.priority }
func (r *Request) Delay() time.Duration         { return r.delay }
func (r *Request) Timeout() time.Duration       { return r.timeout }
func (r *Request) Filter() Filter               { return r.filter }
func (r *Request) Merger() Merger               { return r.merger }
func (r *Request) Trigger() *Request            { return r.trigger }
func (r *Request) Synthetic() bool              { return r.synthetic }

// Retry returns the per-request connect retry override.
func (r *Request) Retry() (count int, delay time.Duration, ok bool) {
	return r.retries, r.retryDelay, r.retrySet
}

// ConditionMet evaluates a WaitUntil condition. Other kinds report false.
func (r *Request) ConditionMet() bool {
	return r.condition != nil && r.condition()
}

// Owned reports whether the request has been claimed by a queue or scheduler.
func (r *Request) Owned() bool { return r.owned.Load() }

func (r *Request) Claim() error {
	if r.buildErr != nil {
		return r.buildErr
	}
	if !r.owned.CompareAndSwap(false, true) {
		return Usage("request %s is already enqueued", r.id)
	}
	return nil
}

func (r *Request) Latch() <-chan Outcome { return r.hooks.attach() }
func (r *Request) Unlatch()              { r.hooks.detach() }

// NotifyStarted, NotifySuccess, NotifyFailure, NotifyInvalid and NotifyProgress are
// invoked by the scheduler on its executor goroutine.
func (r *Request) NotifyStarted()           { r.hooks.started(r) }
func (r *Request) NotifySuccess(res Result) { r.hooks.succeeded(r, res) }
func (r *Request) NotifyFailure(err error)  { r.hooks.failed(r, err) }
func (r *Request) NotifyInvalid(err error)  { r.hooks.invalidated(r, err) }

func (r *Request) NotifyProgress(sent, total int) {
	if r.progress != nil {
		r.progress(r, sent, total)
	}
}
