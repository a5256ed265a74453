package request

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Queue groups requests that run back to back as one task of the outer queue.
//
// A reliable-write Queue (NewReliableWrite) wraps its members in a transaction: Begin is
// synthesized before the first member, Execute (or Abort when cancelled) after the last.
type Queue struct {
	id    string
	hooks hooks[*Queue]

	mu       sync.Mutex
	members  []*Request
	cursor   int
	failFast bool
	err      error

	reliable    bool
	initialized bool
	closed      bool
	cancelled   bool
	ran         int

	owned atomic.Bool
}

// NewQueue creates an empty grouped queue. Member failures cancel the rest by default.
func NewQueue() *Queue {
	return &Queue{id: uuid.New().String(), failFast: true}
}

// NewReliableWrite creates an empty reliable-write transaction.
func NewReliableWrite() *Queue {
	q := NewQueue()
	q.reliable = true
	return q
}

// Add appends requests. Requests already owned elsewhere are rejected with ErrUsage.
func (q *Queue) Add(rs ...*Request) error {
	if q.owned.Load() {
		return Usage("queue %s is already enqueued", q.id)
	}
	for _, r := range rs {
		if err := r.Claim(); err != nil {
			return err
		}
		q.mu.Lock()
		q.members = append(q.members, r)
		q.mu.Unlock()
	}
	return nil
}

// FailFast controls whether a member failure discards the remaining members.
// Reliable writes always fail fast.
func (q *Queue) FailFast(enabled bool) *Queue {
	q.mustBeUnowned("FailFast")
	q.mu.Lock()
	q.failFast = enabled || q.reliable
	q.mu.Unlock()
	return q
}

func (q *Queue) OnBefore(fn func(q *Queue)) *Queue {
	q.mustBeUnowned("OnBefore")
	q.hooks.before = fn
	return q
}

func (q *Queue) OnDone(fn func(q *Queue)) *Queue {
	q.mustBeUnowned("OnDone")
	q.hooks.done = fn
	return q
}

func (q *Queue) OnFail(fn func(q *Queue, err error)) *Queue {
	q.mustBeUnowned("OnFail")
	q.hooks.fail = fn
	return q
}

func (q *Queue) mustBeUnowned(method string) {
	if q.owned.Load() {
		panic(Usage("%s called on queue %s after it was enqueued", method, q.id))
	}
}

func (q *Queue) ID() string            { return q.id }
func (q *Queue) IsReliable() bool      { return q.reliable }
func (q *Queue) Owned() bool           { return q.owned.Load() }
func (q *Queue) Latch() <-chan Outcome { return q.hooks.attach() }
func (q *Queue) Unlatch()              { q.hooks.detach() }

func (q *Queue) Claim() error {
	if !q.owned.CompareAndSwap(false, true) {
		return Usage("queue %s is already enqueued", q.id)
	}
	return nil
}

// Size returns the number of steps left, counting the synthesized transaction steps.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

func (q *Queue) sizeLocked() int {
	remaining := 0
	if !q.cancelled {
		remaining = len(q.members) - q.cursor
	}
	if !q.reliable {
		return remaining
	}
	if len(q.members) == 0 {
		return 0
	}
	if !q.initialized && !q.cancelled {
		remaining++
	}
	if !q.closed && (q.ran > 0 || !q.cancelled) {
		remaining++
	}
	return remaining
}

// HasMore reports whether Next would return a request.
func (q *Queue) HasMore() bool {
	return q.Size() > 0
}

// Next returns the next request to run, or nil when the queue is exhausted.
func (q *Queue) Next() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.reliable {
		if q.cancelled || q.cursor >= len(q.members) {
			return nil
		}
		r := q.members[q.cursor]
		q.cursor++
		return r
	}

	if len(q.members) == 0 || q.closed {
		return nil
	}
	if !q.initialized {
		q.initialized = true
		if q.cancelled {
			q.closed = true
			return nil
		}
		return newSynthetic(KindBeginReliableWrite)
	}
	if !q.cancelled && q.cursor < len(q.members) {
		r := q.members[q.cursor]
		q.cursor++
		q.ran++
		return r
	}
	q.closed = true
	if q.ran == 0 {
		return nil
	}
	if q.cancelled {
		return newSynthetic(KindAbortReliableWrite)
	}
	return newSynthetic(KindExecuteReliableWrite)
}

// Cancel marks the queue cancelled and returns the members that will never run.
// An open reliable write continues with Abort.
func (q *Queue) Cancel() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelled {
		return nil
	}
	q.cancelled = true
	var discarded []*Request
	if q.cursor < len(q.members) {
		discarded = append(discarded, q.members[q.cursor:]...)
	}
	q.cursor = len(q.members)
	return discarded
}

// MemberFailed records a member failure. With fail-fast the remaining members are
// cancelled and returned.
func (q *Queue) MemberFailed(err error) []*Request {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	failFast := q.failFast || q.reliable
	q.mu.Unlock()
	if !failFast {
		return nil
	}
	return q.Cancel()
}

// Err returns the first member failure.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Remaining returns the members that have not been handed out yet.
func (q *Queue) Remaining() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cursor >= len(q.members) {
		return nil
	}
	return append([]*Request(nil), q.members[q.cursor:]...)
}

func (q *Queue) NotifyStarted()          { q.hooks.started(q) }
func (q *Queue) NotifySuccess()          { q.hooks.succeeded(q, Result{}) }
func (q *Queue) NotifyFailure(err error) { q.hooks.failed(q, err) }
