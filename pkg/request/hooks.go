package request

import "sync"

// Result carries the value produced by a successful request.
type Result struct {
	Data     []byte
	MTU      int
	RSSI     int
	Priority ConnectionPriority
}

// Outcome is the terminal result delivered to a blocking caller.
type Outcome struct {
	Result Result
	Err    error
}

// hooks holds the lifecycle callbacks shared by requests and queues. While a latch is
// attached, terminal notifications go to the latch instead of the callbacks.
type hooks[T any] struct {
	mu      sync.Mutex
	before  func(T)
	done    func(T)
	fail    func(T, error)
	invalid func(T)
	value   func(T, Result)
	latch   chan Outcome
}

func (h *hooks[T]) attach() <-chan Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latch = make(chan Outcome, 1)
	return h.latch
}

func (h *hooks[T]) detach() {
	h.mu.Lock()
	h.latch = nil
	h.mu.Unlock()
}

func (h *hooks[T]) snapshot() (hooks[T], chan Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hooks[T]{before: h.before, done: h.done, fail: h.fail, invalid: h.invalid, value: h.value}, h.latch
}

func (h *hooks[T]) started(owner T) {
	cb, _ := h.snapshot()
	if cb.before != nil {
		cb.before(owner)
	}
}

func (h *hooks[T]) succeeded(owner T, res Result) {
	cb, latch := h.snapshot()
	if latch != nil {
		latch <- Outcome{Result: res}
		return
	}
	if cb.value != nil {
		cb.value(owner, res)
	}
	if cb.done != nil {
		cb.done(owner)
	}
}

func (h *hooks[T]) failed(owner T, err error) {
	cb, latch := h.snapshot()
	if latch != nil {
		latch <- Outcome{Err: err}
		return
	}
	if cb.fail != nil {
		cb.fail(owner, err)
	}
}

func (h *hooks[T]) invalidated(owner T, err error) {
	cb, latch := h.snapshot()
	if latch != nil {
		latch <- Outcome{Err: err}
		return
	}
	if cb.invalid != nil {
		cb.invalid(owner)
		return
	}
	if cb.fail != nil {
		cb.fail(owner, err)
	}
}
