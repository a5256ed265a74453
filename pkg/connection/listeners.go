package connection

import (
	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesched/internal/ringchan"
	"github.com/srg/blesched/pkg/request"
)

// Notification is a value pushed by the peer for a subscribed attribute.
type Notification struct {
	Target     request.Target
	Data       []byte
	Indication bool
}

// ListenerOption configures a persistent listener.
type ListenerOption func(*listener)

// WithListenerFilter drops fragments the filter rejects.
func WithListenerFilter(f request.Filter) ListenerOption {
	return func(l *listener) { l.filter = f }
}

// WithListenerMerger accumulates fragments and delivers only completed values.
func WithListenerMerger(mg request.Merger) ListenerOption {
	return func(l *listener) { l.merger = mg }
}

type listener struct {
	target request.Target
	fn     func(Notification)
	stream *ringchan.Ring[Notification]
	filter request.Filter
	merger request.Merger

	// merge state, executor only
	buf  []byte
	frag int
}


// registry maps attribute keys to their listener. Mutations run on the executor.
type registry struct {
	entries *hashmap.Map[string, *listener]
	logger  *logrus.Logger
}

func newRegistry(logger *logrus.Logger) *registry {
	return &registry{
		entries: hashmap.New[string, *listener](),
		logger:  logger,
	}
}

// close releases a listener's stream and reports how many values it lost.
func (r *registry) close(l *listener) {
	if l.stream == nil {
		return
	}
	l.stream.Close()
	written, dropped := l.stream.Stats()
	r.logger.WithFields(logrus.Fields{
		"target":  l.target.String(),
		"written": written,
		"dropped": dropped,
	}).Debug("Notification stream closed")
}

func (r *registry) set(l *listener) {
	key := l.target.Key()
	if old, ok := r.entries.Get(key); ok {
		r.close(old)
	}
	r.entries.Set(key, l)
	r.logger.WithField("target", l.target.String()).Debug("Listener registered")
}

func (r *registry) remove(target request.Target) {
	key := target.Key()
	if l, ok := r.entries.Get(key); ok {
		r.entries.Del(key)
		r.close(l)
		r.logger.WithField("target", target.String()).Debug("Listener removed")
	}
}

func (r *registry) clear() {
	var keys []string
	r.entries.Range(func(key string, l *listener) bool {
		keys = append(keys, key)
		r.close(l)
		return true
	})
	for _, key := range keys {
		r.entries.Del(key)
	}
	if len(keys) > 0 {
		r.logger.WithField("count", len(keys)).Debug("Listeners cleared")
	}
}

func (r *registry) len() int {
	return r.entries.Len()
}

// dispatch hands a value to the listener registered for its target, if any.
func (r *registry) dispatch(n Notification) {
	l, ok := r.entries.Get(n.Target.Key())
	if !ok {
		return
	}
	if l.filter != nil && !l.filter(n.Data) {
		return
	}
	if l.merger != nil {
		buf, done := l.merger.Merge(l.buf, n.Data, l.frag)
		l.frag++
		if !done {
			l.buf = buf
			return
		}
		l.buf, l.frag = nil, 0
		n.Data = buf
	}

	if l.stream != nil {
		if dropped := l.stream.Push(n); dropped {
			r.logger.WithField("target", n.Target.String()).Warn("Notification stream full, dropped oldest value")
		}
		return
	}
	l.fn(n)
}

// SetListener registers fn for value changes of target, replacing any previous listener
// or stream. fn runs on the executor goroutine. Listeners are dropped when the link goes
// down.
func (m *Manager) SetListener(target request.Target, fn func(Notification), opts ...ListenerOption) {
	l := &listener{target: target, fn: fn}
	for _, opt := range opts {
		opt(l)
	}
	m.schedule(func() { m.listeners.set(l) })
}

// RemoveListener unregisters the listener or stream of target.
func (m *Manager) RemoveListener(target request.Target) {
	m.schedule(func() { m.listeners.remove(target) })
}

// Stream returns a channel of value changes for target. When the consumer falls behind,
// the oldest values are dropped. capacity <= 0 uses the configured event buffer. The
// channel is closed when the stream is removed, replaced or the link goes down.
func (m *Manager) Stream(target request.Target, capacity int, opts ...ListenerOption) <-chan Notification {
	if capacity <= 0 {
		capacity = m.cfg.EventBuffer
	}
	if capacity <= 0 {
		capacity = 1
	}
	l := &listener{target: target, stream: ringchan.New[Notification](capacity)}
	for _, opt := range opts {
		opt(l)
	}
	m.schedule(func() { m.listeners.set(l) })
	return l.stream.C()
}
