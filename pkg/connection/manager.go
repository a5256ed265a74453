package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesched/internal/groutine"
	"github.com/srg/blesched/pkg/config"
	"github.com/srg/blesched/pkg/request"
	"github.com/srg/blesched/pkg/transport"
)

// Initializer runs after service discovery. Requests it enqueues form the init queue and
// complete before the device is reported ready.
type Initializer func(m *Manager)

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the scheduler configuration. Defaults apply when omitted.
func WithConfig(cfg *config.Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithLogger sets the logger. A nil logger is replaced by logrus.New().
func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithObserver registers connection lifecycle callbacks.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithInitializer sets the per-connection initialization hook.
func WithInitializer(fn Initializer) Option {
	return func(m *Manager) { m.initializer = fn }
}

type timerKey struct {
	e     *entry
	sleep bool
}

// Manager serializes requests against a single-operation transport.
//
// All state changes happen in machine.step under mu. The effects a step produces are run
// in order by one executor goroutine, which is also the goroutine every request callback,
// listener and observer runs on.
type Manager struct {
	cfg         *config.Config
	logger      *logrus.Logger
	transport   transport.Transport
	observer    Observer
	initializer Initializer
	now         func() time.Time

	mu      sync.Mutex
	machine *machine
	effects []effect
	wake    chan struct{}
	closed  atomic.Bool

	stop    context.CancelFunc
	done    <-chan struct{}
	execGID atomic.Uint64

	// executor only
	timers map[timerKey]*time.Timer

	listeners *registry
	limiter   *catrate.Limiter
}

// New creates a Manager driving t and starts its executor.
func New(t transport.Transport, opts ...Option) *Manager {
	m := &Manager{
		transport: t,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		timers:    make(map[timerKey]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg == nil {
		m.cfg = config.DefaultConfig()
	}
	if m.logger == nil {
		m.logger = logrus.New()
	}
	if m.observer == nil {
		m.observer = NopObserver{}
	}

	m.machine = newMachine(settings{
		DefaultTimeout:             m.cfg.DefaultTimeout,
		ConnectTimeout:             m.cfg.ConnectTimeout,
		DisconnectTimeout:          m.cfg.DisconnectTimeout,
		ConnectRetries:             m.cfg.ConnectRetries,
		RetryDelay:                 m.cfg.RetryDelay,
		ConnectionTimeoutThreshold: m.cfg.ConnectionTimeoutThreshold,
	}, m.logger)
	m.listeners = newRegistry(m.logger)
	if m.cfg.RetryWindow > 0 && m.cfg.RetryWindowLimit > 0 {
		m.limiter = catrate.NewLimiter(map[time.Duration]int{m.cfg.RetryWindow: m.cfg.RetryWindowLimit})
	}

	t.Bind(sink{m: m})

	ctx, cancel := context.WithCancel(context.Background())
	m.stop = cancel
	m.done = groutine.Go(ctx, "blesched-executor", m.run)
	return m
}

// Enqueue hands a request or queue to the scheduler. It never blocks and may be called
// from any goroutine, including callbacks.
func (m *Manager) Enqueue(task request.Task) error {
	if m.closed.Load() {
		return request.Usage("manager is closed")
	}
	return m.post(evEnqueue{task: task})
}

// Await enqueues task and blocks until it terminates or ctx is done. The task's terminal
// callbacks are bypassed for the duration of the call.
func (m *Manager) Await(ctx context.Context, task request.Task) (request.Result, error) {
	if m.onExecutor() {
		return request.Result{}, request.Usage("Await called from a scheduler callback")
	}
	if m.closed.Load() {
		return request.Result{}, request.Usage("manager is closed")
	}
	if err := task.Claim(); err != nil {
		return request.Result{}, err
	}
	latch := task.Latch()
	defer task.Unlatch()

	if err := m.post(evEnqueue{task: task, claimed: true}); err != nil {
		return request.Result{}, err
	}
	select {
	case out := <-latch:
		return out.Result, out.Err
	case <-ctx.Done():
		return request.Result{}, ctx.Err()
	}
}

// Cancel fails every queued and live request with request.ErrCancelled. A primitive
// already handed to the transport keeps the slot until it completes.
func (m *Manager) Cancel() {
	m.post(evCancel{})
}

// Recheck re-evaluates a pending WaitUntil condition.
func (m *Manager) Recheck() {
	m.post(evRecheck{})
}

// AbortReliableWrite makes an open reliable-write transaction finish with an abort.
func (m *Manager) AbortReliableWrite(q *request.Queue) {
	m.post(evAbort{q: q})
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.conn
}

// MTU returns the negotiated ATT MTU, 23 until negotiated.
func (m *Manager) MTU() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.mtu
}

// Bond returns the last known bonding state.
func (m *Manager) Bond() transport.Bond {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.bond
}

// Close cancels everything pending and stops the executor. It waits for the executor
// unless called from a callback.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.post(evCancel{})
	m.schedule(func() {
		for k, t := range m.timers {
			t.Stop()
			delete(m.timers, k)
		}
		m.listeners.clear()
		m.stop()
	})
	if !m.onExecutor() {
		<-m.done
	}
}

func (m *Manager) onExecutor() bool {
	return m.execGID.Load() == groutine.GetGID()
}

// post runs one step and queues its effects.
func (m *Manager) post(ev event) error {
	m.mu.Lock()
	effs, err := m.machine.step(ev, m.now())
	m.effects = append(m.effects, effs...)
	m.mu.Unlock()

	if len(effs) > 0 {
		m.signal()
	}
	return err
}

// schedule queues fn behind the pending effects.
func (m *Manager) schedule(fn func()) {
	m.mu.Lock()
	m.effects = append(m.effects, effFunc{fn: fn})
	m.mu.Unlock()
	m.signal()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ctx context.Context) {
	m.execGID.Store(groutine.GetGID())
	m.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Executor started")
	defer m.logger.Debug("Executor stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			effs := m.effects
			m.effects = nil
			m.mu.Unlock()
			if len(effs) == 0 {
				break
			}
			for _, eff := range effs {
				m.apply(eff)
			}
		}
	}
}

// apply performs one effect on the executor goroutine.
func (m *Manager) apply(eff effect) {
	switch e := eff.(type) {
	case effStart:
		if e.e.group != nil {
			e.e.group.NotifyStarted()
		} else {
			e.e.req.NotifyStarted()
		}
	case effSuccess:
		if e.e.group != nil {
			e.e.group.NotifySuccess()
		} else {
			e.e.req.NotifySuccess(e.res)
		}
	case effFailure:
		if e.e.group != nil {
			e.e.group.NotifyFailure(e.err)
		} else {
			e.e.req.NotifyFailure(e.err)
		}
	case effInvalid:
		e.e.req.NotifyInvalid(e.err)
	case effProgress:
		e.e.req.NotifyProgress(e.sent, e.total)

	case effPrimitive:
		m.dispatch(e)
	case effForceDisconnect:
		m.logger.Debug("Forcing transport disconnect")
		m.transport.ForceDisconnect()

	case effArmTimer:
		target := e.e
		m.arm(timerKey{e: target}, e.d, func() { m.post(evTimeout{e: target}) })
	case effDisarmTimer:
		m.disarm(timerKey{e: e.e, sleep: e.sleep})
	case effSleep:
		target := e.e
		m.arm(timerKey{e: target, sleep: true}, e.d, func() { m.post(evSleepDone{e: target}) })
	case effRetry:
		m.scheduleRetry(e)

	case effInitialize:
		m.initialize()
	case effRecheck:
		if e.e.req.ConditionMet() {
			m.post(evConditionMet{e: e.e})
		}

	case effListener:
		m.listeners.dispatch(Notification{Target: e.target, Data: e.data, Indication: e.indication})
	case effClearListeners:
		m.listeners.clear()

	case effState:
		m.observer.StateChanged(e.from, e.to)
	case effReady:
		m.observer.DeviceReady()
	case effDrained:
		m.observer.QueueDrained()
	case effLinkLoss:
		m.observer.LinkLost(e.err)
	case effBond:
		m.observer.BondStateChanged(e.state)

	case effFunc:
		e.fn()
	}
}

func (m *Manager) dispatch(p effPrimitive) {
	t := m.transport
	switch p.kind {
	case request.KindConnect:
		t.Connect(p.id, p.address)
	case request.KindDisconnect:
		t.Disconnect(p.id)
	case request.KindDiscoverServices:
		t.DiscoverServices(p.id)
	case request.KindRead:
		t.ReadCharacteristic(p.id, p.target)
	case request.KindWrite:
		t.WriteCharacteristic(p.id, p.target, p.offset, p.data, p.writeType)
	case request.KindReadDescriptor:
		t.ReadDescriptor(p.id, p.target)
	case request.KindWriteDescriptor:
		t.WriteDescriptor(p.id, p.target, p.data)
	case request.KindEnableNotifications, request.KindDisableNotifications:
		t.SetNotify(p.id, p.target, p.kind == request.KindEnableNotifications)
	case request.KindEnableIndications, request.KindDisableIndications:
		t.SetIndicate(p.id, p.target, p.kind == request.KindEnableIndications)
	case request.KindRequestMTU:
		t.RequestMTU(p.id, p.mtu)
	case request.KindRequestConnectionPriority:
		t.RequestConnectionPriority(p.id, p.priority)
	case request.KindReadRSSI:
		t.ReadRSSI(p.id)
	case request.KindBeginReliableWrite:
		t.BeginReliableWrite(p.id)
	case request.KindExecuteReliableWrite:
		t.ExecuteReliableWrite(p.id)
	case request.KindAbortReliableWrite:
		t.AbortReliableWrite(p.id)
	case request.KindCreateBond:
		t.CreateBond(p.id)
	case request.KindRemoveBond:
		t.RemoveBond(p.id)
	default:
		m.logger.WithField("kind", p.kind.String()).Error("No transport primitive for request kind")
		m.post(evComplete{c: transport.Completion{ID: p.id, Status: transport.StatusRequestNotSupported}})
	}
}

func (m *Manager) arm(k timerKey, d time.Duration, fire func()) {
	m.disarm(k)
	m.timers[k] = time.AfterFunc(d, fire)
}

func (m *Manager) disarm(k timerKey) {
	if t, ok := m.timers[k]; ok {
		t.Stop()
		delete(m.timers, k)
	}
}

// scheduleRetry re-issues a connect after the delay unless the per-address window is spent.
func (m *Manager) scheduleRetry(e effRetry) {
	if m.limiter != nil {
		if until, ok := m.limiter.Allow(e.address); !ok {
			m.logger.WithFields(logrus.Fields{
				"address": e.address,
				"until":   until,
			}).Warn("Connect retry limit reached")
			m.post(evRetryDenied{e: e.e, until: until})
			return
		}
	}
	target := e.e
	time.AfterFunc(e.delay, func() { m.post(evRetry{e: target}) })
}

func (m *Manager) initialize() {
	if mtu := m.cfg.PreferredMTU; mtu > 0 {
		if err := m.Enqueue(request.NewRequestMTU(mtu)); err != nil {
			m.logger.WithError(err).Warn("Failed to enqueue MTU request")
		}
	}
	if m.initializer != nil {
		m.initializer(m)
	}
	m.post(evInitialized{})
}

// sink adapts the manager to the transport callbacks.
type sink struct {
	m *Manager
}

func (s sink) Complete(c transport.Completion) { s.m.post(evComplete{c: c}) }
func (s sink) Push(ev transport.Event)         { s.m.post(evPush{ev: ev}) }
