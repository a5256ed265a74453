package connection

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesched/internal/device"
	"github.com/srg/blesched/pkg/request"
	"github.com/srg/blesched/pkg/transport"
)

const defaultMTU = 23

// settings are the policy knobs the machine needs from the configuration.
type settings struct {
	DefaultTimeout             time.Duration
	ConnectTimeout             time.Duration
	DisconnectTimeout          time.Duration
	ConnectRetries             int
	RetryDelay                 time.Duration
	ConnectionTimeoutThreshold time.Duration
}

// machine owns the scheduler state. step never performs I/O: every transport call,
// callback and timer is returned as an effect for the executor to run in order.
type machine struct {
	state
	cfg    settings
	logger *logrus.Logger
}

func newMachine(cfg settings, logger *logrus.Logger) *machine {
	if logger == nil {
		logger = logrus.New()
	}
	m := &machine{cfg: cfg, logger: logger}
	m.radioOn = true
	m.mtu = defaultMTU
	m.idle = true
	return m
}

// step applies one event and returns the effects it produced. The returned error is
// only set for enqueue misuse.
func (m *machine) step(ev event, now time.Time) ([]effect, error) {
	var effs []effect
	switch ev := ev.(type) {
	case evEnqueue:
		if err := m.enqueue(ev.task, ev.claimed); err != nil {
			return nil, err
		}
	case evComplete:
		effs = m.complete(ev.c, now)
	case evPush:
		effs = m.push(ev.ev, now)
	case evTimeout:
		effs = m.timeout(ev.e)
	case evSleepDone:
		effs = []effect{effDisarmTimer{e: ev.e, sleep: true}}
		if m.current == ev.e && !ev.e.finished {
			m.current = nil
			effs = append(effs, m.succeed(ev.e, request.Result{})...)
		}
	case evRetry:
		effs = m.retry(ev.e, now)
	case evRetryDenied:
		if m.retrying && m.connect == ev.e {
			m.retrying = false
			cause := fmt.Errorf("connect retry limit reached until %s", ev.until.Format(time.RFC3339))
			effs = m.connectFailed(ev.e, request.StatusFailure(int(transport.StatusGattError), ev.e.req, cause))
		}
	case evInitialized:
		m.initWait = false
	case evConditionMet:
		if m.awaiting == ev.e && !ev.e.finished {
			effs = m.resolveAwaiting(ev.e, request.Result{})
		}
	case evRecheck:
		effs = m.recheck()
	case evCancel:
		effs = m.cancel()
	case evAbort:
		effs = m.abortTransaction(ev.q)
	}
	return append(effs, m.advance(now)...), nil
}

func (m *machine) enqueue(task request.Task, claimed bool) error {
	var e *entry
	switch t := task.(type) {
	case *request.Request:
		if t.Kind().IsAwaiting() && m.awaiting != nil && !m.awaiting.finished {
			return request.Usage("awaiting request %s is still pending", m.awaiting.id())
		}
		if t.Synthetic() {
			return request.Usage("%s is issued by reliable write transactions only", t.Kind())
		}
		e = &entry{req: t}
	case *request.Queue:
		e = &entry{group: t}
	default:
		return request.Usage("unsupported task type %T", task)
	}
	if !claimed {
		if err := task.Claim(); err != nil {
			return err
		}
	}

	if m.initPhase {
		m.initQueue = append(m.initQueue, e)
	} else {
		m.taskQueue = append(m.taskQueue, e)
	}
	m.logger.WithFields(logrus.Fields{
		"task_id": e.id(),
		"kind":    e.kind().String(),
		"init":    m.initPhase,
	}).Debug("Task enqueued")
	return nil
}

// advance runs queued tasks until one occupies the pipeline or nothing is left.
func (m *machine) advance(now time.Time) []effect {
	var effs []effect
	for !m.busy() {
		if e := m.bondWait; e != nil {
			m.bondWait = nil
			m.idle = false
			effs = append(effs, m.resume(e)...)
			continue
		}
		e := m.next(&effs)
		if e == nil {
			if !m.idle {
				m.idle = true
				effs = append(effs, effDrained{})
			}
			return effs
		}
		m.idle = false
		effs = append(effs, m.start(e, now)...)
	}
	return effs
}

// next pops the next request to run: active group first, then the init queue, then
// the task queue. Group bookkeeping and the ready transition happen on the way.
func (m *machine) next(effs *[]effect) *entry {
	for {
		if g := m.group; g != nil {
			if r := g.group.Next(); r != nil {
				e := &entry{req: r, owner: g}
				e.validate = g.group.IsReliable() && r.Kind() == request.KindWrite
				return e
			}
			m.group = nil
			*effs = append(*effs, m.finishGroup(g)...)
			continue
		}

		var e *entry
		switch {
		case m.initPhase && len(m.initQueue) > 0:
			e, m.initQueue = m.initQueue[0], m.initQueue[1:]
		case m.initPhase:
			*effs = append(*effs, m.becomeReady()...)
			continue
		case len(m.taskQueue) > 0:
			e, m.taskQueue = m.taskQueue[0], m.taskQueue[1:]
		default:
			return nil
		}

		if e.group != nil {
			e.started = true
			m.group = e
			*effs = append(*effs, effStart{e: e})
			continue
		}
		return e
	}
}

func (m *machine) becomeReady() []effect {
	m.initPhase = false
	m.initQueue = nil
	effs := m.setState(StateReady)
	if !m.ready {
		m.ready = true
		effs = append(effs, effReady{})
	}
	if c := m.connect; c != nil {
		m.connect = nil
		effs = append(effs, m.succeed(c, request.Result{MTU: m.mtu})...)
	}
	m.logger.WithField("address", m.address).Info("Device ready")
	return effs
}

func (m *machine) finishGroup(g *entry) []effect {
	if g.finished {
		return nil
	}
	g.finished = true
	if err := g.group.Err(); err != nil {
		return []effect{effFailure{e: g, err: err}}
	}
	return []effect{effSuccess{e: g}}
}

func (m *machine) setState(to State) []effect {
	from := m.conn
	if from == to {
		return nil
	}
	m.conn = to
	m.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Debug("Connection state changed")
	return []effect{effState{from: from, to: to}}
}

func (m *machine) timeoutFor(r *request.Request) time.Duration {
	if d := r.Timeout(); d > 0 {
		return d
	}
	switch r.Kind() {
	case request.KindConnect:
		return m.cfg.ConnectTimeout
	case request.KindDisconnect:
		return m.cfg.DisconnectTimeout
	case request.KindSleep:
		return 0
	}
	return m.cfg.DefaultTimeout
}

// start validates and dispatches one request.
func (m *machine) start(e *entry, now time.Time) []effect {
	r := e.req
	if err := m.validate(r); err != nil {
		m.logger.WithFields(logrus.Fields{
			"request_id": r.ID(),
			"kind":       r.Kind().String(),
			"target":     r.Target().String(),
			"error":      err,
		}).Warn("Request rejected before dispatch")
		return m.reject(e, err)
	}

	e.started = true
	effs := []effect{effStart{e: e}}
	if d := m.timeoutFor(r); d > 0 {
		e.timerArmed = true
		effs = append(effs, effArmTimer{e: e, d: d})
	}
	if e.triggerOf != nil {
		e.triggerOf.triggerStatus = request.TriggerStarted
	}

	switch r.Kind() {
	case request.KindWaitUntil:
		m.awaiting = e
		return append(effs, effRecheck{e: e})
	case request.KindWaitForNotification, request.KindWaitForIndication,
		request.KindWaitForRead, request.KindWaitForWrite:
		m.awaiting = e
		if t := r.Trigger(); t != nil {
			te := &entry{req: t, triggerOf: e}
			e.trigger = te
			e.triggerStatus = request.TriggerNotStarted
			effs = append(effs, m.start(te, now)...)
		}
		return effs
	case request.KindSleep:
		m.current = e
		return append(effs, effSleep{e: e, d: r.Delay()})
	case request.KindConnect:
		if m.conn.IsConnected() {
			m.logger.WithField("address", m.address).Debug("Connect requested while already connected")
			return append(effs, m.succeed(e, request.Result{MTU: m.mtu})...)
		}
		m.address = r.Address()
		m.connect = e
		e.attempt = now
		e.retriesLeft, e.retryDelay = m.cfg.ConnectRetries, m.cfg.RetryDelay
		if n, d, ok := r.Retry(); ok {
			e.retriesLeft, e.retryDelay = n, d
		}
		effs = append(effs, m.setState(StateConnecting)...)
		m.logger.WithField("address", m.address).Info("Connecting to BLE device...")
	case request.KindDisconnect:
		if !m.conn.IsConnected() && m.conn != StateConnecting {
			return append(effs, m.succeed(e, request.Result{})...)
		}
		effs = append(effs, m.setState(StateDisconnecting)...)
		m.logger.WithField("address", m.address).Info("Disconnecting BLE device...")
	case request.KindWrite:
		m.nextChunk(e)
	}
	return append(effs, m.issue(e))
}

// resume re-issues a request that was parked until the link got bonded.
func (m *machine) resume(e *entry) []effect {
	if err := m.validate(e.req); err != nil {
		return m.fail(e, err)
	}
	m.logger.WithFields(logrus.Fields{
		"request_id": e.req.ID(),
		"kind":       e.req.Kind().String(),
	}).Info("Retrying request after bonding")
	if e.req.Kind() == request.KindWrite {
		m.nextChunk(e)
	}
	return []effect{m.issue(e)}
}

// reject resolves a request that could not be dispatched and keeps the pipeline going.
func (m *machine) reject(e *entry, err error) []effect {
	e.finished = true
	var effs []effect
	if request.ReasonOf(err) == request.ReasonInvalid {
		effs = append(effs, effInvalid{e: e, err: err})
	} else {
		effs = append(effs, effFailure{e: e, err: err})
	}
	return append(effs, m.settle(e, err)...)
}

// validate checks the dispatch preconditions. Unknown devices and missing properties
// yield ReasonInvalid.
func (m *machine) validate(r *request.Request) error {
	k := r.Kind()
	switch k {
	case request.KindSleep, request.KindWaitUntil, request.KindDisconnect:
		return nil
	case request.KindConnect:
		if !m.radioOn {
			return request.Failure(request.ReasonRadioDisabled, r, "bluetooth is turned off")
		}
		if r.Address() == "" {
			return request.Failure(request.ReasonInvalid, r, "device address is empty")
		}
		return nil
	}

	if !m.radioOn {
		return request.Failure(request.ReasonRadioDisabled, r, "bluetooth is turned off")
	}
	if !k.NeedsConnection() {
		return nil
	}
	if m.address == "" {
		return request.Failure(request.ReasonInvalid, r, "device unknown")
	}
	if !m.conn.IsConnected() {
		return request.Failure(request.ReasonDisconnected, r, "not connected")
	}
	if !k.NeedsAttribute() {
		return nil
	}

	if err := validTarget(r.Target()); err != nil {
		return request.Failure(request.ReasonInvalid, r, err.Error())
	}
	props, ok := m.profile.Lookup(r.Target())
	if !ok {
		return request.Failure(request.ReasonNullAttribute, r, "attribute not found")
	}
	if need := requiredProperty(r); need != 0 && !props.Has(need) {
		return request.Failure(request.ReasonInvalid, r, "missing property "+need.String())
	}
	return nil
}

func validTarget(t request.Target) error {
	uuids := []string{t.Service, t.Characteristic}
	if t.IsDescriptor() {
		uuids = append(uuids, t.Descriptor)
	}
	_, err := device.ValidateUUID(uuids...)
	return err
}

func requiredProperty(r *request.Request) transport.Property {
	switch r.Kind() {
	case request.KindRead:
		return transport.PropRead
	case request.KindWrite:
		switch r.WriteType() {
		case request.WriteWithoutResponse:
			return transport.PropWriteNR
		case request.WriteSigned:
			return transport.PropSignedWrite
		default:
			return transport.PropWrite
		}
	case request.KindEnableNotifications, request.KindDisableNotifications:
		return transport.PropNotify
	case request.KindEnableIndications, request.KindDisableIndications:
		return transport.PropIndicate
	}
	return 0
}

// nextChunk prepares the slice of a write to send next.
func (m *machine) nextChunk(e *entry) {
	data := e.req.Data()
	if !e.req.Split() && !e.validate {
		e.chunk = data
		return
	}
	size := m.mtu - 3
	if size <= 0 {
		size = defaultMTU - 3
	}
	if !e.req.Split() && len(data) <= size {
		e.chunk = data
		return
	}
	end := e.offset + size
	if end > len(data) {
		end = len(data)
	}
	e.chunk = data[e.offset:end]
}

// issue hands the entry's primitive to the transport.
func (m *machine) issue(e *entry) effect {
	m.nextOp++
	m.inflight = m.nextOp
	m.inflightEntry = e
	m.current = e

	r := e.req
	p := effPrimitive{
		id:        m.inflight,
		kind:      r.Kind(),
		target:    r.Target(),
		address:   r.Address(),
		writeType: r.WriteType(),
		mtu:       r.MTU(),
		priority:  r.Priority(),
	}
	switch r.Kind() {
	case request.KindWrite:
		p.data = e.chunk
		p.offset = e.offset
		if e.validate {
			p.writeType = request.WriteWithResponse
		}
	case request.KindWriteDescriptor:
		p.data = r.Data()
	case request.KindConnect:
		p.address = m.address
	}
	m.logger.WithFields(logrus.Fields{
		"op":         uint64(p.id),
		"request_id": r.ID(),
		"kind":       p.kind.String(),
		"target":     p.target.String(),
	}).Debug("Dispatching primitive")
	return p
}

// succeed resolves e successfully.
func (m *machine) succeed(e *entry, res request.Result) []effect {
	if e.finished {
		return nil
	}
	e.finished = true
	var effs []effect
	if e.timerArmed {
		e.timerArmed = false
		effs = append(effs, effDisarmTimer{e: e})
	}
	effs = append(effs, effSuccess{e: e, res: res})
	return append(effs, m.settle(e, nil)...)
}

// fail resolves e with err.
func (m *machine) fail(e *entry, err error) []effect {
	if e.finished {
		return nil
	}
	e.finished = true
	var effs []effect
	if e.timerArmed {
		e.timerArmed = false
		effs = append(effs, effDisarmTimer{e: e})
	}
	effs = append(effs, effFailure{e: e, err: err})
	return append(effs, m.settle(e, err)...)
}

// settle releases the slots held by a resolved entry and propagates the outcome to
// its awaiting request or group.
func (m *machine) settle(e *entry, err error) []effect {
	var effs []effect
	if m.current == e {
		m.current = nil
	}
	if m.awaiting == e {
		m.awaiting = nil
	}
	if m.connect == e {
		m.connect = nil
	}
	if m.bondWait == e {
		m.bondWait = nil
	}

	if a := e.triggerOf; a != nil {
		if err != nil {
			a.triggerStatus = request.TriggerFailed
			effs = append(effs, m.fail(a, err)...)
		} else {
			a.triggerStatus = request.TriggerCompleted
		}
	}

	if g := e.owner; g != nil && err != nil {
		for _, r := range g.group.MemberFailed(err) {
			d := &entry{req: r, finished: true}
			effs = append(effs, effFailure{e: d, err: request.Failure(request.ReasonCancelled, r, "group cancelled")})
		}
	}
	return effs
}

// resolveAwaiting completes the live awaiting request with res.
func (m *machine) resolveAwaiting(a *entry, res request.Result) []effect {
	m.logger.WithFields(logrus.Fields{
		"request_id": a.req.ID(),
		"kind":       a.req.Kind().String(),
		"trigger":    a.triggerStatus.String(),
	}).Debug("Awaiting request resolved")
	return m.succeed(a, res)
}

func (m *machine) recheck() []effect {
	if a := m.awaiting; a != nil && !a.finished && a.req.Kind() == request.KindWaitUntil {
		return []effect{effRecheck{e: a}}
	}
	return nil
}
