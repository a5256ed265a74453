package connection

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesched/pkg/request"
	"github.com/srg/blesched/pkg/transport"
)

// push handles an unsolicited transport event.
func (m *machine) push(ev transport.Event, now time.Time) []effect {
	var effs []effect
	switch ev := ev.(type) {
	case transport.ValueChanged:
		effs = append(effs, effListener{target: ev.Target, data: ev.Data, indication: ev.Indication})
		kind := request.KindWaitForNotification
		if ev.Indication {
			kind = request.KindWaitForIndication
		}
		effs = append(effs, m.deliver(kind, ev.Target, ev.Data)...)

	case transport.PeerWrite:
		effs = append(effs, m.deliver(request.KindWaitForWrite, ev.Target, ev.Data)...)

	case transport.PeerRead:
		effs = append(effs, m.deliver(request.KindWaitForRead, ev.Target, nil)...)

	case transport.BondState:
		effs = append(effs, m.bondChanged(ev.State)...)

	case transport.AdapterState:
		if ev.Enabled {
			m.radioOn = true
			m.logger.Info("Bluetooth radio enabled")
			break
		}
		if !m.radioOn {
			break
		}
		m.radioOn = false
		m.logger.Warn("Bluetooth radio disabled, failing all pending requests")
		effs = append(effs, m.abortAll(request.ReasonRadioDisabled, "bluetooth is turned off")...)

	case transport.Disconnected:
		switch m.conn {
		case StateDisconnected, StateDisconnecting, StateConnecting:
			// The outstanding connect or disconnect completion settles these.
			m.logger.WithField("state", m.conn.String()).Debug("Disconnect event absorbed by pending operation")
			return nil
		}
		m.logger.WithFields(logrus.Fields{
			"address": m.address,
			"status":  ev.Status.String(),
			"error":   ev.Err,
		}).Warn("Link lost")
		effs = append(effs, m.abortAll(request.ReasonDisconnected, "link lost")...)
		effs = append(effs, effLinkLoss{err: request.Failure(request.ReasonDisconnected, nil, "link lost")})
	}
	return append(effs, m.recheck()...)
}

// deliver offers an event value to the live awaiting request.
func (m *machine) deliver(kind request.Kind, target request.Target, data []byte) []effect {
	a := m.awaiting
	if a == nil || a.finished || a.req.Kind() != kind || a.req.Target() != target {
		return nil
	}
	if a.trigger != nil && a.triggerStatus == request.TriggerNotStarted {
		return nil
	}
	if f := a.req.Filter(); f != nil && !f(data) {
		return nil
	}
	if mg := a.req.Merger(); mg != nil {
		var done bool
		a.buf, done = mg.Merge(a.buf, data, a.frag)
		a.frag++
		if !done {
			return nil
		}
		return m.resolveAwaiting(a, request.Result{Data: a.buf})
	}
	return m.resolveAwaiting(a, request.Result{Data: data})
}

// bondChanged records a bond transition. A request parked for bonding is marked for
// resumption once bonded; advance re-issues it when the pipeline is free.
func (m *machine) bondChanged(b transport.Bond) []effect {
	var effs []effect
	if m.bond != b {
		m.bond = b
		effs = append(effs, effBond{state: b})
	}
	e := m.bondWait
	if e == nil || e.bonded {
		return effs
	}
	switch b {
	case transport.BondBonded:
		e.bonded = true
		m.logger.WithField("request_id", e.req.ID()).Debug("Bonded, retrying request")
	case transport.BondNone:
		err := request.StatusFailure(int(e.authStatus), e.req, nil)
		effs = append(effs, m.fail(e, err)...)
	}
	return effs
}

// bondFailed fails the parked request with the status that made it wait.
func (m *machine) bondFailed(cause error) []effect {
	e := m.bondWait
	if e == nil || e.bonded {
		return nil
	}
	m.logger.WithFields(logrus.Fields{
		"request_id": e.req.ID(),
		"error":      cause,
	}).Warn("Bonding failed")
	return m.fail(e, request.StatusFailure(int(e.authStatus), e.req, cause))
}

// timeout fails e if it is still running. A primitive already handed to the transport
// keeps the slot until its completion arrives, except for connect and disconnect which
// force the link down instead.
func (m *machine) timeout(e *entry) []effect {
	if e.finished {
		return nil
	}
	e.timerArmed = false
	effs := []effect{effDisarmTimer{e: e}}
	r := e.req
	err := request.Failure(request.ReasonTimeout, r, "")
	if m.bondWait == e {
		err = request.StatusFailure(int(e.authStatus), r, request.Failure(request.ReasonTimeout, r, "bonding did not complete"))
	}
	m.logger.WithFields(logrus.Fields{
		"request_id": r.ID(),
		"kind":       r.Kind().String(),
		"target":     r.Target().String(),
	}).Warn("Request timed out")

	if m.retrying && m.connect == e {
		m.retrying = false
	}

	effs = append(effs, m.fail(e, err)...)
	switch r.Kind() {
	case request.KindConnect, request.KindDisconnect:
		if p := m.inflightEntry; p != nil && p != e && !p.internal {
			effs = append(effs, m.fail(p, request.Failure(request.ReasonDisconnected, p.req, "link closed"))...)
		}
		if m.current == m.inflightEntry {
			m.current = nil
		}
		m.inflight = 0
		m.inflightEntry = nil
		effs = append(effs, effForceDisconnect{})
		effs = append(effs, m.dropLink()...)
	}
	return effs
}

// cancel fails everything pending with ErrCancelled. A primitive already handed to
// the transport keeps the slot until its completion arrives.
func (m *machine) cancel() []effect {
	m.logger.Info("Cancelling request queue")
	var effs []effect

	var queued []*entry
	queued = append(queued, m.initQueue...)
	queued = append(queued, m.taskQueue...)
	m.initQueue, m.taskQueue = nil, nil
	for _, e := range queued {
		effs = append(effs, m.discard(e, request.Failure(request.ReasonCancelled, e.req, "queue cancelled"))...)
	}

	// The connect entry may also be current; resolve it first so the link is torn down.
	if c := m.connect; c != nil {
		connecting := m.conn == StateConnecting
		m.retrying = false
		effs = append(effs, m.fail(c, request.Failure(request.ReasonCancelled, c.req, "queue cancelled"))...)
		if connecting || m.conn.IsConnected() {
			effs = append(effs, effForceDisconnect{})
			effs = append(effs, m.dropLink()...)
		}
	}
	if a := m.awaiting; a != nil {
		effs = append(effs, m.fail(a, request.Failure(request.ReasonCancelled, a.req, "queue cancelled"))...)
	}
	if c := m.current; c != nil {
		effs = append(effs, m.fail(c, request.Failure(request.ReasonCancelled, c.req, "queue cancelled"))...)
	}
	if b := m.bondWait; b != nil {
		effs = append(effs, m.fail(b, request.Failure(request.ReasonCancelled, b.req, "queue cancelled"))...)
	}

	if g := m.group; g != nil {
		for _, r := range g.group.Cancel() {
			d := &entry{req: r, finished: true}
			effs = append(effs, effFailure{e: d, err: request.Failure(request.ReasonCancelled, r, "queue cancelled")})
		}
		if !g.group.IsReliable() || !m.conn.IsConnected() {
			m.group = nil
			g.finished = true
			effs = append(effs, effFailure{e: g, err: request.Failure(request.ReasonCancelled, nil, "queue cancelled")})
		} else {
			g.group.MemberFailed(request.Failure(request.ReasonCancelled, nil, "transaction cancelled"))
		}
	}

	return effs
}

// abortTransaction turns an open reliable write into an abort.
func (m *machine) abortTransaction(q *request.Queue) []effect {
	var effs []effect
	for _, r := range q.MemberFailed(request.Failure(request.ReasonCancelled, nil, "transaction aborted")) {
		d := &entry{req: r, finished: true}
		effs = append(effs, effFailure{e: d, err: request.Failure(request.ReasonCancelled, r, "transaction aborted")})
	}
	return effs
}

// abortAll is the global interrupt: every live and queued request fails with reason and
// the manager returns to Disconnected in one step.
func (m *machine) abortAll(reason request.Reason, msg string) []effect {
	var effs []effect
	failWith := func(e *entry) {
		effs = append(effs, m.fail(e, request.Failure(reason, e.req, msg))...)
	}

	// Members that never ran are taken out before the in-flight member fails, so they
	// carry reason rather than ErrCancelled. The group resolves last.
	g := m.group
	m.group = nil
	var discarded []*request.Request
	if g != nil {
		discarded = g.group.Cancel()
	}
	if e := m.inflightEntry; e != nil {
		m.inflight = 0
		m.inflightEntry = nil
		failWith(e)
	}
	if e := m.current; e != nil {
		failWith(e)
	}
	if e := m.awaiting; e != nil {
		failWith(e)
	}
	if e := m.connect; e != nil {
		failWith(e)
	}
	if e := m.bondWait; e != nil {
		failWith(e)
	}
	m.current, m.awaiting, m.connect, m.bondWait = nil, nil, nil, nil
	m.retrying = false
	if g != nil && !g.finished {
		for _, r := range discarded {
			d := &entry{req: r, finished: true}
			effs = append(effs, effFailure{e: d, err: request.Failure(reason, r, msg)})
		}
		g.finished = true
		effs = append(effs, effFailure{e: g, err: request.Failure(reason, nil, msg)})
	}

	var queued []*entry
	queued = append(queued, m.initQueue...)
	queued = append(queued, m.taskQueue...)
	m.initQueue, m.taskQueue = nil, nil
	for _, e := range queued {
		effs = append(effs, m.discard(e, request.Failure(reason, e.req, msg))...)
	}

	return append(effs, m.dropLink()...)
}
