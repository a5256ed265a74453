package connection

import (
	"bytes"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesched/pkg/request"
	"github.com/srg/blesched/pkg/transport"
)

// complete handles the outcome of the outstanding primitive.
func (m *machine) complete(c transport.Completion, now time.Time) []effect {
	if c.ID == 0 || c.ID != m.inflight {
		m.logger.WithFields(logrus.Fields{
			"op":       uint64(c.ID),
			"inflight": uint64(m.inflight),
		}).Warn("Ignoring stale completion")
		return nil
	}
	e := m.inflightEntry
	m.inflight = 0
	m.inflightEntry = nil

	if e.finished {
		// Resolved by cancel or timeout while the primitive was outstanding.
		if m.current == e {
			m.current = nil
		}
		return m.recheck()
	}

	var effs []effect
	if c.Status != transport.StatusSuccess || c.Err != nil {
		effs = m.completeFailed(e, c, now)
	} else {
		effs = m.completeOK(e, c)
	}
	return append(effs, m.recheck()...)
}

func (m *machine) completeOK(e *entry, c transport.Completion) []effect {
	r := e.req
	switch r.Kind() {
	case request.KindConnect:
		m.current = nil
		effs := m.setState(StateConnectedUninitialized)
		if e.timerArmed {
			e.timerArmed = false
			effs = append(effs, effDisarmTimer{e: e})
		}
		m.logger.WithField("address", m.address).Info("BLE device connected, discovering services")
		d := &entry{req: request.NewDiscoverServices(), internal: true, started: true}
		return append(effs, m.issue(d))

	case request.KindDiscoverServices:
		m.profile = c.Profile
		if m.profile == nil {
			m.profile = transport.NewProfile()
		}
		m.logger.WithField("attributes", m.profile.Len()).Debug("Profile discovered")
		if e.internal {
			m.current = nil
			m.initPhase = true
			m.initQueue = nil
			m.initWait = true
			effs := m.setState(StateInitializing)
			return append(effs, effInitialize{})
		}
		return m.succeed(e, request.Result{})

	case request.KindDisconnect:
		effs := m.succeed(e, request.Result{})
		return append(effs, m.dropLink()...)

	case request.KindRead, request.KindReadDescriptor:
		if f := r.Filter(); f != nil && !f(c.Data) {
			return []effect{m.issue(e)}
		}
		if mg := r.Merger(); mg != nil {
			var done bool
			e.buf, done = mg.Merge(e.buf, c.Data, e.frag)
			e.frag++
			if !done {
				return []effect{m.issue(e)}
			}
			return m.succeed(e, request.Result{Data: e.buf})
		}
		return m.succeed(e, request.Result{Data: c.Data})

	case request.KindWrite:
		if e.validate && !bytes.Equal(c.Data, e.chunk) {
			m.logger.WithFields(logrus.Fields{
				"request_id": r.ID(),
				"sent":       e.chunk,
				"echo":       c.Data,
			}).Warn("Reliable write echo mismatch")
			return m.fail(e, request.Failure(request.ReasonValidationMismatch, r, "peer echoed a different value"))
		}
		e.offset += len(e.chunk)
		total := len(r.Data())
		if e.offset < total {
			m.nextChunk(e)
			return []effect{effProgress{e: e, sent: e.offset, total: total}, m.issue(e)}
		}
		var effs []effect
		if r.Split() || e.validate {
			effs = append(effs, effProgress{e: e, sent: total, total: total})
		}
		return append(effs, m.succeed(e, request.Result{Data: r.Data()})...)

	case request.KindRequestMTU:
		if c.MTU > 0 {
			m.mtu = c.MTU
		}
		return m.succeed(e, request.Result{MTU: m.mtu})

	case request.KindReadRSSI:
		return m.succeed(e, request.Result{RSSI: c.RSSI})

	case request.KindRequestConnectionPriority:
		return m.succeed(e, request.Result{Priority: r.Priority()})

	case request.KindCreateBond:
		if e.internal {
			m.current = nil
			e.finished = true
			return m.bondChanged(transport.BondBonded)
		}
		return append(m.succeed(e, request.Result{}), m.bondChanged(transport.BondBonded)...)

	case request.KindRemoveBond:
		return append(m.succeed(e, request.Result{}), m.bondChanged(transport.BondNone)...)
	}
	return m.succeed(e, request.Result{Data: c.Data})
}

func (m *machine) completeFailed(e *entry, c transport.Completion, now time.Time) []effect {
	r := e.req
	status := c.Status
	if status == transport.StatusSuccess {
		status = transport.StatusFailure
	}
	err := request.StatusFailure(int(status), r, c.Err)

	m.logger.WithFields(logrus.Fields{
		"request_id": r.ID(),
		"kind":       r.Kind().String(),
		"target":     r.Target().String(),
		"status":     status.String(),
		"error":      c.Err,
	}).Debug("Primitive failed")

	switch r.Kind() {
	case request.KindConnect:
		return m.connectAttemptFailed(e, status, err, now)
	case request.KindDiscoverServices:
		if e.internal {
			m.current = nil
			effs := []effect{effForceDisconnect{}}
			if c := m.connect; c != nil {
				effs = append(effs, m.fail(c, err)...)
			}
			return append(effs, m.dropLink()...)
		}
	case request.KindDisconnect:
		effs := m.fail(e, err)
		if m.conn == StateDisconnecting {
			back := StateReady
			if m.initPhase {
				back = StateInitializing
			}
			effs = append(effs, m.setState(back)...)
		}
		return effs
	case request.KindRead, request.KindWrite, request.KindReadDescriptor, request.KindWriteDescriptor:
		if status.NeedsBonding() && !e.authRetried {
			return m.awaitBond(e, status)
		}
	case request.KindCreateBond:
		if e.internal {
			m.current = nil
			e.finished = true
			return m.bondFailed(err)
		}
	}
	return m.fail(e, err)
}

// awaitBond parks e until the link is bonded. Bonding is started here unless the
// peer already started it.
func (m *machine) awaitBond(e *entry, status transport.Status) []effect {
	e.authRetried = true
	e.authStatus = status
	m.current = nil
	m.bondWait = e
	m.logger.WithFields(logrus.Fields{
		"request_id": e.req.ID(),
		"status":     status.String(),
		"bond":       m.bond.String(),
	}).Info("Authentication required, bonding before retrying")
	if m.bond == transport.BondBonding {
		return nil
	}
	b := &entry{req: request.NewCreateBond(), internal: true, started: true}
	return []effect{m.issue(b)}
}

// connectAttemptFailed retries a transient connection failure or fails the connect.
func (m *machine) connectAttemptFailed(e *entry, status transport.Status, err error, now time.Time) []effect {
	if status == transport.StatusGattError {
		elapsed := now.Sub(e.attempt)
		if m.cfg.ConnectionTimeoutThreshold > 0 && elapsed >= m.cfg.ConnectionTimeoutThreshold {
			return m.connectFailed(e, &request.Error{
				Reason: request.ReasonTimeout,
				Kind:   request.KindConnect,
				Msg:    "peer did not respond to the connection attempt",
				Err:    err,
			})
		}
		if e.retriesLeft > 0 {
			e.retriesLeft--
			m.retrying = true
			m.current = nil
			m.logger.WithFields(logrus.Fields{
				"address":      m.address,
				"elapsed":      elapsed,
				"retries_left": e.retriesLeft,
			}).Warn("Connection attempt collided, retrying")
			return []effect{effRetry{e: e, address: m.address, delay: e.retryDelay}}
		}
	}
	return m.connectFailed(e, err)
}

func (m *machine) connectFailed(e *entry, err error) []effect {
	effs := m.fail(e, err)
	effs = append(effs, m.setState(StateDisconnected)...)
	m.logger.WithFields(logrus.Fields{
		"address": m.address,
		"error":   err,
	}).Error("Failed to connect to BLE device")
	return effs
}

func (m *machine) retry(e *entry, now time.Time) []effect {
	if !m.retrying || m.connect != e || e.finished {
		return nil
	}
	m.retrying = false
	e.attempt = now
	return []effect{m.issue(e)}
}

// dropLink resets everything tied to the link after the peer is gone.
func (m *machine) dropLink() []effect {
	effs := m.setState(StateDisconnected)
	m.profile = nil
	m.mtu = defaultMTU
	m.initPhase = false
	m.initWait = false
	m.ready = false
	effs = append(effs, effClearListeners{})
	if c := m.connect; c != nil {
		effs = append(effs, m.fail(c, request.Failure(request.ReasonDisconnected, c.req, "link closed before the device was ready"))...)
	}

	var pending []*entry
	pending, m.initQueue = m.initQueue, nil
	for _, e := range pending {
		effs = append(effs, m.discard(e, request.Failure(request.ReasonDisconnected, e.req, "link closed"))...)
	}
	return effs
}

// discard fails a task that never started, including every member of a group.
func (m *machine) discard(e *entry, err error) []effect {
	if e.finished {
		return nil
	}
	if e.group != nil {
		var effs []effect
		for _, r := range e.group.Cancel() {
			d := &entry{req: r, finished: true}
			effs = append(effs, effFailure{e: d, err: withRequest(err, r)})
		}
		e.finished = true
		return append(effs, effFailure{e: e, err: err})
	}
	e.finished = true
	return []effect{effFailure{e: e, err: withRequest(err, e.req)}}
}

// withRequest rebinds a request error to r.
func withRequest(err error, r *request.Request) error {
	rerr, ok := err.(*request.Error)
	if !ok || r == nil {
		return err
	}
	cp := *rerr
	cp.Kind = r.Kind()
	cp.Target = r.Target()
	return &cp
}
