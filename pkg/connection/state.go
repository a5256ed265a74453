package connection

import (
	"fmt"
	"time"

	"github.com/srg/blesched/pkg/request"
	"github.com/srg/blesched/pkg/transport"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnectedUninitialized
	StateInitializing
	StateReady
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnectedUninitialized:
		return "connected_uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsConnected reports whether the link is up.
func (s State) IsConnected() bool {
	return s == StateConnectedUninitialized || s == StateInitializing || s == StateReady
}

// entry is the runtime record of a task while the manager owns it. Requests stay
// immutable; everything that changes during execution lives here.
type entry struct {
	req   *request.Request
	group *request.Queue // set for a group entry (req is nil)
	owner *entry         // group entry owning a member

	started  bool
	finished bool
	internal bool

	// awaiting
	trigger       *entry
	triggerOf     *entry
	triggerStatus request.TriggerStatus
	buf           []byte
	frag          int

	// writes
	validate bool
	offset   int
	chunk    []byte

	// connect
	attempt     time.Time
	retriesLeft int
	retryDelay  time.Duration

	// bonding
	authRetried bool
	authStatus  transport.Status
	bonded      bool

	timerArmed bool
}

func (e *entry) kind() request.Kind {
	if e.req == nil {
		return 0
	}
	return e.req.Kind()
}

func (e *entry) isAwaiting() bool {
	return e.req != nil && e.req.Kind().IsAwaiting()
}

func (e *entry) id() string {
	if e.group != nil {
		return e.group.ID()
	}
	return e.req.ID()
}

// state is the complete scheduler state. It is only touched by machine.step.
type state struct {
	conn    State
	address string
	radioOn bool
	bond    transport.Bond
	profile *transport.Profile
	mtu     int

	taskQueue []*entry
	initQueue []*entry
	initPhase bool
	initWait  bool
	ready     bool
	idle      bool

	group    *entry
	current  *entry
	awaiting *entry
	connect  *entry
	bondWait *entry
	retrying bool

	inflight      transport.OpID
	inflightEntry *entry
	nextOp        transport.OpID
}

// busy reports whether something occupies the pipeline.
func (s *state) busy() bool {
	return s.inflight != 0 ||
		s.current != nil ||
		(s.awaiting != nil && !s.awaiting.finished) ||
		s.initWait ||
		s.retrying ||
		(s.bondWait != nil && !s.bondWait.bonded)
}
