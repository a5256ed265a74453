package connection

import (
	"time"

	"github.com/srg/blesched/pkg/request"
	"github.com/srg/blesched/pkg/transport"
)

// event is an input of the state machine.
type event interface{}

type (
	evEnqueue struct {
		task    request.Task
		claimed bool
	}
	evComplete struct {
		c transport.Completion
	}
	evPush struct {
		ev transport.Event
	}
	evTimeout struct {
		e *entry
	}
	evSleepDone struct {
		e *entry
	}
	evRetry struct {
		e *entry
	}
	evRetryDenied struct {
		e     *entry
		until time.Time
	}
	evInitialized struct{}
	evConditionMet struct {
		e *entry
	}
	evRecheck struct{}
	evCancel  struct{}
	evAbort   struct {
		q *request.Queue
	}
)

// effect is an output of the state machine, executed in order on the executor goroutine.
type effect interface{}

type (
	effStart struct {
		e *entry
	}
	effSuccess struct {
		e   *entry
		res request.Result
	}
	effFailure struct {
		e   *entry
		err error
	}
	effInvalid struct {
		e   *entry
		err error
	}
	effProgress struct {
		e           *entry
		sent, total int
	}
	effPrimitive struct {
		id        transport.OpID
		kind      request.Kind
		target    request.Target
		address   string
		offset    int
		data      []byte
		writeType request.WriteType
		mtu       int
		priority  request.ConnectionPriority
	}
	effForceDisconnect struct{}
	effArmTimer        struct {
		e *entry
		d time.Duration
	}
	effDisarmTimer struct {
		e     *entry
		sleep bool
	}
	effSleep struct {
		e *entry
		d time.Duration
	}
	effRetry struct {
		e       *entry
		address string
		delay   time.Duration
	}
	effInitialize struct{}
	effRecheck    struct {
		e *entry
	}
	effListener struct {
		target     request.Target
		data       []byte
		indication bool
	}
	effClearListeners struct{}
	effState          struct {
		from, to State
	}
	effReady    struct{}
	effDrained  struct{}
	effLinkLoss struct {
		err error
	}
	effBond struct {
		state transport.Bond
	}
	effFunc struct {
		fn func()
	}
)
