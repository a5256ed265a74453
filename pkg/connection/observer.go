package connection

import "github.com/srg/blesched/pkg/transport"

// Observer receives connection lifecycle notifications on the executor goroutine.
type Observer interface {
	StateChanged(from, to State)
	// DeviceReady fires once per connection, after the init queue drained.
	DeviceReady()
	QueueDrained()
	// LinkLost reports an unsolicited disconnect.
	LinkLost(err error)
	BondStateChanged(state transport.Bond)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) StateChanged(State, State)       {}
func (NopObserver) DeviceReady()                    {}
func (NopObserver) QueueDrained()                   {}
func (NopObserver) LinkLost(error)                  {}
func (NopObserver) BondStateChanged(transport.Bond) {}
