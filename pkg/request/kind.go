package request

import (
	"fmt"

	"github.com/srg/blesched/internal/device"
)

// Kind identifies the operation a Request describes.
type Kind int

const (
	KindConnect Kind = iota + 1
	KindDisconnect
	KindDiscoverServices
	KindRead
	KindWrite
	KindReadDescriptor
	KindWriteDescriptor
	KindEnableNotifications
	KindDisableNotifications
	KindEnableIndications
	KindDisableIndications
	KindRequestMTU
	KindRequestConnectionPriority
	KindReadRSSI
	KindBeginReliableWrite
	KindExecuteReliableWrite
	KindAbortReliableWrite
	KindCreateBond
	KindRemoveBond
	KindSleep
	KindWaitForNotification
	KindWaitForIndication
	KindWaitForRead
	KindWaitForWrite
	KindWaitUntil
)

var kindNames = map[Kind]string{
	KindConnect:                   "connect",
	KindDisconnect:                "disconnect",
	KindDiscoverServices:          "discover_services",
	KindRead:                      "read",
	KindWrite:                     "write",
	KindReadDescriptor:            "read_descriptor",
	KindWriteDescriptor:           "write_descriptor",
	KindEnableNotifications:       "enable_notifications",
	KindDisableNotifications:      "disable_notifications",
	KindEnableIndications:         "enable_indications",
	KindDisableIndications:        "disable_indications",
	KindRequestMTU:                "request_mtu",
	KindRequestConnectionPriority: "request_connection_priority",
	KindReadRSSI:                  "read_rssi",
	KindBeginReliableWrite:        "begin_reliable_write",
	KindExecuteReliableWrite:      "execute_reliable_write",
	KindAbortReliableWrite:        "abort_reliable_write",
	KindCreateBond:                "create_bond",
	KindRemoveBond:                "remove_bond",
	KindSleep:                     "sleep",
	KindWaitForNotification:       "wait_for_notification",
	KindWaitForIndication:         "wait_for_indication",
	KindWaitForRead:               "wait_for_read",
	KindWaitForWrite:              "wait_for_write",
	KindWaitUntil:                 "wait_until",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsAwaiting reports whether the kind waits for an asynchronous event instead of
// issuing a transport primitive.
func (k Kind) IsAwaiting() bool {
	switch k {
	case KindWaitForNotification, KindWaitForIndication, KindWaitForRead, KindWaitForWrite, KindWaitUntil:
		return true
	}
	return false
}

// NeedsConnection reports whether the kind requires an established link.
func (k Kind) NeedsConnection() bool {
	switch k {
	case KindConnect, KindSleep, KindWaitUntil, KindWaitForRead, KindWaitForWrite, KindRemoveBond:
		return false
	}
	return true
}

// NeedsAttribute reports whether the kind addresses a remote attribute.
func (k Kind) NeedsAttribute() bool {
	switch k {
	case KindRead, KindWrite, KindReadDescriptor, KindWriteDescriptor,
		KindEnableNotifications, KindDisableNotifications,
		KindEnableIndications, KindDisableIndications:
		return true
	}
	return false
}

// WriteType selects the delivery mode of a characteristic write.
type WriteType int

const (
	WriteWithResponse WriteType = iota
	WriteWithoutResponse
	WriteSigned
)

func (w WriteType) String() string {
	switch w {
	case WriteWithResponse:
		return "with_response"
	case WriteWithoutResponse:
		return "without_response"
	case WriteSigned:
		return "signed"
	default:
		return fmt.Sprintf("write_type(%d)", int(w))
	}
}

// ConnectionPriority is the requested connection interval class.
type ConnectionPriority int

const (
	PriorityBalanced ConnectionPriority = iota
	PriorityHigh
	PriorityLowPower
)

func (p ConnectionPriority) String() string {
	switch p {
	case PriorityBalanced:
		return "balanced"
	case PriorityHigh:
		return "high"
	case PriorityLowPower:
		return "low_power"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// TriggerStatus tracks the operation that provokes the event an awaiting request waits for.
type TriggerStatus int

const (
	TriggerNotStarted TriggerStatus = iota
	TriggerStarted
	TriggerCompleted
	TriggerFailed
)

func (s TriggerStatus) String() string {
	switch s {
	case TriggerNotStarted:
		return "not_started"
	case TriggerStarted:
		return "started"
	case TriggerCompleted:
		return "completed"
	case TriggerFailed:
		return "failed"
	default:
		return fmt.Sprintf("trigger_status(%d)", int(s))
	}
}

// Target addresses a remote attribute. UUIDs are stored normalized.
// The zero Target addresses the connection itself.
type Target struct {
	Service        string
	Characteristic string
	Descriptor     string
}

// Characteristic builds a characteristic target.
func Characteristic(service, characteristic string) Target {
	return Target{
		Service:        device.NormalizeUUID(service),
		Characteristic: device.NormalizeUUID(characteristic),
	}
}

// Descriptor builds a descriptor target.
func Descriptor(service, characteristic, descriptor string) Target {
	return Target{
		Service:        device.NormalizeUUID(service),
		Characteristic: device.NormalizeUUID(characteristic),
		Descriptor:     device.NormalizeUUID(descriptor),
	}
}

// IsZero reports whether the target addresses no attribute.
func (t Target) IsZero() bool {
	return t == Target{}
}

// IsDescriptor reports whether the target addresses a descriptor.
func (t Target) IsDescriptor() bool {
	return t.Descriptor != ""
}

// Parent returns the characteristic owning a descriptor target.
func (t Target) Parent() Target {
	return Target{Service: t.Service, Characteristic: t.Characteristic}
}

// Key returns a stable string form usable as a map key.
func (t Target) Key() string {
	if t.Descriptor == "" {
		return t.Service + "/" + t.Characteristic
	}
	return t.Service + "/" + t.Characteristic + "/" + t.Descriptor
}

func (t Target) String() string {
	if t.IsZero() {
		return "<connection>"
	}
	return t.Key()
}
