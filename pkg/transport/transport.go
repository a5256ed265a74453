// Package transport defines the single-operation radio transport the connection
// manager drives. Every primitive returns immediately; its outcome is reported later
// through Sink.Complete with the same OpID. Unsolicited events go through Sink.Push.
package transport

import (
	"fmt"

	"github.com/srg/blesched/pkg/request"
)

// OpID correlates a primitive with its completion.
type OpID uint64

// Status is a GATT status code. Zero is success.
type Status int

const (
	StatusSuccess                    Status = 0x00
	StatusReadNotPermitted           Status = 0x02
	StatusWriteNotPermitted          Status = 0x03
	StatusInsufficientAuthentication Status = 0x05
	StatusRequestNotSupported        Status = 0x06
	StatusInvalidOffset              Status = 0x07
	StatusInsufficientEncryption     Status = 0x0f
	StatusGattError                  Status = 0x85
	StatusFailure                    Status = 0x101
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusReadNotPermitted:
		return "read_not_permitted"
	case StatusWriteNotPermitted:
		return "write_not_permitted"
	case StatusInsufficientAuthentication:
		return "insufficient_authentication"
	case StatusRequestNotSupported:
		return "request_not_supported"
	case StatusInvalidOffset:
		return "invalid_offset"
	case StatusInsufficientEncryption:
		return "insufficient_encryption"
	case StatusGattError:
		return "gatt_error"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status(0x%02x)", int(s))
	}
}

// NeedsBonding reports whether the status asks for an encrypted, bonded link.
func (s Status) NeedsBonding() bool {
	return s == StatusInsufficientAuthentication || s == StatusInsufficientEncryption
}

// Completion reports the outcome of one primitive.
type Completion struct {
	ID      OpID
	Status  Status
	Err     error // transport-level detail, may be set alongside a non-zero Status
	Data    []byte
	MTU     int
	RSSI    int
	Profile *Profile
}

// Transport performs one primitive at a time. Implementations must not block the caller
// and must call Sink.Complete exactly once per primitive.
type Transport interface {
	Bind(sink Sink)

	Connect(id OpID, address string)
	Disconnect(id OpID)
	DiscoverServices(id OpID)
	ReadCharacteristic(id OpID, target request.Target)
	// WriteCharacteristic writes data at offset within the request value. offset is
	// non-zero only for the continuation chunks of a split write inside a reliable
	// write, where the transport appends to the value it already staged.
	WriteCharacteristic(id OpID, target request.Target, offset int, data []byte, writeType request.WriteType)
	ReadDescriptor(id OpID, target request.Target)
	WriteDescriptor(id OpID, target request.Target, data []byte)
	SetNotify(id OpID, target request.Target, enable bool)
	SetIndicate(id OpID, target request.Target, enable bool)
	RequestMTU(id OpID, mtu int)
	RequestConnectionPriority(id OpID, priority request.ConnectionPriority)
	ReadRSSI(id OpID)
	BeginReliableWrite(id OpID)
	ExecuteReliableWrite(id OpID)
	AbortReliableWrite(id OpID)
	CreateBond(id OpID)
	RemoveBond(id OpID)

	// ForceDisconnect tears the link down outside the primitive discipline. It produces
	// a Disconnected push event, not a completion.
	ForceDisconnect()
}

// Sink receives completions and push events. The connection manager implements it.
type Sink interface {
	Complete(c Completion)
	Push(ev Event)
}

// Event is an unsolicited transport event.
type Event interface {
	isEvent()
}

// ValueChanged is a notification or indication from the peer.
type ValueChanged struct {
	Target     request.Target
	Data       []byte
	Indication bool
}

// PeerRead reports that the peer read a local server attribute.
type PeerRead struct {
	Target request.Target
}

// PeerWrite reports that the peer wrote a local server attribute.
type PeerWrite struct {
	Target request.Target
	Data   []byte
}

// Disconnected reports loss of the link.
type Disconnected struct {
	Status Status
	Err    error
}

// AdapterState reports the local radio being enabled or disabled.
type AdapterState struct {
	Enabled bool
}

// BondState reports a bonding transition.
type BondState struct {
	State Bond
}

// Bond is the bonding state of the peer.
type Bond int

const (
	BondNone Bond = iota
	BondBonding
	BondBonded
)

func (b Bond) String() string {
	switch b {
	case BondNone:
		return "none"
	case BondBonding:
		return "bonding"
	case BondBonded:
		return "bonded"
	default:
		return fmt.Sprintf("bond(%d)", int(b))
	}
}

func (ValueChanged) isEvent() {}
func (PeerRead) isEvent()     {}
func (PeerWrite) isEvent()    {}
func (Disconnected) isEvent() {}
func (AdapterState) isEvent() {}
func (BondState) isEvent()    {}
