package transport

import (
	"strings"

	"github.com/srg/blesched/pkg/request"
)

// Property is a characteristic property bit set, same layout as the GATT
// characteristic properties field.
type Property uint8

const (
	PropBroadcast     Property = 0x01
	PropRead          Property = 0x02
	PropWriteNR       Property = 0x04
	PropWrite         Property = 0x08
	PropNotify        Property = 0x10
	PropIndicate      Property = 0x20
	PropSignedWrite   Property = 0x40
	PropExtendedProps Property = 0x80
)

var propertyNames = []struct {
	p    Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteNR, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "signed-write"},
	{PropExtendedProps, "extended"},
}

func (p Property) Has(flag Property) bool { return p&flag != 0 }

func (p Property) String() string {
	var parts []string
	for _, pn := range propertyNames {
		if p.Has(pn.p) {
			parts = append(parts, pn.name)
		}
	}
	return strings.Join(parts, ",")
}

// Profile is the flat attribute table the manager validates requests against.
// Keys are request.Target.Key() values of characteristics and descriptors.
type Profile struct {
	attrs map[string]Property
}

// NewProfile creates an empty profile.
func NewProfile() *Profile {
	return &Profile{attrs: make(map[string]Property)}
}

// AddCharacteristic registers a characteristic with its properties.
func (p *Profile) AddCharacteristic(t request.Target, props Property) {
	p.attrs[t.Parent().Key()] = props
}

// AddDescriptor registers a descriptor.
func (p *Profile) AddDescriptor(t request.Target) {
	p.attrs[t.Key()] = 0
}

// Lookup returns the properties of a characteristic, or whether a descriptor exists.
func (p *Profile) Lookup(t request.Target) (Property, bool) {
	if p == nil {
		return 0, false
	}
	props, ok := p.attrs[t.Key()]
	return props, ok
}

// Len returns the number of registered attributes.
func (p *Profile) Len() int {
	if p == nil {
		return 0
	}
	return len(p.attrs)
}
