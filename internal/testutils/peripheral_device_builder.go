//go:build test

package testutils

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/srg/blesched/pkg/request"
	"github.com/srg/blesched/pkg/transport"
)

// CharacteristicConfig represents a BLE characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID        string   `json:"uuid"`
	Properties  string   `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value       []byte   `json:"value,omitempty"`
	Descriptors []string `json:"descriptors,omitempty"`
}

// ServiceConfig represents a BLE service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete device profile for mocking
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
	MTU      int             `json:"mtu,omitempty"`
	RSSI     int             `json:"rssi,omitempty"`
}

// PeripheralDeviceBuilder builds a simulated peer answering MockTransport primitives.
//
//	p := testutils.NewPeripheralDeviceBuilder().
//	    WithService("180D").
//	    WithCharacteristic("2A37", "read,notify", []byte{80})
//	mt.SetResponder(p.Responder())
type PeripheralDeviceBuilder struct {
	mu       sync.Mutex
	profile  DeviceProfileConfig
	values   map[string][]byte
	failures map[request.Kind][]transport.Status
	held     map[request.Kind]bool
	echo     func(target request.Target, data []byte) []byte
	written  []Primitive
}

// NewPeripheralDeviceBuilder creates a new peripheral device builder
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{
		profile:  DeviceProfileConfig{MTU: 247, RSSI: -60},
		values:   make(map[string][]byte),
		failures: make(map[request.Kind][]transport.Status),
		held:     make(map[request.Kind]bool),
	}
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string, value []byte, descriptors ...string) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics, CharacteristicConfig{
		UUID:        uuid,
		Properties:  properties,
		Value:       value,
		Descriptors: descriptors,
	})
	b.values[request.Characteristic(b.profile.Services[last].UUID, uuid).Key()] = value
	return b
}

// WithMTU sets the largest MTU the peer accepts.
func (b *PeripheralDeviceBuilder) WithMTU(mtu int) *PeripheralDeviceBuilder {
	b.profile.MTU = mtu
	return b
}

// WithEcho replaces the value echoed back for writes.
func (b *PeripheralDeviceBuilder) WithEcho(fn func(target request.Target, data []byte) []byte) *PeripheralDeviceBuilder {
	b.mu.Lock()
	b.echo = fn
	b.mu.Unlock()
	return b
}

// FailNext makes the next primitive of kind complete with status. Calls stack up.
func (b *PeripheralDeviceBuilder) FailNext(kind request.Kind, status transport.Status) *PeripheralDeviceBuilder {
	b.mu.Lock()
	b.failures[kind] = append(b.failures[kind], status)
	b.mu.Unlock()
	return b
}

// Hold leaves primitives of kind outstanding so the test completes them by hand.
func (b *PeripheralDeviceBuilder) Hold(kind request.Kind, hold bool) *PeripheralDeviceBuilder {
	b.mu.Lock()
	b.held[kind] = hold
	b.mu.Unlock()
	return b
}

// FromJSON fills the device profile from JSON
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	if config.MTU == 0 {
		config.MTU = b.profile.MTU
	}
	if config.RSSI == 0 {
		config.RSSI = b.profile.RSSI
	}

	b.profile = config
	b.values = make(map[string][]byte)
	for _, svc := range config.Services {
		for _, c := range svc.Characteristics {
			b.values[request.Characteristic(svc.UUID, c.UUID).Key()] = c.Value
		}
	}
	return b
}

// Profile builds the attribute table reported by service discovery.
func (b *PeripheralDeviceBuilder) Profile() *transport.Profile {
	p := transport.NewProfile()
	for _, svc := range b.profile.Services {
		for _, c := range svc.Characteristics {
			p.AddCharacteristic(request.Characteristic(svc.UUID, c.UUID), ParseProperties(c.Properties))
			for _, d := range c.Descriptors {
				p.AddDescriptor(request.Descriptor(svc.UUID, c.UUID, d))
			}
		}
	}
	return p
}

// Value returns the current value of an attribute.
func (b *PeripheralDeviceBuilder) Value(t request.Target) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.values[t.Key()]
}

// Writes returns the write primitives the peer accepted.
func (b *PeripheralDeviceBuilder) Writes() []Primitive {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Primitive(nil), b.written...)
}

// Responder answers primitives the way a well-behaved peer would.
func (b *PeripheralDeviceBuilder) Responder() Responder {
	return func(p Primitive) (transport.Completion, bool) {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.held[p.Kind] {
			return transport.Completion{}, false
		}
		if queued := b.failures[p.Kind]; len(queued) > 0 {
			b.failures[p.Kind] = queued[1:]
			return transport.Completion{Status: queued[0]}, true
		}

		switch p.Kind {
		case request.KindDiscoverServices:
			return transport.Completion{Profile: b.Profile()}, true
		case request.KindRead, request.KindReadDescriptor:
			return transport.Completion{Data: b.values[p.Target.Key()]}, true
		case request.KindWrite, request.KindWriteDescriptor:
			value := p.Data
			if p.Offset > 0 {
				current := b.values[p.Target.Key()]
				if p.Offset > len(current) {
					return transport.Completion{Status: transport.StatusInvalidOffset}, true
				}
				value = append(append([]byte(nil), current[:p.Offset]...), p.Data...)
			}
			b.values[p.Target.Key()] = value
			b.written = append(b.written, p)
			echo := p.Data
			if b.echo != nil {
				echo = b.echo(p.Target, p.Data)
			}
			return transport.Completion{Data: echo}, true
		case request.KindRequestMTU:
			mtu := p.MTU
			if mtu > b.profile.MTU {
				mtu = b.profile.MTU
			}
			return transport.Completion{MTU: mtu}, true
		case request.KindReadRSSI:
			return transport.Completion{RSSI: b.profile.RSSI}, true
		}
		return transport.Completion{}, true
	}
}

// ParseProperties converts a property list such as "read,write,notify" into property bits.
func ParseProperties(props string) transport.Property {
	if props == "" {
		return transport.PropRead | transport.PropWrite | transport.PropNotify // default
	}

	var property transport.Property
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(p) {
		case "broadcast":
			property |= transport.PropBroadcast
		case "read":
			property |= transport.PropRead
		case "write-without-response", "write_nr":
			property |= transport.PropWriteNR
		case "write":
			property |= transport.PropWrite
		case "notify":
			property |= transport.PropNotify
		case "indicate":
			property |= transport.PropIndicate
		case "signed-write":
			property |= transport.PropSignedWrite
		}
	}
	return property
}
