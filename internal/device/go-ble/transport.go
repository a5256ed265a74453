// Package goble implements transport.Transport on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blesched/internal/device"
	"github.com/srg/blesched/internal/groutine"
	"github.com/srg/blesched/pkg/request"
	"github.com/srg/blesched/pkg/transport"
)

// Client is the part of ble.Client the transport drives.
type Client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadDescriptor(d *ble.Descriptor) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, v []byte) error
	ReadRSSI() int
	ExchangeMTU(rxMTU int) (int, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// ClientFactory dials address. ctx is cancelled when the connect is abandoned.
type ClientFactory func(ctx context.Context, address string) (Client, error)

// Dial is the default ClientFactory. It opens the platform device and dials through it.
func Dial(ctx context.Context, address string) (Client, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, err)
	}
	return client, nil
}

// attribute is a discovered characteristic or descriptor.
type attribute struct {
	char *ble.Characteristic
	desc *ble.Descriptor
}

type stagedWrite struct {
	target request.Target
	data   []byte
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithClientFactory replaces the dialer, mainly for tests.
func WithClientFactory(f ClientFactory) Option {
	return func(t *Transport) { t.dial = f }
}

// Transport runs one go-ble call at a time, each on its own goroutine, and reports the
// outcome through the bound sink.
//
// go-ble has no prepared writes, so a reliable write is staged locally and flushed by
// ExecuteReliableWrite. Bonding and connection priority are not available and complete
// with StatusRequestNotSupported.
type Transport struct {
	logger *logrus.Logger
	dial   ClientFactory

	mu         sync.Mutex
	sink       transport.Sink
	client     Client
	attrs      *orderedmap.OrderedMap[string, *attribute]
	staging    bool
	staged     []stagedWrite
	linkCancel context.CancelFunc
	dialCancel context.CancelFunc

	// ops serializes calls into the client.
	ops sync.Mutex
}

// New creates a Transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		dial:  Dial,
		attrs: orderedmap.New[string, *attribute](),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logrus.New()
	}
	return t
}

func (t *Transport) Bind(sink transport.Sink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

func (t *Transport) complete(c transport.Completion) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink.Complete(c)
	}
}

func (t *Transport) push(ev transport.Event) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink.Push(ev)
	}
}

// run executes fn against the connected client on a new goroutine.
func (t *Transport) run(id transport.OpID, name string, fn func(c Client) transport.Completion) {
	groutine.Go(context.Background(), name, func(ctx context.Context) {
		t.ops.Lock()
		t.mu.Lock()
		client := t.client
		t.mu.Unlock()

		var c transport.Completion
		if client == nil {
			c = failed(device.ErrNotConnected)
		} else {
			c = fn(client)
		}
		t.ops.Unlock()

		c.ID = id
		if c.Err != nil {
			t.logger.WithFields(logrus.Fields{
				"op":     name,
				"status": c.Status.String(),
				"error":  c.Err,
			}).Debug("BLE operation failed")
		}
		t.complete(c)
	})
}

// lookup resolves a discovered attribute.
func (t *Transport) lookup(target request.Target) (*attribute, error) {
	t.mu.Lock()
	a, ok := t.attrs.Get(target.Key())
	t.mu.Unlock()
	if ok {
		return a, nil
	}
	if target.IsDescriptor() {
		return nil, &device.NotFoundError{Resource: "descriptor", UUIDs: []string{target.Characteristic, target.Descriptor}}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{target.Service, target.Characteristic}}
}

func (t *Transport) Connect(id transport.OpID, address string) {
	groutine.Go(context.Background(), "goble-connect", func(ctx context.Context) {
		t.mu.Lock()
		if t.client != nil {
			t.mu.Unlock()
			t.complete(transport.Completion{ID: id, Status: transport.StatusFailure, Err: device.ErrAlreadyConnected})
			return
		}
		dialCtx, cancel := context.WithCancel(ctx)
		t.dialCancel = cancel
		t.mu.Unlock()

		t.logger.WithField("address", address).Debug("Dialing BLE device...")
		client, err := t.dial(dialCtx, address)

		t.mu.Lock()
		abandoned := dialCtx.Err() != nil
		t.dialCancel = nil
		t.mu.Unlock()
		cancel()

		if err == nil && abandoned {
			// The connect was given up while the dial succeeded; drop the late link.
			_ = client.CancelConnection()
			err = context.Canceled
		}
		if err != nil {
			c := failed(err)
			c.ID = id
			if errors.Is(c.Err, device.ErrBluetoothOff) {
				t.push(transport.AdapterState{Enabled: false})
			}
			t.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Warn("Failed to dial BLE device")
			t.complete(c)
			return
		}

		linkCtx, linkCancel := context.WithCancel(context.Background())
		t.mu.Lock()
		t.client = client
		t.linkCancel = linkCancel
		t.attrs = orderedmap.New[string, *attribute]()
		t.staging, t.staged = false, nil
		t.mu.Unlock()

		t.monitor(linkCtx, client)
		t.logger.WithField("address", address).Info("BLE device connected")
		t.complete(transport.Completion{ID: id})
	})
}

// monitor reports an unexpected link loss when the client exposes a Disconnected channel.
func (t *Transport) monitor(linkCtx context.Context, client Client) {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		t.logger.Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.Go(linkCtx, "goble-link-monitor", func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			if !t.dropLink(client) {
				return
			}
			t.logger.Warn("BLE link lost")
			t.push(transport.Disconnected{Status: transport.StatusFailure, Err: device.ErrNotConnected})
		case <-ctx.Done():
		}
	})
}

// dropLink forgets client if it is still the current one.
func (t *Transport) dropLink(client Client) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != client {
		return false
	}
	t.client = nil
	t.staging, t.staged = false, nil
	if t.linkCancel != nil {
		t.linkCancel()
		t.linkCancel = nil
	}
	return true
}

// detach cancels a pending dial and forgets the current client, returning it.
func (t *Transport) detach() Client {
	t.mu.Lock()
	if t.dialCancel != nil {
		t.dialCancel()
		t.dialCancel = nil
	}
	client := t.client
	t.mu.Unlock()
	if client == nil || !t.dropLink(client) {
		return nil
	}
	return client
}

func (t *Transport) Disconnect(id transport.OpID) {
	groutine.Go(context.Background(), "goble-disconnect", func(ctx context.Context) {
		c := transport.Completion{ID: id}
		if client := t.detach(); client != nil {
			if err := client.CancelConnection(); err != nil {
				c.Err = device.NormalizeError(err)
				t.logger.WithField("error", err).Warn("Failed to cancel BLE connection")
			}
		}
		t.complete(c)
	})
}

func (t *Transport) ForceDisconnect() {
	client := t.detach()
	if client != nil {
		if err := client.CancelConnection(); err != nil {
			t.logger.WithField("error", err).Debug("Cancel connection during forced disconnect failed")
		}
	}
	t.push(transport.Disconnected{Status: transport.StatusSuccess})
}

func (t *Transport) DiscoverServices(id transport.OpID) {
	t.run(id, "goble-discover", func(client Client) transport.Completion {
		bp, err := client.DiscoverProfile(true)
		if err != nil {
			return failed(err)
		}

		attrs := orderedmap.New[string, *attribute]()
		profile := transport.NewProfile()
		for _, svc := range bp.Services {
			for _, ch := range svc.Characteristics {
				target := request.Characteristic(svc.UUID.String(), ch.UUID.String())
				attrs.Set(target.Key(), &attribute{char: ch})
				profile.AddCharacteristic(target, transport.Property(ch.Property))
				for _, d := range ch.Descriptors {
					dt := request.Descriptor(svc.UUID.String(), ch.UUID.String(), d.UUID.String())
					attrs.Set(dt.Key(), &attribute{char: ch, desc: d})
					profile.AddDescriptor(dt)
				}
			}
		}

		t.mu.Lock()
		t.attrs = attrs
		t.mu.Unlock()

		t.logger.WithFields(logrus.Fields{
			"services":   len(bp.Services),
			"attributes": attrs.Len(),
		}).Debug("Profile discovered")
		return transport.Completion{Profile: profile}
	})
}

func (t *Transport) ReadCharacteristic(id transport.OpID, target request.Target) {
	t.run(id, "goble-read", func(client Client) transport.Completion {
		a, err := t.lookup(target)
		if err != nil {
			return failed(err)
		}
		data, err := client.ReadCharacteristic(a.char)
		if err != nil {
			return failed(err)
		}
		return transport.Completion{Data: data}
	})
}

func (t *Transport) WriteCharacteristic(id transport.OpID, target request.Target, offset int, data []byte, writeType request.WriteType) {
	t.mu.Lock()
	staging := t.staging
	accepted := true
	if staging {
		accepted = t.stage(target, offset, data)
	}
	t.mu.Unlock()
	if staging {
		// A staged value is echoed back the way a prepare write response would be.
		t.run(id, "goble-prepare-write", func(Client) transport.Completion {
			if !accepted {
				return transport.Completion{Status: transport.StatusInvalidOffset}
			}
			return transport.Completion{Data: data}
		})
		return
	}

	t.run(id, "goble-write", func(client Client) transport.Completion {
		a, err := t.lookup(target)
		if err != nil {
			return failed(err)
		}
		if err := client.WriteCharacteristic(a.char, data, writeType == request.WriteWithoutResponse); err != nil {
			return failed(err)
		}
		return transport.Completion{Data: data}
	})
}

// stage records a reliable-write chunk. A chunk at offset zero starts a new value; a
// continuation must land exactly at the end of the last staged value for the same
// target. Caller holds t.mu.
func (t *Transport) stage(target request.Target, offset int, data []byte) bool {
	if offset == 0 {
		t.staged = append(t.staged, stagedWrite{target: target, data: append([]byte(nil), data...)})
		return true
	}
	if len(t.staged) == 0 {
		return false
	}
	last := &t.staged[len(t.staged)-1]
	if last.target != target || len(last.data) != offset {
		return false
	}
	last.data = append(last.data, data...)
	return true
}

func (t *Transport) ReadDescriptor(id transport.OpID, target request.Target) {
	t.run(id, "goble-read-descriptor", func(client Client) transport.Completion {
		a, err := t.lookup(target)
		if err != nil {
			return failed(err)
		}
		data, err := client.ReadDescriptor(a.desc)
		if err != nil {
			return failed(err)
		}
		return transport.Completion{Data: data}
	})
}

func (t *Transport) WriteDescriptor(id transport.OpID, target request.Target, data []byte) {
	t.run(id, "goble-write-descriptor", func(client Client) transport.Completion {
		a, err := t.lookup(target)
		if err != nil {
			return failed(err)
		}
		if err := client.WriteDescriptor(a.desc, data); err != nil {
			return failed(err)
		}
		return transport.Completion{Data: data}
	})
}

func (t *Transport) SetNotify(id transport.OpID, target request.Target, enable bool) {
	t.subscribe(id, target, enable, false)
}

func (t *Transport) SetIndicate(id transport.OpID, target request.Target, enable bool) {
	t.subscribe(id, target, enable, true)
}

func (t *Transport) subscribe(id transport.OpID, target request.Target, enable, indicate bool) {
	t.run(id, "goble-subscribe", func(client Client) transport.Completion {
		a, err := t.lookup(target)
		if err != nil {
			return failed(err)
		}
		if !enable {
			if err := client.Unsubscribe(a.char, indicate); err != nil {
				return failed(err)
			}
			return transport.Completion{}
		}

		err = client.Subscribe(a.char, indicate, func(data []byte) {
			t.push(transport.ValueChanged{
				Target:     target,
				Data:       append([]byte(nil), data...),
				Indication: indicate,
			})
		})
		if err != nil {
			return failed(err)
		}
		return transport.Completion{}
	})
}

func (t *Transport) RequestMTU(id transport.OpID, mtu int) {
	t.run(id, "goble-exchange-mtu", func(client Client) transport.Completion {
		negotiated, err := client.ExchangeMTU(mtu)
		if err != nil {
			return failed(err)
		}
		return transport.Completion{MTU: negotiated}
	})
}

func (t *Transport) ReadRSSI(id transport.OpID) {
	t.run(id, "goble-read-rssi", func(client Client) transport.Completion {
		return transport.Completion{RSSI: client.ReadRSSI()}
	})
}

func (t *Transport) RequestConnectionPriority(id transport.OpID, _ request.ConnectionPriority) {
	t.unsupported(id, "connection priority")
}

func (t *Transport) CreateBond(id transport.OpID) {
	t.unsupported(id, "bonding")
}

func (t *Transport) RemoveBond(id transport.OpID) {
	t.unsupported(id, "bonding")
}

func (t *Transport) unsupported(id transport.OpID, what string) {
	groutine.Go(context.Background(), "goble-unsupported", func(context.Context) {
		t.complete(transport.Completion{
			ID:     id,
			Status: transport.StatusRequestNotSupported,
			Err:    fmt.Errorf("%w: %s", device.ErrUnsupported, what),
		})
	})
}

func (t *Transport) BeginReliableWrite(id transport.OpID) {
	t.run(id, "goble-begin-reliable-write", func(Client) transport.Completion {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.staging, t.staged = true, nil
		return transport.Completion{}
	})
}

func (t *Transport) ExecuteReliableWrite(id transport.OpID) {
	t.run(id, "goble-execute-reliable-write", func(client Client) transport.Completion {
		t.mu.Lock()
		staged := t.staged
		t.staging, t.staged = false, nil
		t.mu.Unlock()

		for _, w := range staged {
			a, err := t.lookup(w.target)
			if err != nil {
				return failed(err)
			}
			if err := client.WriteCharacteristic(a.char, w.data, false); err != nil {
				return failed(err)
			}
		}
		return transport.Completion{}
	})
}

func (t *Transport) AbortReliableWrite(id transport.OpID) {
	t.mu.Lock()
	t.staging, t.staged = false, nil
	t.mu.Unlock()
	groutine.Go(context.Background(), "goble-abort-reliable-write", func(context.Context) {
		t.complete(transport.Completion{ID: id})
	})
}

// Staged returns the number of writes buffered for the open reliable write.
func (t *Transport) Staged() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.staged)
}
