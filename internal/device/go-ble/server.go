package goble

import (
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesched/pkg/request"
	"github.com/srg/blesched/pkg/transport"
)

// ServiceRegistrar publishes local GATT services. ble.Device implements it.
type ServiceRegistrar interface {
	AddService(svc *ble.Service) error
}

// LocalCharacteristic is a characteristic served to the connected peer.
// Read and Write may be nil; a nil Write makes the characteristic read-only.
type LocalCharacteristic struct {
	UUID  string
	Read  func() []byte
	Write func(data []byte) error
}

// Serve publishes a local service. Every peer access is reported to the bound sink as a
// PeerRead or PeerWrite event before the handler answers.
func (t *Transport) Serve(reg ServiceRegistrar, service string, chars ...LocalCharacteristic) error {
	su, err := ble.Parse(service)
	if err != nil {
		return fmt.Errorf("invalid service UUID %q: %w", service, err)
	}
	svc := ble.NewService(su)

	for _, lc := range chars {
		cu, err := ble.Parse(lc.UUID)
		if err != nil {
			return fmt.Errorf("invalid characteristic UUID %q: %w", lc.UUID, err)
		}
		target := request.Characteristic(service, lc.UUID)
		c := svc.NewCharacteristic(cu)
		c.HandleRead(t.readHandler(target, lc.Read))
		if lc.Write != nil {
			c.HandleWrite(t.writeHandler(target, lc.Write))
		}
	}

	if err := reg.AddService(svc); err != nil {
		return fmt.Errorf("failed to add service %q: %w", service, err)
	}
	t.logger.WithFields(logrus.Fields{
		"service":         service,
		"characteristics": len(chars),
	}).Debug("Local service published")
	return nil
}

func (t *Transport) readHandler(target request.Target, read func() []byte) ble.ReadHandlerFunc {
	return func(req ble.Request, rsp ble.ResponseWriter) {
		t.push(transport.PeerRead{Target: target})
		if read == nil {
			return
		}
		data := read()
		if off := req.Offset(); off > 0 {
			if off > len(data) {
				rsp.SetStatus(ble.ErrInvalidOffset)
				return
			}
			data = data[off:]
		}
		if _, err := rsp.Write(data); err != nil {
			t.logger.WithFields(logrus.Fields{
				"target": target.String(),
				"error":  err,
			}).Debug("Read response truncated")
		}
	}
}

func (t *Transport) writeHandler(target request.Target, write func([]byte) error) ble.WriteHandlerFunc {
	return func(req ble.Request, rsp ble.ResponseWriter) {
		data := append([]byte(nil), req.Data()...)
		t.push(transport.PeerWrite{Target: target, Data: data})
		if err := write(data); err != nil {
			var att ble.ATTError
			if !errors.As(err, &att) {
				att = ble.ErrUnlikely
			}
			rsp.SetStatus(att)
		}
	}
}
