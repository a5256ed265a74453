package connection

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesched/pkg/request"
)

// Nordic UART Service, the de facto BLE serial port.
const SerialServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"

var (
	// SerialTX is the TX characteristic (device -> client).
	SerialTX = request.Characteristic(SerialServiceUUID, "6E400003-B5A3-F393-E0A9-E50E24DCCA9E")
	// SerialRX is the RX characteristic (client -> device).
	SerialRX = request.Characteristic(SerialServiceUUID, "6E400002-B5A3-F393-E0A9-E50E24DCCA9E")
)

// Serial is a byte-stream view of a device exposing the Nordic UART Service.
// Writes go through the scheduler like any other request, split to the negotiated MTU.
type Serial struct {
	m      *Manager
	logger *logrus.Logger
	tx     request.Target
	rx     request.Target
}

// NewSerial creates a serial channel over the default NUS characteristics.
func NewSerial(m *Manager) *Serial {
	return &Serial{m: m, logger: m.logger, tx: SerialTX, rx: SerialRX}
}

// Open subscribes to TX notifications and hands every received chunk to onData.
// onData runs on the executor goroutine.
func (s *Serial) Open(ctx context.Context, onData func([]byte)) error {
	s.m.SetListener(s.tx, func(n Notification) {
		s.logger.WithField("bytes", len(n.Data)).Debug("Received data from device")
		onData(n.Data)
	})
	if _, err := s.m.Await(ctx, request.NewEnableNotifications(s.tx)); err != nil {
		s.m.RemoveListener(s.tx)
		return fmt.Errorf("failed to subscribe to TX characteristic: %w", err)
	}
	s.logger.Info("BLE serial connection established successfully")
	return nil
}

// Write sends data to the RX characteristic.
func (s *Serial) Write(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	r := request.NewWrite(s.rx, data, request.WriteWithResponse).WithSplit()
	if _, err := s.m.Await(ctx, r); err != nil {
		return fmt.Errorf("failed to write to RX characteristic: %w", err)
	}
	s.logger.WithField("bytes", len(data)).Debug("Wrote data to device")
	return nil
}

// Close unsubscribes from TX. The link itself stays up.
func (s *Serial) Close(ctx context.Context) error {
	s.m.RemoveListener(s.tx)
	if _, err := s.m.Await(ctx, request.NewDisableNotifications(s.tx)); err != nil {
		return fmt.Errorf("failed to unsubscribe from TX characteristic: %w", err)
	}
	return nil
}
