package goble

import (
	"context"
	"errors"

	"github.com/go-ble/ble"
	"github.com/srg/blesched/internal/device"
	"github.com/srg/blesched/pkg/transport"
)

// statusOf classifies a go-ble error as a transport status.
//
// ATT error responses keep their protocol code. A dial that ran out of time maps to
// StatusGattError, the transient "peer did not answer" failure the scheduler retries.
func statusOf(err error) transport.Status {
	if err == nil {
		return transport.StatusSuccess
	}
	var att ble.ATTError
	if errors.As(err, &att) {
		if att == ble.ErrSuccess {
			return transport.StatusFailure
		}
		return transport.Status(att)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transport.StatusGattError
	}
	return transport.StatusFailure
}

// failed builds the completion for a failed primitive.
func failed(err error) transport.Completion {
	return transport.Completion{Status: statusOf(err), Err: device.NormalizeError(err)}
}
