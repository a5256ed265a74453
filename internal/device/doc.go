// Package device holds the transport-neutral pieces shared by BLE backends: the
// connection and lookup errors backends report, and UUID normalisation.
//
// NormalizeError maps the error strings platform stacks produce onto the
// ConnectionError sentinels, so callers can test for them with errors.Is:
//
//	if errors.Is(device.NormalizeError(err), device.ErrBluetoothOff) {
//		// radio is off
//	}
package device
