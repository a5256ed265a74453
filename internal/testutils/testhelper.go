//go:build test

package testutils

import (
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

func CreateMockPeripheralDevice() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder()
}

func CreateMockPeripheralDeviceFromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().FromJSON(jsonStrFmt, args...)
}

// CreateHeartRatePeripheral returns a peer exposing the Heart Rate and Battery services
// plus a vendor service with a writable command characteristic.
func CreateHeartRatePeripheral() *PeripheralDeviceBuilder {
	return CreateMockPeripheralDeviceFromJSON(`{
		"services": [
			{
				"uuid": "180D",
				"characteristics": [
					{ "uuid": "2A37", "properties": "read,notify", "value": [80], "descriptors": ["2902"] },
					{ "uuid": "2A39", "properties": "write", "value": [0] }
				]
			},
			{
				"uuid": "180F",
				"characteristics": [
					{ "uuid": "2A19", "properties": "read,notify,indicate", "value": [95] }
				]
			},
			{
				"uuid": "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
				"characteristics": [
					{ "uuid": "6e400002-b5a3-f393-e0a9-e50e24dcca9e", "properties": "write,write-without-response", "value": [] },
					{ "uuid": "6e400003-b5a3-f393-e0a9-e50e24dcca9e", "properties": "notify", "value": [] }
				]
			}
		]
	}`)
}
