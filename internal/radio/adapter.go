// Package radio defines the boundary to the platform BLE stack. Every radio
// operation is a request; its outcome arrives later as an Event on the
// adapter's single event channel.
package radio

import (
	"errors"

	"tinygo.org/x/bluetooth"
)

var (
	ErrUnknownPeripheral     = errors.New("unknown peripheral")
	ErrNotConnected          = errors.New("peripheral not connected")
	ErrUnknownCharacteristic = errors.New("unknown characteristic")
	ErrAdapterClosed         = errors.New("adapter closed")
)

// PeripheralID is the opaque identity the adapter assigns to a discovered
// peripheral. It is stable for the lifetime of one discovery.
type PeripheralID string

// Characteristic is a handle to a discovered GATT characteristic.
type Characteristic struct {
	Service bluetooth.UUID
	UUID    bluetooth.UUID
}

// AdapterState reflects the readiness of the radio.
type AdapterState int

const (
	StateUnknown AdapterState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateResetting:
		return "Resetting"
	case StateUnsupported:
		return "Unsupported"
	case StateUnauthorized:
		return "Unauthorized"
	case StatePoweredOff:
		return "PoweredOff"
	case StatePoweredOn:
		return "PoweredOn"
	default:
		return "Unknown"
	}
}

// Ready reports whether the radio can scan and connect.
func (s AdapterState) Ready() bool {
	return s == StatePoweredOn
}

// Describe returns a human readable explanation of the state.
func (s AdapterState) Describe() string {
	switch s {
	case StateUnsupported:
		return "The platform/hardware doesn't support Bluetooth Low Energy."
	case StateUnauthorized:
		return "The app is not authorized to use Bluetooth Low Energy."
	case StatePoweredOff:
		return "Bluetooth is currently powered off."
	case StateResetting:
		return "Bluetooth is resetting."
	case StatePoweredOn:
		return "Bluetooth is powered on and ready."
	default:
		return "Bluetooth state is unknown."
	}
}

// Adapter wraps a single BLE radio. Request methods return an error only
// when the request is rejected outright; otherwise the result is delivered
// as an Event.
type Adapter interface {
	Events() <-chan Event
	State() AdapterState
	Scan(serviceFilter []bluetooth.UUID) error
	StopScan() error
	Connect(id PeripheralID) error
	Disconnect(id PeripheralID) error
	DiscoverServices(id PeripheralID, filter []bluetooth.UUID) error
	DiscoverCharacteristics(id PeripheralID, service bluetooth.UUID, filter []bluetooth.UUID) error
	ReadValue(id PeripheralID, char Characteristic) error
	WriteValue(id PeripheralID, char Characteristic, data []byte, ackRequired bool) error
	SetNotify(id PeripheralID, char Characteristic, enabled bool) error
	Close() error
}
