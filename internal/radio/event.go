package radio

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

// Event is something the radio reports asynchronously. Events for one
// peripheral are delivered in the order they happened.
type Event interface {
	Peripheral() PeripheralID
}

type StateChanged struct {
	State AdapterState
}

type PeripheralDiscovered struct {
	ID   PeripheralID
	Name string
	RSSI int16
}

type Connected struct {
	ID PeripheralID
}

type FailedToConnect struct {
	ID  PeripheralID
	Err error
}

// Disconnected carries a nil Err for a clean, requested disconnect.
type Disconnected struct {
	ID  PeripheralID
	Err error
}

type ServicesDiscovered struct {
	ID       PeripheralID
	Services []bluetooth.UUID
	Err      error
}

type CharacteristicsDiscovered struct {
	ID              PeripheralID
	Service         bluetooth.UUID
	Characteristics []Characteristic
	Err             error
}

// ValueUpdated is delivered for both one-shot reads and notifications.
type ValueUpdated struct {
	ID             PeripheralID
	Characteristic Characteristic
	Value          []byte
	Err            error
}

// NotifyFailed reports a SetNotify request the radio accepted but could
// not carry out.
type NotifyFailed struct {
	ID             PeripheralID
	Characteristic Characteristic
	Err            error
}

// StateChanged is adapter-wide and has no peripheral.
func (e StateChanged) Peripheral() PeripheralID              { return "" }
func (e PeripheralDiscovered) Peripheral() PeripheralID      { return e.ID }
func (e Connected) Peripheral() PeripheralID                 { return e.ID }
func (e FailedToConnect) Peripheral() PeripheralID           { return e.ID }
func (e Disconnected) Peripheral() PeripheralID              { return e.ID }
func (e ServicesDiscovered) Peripheral() PeripheralID        { return e.ID }
func (e CharacteristicsDiscovered) Peripheral() PeripheralID { return e.ID }
func (e ValueUpdated) Peripheral() PeripheralID              { return e.ID }
func (e NotifyFailed) Peripheral() PeripheralID              { return e.ID }

// Describe renders an event for log output.
func Describe(ev Event) string {
	switch e := ev.(type) {
	case StateChanged:
		return fmt.Sprintf("state changed to %s", e.State)
	case PeripheralDiscovered:
		return fmt.Sprintf("discovered %s %q [RSSI: %d]", e.ID, e.Name, e.RSSI)
	case Connected:
		return fmt.Sprintf("connected %s", e.ID)
	case FailedToConnect:
		return fmt.Sprintf("failed to connect %s: %v", e.ID, e.Err)
	case Disconnected:
		return fmt.Sprintf("disconnected %s (err: %v)", e.ID, e.Err)
	case ServicesDiscovered:
		return fmt.Sprintf("%s services %v (err: %v)", e.ID, e.Services, e.Err)
	case CharacteristicsDiscovered:
		return fmt.Sprintf("%s service %s has %d characteristics (err: %v)", e.ID, e.Service, len(e.Characteristics), e.Err)
	case ValueUpdated:
		return fmt.Sprintf("%s value %s = %v (err: %v)", e.ID, e.Characteristic.UUID, e.Value, e.Err)
	case NotifyFailed:
		return fmt.Sprintf("%s notify on %s failed: %v", e.ID, e.Characteristic.UUID, e.Err)
	default:
		return fmt.Sprintf("%T", ev)
	}
}
