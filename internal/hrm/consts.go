package hrm

import (
	"time"

	"tinygo.org/x/bluetooth"
)

// Bluetooth SIG assigned numbers for the services and characteristics a heart
// rate monitor exposes.
var (
	// Heart Rate Service
	ServiceUUIDHeartRate          = bluetooth.New16BitUUID(0x180D)
	CharUUIDHeartRateMeasurement  = bluetooth.New16BitUUID(0x2A37)
	CharUUIDBodySensorLocation    = bluetooth.New16BitUUID(0x2A38)
	CharUUIDHeartRateControlPoint = bluetooth.New16BitUUID(0x2A39)

	// Device Information Service
	ServiceUUIDDeviceInformation = bluetooth.New16BitUUID(0x180A)
	CharUUIDManufacturerName     = bluetooth.New16BitUUID(0x2A29)

	// Generic Access Profile
	ServiceUUIDGenericAccess = bluetooth.New16BitUUID(0x1800)
	CharUUIDDeviceName       = bluetooth.New16BitUUID(0x2A00)
)

// negotiatedServices are the services whose characteristics get discovered
// after connecting. Anything else a monitor offers is ignored.
var negotiatedServices = []bluetooth.UUID{
	ServiceUUIDHeartRate,
	ServiceUUIDDeviceInformation,
	ServiceUUIDGenericAccess,
}

// controlPointActivate is written to the heart rate control point once per
// connection.
var controlPointActivate = []byte{0x01}

const DefaultOperationTimeout = 15 * time.Second

// SensorLocation is the body sensor location reported by a monitor.
type SensorLocation int

const (
	LocationOther SensorLocation = iota
	LocationChest
	LocationWrist
	LocationFinger
	LocationHand
	LocationEarLobe
	LocationFoot
)

func (l SensorLocation) String() string {
	switch l {
	case LocationOther:
		return "Other"
	case LocationChest:
		return "Chest"
	case LocationWrist:
		return "Wrist"
	case LocationFinger:
		return "Finger"
	case LocationHand:
		return "Hand"
	case LocationEarLobe:
		return "EarLobe"
	case LocationFoot:
		return "Foot"
	default:
		return "Reserved"
	}
}

// SessionState is where a session is in its connection lifecycle.
type SessionState int

const (
	Idle SessionState = iota
	Connecting
	DiscoveringServices
	DiscoveringCharacteristics
	Ready
	Disconnected
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case DiscoveringServices:
		return "DiscoveringServices"
	case DiscoveringCharacteristics:
		return "DiscoveringCharacteristics"
	case Ready:
		return "Ready"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// active reports whether the session holds (or is acquiring) the radio link.
func (s SessionState) active() bool {
	return s != Idle && s != Disconnected
}
