package hrm

type SessionEventKind int

const (
	EventStateChanged SessionEventKind = iota
	EventNameUpdated
	EventManufacturerUpdated
	EventLocationUpdated
	EventHeartRate
	EventDisconnected
)

func (k SessionEventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventNameUpdated:
		return "name_updated"
	case EventManufacturerUpdated:
		return "manufacturer_updated"
	case EventLocationUpdated:
		return "location_updated"
	case EventHeartRate:
		return "heart_rate"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// SessionEvent is delivered to Session.Listen subscribers. Only the fields
// relevant to Kind are set.
type SessionEvent struct {
	Kind        SessionEventKind
	Session     *Session
	State       SessionState         // EventStateChanged, EventDisconnected
	Measurement HeartRateMeasurement // EventHeartRate
	Err         error                // EventDisconnected
}
