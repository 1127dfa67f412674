package feed

type MessageType string

const (
	MsgSnapshot     MessageType = "snapshot"
	MsgAdapterState MessageType = "adapter_state"
	MsgDiscovered   MessageType = "discovered"
	MsgProperties   MessageType = "properties"
	MsgSessionState MessageType = "session_state"
	MsgHeartRate    MessageType = "heart_rate"
	MsgDisconnected MessageType = "disconnected"
)

type Message struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type AdapterStatePayload struct {
	State       string `json:"state"`
	Description string `json:"description"`
}

// DevicePayload describes one monitor. Optional attributes are omitted
// until the monitor reported them.
type DevicePayload struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Location     string `json:"location,omitempty"`
	RSSI         int16  `json:"rssi"`
	State        string `json:"state"`
}

type SnapshotPayload struct {
	AdapterState string          `json:"adapterState"`
	Devices      []DevicePayload `json:"devices"`
}

type HeartRatePayload struct {
	ID               string    `json:"id"`
	BPM              uint16    `json:"bpm"`
	ContactSupported bool      `json:"contactSupported"`
	ContactDetected  bool      `json:"contactDetected"`
	Energy           *uint16   `json:"energyKJ,omitempty"`
	RRMillis         []float64 `json:"rrMs,omitempty"`
}

type DisconnectedPayload struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}
