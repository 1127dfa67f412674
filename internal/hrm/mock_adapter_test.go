package hrm

import (
	"io"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/hrmonitor/internal/radio"
)

// adapterCall records one request made to mockAdapter.
type adapterCall struct {
	op      string
	id      radio.PeripheralID
	service bluetooth.UUID
	char    radio.Characteristic
	filter  []bluetooth.UUID
	data    []byte
	ack     bool
	enabled bool
}

// mockAdapter records requests and never produces events on its own; tests
// feed events through Coordinator.HandleEvent or Push.
type mockAdapter struct {
	mu     sync.Mutex
	state  radio.AdapterState
	events chan radio.Event
	calls  []adapterCall

	scanErr       error
	connectErr    error
	disconnectErr error
	notifyErr     error

	// onSetNotify runs inside SetNotify, before it returns.
	onSetNotify func()
}

var _ radio.Adapter = (*mockAdapter)(nil)

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		state:  radio.StatePoweredOn,
		events: make(chan radio.Event, 64),
	}
}

func (m *mockAdapter) record(c adapterCall) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

func (m *mockAdapter) Push(ev radio.Event) {
	m.events <- ev
}

// Calls returns the recorded requests with the given op.
func (m *mockAdapter) Calls(op string) []adapterCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []adapterCall
	for _, c := range m.calls {
		if c.op == op {
			result = append(result, c)
		}
	}
	return result
}

func (m *mockAdapter) Events() <-chan radio.Event { return m.events }

func (m *mockAdapter) State() radio.AdapterState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockAdapter) Scan(filter []bluetooth.UUID) error {
	m.record(adapterCall{op: "scan", filter: filter})
	return m.scanErr
}

func (m *mockAdapter) StopScan() error {
	m.record(adapterCall{op: "stopScan"})
	return nil
}

func (m *mockAdapter) Connect(id radio.PeripheralID) error {
	m.record(adapterCall{op: "connect", id: id})
	return m.connectErr
}

func (m *mockAdapter) Disconnect(id radio.PeripheralID) error {
	m.record(adapterCall{op: "disconnect", id: id})
	return m.disconnectErr
}

func (m *mockAdapter) DiscoverServices(id radio.PeripheralID, filter []bluetooth.UUID) error {
	m.record(adapterCall{op: "discoverServices", id: id, filter: filter})
	return nil
}

func (m *mockAdapter) DiscoverCharacteristics(id radio.PeripheralID, service bluetooth.UUID, filter []bluetooth.UUID) error {
	m.record(adapterCall{op: "discoverCharacteristics", id: id, service: service, filter: filter})
	return nil
}

func (m *mockAdapter) ReadValue(id radio.PeripheralID, char radio.Characteristic) error {
	m.record(adapterCall{op: "read", id: id, char: char})
	return nil
}

func (m *mockAdapter) WriteValue(id radio.PeripheralID, char radio.Characteristic, data []byte, ackRequired bool) error {
	m.record(adapterCall{op: "write", id: id, char: char, data: data, ack: ackRequired})
	return nil
}

func (m *mockAdapter) SetNotify(id radio.PeripheralID, char radio.Characteristic, enabled bool) error {
	m.record(adapterCall{op: "setNotify", id: id, char: char, enabled: enabled})
	m.mu.Lock()
	hook := m.onSetNotify
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return m.notifyErr
}

func (m *mockAdapter) Close() error { return nil }

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestCoordinator(t *testing.T, opts Options) (*Coordinator, *mockAdapter) {
	t.Helper()
	adapter := newMockAdapter()
	return NewCoordinator(adapter, testLogger(), opts), adapter
}

// discover reports a peripheral and returns its session.
func discover(t *testing.T, c *Coordinator, id radio.PeripheralID, name string) *Session {
	t.Helper()
	c.HandleEvent(radio.PeripheralDiscovered{ID: id, Name: name, RSSI: -55})
	s, ok := c.Session(id)
	require.True(t, ok)
	return s
}

func hrChar(uuid bluetooth.UUID) radio.Characteristic {
	return radio.Characteristic{Service: ServiceUUIDHeartRate, UUID: uuid}
}

// deliverStandardCharacteristics reports the characteristics of a typical monitor.
func deliverStandardCharacteristics(c *Coordinator, id radio.PeripheralID) {
	c.HandleEvent(radio.CharacteristicsDiscovered{ID: id, Service: ServiceUUIDHeartRate, Characteristics: []radio.Characteristic{
		hrChar(CharUUIDHeartRateMeasurement),
		hrChar(CharUUIDBodySensorLocation),
		hrChar(CharUUIDHeartRateControlPoint),
	}})
	c.HandleEvent(radio.CharacteristicsDiscovered{ID: id, Service: ServiceUUIDDeviceInformation, Characteristics: []radio.Characteristic{
		{Service: ServiceUUIDDeviceInformation, UUID: CharUUIDManufacturerName},
	}})
	c.HandleEvent(radio.CharacteristicsDiscovered{ID: id, Service: ServiceUUIDGenericAccess, Characteristics: []radio.Characteristic{
		{Service: ServiceUUIDGenericAccess, UUID: CharUUIDDeviceName},
	}})
}

// negotiate drives a connecting session to Ready.
func negotiate(t *testing.T, c *Coordinator, id radio.PeripheralID) {
	t.Helper()
	c.HandleEvent(radio.Connected{ID: id})
	c.HandleEvent(radio.ServicesDiscovered{ID: id, Services: []bluetooth.UUID{
		ServiceUUIDGenericAccess,
		ServiceUUIDDeviceInformation,
		ServiceUUIDHeartRate,
	}})
	deliverStandardCharacteristics(c, id)
	s, ok := c.Session(id)
	require.True(t, ok)
	require.Equal(t, Ready, s.State())
}

// callbackRecorder collects session callbacks.
type callbackRecorder struct {
	mu           sync.Mutex
	properties   int
	disconnects  []error
	heartRates   []uint
	onProperties func()
	onDisconnect func(error)
	onHeartRate  func(uint)
}

func newCallbackRecorder() *callbackRecorder {
	r := &callbackRecorder{}
	r.onProperties = func() {
		r.mu.Lock()
		r.properties++
		r.mu.Unlock()
	}
	r.onDisconnect = func(err error) {
		r.mu.Lock()
		r.disconnects = append(r.disconnects, err)
		r.mu.Unlock()
	}
	r.onHeartRate = func(bpm uint) {
		r.mu.Lock()
		r.heartRates = append(r.heartRates, bpm)
		r.mu.Unlock()
	}
	return r
}

func (r *callbackRecorder) connect(s *Session) {
	s.WatchHeartRate(r.onHeartRate)
	s.Connect(r.onProperties, r.onDisconnect)
}

func (r *callbackRecorder) Properties() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.properties
}

func (r *callbackRecorder) Disconnects() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.disconnects...)
}

func (r *callbackRecorder) HeartRates() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.heartRates...)
}
