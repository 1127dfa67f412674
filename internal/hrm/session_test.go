package hrm

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/hrmonitor/internal/radio"
)

const testID radio.PeripheralID = "AA:BB:CC:DD:EE:01"

func TestSession_EndToEndHeartRate(t *testing.T) {
	c, adapter := newTestCoordinator(t, Options{})
	c.HandleEvent(radio.StateChanged{State: radio.StatePoweredOn})

	var watched []*Session
	var watchedStates []radio.AdapterState
	require.NoError(t, c.StartWatching(func(s *Session, state radio.AdapterState) {
		watched = append(watched, s)
		watchedStates = append(watchedStates, state)
	}))
	scans := adapter.Calls("scan")
	require.Len(t, scans, 1)
	assert.Equal(t, []bluetooth.UUID{ServiceUUIDHeartRate}, scans[0].filter)

	c.HandleEvent(radio.PeripheralDiscovered{ID: testID, Name: "HRM-1", RSSI: -60})
	require.Len(t, watched, 1)
	name, ok := watched[0].Name()
	assert.True(t, ok)
	assert.Equal(t, "HRM-1", name)
	assert.Equal(t, radio.StatePoweredOn, watchedStates[0])
	assert.Equal(t, radio.StatePoweredOn, watched[0].ConnectionState())

	rec := newCallbackRecorder()
	rec.connect(watched[0])
	assert.Equal(t, Connecting, watched[0].State())
	require.Len(t, adapter.Calls("connect"), 1)

	c.HandleEvent(radio.Connected{ID: testID})
	assert.Equal(t, DiscoveringServices, watched[0].State())
	discoveries := adapter.Calls("discoverServices")
	require.Len(t, discoveries, 1)
	assert.Nil(t, discoveries[0].filter, "full service discovery")

	c.HandleEvent(radio.ServicesDiscovered{ID: testID, Services: []bluetooth.UUID{ServiceUUIDHeartRate}})
	assert.Equal(t, DiscoveringCharacteristics, watched[0].State())

	c.HandleEvent(radio.CharacteristicsDiscovered{ID: testID, Service: ServiceUUIDHeartRate, Characteristics: []radio.Characteristic{
		hrChar(CharUUIDHeartRateMeasurement),
	}})
	assert.Equal(t, Ready, watched[0].State())

	c.HandleEvent(radio.ValueUpdated{ID: testID, Characteristic: hrChar(CharUUIDHeartRateMeasurement), Value: []byte{0x00, 0x4B}})
	assert.Equal(t, []uint{75}, rec.HeartRates())
	assert.Equal(t, 1, rec.Properties())
	assert.Empty(t, rec.Disconnects())
}

func TestSession_NegotiationRequests(t *testing.T) {
	c, adapter := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")
	newCallbackRecorder().connect(s)

	c.HandleEvent(radio.Connected{ID: testID})
	battery := bluetooth.New16BitUUID(0x180F)
	c.HandleEvent(radio.ServicesDiscovered{ID: testID, Services: []bluetooth.UUID{
		ServiceUUIDGenericAccess, battery, ServiceUUIDDeviceInformation, ServiceUUIDHeartRate,
	}})

	charDiscoveries := adapter.Calls("discoverCharacteristics")
	require.Len(t, charDiscoveries, 3, "services outside the negotiated set are ignored")
	assert.Equal(t, ServiceUUIDGenericAccess, charDiscoveries[0].service)
	assert.Equal(t, ServiceUUIDDeviceInformation, charDiscoveries[1].service)
	assert.Equal(t, ServiceUUIDHeartRate, charDiscoveries[2].service)
	for _, call := range charDiscoveries {
		assert.Nil(t, call.filter)
	}

	deliverStandardCharacteristics(c, testID)
	assert.Equal(t, Ready, s.State())

	notifies := adapter.Calls("setNotify")
	require.Len(t, notifies, 1)
	assert.Equal(t, CharUUIDHeartRateMeasurement, notifies[0].char.UUID)
	assert.True(t, notifies[0].enabled)

	writes := adapter.Calls("write")
	require.Len(t, writes, 1)
	assert.Equal(t, CharUUIDHeartRateControlPoint, writes[0].char.UUID)
	assert.Equal(t, []byte{0x01}, writes[0].data)
	assert.True(t, writes[0].ack)

	var read []bluetooth.UUID
	for _, call := range adapter.Calls("read") {
		read = append(read, call.char.UUID)
	}
	assert.ElementsMatch(t, []bluetooth.UUID{CharUUIDBodySensorLocation, CharUUIDManufacturerName, CharUUIDDeviceName}, read)

	for _, uuid := range []bluetooth.UUID{CharUUIDHeartRateMeasurement, CharUUIDBodySensorLocation,
		CharUUIDHeartRateControlPoint, CharUUIDManufacturerName, CharUUIDDeviceName} {
		assert.True(t, s.HasCharacteristic(uuid), "handle for %v", uuid)
	}
}

func TestSession_HandlesAreWriteOnce(t *testing.T) {
	c, adapter := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")
	newCallbackRecorder().connect(s)
	negotiate(t, c, testID)

	// A repeated report must not subscribe or write again.
	c.HandleEvent(radio.CharacteristicsDiscovered{ID: testID, Service: ServiceUUIDHeartRate, Characteristics: []radio.Characteristic{
		hrChar(CharUUIDHeartRateMeasurement),
		hrChar(CharUUIDHeartRateControlPoint),
	}})
	assert.Len(t, adapter.Calls("setNotify"), 1)
	assert.Len(t, adapter.Calls("write"), 1)
	assert.Equal(t, Ready, s.State())
}

func TestSession_AttributeUpdates(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "Advertised")
	rec := newCallbackRecorder()
	rec.connect(s)
	negotiate(t, c, testID)

	c.HandleEvent(radio.ValueUpdated{ID: testID, Characteristic: hrChar(CharUUIDBodySensorLocation), Value: []byte{0x01}})
	loc, ok := s.Location()
	assert.True(t, ok)
	assert.Equal(t, LocationChest, loc)

	c.HandleEvent(radio.ValueUpdated{
		ID:             testID,
		Characteristic: radio.Characteristic{Service: ServiceUUIDGenericAccess, UUID: CharUUIDDeviceName},
		Value:          []byte("Polar H10\x00"),
	})
	name, ok := s.Name()
	assert.True(t, ok)
	assert.Equal(t, "Polar H10", name, "GAP device name overwrites the advertised name")

	c.HandleEvent(radio.ValueUpdated{
		ID:             testID,
		Characteristic: radio.Characteristic{Service: ServiceUUIDDeviceInformation, UUID: CharUUIDManufacturerName},
		Value:          []byte("Polar Electro Oy"),
	})
	manufacturer, ok := s.ManufacturerName()
	assert.True(t, ok)
	assert.Equal(t, "Polar Electro Oy", manufacturer)

	assert.Equal(t, 3, rec.Properties())
	assert.Equal(t, "Name: Polar H10, Sensor Location: Chest, Connection State: PoweredOn, Manufacturer Name: Polar Electro Oy", s.String())

	// Reserved location and invalid UTF-8 degrade to no value.
	c.HandleEvent(radio.ValueUpdated{ID: testID, Characteristic: hrChar(CharUUIDBodySensorLocation), Value: []byte{0x09}})
	_, ok = s.Location()
	assert.False(t, ok)
	c.HandleEvent(radio.ValueUpdated{
		ID:             testID,
		Characteristic: radio.Characteristic{Service: ServiceUUIDDeviceInformation, UUID: CharUUIDManufacturerName},
		Value:          []byte{0xff, 0xfe},
	})
	_, ok = s.ManufacturerName()
	assert.False(t, ok)
	assert.Equal(t, 5, rec.Properties())
	assert.Equal(t, Ready, s.State())
}

func TestSession_PropertiesFireForEveryValueUpdate(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)
	negotiate(t, c, testID)

	measurement := hrChar(CharUUIDHeartRateMeasurement)
	c.HandleEvent(radio.ValueUpdated{ID: testID, Characteristic: measurement, Value: []byte{0x00}})
	c.HandleEvent(radio.ValueUpdated{ID: testID, Characteristic: measurement, Value: nil})
	c.HandleEvent(radio.ValueUpdated{ID: testID, Characteristic: measurement, Err: errors.New("read failed")})
	c.HandleEvent(radio.ValueUpdated{ID: testID, Characteristic: hrChar(bluetooth.New16BitUUID(0x2A99)), Value: []byte{0x01}})

	assert.Equal(t, 4, rec.Properties())
	assert.Empty(t, rec.HeartRates(), "malformed payloads produce no sample")
	assert.Equal(t, Ready, s.State(), "codec failures never end the session")
}

func TestSession_SixteenBitHeartRate(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)
	negotiate(t, c, testID)

	c.HandleEvent(radio.ValueUpdated{ID: testID, Characteristic: hrChar(CharUUIDHeartRateMeasurement), Value: []byte{0x01, 0x2C, 0x01}})
	assert.Equal(t, []uint{300}, rec.HeartRates())
}

func TestSession_WatchHeartRateReplacesCallback(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)
	negotiate(t, c, testID)

	var second []uint
	s.WatchHeartRate(func(bpm uint) { second = append(second, bpm) })
	c.HandleEvent(radio.ValueUpdated{ID: testID, Characteristic: hrChar(CharUUIDHeartRateMeasurement), Value: []byte{0x00, 0x50}})

	assert.Empty(t, rec.HeartRates())
	assert.Equal(t, []uint{80}, second)
}

func TestSession_DisconnectClearsHandlesAndReconnects(t *testing.T) {
	c, adapter := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)
	negotiate(t, c, testID)
	c.HandleEvent(radio.ValueUpdated{ID: testID, Characteristic: hrChar(CharUUIDBodySensorLocation), Value: []byte{0x02}})

	s.Disconnect()
	require.Len(t, adapter.Calls("disconnect"), 1)
	assert.True(t, s.HasCharacteristic(CharUUIDHeartRateMeasurement), "handles survive until the radio confirms")

	c.HandleEvent(radio.Disconnected{ID: testID})
	assert.Equal(t, Disconnected, s.State())
	assert.False(t, s.HasCharacteristic(CharUUIDHeartRateMeasurement))
	assert.Equal(t, []error{nil}, rec.Disconnects())

	// Decoded attributes stay queryable.
	loc, ok := s.Location()
	assert.True(t, ok)
	assert.Equal(t, LocationWrist, loc)

	// Late events for a disconnected session are dropped.
	c.HandleEvent(radio.ValueUpdated{ID: testID, Characteristic: hrChar(CharUUIDHeartRateMeasurement), Value: []byte{0x00, 0x40}})
	assert.Empty(t, rec.HeartRates())

	rec.connect(s)
	assert.Equal(t, Connecting, s.State())
	negotiate(t, c, testID)
	assert.True(t, s.HasCharacteristic(CharUUIDHeartRateMeasurement))
	assert.Len(t, adapter.Calls("setNotify"), 2)
	assert.Len(t, adapter.Calls("write"), 2)
}

func TestSession_DisconnectedExactlyOnce(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)
	negotiate(t, c, testID)

	c.HandleEvent(radio.Disconnected{ID: testID, Err: radio.ErrLinkLost})
	c.HandleEvent(radio.Disconnected{ID: testID, Err: radio.ErrLinkLost})

	disconnects := rec.Disconnects()
	require.Len(t, disconnects, 1)
	assert.ErrorIs(t, disconnects[0], radio.ErrLinkLost)
}

func TestSession_DisconnectFromEveryActiveState(t *testing.T) {
	steps := map[SessionState]func(c *Coordinator){
		Connecting: func(c *Coordinator) {},
		DiscoveringServices: func(c *Coordinator) {
			c.HandleEvent(radio.Connected{ID: testID})
		},
		DiscoveringCharacteristics: func(c *Coordinator) {
			c.HandleEvent(radio.Connected{ID: testID})
			c.HandleEvent(radio.ServicesDiscovered{ID: testID, Services: []bluetooth.UUID{ServiceUUIDHeartRate}})
		},
	}

	for state, advance := range steps {
		t.Run(state.String(), func(t *testing.T) {
			c, _ := newTestCoordinator(t, Options{})
			s := discover(t, c, testID, "HRM-1")
			rec := newCallbackRecorder()
			rec.connect(s)
			advance(c)
			require.Equal(t, state, s.State())

			c.HandleEvent(radio.Disconnected{ID: testID, Err: radio.ErrLinkLost})
			assert.Equal(t, Disconnected, s.State())
			assert.Len(t, rec.Disconnects(), 1)
		})
	}
}

func TestSession_FailedToConnect(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)

	refused := errors.New("connection refused")
	c.HandleEvent(radio.FailedToConnect{ID: testID, Err: refused})

	assert.Equal(t, Disconnected, s.State())
	disconnects := rec.Disconnects()
	require.Len(t, disconnects, 1)
	assert.ErrorIs(t, disconnects[0], refused)
}

func TestSession_ConnectRejectedByAdapter(t *testing.T) {
	c, adapter := newTestCoordinator(t, Options{})
	adapter.connectErr = radio.ErrAdapterClosed
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)

	assert.Equal(t, Disconnected, s.State())
	disconnects := rec.Disconnects()
	require.Len(t, disconnects, 1)
	assert.ErrorIs(t, disconnects[0], radio.ErrAdapterClosed)
}

func TestSession_SubscribeRejected(t *testing.T) {
	c, adapter := newTestCoordinator(t, Options{})
	adapter.notifyErr = radio.ErrNotConnected
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)
	c.HandleEvent(radio.Connected{ID: testID})
	c.HandleEvent(radio.ServicesDiscovered{ID: testID, Services: []bluetooth.UUID{ServiceUUIDHeartRate}})
	c.HandleEvent(radio.CharacteristicsDiscovered{ID: testID, Service: ServiceUUIDHeartRate, Characteristics: []radio.Characteristic{
		hrChar(CharUUIDHeartRateMeasurement),
	}})

	assert.Equal(t, Disconnected, s.State())
	disconnects := rec.Disconnects()
	require.Len(t, disconnects, 1)
	assert.ErrorIs(t, disconnects[0], radio.ErrNotConnected)
}

func TestSession_NotifyFailedAfterReady(t *testing.T) {
	c, adapter := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)
	negotiate(t, c, testID)

	notifyErr := errors.New("att error 0x03")
	c.HandleEvent(radio.NotifyFailed{ID: testID, Characteristic: hrChar(CharUUIDBodySensorLocation), Err: notifyErr})
	assert.Equal(t, Ready, s.State(), "only the heart rate subscription matters")

	c.HandleEvent(radio.NotifyFailed{ID: testID, Characteristic: hrChar(CharUUIDHeartRateMeasurement), Err: notifyErr})
	assert.Equal(t, Disconnected, s.State())
	disconnects := rec.Disconnects()
	require.Len(t, disconnects, 1)
	assert.ErrorIs(t, disconnects[0], notifyErr)
	assert.Len(t, adapter.Calls("disconnect"), 1, "the link is released")

	c.HandleEvent(radio.NotifyFailed{ID: testID, Characteristic: hrChar(CharUUIDHeartRateMeasurement), Err: notifyErr})
	assert.Len(t, rec.Disconnects(), 1)
}

func TestSession_DisconnectWhenIdleIsNoop(t *testing.T) {
	c, adapter := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")

	s.Disconnect()
	assert.Empty(t, adapter.Calls("disconnect"))
	assert.Equal(t, Idle, s.State())
}

func TestSession_DisconnectBeforeLinkIsUp(t *testing.T) {
	c, adapter := newTestCoordinator(t, Options{})
	adapter.disconnectErr = radio.ErrNotConnected
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)

	s.Disconnect()
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, []error{nil}, rec.Disconnects())

	// The connect completes after all; the link is handed back.
	adapter.disconnectErr = nil
	c.HandleEvent(radio.Connected{ID: testID})
	assert.Equal(t, Disconnected, s.State())
	assert.Len(t, adapter.Calls("disconnect"), 2)
	assert.Empty(t, adapter.Calls("discoverServices"))
}

func TestSession_ServiceNotFound(t *testing.T) {
	c, adapter := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)
	c.HandleEvent(radio.Connected{ID: testID})
	c.HandleEvent(radio.ServicesDiscovered{ID: testID, Services: []bluetooth.UUID{bluetooth.New16BitUUID(0x180F)}})

	assert.Equal(t, Disconnected, s.State())
	disconnects := rec.Disconnects()
	require.Len(t, disconnects, 1)
	assert.ErrorIs(t, disconnects[0], ErrServiceNotFound)
	assert.Len(t, adapter.Calls("disconnect"), 1, "link released")
}

func TestSession_ServiceDiscoveryError(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)
	c.HandleEvent(radio.Connected{ID: testID})

	gattErr := errors.New("gatt error")
	c.HandleEvent(radio.ServicesDiscovered{ID: testID, Err: gattErr})

	disconnects := rec.Disconnects()
	require.Len(t, disconnects, 1)
	assert.ErrorIs(t, disconnects[0], gattErr)
}

func TestSession_HeartRateMeasurementNotFound(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)
	c.HandleEvent(radio.Connected{ID: testID})
	c.HandleEvent(radio.ServicesDiscovered{ID: testID, Services: []bluetooth.UUID{
		ServiceUUIDHeartRate, ServiceUUIDDeviceInformation,
	}})

	c.HandleEvent(radio.CharacteristicsDiscovered{ID: testID, Service: ServiceUUIDHeartRate, Characteristics: []radio.Characteristic{
		hrChar(CharUUIDBodySensorLocation),
	}})
	assert.Equal(t, DiscoveringCharacteristics, s.State(), "waits for every requested service")
	assert.Empty(t, rec.Disconnects())

	c.HandleEvent(radio.CharacteristicsDiscovered{ID: testID, Service: ServiceUUIDDeviceInformation, Err: errors.New("gatt error")})
	assert.Equal(t, Disconnected, s.State())
	disconnects := rec.Disconnects()
	require.Len(t, disconnects, 1)
	assert.ErrorIs(t, disconnects[0], ErrHeartRateMeasurementNotFound)
}

func TestSession_OperationTimeout(t *testing.T) {
	c, adapter := newTestCoordinator(t, Options{OperationTimeout: 20 * time.Millisecond})
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)

	require.Eventually(t, func() bool {
		return len(rec.Disconnects()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, rec.Disconnects()[0], ErrOperationTimeout)
	assert.Equal(t, Disconnected, s.State())
	assert.Len(t, adapter.Calls("disconnect"), 1)

	// Nothing else fires later.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.Disconnects(), 1)
}

func TestSession_TimeoutStopsOnceReady(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{OperationTimeout: 30 * time.Millisecond})
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)
	negotiate(t, c, testID)

	time.Sleep(90 * time.Millisecond)
	assert.Equal(t, Ready, s.State())
	assert.Empty(t, rec.Disconnects())
}

func TestSession_ConnectWhileConnectedRestarts(t *testing.T) {
	c, adapter := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)
	negotiate(t, c, testID)

	rec.connect(s)
	assert.Equal(t, Connecting, s.State())
	assert.False(t, s.HasCharacteristic(CharUUIDHeartRateMeasurement))
	assert.Empty(t, adapter.Calls("disconnect"), "restart does not disconnect first")
	assert.Len(t, adapter.Calls("connect"), 2)

	negotiate(t, c, testID)
	assert.Empty(t, rec.Disconnects())
}

func TestSession_RestartDuringSubscribeDropsStaleResult(t *testing.T) {
	c, adapter := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)
	c.HandleEvent(radio.Connected{ID: testID})
	c.HandleEvent(radio.ServicesDiscovered{ID: testID, Services: []bluetooth.UUID{ServiceUUIDHeartRate}})

	restarted := false
	adapter.onSetNotify = func() {
		if !restarted {
			restarted = true
			rec.connect(s)
		}
	}
	c.HandleEvent(radio.CharacteristicsDiscovered{ID: testID, Service: ServiceUUIDHeartRate, Characteristics: []radio.Characteristic{
		hrChar(CharUUIDHeartRateMeasurement),
		hrChar(CharUUIDBodySensorLocation),
	}})
	require.True(t, restarted)
	assert.Equal(t, Connecting, s.State())
	assert.Empty(t, adapter.Calls("read"), "requests planned by the earlier attempt stop")

	c.HandleEvent(radio.Connected{ID: testID})
	c.HandleEvent(radio.ServicesDiscovered{ID: testID, Services: []bluetooth.UUID{ServiceUUIDGenericAccess, ServiceUUIDHeartRate}})
	c.HandleEvent(radio.CharacteristicsDiscovered{ID: testID, Service: ServiceUUIDGenericAccess, Characteristics: []radio.Characteristic{
		{Service: ServiceUUIDGenericAccess, UUID: CharUUIDDeviceName},
	}})
	assert.Equal(t, DiscoveringCharacteristics, s.State(), "not ready without a heart rate subscription")
	assert.False(t, s.HasCharacteristic(CharUUIDHeartRateMeasurement))

	c.HandleEvent(radio.CharacteristicsDiscovered{ID: testID, Service: ServiceUUIDHeartRate, Characteristics: []radio.Characteristic{
		hrChar(CharUUIDHeartRateMeasurement),
	}})
	assert.Equal(t, Ready, s.State())
	assert.Len(t, adapter.Calls("setNotify"), 2)
	assert.Empty(t, rec.Disconnects())
}

func TestSession_StaleSubscribeFailureKeepsNewAttempt(t *testing.T) {
	c, adapter := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")
	rec := newCallbackRecorder()
	rec.connect(s)
	c.HandleEvent(radio.Connected{ID: testID})
	c.HandleEvent(radio.ServicesDiscovered{ID: testID, Services: []bluetooth.UUID{ServiceUUIDHeartRate}})

	adapter.notifyErr = radio.ErrNotConnected
	adapter.onSetNotify = func() { rec.connect(s) }
	c.HandleEvent(radio.CharacteristicsDiscovered{ID: testID, Service: ServiceUUIDHeartRate, Characteristics: []radio.Characteristic{
		hrChar(CharUUIDHeartRateMeasurement),
	}})

	assert.Equal(t, Connecting, s.State())
	assert.Empty(t, rec.Disconnects())
	assert.Empty(t, adapter.Calls("disconnect"))
}

func TestSession_TypedEvents(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	s := discover(t, c, testID, "HRM-1")

	var mu sync.Mutex
	var kinds []SessionEventKind
	var states []SessionState
	var bpm uint16
	unregister := s.Listen(func(ev SessionEvent) {
		mu.Lock()
		defer mu.Unlock()
		assert.Same(t, s, ev.Session)
		kinds = append(kinds, ev.Kind)
		switch ev.Kind {
		case EventStateChanged:
			states = append(states, ev.State)
		case EventHeartRate:
			bpm = ev.Measurement.BPM
		}
	})

	newCallbackRecorder().connect(s)
	negotiate(t, c, testID)
	c.HandleEvent(radio.ValueUpdated{ID: testID, Characteristic: hrChar(CharUUIDHeartRateMeasurement), Value: []byte{0x16, 0x48, 0x00, 0x04}})
	c.HandleEvent(radio.ValueUpdated{ID: testID, Characteristic: hrChar(CharUUIDBodySensorLocation), Value: []byte{0x01}})
	c.HandleEvent(radio.Disconnected{ID: testID})

	unregister()
	c.HandleEvent(radio.ValueUpdated{ID: testID, Characteristic: hrChar(CharUUIDBodySensorLocation), Value: []byte{0x01}})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []SessionState{Connecting, DiscoveringServices, DiscoveringCharacteristics, Ready, Disconnected}, states)
	assert.Equal(t, uint16(72), bpm)
	assert.Equal(t, []SessionEventKind{
		EventStateChanged, EventStateChanged, EventStateChanged, EventStateChanged,
		EventHeartRate, EventLocationUpdated,
		EventStateChanged, EventDisconnected,
	}, kinds)
}

func TestSession_LoggingEnabled(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{LoggingEnabled: true})
	s := discover(t, c, testID, "HRM-1")
	assert.True(t, s.LoggingEnabled())

	s.SetLoggingEnabled(false)
	assert.False(t, s.LoggingEnabled())
}
