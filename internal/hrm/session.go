package hrm

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/hrmonitor/internal/events"
	"github.com/lowaak/hrmonitor/internal/radio"

	"tinygo.org/x/bluetooth"
)

var (
	ErrOperationTimeout             = errors.New("operation timed out")
	ErrServiceNotFound              = errors.New("no heart rate monitor services found")
	ErrHeartRateMeasurementNotFound = errors.New("heart rate measurement characteristic not found")
)

// sessionHost is told when a session starts acquiring the radio link, so
// that only one session holds it at a time.
type sessionHost interface {
	activate(s *Session)
}

// Session is one discovered heart rate monitor. Callers drive it with
// Connect/Disconnect/WatchHeartRate; radio events reach it through the
// Coordinator that created it.
type Session struct {
	id        radio.PeripheralID
	adapter   radio.Adapter
	host      sessionHost
	logger    *log.Logger
	opTimeout time.Duration

	mu              sync.Mutex
	name            string
	hasName         bool
	manufacturer    string
	hasManufacturer bool
	location        SensorLocation
	hasLocation     bool
	rssi            int16
	connectionState radio.AdapterState
	state           SessionState
	loggingEnabled  bool

	// negotiated characteristic handles, cleared on disconnect
	handles         map[bluetooth.UUID]radio.Characteristic
	pendingServices int
	subscribed      bool

	// attempt invalidates timers armed for an earlier phase
	attempt uint64
	timer   *time.Timer

	onPropertiesDiscovered func()
	onDisconnected         func(error)
	onHeartRate            func(bpm uint)

	events *events.CallbackEvent[SessionEvent]
}

type sessionConfig struct {
	id               radio.PeripheralID
	name             string
	rssi             int16
	connectionState  radio.AdapterState
	adapter          radio.Adapter
	host             sessionHost
	logger           *log.Logger
	operationTimeout time.Duration
	loggingEnabled   bool
}

func newSession(cfg sessionConfig) *Session {
	if cfg.adapter == nil {
		panic("Session: adapter cannot be nil")
	}
	if cfg.logger == nil {
		panic("Session: logger cannot be nil")
	}
	return &Session{
		id:              cfg.id,
		adapter:         cfg.adapter,
		host:            cfg.host,
		logger:          cfg.logger,
		opTimeout:       cfg.operationTimeout,
		name:            cfg.name,
		hasName:         cfg.name != "",
		rssi:            cfg.rssi,
		connectionState: cfg.connectionState,
		state:           Idle,
		loggingEnabled:  cfg.loggingEnabled,
		handles:         make(map[bluetooth.UUID]radio.Characteristic),
		events:          events.NewCallbackEvent[SessionEvent](false),
	}
}

func (s *Session) ID() radio.PeripheralID {
	return s.id
}

func (s *Session) Name() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name, s.hasName
}

func (s *Session) ManufacturerName() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manufacturer, s.hasManufacturer
}

func (s *Session) Location() (SensorLocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location, s.hasLocation
}

func (s *Session) RSSI() int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rssi
}

// ConnectionState is the adapter state as last seen by this session.
func (s *Session) ConnectionState() radio.AdapterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionState
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasCharacteristic reports whether uuid was negotiated on the current connection.
func (s *Session) HasCharacteristic(uuid bluetooth.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[uuid]
	return ok
}

func (s *Session) LoggingEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggingEnabled
}

// SetLoggingEnabled turns on verbose logging of every radio event for this session.
func (s *Session) SetLoggingEnabled(enabled bool) {
	s.mu.Lock()
	s.loggingEnabled = enabled
	s.mu.Unlock()
}

func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, location, manufacturer := "<none>", "<none>", "<none>"
	if s.hasName {
		name = s.name
	}
	if s.hasLocation {
		location = s.location.String()
	}
	if s.hasManufacturer {
		manufacturer = s.manufacturer
	}
	return fmt.Sprintf("Name: %s, Sensor Location: %s, Connection State: %s, Manufacturer Name: %s",
		name, location, s.connectionState, manufacturer)
}

// Listen registers fn for the typed, ordered events of this session.
// Returns a deregistration function.
func (s *Session) Listen(fn func(SessionEvent)) func() {
	return s.events.Listen(fn)
}

// WatchHeartRate sets the heart rate callback, replacing any previous one.
func (s *Session) WatchHeartRate(callback func(bpm uint)) {
	s.mu.Lock()
	s.onHeartRate = callback
	s.mu.Unlock()
}

// Connect starts connecting to the monitor. Progress and failure are only
// reported through the callbacks: onPropertiesDiscovered after every value
// read from the monitor, onDisconnected once per disconnect. Calling Connect
// on a connecting or connected session restarts negotiation.
func (s *Session) Connect(onPropertiesDiscovered func(), onDisconnected func(error)) {
	s.mu.Lock()
	s.onPropertiesDiscovered = onPropertiesDiscovered
	s.onDisconnected = onDisconnected
	s.resetNegotiationLocked()
	s.state = Connecting
	s.armTimerLocked()
	s.mu.Unlock()

	s.logger.Printf("Session[%s]: Connecting", s.id)
	s.emit(SessionEvent{Kind: EventStateChanged, State: Connecting})

	if s.host != nil {
		s.host.activate(s)
	}
	if err := s.adapter.Connect(s.id); err != nil {
		s.finish(fmt.Errorf("connect: %w", err), false)
	}
}

// Disconnect asks the radio to drop the link. Handles are cleared when the
// radio confirms. Does nothing on a session that is not connected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if !state.active() {
		return
	}

	s.logger.Printf("Session[%s]: Disconnecting (state %s)", s.id, state)
	if err := s.adapter.Disconnect(s.id); err != nil {
		// The link never came up, so no confirmation will follow.
		s.debugf("disconnect rejected by radio: %v", err)
		s.finish(nil, false)
	}
}

func (s *Session) debugf(format string, args ...interface{}) {
	s.mu.Lock()
	enabled := s.loggingEnabled
	s.mu.Unlock()
	if enabled {
		s.logger.Printf("Session[%s]: "+format, append([]interface{}{s.id}, args...)...)
	}
}

func (s *Session) emit(ev SessionEvent) {
	ev.Session = s
	s.events.Notify(ev)
}

func (s *Session) resetNegotiationLocked() {
	s.handles = make(map[bluetooth.UUID]radio.Characteristic)
	s.pendingServices = 0
	s.subscribed = false
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.attempt++
}

// armTimerLocked bounds the phase the session just entered.
func (s *Session) armTimerLocked() {
	s.stopTimerLocked()
	if s.opTimeout <= 0 {
		return
	}
	attempt := s.attempt
	phase := s.state
	s.timer = time.AfterFunc(s.opTimeout, func() {
		s.logger.Printf("Session[%s]: Timeout after %v in %s", s.id, s.opTimeout, phase)
		s.finishAttempt(attempt, fmt.Errorf("%s: %w", phase, ErrOperationTimeout), true)
	})
}

func (s *Session) finish(err error, releaseLink bool) {
	s.finishAttempt(0, err, releaseLink)
}

// finishAttempt moves an active session to Disconnected and reports err
// through onDisconnected. A non-zero attempt must still be current.
// releaseLink asks the radio to drop whatever link is left.
func (s *Session) finishAttempt(attempt uint64, err error, releaseLink bool) {
	s.mu.Lock()
	if !s.state.active() || (attempt != 0 && attempt != s.attempt) {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	s.resetNegotiationLocked()
	s.state = Disconnected
	callback := s.onDisconnected
	s.mu.Unlock()

	if err != nil {
		s.logger.Printf("Session[%s]: Disconnected: %v", s.id, err)
	} else {
		s.logger.Printf("Session[%s]: Disconnected", s.id)
	}
	s.emit(SessionEvent{Kind: EventStateChanged, State: Disconnected})
	s.emit(SessionEvent{Kind: EventDisconnected, State: Disconnected, Err: err})

	if callback != nil {
		callback(err)
	}
	if releaseLink {
		if derr := s.adapter.Disconnect(s.id); derr != nil {
			s.debugf("release link: %v", derr)
		}
	}
}

func (s *Session) adapterStateChanged(state radio.AdapterState) {
	s.mu.Lock()
	s.connectionState = state
	s.mu.Unlock()
}

func (s *Session) advertised(rssi int16) {
	s.mu.Lock()
	s.rssi = rssi
	s.mu.Unlock()
}

func (s *Session) handleConnected() {
	s.mu.Lock()
	state := s.state
	if state != Connecting {
		s.mu.Unlock()
		if !state.active() {
			// A connect that outlived its attempt; give the link back.
			s.debugf("connected while %s, releasing link", state)
			if err := s.adapter.Disconnect(s.id); err != nil {
				s.debugf("release link: %v", err)
			}
		}
		return
	}
	s.state = DiscoveringServices
	s.armTimerLocked()
	s.mu.Unlock()

	s.logger.Printf("Session[%s]: Connected, discovering services", s.id)
	s.emit(SessionEvent{Kind: EventStateChanged, State: DiscoveringServices})

	if err := s.adapter.DiscoverServices(s.id, nil); err != nil {
		s.finish(fmt.Errorf("discover services: %w", err), true)
	}
}

func (s *Session) handleServicesDiscovered(ev radio.ServicesDiscovered) {
	s.mu.Lock()
	if s.state != DiscoveringServices {
		s.mu.Unlock()
		s.debugf("ignoring services discovered while %s", s.State())
		return
	}
	if ev.Err != nil {
		s.mu.Unlock()
		s.finish(fmt.Errorf("discover services: %w", ev.Err), true)
		return
	}

	var wanted []bluetooth.UUID
	seen := make(map[bluetooth.UUID]bool)
	for _, uuid := range ev.Services {
		if seen[uuid] || !isNegotiatedService(uuid) {
			continue
		}
		seen[uuid] = true
		wanted = append(wanted, uuid)
	}
	if len(wanted) == 0 {
		s.mu.Unlock()
		s.finish(ErrServiceNotFound, true)
		return
	}
	s.pendingServices = len(wanted)
	s.state = DiscoveringCharacteristics
	s.armTimerLocked()
	attempt := s.attempt
	s.mu.Unlock()

	s.debugf("services %v, discovering characteristics of %v", ev.Services, wanted)
	s.emit(SessionEvent{Kind: EventStateChanged, State: DiscoveringCharacteristics})

	for _, service := range wanted {
		if !s.current(attempt) {
			s.debugf("negotiation restarted, not discovering the remaining services")
			return
		}
		if err := s.adapter.DiscoverCharacteristics(s.id, service, nil); err != nil {
			s.finishAttempt(attempt, fmt.Errorf("discover characteristics of %v: %w", service, err), true)
			return
		}
	}
}

// current reports whether no restart, timeout or disconnect has happened
// since attempt was taken.
func (s *Session) current(attempt uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt == attempt
}

func isNegotiatedService(uuid bluetooth.UUID) bool {
	for _, svc := range negotiatedServices {
		if svc == uuid {
			return true
		}
	}
	return false
}

// gattAction is a radio request decided under the lock and issued after it.
type gattAction struct {
	char      radio.Characteristic
	subscribe bool
	read      bool
	write     []byte
}

func (s *Session) handleCharacteristicsDiscovered(ev radio.CharacteristicsDiscovered) {
	s.mu.Lock()
	if s.state != DiscoveringCharacteristics && s.state != Ready {
		s.mu.Unlock()
		s.debugf("ignoring characteristics of %v while %s", ev.Service, s.State())
		return
	}
	if s.pendingServices > 0 {
		s.pendingServices--
	}

	var actions []gattAction
	if ev.Err != nil {
		s.logger.Printf("Session[%s]: Characteristic discovery for %v failed: %v", s.id, ev.Service, ev.Err)
	} else {
		actions = s.planLocked(ev.Service, ev.Characteristics)
	}
	attempt := s.attempt
	s.mu.Unlock()

	subscribed := false
	for _, action := range actions {
		if !s.current(attempt) {
			break
		}
		var err error
		switch {
		case action.subscribe:
			s.debugf("found a Heart Rate Measurement characteristic, subscribing")
			err = s.adapter.SetNotify(s.id, action.char, true)
			if err == nil {
				subscribed = true
			}
		case action.read:
			s.debugf("reading characteristic %v", action.char.UUID)
			err = s.adapter.ReadValue(s.id, action.char)
		case action.write != nil:
			s.debugf("writing %v to characteristic %v", action.write, action.char.UUID)
			err = s.adapter.WriteValue(s.id, action.char, action.write, true)
		}
		if err != nil {
			if action.subscribe {
				s.finishAttempt(attempt, fmt.Errorf("subscribe to heart rate measurement: %w", err), true)
				return
			}
			s.logger.Printf("Session[%s]: Request on %v failed: %v", s.id, action.char.UUID, err)
		}
	}

	s.mu.Lock()
	if s.attempt != attempt {
		// Connect restarted negotiation while the requests were in flight.
		s.mu.Unlock()
		s.debugf("dropping characteristics of %v from an earlier attempt", ev.Service)
		return
	}
	if subscribed {
		s.subscribed = true
	}
	becameReady := s.subscribed && s.state == DiscoveringCharacteristics
	if becameReady {
		s.state = Ready
		s.stopTimerLocked()
	}
	missing := s.state == DiscoveringCharacteristics && s.pendingServices == 0 && !s.subscribed
	s.mu.Unlock()

	if becameReady {
		s.logger.Printf("Session[%s]: Ready, receiving heart rate notifications", s.id)
		s.emit(SessionEvent{Kind: EventStateChanged, State: Ready})
	}
	if missing {
		s.finishAttempt(attempt, ErrHeartRateMeasurementNotFound, true)
	}
}

// planLocked records the characteristics this session cares about and
// returns what to do with each. Handles are write-once per connection.
func (s *Session) planLocked(service bluetooth.UUID, chars []radio.Characteristic) []gattAction {
	var actions []gattAction
	for _, char := range chars {
		if _, known := s.handles[char.UUID]; known {
			continue
		}
		var action gattAction
		switch {
		case service == ServiceUUIDHeartRate && char.UUID == CharUUIDHeartRateMeasurement:
			action = gattAction{char: char, subscribe: true}
		case service == ServiceUUIDHeartRate && char.UUID == CharUUIDBodySensorLocation:
			action = gattAction{char: char, read: true}
		case service == ServiceUUIDHeartRate && char.UUID == CharUUIDHeartRateControlPoint:
			action = gattAction{char: char, write: controlPointActivate}
		case service == ServiceUUIDGenericAccess && char.UUID == CharUUIDDeviceName:
			action = gattAction{char: char, read: true}
		case service == ServiceUUIDDeviceInformation && char.UUID == CharUUIDManufacturerName:
			action = gattAction{char: char, read: true}
		default:
			continue
		}
		s.handles[char.UUID] = char
		actions = append(actions, action)
	}
	return actions
}

func (s *Session) handleValueUpdated(ev radio.ValueUpdated) {
	s.mu.Lock()
	if !s.state.active() {
		s.mu.Unlock()
		return
	}

	var updates []SessionEvent
	var heartRate func(uint)
	var bpm uint

	switch {
	case ev.Err != nil:
		s.logger.Printf("Session[%s]: Value update for %v failed: %v", s.id, ev.Characteristic.UUID, ev.Err)
	case ev.Characteristic.UUID == CharUUIDHeartRateMeasurement:
		value, err := DecodeHeartRate(ev.Value)
		if err != nil {
			s.logger.Printf("Session[%s]: Parse error: %v (raw: %v)", s.id, err, ev.Value)
			break
		}
		m, err := DecodeHeartRateMeasurement(ev.Value)
		if err != nil {
			s.logger.Printf("Session[%s]: Partial heart rate measurement: %v (raw: %v)", s.id, err, ev.Value)
		}
		m.BPM = value
		bpm = uint(value)
		heartRate = s.onHeartRate
		updates = append(updates, SessionEvent{Kind: EventHeartRate, Measurement: m})
	case ev.Characteristic.UUID == CharUUIDBodySensorLocation:
		s.location, s.hasLocation = DecodeSensorLocation(ev.Value)
		updates = append(updates, SessionEvent{Kind: EventLocationUpdated})
	case ev.Characteristic.UUID == CharUUIDDeviceName:
		s.name, s.hasName = DecodeText(ev.Value)
		updates = append(updates, SessionEvent{Kind: EventNameUpdated})
	case ev.Characteristic.UUID == CharUUIDManufacturerName:
		s.manufacturer, s.hasManufacturer = DecodeText(ev.Value)
		updates = append(updates, SessionEvent{Kind: EventManufacturerUpdated})
	}
	propertiesDiscovered := s.onPropertiesDiscovered
	s.mu.Unlock()

	s.debugf("value updated for characteristic %v: %v (err: %v)", ev.Characteristic.UUID, ev.Value, ev.Err)

	if heartRate != nil {
		heartRate(bpm)
	}
	for _, update := range updates {
		s.emit(update)
	}
	if propertiesDiscovered != nil {
		propertiesDiscovered()
	}
}

// handleDisconnected covers both a dropped link and a failed connect.
func (s *Session) handleDisconnected(err error) {
	if !s.State().active() {
		s.debugf("ignoring disconnect while not connected (err: %v)", err)
		return
	}
	s.finish(err, false)
}

// handleNotifyFailed ends the session when the heart rate subscription it
// asked for could not be enabled. Without it Ready would never see a sample.
func (s *Session) handleNotifyFailed(ev radio.NotifyFailed) {
	s.mu.Lock()
	_, planned := s.handles[ev.Characteristic.UUID]
	fatal := s.state.active() && planned && ev.Characteristic.UUID == CharUUIDHeartRateMeasurement
	s.mu.Unlock()

	if !fatal {
		s.debugf("ignoring notify failure on %v: %v", ev.Characteristic.UUID, ev.Err)
		return
	}
	s.finish(fmt.Errorf("subscribe to heart rate measurement: %w", ev.Err), true)
}
