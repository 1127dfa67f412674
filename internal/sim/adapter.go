// Package sim provides a radio.Adapter backed by virtual heart rate
// monitors, for running without Bluetooth hardware.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/lowaak/hrmonitor/internal/go_func_utils"
	"github.com/lowaak/hrmonitor/internal/hrm"
	"github.com/lowaak/hrmonitor/internal/radio"

	"tinygo.org/x/bluetooth"
)

var (
	ErrUnreachable   = errors.New("peripheral unreachable")
	ErrNotNotifiable = errors.New("characteristic does not support notifications")
	ErrPoweredOff    = errors.New("adapter powered off")
)

// Battery service, offered so that clients see a service they must skip.
var (
	serviceUUIDBattery = bluetooth.New16BitUUID(0x180F)
	charUUIDBattery    = bluetooth.New16BitUUID(0x2A19)
	charUUIDAppearance = bluetooth.New16BitUUID(0x2A01)
	charUUIDModel      = bluetooth.New16BitUUID(0x2A24)
)

const DefaultInterval = time.Second

// gattTable is the service layout every virtual monitor exposes, in
// discovery order.
var gattTable = []struct {
	service bluetooth.UUID
	chars   []bluetooth.UUID
}{
	{hrm.ServiceUUIDGenericAccess, []bluetooth.UUID{hrm.CharUUIDDeviceName, charUUIDAppearance}},
	{hrm.ServiceUUIDDeviceInformation, []bluetooth.UUID{hrm.CharUUIDManufacturerName, charUUIDModel}},
	{hrm.ServiceUUIDHeartRate, []bluetooth.UUID{hrm.CharUUIDHeartRateMeasurement, hrm.CharUUIDBodySensorLocation, hrm.CharUUIDHeartRateControlPoint}},
	{serviceUUIDBattery, []bluetooth.UUID{charUUIDBattery}},
}

// PeripheralConfig describes one virtual monitor.
type PeripheralConfig struct {
	ID           radio.PeripheralID
	Name         string
	Manufacturer string
	Location     hrm.SensorLocation
	HeartRate    uint16
	RSSI         int16
	// Unreachable peripherals advertise but refuse connections.
	Unreachable bool
}

type Config struct {
	Peripherals []PeripheralConfig
	// Interval between advertisements and heart rate notifications.
	Interval time.Duration
}

// WrittenValue records a value written to a characteristic.
type WrittenValue struct {
	Timestamp          time.Time          `json:"timestamp"`
	Peripheral         radio.PeripheralID `json:"peripheral"`
	ServiceUUID        string             `json:"serviceUuid"`
	CharacteristicUUID string             `json:"characteristicUuid"`
	Data               []byte             `json:"data"`
	DataHex            string             `json:"dataHex"`
	Description        string             `json:"description"`
}

type peripheral struct {
	cfg       PeripheralConfig
	heartRate uint16
	location  byte
	energy    uint16
	battery   byte
	connected bool
	notifying bool
}

// Verify Adapter implements radio.Adapter
var _ radio.Adapter = (*Adapter)(nil)

// Adapter is a radio.Adapter whose peripherals live in memory. Heart rate,
// location and link loss can be changed at runtime, and the ControlServer
// exposes the same knobs over HTTP.
type Adapter struct {
	logger   *log.Logger
	pump     *radio.EventPump
	interval time.Duration

	mu          sync.RWMutex
	state       radio.AdapterState
	scanning    bool
	scanFilter  []bluetooth.UUID
	scanCancel  context.CancelFunc
	peripherals map[radio.PeripheralID]*peripheral
	order       []radio.PeripheralID
	writes      []WrittenValue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAdapter(logger *log.Logger, config Config) *Adapter {
	if logger == nil {
		panic("sim.Adapter: logger cannot be nil")
	}
	interval := config.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		logger:      logger,
		pump:        radio.NewEventPump(),
		interval:    interval,
		state:       radio.StateUnknown,
		peripherals: make(map[radio.PeripheralID]*peripheral),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, pc := range config.Peripherals {
		a.AddPeripheral(pc)
	}

	go_func_utils.SafeGoWG(logger, &a.wg, func() {
		a.pump.Run(ctx)
	})
	go_func_utils.SafeGoWG(logger, &a.wg, a.notifyLoop)

	return a
}

// AddPeripheral registers a virtual monitor. An existing one with the same
// ID is replaced.
func (a *Adapter) AddPeripheral(pc PeripheralConfig) {
	if pc.HeartRate == 0 {
		pc.HeartRate = 70
	}
	if pc.RSSI == 0 {
		pc.RSSI = -60
	}
	if pc.Manufacturer == "" {
		pc.Manufacturer = "Simulated Sensors"
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.peripherals[pc.ID]; !ok {
		a.order = append(a.order, pc.ID)
	}
	a.peripherals[pc.ID] = &peripheral{
		cfg:       pc,
		heartRate: pc.HeartRate,
		location:  byte(pc.Location),
		battery:   90,
	}
	a.logger.Printf("SimAdapter: Added peripheral %s (%s)", pc.Name, pc.ID)
}

// PowerOn is SetState(radio.StatePoweredOn).
func (a *Adapter) PowerOn() {
	a.SetState(radio.StatePoweredOn)
}

// SetState simulates the radio changing state. Leaving PoweredOn stops the
// scan and drops every connection.
func (a *Adapter) SetState(state radio.AdapterState) {
	a.mu.Lock()
	a.state = state
	var dropped []radio.PeripheralID
	if !state.Ready() {
		a.stopScanLocked()
		for _, id := range a.order {
			p := a.peripherals[id]
			if p.connected {
				p.connected = false
				p.notifying = false
				dropped = append(dropped, id)
			}
		}
	}
	a.mu.Unlock()

	a.logger.Printf("SimAdapter: State is now %s", state)
	for _, id := range dropped {
		a.pump.Push(radio.Disconnected{ID: id, Err: ErrPoweredOff})
	}
	a.pump.Push(radio.StateChanged{State: state})
}

func (a *Adapter) Events() <-chan radio.Event {
	return a.pump.Events()
}

func (a *Adapter) State() radio.AdapterState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Adapter) IsScanning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.scanning
}

func (a *Adapter) Scan(serviceFilter []bluetooth.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.state.Ready() {
		return fmt.Errorf("scan: %w", ErrPoweredOff)
	}
	if a.scanning {
		return nil
	}
	a.scanning = true
	a.scanFilter = serviceFilter

	scanCtx, scanCancel := context.WithCancel(a.ctx)
	a.scanCancel = scanCancel
	a.logger.Printf("SimAdapter: Starting scan, filter %v", serviceFilter)

	go_func_utils.SafeGoWG(a.logger, &a.wg, func() {
		defer a.logger.Printf("SimAdapter: exiting scan loop")
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			a.advertise()
			select {
			case <-scanCtx.Done():
				return
			case <-ticker.C:
			}
		}
	})
	return nil
}

// advertise reports every matching peripheral that is not connected, with
// a little RSSI jitter.
func (a *Adapter) advertise() {
	a.mu.RLock()
	var found []radio.PeripheralDiscovered
	if a.scanning && a.matchesFilterLocked() {
		for _, id := range a.order {
			p := a.peripherals[id]
			if p.connected {
				continue
			}
			found = append(found, radio.PeripheralDiscovered{
				ID:   id,
				Name: p.cfg.Name,
				RSSI: p.cfg.RSSI - int16(rand.Intn(5)),
			})
		}
	}
	a.mu.RUnlock()

	for _, ev := range found {
		a.pump.Push(ev)
	}
}

// Every virtual monitor advertises the heart rate service only.
func (a *Adapter) matchesFilterLocked() bool {
	if len(a.scanFilter) == 0 {
		return true
	}
	for _, uuid := range a.scanFilter {
		if uuid == hrm.ServiceUUIDHeartRate {
			return true
		}
	}
	return false
}

func (a *Adapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopScanLocked()
	return nil
}

func (a *Adapter) stopScanLocked() {
	if !a.scanning {
		return
	}
	a.scanning = false
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	a.logger.Printf("SimAdapter: Scan stopped")
}

func (a *Adapter) lookup(id radio.PeripheralID) (*peripheral, error) {
	p, ok := a.peripherals[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, radio.ErrUnknownPeripheral)
	}
	return p, nil
}

func (a *Adapter) Connect(id radio.PeripheralID) error {
	a.mu.Lock()
	p, err := a.lookup(id)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	var ev radio.Event
	switch {
	case !a.state.Ready():
		ev = radio.FailedToConnect{ID: id, Err: ErrPoweredOff}
	case p.cfg.Unreachable:
		ev = radio.FailedToConnect{ID: id, Err: ErrUnreachable}
	default:
		p.connected = true
		ev = radio.Connected{ID: id}
	}
	a.mu.Unlock()

	a.logger.Printf("SimAdapter: %s", radio.Describe(ev))
	a.pump.Push(ev)
	return nil
}

func (a *Adapter) Disconnect(id radio.PeripheralID) error {
	a.mu.Lock()
	p, err := a.lookup(id)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if !p.connected {
		a.mu.Unlock()
		return fmt.Errorf("disconnect %s: %w", id, radio.ErrNotConnected)
	}
	p.connected = false
	p.notifying = false
	a.mu.Unlock()

	a.logger.Printf("SimAdapter: Disconnected %s", id)
	a.pump.Push(radio.Disconnected{ID: id})
	return nil
}

// DropConnection simulates the peripheral going out of range.
func (a *Adapter) DropConnection(id radio.PeripheralID) error {
	a.mu.Lock()
	p, err := a.lookup(id)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if !p.connected {
		a.mu.Unlock()
		return fmt.Errorf("drop %s: %w", id, radio.ErrNotConnected)
	}
	p.connected = false
	p.notifying = false
	a.mu.Unlock()

	a.logger.Printf("SimAdapter: Link to %s lost", id)
	a.pump.Push(radio.Disconnected{ID: id, Err: radio.ErrLinkLost})
	return nil
}

func (a *Adapter) connected(id radio.PeripheralID) (*peripheral, error) {
	p, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	if !p.connected {
		return nil, fmt.Errorf("%s: %w", id, radio.ErrNotConnected)
	}
	return p, nil
}

func (a *Adapter) DiscoverServices(id radio.PeripheralID, filter []bluetooth.UUID) error {
	a.mu.RLock()
	_, err := a.connected(id)
	a.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}

	var services []bluetooth.UUID
	for _, entry := range gattTable {
		if len(filter) == 0 || containsUUID(filter, entry.service) {
			services = append(services, entry.service)
		}
	}
	a.pump.Push(radio.ServicesDiscovered{ID: id, Services: services})
	return nil
}

func (a *Adapter) DiscoverCharacteristics(id radio.PeripheralID, service bluetooth.UUID, filter []bluetooth.UUID) error {
	a.mu.RLock()
	_, err := a.connected(id)
	a.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("discover characteristics: %w", err)
	}

	for _, entry := range gattTable {
		if entry.service != service {
			continue
		}
		var chars []radio.Characteristic
		for _, uuid := range entry.chars {
			if len(filter) == 0 || containsUUID(filter, uuid) {
				chars = append(chars, radio.Characteristic{Service: service, UUID: uuid})
			}
		}
		a.pump.Push(radio.CharacteristicsDiscovered{ID: id, Service: service, Characteristics: chars})
		return nil
	}

	a.pump.Push(radio.CharacteristicsDiscovered{
		ID:      id,
		Service: service,
		Err:     fmt.Errorf("service %v not found on device", service),
	})
	return nil
}

func containsUUID(list []bluetooth.UUID, uuid bluetooth.UUID) bool {
	for _, u := range list {
		if u == uuid {
			return true
		}
	}
	return false
}

func (a *Adapter) ReadValue(id radio.PeripheralID, char radio.Characteristic) error {
	a.mu.RLock()
	p, err := a.connected(id)
	var value []byte
	if err == nil {
		value, err = p.readLocked(char.UUID)
	}
	a.mu.RUnlock()
	if errors.Is(err, radio.ErrNotConnected) || errors.Is(err, radio.ErrUnknownPeripheral) {
		return fmt.Errorf("read: %w", err)
	}

	a.pump.Push(radio.ValueUpdated{ID: id, Characteristic: char, Value: value, Err: err})
	return nil
}

func (p *peripheral) readLocked(uuid bluetooth.UUID) ([]byte, error) {
	switch uuid {
	case hrm.CharUUIDDeviceName:
		return []byte(p.cfg.Name), nil
	case charUUIDAppearance:
		// Generic Heart Rate Sensor
		return []byte{0x40, 0x03}, nil
	case hrm.CharUUIDManufacturerName:
		return []byte(p.cfg.Manufacturer), nil
	case charUUIDModel:
		return []byte("SIM-HRM"), nil
	case hrm.CharUUIDBodySensorLocation:
		return []byte{p.location}, nil
	case hrm.CharUUIDHeartRateMeasurement:
		return p.measurementLocked(), nil
	case charUUIDBattery:
		return []byte{p.battery}, nil
	default:
		return nil, fmt.Errorf("read %v: %w", uuid, radio.ErrUnknownCharacteristic)
	}
}

func (p *peripheral) measurementLocked() []byte {
	m := hrm.HeartRateMeasurement{
		BPM:              p.heartRate,
		ContactSupported: true,
		ContactDetected:  true,
		EnergyExpended:   true,
		Energy:           p.energy,
	}
	if p.heartRate > 0 {
		m.RR = []time.Duration{time.Minute / time.Duration(p.heartRate)}
	}
	return hrm.EncodeHeartRateMeasurement(m)
}

func (a *Adapter) WriteValue(id radio.PeripheralID, char radio.Characteristic, data []byte, ackRequired bool) error {
	a.mu.Lock()
	p, err := a.connected(id)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("write: %w", err)
	}

	description := "Unknown characteristic"
	if char.UUID == hrm.CharUUIDHeartRateControlPoint {
		description = "Heart Rate Control Point"
		if len(data) > 0 && data[0] == 0x01 {
			description = "Reset Energy Expended"
			p.energy = 0
		}
	}
	a.writes = append(a.writes, WrittenValue{
		Timestamp:          time.Now(),
		Peripheral:         id,
		ServiceUUID:        char.Service.String(),
		CharacteristicUUID: char.UUID.String(),
		Data:               append([]byte(nil), data...),
		DataHex:            fmt.Sprintf("%x", data),
		Description:        description,
	})
	a.mu.Unlock()

	a.logger.Printf("SimAdapter: Write to %s %v (ack %v): %s [%x]", id, char.UUID, ackRequired, description, data)
	return nil
}

// Writes returns a copy of every value written so far.
func (a *Adapter) Writes() []WrittenValue {
	a.mu.RLock()
	defer a.mu.RUnlock()
	writes := make([]WrittenValue, len(a.writes))
	copy(writes, a.writes)
	return writes
}

func (a *Adapter) SetNotify(id radio.PeripheralID, char radio.Characteristic, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, err := a.connected(id)
	if err != nil {
		return fmt.Errorf("set notify: %w", err)
	}
	if char.UUID != hrm.CharUUIDHeartRateMeasurement {
		return fmt.Errorf("set notify %v: %w", char.UUID, ErrNotNotifiable)
	}
	p.notifying = enabled
	a.logger.Printf("SimAdapter: Notifications for %s %v: %v", id, char.UUID, enabled)
	return nil
}

// SetHeartRate changes the rate the peripheral reports from the next
// notification on.
func (a *Adapter) SetHeartRate(id radio.PeripheralID, bpm uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, err := a.lookup(id)
	if err != nil {
		return err
	}
	p.heartRate = bpm
	return nil
}

// SetLocation changes the raw body sensor location byte, including reserved
// values.
func (a *Adapter) SetLocation(id radio.PeripheralID, raw byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, err := a.lookup(id)
	if err != nil {
		return err
	}
	p.location = raw
	return nil
}

// TriggerNotification sends one heart rate notification now, if the
// peripheral is subscribed.
func (a *Adapter) TriggerNotification(id radio.PeripheralID) error {
	a.mu.Lock()
	p, err := a.connected(id)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	ev, ok := a.notificationLocked(id, p)
	a.mu.Unlock()
	if ok {
		a.pump.Push(ev)
	}
	return nil
}

func (a *Adapter) notificationLocked(id radio.PeripheralID, p *peripheral) (radio.ValueUpdated, bool) {
	if !p.connected || !p.notifying {
		return radio.ValueUpdated{}, false
	}
	// roughly kJ per beat at rest
	p.energy++
	return radio.ValueUpdated{
		ID:             id,
		Characteristic: radio.Characteristic{Service: hrm.ServiceUUIDHeartRate, UUID: hrm.CharUUIDHeartRateMeasurement},
		Value:          p.measurementLocked(),
	}, true
}

func (a *Adapter) notifyLoop() {
	defer a.logger.Printf("SimAdapter: exiting notification loop")
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			var pending []radio.Event
			for _, id := range a.order {
				if ev, ok := a.notificationLocked(id, a.peripherals[id]); ok {
					pending = append(pending, ev)
				}
			}
			a.mu.Unlock()
			for _, ev := range pending {
				a.pump.Push(ev)
			}
		}
	}
}

// PeripheralState is a snapshot of one virtual monitor.
type PeripheralState struct {
	ID        radio.PeripheralID `json:"id"`
	Name      string             `json:"name"`
	HeartRate uint16             `json:"heartRate"`
	Location  byte               `json:"location"`
	Energy    uint16             `json:"energy"`
	Connected bool               `json:"connected"`
	Notifying bool               `json:"notifying"`
}

func (a *Adapter) Peripherals() []PeripheralState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	result := make([]PeripheralState, 0, len(a.order))
	for _, id := range a.order {
		p := a.peripherals[id]
		result = append(result, PeripheralState{
			ID:        id,
			Name:      p.cfg.Name,
			HeartRate: p.heartRate,
			Location:  p.location,
			Energy:    p.energy,
			Connected: p.connected,
			Notifying: p.notifying,
		})
	}
	return result
}

// Close stops scanning and notifications and shuts down the event pump.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.stopScanLocked()
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()
	a.logger.Printf("SimAdapter: Shutdown complete")
	return nil
}
