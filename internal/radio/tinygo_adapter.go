package radio

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/hrmonitor/internal/go_func_utils"

	"tinygo.org/x/bluetooth"
)

const closeDrainTimeout = 5 * time.Second

// ErrLinkLost is reported when a peripheral drops without a disconnect request.
var ErrLinkLost = errors.New("peripheral disconnected unexpectedly")

// Verify TinyGoAdapter implements Adapter
var _ Adapter = (*TinyGoAdapter)(nil)

// TinyGoAdapter drives a tinygo bluetooth adapter. The tinygo API is
// blocking, so every request is queued onto one worker goroutine that owns
// the radio; the scan loop is the only exception since it blocks until
// StopScan.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	logger  *log.Logger
	pump    *EventPump
	ops     chan func()

	mu          sync.RWMutex
	state       AdapterState
	scanning    bool
	addresses   map[PeripheralID]bluetooth.Address
	peripherals map[PeripheralID]*tinygoPeripheral

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type tinygoPeripheral struct {
	device              *bluetooth.Device
	disconnectRequested bool
	services            map[bluetooth.UUID]*bluetooth.DeviceService
	characteristics     map[Characteristic]*bluetooth.DeviceCharacteristic
}

func NewTinyGoAdapter(adapter *bluetooth.Adapter, logger *log.Logger) *TinyGoAdapter {
	if adapter == nil {
		panic("TinyGoAdapter: adapter cannot be nil")
	}
	if logger == nil {
		panic("TinyGoAdapter: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &TinyGoAdapter{
		adapter:     adapter,
		logger:      logger,
		pump:        NewEventPump(),
		ops:         make(chan func(), 64),
		addresses:   make(map[PeripheralID]bluetooth.Address),
		peripherals: make(map[PeripheralID]*tinygoPeripheral),
		ctx:         ctx,
		cancel:      cancel,
	}

	go_func_utils.SafeGoWG(logger, &a.wg, func() {
		a.pump.Run(ctx)
	})
	go_func_utils.SafeGoWG(logger, &a.wg, a.worker)

	return a
}

// Enable powers up the BLE stack and reports the resulting state.
func (a *TinyGoAdapter) Enable() error {
	// Connections are reported from the Connect result; the handler is only
	// trusted for disconnects.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := PeripheralID(device.Address.String())
		a.logger.Printf("TinyGoAdapter: Device disconnected: %s", id)
		a.dropPeripheral(id, nil)
	})

	if err := a.adapter.Enable(); err != nil {
		a.setState(StatePoweredOff)
		return fmt.Errorf("enable BLE stack: %w", err)
	}
	a.setState(StatePoweredOn)
	return nil
}

func (a *TinyGoAdapter) Events() <-chan Event {
	return a.pump.Events()
}

func (a *TinyGoAdapter) State() AdapterState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *TinyGoAdapter) setState(state AdapterState) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
	a.logger.Printf("TinyGoAdapter: State is now %s", state)
	a.pump.Push(StateChanged{State: state})
}

func (a *TinyGoAdapter) worker() {
	defer a.logger.Printf("TinyGoAdapter: exiting operation worker")
	for {
		select {
		case <-a.ctx.Done():
			return
		case op := <-a.ops:
			op()
		}
	}
}

func (a *TinyGoAdapter) enqueue(op func()) error {
	select {
	case <-a.ctx.Done():
		return ErrAdapterClosed
	default:
	}
	select {
	case a.ops <- op:
		return nil
	case <-a.ctx.Done():
		return ErrAdapterClosed
	}
}

func (a *TinyGoAdapter) Scan(serviceFilter []bluetooth.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanning {
		return nil
	}
	a.scanning = true
	a.logger.Printf("TinyGoAdapter: Starting scan, filter: %v", serviceFilter)

	go_func_utils.SafeGoWG(a.logger, &a.wg, func() {
		defer a.logger.Printf("TinyGoAdapter: exiting scan handling loop")

		err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !matchesFilter(result, serviceFilter) {
				return
			}
			id := PeripheralID(result.Address.String())
			a.mu.Lock()
			a.addresses[id] = result.Address
			a.mu.Unlock()
			a.pump.Push(PeripheralDiscovered{ID: id, Name: result.LocalName(), RSSI: result.RSSI})
		})

		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
		if err != nil {
			a.logger.Printf("TinyGoAdapter: Scan error: %v", err)
		}
	})
	return nil
}

func matchesFilter(result bluetooth.ScanResult, filter []bluetooth.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, uuid := range filter {
		if result.HasServiceUUID(uuid) {
			return true
		}
	}
	return false
}

func (a *TinyGoAdapter) StopScan() error {
	a.mu.RLock()
	scanning := a.scanning
	a.mu.RUnlock()
	if !scanning {
		return nil
	}
	return a.adapter.StopScan()
}

func (a *TinyGoAdapter) Connect(id PeripheralID) error {
	a.mu.RLock()
	address, ok := a.addresses[id]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connect %s: %w", id, ErrUnknownPeripheral)
	}

	return a.enqueue(func() {
		a.logger.Printf("TinyGoAdapter: Attempting to connect to device: %s", id)
		device, err := a.adapter.Connect(address, bluetooth.ConnectionParams{})
		if err != nil {
			a.logger.Printf("TinyGoAdapter: Connection error: %v", err)
			a.pump.Push(FailedToConnect{ID: id, Err: err})
			return
		}
		a.mu.Lock()
		a.peripherals[id] = &tinygoPeripheral{
			device:          &device,
			services:        make(map[bluetooth.UUID]*bluetooth.DeviceService),
			characteristics: make(map[Characteristic]*bluetooth.DeviceCharacteristic),
		}
		a.mu.Unlock()
		a.logger.Printf("TinyGoAdapter: Connected to device: %s", id)
		a.pump.Push(Connected{ID: id})
	})
}

func (a *TinyGoAdapter) Disconnect(id PeripheralID) error {
	a.mu.Lock()
	p, ok := a.peripherals[id]
	if ok {
		p.disconnectRequested = true
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("disconnect %s: %w", id, ErrNotConnected)
	}

	return a.enqueue(func() {
		a.logger.Printf("TinyGoAdapter: Attempting to disconnect from device: %s", id)
		if err := p.device.Disconnect(); err != nil {
			a.logger.Printf("TinyGoAdapter: Error disconnecting from %s: %v", id, err)
		}
		// Not every platform fires the connect handler for requested disconnects.
		a.dropPeripheral(id, nil)
	})
}

// dropPeripheral forgets a connection and reports it once, whichever of the
// connect handler or a disconnect request gets here first.
func (a *TinyGoAdapter) dropPeripheral(id PeripheralID, err error) {
	a.mu.Lock()
	p, ok := a.peripherals[id]
	requested := false
	if ok {
		requested = p.disconnectRequested
		delete(a.peripherals, id)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	if err == nil && !requested {
		err = ErrLinkLost
	}
	a.pump.Push(Disconnected{ID: id, Err: err})
}

func (a *TinyGoAdapter) connected(id PeripheralID) (*tinygoPeripheral, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.peripherals[id]
	return p, ok
}

func (a *TinyGoAdapter) DiscoverServices(id PeripheralID, filter []bluetooth.UUID) error {
	p, ok := a.connected(id)
	if !ok {
		return fmt.Errorf("discover services on %s: %w", id, ErrNotConnected)
	}

	return a.enqueue(func() {
		a.logger.Printf("TinyGoAdapter: Discovering services for %s", id)
		services, err := p.device.DiscoverServices(filter)
		if err != nil {
			a.pump.Push(ServicesDiscovered{ID: id, Err: fmt.Errorf("error discovering services: %w", err)})
			return
		}

		uuids := make([]bluetooth.UUID, 0, len(services))
		a.mu.Lock()
		for i := range services {
			svc := &services[i]
			p.services[svc.UUID()] = svc
			uuids = append(uuids, svc.UUID())
		}
		a.mu.Unlock()
		a.pump.Push(ServicesDiscovered{ID: id, Services: uuids})
	})
}

func (a *TinyGoAdapter) DiscoverCharacteristics(id PeripheralID, service bluetooth.UUID, filter []bluetooth.UUID) error {
	p, ok := a.connected(id)
	if !ok {
		return fmt.Errorf("discover characteristics on %s: %w", id, ErrNotConnected)
	}

	return a.enqueue(func() {
		a.mu.RLock()
		svc, ok := p.services[service]
		a.mu.RUnlock()
		if !ok {
			a.pump.Push(CharacteristicsDiscovered{ID: id, Service: service, Err: fmt.Errorf("service %v not found on device", service)})
			return
		}

		a.logger.Printf("TinyGoAdapter: Discovering all characteristics for service %s", service)
		chars, err := svc.DiscoverCharacteristics(filter)
		if err != nil {
			a.pump.Push(CharacteristicsDiscovered{
				ID:      id,
				Service: service,
				Err:     fmt.Errorf("could not discover characteristics for service %v: %w", service, err),
			})
			return
		}

		handles := make([]Characteristic, 0, len(chars))
		a.mu.Lock()
		for i := range chars {
			handle := Characteristic{Service: service, UUID: chars[i].UUID()}
			p.characteristics[handle] = &chars[i]
			handles = append(handles, handle)
		}
		a.mu.Unlock()
		a.pump.Push(CharacteristicsDiscovered{ID: id, Service: service, Characteristics: handles})
	})
}

func (a *TinyGoAdapter) characteristic(p *tinygoPeripheral, char Characteristic) (*bluetooth.DeviceCharacteristic, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := p.characteristics[char]
	if !ok {
		return nil, fmt.Errorf("characteristic %v in service %v: %w", char.UUID, char.Service, ErrUnknownCharacteristic)
	}
	return c, nil
}

func (a *TinyGoAdapter) ReadValue(id PeripheralID, char Characteristic) error {
	p, ok := a.connected(id)
	if !ok {
		return fmt.Errorf("read %v on %s: %w", char.UUID, id, ErrNotConnected)
	}

	return a.enqueue(func() {
		c, err := a.characteristic(p, char)
		if err != nil {
			a.pump.Push(ValueUpdated{ID: id, Characteristic: char, Err: err})
			return
		}
		buf := make([]byte, 512)
		n, err := c.Read(buf)
		if err != nil {
			a.pump.Push(ValueUpdated{ID: id, Characteristic: char, Err: fmt.Errorf("failed to read characteristic: %w", err)})
			return
		}
		a.pump.Push(ValueUpdated{ID: id, Characteristic: char, Value: buf[:n]})
	})
}

func (a *TinyGoAdapter) WriteValue(id PeripheralID, char Characteristic, data []byte, ackRequired bool) error {
	p, ok := a.connected(id)
	if !ok {
		return fmt.Errorf("write %v on %s: %w", char.UUID, id, ErrNotConnected)
	}
	payload := append([]byte(nil), data...)

	return a.enqueue(func() {
		c, err := a.characteristic(p, char)
		if err != nil {
			a.logger.Printf("TinyGoAdapter: Write failed: %v", err)
			return
		}
		if ackRequired {
			_, err = c.Write(payload)
		} else {
			_, err = c.WriteWithoutResponse(payload)
		}
		if err != nil {
			a.logger.Printf("TinyGoAdapter: Failed to write characteristic %v: %v", char.UUID, err)
		}
	})
}

// SetNotify queues the request. An enable that the radio cannot carry out is
// reported as NotifyFailed; a failed disable is only logged.
func (a *TinyGoAdapter) SetNotify(id PeripheralID, char Characteristic, enabled bool) error {
	p, ok := a.connected(id)
	if !ok {
		return fmt.Errorf("notify %v on %s: %w", char.UUID, id, ErrNotConnected)
	}

	return a.enqueue(func() {
		a.setNotify(p, id, char, enabled)
	})
}

func (a *TinyGoAdapter) setNotify(p *tinygoPeripheral, id PeripheralID, char Characteristic, enabled bool) {
	failed := func(err error) {
		a.logger.Printf("TinyGoAdapter: SetNotify(%v) failed for %v: %v", enabled, char.UUID, err)
		if enabled {
			a.pump.Push(NotifyFailed{ID: id, Characteristic: char, Err: err})
		}
	}

	c, err := a.characteristic(p, char)
	if err != nil {
		failed(err)
		return
	}

	var callback func(buf []byte)
	if enabled {
		callback = func(buf []byte) {
			value := append([]byte(nil), buf...)
			a.pump.Push(ValueUpdated{ID: id, Characteristic: char, Value: value})
		}
	}
	// A nil callback disables notifications
	if err := c.EnableNotifications(callback); err != nil {
		failed(fmt.Errorf("enable notifications: %w", err))
		return
	}
	a.logger.Printf("TinyGoAdapter: Notifications enabled=%v for %v", enabled, char.UUID)
}

// Close disconnects everything, stops scanning and waits for the worker
// goroutines to exit.
func (a *TinyGoAdapter) Close() error {
	a.logger.Println("TinyGoAdapter: Shutting down")
	a.mu.RLock()
	ids := make([]PeripheralID, 0, len(a.peripherals))
	for id := range a.peripherals {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	for _, id := range ids {
		if err := a.Disconnect(id); err != nil {
			a.logger.Printf("TinyGoAdapter: Error disconnecting from %v: %v", id, err)
		}
	}

	// Let the queued disconnects reach the radio before the worker stops.
	drained := make(chan struct{})
	if a.enqueue(func() { close(drained) }) == nil {
		select {
		case <-drained:
		case <-time.After(closeDrainTimeout):
			a.logger.Printf("TinyGoAdapter: Timeout after %v draining operations", closeDrainTimeout)
		}
	}

	err := a.StopScan()
	a.cancel()
	a.wg.Wait()
	a.logger.Println("TinyGoAdapter: Shutdown complete")
	return err
}
