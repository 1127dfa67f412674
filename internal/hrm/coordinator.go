package hrm

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/hrmonitor/internal/events"
	"github.com/lowaak/hrmonitor/internal/go_func_utils"
	"github.com/lowaak/hrmonitor/internal/radio"

	"tinygo.org/x/bluetooth"
)

// Options tune the sessions a Coordinator creates.
type Options struct {
	// OperationTimeout bounds each connect/discovery phase. Zero disables it.
	OperationTimeout time.Duration
	// LoggingEnabled is the initial verbose logging flag of new sessions.
	LoggingEnabled bool
}

func DefaultOptions() Options {
	return Options{OperationTimeout: DefaultOperationTimeout}
}

// Coordinator binds one radio adapter to a Registry of sessions. All adapter
// events pass through HandleEvent in arrival order.
type Coordinator struct {
	adapter  radio.Adapter
	logger   *log.Logger
	opts     Options
	registry *Registry

	mu           sync.RWMutex
	adapterState radio.AdapterState
	scanning     bool
	// scan requested while the radio was not ready
	scanPending bool
	watcher     func(*Session, radio.AdapterState)
	active      *Session

	adapterStateEvent *events.ChannelEvent[radio.AdapterState]
	devicesEvent      *events.ChannelEvent[[]*Session]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(adapter radio.Adapter, logger *log.Logger, opts Options) *Coordinator {
	if adapter == nil {
		panic("Coordinator: adapter cannot be nil")
	}
	if logger == nil {
		panic("Coordinator: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		adapter:           adapter,
		logger:            logger,
		opts:              opts,
		registry:          NewRegistry(),
		adapterState:      adapter.State(),
		adapterStateEvent: events.NewChannelEvent[radio.AdapterState](true),
		devicesEvent:      events.NewChannelEvent[[]*Session](true),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// Start launches the event loop consuming the adapter's events.
func (c *Coordinator) Start() {
	go_func_utils.SafeGoWG(c.logger, &c.wg, func() {
		defer c.logger.Printf("Coordinator: exiting event loop")
		source := c.adapter.Events()
		for {
			select {
			case ev, ok := <-source:
				if !ok {
					return
				}
				c.HandleEvent(ev)
			case <-c.ctx.Done():
				return
			}
		}
	})
}

// Shutdown disconnects the active session, stops scanning and waits for the
// event loop to exit.
func (c *Coordinator) Shutdown() {
	c.mu.RLock()
	active := c.active
	c.mu.RUnlock()
	if active != nil {
		active.Disconnect()
	}
	if err := c.StopWatching(); err != nil {
		c.logger.Printf("Coordinator: Failed to stop scan during shutdown: %v", err)
	}
	c.cancel()
	c.wg.Wait()
	c.adapterStateEvent.Close()
	c.devicesEvent.Close()
	c.logger.Printf("Coordinator: Shutdown complete")
}

func (c *Coordinator) Registry() *Registry {
	return c.registry
}

func (c *Coordinator) AdapterState() radio.AdapterState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.adapterState
}

func (c *Coordinator) IsScanning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scanning
}

func (c *Coordinator) Session(id radio.PeripheralID) (*Session, bool) {
	return c.registry.Get(id)
}

// ActiveSession returns the session that last started connecting, if any.
func (c *Coordinator) ActiveSession() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// ListenToAdapterState sends every adapter state change to ch. The current
// state is sent immediately once one has been observed.
func (c *Coordinator) ListenToAdapterState(ch chan<- radio.AdapterState) func() {
	return c.adapterStateEvent.Listen(ch)
}

// ListenToDevices sends the full registry contents to ch after every new
// discovery.
func (c *Coordinator) ListenToDevices(ch chan<- []*Session) func() {
	return c.devicesEvent.Listen(ch)
}

// StartWatching registers callback as the single discovery watcher and
// starts scanning for heart rate monitors. When the radio is not powered on
// yet, the scan starts as soon as it is.
func (c *Coordinator) StartWatching(callback func(*Session, radio.AdapterState)) error {
	c.mu.Lock()
	c.watcher = callback
	if c.scanning {
		c.mu.Unlock()
		c.logger.Printf("Coordinator: Already scanning, watcher replaced")
		return nil
	}
	if !c.adapterState.Ready() {
		c.scanPending = true
		state := c.adapterState
		c.mu.Unlock()
		c.logger.Printf("Coordinator: Adapter is %s, scan deferred until powered on", state)
		return nil
	}
	c.mu.Unlock()
	return c.startScan()
}

func (c *Coordinator) startScan() error {
	c.mu.Lock()
	if c.scanning {
		c.mu.Unlock()
		return nil
	}
	c.scanning = true
	c.scanPending = false
	c.mu.Unlock()

	c.logger.Printf("Coordinator: Starting scan for %v", ServiceUUIDHeartRate)
	if err := c.adapter.Scan([]bluetooth.UUID{ServiceUUIDHeartRate}); err != nil {
		c.mu.Lock()
		c.scanning = false
		c.mu.Unlock()
		return fmt.Errorf("failed to start scan: %w", err)
	}
	return nil
}

// StopWatching stops the scan. Safe to call when not scanning.
func (c *Coordinator) StopWatching() error {
	c.mu.Lock()
	c.scanPending = false
	if !c.scanning {
		c.mu.Unlock()
		return nil
	}
	c.scanning = false
	c.mu.Unlock()

	c.logger.Printf("Coordinator: Stopping scan")
	if err := c.adapter.StopScan(); err != nil {
		return fmt.Errorf("failed to stop scan: %w", err)
	}
	return nil
}

// HandleEvent dispatches one adapter event. It must only be called from a
// single goroutine at a time; Start does this for the adapter's channel.
func (c *Coordinator) HandleEvent(ev radio.Event) {
	switch e := ev.(type) {
	case radio.StateChanged:
		c.handleStateChanged(e.State)
	case radio.PeripheralDiscovered:
		c.handleDiscovered(e)
	default:
		session, ok := c.registry.Get(ev.Peripheral())
		if !ok {
			c.logger.Printf("Coordinator: Ignoring event for unknown peripheral: %s", radio.Describe(ev))
			return
		}
		if session.LoggingEnabled() {
			c.logger.Printf("Coordinator: %s", radio.Describe(ev))
		}
		c.route(session, ev)
	}
}

func (c *Coordinator) route(session *Session, ev radio.Event) {
	switch e := ev.(type) {
	case radio.Connected:
		session.handleConnected()
	case radio.FailedToConnect:
		session.handleDisconnected(fmt.Errorf("failed to connect: %w", e.Err))
	case radio.Disconnected:
		session.handleDisconnected(e.Err)
	case radio.ServicesDiscovered:
		session.handleServicesDiscovered(e)
	case radio.CharacteristicsDiscovered:
		session.handleCharacteristicsDiscovered(e)
	case radio.ValueUpdated:
		session.handleValueUpdated(e)
	case radio.NotifyFailed:
		session.handleNotifyFailed(e)
	default:
		c.logger.Printf("Coordinator: Unhandled event %T", ev)
	}
}

func (c *Coordinator) handleStateChanged(state radio.AdapterState) {
	c.mu.Lock()
	c.adapterState = state
	resume := state.Ready() && c.scanPending
	if !state.Ready() && c.scanning {
		// the radio drops the scan with the power
		c.scanning = false
		c.scanPending = true
	}
	c.mu.Unlock()

	c.logger.Printf("Coordinator: Adapter state %s: %s", state, state.Describe())
	for _, session := range c.registry.All() {
		session.adapterStateChanged(state)
	}
	c.adapterStateEvent.Notify(state)

	if resume {
		if err := c.startScan(); err != nil {
			c.logger.Printf("Coordinator: Deferred scan failed: %v", err)
		}
	}
}

func (c *Coordinator) handleDiscovered(ev radio.PeripheralDiscovered) {
	if existing, ok := c.registry.Get(ev.ID); ok {
		existing.advertised(ev.RSSI)
		return
	}

	c.mu.RLock()
	state := c.adapterState
	watcher := c.watcher
	c.mu.RUnlock()

	session := newSession(sessionConfig{
		id:               ev.ID,
		name:             ev.Name,
		rssi:             ev.RSSI,
		connectionState:  state,
		adapter:          c.adapter,
		host:             c,
		logger:           c.logger,
		operationTimeout: c.opts.OperationTimeout,
		loggingEnabled:   c.opts.LoggingEnabled,
	})
	if !c.registry.Add(session) {
		return
	}

	c.logger.Printf("Coordinator: Found heart rate monitor %s %q [RSSI: %d]", ev.ID, ev.Name, ev.RSSI)
	c.devicesEvent.Notify(c.registry.All())
	if watcher != nil {
		watcher(session, state)
	}
}

// activate makes s the session holding the radio link, disconnecting the
// previous holder.
func (c *Coordinator) activate(s *Session) {
	c.mu.Lock()
	previous := c.active
	c.active = s
	c.mu.Unlock()

	if previous != nil && previous != s && previous.State().active() {
		c.logger.Printf("Coordinator: Releasing %s for %s", previous.ID(), s.ID())
		previous.Disconnect()
	}
}
