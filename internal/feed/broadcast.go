// Package feed streams coordinator and session events to WebSocket clients
// as JSON messages.
package feed

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lowaak/hrmonitor/internal/go_func_utils"
	"github.com/lowaak/hrmonitor/internal/hrm"
	"github.com/lowaak/hrmonitor/internal/radio"
)

const writeWait = 10 * time.Second

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans events of one Coordinator out to every connected client.
type Broadcaster struct {
	logger *log.Logger

	mu          sync.RWMutex
	clients     map[*client]bool
	coordinator *hrm.Coordinator
	followed    map[radio.PeripheralID]func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBroadcaster(logger *log.Logger) *Broadcaster {
	if logger == nil {
		panic("Broadcaster: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		logger:   logger,
		clients:  make(map[*client]bool),
		followed: make(map[radio.PeripheralID]func()),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Follow subscribes to the adapter state and device list of c, and to the
// events of every session it discovers.
func (b *Broadcaster) Follow(c *hrm.Coordinator) {
	b.mu.Lock()
	b.coordinator = c
	b.mu.Unlock()

	states := make(chan radio.AdapterState, 8)
	devices := make(chan []*hrm.Session, 8)
	stopStates := c.ListenToAdapterState(states)
	stopDevices := c.ListenToDevices(devices)

	go_func_utils.SafeGoWG(b.logger, &b.wg, func() {
		defer stopStates()
		defer stopDevices()
		for {
			select {
			case <-b.ctx.Done():
				return
			case state := <-states:
				b.broadcast(Message{
					Type:    MsgAdapterState,
					Payload: AdapterStatePayload{State: state.String(), Description: state.Describe()},
				})
			case <-devices:
				// Lists are dropped when the channel is full, so the registry
				// is the source of truth.
				for _, s := range c.Registry().All() {
					b.follow(s)
				}
			}
		}
	})
}

func (b *Broadcaster) follow(s *hrm.Session) {
	b.mu.Lock()
	if _, ok := b.followed[s.ID()]; ok {
		b.mu.Unlock()
		return
	}
	b.followed[s.ID()] = s.Listen(b.onSessionEvent)
	b.mu.Unlock()

	b.broadcast(Message{Type: MsgDiscovered, Payload: describeSession(s)})
}

func (b *Broadcaster) onSessionEvent(ev hrm.SessionEvent) {
	id := string(ev.Session.ID())
	switch ev.Kind {
	case hrm.EventHeartRate:
		b.broadcast(Message{Type: MsgHeartRate, Payload: heartRatePayload(id, ev.Measurement)})
	case hrm.EventNameUpdated, hrm.EventManufacturerUpdated, hrm.EventLocationUpdated:
		b.broadcast(Message{Type: MsgProperties, Payload: describeSession(ev.Session)})
	case hrm.EventStateChanged:
		b.broadcast(Message{Type: MsgSessionState, Payload: describeSession(ev.Session)})
	case hrm.EventDisconnected:
		payload := DisconnectedPayload{ID: id}
		if ev.Err != nil {
			payload.Error = ev.Err.Error()
		}
		b.broadcast(Message{Type: MsgDisconnected, Payload: payload})
	}
}

func describeSession(s *hrm.Session) DevicePayload {
	d := DevicePayload{
		ID:    string(s.ID()),
		RSSI:  s.RSSI(),
		State: s.State().String(),
	}
	d.Name, _ = s.Name()
	d.Manufacturer, _ = s.ManufacturerName()
	if loc, ok := s.Location(); ok {
		d.Location = loc.String()
	}
	return d
}

func heartRatePayload(id string, m hrm.HeartRateMeasurement) HeartRatePayload {
	p := HeartRatePayload{
		ID:               id,
		BPM:              m.BPM,
		ContactSupported: m.ContactSupported,
		ContactDetected:  m.ContactDetected,
	}
	if m.EnergyExpended {
		energy := m.Energy
		p.Energy = &energy
	}
	for _, rr := range m.RR {
		p.RRMillis = append(p.RRMillis, float64(rr)/float64(time.Millisecond))
	}
	return p
}

func (b *Broadcaster) snapshot() Message {
	b.mu.RLock()
	c := b.coordinator
	b.mu.RUnlock()

	payload := SnapshotPayload{Devices: []DevicePayload{}}
	if c != nil {
		payload.AdapterState = c.AdapterState().String()
		for _, s := range c.Registry().All() {
			payload.Devices = append(payload.Devices, describeSession(s))
		}
	}
	return Message{Type: MsgSnapshot, Payload: payload}
}

// AddClient registers conn and sends it a snapshot of the known devices.
func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	// queued before registering so no broadcast can overtake it
	if data, err := json.Marshal(b.snapshot()); err != nil {
		b.logger.Printf("Feed: snapshot marshal error: %v", err)
	} else {
		c.send <- data
	}

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()
	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Printf("Feed: broadcast marshal error: %v", err)
		return
	}

	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		// Client can't keep up, disconnect it
		b.logger.Printf("Feed: client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close stops following the coordinator and drops every client.
func (b *Broadcaster) Close() {
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	for _, stop := range b.followed {
		stop()
	}
	b.followed = make(map[radio.PeripheralID]func())
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}
