// Package virtual provides an in-process CAN bus used for testing
// and for running the master without hardware. All buses attached to
// the same hub see each other's frames.
package virtual

import (
	"errors"
	"sync"

	"github.com/ipa320/ros-canopen/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", func(channel string) (can.Bus, error) {
		return hubForChannel(channel).NewBus(), nil
	})
}

var (
	hubsMu sync.Mutex
	hubs   = map[string]*Hub{}
)

func hubForChannel(channel string) *Hub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	hub, ok := hubs[channel]
	if !ok {
		hub = NewHub()
		hubs[channel] = hub
	}
	return hub
}

// Hub fans frames out between attached buses.
type Hub struct {
	mu    sync.Mutex
	buses []*Bus
}

func NewHub() *Hub {
	return &Hub{}
}

// NewBus attaches a new bus endpoint to the hub.
func (h *Hub) NewBus() *Bus {
	h.mu.Lock()
	defer h.mu.Unlock()
	bus := &Bus{hub: h}
	h.buses = append(h.buses, bus)
	return bus
}

func (h *Hub) publish(from *Bus, frame can.Frame) {
	h.mu.Lock()
	targets := make([]*Bus, 0, len(h.buses))
	for _, bus := range h.buses {
		if bus == from && !bus.receiveOwn {
			continue
		}
		targets = append(targets, bus)
	}
	h.mu.Unlock()
	for _, bus := range targets {
		bus.dispatch(frame)
	}
}

type Bus struct {
	mu         sync.Mutex
	hub        *Hub
	listener   can.FrameListener
	stateCb    can.StateListener
	connected  bool
	receiveOwn bool
}

func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return errors.New("virtual bus is not connected")
	}
	b.hub.publish(b, frame)
	return nil
}

func (b *Bus) Subscribe(callback can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = callback
	return nil
}

// SubscribeState implements the StateReporter interface.
func (b *Bus) SubscribeState(callback can.StateListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateCb = callback
}

// SetReceiveOwn enables local loopback of sent frames.
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}

// InjectState simulates a bus state change from the driver.
func (b *Bus) InjectState(state can.State) {
	b.mu.Lock()
	callback := b.stateCb
	b.mu.Unlock()
	if callback != nil {
		callback.HandleState(state)
	}
}

func (b *Bus) dispatch(frame can.Frame) {
	b.mu.Lock()
	listener := b.listener
	connected := b.connected
	b.mu.Unlock()
	if connected && listener != nil {
		listener.Handle(frame)
	}
}
