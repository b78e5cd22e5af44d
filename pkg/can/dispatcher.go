package can

import (
	"sync"
)

// Dispatcher is a wrapper around the CAN bus interface.
// It fans received frames out to header-filtered listeners and
// tracks the bus error state. Subscriptions return a cancel
// function, releasing it deregisters the listener.
type Dispatcher struct {
	mu             sync.Mutex
	bus            Bus
	frameListeners map[uint32][]*frameSubscription
	stateListeners []*stateSubscription
	state          State
}

type frameSubscription struct {
	callback FrameListener
	canceled bool
}

type stateSubscription struct {
	callback StateListener
	canceled bool
}

func NewDispatcher(bus Bus) *Dispatcher {
	return &Dispatcher{
		bus:            bus,
		frameListeners: make(map[uint32][]*frameSubscription),
	}
}

// Implements the FrameListener interface.
// This handles all received CAN frames from Bus.
func (d *Dispatcher) Handle(frame Frame) {
	d.mu.Lock()
	subs := d.frameListeners[frame.Header.Key()]
	targets := make([]FrameListener, 0, len(subs))
	for _, sub := range subs {
		if !sub.canceled {
			targets = append(targets, sub.callback)
		}
	}
	d.mu.Unlock()
	for _, callback := range targets {
		callback.Handle(frame)
	}
}

// Implements the StateListener interface for buses that report state.
func (d *Dispatcher) HandleState(state State) {
	d.mu.Lock()
	d.state = state
	subs := make([]StateListener, 0, len(d.stateListeners))
	for _, sub := range d.stateListeners {
		if !sub.canceled {
			subs = append(subs, sub.callback)
		}
	}
	d.mu.Unlock()
	for _, callback := range subs {
		callback.HandleState(state)
	}
}

func (d *Dispatcher) SetBus(bus Bus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bus = bus
}

func (d *Dispatcher) Bus() Bus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bus
}

// Send a CAN frame on the bus
func (d *Dispatcher) Send(frame Frame) error {
	d.mu.Lock()
	bus := d.bus
	d.mu.Unlock()
	if bus == nil {
		return ErrNotConnected
	}
	return bus.Send(frame)
}

// Subscribe to frames matching exactly the given header.
// The returned cancel function deregisters the listener.
func (d *Dispatcher) Subscribe(header Header, callback FrameListener) (func(), error) {
	if callback == nil {
		return nil, ErrIllegalArgument
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	sub := &frameSubscription{callback: callback}
	key := header.Key()
	d.frameListeners[key] = append(d.frameListeners[key], sub)
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		sub.canceled = true
		subs := d.frameListeners[key]
		for i := range subs {
			if subs[i] == sub {
				d.frameListeners[key] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}

// SubscribeState registers a callback for bus state changes.
func (d *Dispatcher) SubscribeState(callback StateListener) (func(), error) {
	if callback == nil {
		return nil, ErrIllegalArgument
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	sub := &stateSubscription{callback: callback}
	d.stateListeners = append(d.stateListeners, sub)
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		sub.canceled = true
		for i := range d.stateListeners {
			if d.stateListeners[i] == sub {
				d.stateListeners = append(d.stateListeners[:i], d.stateListeners[i+1:]...)
				break
			}
		}
	}, nil
}

// State returns the last reported bus state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
