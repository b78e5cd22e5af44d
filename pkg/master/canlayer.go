package master

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/ipa320/ros-canopen/pkg/can"
	"github.com/ipa320/ros-canopen/pkg/layer"
)

// canLayer is the lowest layer of the stack : it owns the bus
// connection and surfaces the driver's error state on every cycle.
type canLayer struct {
	bus         can.Bus
	disp        *can.Dispatcher
	connected   bool
	stateCancel func()
}

func newCanLayer(bus can.Bus, disp *can.Dispatcher) *canLayer {
	return &canLayer{bus: bus, disp: disp}
}

func (c *canLayer) Name() string { return "driver" }

func (c *canLayer) Init(status *layer.Status) {
	if c.connected {
		return
	}
	if err := c.bus.Connect(); err != nil {
		status.Error(fmt.Sprintf("connecting to CAN bus failed: %v", err))
		return
	}
	if err := c.bus.Subscribe(c.disp); err != nil {
		status.Error(fmt.Sprintf("subscribing to CAN bus failed: %v", err))
		return
	}
	if reporter, ok := c.bus.(can.StateReporter); ok {
		reporter.SubscribeState(c.disp)
	}
	cancel, err := c.disp.SubscribeState(stateLogger{})
	if err == nil {
		c.stateCancel = cancel
	}
	c.connected = true
	log.Info("[DRIVER] connected to CAN bus")
}

func (c *canLayer) Shutdown(status *layer.Status) {
	if !c.connected {
		return
	}
	if c.stateCancel != nil {
		c.stateCancel()
		c.stateCancel = nil
	}
	if err := c.bus.Disconnect(); err != nil {
		status.Warn(fmt.Sprintf("disconnecting CAN bus failed: %v", err))
	}
	c.connected = false
}

// Recover re-checks the bus state, connecting first when the layer
// is not connected (never initialized or shut down).
func (c *canLayer) Recover(status *layer.Status) {
	if !c.connected {
		c.Init(status)
		return
	}
	c.checkState(status)
}

// Halt keeps the connection, upper layers stop using it.
func (c *canLayer) Halt(status *layer.Status) {}

func (c *canLayer) checkState(status *layer.Status) {
	switch c.disp.State() {
	case can.StateBusOff:
		status.Error("CAN bus is off")
	case can.StatePassive:
		status.Error("CAN bus is error passive")
	case can.StateWarning:
		status.Warn("CAN bus warning level")
	}
}

func (c *canLayer) Read(status *layer.Status) {
	if !c.connected {
		status.Error("CAN bus is not connected")
		return
	}
	c.checkState(status)
}

func (c *canLayer) Write(status *layer.Status) {
	if !c.connected {
		status.Error("CAN bus is not connected")
		return
	}
	c.checkState(status)
}

func (c *canLayer) Pending(status *layer.Status) {}

func (c *canLayer) Diag(report *layer.Report) {
	report.Add("can_connected", c.connected)
	report.Add("can_state", c.disp.State().String())
}

// stateLogger mirrors driver state changes into the master log.
type stateLogger struct{}

func (stateLogger) HandleState(state can.State) {
	if state == can.StateActive {
		log.Infof("[DRIVER] bus state: %v", state)
	} else {
		log.Warnf("[DRIVER] bus state: %v", state)
	}
}
