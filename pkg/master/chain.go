// Package master assembles and supervises one CANopen master chain :
// the ordered layer stack of driver, SYNC producer, EMCY handlers,
// node state machines and heartbeat, driven by a single cycle thread
// and controlled through four idempotent commands.
package master

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ipa320/ros-canopen/pkg/can"
	"github.com/ipa320/ros-canopen/pkg/emergency"
	"github.com/ipa320/ros-canopen/pkg/heartbeat"
	"github.com/ipa320/ros-canopen/pkg/layer"
	"github.com/ipa320/ros-canopen/pkg/node"
	"github.com/ipa320/ros-canopen/pkg/od"
	syncpkg "github.com/ipa320/ros-canopen/pkg/sync"
)

// diagEvery is the number of cycles between diagnostic sweeps.
const diagEvery = 100

// Chain is one master instance.
type Chain struct {
	mu      sync.Mutex
	cfg     *Config
	bus     can.Bus
	disp    *can.Dispatcher
	stack   *layer.Stack
	nodes   map[uint8]*node.Node
	loggers []*Logger

	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New builds a chain, opening the configured bus interface.
func New(cfg *Config) (*Chain, error) {
	bus, err := can.NewBus(cfg.Bus.Interface, cfg.Bus.Channel)
	if err != nil {
		return nil, err
	}
	return NewWithBus(cfg, bus)
}

// NewWithBus builds a chain on an already constructed bus.
func NewWithBus(cfg *Config, bus can.Bus) (*Chain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	chain := &Chain{
		cfg:   cfg,
		bus:   bus,
		disp:  can.NewDispatcher(bus),
		nodes: map[uint8]*node.Node{},
	}
	if err := chain.setup(); err != nil {
		return nil, err
	}
	return chain, nil
}

// setup assembles the stack leaves-first : driver, SYNC, EMCY
// handlers, nodes, heartbeat.
func (c *Chain) setup() error {
	c.stack = layer.NewStack("master")
	c.stack.Add(newCanLayer(c.bus, c.disp))

	if c.cfg.Sync.IntervalMs > 0 {
		c.stack.Add(syncpkg.NewProducer(c.disp, nil, c.cfg.SyncPeriod(), c.cfg.Sync.Overflow))
	}

	emcyGroup := layer.NewGroupNoDiag("emcy_handlers")
	nodeGroup := layer.NewGroupNoDiag("nodes")
	for _, nodeCfg := range c.cfg.Nodes {
		dict, err := od.ParseEDS(nodeCfg.EDS)
		if err != nil {
			return fmt.Errorf("node %d : %w", nodeCfg.ID, err)
		}
		timeout := time.Duration(nodeCfg.TimeoutMs) * time.Millisecond
		n, err := node.NewNode(c.disp, nil, nodeCfg.ID, dict, timeout)
		if err != nil {
			return fmt.Errorf("node %d : %w", nodeCfg.ID, err)
		}
		c.nodes[nodeCfg.ID] = n
		nodeGroup.Add(n)
		emcyGroup.Add(emergency.NewHandler(c.disp, nil, nodeCfg.ID))
		c.loggers = append(c.loggers, NewLogger(n))
	}
	c.stack.Add(emcyGroup)
	c.stack.Add(nodeGroup)

	if c.cfg.Heartbeat.IntervalMs > 0 {
		c.stack.Add(heartbeat.NewProducer(c.disp, nil, c.cfg.Heartbeat.NodeID, c.cfg.HeartbeatPeriod()))
	}
	return nil
}

// Node returns the node layer for an id.
func (c *Chain) Node(id uint8) (*node.Node, bool) {
	n, ok := c.nodes[id]
	return n, ok
}

// Loggers returns the per-node diagnostic loggers.
func (c *Chain) Loggers() []*Logger {
	return c.loggers
}

// Init brings the whole chain up and starts the cycle thread on
// success.
func (c *Chain) Init() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := &layer.Status{}
	c.stack.Init(status)
	ok := status.Bounded(layer.Warn)
	if ok {
		c.start()
		log.Info("[MASTER] chain initialized")
	} else {
		log.Errorf("[MASTER] chain init failed: %s", status.Reason())
	}
	return ok, status.Reason()
}

// Recover re-establishes a halted or errored chain.
func (c *Chain) Recover() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := &layer.Status{}
	c.stack.Recover(status)
	ok := status.Bounded(layer.Warn)
	if ok {
		c.start()
		log.Info("[MASTER] chain recovered")
	} else {
		log.Errorf("[MASTER] chain recover failed: %s", status.Reason())
	}
	return ok, status.Reason()
}

// Halt stops all side effects. It never fails.
func (c *Chain) Halt() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := &layer.Status{}
	c.stack.Halt(status)
	log.Info("[MASTER] chain halted")
	return true, status.Reason()
}

// Shutdown stops the cycle thread and tears the stack down.
func (c *Chain) Shutdown() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCycles()
	status := &layer.Status{}
	c.stack.Shutdown(status)
	ok := status.Bounded(layer.Warn)
	log.Info("[MASTER] chain shut down")
	return ok, status.Reason()
}

// Diag collects one aggregated report over the live stack.
func (c *Chain) Diag() *layer.Report {
	report := &layer.Report{}
	c.stack.Diag(report)
	return report
}

// start launches the driver thread. Callers hold c.mu.
func (c *Chain) start() {
	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.wg.Add(1)
	go c.run(c.stop)
}

// stopCycles terminates the driver thread. Callers hold c.mu.
func (c *Chain) stopCycles() {
	if !c.running {
		return
	}
	close(c.stop)
	c.wg.Wait()
	c.running = false
}

// run is the driver thread : one read and one write traversal per
// cycle, pending work at the bring-up frontier, and a periodic
// diagnostic sweep.
func (c *Chain) run(stop chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.UpdatePeriod())
	defer ticker.Stop()
	cycles := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			status := &layer.Status{}
			c.stack.Read(status)
			c.stack.Write(status)
			c.stack.Pending(status)
			if !status.Bounded(layer.Warn) {
				log.Errorf("[MASTER] cycle degraded: %s", status.Reason())
			} else if status.Get() == layer.Warn {
				log.Warnf("[MASTER] cycle warning: %s", status.Reason())
			}
			cycles++
			if cycles%diagEvery == 0 {
				for _, logger := range c.loggers {
					logger.Log()
				}
			}
		}
	}
}
