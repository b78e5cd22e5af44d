// Package node implements the per-node layer of the master stack :
// an NMT driven state machine owning the node's confirmed dictionary
// access and its PDO mapper.
package node

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ipa320/ros-canopen/pkg/can"
	"github.com/ipa320/ros-canopen/pkg/layer"
	"github.com/ipa320/ros-canopen/pkg/od"
	"github.com/ipa320/ros-canopen/pkg/pdo"
	"github.com/ipa320/ros-canopen/pkg/sdo"
)

// NMT service id and commands per CiA 301
const (
	nmtServiceID       uint32 = 0x000
	heartbeatServiceID uint32 = 0x700
)

type Command uint8

const (
	CommandStart              Command = 0x01
	CommandStop               Command = 0x02
	CommandPreOperational     Command = 0x80
	CommandResetNode          Command = 0x81
	CommandResetCommunication Command = 0x82
)

// State is the device state as advertised in its heartbeat.
type State uint8

const (
	StateBootUp         State = 0x00
	StateStopped        State = 0x04
	StateOperational    State = 0x05
	StatePreOperational State = 0x7F
	StateUnknown        State = 0xFF
)

func (s State) String() string {
	switch s {
	case StateBootUp:
		return "boot-up"
	case StateStopped:
		return "stopped"
	case StateOperational:
		return "operational"
	case StatePreOperational:
		return "pre-operational"
	default:
		return "unknown"
	}
}

// Node drives one slave device.
type Node struct {
	mu     sync.Mutex
	disp   *can.Dispatcher
	logger *slog.Logger
	id     uint8

	storage *od.Storage
	client  *sdo.Client
	mapper  *pdo.Mapper

	state         State
	lastHeartbeat time.Time
	hbCancel      func()
}

func NewNode(disp *can.Dispatcher, logger *slog.Logger, id uint8, dict *od.Dictionary, sdoTimeout time.Duration) (*Node, error) {
	if disp == nil || dict == nil || id < 1 || id > 127 {
		return nil, fmt.Errorf("invalid node arguments : id %d", id)
	}
	if logger == nil {
		logger = slog.Default()
	}
	node := &Node{
		disp:    disp,
		logger:  logger.With("service", "[NODE]", "node", id),
		id:      id,
		storage: od.NewStorage(dict, id),
		state:   StateUnknown,
	}
	client, err := sdo.NewClient(disp, logger, id, sdoTimeout)
	if err != nil {
		return nil, err
	}
	node.client = client
	node.storage.AttachRemote(client)
	node.mapper = pdo.NewMapper(disp, logger)
	return node, nil
}

func (n *Node) Name() string {
	return fmt.Sprintf("node_%d", n.id)
}

func (n *Node) ID() uint8 { return n.id }

// Storage exposes the node's object storage, shared with diagnostic
// readers.
func (n *Node) Storage() *od.Storage { return n.storage }

// Mapper exposes the node's PDO mapper.
func (n *Node) Mapper() *pdo.Mapper { return n.mapper }

// Handle consumes boot-up and heartbeat frames of the device.
func (n *Node) Handle(frame can.Frame) {
	if frame.DLC < 1 {
		return
	}
	state := State(frame.Data[0] & 0x7F)
	n.mu.Lock()
	previous := n.state
	n.state = state
	n.lastHeartbeat = time.Now()
	n.mu.Unlock()
	if state == StateBootUp {
		n.logger.Info("boot-up received")
	} else if previous != state {
		n.logger.Info("state changed", "from", previous.String(), "to", state.String())
	}
}

func (n *Node) command(cmd Command) error {
	frame := can.NewFrame(nmtServiceID, 2)
	frame.Data[0] = uint8(cmd)
	frame.Data[1] = n.id
	return n.disp.Send(frame)
}

// Init brings the node up : resets its communication, programs the
// PDO set and starts the device.
func (n *Node) Init(status *layer.Status) {
	n.mu.Lock()
	if n.hbCancel == nil {
		cancel, err := n.disp.Subscribe(can.Header{ID: heartbeatServiceID + uint32(n.id)}, n)
		if err != nil {
			n.mu.Unlock()
			status.Error(fmt.Sprintf("node %d heartbeat listener failed: %v", n.id, err))
			return
		}
		n.hbCancel = cancel
	}
	n.mu.Unlock()

	if err := n.command(CommandResetCommunication); err != nil {
		status.Error(fmt.Sprintf("node %d reset failed: %v", n.id, err))
		return
	}
	n.mapper.Init(n.storage)
	if err := n.command(CommandStart); err != nil {
		status.Error(fmt.Sprintf("node %d start failed: %v", n.id, err))
		return
	}
	n.logger.Info("initialized")
}

// Shutdown leaves the device in pre-operational and releases all
// listeners. Callable on a partially initialized node.
func (n *Node) Shutdown(status *layer.Status) {
	_ = n.command(CommandPreOperational)
	n.mapper.Shutdown()
	n.mu.Lock()
	if n.hbCancel != nil {
		n.hbCancel()
		n.hbCancel = nil
	}
	n.state = StateUnknown
	n.mu.Unlock()
}

// Recover restarts a halted device without reprogramming it.
func (n *Node) Recover(status *layer.Status) {
	if err := n.command(CommandStart); err != nil {
		status.Error(fmt.Sprintf("node %d restart failed: %v", n.id, err))
	}
}

// Halt stops the device from producing process data.
func (n *Node) Halt(status *layer.Status) {
	_ = n.command(CommandStop)
}

func (n *Node) Read(status *layer.Status) {
	n.mapper.Read(status)
}

func (n *Node) Write(status *layer.Status) {
	n.mapper.Write(status)
}

// Pending reports a device that has not surfaced since bring-up.
func (n *Node) Pending(status *layer.Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateUnknown {
		status.Warn(fmt.Sprintf("node %d did not report yet", n.id))
	}
}

func (n *Node) Diag(report *layer.Report) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := fmt.Sprintf("node_%d", n.id)
	report.Add(key+"_state", n.state.String())
	if n.lastHeartbeat.IsZero() {
		report.Add(key+"_heartbeat", "never")
	} else {
		report.Add(key+"_heartbeat_age", time.Since(n.lastHeartbeat).Round(time.Millisecond).String())
	}
	if n.state == StateStopped {
		report.Warn(fmt.Sprintf("node %d is stopped", n.id))
	}
}

// LastState returns the device state seen in the latest heartbeat.
func (n *Node) LastState() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}
