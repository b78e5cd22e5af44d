// Package emergency implements the per-node EMCY consumers of the
// master stack. Devices report faults through emergency frames, the
// handler keeps them visible on the read cycle until the device
// clears them or the operator recovers.
package emergency

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ipa320/ros-canopen/pkg/can"
	"github.com/ipa320/ros-canopen/pkg/layer"
)

// ServiceID is the EMCY COB-ID base, the node id is added.
const ServiceID uint32 = 0x80

// errorResetCode signals "error reset / no error" per CiA 301.
const errorResetCode uint16 = 0x0000

// Event is one decoded emergency frame.
type Event struct {
	Code     uint16
	Register uint8
	Vendor   [5]byte
	At       time.Time
}

func (e Event) String() string {
	return fmt.Sprintf("code x%04X register x%02X", e.Code, e.Register)
}

// Handler consumes emergency frames of one node.
type Handler struct {
	mu     sync.Mutex
	disp   *can.Dispatcher
	logger *slog.Logger
	nodeID uint8
	cancel func()
	active bool
	last   Event
	total  uint64
}

func NewHandler(disp *can.Dispatcher, logger *slog.Logger, nodeID uint8) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		disp:   disp,
		logger: logger.With("service", "[EMCY]", "node", nodeID),
		nodeID: nodeID,
	}
}

func (h *Handler) Name() string {
	return fmt.Sprintf("emcy_%d", h.nodeID)
}

// Handle decodes one emergency frame : error code, error register
// and vendor specific bytes.
func (h *Handler) Handle(frame can.Frame) {
	if frame.DLC < 3 {
		h.logger.Warn("short emergency frame", "dlc", frame.DLC)
		return
	}
	event := Event{
		Code:     binary.LittleEndian.Uint16(frame.Data[0:2]),
		Register: frame.Data[2],
		At:       time.Now(),
	}
	copy(event.Vendor[:], frame.Data[3:8])

	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	h.last = event
	if event.Code == errorResetCode && event.Register == 0 {
		h.active = false
		h.logger.Info("error reset received")
		return
	}
	h.active = true
	h.logger.Warn("emergency received", "code", fmt.Sprintf("x%04X", event.Code), "register", event.Register)
}

func (h *Handler) Init(status *layer.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	cancel, err := h.disp.Subscribe(can.Header{ID: ServiceID + uint32(h.nodeID)}, h)
	if err != nil {
		status.Error(fmt.Sprintf("emcy listener for node %d failed: %v", h.nodeID, err))
		return
	}
	h.cancel = cancel
}

func (h *Handler) Shutdown(status *layer.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.active = false
}

// Recover drops the sticky error so the node gets a fresh chance.
func (h *Handler) Recover(status *layer.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = false
}

// Halt keeps the listener and the error history in place.
func (h *Handler) Halt(status *layer.Status) {}

// Read keeps an active emergency visible on every cycle.
func (h *Handler) Read(status *layer.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active {
		status.Error(fmt.Sprintf("node %d EMCY: %v", h.nodeID, h.last))
	}
}

func (h *Handler) Write(status *layer.Status)   {}
func (h *Handler) Pending(status *layer.Status) {}

func (h *Handler) Diag(report *layer.Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := fmt.Sprintf("node_%d_emcy", h.nodeID)
	if h.total == 0 {
		report.Add(key, "none")
		return
	}
	report.Add(key, h.last.String())
	report.Add(key+"_total", h.total)
	if h.active {
		report.Error(fmt.Sprintf("node %d EMCY: %v", h.nodeID, h.last))
	}
}

// Active reports whether an unresolved emergency is pending.
func (h *Handler) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}
