// Package heartbeat implements the master's heartbeat producer. The
// frame is emitted from its own timer so supervising devices see the
// master alive independently of the cycle pace.
package heartbeat

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ipa320/ros-canopen/pkg/can"
	"github.com/ipa320/ros-canopen/pkg/layer"
)

// ServiceID is the heartbeat COB-ID base, the producer id is added.
const ServiceID uint32 = 0x700

// stateOperational is the NMT state byte the master advertises.
const stateOperational uint8 = 0x05

// Producer emits the master heartbeat at a fixed period.
type Producer struct {
	mu      sync.Mutex
	disp    *can.Dispatcher
	logger  *slog.Logger
	nodeID  uint8
	period  time.Duration
	timer   *time.Timer
	running bool
	sent    uint64
}

func NewProducer(disp *can.Dispatcher, logger *slog.Logger, nodeID uint8, period time.Duration) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		disp:   disp,
		logger: logger.With("service", "[HB]"),
		nodeID: nodeID,
		period: period,
	}
}

func (p *Producer) Name() string { return "heartbeat" }

func (p *Producer) send() {
	frame := can.NewFrame(ServiceID+uint32(p.nodeID), 1)
	frame.Data[0] = stateOperational
	if err := p.disp.Send(frame); err != nil {
		p.logger.Warn("sending heartbeat failed", "error", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent++
	if p.running {
		p.timer.Reset(p.period)
	}
}

func (p *Producer) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.period <= 0 {
		return
	}
	p.running = true
	if p.timer == nil {
		p.timer = time.AfterFunc(p.period, p.send)
	} else {
		p.timer.Reset(p.period)
	}
}

func (p *Producer) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	if p.timer != nil {
		p.timer.Stop()
	}
}

func (p *Producer) Init(status *layer.Status) {
	if p.nodeID > 127 {
		status.Error(fmt.Sprintf("invalid heartbeat producer id %d", p.nodeID))
		return
	}
	p.start()
	if p.period > 0 {
		p.logger.Info("initialized", "period", p.period)
	}
}

func (p *Producer) Shutdown(status *layer.Status) { p.stop() }
func (p *Producer) Recover(status *layer.Status)  { p.start() }
func (p *Producer) Halt(status *layer.Status)     { p.stop() }

func (p *Producer) Read(status *layer.Status)    {}
func (p *Producer) Write(status *layer.Status)   {}
func (p *Producer) Pending(status *layer.Status) {}

func (p *Producer) Diag(report *layer.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	report.Add("heartbeat_period", p.period.String())
	report.Add("heartbeats_sent", p.sent)
}
