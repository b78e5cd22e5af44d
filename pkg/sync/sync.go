// Package sync implements the SYNC producer layer. The master emits
// the synchronization frame on its write cycle, pacing synchronous
// PDO exchange across the bus.
package sync

import (
	"fmt"
	"log/slog"
	s "sync"
	"time"

	"github.com/ipa320/ros-canopen/pkg/can"
	"github.com/ipa320/ros-canopen/pkg/layer"
)

// ServiceID is the SYNC COB-ID per CiA 301.
const ServiceID uint32 = 0x80

// Producer is the SYNC layer of the master stack.
type Producer struct {
	mu              s.Mutex
	disp            *can.Dispatcher
	logger          *slog.Logger
	period          time.Duration
	counterOverflow uint8
	counter         uint8
	lastSent        time.Time
	enabled         bool
	sentTotal       uint64
}

func NewProducer(disp *can.Dispatcher, logger *slog.Logger, period time.Duration, counterOverflow uint8) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	if counterOverflow > 240 {
		counterOverflow = 240
	}
	return &Producer{
		disp:            disp,
		logger:          logger.With("service", "[SYNC]"),
		period:          period,
		counterOverflow: counterOverflow,
	}
}

func (p *Producer) Name() string { return "sync" }

func (p *Producer) Init(status *layer.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.period <= 0 {
		status.Error("sync period is not configured")
		return
	}
	p.counter = 0
	p.lastSent = time.Time{}
	p.enabled = true
	p.logger.Info("initialized", "period", p.period)
}

func (p *Producer) Shutdown(status *layer.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
}

func (p *Producer) Recover(status *layer.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.period <= 0 {
		status.Error("sync period is not configured")
		return
	}
	p.enabled = true
}

func (p *Producer) Halt(status *layer.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
}

func (p *Producer) Read(status *layer.Status) {}

// Write emits the SYNC frame once the configured period has elapsed.
// The frame is built under the lock and sent after releasing it.
func (p *Producer) Write(status *layer.Status) {
	p.mu.Lock()
	if !p.enabled || (!p.lastSent.IsZero() && time.Since(p.lastSent) < p.period) {
		p.mu.Unlock()
		return
	}
	p.lastSent = time.Now()
	var frame can.Frame
	if p.counterOverflow > 0 {
		p.counter++
		if p.counter > p.counterOverflow {
			p.counter = 1
		}
		frame = can.NewFrame(ServiceID, 1)
		frame.Data[0] = p.counter
	} else {
		frame = can.NewFrame(ServiceID, 0)
	}
	p.sentTotal++
	p.mu.Unlock()

	if err := p.disp.Send(frame); err != nil {
		p.logger.Warn("sending SYNC failed", "error", err)
		status.Error(fmt.Sprintf("SYNC send failed: %v", err))
	}
}

func (p *Producer) Pending(status *layer.Status) {}

func (p *Producer) Diag(report *layer.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	report.Add("sync_period", p.period.String())
	report.Add("sync_frames_sent", p.sentTotal)
	if p.enabled && !p.lastSent.IsZero() && time.Since(p.lastSent) > 3*p.period {
		report.Stale("SYNC producer stalled")
	}
}

// Counter returns the current pacing counter.
func (p *Producer) Counter() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counter
}
