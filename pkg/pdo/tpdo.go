package pdo

import (
	"fmt"
	"log/slog"

	"github.com/ipa320/ros-canopen/pkg/can"
	"github.com/ipa320/ros-canopen/pkg/layer"
	"github.com/ipa320/ros-canopen/pkg/od"
)

// TPDO transmits process data to a device. The device consumes it
// through one of its RPDO descriptors, so the mapping is parsed from
// the 0x1400/0x1600 ranges.
type TPDO struct {
	pdo *PDO
}

// NewTPDO parses and programs one transmit PDO. Synchronous types
// with a cycle divider are coerced to transmission on every SYNC,
// the master does not divide its own pace.
func NewTPDO(
	disp *can.Dispatcher,
	logger *slog.Logger,
	storage *od.Storage,
	comIndex uint16,
	mapIndex uint16,
) (*TPDO, error) {
	if disp == nil || storage == nil {
		return nil, fmt.Errorf("tpdo x%04X : %w", comIndex, ErrNotValid)
	}
	if logger == nil {
		logger = slog.Default()
	}
	tpdo := &TPDO{
		pdo: &PDO{
			logger:  logger.With("service", "[TPDO]"),
			disp:    disp,
			storage: storage,
		},
	}
	pdo := tpdo.pdo
	if err := pdo.parseAndSetMapping(comIndex, mapIndex, false, true); err != nil {
		return nil, err
	}
	id, err := pdo.configuredID(comIndex)
	if err != nil {
		return nil, err
	}
	if len(pdo.buffers) == 0 || id.Invalid() {
		return nil, fmt.Errorf("tpdo x%04X : %w", comIndex, ErrNotValid)
	}
	pdo.frame.Header = id.Header()

	tt, err := pdo.configuredTransmissionType(comIndex)
	if err != nil {
		return nil, err
	}
	if tt > TransmissionSync1 && tt <= TransmissionSync240 {
		if err := storage.SetUint8(comIndex, subComTransmissionType, TransmissionSync1); err != nil {
			return nil, err
		}
		tt = TransmissionSync1
	}
	pdo.transmissionType = tt
	pdo.logger.Debug("finished initializing",
		"canId", fmt.Sprintf("x%x", id.CanID()),
		"buffers", len(pdo.buffers),
		"transmission type", tt,
	)
	return tpdo, nil
}

// Sync runs the transmit side of one cycle : collects the buffers
// into the frame payload and transmits when any slot was updated
// since the last cycle. The frame is assembled under the lock and
// sent after releasing it.
func (tpdo *TPDO) Sync(status *layer.Status) {
	pdo := tpdo.pdo
	pdo.mu.Lock()
	updated := false
	remaining := int(pdo.frame.DLC)
	offset := 0
	for _, buffer := range pdo.buffers {
		if remaining < buffer.Size() {
			// Mapping no longer covers the frame, skip the tail
			break
		}
		dirty, err := buffer.Read(pdo.frame.Data[offset:])
		if err != nil {
			pdo.logger.Warn("buffer read failed", "error", err)
			continue
		}
		updated = updated || dirty
		remaining -= buffer.Size()
		offset += buffer.Size()
	}
	frame := pdo.frame
	pdo.mu.Unlock()

	if !updated {
		return
	}
	if err := pdo.disp.Send(frame); err != nil {
		pdo.logger.Warn("sending TPDO failed",
			"canId", fmt.Sprintf("x%x", frame.ID),
			"error", err,
		)
		status.Warn("TPDO send failed")
	}
}
