package pdo

import (
	"fmt"
	"log/slog"

	"github.com/ipa320/ros-canopen/pkg/can"
	"github.com/ipa320/ros-canopen/pkg/layer"
	"github.com/ipa320/ros-canopen/pkg/od"
)

// noTimeout disarms the cyclic reception watchdog.
const noTimeout = -1

// RPDO receives process data from a device. The device publishes it
// through one of its TPDO descriptors, so the mapping is parsed from
// the 0x1800/0x1A00 ranges.
type RPDO struct {
	pdo     *PDO
	timeout int
	cancel  func()
}

// NewRPDO parses and programs one receive PDO and registers its
// frame listener. Fails if the descriptor maps nothing or the COB-ID
// is flagged invalid.
func NewRPDO(
	disp *can.Dispatcher,
	logger *slog.Logger,
	storage *od.Storage,
	comIndex uint16,
	mapIndex uint16,
) (*RPDO, error) {
	if disp == nil || storage == nil {
		return nil, fmt.Errorf("rpdo x%04X : %w", comIndex, ErrNotValid)
	}
	if logger == nil {
		logger = slog.Default()
	}
	rpdo := &RPDO{
		pdo: &PDO{
			logger:  logger.With("service", "[RPDO]"),
			disp:    disp,
			storage: storage,
		},
	}
	pdo := rpdo.pdo
	if err := pdo.parseAndSetMapping(comIndex, mapIndex, true, false); err != nil {
		return nil, err
	}
	id, err := pdo.configuredID(comIndex)
	if err != nil {
		return nil, err
	}
	if len(pdo.buffers) == 0 || id.Invalid() {
		return nil, fmt.Errorf("rpdo x%04X : %w", comIndex, ErrNotValid)
	}
	pdo.frame.Header = id.Header()
	pdo.frame.RTR = !id.NoRTR()

	pdo.transmissionType, err = pdo.configuredTransmissionType(comIndex)
	if err != nil {
		return nil, err
	}
	rpdo.armTimeout()

	cancel, err := disp.Subscribe(id.Header(), rpdo)
	if err != nil {
		return nil, err
	}
	rpdo.cancel = cancel
	pdo.logger.Debug("finished initializing",
		"canId", fmt.Sprintf("x%x", id.CanID()),
		"buffers", len(pdo.buffers),
		"transmission type", pdo.transmissionType,
	)
	return rpdo, nil
}

// armTimeout sets the reception watchdog for the configured
// transmission type. Event-driven PDOs never time out.
func (rpdo *RPDO) armTimeout() {
	tt := rpdo.pdo.transmissionType
	switch {
	case tt >= TransmissionSync1 && tt <= TransmissionSync240:
		rpdo.timeout = int(tt) + 2
	case tt == TransmissionSyncRTR:
		rpdo.timeout = 3
	default:
		rpdo.timeout = noTimeout
	}
}

// Handle forwards a received frame into the mapped buffers and
// rewinds the reception watchdog.
func (rpdo *RPDO) Handle(frame can.Frame) {
	pdo := rpdo.pdo
	offset := 0
	for _, buffer := range pdo.buffers {
		if offset+buffer.Size() > int(frame.DLC) {
			pdo.logger.Warn("received frame shorter than mapping",
				"canId", fmt.Sprintf("x%x", frame.ID),
				"dlc", frame.DLC,
			)
			break
		}
		if err := buffer.Write(frame.Data[offset:]); err != nil {
			pdo.logger.Warn("buffer write failed", "error", err)
		}
		offset += buffer.Size()
	}
	if offset != int(frame.DLC) {
		pdo.logger.Warn("received frame length mismatch",
			"canId", fmt.Sprintf("x%x", frame.ID),
			"dlc", frame.DLC,
			"mapped", offset,
		)
	}
	pdo.mu.Lock()
	tt := pdo.transmissionType
	switch {
	case tt >= TransmissionSync1 && tt <= TransmissionSync240:
		rpdo.timeout = int(tt) + 2
	case tt == TransmissionSyncRTR || tt == TransmissionAsyncRTR:
		if pdo.frame.RTR {
			rpdo.timeout = 3
		}
	}
	pdo.mu.Unlock()
}

// Sync runs the receive side of one cycle : counts down the
// reception watchdog and issues RTR requests where configured. The
// frame is copied under the lock and sent after releasing it.
func (rpdo *RPDO) Sync(status *layer.Status) {
	pdo := rpdo.pdo
	pdo.mu.Lock()
	tt := pdo.transmissionType
	if (tt >= TransmissionSync1 && tt <= TransmissionSync240) || tt == TransmissionSyncRTR {
		if rpdo.timeout > 0 {
			rpdo.timeout--
		} else if rpdo.timeout == 0 {
			status.Warn("RPDO timeout")
		}
	}
	var request can.Frame
	sendRequest := false
	if (tt == TransmissionSyncRTR || tt == TransmissionAsyncRTR) && pdo.frame.RTR {
		request = pdo.frame
		sendRequest = true
	}
	pdo.mu.Unlock()

	if sendRequest {
		if err := pdo.disp.Send(request); err != nil {
			pdo.logger.Warn("RTR request failed", "error", err)
		}
	}
}

// Release deregisters the frame listener. The buffers stay valid so
// in-flight storage reads drain safely.
func (rpdo *RPDO) Release() {
	if rpdo.cancel != nil {
		rpdo.cancel()
		rpdo.cancel = nil
	}
}
