package pdo

import (
	"log/slog"
	"sync"

	"github.com/ipa320/ros-canopen/pkg/can"
	"github.com/ipa320/ros-canopen/pkg/layer"
	"github.com/ipa320/ros-canopen/pkg/od"
)

// Mapper owns all PDOs of one node. The device's transmit PDOs
// become the master's receive PDOs and vice versa : descriptors from
// the TPDO ranges are parsed into RPDOs and descriptors from the
// RPDO ranges into TPDOs.
type Mapper struct {
	mu     sync.Mutex
	disp   *can.Dispatcher
	logger *slog.Logger
	rpdos  []*RPDO
	tpdos  []*TPDO
}

func NewMapper(disp *can.Dispatcher, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{disp: disp, logger: logger}
}

// Init builds the PDO set from the storage's dictionary, keeping
// only descriptors whose programming succeeds. Re-initializing
// releases the previous set's listeners first.
func (m *Mapper) Init(storage *od.Storage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rpdo := range m.rpdos {
		rpdo.Release()
	}
	m.rpdos = nil
	info := storage.Dictionary().DeviceInfo
	for i := uint16(0); i < uint16(info.NrOfTxPdo); i++ {
		rpdo, err := NewRPDO(m.disp, m.logger, storage, TpdoCommBase+i, TpdoMapBase+i)
		if err != nil {
			m.logger.Debug("skipping rpdo", "nr", i, "error", err)
			continue
		}
		m.rpdos = append(m.rpdos, rpdo)
	}
	m.logger.Info("initialized receive pdos", "count", len(m.rpdos))

	m.tpdos = nil
	for i := uint16(0); i < uint16(info.NrOfRxPdo); i++ {
		tpdo, err := NewTPDO(m.disp, m.logger, storage, RpdoCommBase+i, RpdoMapBase+i)
		if err != nil {
			m.logger.Debug("skipping tpdo", "nr", i, "error", err)
			continue
		}
		m.tpdos = append(m.tpdos, tpdo)
	}
	m.logger.Info("initialized transmit pdos", "count", len(m.tpdos))
}

// Read runs the receive side of one cycle over all RPDOs.
func (m *Mapper) Read(status *layer.Status) {
	m.mu.Lock()
	rpdos := m.rpdos
	m.mu.Unlock()
	for _, rpdo := range rpdos {
		rpdo.Sync(status)
	}
}

// Write runs the transmit side of one cycle over all TPDOs.
func (m *Mapper) Write(status *layer.Status) {
	m.mu.Lock()
	tpdos := m.tpdos
	m.mu.Unlock()
	for _, tpdo := range tpdos {
		tpdo.Sync(status)
	}
}

// Shutdown releases all frame listeners and drops the PDO set.
func (m *Mapper) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rpdo := range m.rpdos {
		rpdo.Release()
	}
	m.rpdos = nil
	m.tpdos = nil
}

// RPDOs returns the receive PDOs in descriptor order.
func (m *Mapper) RPDOs() []*RPDO {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rpdos
}

// TPDOs returns the transmit PDOs in descriptor order.
func (m *Mapper) TPDOs() []*TPDO {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tpdos
}
