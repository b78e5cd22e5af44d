// Package pdo implements the master's process data subsystem : it
// parses the PDO descriptors of a node's object dictionary,
// (re)programs them on the device and shuttles bytes between typed
// storage entries and raw CAN frames at synchronization time.
package pdo

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ipa320/ros-canopen/pkg/can"
	"github.com/ipa320/ros-canopen/pkg/od"
)

const (
	// Descriptor base indexes. Receive-from-device PDOs live in the
	// device's TPDO range, transmit-to-device PDOs in its RPDO range.
	RpdoCommBase uint16 = 0x1400
	RpdoMapBase  uint16 = 0x1600
	TpdoCommBase uint16 = 0x1800
	TpdoMapBase  uint16 = 0x1A00

	subComNum              uint8 = 0
	subComCobID            uint8 = 1
	subComTransmissionType uint8 = 2
	subComReserved         uint8 = 4
	subComEventTimer       uint8 = 5

	subMapNum uint8 = 0

	// MaxMappedEntries is the highest valid mapping count
	MaxMappedEntries uint8 = 0x40
	// MaxPdoLength is the payload limit of one PDO frame
	MaxPdoLength uint8 = 8
)

// Transmission types
const (
	TransmissionSyncAcyclic uint8 = 0x00 // on SYNC if data updated
	TransmissionSync1       uint8 = 0x01 // every SYNC
	TransmissionSync240     uint8 = 0xF0 // every 240th SYNC
	TransmissionSyncRTR     uint8 = 0xFC // RTR request on SYNC
	TransmissionAsyncRTR    uint8 = 0xFD // RTR request on demand
	TransmissionEventLo     uint8 = 0xFE // event-driven (manufacturer)
	TransmissionEventHi     uint8 = 0xFF // event-driven (profile)
)

var (
	ErrNotValid     = errors.New("pdo is not valid")
	ErrMapMismatch  = errors.New("mapped size does not match dictionary entry")
	ErrFrameTooLong = errors.New("mapped data exceeds frame length")
)

// pdoID is the COB-ID communication parameter word.
type pdoID uint32

func (id pdoID) CanID() uint32  { return uint32(id) & can.MaskEff }
func (id pdoID) Extended() bool { return id&(1<<29) != 0 }
func (id pdoID) NoRTR() bool    { return id&(1<<30) != 0 }
func (id pdoID) Invalid() bool  { return id&(1<<31) != 0 }

func (id pdoID) Header() can.Header {
	canID := id.CanID()
	if !id.Extended() {
		canID &= can.MaskSff
	}
	return can.Header{ID: canID, Extended: id.Extended()}
}

// pdoMapping is one 32-bit mapping parameter word packed as
// {length:8, sub:8, index:16}.
type pdoMapping uint32

func (m pdoMapping) LengthBits() uint8 { return uint8(m) }
func (m pdoMapping) SubIndex() uint8   { return uint8(m >> 8) }
func (m pdoMapping) Index() uint16     { return uint16(m >> 16) }

// PDO is the state common to both directions : the frame template,
// the ordered buffer slots covering its payload and the programming
// logic that reads descriptors and mounts buffers on storage.
type PDO struct {
	mu               sync.Mutex
	logger           *slog.Logger
	disp             *can.Dispatcher
	storage          *od.Storage
	frame            can.Frame
	buffers          []*Buffer
	transmissionType uint8
}

func checkComChanged(dict *od.Dictionary, comIndex uint16) bool {
	for sub := uint8(0); sub <= 6; sub++ {
		if entry, err := dict.Entry(comIndex, sub); err == nil && entry.HasDefault() {
			return true
		}
	}
	return false
}

func checkMapChanged(num uint8, dict *od.Dictionary, mapIndex uint16) bool {
	if num <= MaxMappedEntries {
		for sub := uint8(1); sub <= num; sub++ {
			if entry, err := dict.Entry(mapIndex, sub); err == nil && entry.HasDefault() {
				return true
			}
		}
		return false
	}
	// Record mode : the count itself decides, an empty default means
	// the mapping must be reprogrammed.
	entry, err := dict.Entry(mapIndex, subMapNum)
	return err == nil && !entry.HasDefault()
}

// parseAndSetMapping reads the PDO descriptor, reprograms it on the
// device where the dictionary provides defaults, and wires one
// buffer per mapping entry. With read set the buffers feed storage
// reads (receive direction), with write set storage writes feed the
// buffers (transmit direction).
func (p *PDO) parseAndSetMapping(comIndex, mapIndex uint16, read, write bool) error {
	dict := p.storage.Dictionary()

	var mapNum uint8
	if entry, err := dict.Entry(mapIndex, subMapNum); err == nil && entry.HasDefault() {
		mapNum = entry.Default(p.storage.NodeID())[0]
	}

	mapChanged := checkMapChanged(mapNum, dict, mapIndex)
	comChanged := checkComChanged(dict, comIndex)

	// Disable the PDO while reprogramming it
	if mapChanged || comChanged {
		cobID, err := p.storage.Uint32(comIndex, subComCobID)
		if err != nil {
			return err
		}
		if err := p.storage.SetUint32(comIndex, subComCobID, cobID|1<<31); err != nil {
			return err
		}
	}

	if mapNum >= 1 && mapNum <= MaxMappedEntries {
		// Clear the count before touching the mapping entries
		if mapChanged {
			if err := p.storage.SetUint8(mapIndex, subMapNum, 0); err != nil {
				return err
			}
		}
		p.frame.DLC = 0
		p.buffers = nil
		for sub := uint8(1); sub <= mapNum; sub++ {
			entry, err := dict.Entry(mapIndex, sub)
			if err != nil {
				return err
			}
			var word uint32
			if entry.HasDefault() {
				word = leUint32(entry.Default(p.storage.NodeID()))
				if err := p.storage.SetUint32(mapIndex, sub, word); err != nil {
					return err
				}
			} else {
				word, err = p.storage.Uint32(mapIndex, sub)
				if err != nil {
					return err
				}
			}
			mapping := pdoMapping(word)
			size := int(mapping.LengthBits() / 8)
			buffer := NewBuffer(size)
			if mapping.Index() < 0x1000 {
				// Dummy entry, pure padding not tied to a real object
				p.logger.Debug("dummy mapping",
					"index", fmt.Sprintf("x%x", mapping.Index()),
					"bits", mapping.LengthBits(),
				)
			} else {
				var rd od.ReadDelegate
				var wd od.WriteDelegate
				if read {
					rd = buffer.ReadEntry
				}
				if read || write {
					wd = buffer.WriteEntry
				}
				n, err := p.storage.Map(mapping.Index(), mapping.SubIndex(), rd, wd)
				if err != nil {
					return err
				}
				if n != size {
					return fmt.Errorf("%w : x%04X/%d maps %d bytes, entry has %d",
						ErrMapMismatch, mapping.Index(), mapping.SubIndex(), size, n)
				}
			}
			p.frame.DLC += uint8(size)
			if p.frame.DLC > MaxPdoLength {
				return ErrFrameTooLong
			}
			buffer.Clean()
			p.buffers = append(p.buffers, buffer)
		}
	}

	// Default-initialize the communication record, COB-ID last
	if comChanged {
		var subs uint8
		if entry, err := dict.Entry(comIndex, subComNum); err == nil && entry.HasDefault() {
			subs = entry.Default(p.storage.NodeID())[0]
		}
		for sub := subComNum + 1; sub <= subs; sub++ {
			if sub == subComCobID || sub == subComReserved {
				continue
			}
			err := p.storage.Init(od.Key{Index: comIndex, Sub: sub})
			if err != nil && !errors.Is(err, od.ErrNotExist) && !errors.Is(err, od.ErrNoDefault) {
				return err
			}
		}
	}
	if mapChanged {
		if err := p.storage.SetUint8(mapIndex, subMapNum, mapNum); err != nil {
			return err
		}
	}
	if mapChanged || comChanged {
		entry, err := dict.Entry(comIndex, subComCobID)
		if err != nil {
			return err
		}
		if entry.HasDefault() {
			// Re-enables the PDO with the per-node id applied
			if err := p.storage.SetUint32(comIndex, subComCobID, leUint32(entry.Default(p.storage.NodeID()))); err != nil {
				return err
			}
		}
	}
	return nil
}

// configuredID returns the COB-ID the dictionary assigns to this
// PDO, with the node id offset applied.
func (p *PDO) configuredID(comIndex uint16) (pdoID, error) {
	entry, err := p.storage.Dictionary().Entry(comIndex, subComCobID)
	if err != nil {
		return 0, err
	}
	if !entry.HasDefault() {
		id, err := p.storage.Uint32(comIndex, subComCobID)
		return pdoID(id), err
	}
	return pdoID(leUint32(entry.Default(p.storage.NodeID()))), nil
}

func (p *PDO) configuredTransmissionType(comIndex uint16) (uint8, error) {
	entry, err := p.storage.Dictionary().Entry(comIndex, subComTransmissionType)
	if err != nil {
		return 0, err
	}
	if !entry.HasDefault() {
		return p.storage.Uint8(comIndex, subComTransmissionType)
	}
	return entry.Default(p.storage.NodeID())[0], nil
}

// Buffers returns the frame slots in mapping order.
func (p *PDO) Buffers() []*Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffers
}

// Frame returns the current frame template.
func (p *PDO) Frame() can.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame
}

func (p *PDO) TransmissionType() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transmissionType
}

func leUint32(data []byte) uint32 {
	var value uint32
	for i := 0; i < len(data) && i < 4; i++ {
		value |= uint32(data[i]) << (8 * i)
	}
	return value
}
