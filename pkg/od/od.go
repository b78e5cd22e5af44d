// Package od implements the master side object dictionary : entry
// descriptors with default values parsed from EDS files, and the
// typed live storage the PDO subsystem mounts its buffers on.
package od

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrNotExist     = errors.New("entry does not exist")
	ErrNoDefault    = errors.New("entry has no default value")
	ErrSizeMismatch = errors.New("data size does not match entry size")
	ErrNoMap        = errors.New("entry cannot be mapped")
)

// DataType tags per CiA 306
type DataType uint8

const (
	Boolean       DataType = 0x01
	Integer8      DataType = 0x02
	Integer16     DataType = 0x03
	Integer32     DataType = 0x04
	Unsigned8     DataType = 0x05
	Unsigned16    DataType = 0x06
	Unsigned32    DataType = 0x07
	Real32        DataType = 0x08
	VisibleString DataType = 0x09
	OctetString   DataType = 0x0A
	Domain        DataType = 0x0F
	Unsigned64    DataType = 0x1B
)

// Size returns the wire size in bytes, 0 for variable sized types.
func (dt DataType) Size() int {
	switch dt {
	case Boolean, Integer8, Unsigned8:
		return 1
	case Integer16, Unsigned16:
		return 2
	case Integer32, Unsigned32, Real32:
		return 4
	case Unsigned64:
		return 8
	default:
		return 0
	}
}

// Key addresses one dictionary entry.
type Key struct {
	Index uint16
	Sub   uint8
}

func (k Key) String() string {
	return fmt.Sprintf("x%04X/%d", k.Index, k.Sub)
}

// Entry describes one dictionary object : its type, an optional
// default value and a human readable description. The default may
// carry a $NODEID offset, resolved against the node id at use time.
type Entry struct {
	Index        uint16
	Sub          uint8
	Desc         string
	Type         DataType
	DefaultValue []byte
	NodeIDOffset bool
}

func (e *Entry) HasDefault() bool {
	return len(e.DefaultValue) > 0
}

// Size returns the entry's byte size. For variable sized types the
// default value's length is used.
func (e *Entry) Size() int {
	if size := e.Type.Size(); size > 0 {
		return size
	}
	return len(e.DefaultValue)
}

// Default returns a copy of the default value with the node id
// offset applied when the EDS declared one.
func (e *Entry) Default(nodeID uint8) []byte {
	if !e.HasDefault() {
		return nil
	}
	data := make([]byte, len(e.DefaultValue))
	copy(data, e.DefaultValue)
	if e.NodeIDOffset {
		applyOffset(data, uint32(nodeID))
	}
	return data
}

func applyOffset(data []byte, offset uint32) {
	switch len(data) {
	case 1:
		data[0] += uint8(offset)
	case 2:
		binary.LittleEndian.PutUint16(data, binary.LittleEndian.Uint16(data)+uint16(offset))
	case 4:
		binary.LittleEndian.PutUint32(data, binary.LittleEndian.Uint32(data)+offset)
	}
}

// DeviceInfo carries the EDS device description fields the master
// consumes.
type DeviceInfo struct {
	ProductName string
	VendorName  string
	NrOfRxPdo   uint8
	NrOfTxPdo   uint8
}

// Dictionary is the tabulated parameter store of one device.
type Dictionary struct {
	DeviceInfo DeviceInfo
	entries    map[Key]*Entry
}

func NewDictionary() *Dictionary {
	return &Dictionary{entries: make(map[Key]*Entry)}
}

func (d *Dictionary) Add(entry *Entry) {
	d.entries[Key{Index: entry.Index, Sub: entry.Sub}] = entry
}

// Entry looks an entry up, ErrNotExist when the device lacks it.
func (d *Dictionary) Entry(index uint16, sub uint8) (*Entry, error) {
	entry, ok := d.entries[Key{Index: index, Sub: sub}]
	if !ok {
		return nil, ErrNotExist
	}
	return entry, nil
}

func (d *Dictionary) Has(index uint16, sub uint8) bool {
	_, ok := d.entries[Key{Index: index, Sub: sub}]
	return ok
}

func (d *Dictionary) Len() int {
	return len(d.entries)
}
