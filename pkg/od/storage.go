package od

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// ReadDelegate fills buf with the entry's current value from its
// backing source. WriteDelegate pushes data into the backing source.
// PDO buffers mount themselves on storage entries through these.
type ReadDelegate func(buf []byte) error
type WriteDelegate func(data []byte) error

// Remote is a confirmed on-device access channel, implemented by the
// SDO client. When attached, unmapped entries read and write through
// it, so storage mutations reach the device.
type Remote interface {
	Upload(index uint16, subIndex uint8, buf []byte) (int, error)
	Download(index uint16, subIndex uint8, data []byte) error
}

type variable struct {
	mu    sync.Mutex
	entry *Entry
	data  []byte
	read  ReadDelegate
	write WriteDelegate
}

// Storage maps dictionary keys to typed live values. Every entry is
// synchronized individually, so PDO delegates, the SDO client and
// diagnostic readers can access it concurrently.
type Storage struct {
	mu     sync.Mutex
	dict   *Dictionary
	nodeID uint8
	remote Remote
	vars   map[Key]*variable
}

func NewStorage(dict *Dictionary, nodeID uint8) *Storage {
	return &Storage{
		dict:   dict,
		nodeID: nodeID,
		vars:   make(map[Key]*variable),
	}
}

func (s *Storage) Dictionary() *Dictionary { return s.dict }
func (s *Storage) NodeID() uint8           { return s.nodeID }

// AttachRemote routes unmapped entry access through the given
// confirmed channel.
func (s *Storage) AttachRemote(remote Remote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = remote
}

func (s *Storage) variable(index uint16, sub uint8) (*variable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key{Index: index, Sub: sub}
	v, ok := s.vars[key]
	if ok {
		return v, nil
	}
	entry, err := s.dict.Entry(index, sub)
	if err != nil {
		return nil, err
	}
	v = &variable{entry: entry}
	if def := entry.Default(s.nodeID); def != nil {
		v.data = def
	} else {
		v.data = make([]byte, entry.Size())
	}
	s.vars[key] = v
	return v, nil
}

func (s *Storage) currentRemote() Remote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Bytes returns the entry's current value, pulling it through the
// read delegate or the remote channel when one is bound.
func (s *Storage) Bytes(index uint16, sub uint8) ([]byte, error) {
	v, err := s.variable(index, sub)
	if err != nil {
		return nil, err
	}
	remote := s.currentRemote()
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case v.read != nil:
		if err := v.read(v.data); err != nil {
			return nil, err
		}
	case remote != nil:
		if _, err := remote.Upload(index, sub, v.data); err != nil {
			return nil, err
		}
	}
	data := make([]byte, len(v.data))
	copy(data, v.data)
	return data, nil
}

// CachedBytes returns the last known value without touching the
// backing source.
func (s *Storage) CachedBytes(index uint16, sub uint8) ([]byte, error) {
	v, err := s.variable(index, sub)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	data := make([]byte, len(v.data))
	copy(data, v.data)
	return data, nil
}

// SetBytes updates the entry, pushing the value through the write
// delegate or the remote channel when one is bound.
func (s *Storage) SetBytes(index uint16, sub uint8, data []byte) error {
	v, err := s.variable(index, sub)
	if err != nil {
		return err
	}
	remote := s.currentRemote()
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.data) > 0 && len(data) != len(v.data) {
		return ErrSizeMismatch
	}
	switch {
	case v.write != nil:
		if err := v.write(data); err != nil {
			return err
		}
	case remote != nil:
		if err := remote.Download(index, sub, data); err != nil {
			return err
		}
	}
	v.data = make([]byte, len(data))
	copy(v.data, data)
	return nil
}

func (s *Storage) Uint8(index uint16, sub uint8) (uint8, error) {
	data, err := s.Bytes(index, sub)
	if err != nil {
		return 0, err
	}
	if len(data) < 1 {
		return 0, ErrSizeMismatch
	}
	return data[0], nil
}

func (s *Storage) Uint16(index uint16, sub uint8) (uint16, error) {
	data, err := s.Bytes(index, sub)
	if err != nil {
		return 0, err
	}
	if len(data) < 2 {
		return 0, ErrSizeMismatch
	}
	return binary.LittleEndian.Uint16(data), nil
}

func (s *Storage) Uint32(index uint16, sub uint8) (uint32, error) {
	data, err := s.Bytes(index, sub)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, ErrSizeMismatch
	}
	return binary.LittleEndian.Uint32(data), nil
}

func (s *Storage) SetUint8(index uint16, sub uint8, value uint8) error {
	return s.SetBytes(index, sub, []byte{value})
}

func (s *Storage) SetUint16(index uint16, sub uint8, value uint16) error {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, value)
	return s.SetBytes(index, sub, data)
}

func (s *Storage) SetUint32(index uint16, sub uint8, value uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, value)
	return s.SetBytes(index, sub, data)
}

// Map mounts a PDO slot on the entry : subsequent access flows
// through the delegates. A present write delegate is primed with the
// current value so the buffer starts from the live state. Returns
// the mapped byte count.
func (s *Storage) Map(index uint16, sub uint8, read ReadDelegate, write WriteDelegate) (int, error) {
	v, err := s.variable(index, sub)
	if err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	size := v.entry.Size()
	if size == 0 {
		return 0, ErrNoMap
	}
	v.read = read
	v.write = write
	if write != nil && len(v.data) == size {
		if err := write(v.data); err != nil {
			return 0, err
		}
	}
	return size, nil
}

// Unmap releases the entry's delegates.
func (s *Storage) Unmap(index uint16, sub uint8) {
	v, err := s.variable(index, sub)
	if err != nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.read = nil
	v.write = nil
}

// Init applies the dictionary default to the live value.
func (s *Storage) Init(key Key) error {
	v, err := s.variable(key.Index, key.Sub)
	if err != nil {
		return err
	}
	if !v.entry.HasDefault() {
		return ErrNoDefault
	}
	return s.SetBytes(key.Index, key.Sub, v.entry.Default(s.nodeID))
}

// StringReader returns a callable producing a diagnostic string for
// the entry. With cached set, the backing source is not touched.
func (s *Storage) StringReader(key Key, cached bool) (func() (string, error), error) {
	v, err := s.variable(key.Index, key.Sub)
	if err != nil {
		return nil, err
	}
	entry := v.entry
	return func() (string, error) {
		var data []byte
		var err error
		if cached {
			data, err = s.CachedBytes(key.Index, key.Sub)
		} else {
			data, err = s.Bytes(key.Index, key.Sub)
		}
		if err != nil {
			return "", err
		}
		return formatValue(entry.Type, data), nil
	}, nil
}

func formatValue(dt DataType, data []byte) string {
	switch dt {
	case VisibleString:
		return string(data)
	case Boolean, Integer8, Unsigned8:
		if len(data) >= 1 {
			return fmt.Sprintf("%d", data[0])
		}
	case Integer16, Unsigned16:
		if len(data) >= 2 {
			return fmt.Sprintf("%d", binary.LittleEndian.Uint16(data))
		}
	case Integer32, Unsigned32:
		if len(data) >= 4 {
			return fmt.Sprintf("%d", binary.LittleEndian.Uint32(data))
		}
	}
	return fmt.Sprintf("% x", data)
}
