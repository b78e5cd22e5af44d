package pdo

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipa320/ros-canopen/pkg/can"
	"github.com/ipa320/ros-canopen/pkg/layer"
	"github.com/ipa320/ros-canopen/pkg/od"
)

// Device with one TPDO (master receive) and one RPDO (master
// transmit). The TPDO maps two 16 bit entries, the RPDO one byte.
const deviceEDS = `
[DeviceInfo]
ProductName=test drive
NrOfRXPDO=1
NrOfTXPDO=1

[1400sub0]
ParameterName=Highest sub-index supported
DataType=0x0005
DefaultValue=2

[1400sub1]
ParameterName=COB-ID used by RPDO
DataType=0x0007
DefaultValue=$NODEID+0x201

[1400sub2]
ParameterName=Transmission type
DataType=0x0005
DefaultValue=5

[1600sub0]
ParameterName=Number of mapped objects
DataType=0x0005
DefaultValue=1

[1600sub1]
ParameterName=Mapping entry 1
DataType=0x0007
DefaultValue=0x20010008

[1800sub0]
ParameterName=Highest sub-index supported
DataType=0x0005
DefaultValue=5

[1800sub1]
ParameterName=COB-ID used by TPDO
DataType=0x0007
DefaultValue=$NODEID+0x181

[1800sub2]
ParameterName=Transmission type
DataType=0x0005
DefaultValue=1

[1800sub5]
ParameterName=Event timer
DataType=0x0006
DefaultValue=0

[1A00sub0]
ParameterName=Number of mapped objects
DataType=0x0005
DefaultValue=2

[1A00sub1]
ParameterName=Mapping entry 1
DataType=0x0007
DefaultValue=0x20000110

[1A00sub2]
ParameterName=Mapping entry 2
DataType=0x0007
DefaultValue=0x20000210

[2000sub1]
ParameterName=Velocity
DataType=0x0006
DefaultValue=0

[2000sub2]
ParameterName=Position
DataType=0x0006
DefaultValue=0

[2001]
ParameterName=Control byte
DataType=0x0005
DefaultValue=0
`

const testNodeID = 5

// deviceWrite is one confirmed write observed on the wire.
type deviceWrite struct {
	Index uint16
	Sub   uint8
	Data  []byte
}

// recordingRemote plays the device : it remembers downloads and
// serves them back on upload, leaving the caller's defaults in
// place otherwise.
type recordingRemote struct {
	mu     sync.Mutex
	log    []deviceWrite
	values map[string][]byte
}

func newRecordingRemote() *recordingRemote {
	return &recordingRemote{values: map[string][]byte{}}
}

func rkey(index uint16, sub uint8) string {
	return fmt.Sprintf("%04X/%d", index, sub)
}

func (r *recordingRemote) Upload(index uint16, sub uint8, buf []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if data, ok := r.values[rkey(index, sub)]; ok {
		copy(buf, data)
		return len(data), nil
	}
	return len(buf), nil
}

func (r *recordingRemote) Download(index uint16, sub uint8, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := append([]byte{}, data...)
	r.values[rkey(index, sub)] = stored
	r.log = append(r.log, deviceWrite{Index: index, Sub: sub, Data: stored})
	return nil
}

func (r *recordingRemote) writes(index uint16, sub uint8) []deviceWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	var writes []deviceWrite
	for _, w := range r.log {
		if w.Index == index && w.Sub == sub {
			writes = append(writes, w)
		}
	}
	return writes
}

type captureBus struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (b *captureBus) Connect(...any) error { return nil }

func (b *captureBus) Disconnect() error { return nil }

func (b *captureBus) Subscribe(can.FrameListener) error { return nil }

func (b *captureBus) Send(frame can.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, frame)
	return nil
}

func (b *captureBus) sent() []can.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]can.Frame{}, b.frames...)
}

func newTestMapper(t *testing.T) (*Mapper, *od.Storage, *recordingRemote, *captureBus) {
	dict, err := od.ParseEDS([]byte(deviceEDS))
	require.Nil(t, err)
	storage := od.NewStorage(dict, testNodeID)
	remote := newRecordingRemote()
	storage.AttachRemote(remote)
	bus := &captureBus{}
	disp := can.NewDispatcher(bus)
	mapper := NewMapper(disp, nil)
	mapper.Init(storage)
	return mapper, storage, remote, bus
}

// The master/slave role flip : the device's TPDO count produces
// master RPDOs and the device's RPDO count produces master TPDOs.
func TestMapperRoleFlip(t *testing.T) {
	mapper, _, _, _ := newTestMapper(t)
	assert.Len(t, mapper.RPDOs(), 1)
	assert.Len(t, mapper.TPDOs(), 1)
}

// S3 : mapping of a two-entry receive PDO.
func TestMapperRpdoMapping(t *testing.T) {
	mapper, storage, _, _ := newTestMapper(t)
	require.Len(t, mapper.RPDOs(), 1)
	rpdo := mapper.RPDOs()[0]

	buffers := rpdo.pdo.Buffers()
	require.Len(t, buffers, 2)
	assert.Equal(t, 2, buffers[0].Size())
	assert.Equal(t, 2, buffers[1].Size())

	frame := rpdo.pdo.Frame()
	assert.Equal(t, uint8(4), frame.DLC)
	assert.Equal(t, uint32(0x181+testNodeID), frame.ID)
	assert.Equal(t, uint8(1), rpdo.pdo.TransmissionType())
	assert.NotNil(t, rpdo.cancel)

	// Invariant : sum of buffer sizes equals the frame DLC
	total := 0
	for _, buffer := range buffers {
		total += buffer.Size()
	}
	assert.Equal(t, int(frame.DLC), total)

	// The listener is live : a received frame lands in storage
	rx := can.NewFrame(0x181+testNodeID, 4)
	binary.LittleEndian.PutUint16(rx.Data[0:2], 0x1234)
	binary.LittleEndian.PutUint16(rx.Data[2:4], 0x5678)
	rpdo.Handle(rx)

	velocity, err := storage.Uint16(0x2000, 1)
	require.Nil(t, err)
	assert.Equal(t, uint16(0x1234), velocity)
	position, err := storage.Uint16(0x2000, 2)
	require.Nil(t, err)
	assert.Equal(t, uint16(0x5678), position)
}

// S4 : a cyclic RPDO that never receives escalates to Warn after
// transmission_type + 2 sync cycles.
func TestMapperRpdoTimeout(t *testing.T) {
	mapper, _, _, _ := newTestMapper(t)
	require.Len(t, mapper.RPDOs(), 1)

	status := &layer.Status{}
	for i := 0; i < 3; i++ {
		mapper.Read(status)
		assert.Equal(t, layer.Ok, status.Get(), "cycle %d", i)
	}
	mapper.Read(status)
	assert.Equal(t, layer.Warn, status.Get())
	assert.Contains(t, status.Reason(), "RPDO timeout")
}

func TestMapperRpdoTimeoutRewindsOnReception(t *testing.T) {
	mapper, _, _, _ := newTestMapper(t)
	rpdo := mapper.RPDOs()[0]

	status := &layer.Status{}
	for i := 0; i < 3; i++ {
		mapper.Read(status)
	}
	rx := can.NewFrame(0x181+testNodeID, 4)
	rpdo.Handle(rx)
	for i := 0; i < 3; i++ {
		mapper.Read(status)
	}
	assert.Equal(t, layer.Ok, status.Get())
	mapper.Read(status)
	assert.Equal(t, layer.Warn, status.Get())
}

// S5 : a device transmission type in [2, 240] is written back as 1.
func TestMapperTpdoTransmissionTypeCoercion(t *testing.T) {
	mapper, _, remote, _ := newTestMapper(t)
	require.Len(t, mapper.TPDOs(), 1)
	assert.Equal(t, uint8(1), mapper.TPDOs()[0].pdo.TransmissionType())

	writes := remote.writes(0x1400, 2)
	require.NotEmpty(t, writes)
	assert.Equal(t, []byte{1}, writes[len(writes)-1].Data)
}

// A TPDO transmits only when a mapped entry was updated since the
// last cycle.
func TestMapperTpdoSendsOnDirtyData(t *testing.T) {
	mapper, storage, _, bus := newTestMapper(t)
	status := &layer.Status{}

	mapper.Write(status)
	assert.Empty(t, bus.sent())

	require.Nil(t, storage.SetUint8(0x2001, 0, 0x42))
	mapper.Write(status)
	frames := bus.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(0x201+testNodeID), frames[0].ID)
	assert.Equal(t, uint8(1), frames[0].DLC)
	assert.Equal(t, uint8(0x42), frames[0].Data[0])

	// Unchanged data is not retransmitted
	mapper.Write(status)
	assert.Len(t, bus.sent(), 1)
	assert.Equal(t, layer.Ok, status.Get())
}

// Invariant 9 : the COB-ID invalid bit is set before any mapping or
// communication sub is written and cleared only after all of them.
func TestMapperCobIDGating(t *testing.T) {
	_, _, remote, _ := newTestMapper(t)

	remote.mu.Lock()
	log := append([]deviceWrite{}, remote.log...)
	remote.mu.Unlock()

	type span struct{ disable, enable int }
	spans := map[uint16]*span{0x1800: {-1, -1}, 0x1400: {-1, -1}}
	for i, w := range log {
		s, ok := spans[w.Index]
		if !ok || w.Sub != 1 {
			continue
		}
		if binary.LittleEndian.Uint32(w.Data)&(1<<31) != 0 {
			if s.disable == -1 {
				s.disable = i
			}
		} else {
			s.enable = i
		}
	}
	for comIndex, s := range spans {
		require.NotEqual(t, -1, s.disable, "x%04X was never disabled", comIndex)
		require.NotEqual(t, -1, s.enable, "x%04X was never re-enabled", comIndex)
		require.Less(t, s.disable, s.enable)
		mapIndex := comIndex + 0x200
		for i, w := range log {
			// All mapping writes happen inside the disabled window.
			if w.Index == mapIndex {
				assert.Greater(t, i, s.disable, "write %04X/%d before disable", w.Index, w.Sub)
				assert.Less(t, i, s.enable, "write %04X/%d after re-enable", w.Index, w.Sub)
			}
			// Communication subs written while reprogramming stay
			// inside the window too. Later writes (the transmission
			// type coercion) are outside the parse phase.
			if w.Index == comIndex && w.Sub != 1 && i < s.enable {
				assert.Greater(t, i, s.disable, "write %04X/%d before disable", w.Index, w.Sub)
			}
		}
	}
}

// The re-enabled COB-ID carries the node id offset.
func TestMapperCobIDNodeOffset(t *testing.T) {
	_, storage, _, _ := newTestMapper(t)
	cobID, err := storage.Uint32(0x1800, 1)
	require.Nil(t, err)
	assert.Equal(t, uint32(0x181+testNodeID), cobID)
}

func TestMapperInvalidCobIDIsSkipped(t *testing.T) {
	eds := `
[DeviceInfo]
NrOfTXPDO=1

[1800sub0]
ParameterName=Highest sub-index supported
DataType=0x0005
DefaultValue=2

[1800sub1]
ParameterName=COB-ID used by TPDO
DataType=0x0007
DefaultValue=0x80000181

[1800sub2]
ParameterName=Transmission type
DataType=0x0005
DefaultValue=1

[1A00sub0]
ParameterName=Number of mapped objects
DataType=0x0005
DefaultValue=1

[1A00sub1]
ParameterName=Mapping entry 1
DataType=0x0007
DefaultValue=0x20000010

[2000]
ParameterName=Data
DataType=0x0006
DefaultValue=0
`
	dict, err := od.ParseEDS([]byte(eds))
	require.Nil(t, err)
	storage := od.NewStorage(dict, 1)
	mapper := NewMapper(can.NewDispatcher(&captureBus{}), nil)
	mapper.Init(storage)
	assert.Empty(t, mapper.RPDOs())
}

// Dummy mappings (index below 0x1000) stay as padding slots.
func TestMapperDummyMapping(t *testing.T) {
	eds := `
[DeviceInfo]
NrOfTXPDO=1

[1800sub0]
ParameterName=Highest sub-index supported
DataType=0x0005
DefaultValue=2

[1800sub1]
ParameterName=COB-ID used by TPDO
DataType=0x0007
DefaultValue=0x182

[1800sub2]
ParameterName=Transmission type
DataType=0x0005
DefaultValue=0xFF

[1A00sub0]
ParameterName=Number of mapped objects
DataType=0x0005
DefaultValue=2

[1A00sub1]
ParameterName=Dummy entry
DataType=0x0007
DefaultValue=0x00050010

[1A00sub2]
ParameterName=Mapping entry 2
DataType=0x0007
DefaultValue=0x20000010

[2000]
ParameterName=Data
DataType=0x0006
DefaultValue=0
`
	dict, err := od.ParseEDS([]byte(eds))
	require.Nil(t, err)
	storage := od.NewStorage(dict, 1)
	mapper := NewMapper(can.NewDispatcher(&captureBus{}), nil)
	mapper.Init(storage)
	require.Len(t, mapper.RPDOs(), 1)
	rpdo := mapper.RPDOs()[0]
	require.Len(t, rpdo.pdo.Buffers(), 2)
	assert.Equal(t, uint8(4), rpdo.pdo.Frame().DLC)
	// Event-driven types never arm the reception watchdog
	assert.Equal(t, noTimeout, rpdo.timeout)
	status := &layer.Status{}
	for i := 0; i < 10; i++ {
		rpdo.Sync(status)
	}
	assert.Equal(t, layer.Ok, status.Get())
}
