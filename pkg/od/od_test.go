package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEDS = `
[DeviceInfo]
ProductName=test device
VendorName=test vendor
NrOfRXPDO=1
NrOfTXPDO=1

[1000]
ParameterName=Device type
ObjectType=0x7
DataType=0x0007
AccessType=ro
DefaultValue=0x00000000

[1017]
ParameterName=Producer heartbeat time
ObjectType=0x7
DataType=0x0006
AccessType=rw
DefaultValue=1000

[1800]
ParameterName=TPDO communication parameter
ObjectType=0x9
SubNumber=6

[1800sub0]
ParameterName=Highest sub-index supported
DataType=0x0005
DefaultValue=0x05

[1800sub1]
ParameterName=COB-ID used by TPDO
DataType=0x0007
DefaultValue=$NODEID+0x180

[1800sub2]
ParameterName=Transmission type
DataType=0x0005
DefaultValue=1

[2000]
ParameterName=Status record
ObjectType=0x9
SubNumber=3

[2000sub0]
ParameterName=Number of entries
DataType=0x0005
DefaultValue=2

[2000sub1]
ParameterName=Velocity
DataType=0x0006
DefaultValue=0

[2000sub2]
ParameterName=Position
DataType=0x0006

[2001]
ParameterName=Device name
DataType=0x0009
DefaultValue=motor
`

func TestParseEDS(t *testing.T) {
	dict, err := ParseEDS([]byte(testEDS))
	require.Nil(t, err)

	assert.Equal(t, uint8(1), dict.DeviceInfo.NrOfRxPdo)
	assert.Equal(t, uint8(1), dict.DeviceInfo.NrOfTxPdo)
	assert.Equal(t, "test device", dict.DeviceInfo.ProductName)

	entry, err := dict.Entry(0x1017, 0)
	require.Nil(t, err)
	assert.Equal(t, Unsigned16, entry.Type)
	assert.Equal(t, []byte{0xE8, 0x03}, entry.DefaultValue)
	assert.Equal(t, "Producer heartbeat time", entry.Desc)

	// Record parent sections do not shadow their subs
	assert.False(t, dict.Has(0x1800, 6))
	assert.True(t, dict.Has(0x1800, 0))

	cobID, err := dict.Entry(0x1800, 1)
	require.Nil(t, err)
	assert.True(t, cobID.NodeIDOffset)
	assert.Equal(t, []byte{0x80, 0x01, 0x00, 0x00}, cobID.DefaultValue)

	// Empty defaults stay empty
	position, err := dict.Entry(0x2000, 2)
	require.Nil(t, err)
	assert.False(t, position.HasDefault())

	name, err := dict.Entry(0x2001, 0)
	require.Nil(t, err)
	assert.Equal(t, []byte("motor"), name.DefaultValue)
}

func TestEntryDefaultNodeIDOffset(t *testing.T) {
	dict, err := ParseEDS([]byte(testEDS))
	require.Nil(t, err)
	entry, err := dict.Entry(0x1800, 1)
	require.Nil(t, err)
	assert.Equal(t, []byte{0x85, 0x01, 0x00, 0x00}, entry.Default(5))
	// The stored default is untouched
	assert.Equal(t, []byte{0x80, 0x01, 0x00, 0x00}, entry.DefaultValue)
}

func TestStorageTypedAccess(t *testing.T) {
	dict, err := ParseEDS([]byte(testEDS))
	require.Nil(t, err)
	storage := NewStorage(dict, 5)

	// Defaults are visible immediately
	hb, err := storage.Uint16(0x1017, 0)
	require.Nil(t, err)
	assert.Equal(t, uint16(1000), hb)

	cobID, err := storage.Uint32(0x1800, 1)
	require.Nil(t, err)
	assert.Equal(t, uint32(0x185), cobID)

	require.Nil(t, storage.SetUint16(0x1017, 0, 500))
	hb, err = storage.Uint16(0x1017, 0)
	require.Nil(t, err)
	assert.Equal(t, uint16(500), hb)

	_, err = storage.Uint8(0x6000, 0)
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestStorageInitAppliesDefault(t *testing.T) {
	dict, err := ParseEDS([]byte(testEDS))
	require.Nil(t, err)
	storage := NewStorage(dict, 1)

	require.Nil(t, storage.SetUint16(0x1017, 0, 42))
	require.Nil(t, storage.Init(Key{Index: 0x1017, Sub: 0}))
	hb, err := storage.Uint16(0x1017, 0)
	require.Nil(t, err)
	assert.Equal(t, uint16(1000), hb)

	assert.ErrorIs(t, storage.Init(Key{Index: 0x2000, Sub: 2}), ErrNoDefault)
	assert.ErrorIs(t, storage.Init(Key{Index: 0x7000, Sub: 0}), ErrNotExist)
}

func TestStorageMapDelegates(t *testing.T) {
	dict, err := ParseEDS([]byte(testEDS))
	require.Nil(t, err)
	storage := NewStorage(dict, 1)

	backing := make([]byte, 2)
	var primed []byte
	read := func(buf []byte) error {
		copy(buf, backing)
		return nil
	}
	write := func(data []byte) error {
		if primed == nil {
			primed = append([]byte{}, data...)
		}
		copy(backing, data)
		return nil
	}

	n, err := storage.Map(0x2000, 1, read, write)
	require.Nil(t, err)
	assert.Equal(t, 2, n)
	// The write delegate was primed with the current value
	assert.Equal(t, []byte{0, 0}, primed)

	backing[0] = 0x34
	backing[1] = 0x12
	value, err := storage.Uint16(0x2000, 1)
	require.Nil(t, err)
	assert.Equal(t, uint16(0x1234), value)

	require.Nil(t, storage.SetUint16(0x2000, 1, 0xBEEF))
	assert.Equal(t, []byte{0xEF, 0xBE}, backing)

	storage.Unmap(0x2000, 1)
	require.Nil(t, storage.SetUint16(0x2000, 1, 7))
	assert.Equal(t, []byte{0xEF, 0xBE}, backing)
}

type fakeRemote struct {
	uploads   map[Key][]byte
	downloads map[Key][]byte
}

func (f *fakeRemote) Upload(index uint16, sub uint8, buf []byte) (int, error) {
	data := f.uploads[Key{index, sub}]
	copy(buf, data)
	return len(data), nil
}

func (f *fakeRemote) Download(index uint16, sub uint8, data []byte) error {
	f.downloads[Key{index, sub}] = append([]byte{}, data...)
	return nil
}

func TestStorageRemoteAccess(t *testing.T) {
	dict, err := ParseEDS([]byte(testEDS))
	require.Nil(t, err)
	storage := NewStorage(dict, 1)
	remote := &fakeRemote{
		uploads:   map[Key][]byte{{0x1017, 0}: {0x2C, 0x01}},
		downloads: map[Key][]byte{},
	}
	storage.AttachRemote(remote)

	hb, err := storage.Uint16(0x1017, 0)
	require.Nil(t, err)
	assert.Equal(t, uint16(300), hb)

	require.Nil(t, storage.SetUint16(0x1017, 0, 600))
	assert.Equal(t, []byte{0x58, 0x02}, remote.downloads[Key{0x1017, 0}])
}

func TestStorageStringReader(t *testing.T) {
	dict, err := ParseEDS([]byte(testEDS))
	require.Nil(t, err)
	storage := NewStorage(dict, 1)

	reader, err := storage.StringReader(Key{Index: 0x1017, Sub: 0}, true)
	require.Nil(t, err)
	value, err := reader()
	require.Nil(t, err)
	assert.Equal(t, "1000", value)

	reader, err = storage.StringReader(Key{Index: 0x2001, Sub: 0}, true)
	require.Nil(t, err)
	value, err = reader()
	require.Nil(t, err)
	assert.Equal(t, "motor", value)
}
