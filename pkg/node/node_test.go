package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipa320/ros-canopen/pkg/can"
	"github.com/ipa320/ros-canopen/pkg/can/virtual"
	"github.com/ipa320/ros-canopen/pkg/layer"
	"github.com/ipa320/ros-canopen/pkg/od"
)

const nodeEDS = `
[DeviceInfo]
ProductName=test node
NrOfTXPDO=1

[1800sub0]
ParameterName=Highest sub-index supported
DataType=0x0005
DefaultValue=2

[1800sub1]
ParameterName=COB-ID used by TPDO
DataType=0x0007
DefaultValue=$NODEID+0x180

[1800sub2]
ParameterName=Transmission type
DataType=0x0005
DefaultValue=0xFF

[1A00sub0]
ParameterName=Number of mapped objects
DataType=0x0005
DefaultValue=1

[1A00sub1]
ParameterName=Mapping entry 1
DataType=0x0007
DefaultValue=0x20000010

[2000]
ParameterName=Status word
DataType=0x0006
DefaultValue=0
`

type nmtSink struct {
	frames chan can.Frame
}

func (s *nmtSink) Handle(frame can.Frame) {
	s.frames <- frame
}

// sdoResponder lets the device answer the master's expedited SDO
// traffic during PDO programming.
type sdoResponder struct {
	disp   *can.Dispatcher
	nodeID uint8
	values map[uint32][]byte
}

func (r *sdoResponder) Handle(frame can.Frame) {
	index := uint16(frame.Data[1]) | uint16(frame.Data[2])<<8
	sub := frame.Data[3]
	key := uint32(index)<<8 | uint32(sub)
	resp := can.NewFrame(0x580+uint32(r.nodeID), 8)
	resp.Data[1] = frame.Data[1]
	resp.Data[2] = frame.Data[2]
	resp.Data[3] = sub
	switch frame.Data[0] & 0xE0 {
	case 0x20: // download
		n := 4 - int(frame.Data[0]>>2&0x03)
		r.values[key] = append([]byte{}, frame.Data[4:4+n]...)
		resp.Data[0] = 0x60
	case 0x40: // upload
		data := r.values[key]
		if len(data) == 0 {
			data = []byte{0, 0, 0, 0}
		}
		resp.Data[0] = 0x40 | byte((4-len(data))<<2) | 0x03
		copy(resp.Data[4:], data)
	default:
		return
	}
	_ = r.disp.Send(resp)
}

func setupNode(t *testing.T) (*Node, *can.Dispatcher, *nmtSink) {
	hub := virtual.NewHub()
	masterBus := hub.NewBus()
	deviceBus := hub.NewBus()
	require.Nil(t, masterBus.Connect())
	require.Nil(t, deviceBus.Connect())

	disp := can.NewDispatcher(masterBus)
	require.Nil(t, masterBus.Subscribe(disp))

	device := can.NewDispatcher(deviceBus)
	require.Nil(t, deviceBus.Subscribe(device))
	sink := &nmtSink{frames: make(chan can.Frame, 16)}
	_, err := device.Subscribe(can.Header{ID: nmtServiceID}, sink)
	require.Nil(t, err)
	responder := &sdoResponder{disp: device, nodeID: 7, values: map[uint32][]byte{}}
	_, err = device.Subscribe(can.Header{ID: 0x600 + 7}, responder)
	require.Nil(t, err)

	dict, err := od.ParseEDS([]byte(nodeEDS))
	require.Nil(t, err)
	node, err := NewNode(disp, nil, 7, dict, 50*time.Millisecond)
	require.Nil(t, err)
	return node, disp, sink
}

func expectCommand(t *testing.T, sink *nmtSink, cmd Command, nodeID uint8) {
	t.Helper()
	select {
	case frame := <-sink.frames:
		assert.Equal(t, uint8(cmd), frame.Data[0])
		assert.Equal(t, nodeID, frame.Data[1])
	case <-time.After(time.Second):
		t.Fatalf("nmt command x%02X not observed", uint8(cmd))
	}
}

func TestNodeInitSequence(t *testing.T) {
	node, _, sink := setupNode(t)
	status := &layer.Status{}
	node.Init(status)
	assert.Equal(t, layer.Ok, status.Get())
	expectCommand(t, sink, CommandResetCommunication, 7)
	expectCommand(t, sink, CommandStart, 7)
	// The dictionary advertises one device TPDO
	assert.Len(t, node.Mapper().RPDOs(), 1)
}

func TestNodeTracksHeartbeat(t *testing.T) {
	node, disp, _ := setupNode(t)
	status := &layer.Status{}
	node.Init(status)
	assert.Equal(t, StateUnknown, node.LastState())

	hb := can.NewFrame(heartbeatServiceID+7, 1)
	hb.Data[0] = uint8(StateOperational)
	disp.Handle(hb)
	assert.Equal(t, StateOperational, node.LastState())

	node.Pending(&layer.Status{})
	pending := &layer.Status{}
	node.Pending(pending)
	assert.Equal(t, layer.Ok, pending.Get())
}

func TestNodePendingWarnsBeforeBoot(t *testing.T) {
	node, _, _ := setupNode(t)
	status := &layer.Status{}
	node.Init(status)
	pending := &layer.Status{}
	node.Pending(pending)
	assert.Equal(t, layer.Warn, pending.Get())
	assert.Contains(t, pending.Reason(), "did not report")
}

func TestNodeHaltAndRecover(t *testing.T) {
	node, _, sink := setupNode(t)
	status := &layer.Status{}
	node.Init(status)
	expectCommand(t, sink, CommandResetCommunication, 7)
	expectCommand(t, sink, CommandStart, 7)

	node.Halt(status)
	expectCommand(t, sink, CommandStop, 7)

	node.Recover(status)
	expectCommand(t, sink, CommandStart, 7)
	assert.Equal(t, layer.Ok, status.Get())
}

func TestNodeShutdownReleasesListeners(t *testing.T) {
	node, disp, sink := setupNode(t)
	status := &layer.Status{}
	node.Init(status)
	node.Shutdown(status)
	expectCommand(t, sink, CommandResetCommunication, 7)
	expectCommand(t, sink, CommandStart, 7)
	expectCommand(t, sink, CommandPreOperational, 7)

	hb := can.NewFrame(heartbeatServiceID+7, 1)
	hb.Data[0] = uint8(StateOperational)
	disp.Handle(hb)
	assert.Equal(t, StateUnknown, node.LastState())
}

func TestNodeDiag(t *testing.T) {
	node, disp, _ := setupNode(t)
	status := &layer.Status{}
	node.Init(status)

	hb := can.NewFrame(heartbeatServiceID+7, 1)
	hb.Data[0] = uint8(StateStopped)
	disp.Handle(hb)

	report := &layer.Report{}
	node.Diag(report)
	assert.Equal(t, layer.Warn, report.Get())
	values := report.Values()
	require.NotEmpty(t, values)
	assert.Equal(t, "node_7_state", values[0].Key)
	assert.Equal(t, "stopped", values[0].Value)
}

func TestNodeRejectsBadArguments(t *testing.T) {
	dict := od.NewDictionary()
	_, err := NewNode(nil, nil, 1, dict, 0)
	assert.NotNil(t, err)
	_, err = NewNode(can.NewDispatcher(nil), nil, 0, dict, 0)
	assert.NotNil(t, err)
}
