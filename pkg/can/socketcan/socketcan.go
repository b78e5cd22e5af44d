// Package socketcan adapts a Linux socketcan interface to the Bus
// contract, carried by github.com/brutella/can underneath.
package socketcan

import (
	"github.com/brutella/can"

	c "github.com/ipa320/ros-canopen/pkg/can"
)

func init() {
	c.RegisterInterface("socketcan", NewSocketcanBus)
}

// socketcan packs the frame flags into the upper id bits
const (
	effFlag uint32 = 0x80000000
	rtrFlag uint32 = 0x40000000
)

// Bus bridges between the master's Header-bearing frames and the
// raw 32 bit identifiers socketcan exchanges.
type Bus struct {
	bus        *can.Bus
	rxCallback c.FrameListener
}

func NewSocketcanBus(name string) (c.Bus, error) {
	bus, err := can.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &Bus{bus: bus}, nil
}

// Connect starts the underlying receive loop. The socket itself was
// already opened when the bus was created.
func (socketcan *Bus) Connect(...any) error {
	go socketcan.bus.ConnectAndPublish()
	return nil
}

func (socketcan *Bus) Disconnect() error {
	return socketcan.bus.Disconnect()
}

// Send folds the header flags back into the identifier word before
// handing the frame to the socket.
func (socketcan *Bus) Send(frame c.Frame) error {
	id := frame.ID
	if frame.Extended {
		id |= effFlag
	}
	if frame.RTR {
		id |= rtrFlag
	}
	return socketcan.bus.Publish(
		can.Frame{
			ID:     id,
			Length: frame.DLC,
			Flags:  0,
			Res0:   0,
			Res1:   0,
			Data:   frame.Data,
		})
}

func (socketcan *Bus) Subscribe(rxCallback c.FrameListener) error {
	socketcan.rxCallback = rxCallback
	// The driver delivers every received frame through Handle below
	socketcan.bus.Subscribe(socketcan)
	return nil
}

// Handle receives one raw socketcan frame and unpacks the flag bits
// into the header the dispatcher filters on.
func (socketcan *Bus) Handle(frame can.Frame) {
	if socketcan.rxCallback == nil {
		return
	}
	header := c.Header{
		ID:       frame.ID & c.MaskEff,
		Extended: frame.ID&effFlag != 0,
		RTR:      frame.ID&rtrFlag != 0,
	}
	if !header.Extended {
		header.ID &= c.MaskSff
	}
	socketcan.rxCallback.Handle(c.Frame{Header: header, DLC: frame.Length, Data: frame.Data})
}
