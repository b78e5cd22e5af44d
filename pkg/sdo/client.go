// Package sdo implements the confirmed object dictionary access the
// master uses to program devices : an expedited SDO client per node.
package sdo

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ipa320/ros-canopen/pkg/can"
)

const (
	ClientServiceID uint32 = 0x600 // request COB-ID base
	ServerServiceID uint32 = 0x580 // response COB-ID base

	DefaultTimeout = 500 * time.Millisecond
)

// Command specifiers (expedited transfers)
const (
	csDownloadInitiate = 0x20
	csDownloadResponse = 0x60
	csUploadInitiate   = 0x40
	csAbort            = 0x80

	expeditedBit = 0x02
	sizedBit     = 0x01
)

// Abort is an SDO abort received from the server.
type Abort struct {
	Index uint16
	Sub   uint8
	Code  uint32
}

func (a *Abort) Error() string {
	return fmt.Sprintf("sdo abort x%04X/%d : x%08X (%s)", a.Index, a.Sub, a.Code, abortDescription(a.Code))
}

func abortDescription(code uint32) string {
	switch code {
	case 0x05040000:
		return "protocol timed out"
	case 0x06010000:
		return "unsupported access"
	case 0x06020000:
		return "object does not exist"
	case 0x06090011:
		return "sub-index does not exist"
	case 0x06070010:
		return "length mismatch"
	case 0x08000020:
		return "data cannot be transferred"
	default:
		return "unknown"
	}
}

// Client is an expedited SDO client for one node. Transfers are
// serialized, a single request is in flight at any time.
type Client struct {
	mu      sync.Mutex
	disp    *can.Dispatcher
	logger  *slog.Logger
	nodeID  uint8
	timeout time.Duration
	resp    chan can.Frame
	cancel  func()
}

func NewClient(disp *can.Dispatcher, logger *slog.Logger, nodeID uint8, timeout time.Duration) (*Client, error) {
	if disp == nil || nodeID < 1 || nodeID > 127 {
		return nil, fmt.Errorf("invalid sdo client arguments : node %d", nodeID)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &Client{
		disp:    disp,
		logger:  logger.With("service", "[SDO]", "node", nodeID),
		nodeID:  nodeID,
		timeout: timeout,
		resp:    make(chan can.Frame, 1),
	}
	cancel, err := disp.Subscribe(can.Header{ID: ServerServiceID + uint32(nodeID)}, client)
	if err != nil {
		return nil, err
	}
	client.cancel = cancel
	return client, nil
}

// Handle implements the frame listener for server responses.
func (c *Client) Handle(frame can.Frame) {
	select {
	case c.resp <- frame:
	default:
		// Stray response with no transfer pending, drop it
	}
}

// Close releases the response listener.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Client) request(req can.Frame, index uint16, sub uint8) (can.Frame, error) {
	// Drain a stale response from an aborted transfer
	select {
	case <-c.resp:
	default:
	}
	if err := c.disp.Send(req); err != nil {
		return can.Frame{}, err
	}
	select {
	case frame := <-c.resp:
		if frame.Data[0] == csAbort {
			return can.Frame{}, &Abort{
				Index: index,
				Sub:   sub,
				Code:  binary.LittleEndian.Uint32(frame.Data[4:8]),
			}
		}
		return frame, nil
	case <-time.After(c.timeout):
		return can.Frame{}, fmt.Errorf("sdo x%04X/%d : response timed out after %v", index, sub, c.timeout)
	}
}

// Download writes up to 4 bytes to the server (expedited transfer).
func (c *Client) Download(index uint16, sub uint8, data []byte) error {
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("expedited download supports 1..4 bytes, got %d", len(data))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	req := can.NewFrame(ClientServiceID+uint32(c.nodeID), 8)
	req.Data[0] = csDownloadInitiate | byte((4-len(data))<<2) | expeditedBit | sizedBit
	binary.LittleEndian.PutUint16(req.Data[1:3], index)
	req.Data[3] = sub
	copy(req.Data[4:], data)

	resp, err := c.request(req, index, sub)
	if err != nil {
		return err
	}
	if resp.Data[0]&0xE0 != csDownloadResponse {
		return fmt.Errorf("sdo x%04X/%d : unexpected download response x%02X", index, sub, resp.Data[0])
	}
	c.logger.Debug("download finished", "index", fmt.Sprintf("x%x", index), "subindex", sub, "size", len(data))
	return nil
}

// Upload reads up to 4 bytes from the server into buf (expedited
// transfer) and returns the number of bytes received.
func (c *Client) Upload(index uint16, sub uint8, buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := can.NewFrame(ClientServiceID+uint32(c.nodeID), 8)
	req.Data[0] = csUploadInitiate
	binary.LittleEndian.PutUint16(req.Data[1:3], index)
	req.Data[3] = sub

	resp, err := c.request(req, index, sub)
	if err != nil {
		return 0, err
	}
	cmd := resp.Data[0]
	if cmd&0xE0 != csUploadInitiate || cmd&expeditedBit == 0 {
		return 0, fmt.Errorf("sdo x%04X/%d : unexpected upload response x%02X", index, sub, cmd)
	}
	n := 4
	if cmd&sizedBit != 0 {
		n = 4 - int(cmd>>2&0x03)
	}
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf, resp.Data[4:4+n])
	return n, nil
}
