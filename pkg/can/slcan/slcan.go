// Package slcan implements the ASCII "slcan" line protocol spoken by the
// common Lawicel-compatible USB-CAN dongles (CANUSB, CANable in slcan
// firmware, ...) over a plain serial port, so an LSS master can run against
// real hardware with no socketcan stack available.
package slcan

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	serial "github.com/daedaluz/goserial"

	can "github.com/canopenkit/canopenkit/pkg/can"
)

func init() {
	can.RegisterInterface("slcan", NewBus)
}

// port is the subset of *serial.Port this package depends on, so tests can
// swap in an in-memory pipe instead of opening a real device.
type port interface {
	io.ReadWriteCloser
}

// Bus talks the slcan ASCII protocol over a serial port. Every standard
// (11-bit) data frame is sent as "tIIILDD...DD\r" and received the same
// way; RTR frames and extended 29-bit IDs are not used by LSS and are left
// unimplemented.
type Bus struct {
	name       string
	port       port
	reader     *bufio.Reader
	rxCallback can.FrameListener
	done       chan struct{}
}

// NewBus opens name as a serial device at 115200 baud and wraps it as a
// [can.Bus]. The slcan dongle itself is expected to already be configured
// for the desired bitrate and opened ("O") out of band, or on Connect.
func NewBus(name string) (can.Bus, error) {
	p, err := serial.Open(name, serial.NewOptions())
	if err != nil {
		return nil, fmt.Errorf("slcan: open %s: %w", name, err)
	}
	return &Bus{name: name, port: p, reader: bufio.NewReader(p)}, nil
}

// Connect opens the CAN channel on the dongle and starts the receive loop.
func (b *Bus) Connect(...any) error {
	if _, err := b.port.Write([]byte("O\r")); err != nil {
		return fmt.Errorf("slcan: open channel: %w", err)
	}
	b.done = make(chan struct{})
	go b.receiveLoop()
	return nil
}

// Disconnect closes the CAN channel and the underlying serial port.
func (b *Bus) Disconnect() error {
	if b.done != nil {
		close(b.done)
	}
	_, _ = b.port.Write([]byte("C\r"))
	return b.port.Close()
}

// Send encodes frame as an slcan "t" command and writes it to the port.
func (b *Bus) Send(frame can.Frame) error {
	if frame.DLC > 8 {
		return fmt.Errorf("slcan: dlc %d exceeds 8", frame.DLC)
	}
	line := fmt.Sprintf("t%03X%d%s\r", frame.ID&can.CanSffMask, frame.DLC,
		hex.EncodeToString(frame.Data[:frame.DLC]))
	_, err := b.port.Write([]byte(line))
	return err
}

// Subscribe registers the single listener invoked for every frame the
// receive loop decodes.
func (b *Bus) Subscribe(rxCallback can.FrameListener) error {
	b.rxCallback = rxCallback
	return nil
}

func (b *Bus) receiveLoop() {
	for {
		line, err := b.reader.ReadString('\r')
		if err != nil {
			return
		}
		frame, ok := parseFrame(line)
		if !ok {
			continue
		}
		select {
		case <-b.done:
			return
		default:
		}
		if b.rxCallback != nil {
			b.rxCallback.Handle(frame)
		}
	}
}

// parseFrame decodes a single "tIIILDD...DD\r" standard data frame line.
// Any other command byte (extended frames, RTR, status replies) is
// reported as not ok rather than as an error, since the stream also
// carries the dongle's own command acknowledgements.
func parseFrame(line string) (can.Frame, bool) {
	for len(line) > 0 && (line[len(line)-1] == '\r' || line[len(line)-1] == '\n') {
		line = line[:len(line)-1]
	}
	if len(line) < 5 || line[0] != 't' {
		return can.Frame{}, false
	}
	id64, err := strconv.ParseUint(line[1:4], 16, 32)
	if err != nil {
		return can.Frame{}, false
	}
	id := uint32(id64)
	if line[4] < '0' || line[4] > '9' {
		return can.Frame{}, false
	}
	dlc := line[4] - '0'
	if dlc > 8 {
		return can.Frame{}, false
	}
	dataHex := line[5:]
	if len(dataHex) < int(dlc)*2 {
		return can.Frame{}, false
	}
	raw, err := hex.DecodeString(dataHex[:int(dlc)*2])
	if err != nil {
		return can.Frame{}, false
	}
	frame := can.Frame{ID: id, DLC: dlc}
	copy(frame.Data[:], raw)
	return frame, true
}
