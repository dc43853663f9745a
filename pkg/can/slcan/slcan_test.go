package slcan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	can "github.com/canopenkit/canopenkit/pkg/can"
)

func TestParseFrame(t *testing.T) {
	frame, ok := parseFrame("t7E48010203040506070A\r")
	assert.True(t, ok)
	assert.Equal(t, uint32(0x7E4), frame.ID)
	assert.Equal(t, uint8(8), frame.DLC)
	assert.Equal(t, [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x0A}, frame.Data)
}

func TestParseFrameIgnoresNonDataLines(t *testing.T) {
	_, ok := parseFrame("z\r")
	assert.False(t, ok)
	_, ok = parseFrame("\r")
	assert.False(t, ok)
}

func TestSendEncodesStandardFrame(t *testing.T) {
	rec := &recordingPort{}
	bus := &Bus{port: rec}
	err := bus.Send(can.NewFrame(0x7E5, 0, 8))
	assert.NoError(t, err)
	assert.Equal(t, "t7E580000000000000000\r", string(rec.written))
}

type recordingPort struct {
	written []byte
}

func (r *recordingPort) Read([]byte) (int, error)  { return 0, nil }
func (r *recordingPort) Write(p []byte) (int, error) {
	r.written = append(r.written, p...)
	return len(p), nil
}
func (r *recordingPort) Close() error { return nil }
