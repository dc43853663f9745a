package virtual

import (
	"testing"
	"time"

	"github.com/canopenkit/canopenkit/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	frames chan can.Frame
}

func newRecorder() *recorder {
	return &recorder{frames: make(chan can.Frame, 8)}
}

func (r *recorder) Handle(frame can.Frame) {
	r.frames <- frame
}

func TestBusDeliversBetweenPeers(t *testing.T) {
	channel := "test-loopback-1"
	busA, err := NewBus(channel)
	require.NoError(t, err)
	busB, err := NewBus(channel)
	require.NoError(t, err)
	require.NoError(t, busA.Connect())
	require.NoError(t, busB.Connect())

	recv := newRecorder()
	require.NoError(t, busB.Subscribe(recv))

	frame := can.NewFrame(0x7E5, 0, 8)
	frame.Data[0] = 0x42
	require.NoError(t, busA.Send(frame))

	select {
	case got := <-recv.frames:
		assert.Equal(t, frame, got)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestBusDoesNotEchoByDefault(t *testing.T) {
	channel := "test-loopback-2"
	busA, err := NewBus(channel)
	require.NoError(t, err)
	recv := newRecorder()
	require.NoError(t, busA.Subscribe(recv))
	require.NoError(t, busA.Connect())

	require.NoError(t, busA.Send(can.NewFrame(0x7E5, 0, 8)))

	select {
	case <-recv.frames:
		t.Fatal("unexpected echo")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusReceiveOwn(t *testing.T) {
	channel := "test-loopback-3"
	b, err := NewBus(channel)
	require.NoError(t, err)
	bus := b.(*Bus)
	bus.SetReceiveOwn(true)
	recv := newRecorder()
	require.NoError(t, bus.Subscribe(recv))
	require.NoError(t, bus.Connect())

	require.NoError(t, bus.Send(can.NewFrame(0x7E5, 0, 8)))

	select {
	case <-recv.frames:
	case <-time.After(time.Second):
		t.Fatal("expected echoed frame")
	}
}
