// Package canopen provides the shared CAN transport plumbing used by the
// higher level services in pkg/lss and pkg/storage: frame dispatch by
// identifier and mask, and the sentinel errors those services wrap. The
// registry of interchangeable bus drivers lives in pkg/can.
package canopen

import (
	"fmt"
	"sync"

	"github.com/canopenkit/canopenkit/pkg/can"
)

// Re-exported so callers only need to import the root package for the
// common transport types.
type Frame = can.Frame
type FrameListener = can.FrameListener

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return can.NewFrame(id, flags, dlc)
}

type subscription struct {
	ident    uint32
	mask     uint32
	rtr      bool
	listener FrameListener
}

func (s *subscription) matches(frame Frame) bool {
	if s.rtr != (frame.ID&can.CanRtrFlag != 0) {
		return false
	}
	return frame.ID&s.mask == s.ident&s.mask
}

// BusManager dispatches received CAN frames to subscribers filtered by
// identifier and mask, and forwards outgoing frames to the underlying
// [can.Bus]. A single BusManager is shared by every service (LSS master,
// LSS slave, ...) that needs to talk on the bus.
type BusManager struct {
	bus can.Bus

	mu   sync.RWMutex
	subs []*subscription
}

// NewBusManager wraps bus. Received frames reach the services that
// Subscribe to it once Connect has registered the manager with bus.
func NewBusManager(bus can.Bus) *BusManager {
	bm := &BusManager{bus: bus}
	return bm
}

// Connect opens the underlying bus and subscribes the manager to it, so
// received frames start reaching Handle.
func (bm *BusManager) Connect(args ...any) error {
	if err := bm.bus.Connect(args...); err != nil {
		return err
	}
	return bm.bus.Subscribe(bm)
}

func (bm *BusManager) Disconnect() error {
	return bm.bus.Disconnect()
}

// Send transmits a frame on the bus.
func (bm *BusManager) Send(frame Frame) error {
	return bm.bus.Send(frame)
}

// Subscribe registers listener for every received frame whose identifier
// matches ident under mask. If rtr is true, only remote frames match.
func (bm *BusManager) Subscribe(ident uint32, mask uint32, rtr bool, listener FrameListener) error {
	if listener == nil {
		return fmt.Errorf("canopen: nil frame listener")
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.subs = append(bm.subs, &subscription{ident: ident, mask: mask, rtr: rtr, listener: listener})
	return nil
}

// Handle implements [can.FrameListener]. It is the single callback the
// underlying driver invokes; BusManager fans it out to matching
// subscribers.
func (bm *BusManager) Handle(frame Frame) {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	for _, sub := range bm.subs {
		if sub.matches(frame) {
			sub.listener.Handle(frame)
		}
	}
}
