// Package virtual implements an in-process CAN bus used for tests and for
// running several nodes in a single process without real hardware. Every
// [Bus] created with the same channel name shares one [network], so frames
// sent on one bus are delivered to every other bus subscribed on that
// network, the same way frames sent on a real CAN segment reach every
// transceiver on it.
package virtual

import (
	"sync"

	"github.com/canopenkit/canopenkit/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", NewBus)
}

// network is the shared medium a set of virtual buses publish frames onto.
type network struct {
	mu  sync.Mutex
	bus []*Bus
}

func (n *network) publish(from *Bus, frame can.Frame) {
	n.mu.Lock()
	subs := make([]*Bus, len(n.bus))
	copy(subs, n.bus)
	n.mu.Unlock()

	for _, b := range subs {
		if b == from && !b.receiveOwn {
			continue
		}
		b.deliver(frame)
	}
}

func (n *network) join(b *Bus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bus = append(n.bus, b)
}

func (n *network) leave(b *Bus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, other := range n.bus {
		if other == b {
			n.bus = append(n.bus[:i], n.bus[i+1:]...)
			return
		}
	}
}

var (
	registryMu sync.Mutex
	registry   = map[string]*network{}
)

func networkFor(channel string) *network {
	registryMu.Lock()
	defer registryMu.Unlock()
	n, ok := registry[channel]
	if !ok {
		n = &network{}
		registry[channel] = n
	}
	return n
}

// Bus is a [can.Bus] backed by an in-process shared [network]. It never
// touches the operating system network stack, so tests using it are
// deterministic and need no external CAN server.
type Bus struct {
	channel    string
	net        *network
	receiveOwn bool

	mu       sync.Mutex
	listener can.FrameListener
}

// NewBus creates a virtual bus attached to the named channel. Buses created
// with the same channel name see each other's traffic.
func NewBus(channel string) (can.Bus, error) {
	return &Bus{channel: channel, net: networkFor(channel)}, nil
}

// SetReceiveOwn controls whether frames sent by this bus are also
// delivered back to its own listener, useful for loopback tests.
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.receiveOwn = receiveOwn
}

func (b *Bus) Connect(...any) error {
	b.net.join(b)
	return nil
}

func (b *Bus) Disconnect() error {
	b.net.leave(b)
	return nil
}

func (b *Bus) Send(frame can.Frame) error {
	b.net.publish(b, frame)
	return nil
}

func (b *Bus) Subscribe(listener can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}

func (b *Bus) deliver(frame can.Frame) {
	b.mu.Lock()
	listener := b.listener
	b.mu.Unlock()
	if listener != nil {
		listener.Handle(frame)
	}
}
