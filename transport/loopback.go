package transport

import (
	"context"
	"sync"
	"time"

	"go.einride.tech/can"
)

const endpointBufferSize = 256

// Bus is an in-process CAN bus. Every frame sent by one endpoint is
// delivered to every other endpoint whose accept filter matches, which is
// how a real broadcast bus behaves. The bench emulator and the client
// session share one Bus the same way they would share one physical channel.
type Bus struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	closed    bool
}

func NewBus() *Bus {
	return &Bus{}
}

// Endpoint attaches a new station to the bus. accept decides which
// arbitration ids this station reads; nil accepts everything.
func (b *Bus) Endpoint(name string, accept func(id uint32) bool) *Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep := &Endpoint{
		bus:    b,
		name:   name,
		accept: accept,
		rx:     make(chan can.Frame, endpointBufferSize),
		done:   make(chan struct{}),
	}
	b.endpoints = append(b.endpoints, ep)
	return ep
}

func (b *Bus) broadcast(from *Endpoint, frame can.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ClosedError{}
	}
	for _, ep := range b.endpoints {
		if ep == from || ep.isClosed() {
			continue
		}
		if ep.accept != nil && !ep.accept(frame.ID) {
			continue
		}
		select {
		case ep.rx <- frame:
		default:
			// Receiver backlog full. Drop the oldest frame so a stalled
			// station never blocks the bus.
			select {
			case <-ep.rx:
			default:
			}
			select {
			case ep.rx <- frame:
			default:
			}
		}
	}
	return nil
}

// Close shuts down the bus and all attached endpoints.
func (b *Bus) Close() {
	b.mu.Lock()
	eps := append([]*Endpoint{}, b.endpoints...)
	b.closed = true
	b.mu.Unlock()
	for _, ep := range eps {
		ep.Close()
	}
}

// Endpoint is one station on a loopback Bus. It implements Connection.
type Endpoint struct {
	bus    *Bus
	name   string
	accept func(id uint32) bool
	rx     chan can.Frame

	closeOnce sync.Once
	done      chan struct{}
}

var _ Connection = (*Endpoint)(nil)

func (e *Endpoint) Send(ctx context.Context, frame can.Frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ClosedError{}
	default:
	}
	return e.bus.broadcast(e, frame)
}

func (e *Endpoint) Recv(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	case <-e.done:
		return can.Frame{}, ClosedError{}
	case frame := <-e.rx:
		return frame, nil
	case <-timer.C:
		return can.Frame{}, TimeoutError{Waited: timeout}
	}
}

func (e *Endpoint) Info() DeviceInfo {
	return DeviceInfo{
		Path:            "loopback:" + e.name,
		FirmwareVersion: "bench",
		APIVersion:      "1.0",
	}
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	return nil
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
