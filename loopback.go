package thinkcan

import (
	"context"
	"sync"
)

// Loopback is an in-memory CAN bus for tests and simulations. Frames written to one port are delivered to all
// other ports opened from the same bus.
type Loopback struct {
	mu     sync.RWMutex
	closed bool
	ports  map[*LoopbackPort]struct{}

	bufferSize int
}

// NewLoopback creates new in-memory bus. bufferSize is number of frames each port can hold before writers block.
func NewLoopback(bufferSize int) *Loopback {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Loopback{
		ports:      make(map[*LoopbackPort]struct{}),
		bufferSize: bufferSize,
	}
}

// Open creates new port attached to the bus.
func (b *Loopback) Open() *LoopbackPort {
	p := &LoopbackPort{
		bus:    b,
		ch:     make(chan Frame, b.bufferSize),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		p.closeNoLock()
		return p
	}
	b.ports[p] = struct{}{}
	return p
}

// Close closes the bus and all ports opened from it.
func (b *Loopback) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for p := range b.ports {
		p.closeNoLock()
	}
	b.ports = nil
	return nil
}

// LoopbackPort is single endpoint of Loopback bus. It implements Bus.
type LoopbackPort struct {
	bus    *Loopback
	ch     chan Frame
	once   sync.Once
	closed chan struct{}
}

// Initialize is no-op as port is connected when it is opened.
func (p *LoopbackPort) Initialize() error {
	select {
	case <-p.closed:
		return ErrBusClosed
	default:
		return nil
	}
}

// WriteFrame delivers frame to all other ports of the bus. Blocks when receiver buffer is full until context is done.
func (p *LoopbackPort) WriteFrame(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	select {
	case <-p.closed:
		return ErrBusClosed
	default:
	}

	p.bus.mu.RLock()
	if p.bus.closed {
		p.bus.mu.RUnlock()
		return ErrBusClosed
	}
	targets := make([]*LoopbackPort, 0, len(p.bus.ports))
	for t := range p.bus.ports {
		if t != p {
			targets = append(targets, t)
		}
	}
	p.bus.mu.RUnlock()

	for _, t := range targets {
		select {
		case t.ch <- frame:
		case <-t.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ReadFrame waits for next frame written by other ports.
func (p *LoopbackPort) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f := <-p.ch:
		return f, nil
	case <-p.closed:
		return Frame{}, ErrBusClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close detaches port from the bus.
func (p *LoopbackPort) Close() error {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	p.closeNoLock()
	if p.bus.ports != nil {
		delete(p.bus.ports, p)
	}
	return nil
}

func (p *LoopbackPort) closeNoLock() {
	p.once.Do(func() {
		close(p.closed)
	})
}
