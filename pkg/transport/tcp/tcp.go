// Package tcp provides the tcp:// edge listener. Edges speak u32
// little-endian length-prefixed frames over a plain TCP stream.
package tcp

import (
	"net"
	"sync"

	"go.uber.org/zap"

	"overmesh/pkg/transport"
)

// Listener accepts inbound edges on a TCP address and dials outbound ones.
type Listener struct {
	addr transport.Address

	mu      sync.Mutex
	ev      transport.EdgeEvents
	l       net.Listener
	stopped bool
}

// New builds a listener for addr (tcp://host:port). The socket opens on
// Start.
func New(addr transport.Address) *Listener { return &Listener{addr: addr} }

func (l *Listener) Handles(a transport.Address) bool { return a.Scheme() == "tcp" }

func (l *Listener) Address() transport.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.l != nil {
		return transport.MustAddress("tcp://" + l.l.Addr().String())
	}
	return l.addr
}

func (l *Listener) Subscribe(ev transport.EdgeEvents) {
	l.mu.Lock()
	l.ev = ev
	l.mu.Unlock()
}

func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.l != nil || l.stopped {
		return nil
	}
	ln, err := net.Listen("tcp", l.addr.Host())
	if err != nil {
		return err
	}
	l.l = ln
	go l.acceptLoop(ln)
	return nil
}

func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	ln := l.l
	l.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (l *Listener) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			stopped := l.stopped
			l.mu.Unlock()
			if !stopped {
				zap.L().Warn("tcp accept failed", zap.String("addr", l.addr.String()), zap.Error(err))
			}
			return
		}
		remote := transport.MustAddress("tcp://" + c.RemoteAddr().String())
		edge := transport.NewConnEdge(c, c.Close, false, l.Address(), remote)

		l.mu.Lock()
		ev := l.ev
		stopped := l.stopped
		l.mu.Unlock()
		if stopped {
			_ = edge.Close("listener stopped")
			continue
		}
		ev.EmitNewEdge(edge)
	}
}

// CreateEdgeTo dials addr in the background; the outcome arrives as a
// NewEdge or CreationFailure event.
func (l *Listener) CreateEdgeTo(addr transport.Address) {
	go func() {
		c, err := net.Dial("tcp", addr.Host())

		l.mu.Lock()
		ev := l.ev
		stopped := l.stopped
		l.mu.Unlock()

		if err != nil {
			ev.EmitCreationFailure(addr, err.Error())
			return
		}
		edge := transport.NewConnEdge(c, c.Close, true, l.Address(), addr)
		if stopped {
			_ = edge.Close("listener stopped")
			return
		}
		ev.EmitNewEdge(edge)
	}()
}
