// Package mem is an in-process transport over net.Pipe. Useful for tests and
// for wiring co-located nodes without touching the network stack.
package mem

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"overmesh/pkg/transport"
)

// Network is the shared fabric connecting mem listeners by name. Every node
// that should reach the others registers its listener on the same Network.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

func NewNetwork() *Network { return &Network{listeners: make(map[string]*Listener)} }

// NewListener builds a listener for addr (mem://name) on this fabric. The
// name is claimed when Start runs.
func (n *Network) NewListener(addr transport.Address) *Listener {
	return &Listener{net: n, addr: addr}
}

func (n *Network) register(l *Listener) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	name := l.addr.Host()
	if _, ok := n.listeners[name]; ok {
		return fmt.Errorf("mem: listener %q already exists", name)
	}
	n.listeners[name] = l
	return nil
}

func (n *Network) deregister(l *Listener) {
	n.mu.Lock()
	if n.listeners[l.addr.Host()] == l {
		delete(n.listeners, l.addr.Host())
	}
	n.mu.Unlock()
}

func (n *Network) lookup(name string) *Listener {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listeners[name]
}

// Listener produces mem edges: inbound ones for peers dialing its name,
// outbound ones for its own dials.
type Listener struct {
	net  *Network
	addr transport.Address

	mu      sync.Mutex
	ev      transport.EdgeEvents
	started bool
	stopped bool
}

func (l *Listener) Handles(a transport.Address) bool { return a.Scheme() == "mem" }

func (l *Listener) Address() transport.Address { return l.addr }

func (l *Listener) Subscribe(ev transport.EdgeEvents) {
	l.mu.Lock()
	l.ev = ev
	l.mu.Unlock()
}

func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	if err := l.net.register(l); err != nil {
		return err
	}
	l.started = true
	return nil
}

func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	l.mu.Unlock()
	l.net.deregister(l)
	return nil
}

// CreateEdgeTo connects to the listener registered under addr's name. The
// remote end learns of its inbound edge before the local NewEdge fires, so
// a handshake sent immediately on the outbound edge finds a live peer.
func (l *Listener) CreateEdgeTo(addr transport.Address) {
	l.mu.Lock()
	ev := l.ev
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		ev.EmitCreationFailure(addr, "listener stopped")
		return
	}

	target := l.net.lookup(addr.Host())
	if target == nil {
		ev.EmitCreationFailure(addr, fmt.Sprintf("no listener at %s", addr))
		return
	}
	target.mu.Lock()
	targetEv := target.ev
	targetStopped := target.stopped
	target.mu.Unlock()
	if targetStopped {
		ev.EmitCreationFailure(addr, fmt.Sprintf("listener at %s stopped", addr))
		return
	}

	local, remote := net.Pipe()
	lp, rp := newPipeConn(local), newPipeConn(remote)
	out := transport.NewConnEdge(lp, lp.Close, true, l.addr, addr)
	in := transport.NewConnEdge(rp, rp.Close, false, addr, l.addr)

	zap.L().Debug("mem edge pair created",
		zap.String("dialer", l.addr.String()), zap.String("target", addr.String()))
	targetEv.EmitNewEdge(in)
	ev.EmitNewEdge(out)
}

// pipeConn decouples writers from net.Pipe's rendezvous semantics: Write
// queues the frame and a background loop feeds the pipe, so an event handler
// sending on an edge never blocks on the peer's read pump. Frames still
// queued when Close runs are flushed best-effort before the pipe closes.
type pipeConn struct {
	c    net.Conn
	wq   chan []byte
	done chan struct{}
	once sync.Once
}

func newPipeConn(c net.Conn) *pipeConn {
	p := &pipeConn{c: c, wq: make(chan []byte, 64), done: make(chan struct{})}
	go p.writeLoop()
	return p
}

func (p *pipeConn) Read(b []byte) (int, error) { return p.c.Read(b) }

func (p *pipeConn) Write(b []byte) (int, error) {
	buf := append([]byte(nil), b...)
	select {
	case p.wq <- buf:
		return len(b), nil
	case <-p.done:
		return 0, net.ErrClosed
	}
}

// closeGrace bounds the flush of queued frames once Close runs.
const closeGrace = 200 * time.Millisecond

func (p *pipeConn) Close() error {
	p.once.Do(func() {
		// A write deadline releases the write loop if the peer pump is gone.
		_ = p.c.SetWriteDeadline(time.Now().Add(closeGrace))
		close(p.done)
	})
	return nil
}

func (p *pipeConn) writeLoop() {
	defer func() { _ = p.c.Close() }()
	for {
		select {
		case b := <-p.wq:
			if _, err := p.c.Write(b); err != nil {
				p.discardUntilClosed()
				return
			}
		case <-p.done:
			p.flushQueued()
			return
		}
	}
}

// flushQueued writes whatever was queued before Close, stopping at the first
// error or an empty queue.
func (p *pipeConn) flushQueued() {
	for {
		select {
		case b := <-p.wq:
			if _, err := p.c.Write(b); err != nil {
				return
			}
		default:
			return
		}
	}
}

// discardUntilClosed keeps the queue moving after a write error so blocked
// writers are released.
func (p *pipeConn) discardUntilClosed() {
	for {
		select {
		case <-p.wq:
		case <-p.done:
			return
		}
	}
}
