// Package ws provides the ws:// edge listener over gorilla/websocket.
// Binary websocket messages map one-to-one onto edge frames, so no extra
// length prefix is needed.
package ws

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"overmesh/pkg/transport"
)

// Listener accepts inbound edges over websocket upgrades and dials outbound
// ones.
type Listener struct {
	addr transport.Address

	mu      sync.Mutex
	ev      transport.EdgeEvents
	srv     *http.Server
	ln      net.Listener
	stopped bool
}

// New builds a listener for addr (ws://host:port). The HTTP server opens on
// Start.
func New(addr transport.Address) *Listener { return &Listener{addr: addr} }

func (l *Listener) Handles(a transport.Address) bool { return a.Scheme() == "ws" }

func (l *Listener) Address() transport.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return transport.MustAddress("ws://" + l.ln.Addr().String())
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
	if l.ln != nil || l.stopped {
		return nil
	}
	ln, err := net.Listen("tcp", l.addr.Host())
	if err != nil {
		return err
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			zap.L().Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		l.adopt(c, false, transport.Address{})
	})}
	l.ln = ln
	l.srv = srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.mu.Lock()
			stopped := l.stopped
			l.mu.Unlock()
			if !stopped {
				zap.L().Warn("websocket serve failed", zap.String("addr", l.addr.String()), zap.Error(err))
			}
		}
	}()
	return nil
}

func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	srv := l.srv
	l.mu.Unlock()
	if srv != nil {
		return srv.Close()
	}
	return nil
}

// CreateEdgeTo dials addr in the background; the outcome arrives as a
// NewEdge or CreationFailure event.
func (l *Listener) CreateEdgeTo(addr transport.Address) {
	go func() {
		c, _, err := websocket.DefaultDialer.Dial(addr.String(), nil)
		if err != nil {
			l.mu.Lock()
			ev := l.ev
			l.mu.Unlock()
			ev.EmitCreationFailure(addr, err.Error())
			return
		}
		// keep the dialed address so failures report what the caller asked for
		l.adopt(c, true, addr)
	}()
}

func (l *Listener) adopt(c *websocket.Conn, outbound bool, remote transport.Address) {
	if remote.IsZero() {
		remote = transport.MustAddress("ws://" + c.RemoteAddr().String())
	}
	edge := newEdge(c, outbound, l.Address(), remote)

	l.mu.Lock()
	ev := l.ev
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		_ = edge.Close("listener stopped")
		return
	}
	ev.EmitNewEdge(edge)
}

// edge adapts a websocket connection: one binary message per frame.
type edge struct {
	transport.EdgeCore
	wmu sync.Mutex
	c   *websocket.Conn
}

func newEdge(c *websocket.Conn, outbound bool, local, remote transport.Address) *edge {
	e := &edge{c: c}
	e.EdgeCore.Init(e, outbound, local, remote, e.startPump, c.Close)
	return e
}

func (e *edge) Send(data []byte) error {
	if e.IsClosed() {
		return fmt.Errorf("send on closed %s", e.String())
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()
	return e.c.WriteMessage(websocket.BinaryMessage, data)
}

func (e *edge) startPump() { go e.pump() }

func (e *edge) pump() {
	for {
		typ, data, err := e.c.ReadMessage()
		if err != nil {
			reason := "closed by transport"
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "read failed: " + err.Error()
			}
			_ = e.Close(reason)
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		e.Deliver(data)
	}
}
