package connections

import (
	"fmt"
	"sync"

	"overmesh/pkg/transport"
)

// State tracks a connection through its teardown.
type State int

const (
	// Live is the state of a freshly promoted connection.
	Live State = iota
	// DisconnectRequested means teardown has begun, locally or remotely, but
	// the underlying edge has not yet reported closed.
	DisconnectRequested
	// Disconnected is terminal: the edge is gone.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case DisconnectRequested:
		return "disconnect-requested"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Connection is an edge promoted by the handshake and bound to an identified
// remote peer. It implements rpc.Sender so messages can target the peer
// directly. The connection borrows the edge for its lifetime; the table that
// tracks the connection owns the edge.
type Connection struct {
	mu       sync.Mutex
	edge     transport.Edge
	localID  Id
	remoteID Id
	state    State

	calledDisconnect func(*Connection)
	disconnected     func(*Connection, string)
}

// newConnection binds an edge to a remote identity and watches the edge for
// closure, which produces the terminal disconnected event.
func newConnection(edge transport.Edge, local, remote Id,
	calledDisconnect func(*Connection), disconnected func(*Connection, string)) *Connection {
	c := &Connection{
		edge:             edge,
		localID:          local,
		remoteID:         remote,
		state:            Live,
		calledDisconnect: calledDisconnect,
		disconnected:     disconnected,
	}
	edge.OnClosed(func(_ transport.Edge, reason string) { c.handleEdgeClosed(reason) })
	return c
}

func (c *Connection) Edge() transport.Edge { return c.edge }
func (c *Connection) LocalId() Id          { return c.localID }
func (c *Connection) RemoteId() Id         { return c.remoteID }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send implements rpc.Sender over the underlying edge.
func (c *Connection) Send(data []byte) error { return c.edge.Send(data) }

func (c *Connection) String() string {
	return fmt.Sprintf("connection[%s -> %s over %s]", c.localID, c.remoteID, c.edge)
}

// Disconnect starts a local teardown. The terminal disconnected event
// arrives once the underlying edge has closed. Calling Disconnect on a
// connection already tearing down is a no-op.
func (c *Connection) Disconnect() {
	if !c.markDisconnecting() {
		return
	}
	if c.calledDisconnect != nil {
		c.calledDisconnect(c)
	}
}

// markDisconnecting moves Live to DisconnectRequested and reports whether
// this call made the transition.
func (c *Connection) markDisconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Live {
		return false
	}
	c.state = DisconnectRequested
	return true
}

func (c *Connection) handleEdgeClosed(reason string) {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	cb := c.disconnected
	c.mu.Unlock()
	if cb != nil {
		cb(c, reason)
	}
}
