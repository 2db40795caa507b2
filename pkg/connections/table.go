package connections

import (
	"go.uber.org/zap"

	"overmesh/pkg/transport"
)

// Table indexes the edges and promoted connections of one direction. The
// manager keeps two: one for edges it dialed, one for edges dialed to it.
// Callers serialize access; the table itself does not lock.
type Table struct {
	edges  map[transport.Edge]struct{}
	byPeer map[Id]*Connection
	byEdge map[transport.Edge]*Connection
}

func NewTable() *Table {
	return &Table{
		edges:  make(map[transport.Edge]struct{}),
		byPeer: make(map[Id]*Connection),
		byEdge: make(map[transport.Edge]*Connection),
	}
}

// AddEdge tracks a newly adopted edge.
func (t *Table) AddEdge(e transport.Edge) { t.edges[e] = struct{}{} }

// RemoveEdge stops tracking e. Returns false if e was not tracked.
func (t *Table) RemoveEdge(e transport.Edge) bool {
	if _, ok := t.edges[e]; !ok {
		return false
	}
	delete(t.edges, e)
	return true
}

// GetEdge returns e if the table tracks it.
func (t *Table) GetEdge(e transport.Edge) (transport.Edge, bool) {
	_, ok := t.edges[e]
	if !ok {
		return nil, false
	}
	return e, true
}

// Edges returns a snapshot of tracked edges.
func (t *Table) Edges() []transport.Edge {
	out := make([]transport.Edge, 0, len(t.edges))
	for e := range t.edges {
		out = append(out, e)
	}
	return out
}

// EdgeCount returns the number of tracked edges.
func (t *Table) EdgeCount() int { return len(t.edges) }

// AddConnection indexes con by its remote peer and by its edge.
func (t *Table) AddConnection(con *Connection) {
	if old, ok := t.byPeer[con.RemoteId()]; ok && old != con {
		zap.L().Warn("replacing tracked connection for peer", zap.Stringer("peer", con.RemoteId()))
	}
	t.byPeer[con.RemoteId()] = con
	t.byEdge[con.Edge()] = con
}

// RemoveConnection drops con from both indexes. Returns false if the table
// did not hold it.
func (t *Table) RemoveConnection(con *Connection) bool {
	if t.byEdge[con.Edge()] != con {
		return false
	}
	delete(t.byEdge, con.Edge())
	if t.byPeer[con.RemoteId()] == con {
		delete(t.byPeer, con.RemoteId())
	}
	return true
}

// GetConnection returns the live connection to peer, or nil.
func (t *Table) GetConnection(peer Id) *Connection { return t.byPeer[peer] }

// GetConnectionForEdge returns the connection riding e, or nil. Unlike the
// peer index, the edge index keeps serving a connection through its
// teardown, until the terminal disconnected event removes it.
func (t *Table) GetConnectionForEdge(e transport.Edge) *Connection { return t.byEdge[e] }

// Disconnect marks con as tearing down and removes it from the peer index so
// the slot frees up for a replacement. The edge index keeps addressing con
// until its disconnected event arrives.
func (t *Table) Disconnect(con *Connection) {
	con.markDisconnecting()
	if t.byPeer[con.RemoteId()] == con {
		delete(t.byPeer, con.RemoteId())
	}
}

// Contains reports whether the table holds con, in any state.
func (t *Table) Contains(con *Connection) bool { return t.byEdge[con.Edge()] == con }

// Connections returns a snapshot of every tracked connection, including
// those already tearing down.
func (t *Table) Connections() []*Connection {
	out := make([]*Connection, 0, len(t.byEdge))
	for _, con := range t.byEdge {
		out = append(out, con)
	}
	return out
}
