package connections

import (
	"testing"

	"overmesh/pkg/transport"
)

func newTableEdge(outbound bool, remote string) *testEdge {
	return newTestEdge(outbound, "mem://local", remote)
}

func TestTableEdgeBookkeeping(t *testing.T) {
	tab := NewTable()
	e1 := newTableEdge(true, "mem://b")
	e2 := newTableEdge(true, "mem://c")

	tab.AddEdge(e1)
	tab.AddEdge(e2)
	if tab.EdgeCount() != 2 {
		t.Fatalf("edge count = %d, want 2", tab.EdgeCount())
	}
	if _, ok := tab.GetEdge(e1); !ok {
		t.Fatalf("e1 not tracked")
	}
	if !tab.RemoveEdge(e1) {
		t.Fatalf("removing tracked edge returned false")
	}
	if tab.RemoveEdge(e1) {
		t.Fatalf("removing untracked edge returned true")
	}
	if tab.EdgeCount() != 1 {
		t.Fatalf("edge count = %d, want 1", tab.EdgeCount())
	}
}

func TestTableConnectionIndexes(t *testing.T) {
	tab := NewTable()
	e := newTableEdge(true, "mem://b")
	tab.AddEdge(e)

	con := newConnection(e, Id("A"), Id("B"), nil, nil)
	tab.AddConnection(con)

	if got := tab.GetConnection(Id("B")); got != con {
		t.Fatalf("peer index miss: %v", got)
	}
	if got := tab.GetConnectionForEdge(e); got != con {
		t.Fatalf("edge index miss: %v", got)
	}
	if !tab.Contains(con) {
		t.Fatalf("Contains returned false for tracked connection")
	}

	if !tab.RemoveConnection(con) {
		t.Fatalf("removing tracked connection returned false")
	}
	if tab.RemoveConnection(con) {
		t.Fatalf("removing untracked connection returned true")
	}
	if tab.GetConnection(Id("B")) != nil || tab.GetConnectionForEdge(e) != nil {
		t.Fatalf("indexes not cleared after removal")
	}
}

func TestTableDisconnectKeepsEdgeIndex(t *testing.T) {
	tab := NewTable()
	e := newTableEdge(true, "mem://b")
	tab.AddEdge(e)
	con := newConnection(e, Id("A"), Id("B"), nil, nil)
	tab.AddConnection(con)

	tab.Disconnect(con)

	if con.State() != DisconnectRequested {
		t.Fatalf("state = %v, want disconnect-requested", con.State())
	}
	if tab.GetConnection(Id("B")) != nil {
		t.Fatalf("peer slot still occupied after Disconnect")
	}
	if tab.GetConnectionForEdge(e) != con {
		t.Fatalf("edge index dropped the disconnecting connection")
	}
	if !tab.Contains(con) {
		t.Fatalf("Contains lost the disconnecting connection")
	}
}

func TestTablePeerSlotFreedForReplacement(t *testing.T) {
	tab := NewTable()
	e1 := newTableEdge(false, "mem://b")
	e2 := newTableEdge(false, "mem://b")
	tab.AddEdge(e1)
	tab.AddEdge(e2)

	old := newConnection(e1, Id("A"), Id("B"), nil, nil)
	tab.AddConnection(old)
	tab.Disconnect(old)

	next := newConnection(e2, Id("A"), Id("B"), nil, nil)
	tab.AddConnection(next)

	if tab.GetConnection(Id("B")) != next {
		t.Fatalf("peer slot not owned by replacement")
	}
	// The old connection's terminal removal must not evict the newcomer.
	tab.RemoveConnection(old)
	if tab.GetConnection(Id("B")) != next {
		t.Fatalf("removing stale connection evicted replacement from peer index")
	}
	if tab.GetConnectionForEdge(e2) != next {
		t.Fatalf("replacement lost from edge index")
	}
}

func checkTableInvariants(t *testing.T, name string, tab *Table) {
	t.Helper()
	for id, con := range tab.byPeer {
		if con.State() != Live {
			t.Errorf("%s: peer-indexed connection %s is %v, want live", name, id, con.State())
		}
		if _, ok := tab.edges[con.Edge()]; !ok {
			t.Errorf("%s: peer-indexed connection %s has an untracked edge", name, id)
		}
		if con.RemoteId() != id {
			t.Errorf("%s: peer index key %s does not match connection remote %s", name, id, con.RemoteId())
		}
	}
	for e, con := range tab.byEdge {
		if con.Edge() != e {
			t.Errorf("%s: edge index entry does not match connection edge", name)
		}
	}
}

var _ transport.Edge = (*testEdge)(nil)
