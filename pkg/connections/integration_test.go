package connections_test

import (
	"testing"
	"time"

	"overmesh/pkg/codec"
	"overmesh/pkg/connections"
	"overmesh/pkg/rpc"
	"overmesh/pkg/transport"
	"overmesh/pkg/transport/mem"
)

type nodeEvents struct {
	conns chan *connections.Connection
	fails chan string
	disc  chan struct{}
}

func (e *nodeEvents) NewConnection(con *connections.Connection, _ bool) { e.conns <- con }
func (e *nodeEvents) ConnectionAttemptFailure(_ transport.Address, reason string) {
	e.fails <- reason
}
func (e *nodeEvents) Disconnected() { close(e.disc) }

type node struct {
	mgr *connections.Manager
	ev  *nodeEvents
}

func startNode(t *testing.T, nw *mem.Network, id, listen string) *node {
	t.Helper()
	c, err := codec.CBOR()
	if err != nil {
		t.Fatalf("cbor: %v", err)
	}
	mgr := connections.NewManager(connections.Id(id), rpc.NewHandler(c))
	ev := &nodeEvents{
		conns: make(chan *connections.Connection, 4),
		fails: make(chan string, 4),
		disc:  make(chan struct{}),
	}
	mgr.Notify(ev)
	l := nw.NewListener(transport.MustAddress(listen))
	mgr.AddEdgeListener(l)
	if err := l.Start(); err != nil {
		t.Fatalf("start listener %s: %v", listen, err)
	}
	return &node{mgr: mgr, ev: ev}
}

func waitConn(t *testing.T, n *node) *connections.Connection {
	t.Helper()
	select {
	case con := <-n.ev.conns:
		return con
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a connection")
		return nil
	}
}

func waitState(t *testing.T, con *connections.Connection, want connections.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if con.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection state %v, want %v", con.State(), want)
}

func TestTwoNodesOverMemTransport(t *testing.T) {
	nw := mem.NewNetwork()
	a := startNode(t, nw, "ida", "mem://a")
	b := startNode(t, nw, "idb", "mem://b")

	a.mgr.ConnectTo(transport.MustAddress("mem://b"))

	conA := waitConn(t, a)
	conB := waitConn(t, b)

	if conA.RemoteId() != connections.Id("idb") {
		t.Fatalf("a sees remote %s, want idb", conA.RemoteId())
	}
	if conB.RemoteId() != connections.Id("ida") {
		t.Fatalf("b sees remote %s, want ida", conB.RemoteId())
	}
	if !conA.Edge().Outbound() || conB.Edge().Outbound() {
		t.Fatalf("edge directions wrong: a=%v b=%v", conA.Edge().Outbound(), conB.Edge().Outbound())
	}

	// Tearing down node a drains it and tells b, whose connection dies too.
	a.mgr.Disconnect()
	select {
	case <-a.ev.disc:
	case <-time.After(5 * time.Second):
		t.Fatalf("node a never drained")
	}
	waitState(t, conA, connections.Disconnected)
	waitState(t, conB, connections.Disconnected)

	b.mgr.Disconnect()
	select {
	case <-b.ev.disc:
	case <-time.After(5 * time.Second):
		t.Fatalf("node b never drained")
	}
}

func TestSelfDialOverMemTransport(t *testing.T) {
	nw := mem.NewNetwork()
	a := startNode(t, nw, "ida", "mem://a")

	a.mgr.ConnectTo(transport.MustAddress("mem://a"))

	select {
	case reason := <-a.ev.fails:
		if reason != "Attempting to connect to ourself" {
			t.Fatalf("failure reason %q", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("self dial surfaced no failure")
	}

	select {
	case con := <-a.ev.conns:
		t.Fatalf("self dial produced a connection to %s", con.RemoteId())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDialToMissingListener(t *testing.T) {
	nw := mem.NewNetwork()
	a := startNode(t, nw, "ida", "mem://a")

	a.mgr.ConnectTo(transport.MustAddress("mem://ghost"))

	select {
	case reason := <-a.ev.fails:
		if reason == "" {
			t.Fatalf("empty failure reason")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("dial to a missing listener surfaced no failure")
	}
}
