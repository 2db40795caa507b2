package mem

import (
	"testing"
	"time"

	"overmesh/pkg/rpc"
	"overmesh/pkg/transport"
)

// frameSink records delivered frames on a channel.
type frameSink struct {
	frames chan []byte
}

func newFrameSink() *frameSink { return &frameSink{frames: make(chan []byte, 16)} }

func (s *frameSink) HandleData(data []byte, _ rpc.Sender) { s.frames <- data }

func recvFrame(t *testing.T, s *frameSink) []byte {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a frame")
		return nil
	}
}

type edgeCollector struct {
	edges chan transport.Edge
	fails chan string
}

func newEdgeCollector() *edgeCollector {
	return &edgeCollector{edges: make(chan transport.Edge, 4), fails: make(chan string, 4)}
}

func (c *edgeCollector) events() transport.EdgeEvents {
	return transport.EdgeEvents{
		NewEdge:         func(e transport.Edge) { c.edges <- e },
		CreationFailure: func(_ transport.Address, reason string) { c.fails <- reason },
	}
}

func recvEdge(t *testing.T, c *edgeCollector) transport.Edge {
	t.Helper()
	select {
	case e := <-c.edges:
		return e
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for an edge")
		return nil
	}
}

func startPair(t *testing.T) (*Listener, *Listener, *edgeCollector, *edgeCollector) {
	t.Helper()
	nw := NewNetwork()
	la := nw.NewListener(transport.MustAddress("mem://a"))
	lb := nw.NewListener(transport.MustAddress("mem://b"))
	ca, cb := newEdgeCollector(), newEdgeCollector()
	la.Subscribe(ca.events())
	lb.Subscribe(cb.events())
	if err := la.Start(); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := lb.Start(); err != nil {
		t.Fatalf("start b: %v", err)
	}
	return la, lb, ca, cb
}

func TestDialProducesEdgePair(t *testing.T) {
	la, _, ca, cb := startPair(t)

	la.CreateEdgeTo(transport.MustAddress("mem://b"))

	out := recvEdge(t, ca)
	in := recvEdge(t, cb)

	if !out.Outbound() {
		t.Fatalf("dialer edge not outbound")
	}
	if in.Outbound() {
		t.Fatalf("accepted edge marked outbound")
	}
	if out.RemoteAddress().String() != "mem://b" {
		t.Fatalf("outbound remote = %s", out.RemoteAddress())
	}
	if in.RemoteAddress().String() != "mem://a" {
		t.Fatalf("inbound remote = %s", in.RemoteAddress())
	}
}

func TestFramesCrossTheEdge(t *testing.T) {
	la, _, ca, cb := startPair(t)
	la.CreateEdgeTo(transport.MustAddress("mem://b"))
	out := recvEdge(t, ca)
	in := recvEdge(t, cb)

	sa, sb := newFrameSink(), newFrameSink()
	out.SetSink(sa)
	in.SetSink(sb)

	if err := out.Send([]byte("hello")); err != nil {
		t.Fatalf("send out: %v", err)
	}
	if got := recvFrame(t, sb); string(got) != "hello" {
		t.Fatalf("inbound frame = %q", got)
	}

	if err := in.Send([]byte("aloha")); err != nil {
		t.Fatalf("send in: %v", err)
	}
	if got := recvFrame(t, sa); string(got) != "aloha" {
		t.Fatalf("outbound frame = %q", got)
	}
}

func TestClosePropagates(t *testing.T) {
	la, _, ca, cb := startPair(t)
	la.CreateEdgeTo(transport.MustAddress("mem://b"))
	out := recvEdge(t, ca)
	in := recvEdge(t, cb)
	out.SetSink(newFrameSink())
	in.SetSink(newFrameSink())

	closed := make(chan string, 1)
	in.OnClosed(func(_ transport.Edge, reason string) { closed <- reason })

	_ = out.Close("done here")
	if !out.IsClosed() {
		t.Fatalf("closed edge reports open")
	}

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("peer edge never observed the close")
	}
	if err := out.Send([]byte("x")); err == nil {
		t.Fatalf("send succeeded on a closed edge")
	}
}

func TestDialUnknownNameFails(t *testing.T) {
	la, _, ca, _ := startPair(t)
	la.CreateEdgeTo(transport.MustAddress("mem://nobody"))
	select {
	case reason := <-ca.fails:
		if reason == "" {
			t.Fatalf("empty failure reason")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no creation failure surfaced")
	}
}

func TestStoppedListenerRefusesDials(t *testing.T) {
	la, lb, ca, _ := startPair(t)
	if err := lb.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := lb.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	la.CreateEdgeTo(transport.MustAddress("mem://b"))
	select {
	case <-ca.fails:
	case <-time.After(5 * time.Second):
		t.Fatalf("dial to a stopped listener did not fail")
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	nw := NewNetwork()
	l1 := nw.NewListener(transport.MustAddress("mem://x"))
	l2 := nw.NewListener(transport.MustAddress("mem://x"))
	if err := l1.Start(); err != nil {
		t.Fatalf("start l1: %v", err)
	}
	if err := l2.Start(); err == nil {
		t.Fatalf("duplicate name accepted")
	}
}

func TestFactoryRoutesByScheme(t *testing.T) {
	nw := NewNetwork()
	l := nw.NewListener(transport.MustAddress("mem://a"))
	c := newEdgeCollector()
	l.Subscribe(c.events())
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	f := transport.NewFactory()
	f.AddListener(l)
	if !f.CreateEdgeTo(transport.MustAddress("mem://a")) {
		t.Fatalf("factory refused a handled scheme")
	}
	if f.CreateEdgeTo(transport.MustAddress("tcp://1.2.3.4:1")) {
		t.Fatalf("factory claimed an unhandled scheme")
	}
}
