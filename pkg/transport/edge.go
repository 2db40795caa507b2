package transport

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"overmesh/pkg/rpc"
)

// Edge is a raw bidirectional byte channel produced by a transport. Once the
// connection manager adopts an edge it owns it exclusively.
type Edge interface {
	rpc.Sender

	// Outbound reports whether the local node dialed this edge.
	Outbound() bool
	RemoteAddress() Address
	LocalAddress() Address

	// IsClosed reports whether the edge has closed. The transition is
	// monotonic: false to true, never back.
	IsClosed() bool

	// SetSink installs the single consumer of inbound frames and starts
	// delivery. Installing a second sink is a programming error and panics.
	SetSink(sink rpc.Sink)

	// OnClosed registers fn to run once when the edge closes, with the close
	// reason. Registering on an already closed edge runs fn immediately.
	OnClosed(fn func(Edge, string))

	// Close tears the edge down with a human-readable reason. Idempotent.
	Close(reason string) error
}

// EdgeCore carries the bookkeeping every edge implementation shares:
// direction, addresses, the write-once sink slot, the monotonic closed flag
// and the closed-callback list. Concrete edges embed it, call Init once, and
// route their teardown through Close.
type EdgeCore struct {
	mu       sync.Mutex
	self     Edge
	outbound bool
	local    Address
	remote   Address
	sink     rpc.Sink
	sinkSet  bool
	closed   bool
	reason   string
	onClosed []func(Edge, string)
	start    func()
	shutdown func() error
}

// Init wires the core to its concrete edge. start, if non-nil, runs once the
// sink is installed (the read pump). shutdown, if non-nil, runs once on close
// and tears down the underlying conduit.
func (c *EdgeCore) Init(self Edge, outbound bool, local, remote Address, start func(), shutdown func() error) {
	c.self = self
	c.outbound = outbound
	c.local = local
	c.remote = remote
	c.start = start
	c.shutdown = shutdown
}

func (c *EdgeCore) Outbound() bool         { return c.outbound }
func (c *EdgeCore) LocalAddress() Address  { return c.local }
func (c *EdgeCore) RemoteAddress() Address { return c.remote }

func (c *EdgeCore) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *EdgeCore) SetSink(sink rpc.Sink) {
	c.mu.Lock()
	if c.sinkSet {
		c.mu.Unlock()
		panic("transport: edge sink set twice")
	}
	c.sink = sink
	c.sinkSet = true
	start := c.start
	c.mu.Unlock()
	if start != nil {
		start()
	}
}

// Deliver hands one inbound frame to the sink. Frames arriving before the
// sink is installed indicate a transport bug and are dropped with a warning;
// pumps must not start before SetSink.
func (c *EdgeCore) Deliver(data []byte) {
	c.mu.Lock()
	sink := c.sink
	self := c.self
	c.mu.Unlock()
	if sink == nil {
		zap.L().Warn("dropping frame delivered before sink installation", zap.String("edge", self.String()))
		return
	}
	sink.HandleData(data, self)
}

func (c *EdgeCore) OnClosed(fn func(Edge, string)) {
	c.mu.Lock()
	if c.closed {
		self, reason := c.self, c.reason
		c.mu.Unlock()
		fn(self, reason)
		return
	}
	c.onClosed = append(c.onClosed, fn)
	c.mu.Unlock()
}

func (c *EdgeCore) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.reason = reason
	cbs := c.onClosed
	c.onClosed = nil
	self := c.self
	shutdown := c.shutdown
	c.mu.Unlock()

	if shutdown != nil {
		if err := shutdown(); err != nil {
			zap.L().Debug("edge shutdown", zap.String("edge", self.String()), zap.Error(err))
		}
	}
	for _, fn := range cbs {
		fn(self, reason)
	}
	return nil
}

func (c *EdgeCore) String() string {
	dir := "in"
	if c.outbound {
		dir = "out"
	}
	return fmt.Sprintf("edge[%s %s -> %s]", dir, c.local, c.remote)
}
