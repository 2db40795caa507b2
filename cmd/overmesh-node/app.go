package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"overmesh/pkg/codec"
	"overmesh/pkg/config"
	"overmesh/pkg/connections"
	"overmesh/pkg/identity"
	"overmesh/pkg/observability"
	"overmesh/pkg/peers"
	"overmesh/pkg/rpc"
	"overmesh/pkg/transport"
	memtransport "overmesh/pkg/transport/mem"
	"overmesh/pkg/transport/quic"
	"overmesh/pkg/transport/tcp"
	"overmesh/pkg/transport/ws"
)

// drainGrace bounds the wait for the manager's final drain on shutdown.
const drainGrace = 10 * time.Second

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("overmesh-node started", zap.String("app", cfg.AppName))

	_, localID, err := identity.LoadOrGenerate(cfg.Identity)
	if err != nil {
		zap.L().Error("failed to init identity", zap.Error(err))
		return 1
	}
	zap.L().Info("node identity", zap.Stringer("peer_id", localID))

	wire, err := codec.CBOR()
	if err != nil {
		zap.L().Error("failed to build wire codec", zap.Error(err))
		return 1
	}
	handler := rpc.NewHandler(wire)
	mgr := connections.NewManager(localID, handler)

	store := peers.NewStore(1024, time.Hour)
	mgr.Notify(peers.NewRecorder(store))

	logEvents := &eventLogger{}
	mgr.Notify(logEvents)

	drained := make(chan struct{})
	mgr.Notify(drainSignal{ch: drained})

	listeners, err := buildListeners(cfg.Transports)
	if err != nil {
		zap.L().Error("failed to build transports", zap.Error(err))
		return 1
	}
	for _, el := range listeners {
		mgr.AddEdgeListener(el)
		if err := el.Start(); err != nil {
			zap.L().Error("failed to start listener", zap.String("addr", el.Address().String()), zap.Error(err))
			return 1
		}
		zap.L().Info("listening", zap.String("addr", el.Address().String()))
	}

	for _, p := range cfg.Peers {
		addr, err := transport.ParseAddress(p)
		if err != nil {
			zap.L().Warn("skipping bad peer address", zap.String("addr", p), zap.Error(err))
			continue
		}
		mgr.ConnectTo(addr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	zap.L().Info("shutting down", zap.String("signal", s.String()))

	mgr.Disconnect()
	select {
	case <-drained:
		zap.L().Info("drained cleanly")
	case <-time.After(drainGrace):
		zap.L().Warn("drain timed out, exiting anyway")
	}
	return 0
}

// buildListeners constructs one edge listener per configured transport. All
// mem listeners share one in-process fabric.
func buildListeners(tcs []config.TransportConfig) ([]transport.EdgeListener, error) {
	var memNet *memtransport.Network
	out := make([]transport.EdgeListener, 0, len(tcs))
	for _, tc := range tcs {
		addr, err := transport.ParseAddress(tc.Listen)
		if err != nil {
			return nil, err
		}
		switch tc.Scheme {
		case "mem":
			if memNet == nil {
				memNet = memtransport.NewNetwork()
			}
			out = append(out, memNet.NewListener(addr))
		case "tcp":
			out = append(out, tcp.New(addr))
		case "quic":
			ql, err := quic.New(addr)
			if err != nil {
				return nil, err
			}
			out = append(out, ql)
		case "ws":
			out = append(out, ws.New(addr))
		}
	}
	return out, nil
}

// eventLogger narrates the manager's event surface.
type eventLogger struct{}

func (eventLogger) NewConnection(con *connections.Connection, local bool) {
	zap.L().Info("new connection",
		zap.Stringer("peer", con.RemoteId()),
		zap.Bool("locally_initiated", local),
		zap.String("edge", con.Edge().String()))
}

func (eventLogger) ConnectionAttemptFailure(addr transport.Address, reason string) {
	zap.L().Warn("connection attempt failed",
		zap.String("addr", addr.String()), zap.String("reason", reason))
}

func (eventLogger) Disconnected() {
	zap.L().Info("connection manager drained")
}

// drainSignal closes its channel on the manager's terminal event.
type drainSignal struct{ ch chan struct{} }

func (drainSignal) NewConnection(*connections.Connection, bool)        {}
func (drainSignal) ConnectionAttemptFailure(transport.Address, string) {}
func (d drainSignal) Disconnected()                                    { close(d.ch) }
