// Package connections turns raw transport edges into identified,
// deduplicated, mutually acknowledged connections between overlay nodes.
// The Manager owns the peer-id handshake, the duplicate and self-connect
// policy, the teardown protocol and the per-direction bookkeeping tables.
package connections

import (
	"go.uber.org/zap"

	"overmesh/pkg/rpc"
	"overmesh/pkg/transport"
)

// RPC methods the manager serves.
const (
	methodInquire    = "CM::Inquire"
	methodClose      = "CM::Close"
	methodConnect    = "CM::Connect"
	methodDisconnect = "CM::Disconnect"
)

// Close reasons on the wire-visible paths.
const (
	reasonSelfConnect      = "Attempting to connect to ourself"
	reasonDuplicate        = "Duplicate connection"
	reasonRemoteClose      = "Closed from remote peer"
	reasonLocalDisconnect  = "Local disconnect request"
	reasonRemoteDisconnect = "Remote disconnect"
	reasonShuttingDown     = "Disconnecting"
)

// Notifiee receives manager events. Callbacks run on the manager's executor
// and must not block; hand work off to another goroutine if needed.
type Notifiee interface {
	// NewConnection fires after the connection is inserted into its table.
	// local reports whether this node initiated the underlying edge.
	NewConnection(con *Connection, local bool)

	// ConnectionAttemptFailure fires when a dial cannot produce a
	// connection: unreachable address, self-connect, duplicate peer.
	ConnectionAttemptFailure(addr transport.Address, reason string)

	// Disconnected fires exactly once, after Disconnect has been called and
	// the last edge has drained.
	Disconnected()
}

// Manager coordinates edges, the handshake and the connection tables. All
// state is confined to a serial executor, so the event handlers below run
// one at a time in submission order.
type Manager struct {
	localID Id
	rpc     *rpc.Handler
	factory *transport.Factory

	// outTab tracks edges this node dialed; inTab tracks edges dialed to it.
	// An edge lives in exactly one of them, chosen by Outbound at adoption.
	outTab *Table
	inTab  *Table

	closed    bool
	drained   bool
	notifiees []Notifiee

	exec executor
}

// NewManager builds a manager for the local identity and registers its
// handshake methods with the borrowed rpc handler.
func NewManager(localID Id, h *rpc.Handler) *Manager {
	m := &Manager{
		localID: localID,
		rpc:     h,
		factory: transport.NewFactory(),
		outTab:  NewTable(),
		inTab:   NewTable(),
	}
	h.Register(methodInquire, m.onExec(m.handleInquire))
	h.Register(methodClose, m.onExec(m.handleCloseNotification))
	h.Register(methodConnect, m.onExec(m.handleConnect))
	h.Register(methodDisconnect, m.onExec(m.handleDisconnectNotification))
	return m
}

// LocalId returns the identity this manager presents in handshakes.
func (m *Manager) LocalId() Id { return m.localID }

// Notify subscribes n to manager events.
func (m *Manager) Notify(n Notifiee) {
	m.exec.Do(func() { m.notifiees = append(m.notifiees, n) })
}

// StopNotify removes a subscription added with Notify.
func (m *Manager) StopNotify(n Notifiee) {
	m.exec.Do(func() {
		for i, cur := range m.notifiees {
			if cur == n {
				m.notifiees = append(m.notifiees[:i], m.notifiees[i+1:]...)
				return
			}
		}
	})
}

// AddEdgeListener registers a transport listener and adopts every edge it
// produces. The caller starts the listener afterwards.
func (m *Manager) AddEdgeListener(el transport.EdgeListener) {
	m.exec.Do(func() {
		if m.closed {
			zap.L().Warn("adding an edge listener after Disconnect")
			return
		}
		el.Subscribe(transport.EdgeEvents{
			NewEdge: func(e transport.Edge) {
				m.exec.Do(func() { m.handleNewEdge(e) })
			},
			CreationFailure: func(addr transport.Address, reason string) {
				m.exec.Do(func() { m.emitFailure(addr, reason) })
			},
		})
		m.factory.AddListener(el)
	})
}

// ConnectTo dials addr and, if the handshake succeeds, promotes the edge to
// a connection announced through NewConnection. Failures surface through
// ConnectionAttemptFailure; there is no retry.
func (m *Manager) ConnectTo(addr transport.Address) {
	m.exec.Do(func() {
		if m.closed {
			zap.L().Warn("connecting to a remote node after Disconnect", zap.String("addr", addr.String()))
			return
		}
		if !m.factory.CreateEdgeTo(addr) {
			m.emitFailure(addr, "No EdgeListener to handle request")
		}
	})
}

// Disconnect shuts the manager down: every connection is torn down, every
// edge closed, the factory stopped. Disconnected fires once the last edge
// drains — synchronously, when there is nothing to drain. Idempotent.
func (m *Manager) Disconnect() {
	m.exec.Do(func() { m.shutdown() })
}

func (m *Manager) shutdown() {
	if m.closed {
		zap.L().Warn("called Disconnect twice on the connection manager")
		return
	}
	m.closed = true

	immediate := m.outTab.EdgeCount() == 0 && m.inTab.EdgeCount() == 0

	for _, con := range m.outTab.Connections() {
		m.beginDisconnect(con)
	}
	for _, con := range m.inTab.Connections() {
		m.beginDisconnect(con)
	}

	for _, e := range m.outTab.Edges() {
		if !e.IsClosed() {
			_ = e.Close(reasonShuttingDown)
		}
	}
	for _, e := range m.inTab.Edges() {
		if !e.IsClosed() {
			_ = e.Close(reasonShuttingDown)
		}
	}

	m.factory.Stop()

	if immediate {
		m.emitDisconnected()
	}
}

// beginDisconnect runs the local-teardown path for con on the executor.
func (m *Manager) beginDisconnect(con *Connection) {
	if con.markDisconnecting() {
		m.handleCalledDisconnect(con)
	}
}

// --- edge lifecycle -------------------------------------------------------

func (m *Manager) handleNewEdge(e transport.Edge) {
	if m.closed {
		zap.L().Warn("edge produced after Disconnect", zap.String("edge", e.String()))
		_ = e.Close(reasonShuttingDown)
		return
	}

	e.SetSink(m.rpc)
	e.OnClosed(func(e transport.Edge, reason string) {
		m.exec.Do(func() { m.handleEdgeClosed(e, reason) })
	})

	if !e.Outbound() {
		m.inTab.AddEdge(e)
		return
	}

	m.outTab.AddEdge(e)
	inquire := map[string]any{"method": methodInquire, "peer_id": m.localID.Bytes()}
	if _, err := m.rpc.SendRequest(inquire, e, m.onExec(m.handleInquired)); err != nil {
		zap.L().Warn("sending inquire failed", zap.String("edge", e.String()), zap.Error(err))
	}
}

func (m *Manager) handleEdgeClosed(e transport.Edge, reason string) {
	zap.L().Debug("edge closed", zap.String("edge", e.String()), zap.String("reason", reason))
	tab := m.inTab
	if e.Outbound() {
		tab = m.outTab
	}
	if !tab.RemoveEdge(e) {
		zap.L().Warn("closed edge not found in its table", zap.String("edge", e.String()))
	}

	if !m.closed {
		return
	}
	if m.outTab.EdgeCount() == 0 && m.inTab.EdgeCount() == 0 {
		m.emitDisconnected()
	}
}

// --- handshake ------------------------------------------------------------

// handleInquire answers a fresh outbound dialer with the local identity.
func (m *Manager) handleInquire(req rpc.Request) {
	req.Respond(map[string]any{"peer_id": m.localID.Bytes()})
}

// handleInquired resumes the dialer state machine with the remote identity
// and decides: promote, or abort for self-connect / duplicate peer.
func (m *Manager) handleInquired(resp rpc.Request) {
	edge, ok := resp.From.(transport.Edge)
	if !ok {
		zap.L().Warn("inquired response from a non-edge", zap.String("from", resp.From.String()))
		return
	}
	if !edge.Outbound() {
		zap.L().Warn("inquired response on an inbound edge", zap.String("edge", edge.String()))
		return
	}
	remote, ok := peerIdFrom(resp.Message)
	if !ok {
		zap.L().Warn("inquired response without a peer id", zap.String("edge", edge.String()))
		return
	}

	if remote == m.localID {
		zap.L().Debug("attempting to connect to ourself", zap.String("edge", edge.String()))
		m.abortHandshake(edge, reasonSelfConnect)
		return
	}
	if m.outTab.GetConnection(remote) != nil {
		zap.L().Warn("already connected to peer, closing edge",
			zap.Stringer("peer", remote), zap.String("edge", edge.String()))
		m.abortHandshake(edge, reasonDuplicate)
		return
	}
	if _, ok := m.outTab.GetEdge(edge); !ok {
		zap.L().Error("edge finished a handshake but is not tracked", zap.String("edge", edge.String()))
		return
	}

	connect := map[string]any{"method": methodConnect, "peer_id": m.localID.Bytes()}
	if err := m.rpc.SendNotification(connect, edge); err != nil {
		zap.L().Warn("sending connect notification failed", zap.String("edge", edge.String()), zap.Error(err))
	}

	zap.L().Debug("creating new connection", zap.Stringer("local", m.localID), zap.Stringer("peer", remote))
	con := newConnection(edge, m.localID, remote, m.onCalledDisconnect, m.onDisconnected)
	m.outTab.AddConnection(con)
	m.emitNewConnection(con, true)
}

// abortHandshake tells the remote to drop the edge and surfaces the failure.
func (m *Manager) abortHandshake(edge transport.Edge, reason string) {
	if err := m.rpc.SendNotification(map[string]any{"method": methodClose}, edge); err != nil {
		zap.L().Debug("sending close notification failed", zap.String("edge", edge.String()), zap.Error(err))
	}
	_ = edge.Close(reason)
	m.emitFailure(edge.RemoteAddress(), reason)
}

// handleConnect promotes a parked inbound edge once the dialer commits.
func (m *Manager) handleConnect(req rpc.Request) {
	edge, ok := req.From.(transport.Edge)
	if !ok {
		zap.L().Warn("connect notification from a non-edge", zap.String("from", req.From.String()))
		return
	}
	remote, ok := peerIdFrom(req.Message)
	if !ok {
		zap.L().Warn("connect notification without a peer id", zap.String("edge", edge.String()))
		return
	}

	// A replacement dial from the same peer abandons the stale connection.
	if old := m.inTab.GetConnection(remote); old != nil {
		zap.L().Debug("replacing inbound connection", zap.Stringer("peer", remote))
		m.beginDisconnect(old)
	}

	if _, ok := m.inTab.GetEdge(edge); !ok {
		zap.L().Error("edge finished a handshake but is not tracked", zap.String("edge", edge.String()))
		return
	}

	zap.L().Debug("handling new connection", zap.Stringer("local", m.localID), zap.Stringer("peer", remote))
	con := newConnection(edge, m.localID, remote, m.onCalledDisconnect, m.onDisconnected)
	m.inTab.AddConnection(con)
	m.emitNewConnection(con, false)
}

// handleCloseNotification drops an edge the remote declined to promote.
func (m *Manager) handleCloseNotification(req rpc.Request) {
	edge, ok := req.From.(transport.Edge)
	if !ok {
		zap.L().Warn("close notification from a non-edge", zap.String("from", req.From.String()))
		return
	}
	_ = edge.Close(reasonRemoteClose)
}

// handleDisconnectNotification is the remote-initiated teardown of a
// promoted connection.
func (m *Manager) handleDisconnectNotification(req rpc.Request) {
	con := m.connectionFor(req.From)
	if con == nil {
		zap.L().Warn("disconnect notification from a non-connection", zap.String("from", req.From.String()))
		return
	}
	zap.L().Debug("received disconnect", zap.String("connection", con.String()))
	if m.inTab.Contains(con) {
		m.inTab.Disconnect(con)
	} else {
		m.outTab.Disconnect(con)
	}
	_ = con.Edge().Close(reasonRemoteDisconnect)
}

// connectionFor resolves the sender of a connection-scoped message. The rpc
// layer hands us the edge the bytes arrived on; the reverse index maps it to
// its promoted connection, teardown included.
func (m *Manager) connectionFor(from rpc.Sender) *Connection {
	switch s := from.(type) {
	case *Connection:
		return s
	case transport.Edge:
		if con := m.inTab.GetConnectionForEdge(s); con != nil {
			return con
		}
		return m.outTab.GetConnectionForEdge(s)
	default:
		return nil
	}
}

// --- connection lifecycle -------------------------------------------------

// onCalledDisconnect enters the executor from Connection.Disconnect.
func (m *Manager) onCalledDisconnect(con *Connection) {
	m.exec.Do(func() { m.handleCalledDisconnect(con) })
}

// handleCalledDisconnect runs the local teardown: free the peer slot, tell
// the remote, drop the edge. During shutdown the closing sweep in shutdown
// owns edge closure, so only the notification goes out here.
func (m *Manager) handleCalledDisconnect(con *Connection) {
	if m.outTab.Contains(con) {
		m.outTab.Disconnect(con)
	} else {
		m.inTab.Disconnect(con)
	}

	if err := m.rpc.SendNotification(map[string]any{"method": methodDisconnect}, con); err != nil {
		zap.L().Debug("sending disconnect notification failed", zap.String("connection", con.String()), zap.Error(err))
	}

	zap.L().Debug("handling disconnect", zap.String("connection", con.String()))
	if !m.closed {
		_ = con.Edge().Close(reasonLocalDisconnect)
	}
}

// onDisconnected enters the executor from the connection's terminal event.
func (m *Manager) onDisconnected(con *Connection, reason string) {
	m.exec.Do(func() { m.handleDisconnected(con, reason) })
}

func (m *Manager) handleDisconnected(con *Connection, reason string) {
	zap.L().Debug("removing disconnected connection",
		zap.String("connection", con.String()), zap.String("reason", reason))
	if con.Edge().Outbound() {
		m.outTab.RemoveConnection(con)
	} else {
		m.inTab.RemoveConnection(con)
	}
}

// --- events ---------------------------------------------------------------

func (m *Manager) emitNewConnection(con *Connection, local bool) {
	for _, n := range m.notifiees {
		n.NewConnection(con, local)
	}
}

func (m *Manager) emitFailure(addr transport.Address, reason string) {
	for _, n := range m.notifiees {
		n.ConnectionAttemptFailure(addr, reason)
	}
}

// emitDisconnected fires the terminal event once and retires the manager's
// rpc methods: nothing can arrive for them after the last edge is gone.
func (m *Manager) emitDisconnected() {
	if m.drained {
		return
	}
	m.drained = true
	for _, n := range m.notifiees {
		n.Disconnected()
	}
	m.rpc.Unregister(methodInquire)
	m.rpc.Unregister(methodClose)
	m.rpc.Unregister(methodConnect)
	m.rpc.Unregister(methodDisconnect)
}

// --- helpers --------------------------------------------------------------

// onExec wraps an rpc method so it runs on the manager's executor.
func (m *Manager) onExec(h func(rpc.Request)) rpc.Method {
	return func(req rpc.Request) {
		m.exec.Do(func() { h(req) })
	}
}

// peerIdFrom extracts the peer_id payload field. Missing or empty ids are
// soft errors the callers log and drop.
func peerIdFrom(msg map[string]any) (Id, bool) {
	switch v := msg["peer_id"].(type) {
	case []byte:
		if len(v) == 0 {
			return "", false
		}
		return IdFromBytes(v), true
	case string:
		if v == "" {
			return "", false
		}
		return Id(v), true
	default:
		return "", false
	}
}
