// Package rpc is the request/response messaging layer of the overlay. It
// moves schemaless map payloads between nodes over any Sender and dispatches
// inbound messages to registered methods or to the response callback of an
// outstanding request.
package rpc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"overmesh/pkg/codec"
)

// Sender carries one serialized message toward a remote peer. Edges and
// promoted connections both implement it.
type Sender interface {
	Send(data []byte) error
	String() string
}

// Sink consumes inbound frames. An edge's sink is installed exactly once, at
// adoption; the Handler below is the canonical sink.
type Sink interface {
	HandleData(data []byte, from Sender)
}

// Method handles an inbound request/notification, or the response to a
// request this node sent.
type Method func(Request)

// Request is a parsed inbound message together with its origin.
type Request struct {
	Message map[string]any
	From    Sender

	handler *Handler
	id      string
}

// Respond sends resp back to the requester over the same sender. Responding
// to a notification is a soft error: logged and dropped.
func (r Request) Respond(resp map[string]any) {
	if r.id == "" {
		zap.L().Warn("responding to a message that carries no request id")
		return
	}
	out := withEnvelope(resp, r.id, typeResponse)
	if err := r.handler.sendRaw(out, r.From); err != nil {
		zap.L().Warn("sending response failed", zap.String("to", r.From.String()), zap.Error(err))
	}
}

const (
	typeRequest      = "request"
	typeNotification = "notification"
	typeResponse     = "response"
)

// Handler registers methods by name and correlates requests with responses.
// It is safe for concurrent use.
type Handler struct {
	mu          sync.Mutex
	codec       codec.Codec
	methods     map[string]Method
	outstanding map[string]Method
}

// NewHandler builds a Handler that serializes messages with c.
func NewHandler(c codec.Codec) *Handler {
	return &Handler{
		codec:       c,
		methods:     make(map[string]Method),
		outstanding: make(map[string]Method),
	}
}

// Register binds a method name to m, replacing any previous binding.
func (h *Handler) Register(name string, m Method) {
	h.mu.Lock()
	if _, ok := h.methods[name]; ok {
		zap.L().Warn("replacing registered rpc method", zap.String("method", name))
	}
	h.methods[name] = m
	h.mu.Unlock()
}

// Unregister removes the binding for name, if any.
func (h *Handler) Unregister(name string) {
	h.mu.Lock()
	delete(h.methods, name)
	h.mu.Unlock()
}

// SendRequest sends msg to the sender and arranges for response to run when
// the reply arrives. msg must carry a "method" key. Returns the request id.
func (h *Handler) SendRequest(msg map[string]any, to Sender, response Method) (string, error) {
	id := uuid.NewString()
	out := withEnvelope(msg, id, typeRequest)

	h.mu.Lock()
	h.outstanding[id] = response
	h.mu.Unlock()

	if err := h.sendRaw(out, to); err != nil {
		h.mu.Lock()
		delete(h.outstanding, id)
		h.mu.Unlock()
		return "", err
	}
	return id, nil
}

// SendNotification sends msg to the sender without expecting a reply.
func (h *Handler) SendNotification(msg map[string]any, to Sender) error {
	return h.sendRaw(withEnvelope(msg, "", typeNotification), to)
}

func (h *Handler) sendRaw(msg map[string]any, to Sender) error {
	b, err := h.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %v message: %w", msg["type"], err)
	}
	return to.Send(b)
}

// HandleData implements Sink: it parses one frame and dispatches it. Every
// failure mode is soft — logged and dropped, never surfaced to the transport.
func (h *Handler) HandleData(data []byte, from Sender) {
	var msg map[string]any
	if err := h.codec.Unmarshal(data, &msg); err != nil {
		zap.L().Warn("dropping unparseable frame", zap.String("from", from.String()), zap.Error(err))
		return
	}

	typ, _ := msg["type"].(string)
	id, _ := msg["id"].(string)

	switch typ {
	case typeRequest:
		h.dispatch(msg, from, id)
	case typeNotification:
		h.dispatch(msg, from, "")
	case typeResponse:
		h.mu.Lock()
		m := h.outstanding[id]
		delete(h.outstanding, id)
		h.mu.Unlock()
		if m == nil {
			zap.L().Warn("dropping response with no outstanding request", zap.String("id", id), zap.String("from", from.String()))
			return
		}
		m(Request{Message: msg, From: from, handler: h})
	default:
		zap.L().Warn("dropping message of unknown type", zap.Any("type", msg["type"]), zap.String("from", from.String()))
	}
}

func (h *Handler) dispatch(msg map[string]any, from Sender, id string) {
	name, _ := msg["method"].(string)
	if name == "" {
		zap.L().Warn("dropping message with no method", zap.String("from", from.String()))
		return
	}
	h.mu.Lock()
	m := h.methods[name]
	h.mu.Unlock()
	if m == nil {
		zap.L().Warn("dropping message for unregistered method", zap.String("method", name), zap.String("from", from.String()))
		return
	}
	m(Request{Message: msg, From: from, handler: h, id: id})
}

// withEnvelope copies msg and stamps the dispatch envelope keys onto the copy.
func withEnvelope(msg map[string]any, id, typ string) map[string]any {
	out := make(map[string]any, len(msg)+2)
	for k, v := range msg {
		out[k] = v
	}
	if id != "" {
		out["id"] = id
	}
	out["type"] = typ
	return out
}
