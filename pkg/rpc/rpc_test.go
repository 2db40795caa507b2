package rpc

import (
	"testing"

	"overmesh/pkg/codec"
)

// pipeSender queues frames for later delivery into a peer handler.
type pipeSender struct {
	name   string
	frames [][]byte
}

func (p *pipeSender) Send(b []byte) error {
	p.frames = append(p.frames, b)
	return nil
}

func (p *pipeSender) String() string { return p.name }

func (p *pipeSender) drainInto(h *Handler, as Sender) {
	frames := p.frames
	p.frames = nil
	for _, f := range frames {
		h.HandleData(f, as)
	}
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	c, err := codec.CBOR()
	if err != nil {
		t.Fatalf("cbor codec: %v", err)
	}
	return NewHandler(c)
}

func TestRequestResponseCorrelation(t *testing.T) {
	alice := newTestHandler(t)
	bob := newTestHandler(t)

	toBob := &pipeSender{name: "to-bob"}
	toAlice := &pipeSender{name: "to-alice"}

	bob.Register("Echo", func(req Request) {
		req.Respond(map[string]any{"echo": req.Message["word"]})
	})

	var got string
	if _, err := alice.SendRequest(map[string]any{"method": "Echo", "word": "marco"}, toBob, func(resp Request) {
		got, _ = resp.Message["echo"].(string)
	}); err != nil {
		t.Fatalf("send request: %v", err)
	}

	toBob.drainInto(bob, toAlice)
	toAlice.drainInto(alice, toBob)

	if got != "marco" {
		t.Fatalf("response not delivered, got %q", got)
	}
}

func TestNotificationDispatch(t *testing.T) {
	h := newTestHandler(t)
	out := &pipeSender{name: "peer"}

	var calls int
	h.Register("Ping", func(req Request) {
		calls++
		if req.From.String() != "peer" {
			t.Fatalf("wrong origin: %s", req.From.String())
		}
	})

	sender := newTestHandler(t)
	if err := sender.SendNotification(map[string]any{"method": "Ping"}, out); err != nil {
		t.Fatalf("send notification: %v", err)
	}
	out.drainInto(h, out)

	if calls != 1 {
		t.Fatalf("expected 1 dispatch, got %d", calls)
	}
}

func TestUnknownMethodDropped(t *testing.T) {
	h := newTestHandler(t)
	out := &pipeSender{name: "peer"}

	sender := newTestHandler(t)
	if err := sender.SendNotification(map[string]any{"method": "Nope"}, out); err != nil {
		t.Fatalf("send notification: %v", err)
	}
	// Must not panic; the message is logged and dropped.
	out.drainInto(h, out)
}

func TestMalformedFrameDropped(t *testing.T) {
	h := newTestHandler(t)
	h.HandleData([]byte{0xff, 0x00, 0x01}, &pipeSender{name: "junk"})
}

func TestResponseWithoutOutstandingDropped(t *testing.T) {
	alice := newTestHandler(t)
	bob := newTestHandler(t)

	toBob := &pipeSender{name: "to-bob"}
	toAlice := &pipeSender{name: "to-alice"}

	bob.Register("Echo", func(req Request) {
		req.Respond(map[string]any{})
		req.Respond(map[string]any{}) // duplicate reply
	})

	calls := 0
	if _, err := alice.SendRequest(map[string]any{"method": "Echo"}, toBob, func(Request) { calls++ }); err != nil {
		t.Fatalf("send request: %v", err)
	}
	toBob.drainInto(bob, toAlice)
	toAlice.drainInto(alice, toBob)

	if calls != 1 {
		t.Fatalf("response callback ran %d times, want 1", calls)
	}
}

func TestUnregisterStopsDispatch(t *testing.T) {
	h := newTestHandler(t)
	out := &pipeSender{name: "peer"}

	calls := 0
	h.Register("Tick", func(Request) { calls++ })

	sender := newTestHandler(t)
	_ = sender.SendNotification(map[string]any{"method": "Tick"}, out)
	_ = sender.SendNotification(map[string]any{"method": "Tick"}, out)

	h.HandleData(out.frames[0], out)
	h.Unregister("Tick")
	h.HandleData(out.frames[1], out)

	if calls != 1 {
		t.Fatalf("dispatch after unregister, calls=%d", calls)
	}
}
