package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxFrame bounds a single frame; anything larger is treated as corruption.
const maxFrame = 1 << 24

// ConnEdge adapts a stream-oriented byte pipe (net.Conn, quic stream, pipe)
// into an Edge speaking u32 little-endian length-prefixed frames. The read
// pump starts when the sink is installed so no inbound frame is lost between
// accept and adoption.
type ConnEdge struct {
	EdgeCore
	wmu     sync.Mutex
	rw      io.ReadWriter
	closeFn func() error
}

// NewConnEdge builds a framed edge over rw. closeFn tears down the
// underlying conduit; it runs exactly once.
func NewConnEdge(rw io.ReadWriter, closeFn func() error, outbound bool, local, remote Address) *ConnEdge {
	e := &ConnEdge{rw: rw, closeFn: closeFn}
	e.EdgeCore.Init(e, outbound, local, remote, e.startPump, closeFn)
	return e
}

// Send writes one frame. Fails once the edge has closed.
func (e *ConnEdge) Send(data []byte) error {
	if e.IsClosed() {
		return fmt.Errorf("send on closed %s", e.String())
	}
	if len(data) > maxFrame {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}
	frame := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(data)))
	copy(frame[4:], data)

	e.wmu.Lock()
	defer e.wmu.Unlock()
	_, err := e.rw.Write(frame)
	return err
}

func (e *ConnEdge) startPump() { go e.pump() }

func (e *ConnEdge) pump() {
	br := bufio.NewReader(e.rw)
	var lenbuf [4]byte
	for {
		if _, err := io.ReadFull(br, lenbuf[:]); err != nil {
			_ = e.Close(readFailure(err))
			return
		}
		n := binary.LittleEndian.Uint32(lenbuf[:])
		if n > maxFrame {
			_ = e.Close("oversized frame")
			return
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			_ = e.Close(readFailure(err))
			return
		}
		e.Deliver(buf)
	}
}

func readFailure(err error) string {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return "closed by transport"
	}
	return "read failed: " + err.Error()
}
