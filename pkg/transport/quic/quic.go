// Package quic provides the quic:// edge listener over quic-go. Each edge
// rides one bidirectional stream (opened by the dialer, accepted by the
// listener) with u32 little-endian length-prefixed frames.
//
// TLS here only encrypts the link; peer identity is established by the
// connection manager's handshake, so certificates are ephemeral and
// verification is skipped on dial.
package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"overmesh/pkg/transport"
)

const alpn = "overmesh"

// Listener accepts inbound edges on a QUIC address and dials outbound ones.
type Listener struct {
	addr     transport.Address
	tlsConf  *tls.Config
	quicConf *quicgo.Config

	mu      sync.Mutex
	ev      transport.EdgeEvents
	l       *quicgo.Listener
	cancel  context.CancelFunc
	stopped bool
}

// New builds a listener for addr (quic://host:port) with an ephemeral
// self-signed certificate.
func New(addr transport.Address) (*Listener, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &Listener{
		addr: addr,
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpn},
			MinVersion:   tls.VersionTLS13,
		},
		quicConf: &quicgo.Config{},
	}, nil
}

func (l *Listener) Handles(a transport.Address) bool { return a.Scheme() == "quic" }

func (l *Listener) Address() transport.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.l != nil {
		return transport.MustAddress("quic://" + l.l.Addr().String())
	}
	return l.addr
}

func (l *Listener) Subscribe(ev transport.EdgeEvents) {
	l.mu.Lock()
	l.ev = ev
	l.mu.Unlock()
}

func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.l != nil || l.stopped {
		return nil
	}
	ln, err := quicgo.ListenAddr(l.addr.Host(), l.tlsConf, l.quicConf)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.l = ln
	l.cancel = cancel
	go l.acceptLoop(ctx, ln)
	return nil
}

func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	ln := l.l
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context, ln *quicgo.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			l.mu.Lock()
			stopped := l.stopped
			l.mu.Unlock()
			if !stopped {
				zap.L().Warn("quic accept failed", zap.String("addr", l.addr.String()), zap.Error(err))
			}
			return
		}
		// The dialer opens the control stream; wait for it off the loop.
		go l.acceptEdge(ctx, conn)
	}
}

func (l *Listener) acceptEdge(ctx context.Context, conn quicgo.Connection) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		zap.L().Warn("quic stream accept failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		_ = conn.CloseWithError(0, "no control stream")
		return
	}
	remote := transport.MustAddress("quic://" + conn.RemoteAddr().String())
	edge := transport.NewConnEdge(stream, closeEdge(conn, stream), false, l.Address(), remote)

	l.mu.Lock()
	ev := l.ev
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		_ = edge.Close("listener stopped")
		return
	}
	ev.EmitNewEdge(edge)
}

// CreateEdgeTo dials addr in the background; the outcome arrives as a
// NewEdge or CreationFailure event.
func (l *Listener) CreateEdgeTo(addr transport.Address) {
	go func() {
		tlsClient := &tls.Config{
			InsecureSkipVerify: true, // identity is established by the manager's handshake
			NextProtos:         []string{alpn},
			MinVersion:         tls.VersionTLS13,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		conn, err := quicgo.DialAddr(ctx, addr.Host(), tlsClient, l.quicConf)
		if err == nil {
			var stream quicgo.Stream
			stream, err = conn.OpenStreamSync(ctx)
			if err != nil {
				_ = conn.CloseWithError(0, "no control stream")
			} else {
				edge := transport.NewConnEdge(stream, closeEdge(conn, stream), true, l.Address(), addr)
				l.deliver(edge, addr)
				return
			}
		}

		l.mu.Lock()
		ev := l.ev
		l.mu.Unlock()
		ev.EmitCreationFailure(addr, err.Error())
	}()
}

func (l *Listener) deliver(edge transport.Edge, addr transport.Address) {
	l.mu.Lock()
	ev := l.ev
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		_ = edge.Close("listener stopped")
		return
	}
	ev.EmitNewEdge(edge)
}

func closeEdge(conn quicgo.Connection, stream quicgo.Stream) func() error {
	return func() error {
		_ = stream.Close()
		return conn.CloseWithError(0, "edge closed")
	}
}

// selfSignedCert generates a short-lived certificate for link encryption.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
