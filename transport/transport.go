// Package transport implements the bidirectional reliable byte stream the
// protocol layer rides on: plain TCP and TLS-over-TCP, both behind one
// contract (spec §4.1).
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package transport

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrShortRead is returned by ReadExact when the peer closes (orderly or
// abruptly) before delivering the requested number of bytes. Per spec
// §4.1, callers treat this as fatal to the connection.
var ErrShortRead = errors.New("transport: short read")

// Transport is a bidirectional reliable byte stream.
type Transport interface {
	// ReadExact reads exactly n bytes, or returns ErrShortRead wrapping the
	// underlying cause if the peer closes first.
	ReadExact(n int) ([]byte, error)
	// WriteAll writes all of b or returns the wrapped write error.
	WriteAll(b []byte) error
	Close() error
	PeerAddr() net.Addr
	// SetDeadline bounds the next blocking read or write; the zero Time
	// disables the deadline. Used by the handshake step and an optional
	// per-session idle timeout (SPEC_FULL §4.1, §4.4).
	SetDeadline(t time.Time) error
	// Reader exposes the transport's buffered input for the handshake
	// phase, which needs arbitrary-length HTTP parsing rather than the
	// fixed-size reads ReadExact provides. It is the SAME *bufio.Reader
	// ReadExact reads from afterward — callers must not wrap it in a
	// second bufio.Reader, or bytes speculatively buffered during the
	// handshake (e.g. a pipelined first frame) would be stranded in a
	// buffer nobody reads from again.
	Reader() *bufio.Reader
	Writer() io.Writer
}

// conn adapts a net.Conn (plain or TLS) to the Transport contract.
type conn struct {
	nc net.Conn
	br *bufio.Reader
}

// NewConn wraps an already-established net.Conn (TCP or TLS) as a
// Transport. TLS handshaking, if any, must already have completed — see
// Dial and Listener.Accept below, which perform it.
func NewConn(nc net.Conn) Transport {
	return &conn{nc: nc, br: bufio.NewReaderSize(nc, 4096)}
}

func (c *conn) ReadExact(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return buf, nil
}

func (c *conn) WriteAll(b []byte) error {
	_, err := c.nc.Write(b)
	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *conn) Close() error { return c.nc.Close() }

func (c *conn) PeerAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *conn) SetDeadline(t time.Time) error { return c.nc.SetDeadline(t) }

func (c *conn) Reader() *bufio.Reader { return c.br }

func (c *conn) Writer() io.Writer { return c.nc }

// DialOptions configures an outbound connection.
type DialOptions struct {
	TLS        bool
	ServerName string // SNI; defaults to host when empty
	SkipVerify bool   // verify_mode = none (spec §4.3 step 1)
	RootCAs    *tls.Config
	Timeout    time.Duration
}

// Dial opens a TCP connection to host:port, optionally wrapping it in TLS
// with SNI = host by default (spec §4.1, §6).
func Dial(host string, port int, opts DialOptions) (Transport, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	d := net.Dialer{Timeout: opts.Timeout}
	nc, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	if !opts.TLS {
		return NewConn(nc), nil
	}

	cfg := &tls.Config{}
	if opts.RootCAs != nil {
		cfg = opts.RootCAs.Clone()
	}
	cfg.ServerName = opts.ServerName
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	cfg.InsecureSkipVerify = opts.SkipVerify

	tc := tls.Client(nc, cfg)
	if err := tc.Handshake(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport: tls handshake: %w", err)
	}
	return NewConn(tc), nil
}

// Listener accepts plain or TLS-wrapped connections.
type Listener struct {
	ln        net.Listener
	tlsConfig *tls.Config
}

// Listen binds addr. If tlsConfig is non-nil, every accepted connection is
// TLS-server-handshaken before being returned.
func Listen(addr string, tlsConfig *tls.Config) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, tlsConfig: tlsConfig}, nil
}

// Accept blocks for the next connection, completing a TLS handshake first
// when the listener is TLS-configured.
func (l *Listener) Accept() (Transport, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if l.tlsConfig == nil {
		return NewConn(nc), nil
	}
	tc := tls.Server(nc, l.tlsConfig)
	if err := tc.Handshake(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport: tls handshake: %w", err)
	}
	return NewConn(tc), nil
}

func (l *Listener) Close() error { return l.ln.Close() }

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// LoadServerTLSConfig loads a PEM cert/key pair for Listen (spec §4.1, §6).
func LoadServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: loading TLS cert/key: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
