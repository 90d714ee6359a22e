// Package wsclient implements the connecting side: dial, perform the
// client-side opening handshake, and hand the result to a Session
// (spec §4.3).
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package wsclient

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/wsproto/protocol"
	"github.com/momentics/wsproto/session"
	"github.com/momentics/wsproto/transport"
)

// Options configures Connect.
type Options struct {
	Path         string
	Origin       string
	UserAgent    string
	TLS          bool
	ServerName   string
	SkipVerify   bool
	DialTimeout  time.Duration
	HandshakeTTL time.Duration // bounds the handshake round trip; zero disables
	IdleTimeout  time.Duration
	Logger       logrus.FieldLogger
}

// Connect dials host:port, performs the client-side handshake, and returns
// a Session ready for Serve (spec §4.3).
func Connect(host string, port int, opts Options) (*session.Session, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	tr, err := transport.Dial(host, port, transport.DialOptions{
		TLS:        opts.TLS,
		ServerName: opts.ServerName,
		SkipVerify: opts.SkipVerify,
		Timeout:    opts.DialTimeout,
	})
	if err != nil {
		return nil, err
	}

	if opts.HandshakeTTL > 0 {
		if err := tr.SetDeadline(time.Now().Add(opts.HandshakeTTL)); err != nil {
			tr.Close()
			return nil, fmt.Errorf("wsclient: setting handshake deadline: %w", err)
		}
	}

	key, err := protocol.WriteClientRequest(tr.Writer(), host, port, protocol.ClientHandshakeOptions{
		Path:      opts.Path,
		Origin:    opts.Origin,
		UserAgent: opts.UserAgent,
	})
	if err != nil {
		tr.Close()
		return nil, err
	}

	if err := protocol.ReadServerResponse(tr.Reader(), key); err != nil {
		tr.Close()
		return nil, err
	}

	if opts.HandshakeTTL > 0 {
		if err := tr.SetDeadline(time.Time{}); err != nil {
			tr.Close()
			return nil, fmt.Errorf("wsclient: clearing handshake deadline: %w", err)
		}
	}

	var sessOpts []session.Option
	if opts.IdleTimeout > 0 {
		sessOpts = append(sessOpts, session.WithIdleTimeout(opts.IdleTimeout))
	}

	return session.New(tr, protocol.RoleClient, log, sessOpts...), nil
}
