// Package wsserver implements the listening-server acceptor: bind, accept,
// perform the server-side opening handshake, and hand each completed
// handshake to a new session (spec §4.5).
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package wsserver

import (
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/momentics/wsproto/protocol"
	"github.com/momentics/wsproto/session"
	"github.com/momentics/wsproto/transport"
)

// Config configures a Server.
type Config struct {
	Addr     string // e.g. ":9001"
	CertFile string // non-empty enables TLS
	KeyFile  string
	Logger   logrus.FieldLogger
}

// Server binds a listening socket and spawns one Session per accepted,
// handshaken connection.
type Server struct {
	cfg Config
	log logrus.FieldLogger

	handlersMu sync.Mutex
	handlers   map[session.Event][]session.Handler

	ln *transport.Listener

	sessionsMu sync.Mutex
	sessions   map[*session.Session]struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs an idle Server; call Run to start accepting.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		cfg:      cfg,
		log:      log.WithField("component", "wsserver"),
		handlers: make(map[session.Event][]session.Handler),
		sessions: make(map[*session.Session]struct{}),
		stopped:  make(chan struct{}),
	}
}

// On installs a handler into the prototype table copied into every new
// session (spec §4.5).
func (s *Server) On(event session.Event, h session.Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[event] = append(s.handlers[event], h)
}

// Run binds the listener and blocks, accepting connections until Stop is
// called. Accept errors are logged and the loop continues; handshake and
// TLS failures close only the offending connection (spec §4.5).
func (s *Server) Run() error {
	var tlsConfig *tls.Config
	if s.cfg.CertFile != "" {
		cfg, err := transport.LoadServerTLSConfig(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			return err
		}
		tlsConfig = cfg
	}

	ln, err := transport.Listen(s.cfg.Addr, tlsConfig)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.WithField("addr", ln.Addr()).Info("wsserver: listening")

	for {
		tr, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopped:
				return nil
			default:
			}
			s.log.WithError(err).Error("wsserver: accept failed")
			continue
		}
		go s.handleConn(tr)
	}
}

// handleConn performs the server-side handshake and, on success, starts a
// Session carrying the handler-table prototype.
func (s *Server) handleConn(tr transport.Transport) {
	req, key, err := protocol.ReadClientRequest(tr.Reader())
	if err != nil {
		s.log.WithError(err).Debug("wsserver: handshake rejected")
		_ = protocol.WriteServerRejection(tr.Writer(), 400, "Bad Request")
		tr.Close()
		return
	}
	_ = req // request is validated only; no routing beyond the handshake (non-goal)

	if err := protocol.WriteServerResponse(tr.Writer(), key); err != nil {
		s.log.WithError(err).Debug("wsserver: failed writing handshake response")
		tr.Close()
		return
	}

	sess := session.New(tr, protocol.RoleServer, s.log)
	s.handlersMu.Lock()
	for event, hs := range s.handlers {
		for _, h := range hs {
			sess.On(event, h)
		}
	}
	s.handlersMu.Unlock()

	s.sessionsMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessionsMu.Unlock()

	go func() {
		<-sess.Done()
		s.sessionsMu.Lock()
		delete(s.sessions, sess)
		s.sessionsMu.Unlock()
	}()

	sess.Serve()
}

// Stop closes the listener (so no new connections are accepted) and then
// calls Stop on every live session concurrently, waiting on each session's
// Done channel (SPEC_FULL §4.5). Session.Stop closes Done itself, so this
// does not wait for the sessions' reader goroutines to exit.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopped)
		if s.ln != nil {
			err = s.ln.Close()
		}

		s.sessionsMu.Lock()
		sessions := make([]*session.Session, 0, len(s.sessions))
		for sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.sessionsMu.Unlock()

		var wg sync.WaitGroup
		for _, sess := range sessions {
			wg.Add(1)
			go func(sess *session.Session) {
				defer wg.Done()
				_ = sess.Stop()
				<-sess.Done()
			}(sess)
		}
		wg.Wait()
	})
	if err != nil {
		return fmt.Errorf("wsserver: stop: %w", err)
	}
	return nil
}
