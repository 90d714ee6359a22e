// Package session implements the per-connection WebSocket state machine:
// the reader loop, fragmentation reassembly, automatic Ping/Close replies,
// and the thread-safe handler registry (spec §4.4, §5).
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package session

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/wsproto/protocol"
	"github.com/momentics/wsproto/transport"
)

// Event identifies which kind of delivered payload a handler is registered
// for.
type Event int

const (
	EventText Event = iota
	EventBinary
	EventClose
	EventPing
	EventPong
)

func (e Event) String() string {
	switch e {
	case EventText:
		return "text"
	case EventBinary:
		return "binary"
	case EventClose:
		return "close"
	case EventPing:
		return "ping"
	case EventPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Handler receives a delivered payload for one event on one Session.
type Handler func(s *Session, payload []byte)

// ProtocolError reports a framing or handshake-adjacent violation that
// terminates the session (spec §7). Code is the RFC 6455 close code the
// violation corresponds to; the reader loop logs the error and closes the
// transport without sending a Close frame.
type ProtocolError struct {
	Msg  string
	Code protocol.CloseCode
}

func (e *ProtocolError) Error() string { return "session: protocol error: " + e.Msg }

func newProtoErr(code protocol.CloseCode, format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...), Code: code}
}

// Session is a per-connection WebSocket state machine wrapping a Transport
// after a successful handshake.
type Session struct {
	tr   transport.Transport
	role protocol.Role
	log  logrus.FieldLogger

	handlersMu sync.RWMutex
	handlers   map[Event][]Handler
	defaults   map[Event][]Handler

	writeMu sync.Mutex

	fragMu    sync.Mutex
	fragOp    protocol.Opcode // in-progress fragment opcode; meaningful only while fragInUse
	fragBuf   []byte
	fragInUse bool

	closing     atomic.Bool
	done        chan struct{}
	closeOne    sync.Once
	idleTimeout time.Duration
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithIdleTimeout bounds each blocking transport read by d; expiry is
// treated as a TransportError (SPEC_FULL §4.4). The default, zero, leaves
// timeouts to the caller per spec §5.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) { s.idleTimeout = d }
}

// New constructs a Session over an already-handshaken transport. Handlers
// may be registered before Serve is called; the default Ping/Close
// handlers are always present.
func New(tr transport.Transport, role protocol.Role, log logrus.FieldLogger, opts ...Option) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Session{
		tr:       tr,
		role:     role,
		log:      log.WithFields(logrus.Fields{"role": role.String(), "remote": tr.PeerAddr()}),
		handlers: make(map[Event][]Handler),
		defaults: make(map[Event][]Handler),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.defaults[EventPing] = []Handler{s.defaultPing}
	s.defaults[EventClose] = []Handler{s.defaultClose}
	return s
}

// On appends a user callback for event, safe to call concurrently with a
// running reader loop (spec §4.4, §5): dispatch always iterates a
// snapshot taken under the same lock.
func (s *Session) On(event Event, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[event] = append(s.handlers[event], h)
}

// Role reports which side of the connection this Session plays.
func (s *Session) Role() protocol.Role { return s.role }

// Serving reports whether the session has not yet terminated: it is true
// from New until Stop runs (called directly or by the exiting reader
// loop), including before Serve has been called.
func (s *Session) Serving() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Serve starts the reader loop in a new goroutine and returns immediately.
// Deliberately separate from New so handlers can be registered first
// (spec §4.4).
func (s *Session) Serve() {
	go s.readLoop()
}

// Stop marks the session done and closes the transport, which ends a
// running reader loop. It does this whether or not Serve was called.
// Repeated calls are safe; a call after the first may return the error of
// closing an already-closed transport.
func (s *Session) Stop() error {
	s.closeOne.Do(func() {
		close(s.done)
	})
	return s.tr.Close()
}

// Done returns a channel closed when the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// SendFrame encodes and transmits one frame (spec §4.2, §4.4). Setting
// opcode to protocol.OpClose marks this side as closing, suppressing the
// automatic Close reply on a subsequent peer Close.
func (s *Session) SendFrame(opcode protocol.Opcode, payload []byte, first, last bool) error {
	if opcode == protocol.OpClose {
		s.closing.Store(true)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := protocol.WriteFrame(s.tr.Writer(), s.role, opcode, payload, first, last); err != nil {
		return err
	}
	return nil
}

// Close sends a Close frame with the given code/reason and marks the
// session as closing. It does not itself close the transport; the reader
// loop does that once it observes the peer's own Close (or a transport
// error).
func (s *Session) Close(code protocol.CloseCode, reason string) error {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return s.SendFrame(protocol.OpClose, payload, true, true)
}

// readLoop is the single per-session reader task (spec §4.4 step-by-step,
// §5). It owns the in-progress-fragment state exclusively; no other
// goroutine may touch fragOp/fragBuf.
func (s *Session) readLoop() {
	defer s.Stop()

	for {
		if s.idleTimeout > 0 {
			if err := s.tr.SetDeadline(time.Now().Add(s.idleTimeout)); err != nil {
				s.log.WithError(err).Debug("session: failed to set idle deadline")
			}
		}
		frame, masked, err := protocol.ReadFrame(s.tr.Reader())
		if err != nil {
			s.log.WithError(err).Debug("session: read ended, closing")
			return
		}

		if !frame.Opcode.Valid() {
			s.log.WithField("opcode", frame.Opcode).Error("session: unknown opcode")
			return
		}

		if err := s.checkMaskingRule(masked); err != nil {
			s.log.WithError(err).Error("session: masking rule violation")
			return
		}

		effective, fragErr := s.applyFragmentation(frame)
		if fragErr != nil {
			s.log.WithError(fragErr).Error("session: fragmentation violation")
			return
		}
		if effective == nil {
			// Message not yet complete (a non-final data/continuation
			// frame was absorbed into the in-progress buffer).
			continue
		}

		event := opcodeToEvent(effective.Opcode)
		s.dispatch(event, effective.Payload)
		if event == EventClose {
			// Close handshake complete from this side's perspective,
			// whichever side initiated it (spec §4.4, §8).
			return
		}
	}
}

// checkMaskingRule enforces spec §4.2's role-masking rule: frames
// received by a server-role session MUST be masked; frames received by a
// client-role session MUST NOT be masked.
func (s *Session) checkMaskingRule(masked bool) error {
	if s.role == protocol.RoleServer && !masked {
		return newProtoErr(protocol.CloseProtocolError, "server received unmasked frame")
	}
	if s.role == protocol.RoleClient && masked {
		return newProtoErr(protocol.CloseProtocolError, "client received masked frame")
	}
	return nil
}

// applyFragmentation enforces spec §4.4 step 5-6 and returns the frame
// ready for dispatch once a message is complete (nil otherwise). Control
// frames always return immediately (they are never reassembled).
func (s *Session) applyFragmentation(frame protocol.Frame) (*protocol.Frame, error) {
	if frame.Opcode.IsControl() {
		if !frame.Fin {
			return nil, newProtoErr(protocol.CloseProtocolError, "fragmented control frame")
		}
		if len(frame.Payload) > protocol.MaxControlPayload {
			return nil, newProtoErr(protocol.CloseProtocolError, "control frame payload too large")
		}
		if frame.Opcode == protocol.OpClose {
			if err := validateClosePayload(frame.Payload); err != nil {
				return nil, err
			}
		}
		return &frame, nil
	}

	s.fragMu.Lock()
	defer s.fragMu.Unlock()

	switch {
	case s.fragInUse && (frame.Opcode == protocol.OpText || frame.Opcode == protocol.OpBinary):
		return nil, newProtoErr(protocol.CloseProtocolError, "data frame received mid-fragment")
	case frame.Opcode == protocol.OpContinuation && !s.fragInUse:
		return nil, newProtoErr(protocol.CloseProtocolError, "continuation with nothing in progress")
	}

	effectiveOp := frame.Opcode
	if s.fragInUse {
		effectiveOp = s.fragOp
	}

	if !s.fragInUse {
		s.fragOp = frame.Opcode
		s.fragBuf = append([]byte(nil), frame.Payload...)
		s.fragInUse = true
	} else {
		s.fragBuf = append(s.fragBuf, frame.Payload...)
	}

	if !frame.Fin {
		return nil, nil
	}

	complete := &protocol.Frame{Fin: true, Opcode: effectiveOp, Payload: s.fragBuf}
	s.fragBuf = nil
	s.fragInUse = false
	return complete, nil
}

// validateClosePayload enforces RFC 6455 §5.5.1: a non-empty close
// payload must be at least 2 bytes (a status code).
func validateClosePayload(payload []byte) error {
	if len(payload) == 1 {
		return newProtoErr(protocol.CloseProtocolError, "close payload is 1 byte")
	}
	return nil
}

// dispatch invokes every user handler for event in registration order,
// then every default handler, recovering a panicking handler so it cannot
// take down the reader loop (spec §7).
func (s *Session) dispatch(event Event, payload []byte) {
	s.handlersMu.RLock()
	user := append([]Handler(nil), s.handlers[event]...)
	def := append([]Handler(nil), s.defaults[event]...)
	s.handlersMu.RUnlock()

	for _, h := range user {
		s.invoke(h, payload)
	}
	for _, h := range def {
		s.invoke(h, payload)
	}
}

func (s *Session) invoke(h Handler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("session: handler panicked, recovered")
		}
	}()
	h(s, payload)
}

// defaultPing answers an incoming Ping with a Pong carrying the same
// payload, unless this side has already observed (or sent) a Close.
func (s *Session) defaultPing(_ *Session, payload []byte) {
	if s.closing.Load() {
		return
	}
	if err := s.SendFrame(protocol.OpPong, payload, true, true); err != nil {
		s.log.WithError(err).Debug("session: failed to send automatic pong")
	}
}

// defaultClose echoes a Close frame if this side has not already sent one
// (errors swallowed — the peer may already be gone). readLoop tears down
// the transport right after dispatch returns.
func (s *Session) defaultClose(_ *Session, payload []byte) {
	if !s.closing.Load() {
		code := protocol.CloseNormalClosure
		if len(payload) >= 2 {
			code = protocol.CloseCode(binary.BigEndian.Uint16(payload))
		}
		_ = s.Close(code, "")
	}
}

func opcodeToEvent(op protocol.Opcode) Event {
	switch op {
	case protocol.OpText:
		return EventText
	case protocol.OpBinary:
		return EventBinary
	case protocol.OpClose:
		return EventClose
	case protocol.OpPing:
		return EventPing
	case protocol.OpPong:
		return EventPong
	default:
		panic("session: unreachable opcode")
	}
}
