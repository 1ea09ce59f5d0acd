// Package session maintains the node's control channel to the coordinator:
// a Socket.IO v4 client over an Engine.IO v4 websocket.
//
// Dial performs the transport handshake and an explicit Socket.IO CONNECT,
// so a returned Session is already Authenticated. After that, everything
// the coordinator pushes is published on Events. A transport error, a
// server disconnect or an "error" event is published as a fatal Event and
// ends the session; the session never reconnects on its own.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
	"github.com/keithlinneman/openbmclapi-cluster/internal/version"
	"github.com/keithlinneman/openbmclapi-cluster/internal/xerrors"
)

const (
	DefaultHandshakeTimeout = 20 * time.Second
	DefaultAckTimeout       = 10 * time.Second

	// time allowed to write a frame to the coordinator
	writeWait = 10 * time.Second

	// used until the open packet says otherwise
	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second

	sendBuffer  = 64
	eventBuffer = 64
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Authenticated
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	case Degraded:
		return "degraded"
	}
	return "unknown"
}

type EventKind int

const (
	// EventMessage is a "message" event from the coordinator.
	EventMessage EventKind = iota
	// EventPush is any other named event the coordinator emits.
	EventPush
	// EventError is an "error" event or a transport failure. Fatal.
	EventError
	// EventDisconnect is a server disconnect or engine close. Fatal.
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventPush:
		return "push"
	case EventError:
		return "error"
	case EventDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// Event is one thing that happened on the control channel.
type Event struct {
	Kind EventKind
	Name string
	Args []json.RawMessage
	Err  error
}

// Fatal reports whether the event ends the session.
func (e Event) Fatal() bool { return e.Kind == EventError || e.Kind == EventDisconnect }

// AsFatal converts a fatal event into the error the entry point acts on.
func (e Event) AsFatal() *FatalError {
	return &FatalError{Reason: e.Kind.String() + ": " + e.Name, Err: e.Err}
}

// Metrics is implemented by the metrics package to observe the session.
type Metrics interface {
	SetSessionState(state string)
	IncSessionEvent(kind string)
}

type Options struct {
	Logger log.Logger

	// BaseURL is the coordinator origin; http(s) is mapped to ws(s)
	BaseURL       string
	ClusterID     string
	ClusterSecret string

	HandshakeTimeout time.Duration
	AckTimeout       time.Duration

	// Dialer defaults to websocket.DefaultDialer
	Dialer  *websocket.Dialer
	Metrics Metrics
}

// Certificate is the TLS material the coordinator issues to the node.
type Certificate struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
}

type Session struct {
	conn    *websocket.Conn
	logger  log.Logger
	metrics Metrics

	sid          string
	pingInterval time.Duration
	pingTimeout  time.Duration
	ackTimeout   time.Duration

	state atomic.Int32

	send   chan []byte
	events chan Event

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan []json.RawMessage

	closing    atomic.Bool
	closeOnce  sync.Once
	done       chan struct{}
	readerDone chan struct{}
	writerDone chan struct{}
}

// ConnectURL builds the websocket URL for the coordinator at base.
func ConnectURL(base, clusterID, clusterSecret string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", xerrors.Wrapf(err, "parse coordinator url")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", xerrors.Newf("unsupported coordinator scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	q.Set("clusterId", clusterID)
	q.Set("clusterSecret", clusterSecret)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redact hides the cluster secret in a connect URL for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparsable url>"
	}
	q := u.Query()
	if q.Has("clusterSecret") {
		q.Set("clusterSecret", "REDACTED")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Dial connects and authenticates to the coordinator. Any failure before
// the session is Authenticated is returned as a *ConnectError.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if opts.ClusterID == "" || opts.ClusterSecret == "" {
		return nil, &ConnectError{Reason: "cluster id and secret are required"}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	s := &Session{
		logger:       opts.Logger.With("component", "session"),
		metrics:      opts.Metrics,
		pingInterval: defaultPingInterval,
		pingTimeout:  defaultPingTimeout,
		ackTimeout:   opts.AckTimeout,
		send:         make(chan []byte, sendBuffer),
		events:       make(chan Event, eventBuffer),
		pending:      make(map[int64]chan []json.RawMessage),
		done:         make(chan struct{}),
		readerDone:   make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	s.setState(Connecting)

	target, err := ConnectURL(opts.BaseURL, opts.ClusterID, opts.ClusterSecret)
	if err != nil {
		s.setState(Disconnected)
		return nil, &ConnectError{Reason: "invalid coordinator url", Err: err}
	}

	dctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	s.logger.Info(ctx, "connecting to coordinator", "url", redact(target))
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	conn, resp, err := dialer.DialContext(dctx, target, header)
	if err != nil {
		s.setState(Disconnected)
		reason := "websocket dial"
		if resp != nil {
			reason = "websocket dial: " + resp.Status
		}
		return nil, &ConnectError{Reason: reason, Err: err}
	}
	s.conn = conn

	deadline, _ := dctx.Deadline()
	if err := s.handshake(ctx, deadline); err != nil {
		conn.Close()
		s.setState(Disconnected)
		return nil, err
	}

	go s.writePump()
	go s.readPump()

	s.logger.Info(ctx, "coordinator session authenticated",
		"sid", s.sid,
		"ping_interval", s.pingInterval.String(),
		"ping_timeout", s.pingTimeout.String(),
	)
	return s, nil
}

// handshake reads the engine open packet, sends Socket.IO CONNECT and
// waits for the server's CONNECT reply. It runs before the pumps start so
// it reads and writes the conn directly.
func (s *Session) handshake(ctx context.Context, deadline time.Time) error {
	s.conn.SetReadDeadline(deadline)
	s.conn.SetWriteDeadline(deadline)
	defer s.conn.SetWriteDeadline(time.Time{})

	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return &ConnectError{Reason: "read open packet", Err: err}
	}
	if len(msg) == 0 || msg[0] != engineOpen {
		return &ConnectError{Reason: "expected engine.io open packet"}
	}
	var open openPacket
	if err := json.Unmarshal(msg[1:], &open); err != nil {
		return &ConnectError{Reason: "decode open packet", Err: err}
	}
	if open.PingInterval > 0 {
		s.pingInterval = time.Duration(open.PingInterval) * time.Millisecond
	}
	if open.PingTimeout > 0 {
		s.pingTimeout = time.Duration(open.PingTimeout) * time.Millisecond
	}
	s.setState(Connected)

	if err := s.conn.WriteMessage(websocket.TextMessage, encodeSIO(sioConnect, 0, false, nil)); err != nil {
		return &ConnectError{Reason: "send connect", Err: err}
	}

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return &ConnectError{Reason: "await connect ack", Err: err}
		}
		if len(msg) == 0 {
			continue
		}
		switch msg[0] {
		case enginePing:
			pong := append([]byte{enginePong}, msg[1:]...)
			if err := s.conn.WriteMessage(websocket.TextMessage, pong); err != nil {
				return &ConnectError{Reason: "send pong", Err: err}
			}
			continue
		case engineClose:
			return &ConnectError{Reason: "coordinator closed the connection during handshake"}
		case engineMessage:
		default:
			continue
		}

		p, err := parseSIO(string(msg[1:]))
		if err != nil {
			return &ConnectError{Reason: "decode connect ack", Err: err}
		}
		switch p.Type {
		case sioConnect:
			var body struct {
				SID string `json:"sid"`
			}
			if len(p.Data) > 0 {
				json.Unmarshal(p.Data, &body)
			}
			s.sid = body.SID
			s.setState(Authenticated)
			return nil
		case sioConnectError:
			return &ConnectError{Reason: "coordinator rejected connect: " + connectErrorMessage(p.Data)}
		case sioDisconnect:
			return &ConnectError{Reason: "coordinator disconnected during handshake"}
		default:
			// events sent before the connect ack are not expected; drop them
			s.logger.Debug(ctx, "dropping packet received before connect ack", "type", string(p.Type))
		}
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	if s.metrics != nil {
		s.metrics.SetSessionState(st.String())
	}
}

// State returns the current session state.
func (s *Session) State() State { return State(s.state.Load()) }

// SID is the Socket.IO session id assigned by the coordinator.
func (s *Session) SID() string { return s.sid }

// Events delivers everything the coordinator pushes. It is closed once the
// session has ended; a fatal event, if any, is delivered before that.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) publish(ev Event) {
	if s.metrics != nil {
		s.metrics.IncSessionEvent(ev.Kind.String())
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// readPump owns all reads and is the only publisher of events.
func (s *Session) readPump() {
	defer func() {
		s.failPending()
		close(s.readerDone)
		close(s.events)
	}()

	ctx := context.Background()
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.pingInterval + s.pingTimeout))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				return
			}
			s.fail(Event{Kind: EventError, Name: "transport", Err: xerrors.Wrap(err, "read from coordinator")})
			return
		}
		if len(msg) == 0 {
			continue
		}

		switch msg[0] {
		case enginePing:
			s.enqueue(append([]byte{enginePong}, msg[1:]...))
		case engineClose:
			if s.closing.Load() {
				return
			}
			s.fail(Event{Kind: EventDisconnect, Name: "engine close"})
			return
		case engineMessage:
			if stop := s.handleMessage(ctx, string(msg[1:])); stop {
				return
			}
		case enginePong, engineNoop:
		default:
			s.logger.Debug(ctx, "ignoring engine packet", "type", string(msg[0]))
		}
	}
}

// handleMessage dispatches one Socket.IO packet. It returns true when the
// session has ended.
func (s *Session) handleMessage(ctx context.Context, raw string) bool {
	p, err := parseSIO(raw)
	if err != nil {
		s.logger.Warn(ctx, "dropping malformed socket.io packet", "error", err.Error())
		return false
	}
	if p.NSP != "" && p.NSP != "/" {
		return false
	}

	switch p.Type {
	case sioEvent:
		name, args, err := splitEvent(p.Data)
		if err != nil {
			s.logger.Warn(ctx, "dropping malformed event", "error", err.Error())
			return false
		}
		if p.HasID {
			// the coordinator asked for an ack; reply with no arguments
			s.enqueue(encodeSIO(sioAck, p.ID, true, []byte("[]")))
		}
		switch name {
		case "error":
			s.fail(Event{Kind: EventError, Name: name, Args: args, Err: xerrors.Newf("coordinator error event: %s", joinArgs(args))})
			return true
		case "message":
			s.publish(Event{Kind: EventMessage, Name: name, Args: args})
		default:
			s.publish(Event{Kind: EventPush, Name: name, Args: args})
		}
	case sioAck:
		if !p.HasID {
			return false
		}
		var args []json.RawMessage
		if len(p.Data) > 0 {
			if err := json.Unmarshal(p.Data, &args); err != nil {
				s.logger.Warn(ctx, "dropping malformed ack", "id", p.ID, "error", err.Error())
				return false
			}
		}
		s.resolve(p.ID, args)
	case sioDisconnect:
		if s.closing.Load() {
			return true
		}
		s.fail(Event{Kind: EventDisconnect, Name: "server disconnect"})
		return true
	case sioConnectError:
		s.fail(Event{Kind: EventError, Name: "connect_error", Err: xerrors.Newf("coordinator connect error: %s", connectErrorMessage(p.Data))})
		return true
	case sioConnect:
	default:
		s.logger.Debug(ctx, "ignoring socket.io packet", "type", string(p.Type))
	}
	return false
}

// fail marks the session degraded and publishes the fatal event.
func (s *Session) fail(ev Event) {
	s.setState(Degraded)
	s.logger.Warn(context.Background(), "coordinator session failed", "event", ev.Kind.String(), "name", ev.Name)
	s.publish(ev)
}

// writePump owns all writes.
func (s *Session) writePump() {
	defer close(s.writerDone)
	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				// the read side sees the broken conn and reports it
				s.conn.Close()
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.TextMessage, encodeSIO(sioDisconnect, 0, false, nil))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-s.readerDone:
			return
		}
	}
}

func (s *Session) enqueue(msg []byte) error {
	select {
	case <-s.readerDone:
		return ErrClosed
	default:
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return ErrClosed
	case <-s.readerDone:
		return ErrClosed
	}
}

// Emit sends an event without waiting for an acknowledgement.
func (s *Session) Emit(ctx context.Context, event string, args ...any) error {
	data, err := eventPayload(event, args...)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.enqueue(encodeSIO(sioEvent, 0, false, data))
}

// EmitWithAck sends an event and waits for the coordinator's ack, bounded
// by the ack timeout. The waiting slot is released on every return path.
func (s *Session) EmitWithAck(ctx context.Context, event string, args ...any) ([]json.RawMessage, error) {
	data, err := eventPayload(event, args...)
	if err != nil {
		return nil, err
	}

	id := s.nextID.Add(1) - 1
	ch := make(chan []json.RawMessage, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer s.release(id)

	if err := s.enqueue(encodeSIO(sioEvent, id, true, data)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return ack, nil
	case <-timer.C:
		return nil, xerrors.Wrapf(ErrAckTimeout, "%s after %s", event, s.ackTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.readerDone:
		return nil, ErrClosed
	}
}

func (s *Session) release(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) resolve(id int64, args []json.RawMessage) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		s.logger.Debug(context.Background(), "ack for unknown or expired id", "id", id)
		return
	}
	ch <- args
}

// failPending wakes every waiter once the read side has stopped.
func (s *Session) failPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// pendingAcks is the number of callers waiting for an ack.
func (s *Session) pendingAcks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RequestCertificate asks the coordinator to issue a certificate for the
// node. The coordinator answers with [err, {cert, key}], either as the ack
// arguments or wrapped in a single array argument.
func (s *Session) RequestCertificate(ctx context.Context) (*Certificate, error) {
	args, err := s.EmitWithAck(ctx, "request-cert")
	if err != nil {
		return nil, err
	}
	if len(args) == 1 && strings.HasPrefix(strings.TrimSpace(string(args[0])), "[") {
		var inner []json.RawMessage
		if err := json.Unmarshal(args[0], &inner); err != nil {
			return nil, xerrors.Wrapf(ErrMalformedCertificate, "decode ack: %v", err)
		}
		args = inner
	}
	if len(args) == 0 {
		return nil, xerrors.Wrap(ErrMalformedCertificate, "empty ack")
	}
	if msg := strings.TrimSpace(string(args[0])); msg != "null" && msg != "" {
		return nil, &RefusedError{Event: "request-cert", Message: msg}
	}
	if len(args) < 2 {
		return nil, xerrors.Wrap(ErrMalformedCertificate, "ack has no certificate")
	}
	var cert Certificate
	if err := json.Unmarshal(args[1], &cert); err != nil {
		return nil, xerrors.Wrapf(ErrMalformedCertificate, "decode certificate: %v", err)
	}
	if cert.Cert == "" || cert.Key == "" {
		return nil, xerrors.Wrap(ErrMalformedCertificate, "certificate or key is empty")
	}
	return &cert, nil
}

// Close disconnects from the coordinator. It is safe to call more than
// once and never produces a fatal event.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)
		<-s.writerDone
		s.conn.Close()
		<-s.readerDone
		s.setState(Disconnected)
		s.logger.Info(context.Background(), "coordinator session closed")
	})
	return nil
}

func joinArgs(args []json.RawMessage) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = string(a)
	}
	return strings.Join(parts, ", ")
}
