// Package conn owns the lifecycle of the single chat-server connection:
// state transitions, authentication at connect time, the keepalive
// ticker, and the exponential-backoff reconnection policy.
//
// One Manager is one logical connection. The composition root builds it
// once and hands the reference to every service that needs it; there is
// no hidden process-wide instance.
package conn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aldenis/chatwire/internal/auth"
	"github.com/aldenis/chatwire/internal/logger"
	"github.com/aldenis/chatwire/internal/metrics"
	"github.com/aldenis/chatwire/internal/protocol"
	"github.com/aldenis/chatwire/internal/transport"
)

// State is the connection lifecycle position. Transitions are totally
// ordered: Disconnected -> Connecting -> Connected -> Disconnected.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrNotAuthenticated means the auth provider had no user or token
	// at connect time. No retry is scheduled; the owner resolves
	// authentication and calls Connect again.
	ErrNotAuthenticated = errors.New("conn: not authenticated")

	// ErrNotConnected means a send was attempted without an open socket.
	ErrNotConnected = errors.New("conn: not connected")

	// ErrRetriesExhausted means the reconnection attempt cap was hit.
	// Manual Connect is required to resume.
	ErrRetriesExhausted = errors.New("conn: reconnect attempts exhausted")
)

// Config tunes the manager. Zero values take the protocol defaults.
type Config struct {
	URL               string        // ws:// or wss:// endpoint
	KeepaliveInterval time.Duration // ping cadence, default 30s
	BaseDelay         time.Duration // first backoff delay, default 2s
	BackoffFactor     float64       // delay multiplier, default 1.5
	MaxAttempts       int           // reconnect cap, default 5
	DialTimeout       time.Duration // per-attempt dial budget, default 15s
	EventBuffer       int           // event channel capacity, default 64
}

func (c *Config) applyDefaults() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 1.5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
}

// Backoff returns the reconnect delay for a given attempt number.
func Backoff(base time.Duration, factor float64, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
}

// EventKind discriminates manager events.
type EventKind int

const (
	// EventStateChanged reports a state transition.
	EventStateChanged EventKind = iota
	// EventEnvelope carries a decoded inbound envelope.
	EventEnvelope
	// EventDecodeError reports a rejected inbound frame; the connection
	// stays up.
	EventDecodeError
	// EventAuthError reports an aborted connect due to missing
	// credentials; no retry is scheduled.
	EventAuthError
	// EventGaveUp reports reconnect exhaustion; no further attempts run
	// until Connect is called again.
	EventGaveUp
)

// Event is one item on the manager's ordered event stream.
type Event struct {
	Kind     EventKind
	State    State
	Envelope protocol.Envelope
	Err      error
}

// Manager is the connection state machine.
type Manager struct {
	cfg    Config
	auth   auth.Provider
	dialer transport.Dialer
	log    *logger.Logger
	met    *metrics.Set
	tracer trace.Tracer

	mu            sync.Mutex
	state         State
	conn          transport.Conn
	attempts      int
	gen           uint64 // invalidates callbacks from dead connections
	keepaliveStop chan struct{}
	retryTimer    *time.Timer

	events chan Event
}

// New builds a manager. The dialer may be nil to use the websocket
// dialer; met may be nil to disable instrumentation.
func New(cfg Config, provider auth.Provider, dialer transport.Dialer, log *logger.Logger, met *metrics.Set) (*Manager, error) {
	cfg.applyDefaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("conn: invalid endpoint %q: %w", cfg.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("conn: endpoint %q: scheme must be ws or wss", cfg.URL)
	}
	if dialer == nil {
		dialer = &transport.WebsocketDialer{HandshakeTimeout: cfg.DialTimeout}
	}
	if log == nil {
		log = logger.New("conn")
	}
	return &Manager{
		cfg:    cfg,
		auth:   provider,
		dialer: dialer,
		log:    log,
		met:    met,
		tracer: otel.Tracer("github.com/aldenis/chatwire/internal/conn"),
		events: make(chan Event, cfg.EventBuffer),
	}, nil
}

// Events returns the ordered event stream. Events are delivered
// best-effort: if the subscriber falls behind the buffer, events are
// dropped with a warning rather than blocking the socket goroutines.
func (m *Manager) Events() <-chan Event { return m.events }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the reconnect attempt counter. It resets to zero
// only on a successful transition to Connected.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connected reports whether the socket is currently open.
func (m *Manager) Connected() bool { return m.State() == Connected }

// Connect starts a connection attempt. It is a no-op unless the state
// is Disconnected, so at most one socket or attempt exists at a time.
// Establishment is asynchronous; completion arrives on the event stream.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return
	}
	if m.retryTimer != nil {
		// Manual connect supersedes a pending automatic retry.
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.gen++
	gen := m.gen
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	go m.establish(gen)
}

// Disconnect forces Disconnected from any state, cancels the reconnect
// timer and the keepalive ticker, and never schedules a retry. It is
// idempotent and safe to call from an event subscriber.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.stopKeepaliveLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	if m.state != Disconnected {
		m.setStateLocked(Disconnected)
	}
	m.mu.Unlock()
}

// Send encodes and transmits one envelope. It fails fast with
// ErrNotConnected; the bounded retry lives in the outbound API.
func (m *Manager) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	c := m.conn
	open := m.state == Connected
	m.mu.Unlock()
	if !open || c == nil {
		return ErrNotConnected
	}
	if err := c.WriteMessage(data); err != nil {
		return fmt.Errorf("conn: send %s: %w", env.Type, err)
	}
	m.met.IncSent(string(env.Type))
	return nil
}

func (m *Manager) establish(gen uint64) {
	ctx, span := m.tracer.Start(context.Background(), "chatwire.connect",
		trace.WithAttributes(attribute.Int("attempt", m.Attempts())))
	defer span.End()

	user, haveUser := m.auth.CurrentUser()
	token, haveToken := m.auth.CurrentToken()
	if !haveUser || !haveToken {
		span.RecordError(ErrNotAuthenticated)
		m.met.IncConnectFailure("auth")
		m.log.Warn("connect aborted: auth provider not ready")
		m.mu.Lock()
		if m.gen == gen && m.state == Connecting {
			m.setStateLocked(Disconnected)
			m.publish(Event{Kind: EventAuthError, Err: ErrNotAuthenticated})
		}
		m.mu.Unlock()
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	c, err := m.dialer.Dial(dialCtx, m.endpoint(token))

	m.mu.Lock()
	if m.gen != gen || m.state != Connecting {
		m.mu.Unlock()
		// Disconnect won the race; drop the socket if one was opened.
		if c != nil {
			c.Close()
		}
		return
	}
	if err != nil {
		span.RecordError(err)
		m.met.IncConnectFailure("dial")
		m.log.Warnf("dial failed: %v", err)
		m.setStateLocked(Disconnected)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}

	m.conn = c
	m.attempts = 0
	m.setStateLocked(Connected)
	m.startKeepaliveLocked(c)
	m.mu.Unlock()

	m.met.IncConnect()
	m.log.Infof("connected as %s", user)
	go m.readLoop(c, gen)
}

// endpoint attaches the bearer token as a query parameter. Credentials
// are not renegotiated mid-connection; a token refresh needs a full
// reconnect.
func (m *Manager) endpoint(token string) string {
	u, _ := url.Parse(m.cfg.URL) // validated in New
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *Manager) readLoop(c transport.Conn, gen uint64) {
	for {
		data, err := c.ReadMessage()
		if err != nil {
			m.handleClosed(gen, err)
			return
		}
		if protocol.IsPong(data) {
			m.log.Debug("pong")
			continue
		}
		if protocol.IsPing(data) {
			continue
		}
		env, derr := protocol.Decode(data)
		if derr != nil {
			m.met.IncDecodeError()
			m.log.Warnf("dropping inbound frame: %v", derr)
			m.publish(Event{Kind: EventDecodeError, Err: derr})
			continue
		}
		m.met.IncReceived(string(env.Type))
		m.publish(Event{Kind: EventEnvelope, Envelope: env})
	}
}

func (m *Manager) handleClosed(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		// Explicit disconnect or a newer connection already took over.
		return
	}
	if transport.IsExpectedClose(err) {
		m.log.Infof("connection closed: %v", err)
	} else {
		m.log.Warnf("connection lost: %v", err)
	}
	m.stopKeepaliveLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(Disconnected)
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the backoff timer, or publishes the
// terminal give-up event once the attempt cap is reached.
func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.cfg.MaxAttempts {
		m.log.Errorf("reconnect attempts exhausted after %d tries", m.attempts)
		m.publish(Event{Kind: EventGaveUp, Err: ErrRetriesExhausted})
		return
	}
	delay := Backoff(m.cfg.BaseDelay, m.cfg.BackoffFactor, m.attempts)
	m.attempts++
	m.met.IncReconnect()
	m.log.Infof("reconnecting in %s (attempt %d/%d)", delay, m.attempts, m.cfg.MaxAttempts)
	m.retryTimer = time.AfterFunc(delay, m.retry)
}

func (m *Manager) retry() {
	m.mu.Lock()
	m.retryTimer = nil
	if m.state != Disconnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	m.setStateLocked(Connecting)
	m.mu.Unlock()
	m.establish(gen)
}

func (m *Manager) startKeepaliveLocked(c transport.Conn) {
	stop := make(chan struct{})
	m.keepaliveStop = stop
	interval := m.cfg.KeepaliveInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.WriteMessage(protocol.PingFrame); err != nil {
					// The read loop will observe the broken socket.
					m.log.Debugf("keepalive write failed: %v", err)
					return
				}
				m.met.IncKeepalive()
			}
		}
	}()
}

func (m *Manager) stopKeepaliveLocked() {
	if m.keepaliveStop != nil {
		close(m.keepaliveStop)
		m.keepaliveStop = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.met.ObserveState(int(s))
	m.publish(Event{Kind: EventStateChanged, State: s})
}

// publish never blocks: socket goroutines must not stall on a slow
// subscriber.
func (m *Manager) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn("event buffer full, dropping event")
	}
}
