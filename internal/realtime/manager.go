// Package realtime owns the dashboard's persistent event stream. A
// Manager drives one connection through its lifecycle, keeps it alive
// with heartbeats, reconnects with exponential backoff after abnormal
// closes, and forwards validated events to subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moose0621/codeql-dashboard/internal/clock"
	"github.com/moose0621/codeql-dashboard/internal/core"
	"github.com/moose0621/codeql-dashboard/internal/metrics"
)

const (
	DefaultReconnectInterval    = time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultConnectionTimeout    = 10 * time.Second

	// MaxReconnectDelay caps the backoff before jitter.
	MaxReconnectDelay = 30 * time.Second

	writeTimeout = 5 * time.Second
)

// Config configures a Manager. Zero durations and counts take the
// defaults; a negative HeartbeatInterval disables heartbeats.
type Config struct {
	URL                  string
	Protocols            []string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	ConnectionTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	return c
}

// EventHandler receives validated domain events.
type EventHandler func(core.DomainEvent)

// StatusListener receives every state transition in order.
type StatusListener func(State)

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock driving every timer.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDialer overrides the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

// WithJitter overrides the jitter source. fn returns values in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(m *Manager) {
		if fn != nil {
			m.jitter = fn
		}
	}
}

// Manager owns one persistent connection.
type Manager struct {
	cfg    Config
	dialer Dialer
	clock  clock.Clock
	logger *zap.Logger
	jitter func() float64

	mu             sync.Mutex
	state          State
	conn           Conn
	gen            uint64
	manualClose    bool
	lastPingAt     time.Time
	heartbeatTimer clock.Timer
	reconnectTimer clock.Timer
	connectTimer   clock.Timer
	connectCancel  context.CancelFunc
	readCancel     context.CancelFunc
	statusQueue    []State

	deliverMu sync.Mutex

	handlersMu      sync.RWMutex
	nextHandlerID   int
	eventHandlers   map[int]EventHandler
	statusListeners map[int]StatusListener
}

// NewManager builds a disconnected Manager.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.URL == "" {
		return nil, errors.New("realtime: url is required")
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:             cfg,
		dialer:          WebSocketDialer{},
		clock:           clock.Real(),
		logger:          zap.NewNop(),
		jitter:          rand.Float64,
		eventHandlers:   make(map[int]EventHandler),
		statusListeners: make(map[int]StatusListener),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "realtime"), zap.String("url", cfg.URL))
	m.state = State{Status: StatusDisconnected, MaxReconnectAttempts: cfg.MaxReconnectAttempts}
	return m, nil
}

// State returns a snapshot of the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// AddEventHandler subscribes fn and returns an id for removal.
func (m *Manager) AddEventHandler(fn EventHandler) int {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.nextHandlerID++
	m.eventHandlers[m.nextHandlerID] = fn
	return m.nextHandlerID
}

// RemoveEventHandler unsubscribes the handler with id.
func (m *Manager) RemoveEventHandler(id int) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	delete(m.eventHandlers, id)
}

// AddStatusListener subscribes fn and returns an id for removal.
func (m *Manager) AddStatusListener(fn StatusListener) int {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.nextHandlerID++
	m.statusListeners[m.nextHandlerID] = fn
	return m.nextHandlerID
}

// RemoveStatusListener unsubscribes the listener with id.
func (m *Manager) RemoveStatusListener(id int) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	delete(m.statusListeners, id)
}

// Connect opens the connection. It returns once the transport is open,
// the connection timeout fires, or the dial fails. Failures move the
// manager to error and schedule a reconnect. Connecting while already
// connected or connecting is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	switch m.state.Status {
	case StatusConnected, StatusConnecting:
		m.mu.Unlock()
		return nil
	}
	m.manualClose = false
	m.stopTimer(&m.reconnectTimer)
	m.gen++
	gen := m.gen
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()
	m.deliverStatus()

	err := m.dial(ctx, gen)
	if err == nil {
		return nil
	}

	m.mu.Lock()
	if gen == m.gen {
		m.logger.Warn("connect failed", zap.Error(err))
		m.setStatusLocked(StatusError)
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()
	m.deliverStatus()
	return err
}

// Disconnect closes the connection, cancels every pending timer and
// disables automatic reconnection until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualClose = true
	m.gen++
	conn := m.teardownLocked()
	m.stopTimer(&m.reconnectTimer)
	m.stopTimer(&m.connectTimer)
	if m.connectCancel != nil {
		m.connectCancel()
		m.connectCancel = nil
	}
	m.state.ReconnectAttempts = 0
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()
	m.deliverStatus()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("close connection", zap.Error(err))
		}
	}
}

// Send writes env on the open connection.
func (m *Manager) Send(ctx context.Context, env Envelope) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state.Status == StatusConnected
	m.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	timer := m.clock.AfterFunc(m.cfg.ConnectionTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		timer.Stop()
		return ErrSuperseded
	}
	m.connectTimer = timer
	m.connectCancel = cancel
	m.mu.Unlock()

	conn, err := m.dialer.Dial(dialCtx, m.cfg.URL, m.cfg.Protocols)
	timer.Stop()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if err != nil {
			return err
		}
		return ErrSuperseded
	}
	m.connectTimer = nil
	m.connectCancel = nil
	if err != nil {
		m.mu.Unlock()
		if timedOut.Load() {
			return &ConnectionTimeoutError{URL: m.cfg.URL, Timeout: m.cfg.ConnectionTimeout}
		}
		return err
	}

	now := m.clock.Now()
	m.conn = conn
	m.state.ReconnectAttempts = 0
	m.state.LastConnected = &now
	m.state.ConnectionID = uuid.NewString()
	m.setStatusLocked(StatusConnected)
	readCtx, readCancel := context.WithCancel(context.Background())
	m.readCancel = readCancel
	m.scheduleHeartbeatLocked(gen)
	connID := m.state.ConnectionID
	m.mu.Unlock()
	m.deliverStatus()

	m.logger.Info("connected", zap.String("connection_id", connID))
	go m.readLoop(readCtx, conn, gen)
	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.handleClose(conn, gen, err)
			return
		}
		m.handleMessage(data)
	}
}

func (m *Manager) handleClose(conn Conn, gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()

	clean := false
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		clean = closeErr.WasClean
	}
	if clean || m.manualClose {
		m.logger.Info("connection closed", zap.Error(err))
		m.setStatusLocked(StatusDisconnected)
	} else {
		m.logger.Warn("connection lost", zap.Error(err))
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()
	m.deliverStatus()

	_ = conn.Close()
}

// scheduleReconnectLocked arms the next attempt or, once the budget is
// spent, settles at disconnected.
func (m *Manager) scheduleReconnectLocked() {
	if m.manualClose || m.state.ReconnectAttempts >= m.cfg.MaxReconnectAttempts {
		if !m.manualClose {
			m.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", m.state.ReconnectAttempts))
		}
		m.setStatusLocked(StatusDisconnected)
		return
	}

	delay := m.backoff(m.state.ReconnectAttempts)
	m.state.ReconnectAttempts++
	m.setStatusLocked(StatusReconnecting)
	metrics.RecordReconnectAttempt(m.state.ReconnectAttempts)
	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", m.state.ReconnectAttempts),
		zap.Duration("delay", delay))

	gen := m.gen
	m.stopTimer(&m.reconnectTimer)
	m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.manualClose || m.state.Status != StatusReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.gen++
	next := m.gen
	m.mu.Unlock()

	err := m.dial(context.Background(), next)
	if err == nil {
		return
	}

	m.mu.Lock()
	if next == m.gen {
		m.logger.Warn("reconnect failed", zap.Int("attempt", m.state.ReconnectAttempts), zap.Error(err))
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()
	m.deliverStatus()
}

// backoff returns min(base·2^attempts, MaxReconnectDelay) scaled by a
// jitter factor in [0.75, 1.25).
func (m *Manager) backoff(attempts int) time.Duration {
	raw := float64(m.cfg.ReconnectInterval) * math.Pow(2, float64(attempts))
	raw = math.Min(raw, float64(MaxReconnectDelay))
	factor := 1 + (m.jitter()*0.5 - 0.25)
	delay := time.Duration(raw * factor)
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	return delay
}

func (m *Manager) scheduleHeartbeatLocked(gen uint64) {
	if m.cfg.HeartbeatInterval < 0 {
		return
	}
	m.heartbeatTimer = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.heartbeat(gen) })
}

func (m *Manager) heartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil || m.state.Status != StatusConnected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	now := m.clock.Now()
	m.lastPingAt = now
	m.scheduleHeartbeatLocked(gen)
	m.mu.Unlock()

	data, err := json.Marshal(NewEnvelope(MessageHeartbeat, now, nil))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		m.logger.Warn("heartbeat write failed", zap.Error(err))
	}
}

func (m *Manager) handleMessage(raw []byte) {
	env, err := parseEnvelope(raw)
	if err != nil {
		m.drop("envelope", err)
		return
	}

	switch env.Type {
	case MessageEvent:
		event, err := decodeEventPayload(env.Payload, m.clock.Now())
		if err != nil {
			m.drop("event", err)
			return
		}
		m.dispatchEvent(event)
	case MessageHeartbeat:
		m.mu.Lock()
		if !m.lastPingAt.IsZero() {
			m.state.Latency = m.clock.Now().Sub(m.lastPingAt)
			metrics.RecordHeartbeatLatency(m.state.Latency)
		}
		m.mu.Unlock()
	case MessageError:
		m.logger.Warn("server reported error", zap.ByteString("payload", env.Payload))
	case MessageReconnect:
		m.logger.Info("server requested reconnect")
		m.Disconnect()
		if err := m.Connect(context.Background()); err != nil {
			m.logger.Warn("server-requested reconnect failed", zap.Error(err))
		}
	default:
		m.drop("type", &ValidationError{Reason: "unknown message type " + string(env.Type), Raw: raw})
	}
}

func (m *Manager) drop(reason string, err error) {
	metrics.RecordDroppedMessage(reason)
	m.logger.Warn("dropping inbound message", zap.String("reason", reason), zap.Error(err))
}

func (m *Manager) dispatchEvent(event core.DomainEvent) {
	m.handlersMu.RLock()
	handlers := make([]EventHandler, 0, len(m.eventHandlers))
	for _, h := range m.eventHandlers {
		handlers = append(handlers, h)
	}
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		m.safeCall(func() { h(event) })
	}
}

// setStatusLocked records a transition and queues it for listeners.
// Repeated reconnecting transitions are kept so listeners can follow
// the attempt count.
func (m *Manager) setStatusLocked(status Status) {
	if m.state.Status == status && status != StatusReconnecting {
		return
	}
	m.state.Status = status
	m.statusQueue = append(m.statusQueue, m.state.clone())
	statuses := make([]string, len(Statuses))
	for i, s := range Statuses {
		statuses[i] = string(s)
	}
	metrics.SetConnectionStatus(string(status), statuses)
}

// deliverStatus drains queued transitions to listeners. Only one
// goroutine delivers at a time so listeners observe transitions in
// order.
func (m *Manager) deliverStatus() {
	for {
		if !m.deliverMu.TryLock() {
			return
		}
		m.mu.Lock()
		queue := m.statusQueue
		m.statusQueue = nil
		m.mu.Unlock()

		if len(queue) > 0 {
			m.handlersMu.RLock()
			listeners := make([]StatusListener, 0, len(m.statusListeners))
			for _, l := range m.statusListeners {
				listeners = append(listeners, l)
			}
			m.handlersMu.RUnlock()

			for _, state := range queue {
				for _, l := range listeners {
					m.safeCall(func() { l(state) })
				}
			}
		}
		m.deliverMu.Unlock()

		m.mu.Lock()
		empty := len(m.statusQueue) == 0
		m.mu.Unlock()
		if empty {
			return
		}
	}
}

func (m *Manager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// teardownLocked detaches the current connection and stops its
// heartbeat. The caller closes the returned conn outside the lock.
func (m *Manager) teardownLocked() Conn {
	m.stopTimer(&m.heartbeatTimer)
	if m.readCancel != nil {
		m.readCancel()
		m.readCancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.lastPingAt = time.Time{}
	return conn
}

func (m *Manager) stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
