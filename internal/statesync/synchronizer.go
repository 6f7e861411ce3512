// Package statesync merges domain events into the dashboard's canonical
// AppState. Events are queued in arrival order and applied in batches;
// exactly one batch mutates state at a time and subscribers receive a
// snapshot after every batch that changed something.
package statesync

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/moose0621/codeql-dashboard/internal/clock"
	"github.com/moose0621/codeql-dashboard/internal/core"
	"github.com/moose0621/codeql-dashboard/internal/metrics"
)

const (
	DefaultBatchSize  = 10
	DefaultBatchDelay = 100 * time.Millisecond
	DefaultYield      = 10 * time.Millisecond
)

// Config tunes batching. Zero values take the defaults.
type Config struct {
	BatchSize  int
	BatchDelay time.Duration
	Yield      time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = DefaultBatchDelay
	}
	if c.Yield <= 0 {
		c.Yield = DefaultYield
	}
	return c
}

// StateHandler receives a read-only snapshot. Handlers run while the
// synchronizer holds its batch lock, so they must not call Flush,
// SyncRepositories or UpdateConnectionStatus.
type StateHandler func(core.AppState)

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithClock overrides the clock driving the batch timers.
func WithClock(c clock.Clock) Option {
	return func(s *Synchronizer) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the synchronizer logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Synchronizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Synchronizer owns one AppState.
type Synchronizer struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	// passMu serializes every pass that mutates state and notifies.
	passMu sync.Mutex

	mu       sync.Mutex
	queue    []core.DomainEvent
	timer    clock.Timer
	timerSeq uint64
	state    core.AppState
	alerts   map[int64]*alertLedger

	handlersMu    sync.RWMutex
	nextHandlerID int
	handlers      map[int]StateHandler
}

// New builds an empty Synchronizer.
func New(cfg Config, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		cfg:      cfg.withDefaults(),
		clock:    clock.Real(),
		logger:   zap.NewNop(),
		state:    core.NewAppState(),
		alerts:   make(map[int64]*alertLedger),
		handlers: make(map[int]StateHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "statesync"))
	return s
}

// State returns a deep copy of the current state.
func (s *Synchronizer) State() core.AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// AddStateHandler subscribes fn and returns an id for removal.
func (s *Synchronizer) AddStateHandler(fn StateHandler) int {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.nextHandlerID++
	s.handlers[s.nextHandlerID] = fn
	return s.nextHandlerID
}

// RemoveStateHandler unsubscribes the handler with id.
func (s *Synchronizer) RemoveStateHandler(id int) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	delete(s.handlers, id)
}

// ProcessRealTimeEvent queues event. A batch runs once the queue reaches
// the batch size or the debounce window since the first queued event
// elapses, whichever comes first.
func (s *Synchronizer) ProcessRealTimeEvent(event core.DomainEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	if s.timer == nil {
		s.armLocked(s.cfg.BatchDelay)
	}
	full := len(s.queue) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full && s.passMu.TryLock() {
		defer s.passMu.Unlock()
		s.runBatch()
	}
}

// Flush cancels the pending timer and drains the whole queue before
// returning.
func (s *Synchronizer) Flush() {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	start := s.clock.Now()
	s.mu.Lock()
	s.stopTimerLocked()
	batch := s.queue
	s.queue = nil
	changed := s.applyLocked(batch)
	s.state.PendingUpdates = 0
	snapshot, notify := s.finishLocked(changed)
	s.mu.Unlock()

	metrics.RecordSyncBatch(len(batch), 0, s.clock.Now().Sub(start))
	if notify {
		s.notify(snapshot)
	}
}

// UpdateConnectionStatus records whether the realtime stream is up.
func (s *Synchronizer) UpdateConnectionStatus(connected bool) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	s.mu.Lock()
	changed := s.state.IsRealTimeConnected != connected
	s.state.IsRealTimeConnected = connected
	snapshot, notify := s.finishLocked(changed)
	s.mu.Unlock()

	if notify {
		s.notify(snapshot)
	}
}

// SyncRepositories reconciles a fetched repository list. Known
// repositories only take changed scan status, scan date and findings;
// unknown repositories are inserted whole.
func (s *Synchronizer) SyncRepositories(repos []core.Repository) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	s.mu.Lock()
	changed := false
	for _, incoming := range repos {
		if s.syncRepositoryLocked(incoming) {
			changed = true
		}
	}
	snapshot, notify := s.finishLocked(changed)
	s.mu.Unlock()

	if notify {
		s.notify(snapshot)
	}
}

// TrackScanRequest records a dispatched scan so later scan_status
// events can update it.
func (s *Synchronizer) TrackScanRequest(req core.ScanRequest) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	s.mu.Lock()
	if req.Status == "" {
		req.Status = core.ScanRequestPending
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = s.clock.Now()
	}
	s.state.ScanRequests[req.ID] = req.Clone()
	snapshot, notify := s.finishLocked(true)
	s.mu.Unlock()

	if notify {
		s.notify(snapshot)
	}
}

func (s *Synchronizer) syncRepositoryLocked(incoming core.Repository) bool {
	incoming.SecurityFindings.Recount()

	current, ok := s.state.Repositories[incoming.ID]
	if !ok && incoming.ID == 0 {
		current, ok = s.state.FindRepository(incoming.FullName)
	}
	if !ok {
		if incoming.ID == 0 {
			s.logger.Warn("skipping repository without id", zap.String("repository", incoming.FullName))
			return false
		}
		stored := incoming.Clone()
		stored.Unknown = 0
		s.state.Repositories[incoming.ID] = stored
		return true
	}

	changed := false
	if !incoming.Unknown.Has(core.FieldScan) {
		if current.LastScanStatus != incoming.LastScanStatus {
			current.LastScanStatus = incoming.LastScanStatus
			changed = true
		}
		if !sameTime(current.LastScanDate, incoming.LastScanDate) {
			current.LastScanDate = cloneTime(incoming.LastScanDate)
			changed = true
		}
	}
	if !incoming.Unknown.Has(core.FieldFindings) && current.SecurityFindings != incoming.SecurityFindings {
		current.SecurityFindings = incoming.SecurityFindings
		delete(s.alerts, current.ID)
		changed = true
	}
	if changed {
		s.state.Repositories[current.ID] = current
	}
	return changed
}

// runBatch applies up to BatchSize events. The caller holds passMu.
func (s *Synchronizer) runBatch() {
	start := s.clock.Now()
	s.mu.Lock()
	n := min(len(s.queue), s.cfg.BatchSize)
	batch := s.queue[:n:n]
	s.queue = s.queue[n:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
	changed := s.applyLocked(batch)
	pending := len(s.queue)
	s.state.PendingUpdates = pending

	s.stopTimerLocked()
	if pending > 0 {
		s.armLocked(s.cfg.Yield)
	}
	snapshot, notify := s.finishLocked(changed)
	s.mu.Unlock()

	metrics.RecordSyncBatch(n, pending, s.clock.Now().Sub(start))
	if notify {
		s.notify(snapshot)
	}
}

func (s *Synchronizer) onTimer(seq uint64) {
	s.mu.Lock()
	if s.timerSeq == seq {
		s.timer = nil
	}
	s.mu.Unlock()

	s.passMu.Lock()
	defer s.passMu.Unlock()
	s.runBatch()
}

func (s *Synchronizer) armLocked(d time.Duration) {
	s.timerSeq++
	seq := s.timerSeq
	s.timer = s.clock.AfterFunc(d, func() { s.onTimer(seq) })
}

func (s *Synchronizer) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Synchronizer) applyLocked(batch []core.DomainEvent) bool {
	changed := false
	for _, event := range batch {
		if s.applyEventLocked(event) {
			changed = true
		}
	}
	return changed
}

// finishLocked stamps LastUpdate and snapshots state when changed.
func (s *Synchronizer) finishLocked(changed bool) (core.AppState, bool) {
	if !changed {
		return core.AppState{}, false
	}
	s.state.LastUpdate = s.clock.Now()
	return s.state.Clone(), true
}

func (s *Synchronizer) notify(snapshot core.AppState) {
	s.handlersMu.RLock()
	handlers := make([]StateHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.handlersMu.RUnlock()

	for _, h := range handlers {
		s.safeCall(h, snapshot)
	}
}

func (s *Synchronizer) safeCall(h StateHandler, snapshot core.AppState) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state handler panicked", zap.Any("panic", r))
		}
	}()
	h(snapshot)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
