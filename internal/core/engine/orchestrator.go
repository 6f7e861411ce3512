package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moose0621/codeql-dashboard/internal/clock"
	"github.com/moose0621/codeql-dashboard/internal/core"
	"github.com/moose0621/codeql-dashboard/internal/realtime"
)

// RepositorySource produces full repository snapshots for an org.
type RepositorySource interface {
	SnapshotRepositories(ctx context.Context, org string) ([]core.Repository, error)
}

// WorkflowDispatcher triggers the scan workflow on a repository.
type WorkflowDispatcher interface {
	DispatchWorkflow(ctx context.Context, owner, repo, ref string, inputs map[string]string) error
}

// StateStore is the subset of *statesync.Synchronizer the orchestrator
// drives.
type StateStore interface {
	State() core.AppState
	SyncRepositories(repos []core.Repository)
	TrackScanRequest(req core.ScanRequest)
	ProcessRealTimeEvent(event core.DomainEvent)
	UpdateConnectionStatus(connected bool)
}

// Stream is the subset of *realtime.Manager the orchestrator binds to.
type Stream interface {
	AddEventHandler(fn realtime.EventHandler) int
	AddStatusListener(fn realtime.StatusListener) int
}

// Orchestrator coordinates polling, dispatch and the realtime stream
// around one StateStore.
type Orchestrator struct {
	Source     RepositorySource
	Dispatcher WorkflowDispatcher
	Store      StateStore
	Org        string
	Clock      clock.Clock
	Logger     *zap.Logger

	mu       sync.Mutex
	lastSync time.Time
	lastErr  error
}

// SyncStatus describes the most recent Refresh.
type SyncStatus struct {
	LastSync time.Time `json:"last_sync"`
	Error    string    `json:"error,omitempty"`
}

// Refresh snapshots the organization and reconciles the store. It
// returns the number of repositories fetched.
func (o *Orchestrator) Refresh(ctx context.Context) (int, error) {
	if o.Source == nil {
		return 0, errors.New("no repository source configured")
	}
	org := strings.TrimSpace(o.Org)
	if org == "" {
		return 0, errors.New("organization is required")
	}

	start := o.now()
	repos, err := o.Source.SnapshotRepositories(ctx, org)

	o.mu.Lock()
	o.lastErr = err
	if err == nil {
		o.lastSync = o.now()
	}
	o.mu.Unlock()

	if err != nil {
		o.logger().Warn("repository sync failed", zap.String("org", org), zap.Error(err))
		return 0, err
	}

	o.Store.SyncRepositories(repos)
	o.logger().Info("repositories synced",
		zap.String("org", org),
		zap.Int("repositories", len(repos)),
		zap.Duration("duration", o.now().Sub(start)))
	return len(repos), nil
}

// Status reports the outcome of the last Refresh.
func (o *Orchestrator) Status() SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	status := SyncStatus{LastSync: o.lastSync}
	if o.lastErr != nil {
		status.Error = o.lastErr.Error()
	}
	return status
}

// Dispatch triggers a scan on owner/repo and records a pending scan
// request so scan_status events can follow it.
func (o *Orchestrator) Dispatch(ctx context.Context, owner, repo, ref string, inputs map[string]string) (core.ScanRequest, error) {
	owner = strings.TrimSpace(owner)
	repo = strings.TrimSpace(repo)
	if owner == "" || repo == "" {
		return core.ScanRequest{}, errors.New("owner and repo are required")
	}
	if o.Dispatcher == nil {
		return core.ScanRequest{}, errors.New("no workflow dispatcher configured")
	}

	if strings.TrimSpace(ref) == "" {
		ref = o.defaultBranch(owner + "/" + repo)
	}
	if err := o.Dispatcher.DispatchWorkflow(ctx, owner, repo, ref, inputs); err != nil {
		return core.ScanRequest{}, fmt.Errorf("dispatch %s/%s: %w", owner, repo, err)
	}

	req := core.ScanRequest{
		ID:         uuid.New().String(),
		Repository: owner + "/" + repo,
		Timestamp:  o.now(),
		Status:     core.ScanRequestPending,
	}
	o.Store.TrackScanRequest(req)
	return req, nil
}

func (o *Orchestrator) defaultBranch(fullName string) string {
	if o.Store != nil {
		if repo, ok := o.Store.State().FindRepository(fullName); ok && repo.DefaultBranch != "" {
			return repo.DefaultBranch
		}
	}
	return "main"
}

// Attach forwards stream events and connection status into the store.
func (o *Orchestrator) Attach(stream Stream) {
	stream.AddEventHandler(o.Store.ProcessRealTimeEvent)
	stream.AddStatusListener(func(state realtime.State) {
		o.Store.UpdateConnectionStatus(state.Connected())
	})
}

// Run refreshes immediately and then every interval until ctx is done.
// Failed refreshes are logged and retried on the next tick.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	for {
		if _, err := o.Refresh(ctx); err != nil && ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-o.clock().After(interval):
		}
	}
}

func (o *Orchestrator) clock() clock.Clock {
	if o.Clock != nil {
		return o.Clock
	}
	return clock.Real()
}

func (o *Orchestrator) now() time.Time {
	return o.clock().Now()
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}
