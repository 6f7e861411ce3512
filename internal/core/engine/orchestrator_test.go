package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moose0621/codeql-dashboard/internal/clock"
	"github.com/moose0621/codeql-dashboard/internal/core"
	"github.com/moose0621/codeql-dashboard/internal/realtime"
	"github.com/moose0621/codeql-dashboard/internal/statesync"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubSource struct {
	mu    sync.Mutex
	calls int
	repos []core.Repository
	err   error
}

func (s *stubSource) SnapshotRepositories(ctx context.Context, org string) ([]core.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.repos, s.err
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type dispatchCall struct {
	owner, repo, ref string
	inputs           map[string]string
}

type stubDispatcher struct {
	calls []dispatchCall
	err   error
}

func (d *stubDispatcher) DispatchWorkflow(ctx context.Context, owner, repo, ref string, inputs map[string]string) error {
	d.calls = append(d.calls, dispatchCall{owner, repo, ref, inputs})
	return d.err
}

type stubStream struct {
	events   []realtime.EventHandler
	statuses []realtime.StatusListener
}

func (s *stubStream) AddEventHandler(fn realtime.EventHandler) int {
	s.events = append(s.events, fn)
	return len(s.events)
}

func (s *stubStream) AddStatusListener(fn realtime.StatusListener) int {
	s.statuses = append(s.statuses, fn)
	return len(s.statuses)
}

func newOrchestrator(source *stubSource, dispatcher *stubDispatcher) (*Orchestrator, *statesync.Synchronizer, *clock.Fake) {
	fake := clock.NewFake(epoch)
	store := statesync.New(statesync.Config{}, statesync.WithClock(fake))
	return &Orchestrator{
		Source:     source,
		Dispatcher: dispatcher,
		Store:      store,
		Org:        "acme",
		Clock:      fake,
	}, store, fake
}

func TestRefreshSyncsRepositories(t *testing.T) {
	source := &stubSource{repos: []core.Repository{
		{ID: 1, Name: "api", FullName: "acme/api", Owner: "acme", DefaultBranch: "main"},
		{ID: 2, Name: "web", FullName: "acme/web", Owner: "acme", DefaultBranch: "trunk"},
	}}
	o, store, _ := newOrchestrator(source, nil)

	n, err := o.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, store.State().Repositories, 2)

	status := o.Status()
	assert.Equal(t, epoch, status.LastSync)
	assert.Empty(t, status.Error)
}

func TestRefreshFailureKeepsState(t *testing.T) {
	source := &stubSource{repos: []core.Repository{{ID: 1, Name: "api", FullName: "acme/api"}}}
	o, store, _ := newOrchestrator(source, nil)

	_, err := o.Refresh(context.Background())
	require.NoError(t, err)

	source.err = errors.New("upstream down")
	_, err = o.Refresh(context.Background())
	require.Error(t, err)

	assert.Len(t, store.State().Repositories, 1)
	status := o.Status()
	assert.Equal(t, "upstream down", status.Error)
	assert.Equal(t, epoch, status.LastSync)
}

func TestRefreshRequiresOrg(t *testing.T) {
	o, _, _ := newOrchestrator(&stubSource{}, nil)
	o.Org = " "
	_, err := o.Refresh(context.Background())
	require.Error(t, err)
}

func TestDispatchTracksScanRequest(t *testing.T) {
	source := &stubSource{repos: []core.Repository{
		{ID: 2, Name: "web", FullName: "acme/web", Owner: "acme", DefaultBranch: "trunk"},
	}}
	dispatcher := &stubDispatcher{}
	o, store, _ := newOrchestrator(source, dispatcher)
	_, err := o.Refresh(context.Background())
	require.NoError(t, err)

	req, err := o.Dispatch(context.Background(), "acme", "web", "", map[string]string{"mode": "full"})
	require.NoError(t, err)

	require.Len(t, dispatcher.calls, 1)
	assert.Equal(t, "trunk", dispatcher.calls[0].ref, "empty ref uses the default branch")
	assert.Equal(t, "full", dispatcher.calls[0].inputs["mode"])

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "acme/web", req.Repository)
	assert.Equal(t, core.ScanRequestPending, req.Status)
	assert.Equal(t, epoch, req.Timestamp)

	tracked, ok := store.State().ScanRequests[req.ID]
	require.True(t, ok)
	assert.Equal(t, "acme/web", tracked.Repository)
}

func TestDispatchUnknownRepositoryDefaultsToMain(t *testing.T) {
	dispatcher := &stubDispatcher{}
	o, _, _ := newOrchestrator(&stubSource{}, dispatcher)

	_, err := o.Dispatch(context.Background(), "acme", "new", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "main", dispatcher.calls[0].ref)
}

func TestDispatchFailureDoesNotTrack(t *testing.T) {
	dispatcher := &stubDispatcher{err: errors.New("forbidden")}
	o, store, _ := newOrchestrator(&stubSource{}, dispatcher)

	_, err := o.Dispatch(context.Background(), "acme", "api", "main", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acme/api")
	assert.Empty(t, store.State().ScanRequests)
}

func TestDispatchValidatesInput(t *testing.T) {
	dispatcher := &stubDispatcher{}
	o, _, _ := newOrchestrator(&stubSource{}, dispatcher)

	_, err := o.Dispatch(context.Background(), "", "api", "main", nil)
	require.Error(t, err)
	assert.Empty(t, dispatcher.calls)
}

func TestAttachForwardsStream(t *testing.T) {
	source := &stubSource{repos: []core.Repository{{ID: 1, Name: "api", FullName: "acme/api", Owner: "acme"}}}
	o, store, _ := newOrchestrator(source, nil)
	_, err := o.Refresh(context.Background())
	require.NoError(t, err)

	stream := &stubStream{}
	o.Attach(stream)
	require.Len(t, stream.events, 1)
	require.Len(t, stream.statuses, 1)

	stream.statuses[0](realtime.State{Status: realtime.StatusConnected})
	assert.True(t, store.State().IsRealTimeConnected)

	stream.events[0](core.NewEvent(core.SecurityAlert{Repository: "acme/api", Severity: "high", Action: "created", AlertID: "7"}, core.SourceWebSocket, epoch))
	store.Flush()
	assert.Equal(t, 1, store.State().Repositories[1].SecurityFindings.High)

	stream.statuses[0](realtime.State{Status: realtime.StatusReconnecting})
	assert.False(t, store.State().IsRealTimeConnected)
}

func TestRunRefreshesOnInterval(t *testing.T) {
	source := &stubSource{}
	o, _, fake := newOrchestrator(source, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx, time.Minute)
		close(done)
	}()

	fake.WaitForTimers(1)
	assert.Equal(t, 1, source.callCount())

	fake.Advance(time.Minute)
	fake.WaitForTimers(1)
	assert.Equal(t, 2, source.callCount())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
