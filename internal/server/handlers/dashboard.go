package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/moose0621/codeql-dashboard/internal/core"
	"github.com/moose0621/codeql-dashboard/internal/core/engine"
	apperrors "github.com/moose0621/codeql-dashboard/internal/errors"
)

const maxDispatchBody = 1 << 20

// StateSource is satisfied by *statesync.Synchronizer.
type StateSource interface {
	State() core.AppState
}

// Refresher is satisfied by *engine.Orchestrator.
type Refresher interface {
	Refresh(ctx context.Context) (int, error)
	Status() engine.SyncStatus
}

// Dispatcher is satisfied by *engine.Orchestrator.
type Dispatcher interface {
	Dispatch(ctx context.Context, owner, repo, ref string, inputs map[string]string) (core.ScanRequest, error)
}

// DashboardAPI serves the JSON API under /api.
type DashboardAPI struct {
	State      StateSource
	Sync       Refresher
	Limits     RateLimitSource
	Dispatcher Dispatcher
}

// StateResponse is the dashboard view of AppState. Collections are
// ordered so clients can render them directly.
type StateResponse struct {
	Repositories        []core.Repository     `json:"repositories"`
	ScanRequests        []core.ScanRequest    `json:"scan_requests"`
	Totals              core.SecurityFindings `json:"totals"`
	LastUpdate          time.Time             `json:"last_update"`
	IsRealTimeConnected bool                  `json:"is_real_time_connected"`
	PendingUpdates      int                   `json:"pending_updates"`
	LastSync            *engine.SyncStatus    `json:"last_sync,omitempty"`
}

// SyncResponse is returned by POST /api/sync.
type SyncResponse struct {
	Repositories int       `json:"repositories"`
	SyncedAt     time.Time `json:"synced_at"`
}

// RateLimitEntry is one tenant's budget in GET /api/rate-limit.
type RateLimitEntry struct {
	Tenant      string     `json:"tenant"`
	Remaining   int        `json:"remaining"`
	Limit       int        `json:"limit"`
	ResetAt     *time.Time `json:"reset_at,omitempty"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// DispatchRequest is the body of POST /api/dispatch.
type DispatchRequest struct {
	Owner  string            `json:"owner"`
	Repo   string            `json:"repo"`
	Ref    string            `json:"ref,omitempty"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

// StateHandler handles GET /api/state.
func (a *DashboardAPI) StateHandler(w http.ResponseWriter, r *http.Request) {
	state := a.State.State()

	resp := StateResponse{
		Repositories:        make([]core.Repository, 0, len(state.Repositories)),
		ScanRequests:        make([]core.ScanRequest, 0, len(state.ScanRequests)),
		LastUpdate:          state.LastUpdate,
		IsRealTimeConnected: state.IsRealTimeConnected,
		PendingUpdates:      state.PendingUpdates,
	}
	for _, repo := range state.Repositories {
		resp.Repositories = append(resp.Repositories, repo)
		resp.Totals.Critical += repo.SecurityFindings.Critical
		resp.Totals.High += repo.SecurityFindings.High
		resp.Totals.Medium += repo.SecurityFindings.Medium
		resp.Totals.Low += repo.SecurityFindings.Low
		resp.Totals.Note += repo.SecurityFindings.Note
	}
	resp.Totals.Recount()
	sort.Slice(resp.Repositories, func(i, j int) bool {
		return resp.Repositories[i].FullName < resp.Repositories[j].FullName
	})

	for _, req := range state.ScanRequests {
		resp.ScanRequests = append(resp.ScanRequests, req)
	}
	sort.Slice(resp.ScanRequests, func(i, j int) bool {
		x, y := resp.ScanRequests[i], resp.ScanRequests[j]
		if !x.Timestamp.Equal(y.Timestamp) {
			return x.Timestamp.After(y.Timestamp)
		}
		return x.ID < y.ID
	})

	if a.Sync != nil {
		status := a.Sync.Status()
		resp.LastSync = &status
	}

	writeJSON(w, http.StatusOK, resp)
}

// SyncHandler handles POST /api/sync.
func (a *DashboardAPI) SyncHandler(w http.ResponseWriter, r *http.Request) {
	if a.Sync == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("repository sync is not configured"))
		return
	}
	n, err := a.Sync.Refresh(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{
		Repositories: n,
		SyncedAt:     a.Sync.Status().LastSync,
	})
}

// RateLimitHandler handles GET /api/rate-limit.
func (a *DashboardAPI) RateLimitHandler(w http.ResponseWriter, r *http.Request) {
	entries := []RateLimitEntry{}
	if a.Limits != nil {
		for tenant, state := range a.Limits.RateLimits() {
			entry := RateLimitEntry{Tenant: tenant, Remaining: state.Remaining, Limit: state.Limit}
			if state.Known() {
				reset := state.ResetTime()
				updated := state.LastUpdated.UTC()
				entry.ResetAt = &reset
				entry.LastUpdated = &updated
			}
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Tenant < entries[j].Tenant })
	writeJSON(w, http.StatusOK, map[string]any{"tenants": entries})
}

// DispatchHandler handles POST /api/dispatch.
func (a *DashboardAPI) DispatchHandler(w http.ResponseWriter, r *http.Request) {
	if a.Dispatcher == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("workflow dispatch is not configured"))
		return
	}

	var body DispatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDispatchBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid dispatch request body"))
		return
	}
	if strings.TrimSpace(body.Owner) == "" || strings.TrimSpace(body.Repo) == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("owner and repo are required"))
		return
	}

	req, err := a.Dispatcher.Dispatch(r.Context(), body.Owner, body.Repo, body.Ref, body.Inputs)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}
