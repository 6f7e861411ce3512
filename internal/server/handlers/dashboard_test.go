package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/moose0621/codeql-dashboard/internal/core"
	"github.com/moose0621/codeql-dashboard/internal/core/engine"
	"github.com/moose0621/codeql-dashboard/internal/gateway"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubState struct {
	state core.AppState
}

func (s stubState) State() core.AppState { return s.state }

type stubRefresher struct {
	n      int
	err    error
	status engine.SyncStatus
}

func (s *stubRefresher) Refresh(ctx context.Context) (int, error) { return s.n, s.err }

func (s *stubRefresher) Status() engine.SyncStatus { return s.status }

type stubLimits map[string]gateway.RateLimitState

func (s stubLimits) RateLimits() map[string]gateway.RateLimitState { return s }

type stubDispatch struct {
	got DispatchRequest
	err error
}

func (s *stubDispatch) Dispatch(ctx context.Context, owner, repo, ref string, inputs map[string]string) (core.ScanRequest, error) {
	s.got = DispatchRequest{Owner: owner, Repo: repo, Ref: ref, Inputs: inputs}
	if s.err != nil {
		return core.ScanRequest{}, s.err
	}
	return core.ScanRequest{ID: "req-1", Repository: owner + "/" + repo, Timestamp: testNow, Status: core.ScanRequestPending}, nil
}

type errorBody struct {
	Error struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details"`
	} `json:"error"`
}

func TestStateHandlerOrdersAndTotals(t *testing.T) {
	state := core.NewAppState()
	state.Repositories[2] = core.Repository{ID: 2, FullName: "acme/web", SecurityFindings: core.SecurityFindings{High: 2, Total: 2}}
	state.Repositories[1] = core.Repository{ID: 1, FullName: "acme/api", SecurityFindings: core.SecurityFindings{Critical: 1, Note: 1, Total: 2}}
	state.ScanRequests["old"] = core.ScanRequest{ID: "old", Timestamp: testNow.Add(-time.Hour)}
	state.ScanRequests["new"] = core.ScanRequest{ID: "new", Timestamp: testNow}
	state.IsRealTimeConnected = true

	api := &DashboardAPI{
		State: stubState{state: state},
		Sync:  &stubRefresher{status: engine.SyncStatus{LastSync: testNow}},
	}

	rec := httptest.NewRecorder()
	api.StateHandler(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp StateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if len(resp.Repositories) != 2 || resp.Repositories[0].FullName != "acme/api" {
		t.Fatalf("expected repositories ordered by name, got %+v", resp.Repositories)
	}
	if resp.Totals.Critical != 1 || resp.Totals.High != 2 || resp.Totals.Note != 1 || resp.Totals.Total != 4 {
		t.Fatalf("unexpected totals %+v", resp.Totals)
	}
	if len(resp.ScanRequests) != 2 || resp.ScanRequests[0].ID != "new" {
		t.Fatalf("expected newest scan request first, got %+v", resp.ScanRequests)
	}
	if !resp.IsRealTimeConnected {
		t.Fatal("expected realtime connected flag")
	}
	if resp.LastSync == nil || !resp.LastSync.LastSync.Equal(testNow) {
		t.Fatalf("expected last sync %s, got %+v", testNow, resp.LastSync)
	}
}

func TestSyncHandler(t *testing.T) {
	api := &DashboardAPI{Sync: &stubRefresher{n: 3, status: engine.SyncStatus{LastSync: testNow}}}

	rec := httptest.NewRecorder()
	api.SyncHandler(rec, httptest.NewRequest(http.MethodPost, "/api/sync", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp SyncResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Repositories != 3 {
		t.Fatalf("expected 3 repositories, got %d", resp.Repositories)
	}
}

func TestSyncHandlerMapsRateLimit(t *testing.T) {
	reset := testNow.Add(10 * time.Minute)
	api := &DashboardAPI{Sync: &stubRefresher{err: &gateway.RateLimitError{Endpoint: "/orgs/acme/repos", Reset: reset}}}

	rec := httptest.NewRecorder()
	api.SyncHandler(rec, httptest.NewRequest(http.MethodPost, "/api/sync", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rec.Code)
	}
	var resp errorBody
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error.Code != "RATE_LIMITED" {
		t.Fatalf("expected RATE_LIMITED, got %s", resp.Error.Code)
	}
	if resp.Error.Details["reset_at"] != reset.Format(time.RFC3339) {
		t.Fatalf("expected reset_at detail, got %v", resp.Error.Details)
	}
}

func TestSyncHandlerUnconfigured(t *testing.T) {
	api := &DashboardAPI{}

	rec := httptest.NewRecorder()
	api.SyncHandler(rec, httptest.NewRequest(http.MethodPost, "/api/sync", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
}

func TestRateLimitHandler(t *testing.T) {
	api := &DashboardAPI{Limits: stubLimits{
		"github": {Remaining: 0, Limit: 5000, Reset: testNow.Unix(), LastUpdated: testNow},
		"backup": {},
	}}

	rec := httptest.NewRecorder()
	api.RateLimitHandler(rec, httptest.NewRequest(http.MethodGet, "/api/rate-limit", nil))

	var resp struct {
		Tenants []RateLimitEntry `json:"tenants"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Tenants) != 2 {
		t.Fatalf("expected 2 tenants, got %d", len(resp.Tenants))
	}
	if resp.Tenants[0].Tenant != "backup" || resp.Tenants[0].ResetAt != nil {
		t.Fatalf("expected unknown backup tenant first, got %+v", resp.Tenants[0])
	}
	github := resp.Tenants[1]
	if github.Limit != 5000 || github.ResetAt == nil || !github.ResetAt.Equal(testNow) {
		t.Fatalf("unexpected github entry %+v", github)
	}
}

func TestDispatchHandler(t *testing.T) {
	dispatcher := &stubDispatch{}
	api := &DashboardAPI{Dispatcher: dispatcher}

	body := `{"owner":"acme","repo":"api","ref":"main","inputs":{"mode":"full"}}`
	rec := httptest.NewRecorder()
	api.DispatchHandler(rec, httptest.NewRequest(http.MethodPost, "/api/dispatch", strings.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}
	if dispatcher.got.Owner != "acme" || dispatcher.got.Repo != "api" || dispatcher.got.Inputs["mode"] != "full" {
		t.Fatalf("unexpected dispatch call %+v", dispatcher.got)
	}

	var resp core.ScanRequest
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID != "req-1" || resp.Status != core.ScanRequestPending {
		t.Fatalf("unexpected scan request %+v", resp)
	}
}

func TestDispatchHandlerRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"owner":`},
		{name: "unknown field", body: `{"owner":"acme","repo":"api","branch":"main"}`},
		{name: "missing repo", body: `{"owner":"acme"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatcher := &stubDispatch{}
			api := &DashboardAPI{Dispatcher: dispatcher}

			rec := httptest.NewRecorder()
			api.DispatchHandler(rec, httptest.NewRequest(http.MethodPost, "/api/dispatch", strings.NewReader(tt.body)))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rec.Code)
			}
			if dispatcher.got.Owner != "" {
				t.Fatal("dispatcher should not be called")
			}
		})
	}
}

func TestDispatchHandlerMapsPermissionError(t *testing.T) {
	dispatcher := &stubDispatch{err: &gateway.PermissionError{
		Endpoint:    "/repos/acme/api/actions/workflows/codeql.yml/dispatches",
		Message:     "token lacks actions:write",
		Remediation: "grant the token the workflow scope",
	}}
	api := &DashboardAPI{Dispatcher: dispatcher}

	rec := httptest.NewRecorder()
	api.DispatchHandler(rec, httptest.NewRequest(http.MethodPost, "/api/dispatch", strings.NewReader(`{"owner":"acme","repo":"api"}`)))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rec.Code)
	}
	var resp errorBody
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error.Details["remediation"] != "grant the token the workflow scope" {
		t.Fatalf("expected remediation detail, got %v", resp.Error.Details)
	}
}
