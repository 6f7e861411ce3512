package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moose0621/codeql-dashboard/internal/core"
	"github.com/moose0621/codeql-dashboard/internal/gateway"
	"github.com/moose0621/codeql-dashboard/internal/statesync"
)

func newTestService(t *testing.T, mux *http.ServeMux) *Service {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	gw, err := gateway.New(gateway.NewRuntime(), gateway.Config{Tenant: "acme", BaseURL: server.URL, Token: "t"})
	require.NoError(t, err)
	return NewService(gw)
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestListRepositoriesPaginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		count := pageSize
		if page == "2" {
			count = 3
		}
		repos := make([]map[string]any, count)
		for i := range repos {
			repos[i] = map[string]any{"id": i, "name": fmt.Sprintf("p%s-%d", page, i)}
		}
		respond(w, http.StatusOK, repos)
	})

	repos, err := newTestService(t, mux).ListRepositories(context.Background(), "acme")
	require.NoError(t, err)
	assert.Len(t, repos, pageSize+3)
	assert.Equal(t, "p2-2", repos[len(repos)-1].Name)
}

func TestListCodeScanningAlertsNotFoundMeansNone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api/code-scanning/alerts", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusNotFound, map[string]string{"message": "no analysis found"})
	})

	alerts, err := newTestService(t, mux).ListCodeScanningAlerts(context.Background(), "acme", "api")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestRunStatus(t *testing.T) {
	updated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		run      WorkflowRun
		want     core.ScanStatus
		wantDate bool
	}{
		{run: WorkflowRun{Status: "queued"}, want: core.ScanStatusPending},
		{run: WorkflowRun{Status: "in_progress"}, want: core.ScanStatusInProgress},
		{run: WorkflowRun{Status: "completed", Conclusion: "success", UpdatedAt: updated}, want: core.ScanStatusSuccess, wantDate: true},
		{run: WorkflowRun{Status: "completed", Conclusion: "cancelled", UpdatedAt: updated}, want: core.ScanStatusFailure, wantDate: true},
		{run: WorkflowRun{Status: "completed", Conclusion: "failure", UpdatedAt: updated}, want: core.ScanStatusFailure, wantDate: true},
	}
	for _, tc := range cases {
		status, date := RunStatus(tc.run)
		assert.Equal(t, tc.want, status, tc.run.Status+"/"+tc.run.Conclusion)
		if tc.wantDate {
			require.NotNil(t, date)
			assert.Equal(t, updated, *date)
		} else {
			assert.Nil(t, date)
		}
	}
}

func TestCountFindings(t *testing.T) {
	alert := func(state, level, severity string) Alert {
		var a Alert
		a.State = state
		a.Rule.SecuritySeverityLevel = level
		a.Rule.Severity = severity
		return a
	}
	findings := CountFindings([]Alert{
		alert("open", "critical", "error"),
		alert("open", "", "error"),
		alert("open", "", "warning"),
		alert("open", "", "note"),
		alert("open", "", "other"),
		alert("dismissed", "high", ""),
	})
	assert.Equal(t, core.SecurityFindings{Critical: 1, High: 1, Medium: 1, Low: 1, Note: 1, Total: 5}, findings)
}

func TestSnapshotRepositories(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, []map[string]any{
			{"id": 1, "name": "api", "full_name": "acme/api", "default_branch": "main", "owner": map[string]string{"login": "acme"}, "pushed_at": "2026-02-01T00:00:00Z"},
			{"id": 2, "name": "web", "full_name": "acme/web", "default_branch": "main", "owner": map[string]string{"login": "acme"}},
			{"id": 3, "name": "old", "full_name": "acme/old", "archived": true, "owner": map[string]string{"login": "acme"}},
		})
	})
	mux.HandleFunc("GET /repos/acme/api/actions/workflows/codeql.yml/runs", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{
			"total_count": 1,
			"workflow_runs": []map[string]any{
				{"id": 9, "status": "completed", "conclusion": "success", "updated_at": "2026-02-02T10:00:00Z"},
			},
		})
	})
	mux.HandleFunc("GET /repos/acme/web/actions/workflows/codeql.yml/runs", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	})
	mux.HandleFunc("GET /repos/acme/api/code-scanning/alerts", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, []map[string]any{
			{"number": 1, "state": "open", "rule": map[string]string{"severity": "error", "security_severity_level": "critical"}},
			{"number": 2, "state": "open", "rule": map[string]string{"severity": "warning"}},
		})
	})
	mux.HandleFunc("GET /repos/acme/web/code-scanning/alerts", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusForbidden, map[string]string{"message": "Advanced Security must be enabled"})
	})

	repos, err := newTestService(t, mux).SnapshotRepositories(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, repos, 2)

	api := repos[0]
	assert.Equal(t, "acme/api", api.FullName)
	assert.Equal(t, core.ScanStatusSuccess, api.LastScanStatus)
	require.NotNil(t, api.LastScanDate)
	assert.True(t, api.WorkflowDispatchEnabled)
	assert.Equal(t, 1, api.SecurityFindings.Critical)
	assert.Equal(t, 1, api.SecurityFindings.Medium)
	assert.Equal(t, 2, api.SecurityFindings.Total)
	require.NotNil(t, api.LastPushAt)

	web := repos[1]
	assert.Equal(t, core.ScanStatusPending, web.LastScanStatus)
	assert.False(t, web.WorkflowDispatchEnabled)
	assert.Zero(t, web.SecurityFindings.Total)
}

func TestCodeScanningDisabledMeansNone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/web/code-scanning/alerts", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusForbidden, map[string]string{"message": "Advanced Security must be enabled for this repository to use code scanning."})
	})
	mux.HandleFunc("GET /repos/acme/ops/code-scanning/alerts", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusForbidden, map[string]string{"message": "Resource not accessible by integration"})
	})

	svc := newTestService(t, mux)
	alerts, err := svc.ListCodeScanningAlerts(context.Background(), "acme", "web")
	require.NoError(t, err)
	assert.Empty(t, alerts)

	_, err = svc.ListCodeScanningAlerts(context.Background(), "acme", "ops")
	require.Error(t, err)
}

func TestRefreshKeepsFindingsWhenAlertsFail(t *testing.T) {
	var failAlerts atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, []map[string]any{
			{"id": 1, "name": "api", "full_name": "acme/api", "default_branch": "main", "owner": map[string]string{"login": "acme"}},
		})
	})
	mux.HandleFunc("GET /repos/acme/api/actions/workflows/codeql.yml/runs", func(w http.ResponseWriter, r *http.Request) {
		if failAlerts.Load() {
			respond(w, http.StatusServiceUnavailable, map[string]string{"message": "Service Unavailable"})
			return
		}
		respond(w, http.StatusOK, map[string]any{
			"workflow_runs": []map[string]any{
				{"id": 9, "status": "completed", "conclusion": "success", "updated_at": "2026-02-02T10:00:00Z"},
			},
		})
	})
	mux.HandleFunc("GET /repos/acme/api/code-scanning/alerts", func(w http.ResponseWriter, r *http.Request) {
		if failAlerts.Load() {
			respond(w, http.StatusBadGateway, map[string]string{"message": "Server Error"})
			return
		}
		respond(w, http.StatusOK, []map[string]any{
			{"number": 1, "state": "open", "rule": map[string]string{"security_severity_level": "critical"}},
		})
	})

	svc := newTestService(t, mux)
	synchronizer := statesync.New(statesync.Config{})
	ctx := context.Background()

	repos, err := svc.SnapshotRepositories(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Zero(t, repos[0].Unknown)
	synchronizer.SyncRepositories(repos)

	svc.client.Invalidate("")
	failAlerts.Store(true)

	repos, err = svc.SnapshotRepositories(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.True(t, repos[0].Unknown.Has(core.FieldFindings))
	assert.True(t, repos[0].Unknown.Has(core.FieldScan))
	synchronizer.SyncRepositories(repos)

	api := synchronizer.State().Repositories[1]
	assert.Equal(t, 1, api.SecurityFindings.Critical)
	assert.Equal(t, 1, api.SecurityFindings.Total)
	assert.Equal(t, core.ScanStatusSuccess, api.LastScanStatus)
	require.NotNil(t, api.LastScanDate)
}

func TestDispatchWorkflow(t *testing.T) {
	var dispatched atomic.Int32
	var runsHits atomic.Int32
	var permissionHits atomic.Int32
	var lastBody map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api", func(w http.ResponseWriter, r *http.Request) {
		permissionHits.Add(1)
		respond(w, http.StatusOK, map[string]any{"id": 1, "permissions": map[string]bool{"push": true}})
	})
	mux.HandleFunc("GET /repos/acme/api/actions/workflows/codeql.yml/runs", func(w http.ResponseWriter, r *http.Request) {
		runsHits.Add(1)
		respond(w, http.StatusOK, map[string]any{"workflow_runs": []any{}})
	})
	mux.HandleFunc("POST /repos/acme/api/actions/workflows/codeql.yml/dispatches", func(w http.ResponseWriter, r *http.Request) {
		dispatched.Add(1)
		_ = json.NewDecoder(r.Body).Decode(&lastBody)
		w.WriteHeader(http.StatusNoContent)
	})

	svc := newTestService(t, mux)
	ctx := context.Background()

	_, err := svc.ListWorkflowRuns(ctx, "acme", "api", 1)
	require.NoError(t, err)
	_, err = svc.ListWorkflowRuns(ctx, "acme", "api", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), runsHits.Load())

	require.NoError(t, svc.DispatchWorkflow(ctx, "acme", "api", "main", map[string]string{"reason": "manual"}))
	require.NoError(t, svc.DispatchWorkflow(ctx, "acme", "api", "main", nil))
	assert.Equal(t, int32(2), dispatched.Load())
	assert.Equal(t, int32(1), permissionHits.Load())
	assert.Equal(t, "main", lastBody["ref"])

	_, err = svc.ListWorkflowRuns(ctx, "acme", "api", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), runsHits.Load())
}

func TestDispatchWorkflowReadOnlyToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{"id": 1, "permissions": map[string]bool{"pull": true}})
	})
	mux.HandleFunc("POST /repos/acme/api/actions/workflows/codeql.yml/dispatches", func(w http.ResponseWriter, r *http.Request) {
		t.Error("dispatch should be blocked by the pre-flight")
	})

	err := newTestService(t, mux).DispatchWorkflow(context.Background(), "acme", "api", "main", nil)
	require.Error(t, err)
	assert.True(t, gateway.IsPermission(err))
	assert.True(t, strings.Contains(err.Error(), "read-only"))
}

func TestDispatchWorkflowForbidden(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{"id": 1})
	})
	mux.HandleFunc("POST /repos/acme/api/actions/workflows/codeql.yml/dispatches", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusForbidden, map[string]string{"message": "Resource not accessible by personal access token"})
	})

	err := newTestService(t, mux).DispatchWorkflow(context.Background(), "acme", "api", "main", nil)
	var perm *gateway.PermissionError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, gateway.DispatchRemediation, perm.Remediation)
}
