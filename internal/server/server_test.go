package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/moose0621/codeql-dashboard/internal/config"
	"github.com/moose0621/codeql-dashboard/internal/core"
	apperrors "github.com/moose0621/codeql-dashboard/internal/errors"
	"github.com/moose0621/codeql-dashboard/internal/server/handlers"
	"github.com/moose0621/codeql-dashboard/internal/webhook"
)

type fixedState struct{}

func (fixedState) State() core.AppState {
	state := core.NewAppState()
	state.Repositories[1] = core.Repository{ID: 1, Name: "api", FullName: "acme/api"}
	return state
}

type captureSink struct {
	mu     sync.Mutex
	events []core.DomainEvent
}

func (c *captureSink) ProcessRealTimeEvent(event core.DomainEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	t.Cleanup(handlers.ResetHTTPErrorResponder)
	return New(config.ServerConfig{Host: "127.0.0.1"}, opts)
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}

	var body apperrors.HTTPErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if body.Error.Code != "NOT_FOUND" {
		t.Fatalf("expected error code NOT_FOUND, got %s", body.Error.Code)
	}
	if body.Error.RequestID == "" {
		t.Fatal("expected request id on error response")
	}
}

func TestServerMountsDashboardAPI(t *testing.T) {
	srv := newTestServer(t, Options{API: &handlers.DashboardAPI{State: fixedState{}}})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp handlers.StateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Repositories) != 1 {
		t.Fatalf("expected one repository, got %d", len(resp.Repositories))
	}
}

func TestServerRejectsWrongMethod(t *testing.T) {
	srv := newTestServer(t, Options{API: &handlers.DashboardAPI{State: fixedState{}}})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/dispatch", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rec.Code)
	}
}

func TestServerRoutesWebhooks(t *testing.T) {
	sink := &captureSink{}
	hook, err := webhook.NewHandler(webhook.TrustUpstream, sink)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	srv := newTestServer(t, Options{Webhook: hook})

	req := httptest.NewRequest(http.MethodPost, WebhookPath, strings.NewReader(`{"zen":"Keep it logically awesome."}`))
	req.Header.Set(webhook.HeaderEvent, "ping")
	req.Header.Set(webhook.HeaderDelivery, "d-1")
	req.Header.Set(webhook.HeaderSignature, "sha256=abc")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "d-1" {
		t.Fatalf("expected delivery id as request id, got %q", got)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("expected one forwarded event, got %d", len(sink.events))
	}
}

func TestServerOmitsUnconfiguredRoutes(t *testing.T) {
	srv := newTestServer(t, Options{})

	for _, path := range []string{WebhookPath, "/admin/signal", "/api/sync"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected status 404, got %d", path, rec.Code)
		}
	}
}

func TestServerHealthRoutes(t *testing.T) {
	srv := newTestServer(t, Options{})

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/version"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, rec.Code)
		}
	}
}
