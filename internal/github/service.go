// Package github maps the GitHub REST endpoints the dashboard needs onto
// core types. All traffic goes through a gateway.Gateway.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/moose0621/codeql-dashboard/internal/core"
	"github.com/moose0621/codeql-dashboard/internal/gateway"
)

const (
	// DefaultWorkflow is the CodeQL workflow file dispatched and tracked
	// per repository.
	DefaultWorkflow = "codeql.yml"

	pageSize = 100

	// maxPages bounds pagination on very large organizations.
	maxPages = 50
)

// Client is the subset of gateway.Gateway the service uses.
type Client interface {
	Request(ctx context.Context, endpoint, method string, body any, opts ...gateway.RequestOption) (json.RawMessage, error)
	Preflight(ctx context.Context, key string, check func(context.Context) error) error
	Invalidate(prefix string) int
}

// Service performs dashboard operations against GitHub.
type Service struct {
	client   Client
	workflow string
	fanout   int
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithWorkflow sets the workflow file name.
func WithWorkflow(name string) Option {
	return func(s *Service) {
		if name = strings.TrimSpace(name); name != "" {
			s.workflow = name
		}
	}
}

// WithFanout bounds how many repositories SnapshotRepositories inspects
// at once. The gateway semaphore still applies underneath.
func WithFanout(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.fanout = n
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService builds a Service over client.
func NewService(client Client, opts ...Option) *Service {
	s := &Service{
		client:   client,
		workflow: DefaultWorkflow,
		fanout:   gateway.DefaultConcurrency,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Workflow returns the tracked workflow file.
func (s *Service) Workflow() string { return s.workflow }

// Repository is the subset of the GitHub repository resource the
// dashboard reads.
type Repository struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	FullName      string    `json:"full_name"`
	DefaultBranch string    `json:"default_branch"`
	HTMLURL       string    `json:"html_url"`
	Archived      bool      `json:"archived"`
	PushedAt      time.Time `json:"pushed_at"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
	Permissions *struct {
		Admin bool `json:"admin"`
		Push  bool `json:"push"`
	} `json:"permissions,omitempty"`
}

// WorkflowRun is the subset of a workflow run the dashboard reads.
type WorkflowRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HeadBranch string    `json:"head_branch"`
	HTMLURL    string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Alert is the subset of a code scanning alert the dashboard reads.
type Alert struct {
	Number int    `json:"number"`
	State  string `json:"state"`
	Rule   struct {
		ID                    string `json:"id"`
		Severity              string `json:"severity"`
		SecuritySeverityLevel string `json:"security_severity_level"`
	} `json:"rule"`
}

// Severity returns the findings bucket for the alert.
func (a Alert) Severity() core.Severity {
	return core.DeriveAlertSeverity(a.Rule.SecuritySeverityLevel, a.Rule.Severity)
}

// ListRepositories returns every repository in org.
func (s *Service) ListRepositories(ctx context.Context, org string) ([]Repository, error) {
	org = strings.TrimSpace(org)
	if org == "" {
		return nil, errors.New("organization is required")
	}

	var out []Repository
	for page := 1; page <= maxPages; page++ {
		endpoint := fmt.Sprintf("/orgs/%s/repos?type=all&per_page=%d&page=%d", url.PathEscape(org), pageSize, page)
		var batch []Repository
		if err := s.get(ctx, endpoint, &batch); err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < pageSize {
			break
		}
	}
	return out, nil
}

// ListWorkflowRuns returns the most recent runs of the tracked workflow.
// A repository without the workflow yields no runs.
func (s *Service) ListWorkflowRuns(ctx context.Context, owner, repo string, limit int) ([]WorkflowRun, error) {
	if limit <= 0 || limit > pageSize {
		limit = pageSize
	}
	endpoint := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/runs?per_page=%d",
		url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(s.workflow), limit)

	var resp struct {
		TotalCount   int           `json:"total_count"`
		WorkflowRuns []WorkflowRun `json:"workflow_runs"`
	}
	if err := s.get(ctx, endpoint, &resp); err != nil {
		if gateway.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return resp.WorkflowRuns, nil
}

// ListCodeScanningAlerts returns open alerts. Repositories without code
// scanning (404, or 403 when Advanced Security is off) have no findings.
func (s *Service) ListCodeScanningAlerts(ctx context.Context, owner, repo string) ([]Alert, error) {
	var out []Alert
	for page := 1; page <= maxPages; page++ {
		endpoint := fmt.Sprintf("/repos/%s/%s/code-scanning/alerts?state=open&per_page=%d&page=%d",
			url.PathEscape(owner), url.PathEscape(repo), pageSize, page)
		var batch []Alert
		if err := s.get(ctx, endpoint, &batch); err != nil {
			if gateway.IsNotFound(err) || scanningDisabled(err) {
				return nil, nil
			}
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < pageSize {
			break
		}
	}
	return out, nil
}

// CheckDispatchPermission verifies the token can push to owner/repo,
// which workflow dispatch requires. The decision is cached per
// repository for gateway.PreflightTTL.
func (s *Service) CheckDispatchPermission(ctx context.Context, owner, repo string) error {
	key := "dispatch:" + owner + "/" + repo
	return s.client.Preflight(ctx, key, func(ctx context.Context) error {
		endpoint := fmt.Sprintf("/repos/%s/%s", url.PathEscape(owner), url.PathEscape(repo))
		var r Repository
		if err := s.get(ctx, endpoint, &r, gateway.WithCacheTTL(0)); err != nil {
			return err
		}
		if r.Permissions != nil && !r.Permissions.Push && !r.Permissions.Admin {
			return &gateway.PermissionError{
				Endpoint:    endpoint,
				Message:     "token has read-only access to " + owner + "/" + repo,
				Remediation: gateway.DispatchRemediation,
			}
		}
		return nil
	})
}

// DispatchWorkflow triggers the tracked workflow on ref. Cached run
// listings for the repository are dropped on success.
func (s *Service) DispatchWorkflow(ctx context.Context, owner, repo, ref string, inputs map[string]string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return errors.New("ref is required")
	}
	if err := s.CheckDispatchPermission(ctx, owner, repo); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/dispatches",
		url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(s.workflow))
	body := map[string]any{"ref": ref}
	if len(inputs) > 0 {
		body["inputs"] = inputs
	}
	if _, err := s.client.Request(ctx, endpoint, http.MethodPost, body); err != nil {
		return err
	}

	dropped := s.client.Invalidate(fmt.Sprintf("/repos/%s/%s/actions", url.PathEscape(owner), url.PathEscape(repo)))
	s.logger.Info("workflow dispatched",
		zap.String("repository", owner+"/"+repo),
		zap.String("workflow", s.workflow),
		zap.String("ref", ref),
		zap.Int("cache_entries_dropped", dropped))
	return nil
}

// SnapshotRepositories assembles dashboard records for every active
// repository in org. Per-repository lookups that fail are logged and
// flagged in Repository.Unknown so a sync keeps the previous values.
func (s *Service) SnapshotRepositories(ctx context.Context, org string) ([]core.Repository, error) {
	repos, err := s.ListRepositories(ctx, org)
	if err != nil {
		return nil, err
	}

	active := repos[:0:0]
	for _, r := range repos {
		if !r.Archived {
			active = append(active, r)
		}
	}

	out := make([]core.Repository, len(active))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	for i, r := range active {
		g.Go(func() error {
			snapshot, err := s.snapshot(gctx, r)
			if err != nil {
				return err
			}
			out[i] = snapshot
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) snapshot(ctx context.Context, r Repository) (core.Repository, error) {
	owner := r.Owner.Login
	if owner == "" {
		owner, _, _ = strings.Cut(r.FullName, "/")
	}

	repo := core.Repository{
		ID:             r.ID,
		Name:           r.Name,
		FullName:       r.FullName,
		Owner:          owner,
		DefaultBranch:  r.DefaultBranch,
		HTMLURL:        r.HTMLURL,
		LastScanStatus: core.ScanStatusPending,
	}
	if !r.PushedAt.IsZero() {
		pushed := r.PushedAt
		repo.LastPushAt = &pushed
	}

	runs, err := s.ListWorkflowRuns(ctx, owner, r.Name, 1)
	switch {
	case ctx.Err() != nil:
		return core.Repository{}, ctx.Err()
	case err != nil:
		s.logger.Warn("workflow runs unavailable", zap.String("repository", r.FullName), zap.Error(err))
		repo.Unknown |= core.FieldScan
	case len(runs) > 0:
		repo.WorkflowDispatchEnabled = true
		status, at := RunStatus(runs[0])
		repo.LastScanStatus = status
		repo.LastScanDate = at
	default:
		repo.WorkflowDispatchEnabled = false
	}

	alerts, err := s.ListCodeScanningAlerts(ctx, owner, r.Name)
	switch {
	case ctx.Err() != nil:
		return core.Repository{}, ctx.Err()
	case err != nil:
		s.logger.Warn("code scanning alerts unavailable", zap.String("repository", r.FullName), zap.Error(err))
		repo.Unknown |= core.FieldFindings
	default:
		repo.SecurityFindings = CountFindings(alerts)
	}
	return repo, nil
}

// RunStatus maps a workflow run onto the repository scan status. The
// scan date is set only for completed runs.
func RunStatus(run WorkflowRun) (core.ScanStatus, *time.Time) {
	return core.WorkflowRunStatus(run.Status, run.Conclusion, run.UpdatedAt)
}

// CountFindings buckets open alerts by severity.
func CountFindings(alerts []Alert) core.SecurityFindings {
	var f core.SecurityFindings
	for _, a := range alerts {
		if a.State != "" && a.State != "open" {
			continue
		}
		f.Adjust(a.Severity(), 1)
	}
	return f
}

// scanningDisabled reports whether err is GitHub's answer for a
// repository where code scanning cannot run.
func scanningDisabled(err error) bool {
	var apiErr *gateway.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "advanced security") || strings.Contains(msg, "code scanning is not enabled")
}

func (s *Service) get(ctx context.Context, endpoint string, out any, opts ...gateway.RequestOption) error {
	data, err := s.client.Request(ctx, endpoint, http.MethodGet, nil, opts...)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}
