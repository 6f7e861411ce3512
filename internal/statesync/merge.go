package statesync

import (
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/moose0621/codeql-dashboard/internal/core"
)

// alertLedger remembers which alert ids are currently counted for a
// repository so replayed deliveries do not move the counters twice.
type alertLedger struct {
	open   map[string]core.Severity
	closed map[string]struct{}
}

func (s *Synchronizer) ledger(repoID int64) *alertLedger {
	l, ok := s.alerts[repoID]
	if !ok {
		l = &alertLedger{open: make(map[string]core.Severity), closed: make(map[string]struct{})}
		s.alerts[repoID] = l
	}
	return l
}

func (s *Synchronizer) applyEventLocked(event core.DomainEvent) bool {
	switch data := event.Data.(type) {
	case core.RepositoryUpdate:
		return s.applyRepositoryUpdate(data)
	case core.ScanStatusUpdate:
		return s.applyScanStatus(data, event.Timestamp)
	case core.SecurityAlert:
		return s.applyAlert(data.Repository, core.ParseSeverity(data.Severity), data.Action, data.AlertID)
	case core.WebhookReceived:
		return s.applyWebhook(data, event.Timestamp)
	default:
		s.logger.Warn("ignoring unknown event",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)))
		return false
	}
}

func (s *Synchronizer) applyRepositoryUpdate(update core.RepositoryUpdate) bool {
	repo, ok := s.state.Repositories[update.ID]
	if !ok {
		s.logger.Debug("repository update for unknown repository", zap.Int64("repository_id", update.ID))
		return false
	}
	if !update.Patch.Apply(&repo) {
		return false
	}
	if update.Patch.SecurityFindings != nil {
		delete(s.alerts, repo.ID)
	}
	s.state.Repositories[repo.ID] = repo
	return true
}

func (s *Synchronizer) applyScanStatus(update core.ScanStatusUpdate, at time.Time) bool {
	changed := false
	ref := update.Repository

	if req, ok := s.state.ScanRequests[update.ScanID]; ok {
		before := req.Clone()
		req.Status = update.Status
		if update.Duration != nil {
			d := *update.Duration
			req.Duration = &d
		}
		if update.Findings != nil {
			f := *update.Findings
			f.Recount()
			req.Findings = &f
		}
		if !sameScanRequest(before, req) {
			s.state.ScanRequests[req.ID] = req
			changed = true
		}
		if ref == "" {
			ref = req.Repository
		}
	}

	repo, ok := s.state.FindRepository(ref)
	if !ok {
		return changed
	}
	status, ok := update.Status.RepositoryStatus()
	if !ok {
		return changed
	}
	repoChanged := false
	if repo.LastScanStatus != status {
		repo.LastScanStatus = status
		repoChanged = true
	}
	if update.Status == core.ScanRequestCompleted {
		date := update.Timestamp
		if date.IsZero() {
			date = at
		}
		if !sameTime(repo.LastScanDate, &date) {
			repo.LastScanDate = &date
			repoChanged = true
		}
	}
	if repoChanged {
		s.state.Repositories[repo.ID] = repo
	}
	return changed || repoChanged
}

// applyAlert moves one alert into or out of its severity bucket. With
// an id the ledger makes open and close idempotent; without one the
// action is applied as a bare delta.
func (s *Synchronizer) applyAlert(ref string, severity core.Severity, action, alertID string) bool {
	repo, ok := s.state.FindRepository(ref)
	if !ok {
		s.logger.Debug("alert for unknown repository", zap.String("repository", ref))
		return false
	}

	findings := repo.SecurityFindings
	opens := core.AlertOpens(action)
	switch {
	case alertID == "":
		if opens {
			findings.Adjust(severity, 1)
		} else {
			findings.Adjust(severity, -1)
		}
	case opens:
		l := s.ledger(repo.ID)
		if _, counted := l.open[alertID]; counted {
			return false
		}
		l.open[alertID] = severity
		delete(l.closed, alertID)
		findings.Adjust(severity, 1)
	default:
		l := s.ledger(repo.ID)
		if _, done := l.closed[alertID]; done {
			return false
		}
		if tracked, counted := l.open[alertID]; counted {
			severity = tracked
			delete(l.open, alertID)
		}
		l.closed[alertID] = struct{}{}
		findings.Adjust(severity, -1)
	}

	if findings == repo.SecurityFindings {
		return false
	}
	repo.SecurityFindings = findings
	s.state.Repositories[repo.ID] = repo
	return true
}

func (s *Synchronizer) applyWebhook(hook core.WebhookReceived, at time.Time) bool {
	switch {
	case hook.WorkflowRun != nil:
		return s.applyWorkflowRun(hook.WorkflowRun)
	case hook.CodeScanningAlert != nil:
		alert := hook.CodeScanningAlert
		severity := core.DeriveAlertSeverity(alert.Alert.Rule.SecuritySeverityLevel, alert.Alert.Rule.Severity)
		id := ""
		if alert.Alert.Number > 0 {
			id = strconv.Itoa(alert.Alert.Number)
		}
		return s.applyAlert(s.resolveRef(alert.Repository), severity, alert.Action, id)
	case hook.Push != nil:
		return s.applyPush(hook.Push, at)
	default:
		s.logger.Debug("ignoring webhook", zap.String("event", hook.EventType), zap.String("delivery_id", hook.DeliveryID))
		return false
	}
}

func (s *Synchronizer) applyWorkflowRun(hook *core.WorkflowRunWebhook) bool {
	repo, ok := s.state.FindRepository(s.resolveRef(hook.Repository))
	if !ok {
		return false
	}
	run := hook.WorkflowRun
	status, date := core.WorkflowRunStatus(run.Status, run.Conclusion, run.UpdatedAt)

	changed := false
	if repo.LastScanStatus != status {
		repo.LastScanStatus = status
		changed = true
	}
	if date != nil && !sameTime(repo.LastScanDate, date) {
		repo.LastScanDate = date
		changed = true
	}
	if changed {
		s.state.Repositories[repo.ID] = repo
	}
	return changed
}

// applyPush marks a repository pending when its default branch moves,
// since the scan results no longer describe the head commit.
func (s *Synchronizer) applyPush(hook *core.PushWebhook, at time.Time) bool {
	repo, ok := s.state.FindRepository(s.resolveRef(hook.Repository))
	if !ok {
		return false
	}
	branch := repo.DefaultBranch
	if branch == "" {
		branch = hook.Repository.DefaultBranch
	}
	if branch == "" || strings.TrimPrefix(hook.Ref, "refs/heads/") != branch {
		return false
	}

	pushedAt := at
	if hook.HeadCommit != nil && !hook.HeadCommit.Timestamp.IsZero() {
		pushedAt = hook.HeadCommit.Timestamp
	}
	changed := false
	if repo.LastScanStatus != core.ScanStatusPending {
		repo.LastScanStatus = core.ScanStatusPending
		changed = true
	}
	if !sameTime(repo.LastPushAt, &pushedAt) {
		repo.LastPushAt = &pushedAt
		changed = true
	}
	if changed {
		s.state.Repositories[repo.ID] = repo
	}
	return changed
}

// resolveRef prefers the webhook's repository id when it is known.
func (s *Synchronizer) resolveRef(r core.WebhookRepository) string {
	if existing, ok := s.state.Repositories[r.ID]; ok && r.ID != 0 && existing.FullName != "" {
		return existing.FullName
	}
	return r.Ref()
}

func sameScanRequest(a, b core.ScanRequest) bool {
	if a.Status != b.Status {
		return false
	}
	if (a.Duration == nil) != (b.Duration == nil) || (a.Duration != nil && *a.Duration != *b.Duration) {
		return false
	}
	if (a.Findings == nil) != (b.Findings == nil) || (a.Findings != nil && *a.Findings != *b.Findings) {
		return false
	}
	return true
}
