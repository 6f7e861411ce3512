package core

import (
	"encoding/json"
	"time"
)

// ScanStatus is the dashboard-visible state of a repository's most
// recent code scan.
type ScanStatus string

const (
	ScanStatusSuccess    ScanStatus = "success"
	ScanStatusFailure    ScanStatus = "failure"
	ScanStatusInProgress ScanStatus = "in_progress"
	ScanStatusPending    ScanStatus = "pending"
)

// ScanRequestStatus tracks a dispatched scan through its lifecycle.
type ScanRequestStatus string

const (
	ScanRequestPending   ScanRequestStatus = "pending"
	ScanRequestRunning   ScanRequestStatus = "running"
	ScanRequestCompleted ScanRequestStatus = "completed"
	ScanRequestFailed    ScanRequestStatus = "failed"
)

// RepositoryStatus maps a scan request status onto the repository
// scan status vocabulary.
func (s ScanRequestStatus) RepositoryStatus() (ScanStatus, bool) {
	switch s {
	case ScanRequestCompleted:
		return ScanStatusSuccess, true
	case ScanRequestFailed:
		return ScanStatusFailure, true
	case ScanRequestRunning:
		return ScanStatusInProgress, true
	case ScanRequestPending:
		return ScanStatusPending, true
	default:
		return "", false
	}
}

// SecurityFindings counts open code scanning alerts per severity.
// Total is derived; call Recount after changing any bucket.
type SecurityFindings struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Note     int `json:"note"`
	Total    int `json:"total"`
}

// Recount recomputes Total from the buckets.
func (f *SecurityFindings) Recount() {
	f.Total = f.Critical + f.High + f.Medium + f.Low + f.Note
}

// Adjust adds delta to the bucket for severity, flooring at zero, and
// recomputes Total.
func (f *SecurityFindings) Adjust(severity Severity, delta int) {
	bucket := f.bucket(severity)
	*bucket += delta
	if *bucket < 0 {
		*bucket = 0
	}
	f.Recount()
}

// Count returns the bucket value for severity.
func (f SecurityFindings) Count(severity Severity) int {
	return *f.bucket(severity)
}

func (f *SecurityFindings) bucket(severity Severity) *int {
	switch severity {
	case SeverityCritical:
		return &f.Critical
	case SeverityHigh:
		return &f.High
	case SeverityMedium:
		return &f.Medium
	case SeverityNote:
		return &f.Note
	default:
		return &f.Low
	}
}

// Repository is one row of the dashboard.
type Repository struct {
	ID                      int64            `json:"id"`
	Name                    string           `json:"name"`
	FullName                string           `json:"full_name"`
	Owner                   string           `json:"owner"`
	DefaultBranch           string           `json:"default_branch,omitempty"`
	HTMLURL                 string           `json:"html_url,omitempty"`
	LastScanStatus          ScanStatus       `json:"last_scan_status"`
	LastScanDate            *time.Time       `json:"last_scan_date,omitempty"`
	SecurityFindings        SecurityFindings `json:"security_findings"`
	WorkflowDispatchEnabled bool             `json:"workflow_dispatch_enabled"`
	LastPushAt              *time.Time       `json:"last_push_at,omitempty"`

	// Unknown marks fields a snapshot could not read. Syncing keeps the
	// stored values for them.
	Unknown RepositoryFields `json:"-"`
}

// RepositoryFields is a set of Repository fields.
type RepositoryFields uint8

const (
	// FieldScan covers LastScanStatus and LastScanDate.
	FieldScan RepositoryFields = 1 << iota
	// FieldFindings covers SecurityFindings.
	FieldFindings
)

// Has reports whether every field in f is set.
func (s RepositoryFields) Has(f RepositoryFields) bool { return s&f == f }

// Clone returns a copy that shares no pointers with r.
func (r Repository) Clone() Repository {
	r.LastScanDate = cloneTime(r.LastScanDate)
	r.LastPushAt = cloneTime(r.LastPushAt)
	return r
}

// ScanRequest is a scan dispatched from the dashboard. Duration is
// carried on the wire as duration_ms.
type ScanRequest struct {
	ID            string            `json:"id"`
	Repository    string            `json:"repository"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        ScanRequestStatus `json:"status"`
	WorkflowRunID int64             `json:"workflow_run_id,omitempty"`
	Duration      *time.Duration    `json:"-"`
	Findings      *SecurityFindings `json:"findings,omitempty"`
}

func (s ScanRequest) MarshalJSON() ([]byte, error) {
	type plain ScanRequest
	return json.Marshal(struct {
		plain
		DurationMS *float64 `json:"duration_ms,omitempty"`
	}{plain(s), toMillis(s.Duration)})
}

func (s *ScanRequest) UnmarshalJSON(data []byte) error {
	type plain ScanRequest
	var wire struct {
		plain
		DurationMS *float64 `json:"duration_ms"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	d, err := fromMillis(wire.DurationMS)
	if err != nil {
		return err
	}
	*s = ScanRequest(wire.plain)
	s.Duration = d
	return nil
}

// Clone returns a copy that shares no pointers with s.
func (s ScanRequest) Clone() ScanRequest {
	if s.Duration != nil {
		d := *s.Duration
		s.Duration = &d
	}
	if s.Findings != nil {
		f := *s.Findings
		s.Findings = &f
	}
	return s
}

// AppState is the canonical view model handed to subscribers.
type AppState struct {
	Repositories        map[int64]Repository   `json:"repositories"`
	ScanRequests        map[string]ScanRequest `json:"scan_requests"`
	LastUpdate          time.Time              `json:"last_update"`
	IsRealTimeConnected bool                   `json:"is_real_time_connected"`
	PendingUpdates      int                    `json:"pending_updates"`
}

// NewAppState returns an empty state with initialized maps.
func NewAppState() AppState {
	return AppState{
		Repositories: make(map[int64]Repository),
		ScanRequests: make(map[string]ScanRequest),
	}
}

// Clone returns a deep copy of s.
func (s AppState) Clone() AppState {
	out := s
	out.Repositories = make(map[int64]Repository, len(s.Repositories))
	for id, repo := range s.Repositories {
		out.Repositories[id] = repo.Clone()
	}
	out.ScanRequests = make(map[string]ScanRequest, len(s.ScanRequests))
	for id, req := range s.ScanRequests {
		out.ScanRequests[id] = req.Clone()
	}
	return out
}

// FindRepository resolves a repository by full name first, then by
// short name. Short-name collisions resolve to the lowest id.
func (s AppState) FindRepository(name string) (Repository, bool) {
	if name == "" {
		return Repository{}, false
	}
	for _, repo := range s.Repositories {
		if repo.FullName == name {
			return repo, true
		}
	}
	var found Repository
	ok := false
	for _, repo := range s.Repositories {
		if repo.Name == name && (!ok || repo.ID < found.ID) {
			found, ok = repo, true
		}
	}
	return found, ok
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
