package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityFindingsAdjust(t *testing.T) {
	var f SecurityFindings
	f.Adjust(SeverityCritical, 1)
	f.Adjust(SeverityHigh, 2)
	f.Adjust(SeverityNote, 1)
	assert.Equal(t, SecurityFindings{Critical: 1, High: 2, Note: 1, Total: 4}, f)

	f.Adjust(SeverityCritical, -3)
	assert.Zero(t, f.Critical)
	assert.Equal(t, 3, f.Total)
	assert.Equal(t, 2, f.Count(SeverityHigh))

	f.Adjust(Severity("bogus"), 1)
	assert.Equal(t, 1, f.Low)
}

func TestAppStateCloneIsDeep(t *testing.T) {
	scanned := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	duration := time.Minute
	state := NewAppState()
	state.Repositories[1] = Repository{ID: 1, Name: "api", LastScanDate: &scanned}
	state.ScanRequests["s1"] = ScanRequest{ID: "s1", Duration: &duration}

	clone := state.Clone()
	*clone.Repositories[1].LastScanDate = scanned.Add(time.Hour)
	*clone.ScanRequests["s1"].Duration = time.Hour
	delete(clone.Repositories, 1)

	assert.Equal(t, scanned, *state.Repositories[1].LastScanDate)
	assert.Equal(t, time.Minute, *state.ScanRequests["s1"].Duration)
	assert.Len(t, state.Repositories, 1)
}

func TestScanRequestDurationJSON(t *testing.T) {
	duration := 90 * time.Second
	data, err := json.Marshal(ScanRequest{ID: "s1", Repository: "acme/api", Status: ScanRequestCompleted, Duration: &duration})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"duration_ms":90000`)
	assert.NotContains(t, string(data), `"Duration"`)

	var back ScanRequest
	require.NoError(t, json.Unmarshal(data, &back))
	require.NotNil(t, back.Duration)
	assert.Equal(t, duration, *back.Duration)
	assert.Equal(t, "acme/api", back.Repository)

	data, err = json.Marshal(ScanRequest{ID: "s2"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "duration")
}

func TestFindRepository(t *testing.T) {
	state := NewAppState()
	state.Repositories[7] = Repository{ID: 7, Name: "api", FullName: "zeta/api"}
	state.Repositories[3] = Repository{ID: 3, Name: "api", FullName: "acme/api"}
	state.Repositories[5] = Repository{ID: 5, Name: "web", FullName: "acme/web"}

	tests := []struct {
		name   string
		ref    string
		wantID int64
		found  bool
	}{
		{name: "full name", ref: "zeta/api", wantID: 7, found: true},
		{name: "short name collision picks lowest id", ref: "api", wantID: 3, found: true},
		{name: "unique short name", ref: "web", wantID: 5, found: true},
		{name: "missing", ref: "cli"},
		{name: "empty", ref: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, ok := state.FindRepository(tt.ref)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.wantID, repo.ID)
		})
	}
}

func TestScanRequestStatusMapping(t *testing.T) {
	tests := []struct {
		in   ScanRequestStatus
		want ScanStatus
		ok   bool
	}{
		{ScanRequestCompleted, ScanStatusSuccess, true},
		{ScanRequestFailed, ScanStatusFailure, true},
		{ScanRequestRunning, ScanStatusInProgress, true},
		{ScanRequestPending, ScanStatusPending, true},
		{"cancelled", "", false},
	}
	for _, tt := range tests {
		got, ok := tt.in.RepositoryStatus()
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
