package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moose0621/codeql-dashboard/internal/core"
	"github.com/moose0621/codeql-dashboard/internal/gateway"
)

var scannedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRepositories() []core.Repository {
	return []core.Repository{
		{
			ID: 2, FullName: "acme/web", LastScanStatus: core.ScanStatusFailure,
			SecurityFindings: core.SecurityFindings{High: 2, Total: 2},
		},
		{
			ID: 1, FullName: "acme/api", LastScanStatus: core.ScanStatusSuccess, LastScanDate: &scannedAt,
			SecurityFindings: core.SecurityFindings{Critical: 1, Medium: 1, Total: 2},
		},
	}
}

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("md")
	require.NoError(t, err)
	require.Equal(t, FormatMarkdown, format)

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	_, err = ParseFormat("csv")
	require.Error(t, err)
}

func TestFormatRepositoriesJSON(t *testing.T) {
	rendered, err := NewFormatter(FormatJSON).FormatRepositories(sampleRepositories())
	require.NoError(t, err)

	var decoded struct {
		Repositories []core.Repository    `json:"repositories"`
		Totals       core.SecurityFindings `json:"totals"`
	}
	require.NoError(t, json.Unmarshal([]byte(rendered), &decoded))
	require.Len(t, decoded.Repositories, 2)
	require.Equal(t, "acme/api", decoded.Repositories[0].FullName)
	require.Equal(t, 4, decoded.Totals.Total)
	require.Equal(t, 1, decoded.Totals.Critical)
}

func TestFormatRepositoriesTable(t *testing.T) {
	rendered, err := NewFormatter(FormatTable).FormatRepositories(sampleRepositories())
	require.NoError(t, err)

	require.Contains(t, rendered, "acme/api")
	require.Contains(t, rendered, "2026-03-01 12:00")
	require.Contains(t, strings.ToLower(rendered), "2 repositories")
	require.Less(t, strings.Index(rendered, "acme/api"), strings.Index(rendered, "acme/web"))
}

func TestFormatRepositoriesMarkdown(t *testing.T) {
	rendered, err := NewFormatter(FormatMarkdown).FormatRepositories(sampleRepositories())
	require.NoError(t, err)

	require.Contains(t, rendered, "| Repository |")
	require.Contains(t, rendered, "| acme/web |")
}

func TestFormatRateLimits(t *testing.T) {
	limits := map[string]gateway.RateLimitState{
		"acme":  {Remaining: 12, Limit: 5000, Reset: scannedAt.Unix(), LastUpdated: scannedAt},
		"later": {},
	}

	rendered, err := NewFormatter(FormatTable).FormatRateLimits(limits)
	require.NoError(t, err)
	require.Contains(t, rendered, "5000")
	require.Contains(t, rendered, "later")

	rendered, err = NewFormatter(FormatJSON).FormatRateLimits(limits)
	require.NoError(t, err)
	var rows []RateLimitRow
	require.NoError(t, json.Unmarshal([]byte(rendered), &rows))
	require.Len(t, rows, 2)
	require.Equal(t, "acme", rows[0].Tenant)
	require.NotNil(t, rows[0].ResetAt)
	require.Nil(t, rows[1].ResetAt)
}

func TestFormatScanRequest(t *testing.T) {
	req := core.ScanRequest{ID: "req-1", Repository: "acme/api", Status: core.ScanRequestPending, Timestamp: scannedAt}

	rendered, err := NewFormatter(FormatTable).FormatScanRequest(req)
	require.NoError(t, err)
	require.Contains(t, rendered, "req-1")
	require.Contains(t, rendered, "pending")
}
