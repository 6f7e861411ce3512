package output

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/moose0621/codeql-dashboard/internal/core"
	"github.com/moose0621/codeql-dashboard/internal/gateway"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Formatter renders dashboard data for the CLI.
type Formatter interface {
	FormatRepositories(repos []core.Repository) (string, error)
	FormatRateLimits(limits map[string]gateway.RateLimitState) (string, error)
	FormatScanRequest(req core.ScanRequest) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &TableFormatter{Markdown: true}
	default:
		return &TableFormatter{}
	}
}

// RateLimitRow is one tenant's budget, flattened for rendering.
type RateLimitRow struct {
	Tenant    string     `json:"tenant"`
	Remaining int        `json:"remaining"`
	Limit     int        `json:"limit"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

func rateLimitRows(limits map[string]gateway.RateLimitState) []RateLimitRow {
	rows := make([]RateLimitRow, 0, len(limits))
	for tenant, state := range limits {
		row := RateLimitRow{Tenant: tenant, Remaining: state.Remaining, Limit: state.Limit}
		if state.Known() {
			reset := state.ResetTime()
			row.ResetAt = &reset
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Tenant < rows[j].Tenant })
	return rows
}

func sortedRepositories(repos []core.Repository) []core.Repository {
	out := append([]core.Repository(nil), repos...)
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

func totals(repos []core.Repository) core.SecurityFindings {
	var sum core.SecurityFindings
	for _, r := range repos {
		sum.Critical += r.SecurityFindings.Critical
		sum.High += r.SecurityFindings.High
		sum.Medium += r.SecurityFindings.Medium
		sum.Low += r.SecurityFindings.Low
		sum.Note += r.SecurityFindings.Note
	}
	sum.Recount()
	return sum
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}
