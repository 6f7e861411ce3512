package output

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/moose0621/codeql-dashboard/internal/core"
	"github.com/moose0621/codeql-dashboard/internal/gateway"
)

// TableFormatter renders ASCII tables, or Markdown tables when Markdown
// is set.
type TableFormatter struct {
	Markdown bool
}

func (f *TableFormatter) render(t table.Writer) string {
	if f.Markdown {
		return t.RenderMarkdown()
	}
	t.SetStyle(table.StyleRounded)
	return t.Render()
}

// FormatRepositories renders one row per repository with a totals footer.
func (f *TableFormatter) FormatRepositories(repos []core.Repository) (string, error) {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Repository", "Last Scan", "Scanned", "Critical", "High", "Medium", "Low", "Note", "Total"})

	sorted := sortedRepositories(repos)
	for _, r := range sorted {
		findings := r.SecurityFindings
		t.AppendRow(table.Row{
			r.FullName,
			string(r.LastScanStatus),
			formatTime(r.LastScanDate),
			findings.Critical,
			findings.High,
			findings.Medium,
			findings.Low,
			findings.Note,
			findings.Total,
		})
	}

	sum := totals(sorted)
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d repositories", len(sorted)), "", "",
		sum.Critical, sum.High, sum.Medium, sum.Low, sum.Note, sum.Total,
	})
	return f.render(t), nil
}

// FormatRateLimits renders one row per tenant.
func (f *TableFormatter) FormatRateLimits(limits map[string]gateway.RateLimitState) (string, error) {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Tenant", "Remaining", "Limit", "Resets"})
	for _, row := range rateLimitRows(limits) {
		remaining, limit := fmt.Sprint(row.Remaining), fmt.Sprint(row.Limit)
		if row.ResetAt == nil {
			remaining, limit = "-", "-"
		}
		t.AppendRow(table.Row{row.Tenant, remaining, limit, formatTime(row.ResetAt)})
	}
	return f.render(t), nil
}

// FormatScanRequest renders a dispatched scan as a two-column table.
func (f *TableFormatter) FormatScanRequest(req core.ScanRequest) (string, error) {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRows([]table.Row{
		{"ID", req.ID},
		{"Repository", req.Repository},
		{"Status", string(req.Status)},
		{"Requested", formatTime(&req.Timestamp)},
	})
	return f.render(t), nil
}
