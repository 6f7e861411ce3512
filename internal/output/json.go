package output

import (
	"encoding/json"

	"github.com/moose0621/codeql-dashboard/internal/core"
	"github.com/moose0621/codeql-dashboard/internal/gateway"
)

// JSONFormatter renders results as JSON.
type JSONFormatter struct {
	Indent bool
}

func (f *JSONFormatter) marshal(v any) (string, error) {
	var (
		data []byte
		err  error
	)
	if f.Indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FormatRepositories renders repositories sorted by full name with totals.
func (f *JSONFormatter) FormatRepositories(repos []core.Repository) (string, error) {
	sorted := sortedRepositories(repos)
	return f.marshal(struct {
		Repositories []core.Repository    `json:"repositories"`
		Totals       core.SecurityFindings `json:"totals"`
	}{Repositories: sorted, Totals: totals(sorted)})
}

// FormatRateLimits renders tenants sorted by name.
func (f *JSONFormatter) FormatRateLimits(limits map[string]gateway.RateLimitState) (string, error) {
	return f.marshal(rateLimitRows(limits))
}

// FormatScanRequest renders req.
func (f *JSONFormatter) FormatScanRequest(req core.ScanRequest) (string, error) {
	return f.marshal(req)
}
