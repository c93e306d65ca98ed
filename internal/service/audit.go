package service

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"time"

	"dbdesk/internal/core"
	"dbdesk/internal/logger"
)

// AuditLogger records every mutating and sensitive operation. Recording is
// best-effort relative to the primary action: append failures are logged
// locally and never surface to the caller.
type AuditLogger struct {
	repo core.AuditRepository
}

func NewAuditLogger(repo core.AuditRepository) *AuditLogger {
	return &AuditLogger{repo: repo}
}

// Record appends an entry. Fire-and-forget from the caller's perspective.
func (a *AuditLogger) Record(entry core.AuditEntry) {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	if err := a.repo.Create(&entry); err != nil {
		logger.L().Errorw("audit append failed", "op", entry.Op, "error", err)
	}
}

// Query returns entries newest-first, bounded by limit. since may be zero
// and opFilter empty.
func (a *AuditLogger) Query(limit int, since time.Time, opFilter string) ([]core.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return a.repo.Query(limit, since, opFilter)
}

// Export serializes the full log to "json" or "csv".
func (a *AuditLogger) Export(format string) (string, error) {
	entries, err := a.repo.GetAll()
	if err != nil {
		return "", err
	}
	switch format {
	case "json":
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil
	case "csv":
		return exportCSV(entries)
	default:
		return "", core.Ef(core.KindValidation, "unsupported export format %q", format)
	}
}

func exportCSV(entries []core.AuditEntry) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"id", "at", "op", "detail", "connectionId", "database", "table"}); err != nil {
		return "", err
	}
	for _, e := range entries {
		record := []string{
			strconv.FormatInt(e.ID, 10),
			e.At.Format(time.RFC3339),
			e.Op,
			e.Detail,
			e.ConnectionID,
			e.Database,
			e.Table,
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
