package data

import (
	"database/sql"
	"dbdesk/internal/core"
	"strings"
	"time"
)

type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) Create(entry *core.AuditEntry) error {
	res, err := r.db.Exec(`INSERT INTO audit_log (at, op, detail, connection_id, database_name, table_name) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.At.UTC(), entry.Op, entry.Detail, entry.ConnectionID, entry.Database, entry.Table)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	entry.ID = id
	return nil
}

// Query returns entries newest-first, bounded by limit. A zero since means
// no lower bound; an empty opFilter matches every op.
func (r *AuditRepo) Query(limit int, since time.Time, opFilter string) ([]core.AuditEntry, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, at, op, detail, connection_id, database_name, table_name FROM audit_log`)
	var where []string
	var args []interface{}
	if !since.IsZero() {
		where = append(where, `at >= ?`)
		args = append(args, since.UTC())
	}
	if opFilter != "" {
		where = append(where, `op = ?`)
		args = append(args, opFilter)
	}
	if len(where) > 0 {
		sb.WriteString(` WHERE ` + strings.Join(where, ` AND `))
	}
	sb.WriteString(` ORDER BY at DESC, id DESC LIMIT ?`)
	args = append(args, limit)

	rows, err := r.db.Query(sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// GetAll returns the full log oldest-first, for export.
func (r *AuditRepo) GetAll() ([]core.AuditEntry, error) {
	rows, err := r.db.Query(`SELECT id, at, op, detail, connection_id, database_name, table_name FROM audit_log ORDER BY at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]core.AuditEntry, error) {
	var entries []core.AuditEntry
	for rows.Next() {
		var e core.AuditEntry
		if err := rows.Scan(&e.ID, &e.At, &e.Op, &e.Detail, &e.ConnectionID, &e.Database, &e.Table); err != nil {
			return nil, err
		}
		e.At = e.At.Local()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
