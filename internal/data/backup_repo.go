package data

import (
	"database/sql"
	"dbdesk/internal/core"
)

type BackupRepo struct {
	db *sql.DB
}

func NewBackupRepo(db *sql.DB) *BackupRepo {
	return &BackupRepo{db: db}
}

func (r *BackupRepo) Create(rec *core.BackupRecord) error {
	_, err := r.db.Exec(`INSERT INTO backups (id, connection_id, path, created_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.ConnectionID, rec.Path, rec.At.UTC())
	return err
}

func (r *BackupRepo) GetByConnection(connectionID string) ([]core.BackupRecord, error) {
	rows, err := r.db.Query(`SELECT id, connection_id, path, created_at FROM backups WHERE connection_id=? ORDER BY created_at DESC`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []core.BackupRecord
	for rows.Next() {
		var rec core.BackupRecord
		if err := rows.Scan(&rec.ID, &rec.ConnectionID, &rec.Path, &rec.At); err != nil {
			return nil, err
		}
		rec.At = rec.At.Local()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *BackupRepo) GetByPath(path string) (*core.BackupRecord, error) {
	var rec core.BackupRecord
	err := r.db.QueryRow(`SELECT id, connection_id, path, created_at FROM backups WHERE path=?`, path).
		Scan(&rec.ID, &rec.ConnectionID, &rec.Path, &rec.At)
	if err != nil {
		return nil, err
	}
	rec.At = rec.At.Local()
	return &rec, nil
}

func (r *BackupRepo) DeleteByPath(path string) error {
	_, err := r.db.Exec(`DELETE FROM backups WHERE path=?`, path)
	return err
}

func (r *BackupRepo) DeleteByConnection(connectionID string) error {
	_, err := r.db.Exec(`DELETE FROM backups WHERE connection_id=?`, connectionID)
	return err
}
