package data

import (
	"database/sql"
	"dbdesk/internal/core"
	"time"
)

type ScheduleRepo struct {
	db *sql.DB
}

func NewScheduleRepo(db *sql.DB) *ScheduleRepo {
	return &ScheduleRepo{db: db}
}

func (r *ScheduleRepo) GetAll() ([]core.BackupSchedule, error) {
	rows, err := r.db.Query(`SELECT connection_id, enabled, schedule, time, day, output_dir, last_run FROM backup_schedules ORDER BY connection_id, time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []core.BackupSchedule
	for rows.Next() {
		var s core.BackupSchedule
		var enabled int
		var cadence string
		var lastRun sql.NullTime
		if err := rows.Scan(&s.ConnectionID, &enabled, &cadence, &s.Time, &s.Day, &s.OutputDir, &lastRun); err != nil {
			return nil, err
		}
		s.Enabled = enabled == 1
		s.Schedule = core.Cadence(cadence)
		if lastRun.Valid {
			t := lastRun.Time.Local()
			s.LastRun = &t
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// ReplaceAll swaps the full schedule list in one transaction. The UI saves
// schedules as a whole list, not per-field patches. Existing last_run marks
// are carried over so a save does not re-arm already-fired schedules.
func (r *ScheduleRepo) ReplaceAll(schedules []core.BackupSchedule) error {
	existing, err := r.GetAll()
	if err != nil {
		return err
	}
	lastRuns := make(map[string]*time.Time)
	for _, s := range existing {
		lastRuns[s.ConnectionID+"|"+string(s.Schedule)+"|"+s.Time] = s.LastRun
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM backup_schedules`); err != nil {
		return err
	}
	for _, s := range schedules {
		lastRun := s.LastRun
		if lastRun == nil {
			lastRun = lastRuns[s.ConnectionID+"|"+string(s.Schedule)+"|"+s.Time]
		}
		var lastRunVal interface{}
		if lastRun != nil {
			lastRunVal = lastRun.UTC()
		}
		_, err := tx.Exec(`INSERT INTO backup_schedules (connection_id, enabled, schedule, time, day, output_dir, last_run) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.ConnectionID, boolToInt(s.Enabled), string(s.Schedule), s.Time, s.Day, s.OutputDir, lastRunVal)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *ScheduleRepo) TouchLastRun(connectionID string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE backup_schedules SET last_run=? WHERE connection_id=?`, at.UTC(), connectionID)
	return err
}

func (r *ScheduleRepo) DeleteByConnection(connectionID string) error {
	_, err := r.db.Exec(`DELETE FROM backup_schedules WHERE connection_id=?`, connectionID)
	return err
}
