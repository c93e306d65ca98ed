package core

import "time"

// ConnectionRepository defines storage operations for configured connections
type ConnectionRepository interface {
	Create(conn *Connection) error
	GetAll() ([]Connection, error)
	GetByID(id string) (*Connection, error)
	GetByName(name string) (*Connection, error)
	Update(conn *Connection) error
	Delete(id string) error
}

// ScheduleRepository defines storage operations for backup schedules
type ScheduleRepository interface {
	GetAll() ([]BackupSchedule, error)
	ReplaceAll(schedules []BackupSchedule) error
	TouchLastRun(connectionID string, at time.Time) error
	DeleteByConnection(connectionID string) error
}

// BackupRepository defines storage operations for backup records
type BackupRepository interface {
	Create(rec *BackupRecord) error
	GetByConnection(connectionID string) ([]BackupRecord, error)
	GetByPath(path string) (*BackupRecord, error)
	DeleteByPath(path string) error
	DeleteByConnection(connectionID string) error
}

// AuditRepository defines storage operations for the append-only audit log
type AuditRepository interface {
	Create(entry *AuditEntry) error
	Query(limit int, since time.Time, opFilter string) ([]AuditEntry, error)
	GetAll() ([]AuditEntry, error)
}
