package core

import (
	"time"
)

// Dialect identifies the database flavor of a connection.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgresql"
	DialectSQLite   Dialect = "sqlite"
)

// Valid reports whether d is one of the supported dialects.
func (d Dialect) Valid() bool {
	switch d {
	case DialectMySQL, DialectPostgres, DialectSQLite:
		return true
	}
	return false
}

// DriverName returns the database/sql driver name registered for d.
func (d Dialect) DriverName() string {
	switch d {
	case DialectMySQL:
		return "mysql"
	case DialectPostgres:
		return "postgres"
	default:
		return "sqlite"
	}
}

// SSHTunnel describes an optional SSH hop in front of a connection.
type SSHTunnel struct {
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	Username    string `json:"username" yaml:"username"`
	PasswordEnc string `json:"-" yaml:"-"`
}

// Connection is a user-configured database endpoint. ID is immutable and
// unique; PasswordEnc holds the AES-GCM ciphertext of the password (empty
// when the password is resolved elsewhere at connect time).
type Connection struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        Dialect    `json:"type"`
	Host        string     `json:"host"`
	Port        int        `json:"port"`
	Username    string     `json:"username"`
	PasswordEnc string     `json:"-"`
	Database    string     `json:"database,omitempty"`
	UseSSL      bool       `json:"useSSL"`
	SSHTunnel   *SSHTunnel `json:"sshTunnel,omitempty"`
}

// TxState is the lifecycle state of a transaction.
type TxState string

const (
	TxActive     TxState = "active"
	TxCommitted  TxState = "committed"
	TxRolledBack TxState = "rolledback"
)

// Transaction is the metadata of a session's transaction. Terminal once
// committed or rolled back.
type Transaction struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
	State     TxState   `json:"state"`
}

// QueryResult is the flat, driver-agnostic result of one statement.
type QueryResult struct {
	Columns         []string                 `json:"columns"`
	Rows            []map[string]interface{} `json:"rows"`
	RowCount        int                      `json:"rowCount"`
	ExecutionTimeMs int64                    `json:"executionTime"`
	Cached          bool                     `json:"cached"`
}

// BackupRecord is an immutable pointer to a dump artifact on disk.
type BackupRecord struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connectionId"`
	Path         string    `json:"path"`
	At           time.Time `json:"at"`
}

// Cadence is how often a schedule fires.
type Cadence string

const (
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
)

// BackupSchedule is one recurring unattended-backup rule. Schedules are
// replaced as a whole list on save; LastRun is system-written only.
type BackupSchedule struct {
	ConnectionID string     `json:"connectionId" yaml:"connection"`
	Enabled      bool       `json:"enabled" yaml:"enabled"`
	Schedule     Cadence    `json:"schedule" yaml:"schedule"`
	Time         string     `json:"time" yaml:"time"` // "HH:MM", local time
	Day          int        `json:"day" yaml:"day"`   // 0=Sunday, weekly only
	OutputDir    string     `json:"outputDir" yaml:"outputDir"`
	LastRun      *time.Time `json:"lastRun,omitempty" yaml:"-"`
}

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID           int64     `json:"id"`
	At           time.Time `json:"at"`
	Op           string    `json:"op"`
	Detail       string    `json:"detail"`
	ConnectionID string    `json:"connectionId,omitempty"`
	Database     string    `json:"database,omitempty"`
	Table        string    `json:"table,omitempty"`
}

// Audit op names as recorded in the log.
const (
	OpQuery            = "query"
	OpTxBegin          = "tx_begin"
	OpTxCommit         = "tx_commit"
	OpTxRollback       = "tx_rollback"
	OpConnectionCreate = "connection_create"
	OpConnectionUpdate = "connection_update"
	OpConnectionDelete = "connection_delete"
	OpBackupRun        = "backup_run"
	OpBackupRestore    = "backup_restore"
	OpBackupDelete     = "backup_delete"
	OpSchedulesReplace = "schedules_replace"
)

// Column is one normalized column of a table, dialect-independent.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	Default    string `json:"default,omitempty"`
	PrimaryKey bool   `json:"primaryKey"`
	Unique     bool   `json:"unique"`
}

// ForeignKey is one normalized foreign key constraint.
type ForeignKey struct {
	Name             string `json:"name,omitempty"`
	Column           string `json:"column"`
	ReferencedTable  string `json:"referencedTable"`
	ReferencedColumn string `json:"referencedColumn"`
	OnDelete         string `json:"onDelete,omitempty"`
	OnUpdate         string `json:"onUpdate,omitempty"`
}

// Index is one normalized secondary index.
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// TableSchema is the normalized shape of one table across dialects.
type TableSchema struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	ForeignKeys []ForeignKey `json:"foreignKeys"`
	Indexes     []Index      `json:"indexes"`
}

// CacheStats are process-lifetime cache counters.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}
