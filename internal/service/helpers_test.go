package service

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"dbdesk/internal/core"
	"dbdesk/internal/data"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

const testKey = "0123456789abcdef0123456789abcdef"

// testEnv wires real services over a sqlite metadata store and a sqlite
// target database, both in a temp dir.
type testEnv struct {
	store    *sql.DB
	registry *Registry
	sessions *SessionManager
	cache    *QueryCache
	audit    *AuditLogger
	executor *QueryExecutor
	tx       *TxCoordinator
	backups  *BackupService
	schema   *SchemaService

	connID string
	dbPath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := data.InitDB(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	crypto, err := NewEncryptionService(testKey)
	require.NoError(t, err)

	registry := NewRegistry(data.NewConnectionRepo(store), crypto)
	t.Cleanup(registry.Close)
	sessions := NewSessionManager(registry)
	cache := NewQueryCache(128, time.Minute)
	audit := NewAuditLogger(data.NewAuditRepo(store))
	executor := NewQueryExecutor(registry, sessions, cache, audit, 10*time.Second)
	tx := NewTxCoordinator(registry, sessions, cache, audit)
	backups := NewBackupService(registry, crypto, data.NewScheduleRepo(store), data.NewBackupRepo(store), audit, filepath.Join(dir, "backups"))
	schema := NewSchemaService(registry)
	executor.OnWrite(schema.Invalidate)

	dbPath := filepath.Join(dir, "target.db")
	conn := &core.Connection{
		Name:     "target",
		Type:     core.DialectSQLite,
		Database: dbPath,
	}
	require.NoError(t, registry.Create(conn, "", ""))

	return &testEnv{
		store:    store,
		registry: registry,
		sessions: sessions,
		cache:    cache,
		audit:    audit,
		executor: executor,
		tx:       tx,
		backups:  backups,
		schema:   schema,
		connID:   conn.ID,
		dbPath:   dbPath,
	}
}
