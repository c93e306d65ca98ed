package service

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"
	"time"

	"dbdesk/internal/core"
	"dbdesk/internal/logger"
)

// querier is the common surface of *sql.DB, *sql.Conn and *sql.Tx the
// executor runs statements through.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Session is one UI tab's logical handle onto a connection. It carries the
// tab's current database and transaction state; neither ever leaks to other
// sessions on the same connection.
type Session struct {
	ConnectionID string
	SessionID    string

	mu              sync.Mutex
	currentDatabase string
	pinned          *sql.Conn
	tx              *sql.Tx
	txMeta          *core.Transaction
	lastUsed        time.Time
}

// CurrentDatabase returns the database this session last switched to, or ""
// for the connection default.
func (s *Session) CurrentDatabase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentDatabase
}

// InTx reports whether the session holds an open transaction.
func (s *Session) InTx() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// acquire returns the handle a statement must run through and a release
// function. The session lock is held until release, serializing statements
// within one session; the shared pool stays available to other sessions. An
// open transaction or a database switch routes everything through the
// session's pinned physical connection.
func (s *Session) acquire(db *sql.DB) (querier, func()) {
	s.mu.Lock()
	s.lastUsed = time.Now()
	if s.tx != nil {
		return s.tx, s.mu.Unlock
	}
	if s.pinned != nil {
		return s.pinned, s.mu.Unlock
	}
	return db, s.mu.Unlock
}

// pin lazily attaches a dedicated physical connection to the session.
// Callers hold s.mu.
func (s *Session) pin(ctx context.Context, db *sql.DB) error {
	if s.pinned != nil {
		return nil
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return core.E(core.KindConnection, "acquire dedicated connection", err)
	}
	s.pinned = conn
	return nil
}

// unpin discards the pinned connection. The raw conn is marked bad so the
// pool drops it instead of reusing it with USE/search_path state applied.
// Callers hold s.mu.
func (s *Session) unpin() {
	if s.pinned == nil {
		return
	}
	_ = s.pinned.Raw(func(interface{}) error { return driver.ErrBadConn })
	_ = s.pinned.Close()
	s.pinned = nil
}

// SessionManager maps (connectionId, sessionId) pairs to sessions.
type SessionManager struct {
	registry *Registry

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionManager(registry *Registry) *SessionManager {
	sm := &SessionManager{
		registry: registry,
		sessions: make(map[string]*Session),
	}
	registry.OnInvalidate(sm.CloseConnection)
	return sm
}

// GetOrCreate returns the session for a (connection, session) pair, creating
// it idempotently on first use. Concurrent first-use from the same tab
// yields one session.
func (sm *SessionManager) GetOrCreate(connectionID, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, core.Ef(core.KindValidation, "sessionId is required")
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[sessionID]; ok {
		if s.ConnectionID != connectionID {
			return nil, core.Ef(core.KindConflict, "session %s belongs to connection %s", sessionID, s.ConnectionID)
		}
		return s, nil
	}
	s := &Session{
		ConnectionID: connectionID,
		SessionID:    sessionID,
		lastUsed:     time.Now(),
	}
	sm.sessions[sessionID] = s
	return s, nil
}

// SetDatabase switches the session's default database without affecting any
// other session on the same connection.
func (sm *SessionManager) SetDatabase(ctx context.Context, connectionID, sessionID, database string) error {
	s, err := sm.GetOrCreate(connectionID, sessionID)
	if err != nil {
		return err
	}
	db, cfg, err := sm.registry.Resolve(ctx, connectionID)
	if err != nil {
		return err
	}
	if cfg.Type == core.DialectSQLite {
		return core.Ef(core.KindValidation, "sqlite connections are single-database")
	}

	stmt := useStatement(cfg.Type, database)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		if _, err := s.tx.ExecContext(ctx, stmt); err != nil {
			return core.E(core.KindDriver, fmt.Sprintf("switch to database %s", database), err)
		}
		s.currentDatabase = database
		return nil
	}
	if err := s.pin(ctx, db); err != nil {
		return err
	}
	if _, err := s.pinned.ExecContext(ctx, stmt); err != nil {
		return core.E(core.KindDriver, fmt.Sprintf("switch to database %s", database), err)
	}
	s.currentDatabase = database
	return nil
}

// Close tears down a session, rolling back any open transaction first so no
// dangling transaction remains on the shared connection.
func (sm *SessionManager) Close(sessionID string) {
	sm.mu.Lock()
	s := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()
	if s == nil {
		return
	}
	sm.teardown(s)
}

// CloseConnection drops every session scoped to a connection. Registered as
// the registry's invalidation hook; the pooled handle may already be gone,
// so rollback failures are expected and only logged.
func (sm *SessionManager) CloseConnection(connectionID string) {
	sm.mu.Lock()
	var victims []*Session
	for id, s := range sm.sessions {
		if s.ConnectionID == connectionID {
			victims = append(victims, s)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()
	for _, s := range victims {
		sm.teardown(s)
	}
}

func (sm *SessionManager) teardown(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		if err := s.tx.Rollback(); err != nil {
			logger.L().Warnw("rollback on session close", "session", s.SessionID, "error", err)
		}
		if s.txMeta != nil {
			s.txMeta.State = core.TxRolledBack
		}
		s.tx = nil
	}
	s.unpin()
}

// StartReaper closes sessions idle longer than maxIdle. Runs until ctx is
// cancelled.
func (sm *SessionManager) StartReaper(ctx context.Context, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(maxIdle / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sm.reap(maxIdle)
			}
		}
	}()
}

func (sm *SessionManager) reap(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	sm.mu.Lock()
	var victims []*Session
	for id, s := range sm.sessions {
		s.mu.Lock()
		idle := s.lastUsed.Before(cutoff)
		s.mu.Unlock()
		if idle {
			victims = append(victims, s)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()
	for _, s := range victims {
		logger.L().Infow("reaping idle session", "session", s.SessionID)
		sm.teardown(s)
	}
}

// useStatement builds the dialect's database-switch statement. Database
// names are identifiers and cannot be bound as parameters, so they are
// quoted explicitly.
func useStatement(dialect core.Dialect, database string) string {
	if dialect == core.DialectPostgres {
		return fmt.Sprintf(`SET search_path TO %s`, quoteIdent(dialect, database))
	}
	return fmt.Sprintf("USE %s", quoteIdent(dialect, database))
}

// quoteIdent quotes an identifier for the dialect, doubling embedded quotes.
func quoteIdent(dialect core.Dialect, name string) string {
	if dialect == core.DialectMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
