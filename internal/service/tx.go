package service

import (
	"context"
	"time"

	"dbdesk/internal/core"

	"github.com/google/uuid"
)

// TxCoordinator layers the begin/commit/rollback state machine on top of
// SessionManager. Transaction state is local to the session: the
// transaction runs on the session's pinned physical connection, never on a
// different pooled one.
type TxCoordinator struct {
	registry *Registry
	sessions *SessionManager
	cache    *QueryCache
	audit    *AuditLogger
}

func NewTxCoordinator(registry *Registry, sessions *SessionManager, cache *QueryCache, audit *AuditLogger) *TxCoordinator {
	return &TxCoordinator{
		registry: registry,
		sessions: sessions,
		cache:    cache,
		audit:    audit,
	}
}

// Begin opens a transaction on the session. Fails if one is already active;
// transactions never stack.
func (t *TxCoordinator) Begin(ctx context.Context, connectionID, sessionID string) (*core.Transaction, error) {
	db, _, err := t.registry.Resolve(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	session, err := t.sessions.GetOrCreate(connectionID, sessionID)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.tx != nil {
		return nil, core.Ef(core.KindConflict, "transaction already active on session %s", sessionID)
	}
	if err := session.pin(ctx, db); err != nil {
		return nil, err
	}
	tx, err := session.pinned.BeginTx(ctx, nil)
	if err != nil {
		return nil, core.E(core.KindDriver, "begin transaction", err)
	}
	session.tx = tx
	session.txMeta = &core.Transaction{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StartedAt: time.Now(),
		State:     core.TxActive,
	}
	session.lastUsed = time.Now()

	t.audit.Record(core.AuditEntry{
		Op:           core.OpTxBegin,
		Detail:       "tx " + session.txMeta.ID,
		ConnectionID: connectionID,
	})
	return session.txMeta, nil
}

// Commit commits the session's transaction and invalidates the cache the
// way the writes inside it would have.
func (t *TxCoordinator) Commit(ctx context.Context, connectionID, sessionID string) error {
	return t.finish(ctx, connectionID, sessionID, true)
}

// Rollback aborts the session's transaction.
func (t *TxCoordinator) Rollback(ctx context.Context, connectionID, sessionID string) error {
	return t.finish(ctx, connectionID, sessionID, false)
}

func (t *TxCoordinator) finish(ctx context.Context, connectionID, sessionID string, commit bool) error {
	session, err := t.sessions.GetOrCreate(connectionID, sessionID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.tx == nil {
		return core.Ef(core.KindNoActiveTransaction, "no active transaction on session %s", sessionID)
	}

	op := core.OpTxRollback
	if commit {
		op = core.OpTxCommit
		err = session.tx.Commit()
		session.txMeta.State = core.TxCommitted
	} else {
		err = session.tx.Rollback()
		session.txMeta.State = core.TxRolledBack
	}
	txID := session.txMeta.ID
	session.tx = nil
	session.txMeta = nil
	session.lastUsed = time.Now()

	// The pin stays only while a database override still needs it; a
	// released pin is discarded, never returned dirty to the pool.
	if session.currentDatabase == "" {
		session.unpin()
	}

	// Committed or rolled-back state on the connection may differ from any
	// cached read either way.
	database := session.currentDatabase
	t.cache.EvictDatabase(connectionID, database)

	t.audit.Record(core.AuditEntry{
		Op:           op,
		Detail:       "tx " + txID,
		ConnectionID: connectionID,
		Database:     database,
	})

	if err != nil {
		return core.E(core.KindDriver, op, err)
	}
	return nil
}
