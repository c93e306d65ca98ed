package service

import (
	"context"
	"testing"

	"dbdesk/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxStateMachine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// commit/rollback with nothing open is an error, not a crash
	err := env.tx.Commit(ctx, env.connID, "tab1")
	assert.Equal(t, core.KindNoActiveTransaction, core.KindOf(err))
	err = env.tx.Rollback(ctx, env.connID, "tab1")
	assert.Equal(t, core.KindNoActiveTransaction, core.KindOf(err))

	meta, err := env.tx.Begin(ctx, env.connID, "tab1")
	require.NoError(t, err)
	assert.Equal(t, core.TxActive, meta.State)

	// transactions never stack
	_, err = env.tx.Begin(ctx, env.connID, "tab1")
	assert.Equal(t, core.KindConflict, core.KindOf(err))

	require.NoError(t, env.tx.Commit(ctx, env.connID, "tab1"))
	err = env.tx.Commit(ctx, env.connID, "tab1")
	assert.Equal(t, core.KindNoActiveTransaction, core.KindOf(err))
}

func TestTxRollbackDiscardsWrites(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.executor.Execute(ctx, env.connID, "tab1", `CREATE TABLE t (n INTEGER)`, nil, nil)
	require.NoError(t, err)

	_, err = env.tx.Begin(ctx, env.connID, "tab1")
	require.NoError(t, err)
	_, err = env.executor.Execute(ctx, env.connID, "tab1", `INSERT INTO t (n) VALUES (7)`, nil, nil)
	require.NoError(t, err)

	// The session reads its own uncommitted write.
	res, err := env.executor.Execute(ctx, env.connID, "tab1", `SELECT n FROM t`, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.False(t, res.Cached, "in-tx reads bypass the cache")

	require.NoError(t, env.tx.Rollback(ctx, env.connID, "tab1"))

	res, err = env.executor.Execute(ctx, env.connID, "tab1", `SELECT n FROM t`, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}

func TestTxBypassesExistingCacheEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.executor.Execute(ctx, env.connID, "tab1", `CREATE TABLE t (n INTEGER)`, nil, nil)
	require.NoError(t, err)

	// Prime the cache outside any transaction.
	_, err = env.executor.Execute(ctx, env.connID, "tab1", `SELECT n FROM t`, nil, nil)
	require.NoError(t, err)
	res, err := env.executor.Execute(ctx, env.connID, "tab1", `SELECT n FROM t`, nil, nil)
	require.NoError(t, err)
	require.True(t, res.Cached)

	_, err = env.tx.Begin(ctx, env.connID, "tab1")
	require.NoError(t, err)
	session, err := env.sessions.GetOrCreate(env.connID, "tab1")
	require.NoError(t, err)
	require.True(t, session.InTx())

	// The primed entry must not be served to the transaction.
	res, err = env.executor.Execute(ctx, env.connID, "tab1", `SELECT n FROM t`, nil, nil)
	require.NoError(t, err)
	assert.False(t, res.Cached)

	require.NoError(t, env.tx.Rollback(ctx, env.connID, "tab1"))
	assert.False(t, session.InTx())
}

func TestTxCommitPersistsWrites(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.executor.Execute(ctx, env.connID, "tab1", `CREATE TABLE t (n INTEGER)`, nil, nil)
	require.NoError(t, err)

	_, err = env.tx.Begin(ctx, env.connID, "tab1")
	require.NoError(t, err)
	_, err = env.executor.Execute(ctx, env.connID, "tab1", `INSERT INTO t (n) VALUES (7)`, nil, nil)
	require.NoError(t, err)
	require.NoError(t, env.tx.Commit(ctx, env.connID, "tab1"))

	// A different session sees the committed row, uncached.
	res, err := env.executor.Execute(ctx, env.connID, "tab2", `SELECT n FROM t`, nil, nil)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	require.Len(t, res.Rows, 1)
}

func TestCloseSessionRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.executor.Execute(ctx, env.connID, "tab1", `CREATE TABLE t (n INTEGER)`, nil, nil)
	require.NoError(t, err)

	_, err = env.tx.Begin(ctx, env.connID, "tab1")
	require.NoError(t, err)
	_, err = env.executor.Execute(ctx, env.connID, "tab1", `INSERT INTO t (n) VALUES (1)`, nil, nil)
	require.NoError(t, err)

	env.sessions.Close("tab1")

	res, err := env.executor.Execute(ctx, env.connID, "tab2", `SELECT n FROM t`, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Rows, "closing a session must roll back its open transaction")
}
