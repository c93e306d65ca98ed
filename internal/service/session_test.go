package service

import (
	"context"
	"testing"

	"dbdesk/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateIdempotent(t *testing.T) {
	env := newTestEnv(t)

	a, err := env.sessions.GetOrCreate(env.connID, "tab1")
	require.NoError(t, err)
	b, err := env.sessions.GetOrCreate(env.connID, "tab1")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestGetOrCreateConnectionMismatch(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.sessions.GetOrCreate(env.connID, "tab1")
	require.NoError(t, err)

	// Same session ID cannot be re-bound to another connection.
	_, err = env.sessions.GetOrCreate("other-conn", "tab1")
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestGetOrCreateRequiresSessionID(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.sessions.GetOrCreate(env.connID, "")
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestSetDatabaseRejectedForSQLite(t *testing.T) {
	env := newTestEnv(t)

	err := env.sessions.SetDatabase(context.Background(), env.connID, "tab1", "main")
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestSessionStateStaysPerSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s1, err := env.sessions.GetOrCreate(env.connID, "tab1")
	require.NoError(t, err)
	s2, err := env.sessions.GetOrCreate(env.connID, "tab2")
	require.NoError(t, err)

	_, err = env.executor.Execute(ctx, env.connID, "tab1", `CREATE TABLE t (n INTEGER)`, nil, nil)
	require.NoError(t, err)
	_, err = env.executor.Execute(ctx, env.connID, "tab1", `SELECT n FROM t`, nil, nil)
	require.NoError(t, err)

	// A database switch on one session is invisible to the other. sqlite has
	// no USE, so the bookkeeping is set directly.
	s1.mu.Lock()
	s1.currentDatabase = "other"
	s1.mu.Unlock()

	assert.Equal(t, "other", s1.CurrentDatabase())
	assert.Equal(t, "", s2.CurrentDatabase())

	// tab2 still runs against the connection default, so it shares the cache
	// entry tab1 primed before switching. tab1 now scopes to a different
	// database and must not be served from it.
	res, err := env.executor.Execute(ctx, env.connID, "tab2", `SELECT n FROM t`, nil, nil)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	res, err = env.executor.Execute(ctx, env.connID, "tab1", `SELECT n FROM t`, nil, nil)
	require.NoError(t, err)
	assert.False(t, res.Cached)

	// A transaction on one session never bleeds into its siblings.
	s1.mu.Lock()
	s1.currentDatabase = ""
	s1.mu.Unlock()
	_, err = env.tx.Begin(ctx, env.connID, "tab1")
	require.NoError(t, err)
	assert.True(t, s1.InTx())
	assert.False(t, s2.InTx())
	s2.mu.Lock()
	assert.Nil(t, s2.pinned)
	s2.mu.Unlock()

	require.NoError(t, env.tx.Rollback(ctx, env.connID, "tab1"))
}

func TestCloseConnectionDropsSessions(t *testing.T) {
	env := newTestEnv(t)

	s, err := env.sessions.GetOrCreate(env.connID, "tab1")
	require.NoError(t, err)
	_, err = env.sessions.GetOrCreate(env.connID, "tab2")
	require.NoError(t, err)

	env.sessions.CloseConnection(env.connID)

	again, err := env.sessions.GetOrCreate(env.connID, "tab1")
	require.NoError(t, err)
	assert.NotSame(t, s, again, "sessions are recreated after the connection is closed")
}
