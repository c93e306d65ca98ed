package data

import (
	"testing"
	"time"

	"dbdesk/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceAllCarriesLastRun(t *testing.T) {
	db, err := InitDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	repo := NewScheduleRepo(db)

	sched := core.BackupSchedule{
		ConnectionID: "conn1",
		Enabled:      true,
		Schedule:     core.CadenceDaily,
		Time:         "03:00",
	}
	require.NoError(t, repo.ReplaceAll([]core.BackupSchedule{sched}))

	ranAt := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	require.NoError(t, repo.TouchLastRun("conn1", ranAt))

	// Saving the same schedule again must not re-arm it.
	require.NoError(t, repo.ReplaceAll([]core.BackupSchedule{sched}))
	got, err := repo.GetAll()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].LastRun)
	assert.True(t, got[0].LastRun.Equal(ranAt))

	// Changing the fire time is a different schedule; lastRun resets.
	sched.Time = "04:00"
	require.NoError(t, repo.ReplaceAll([]core.BackupSchedule{sched}))
	got, err = repo.GetAll()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].LastRun)
}

func TestDeleteByConnection(t *testing.T) {
	db, err := InitDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	repo := NewScheduleRepo(db)

	require.NoError(t, repo.ReplaceAll([]core.BackupSchedule{
		{ConnectionID: "conn1", Schedule: core.CadenceDaily, Time: "03:00"},
		{ConnectionID: "conn2", Schedule: core.CadenceDaily, Time: "03:00"},
	}))

	require.NoError(t, repo.DeleteByConnection("conn1"))
	got, err := repo.GetAll()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "conn2", got[0].ConnectionID)
}
