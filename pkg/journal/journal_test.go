package journal

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
)

func newSQLiteJournal(t *testing.T, clock func() time.Time) (*SQLJournal, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	j := NewSQLJournal(db).WithClock(clock)
	require.NoError(t, j.Init(context.Background()))
	return j, db
}

func forEachJournal(t *testing.T, fn func(t *testing.T, j Journal)) {
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryJournal().WithClock(clock)) })
	t.Run("sqlite", func(t *testing.T) {
		j, _ := newSQLiteJournal(t, clock)
		fn(t, j)
	})
}

func lockedRecord(id string) aeor.DeploymentRecord {
	return aeor.DeploymentRecord{
		DeploymentID:         id,
		PreMutationStateHash: "hash-abc",
		State:                aeor.StateLocked,
		Status:               aeor.StatusRegistered,
	}
}

func TestJournal_Lifecycle(t *testing.T) {
	forEachJournal(t, func(t *testing.T, j Journal) {
		ctx := context.Background()
		require.NoError(t, j.Begin(ctx, lockedRecord("dep-1")))

		require.NoError(t, j.Transition(ctx, "dep-1", aeor.StateLocked, aeor.StateExecuting, "", ""))
		require.NoError(t, j.Transition(ctx, "dep-1", aeor.StateExecuting, aeor.StateAudited, "", ""))
		require.NoError(t, j.Transition(ctx, "dep-1", aeor.StateAudited, aeor.StateCommitted, aeor.StatusSuccessCommitted, ""))

		rec, err := j.Get(ctx, "dep-1")
		require.NoError(t, err)
		assert.Equal(t, aeor.StateCommitted, rec.State)
		assert.Equal(t, aeor.StatusSuccessCommitted, rec.Status)
		assert.Equal(t, "hash-abc", rec.PreMutationStateHash)
		require.NotNil(t, rec.ArchivedAt)

		events, err := j.Events(ctx, "dep-1")
		require.NoError(t, err)
		require.Len(t, events, 4)
		assert.Equal(t, GenesisHash, events[0].PreviousHash)
		assert.Equal(t, events[2].Hash, events[3].PreviousHash)
		assert.NoError(t, j.Verify(ctx, "dep-1"))
	})
}

func TestJournal_BeginDuplicate(t *testing.T) {
	forEachJournal(t, func(t *testing.T, j Journal) {
		ctx := context.Background()
		require.NoError(t, j.Begin(ctx, lockedRecord("dep-1")))
		assert.ErrorIs(t, j.Begin(ctx, lockedRecord("dep-1")), ErrExists)
	})
}

func TestJournal_CompareAndSet(t *testing.T) {
	forEachJournal(t, func(t *testing.T, j Journal) {
		ctx := context.Background()
		require.NoError(t, j.Begin(ctx, lockedRecord("dep-1")))

		err := j.Transition(ctx, "dep-1", aeor.StateAudited, aeor.StateCommitted, "", "")
		assert.ErrorIs(t, err, ErrConflict)

		err = j.Transition(ctx, "ghost", aeor.StateLocked, aeor.StateExecuting, "", "")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, j.Transition(ctx, "dep-1", aeor.StateLocked, aeor.StateRolledBack, aeor.StatusRollbackMandated, "veto"))
		err = j.Transition(ctx, "dep-1", aeor.StateRolledBack, aeor.StateExecuting, "", "")
		assert.ErrorIs(t, err, ErrTerminal)

		rec, err := j.Get(ctx, "dep-1")
		require.NoError(t, err)
		assert.Equal(t, "veto", rec.Reason)
	})
}

func TestJournal_List(t *testing.T) {
	forEachJournal(t, func(t *testing.T, j Journal) {
		ctx := context.Background()
		require.NoError(t, j.Begin(ctx, lockedRecord("dep-a")))
		require.NoError(t, j.Begin(ctx, lockedRecord("dep-b")))
		require.NoError(t, j.Transition(ctx, "dep-b", aeor.StateLocked, aeor.StateExecuting, "", ""))

		all, err := j.List(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		locked, err := j.List(ctx, aeor.StateLocked)
		require.NoError(t, err)
		require.Len(t, locked, 1)
		assert.Equal(t, "dep-a", locked[0].DeploymentID)
	})
}

func TestMemoryJournal_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	require.NoError(t, j.Begin(ctx, lockedRecord("dep-1")))
	require.NoError(t, j.Transition(ctx, "dep-1", aeor.StateLocked, aeor.StateRolledBack, aeor.StatusC04RollbackForced, "sandbox veto"))

	j.events["dep-1"][1].Reason = "nothing happened"
	assert.ErrorIs(t, j.Verify(ctx, "dep-1"), ErrChainBroken)
}

func TestSQLJournal_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	j, db := newSQLiteJournal(t, time.Now)
	require.NoError(t, j.Begin(ctx, lockedRecord("dep-1")))
	require.NoError(t, j.Transition(ctx, "dep-1", aeor.StateLocked, aeor.StateRolledBack, aeor.StatusC04RollbackForced, "sandbox veto"))
	require.NoError(t, j.Verify(ctx, "dep-1"))

	_, err := db.ExecContext(ctx, `UPDATE deployment_events SET reason = 'nothing happened' WHERE sequence = 2`)
	require.NoError(t, err)
	assert.ErrorIs(t, j.Verify(ctx, "dep-1"), ErrChainBroken)
}

func TestSQLJournal_TransitionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	j := NewSQLJournal(db)
	now := time.Now().UnixNano()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM deployment_records WHERE deployment_id = \$1`).
		WithArgs("dep-1").
		WillReturnRows(sqlmock.NewRows([]string{"deployment_id", "pre_mutation_state_hash", "state", "status", "reason", "created_at", "updated_at", "archived_at"}).
			AddRow("dep-1", "hash-abc", "LOCKED", "REGISTERED", "", now, now, nil))
	mock.ExpectQuery(`SELECT sequence, hash FROM deployment_events`).
		WithArgs("dep-1").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "hash"}).AddRow(int64(1), "sha256:abc"))
	// Another writer moved the record first.
	mock.ExpectExec(`UPDATE deployment_records .* WHERE deployment_id = \$6 AND state = \$7`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = j.Transition(context.Background(), "dep-1", aeor.StateLocked, aeor.StateExecuting, "", "")
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSealIsDeterministic(t *testing.T) {
	e := Event{DeploymentID: "dep-1", Sequence: 1, To: aeor.StateLocked, At: time.Unix(0, 42).UTC()}
	a, err := seal(e, GenesisHash)
	require.NoError(t, err)
	b, err := seal(e, GenesisHash)
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, a.Hash)
}
