package harness_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/makalaaneesh/create-or-find/db"
	"github.com/makalaaneesh/create-or-find/harness"
	"github.com/makalaaneesh/create-or-find/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clients() (*store.Store, *store.Store) {
	backend := db.NewSimpleDBMVCC()
	return store.New(backend, store.WithName("a")), store.New(backend, store.WithName("b"))
}

func TestDriveIsLazy(t *testing.T) {
	ctx := context.Background()
	a, b := clients()

	d := harness.Drive(a, store.RepeatableRead, "1")
	assert.Equal(t, harness.NotStarted, d.State())

	// nothing ran, so b can take the key without conflict
	_, err := b.Create(ctx, "1")
	require.NoError(t, err)
	all, err := a.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDriveStatesFollowCheckpoints(t *testing.T) {
	ctx := context.Background()
	a, _ := clients()
	d := harness.Drive(a, store.ReadCommitted, "7")

	want := []struct {
		cp    harness.Checkpoint
		state harness.State
	}{
		{harness.TransactionStarted, harness.TransactionOpen},
		{harness.SelectPerformed, harness.SelectDone},
		{harness.EmployeeCreatedOrFound, harness.CreateOrFindDone},
		{harness.TransactionEnded, harness.Ended},
	}
	for _, w := range want {
		step, err := d.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, w.cp, step.Checkpoint)
		assert.False(t, step.IsResult())
		assert.Equal(t, w.state, d.State())
	}

	step, err := d.Next(ctx)
	require.NoError(t, err)
	require.True(t, step.IsResult())
	assert.Equal(t, "7", step.Employee.SSN)
	assert.Equal(t, harness.Terminal, d.State())

	_, err = d.Next(ctx)
	assert.ErrorIs(t, err, harness.ErrExhausted)
}

func TestDriveCommitsOnlyAtTransactionEnded(t *testing.T) {
	ctx := context.Background()
	a, b := clients()
	d := harness.Drive(a, store.ReadCommitted, "1")

	for i := 0; i < 3; i++ {
		_, err := d.Next(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, harness.CreateOrFindDone, d.State())

	all, err := b.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "row must stay uncommitted until transaction_ended")

	step, err := d.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, harness.TransactionEnded, step.Checkpoint)

	all, err = b.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAllYieldsEveryStep(t *testing.T) {
	ctx := context.Background()
	a, _ := clients()
	d := harness.Drive(a, store.RepeatableRead, "1")

	var checkpoints []harness.Checkpoint
	var result *store.Employee
	for step, err := range d.All(ctx) {
		require.NoError(t, err)
		if step.IsResult() {
			result = step.Employee
			continue
		}
		checkpoints = append(checkpoints, step.Checkpoint)
	}
	assert.Equal(t, []harness.Checkpoint{
		harness.TransactionStarted,
		harness.SelectPerformed,
		harness.EmployeeCreatedOrFound,
		harness.TransactionEnded,
	}, checkpoints)
	require.NotNil(t, result)
	assert.Equal(t, "1", result.SSN)

	// not restartable
	for range d.All(ctx) {
		t.Fatal("exhausted driver yielded a step")
	}
}

func TestAllStopsAtError(t *testing.T) {
	ctx := context.Background()
	a, b := clients()
	d := harness.Drive(a, store.RepeatableRead, "1")

	var checkpoints []harness.Checkpoint
	var failure error
	for step, err := range d.All(ctx) {
		if err != nil {
			failure = err
			continue
		}
		checkpoints = append(checkpoints, step.Checkpoint)
		if step.Checkpoint == harness.SelectPerformed {
			_, err := b.Create(ctx, "1")
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []harness.Checkpoint{harness.TransactionStarted, harness.SelectPerformed}, checkpoints)
	assert.ErrorIs(t, failure, store.ErrRecordNotFound)
	assert.Equal(t, harness.Failed, d.State())
}

// openTxns counts the transactions the engine still has open.
func openTxns(t *testing.T, backend *db.SimpleDBMVCC) int {
	t.Helper()
	var buf bytes.Buffer
	backend.LogState(zerolog.New(&buf))
	var state struct {
		OpenTxns []json.RawMessage `json:"open_txns"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &state))
	return len(state.OpenTxns)
}

func TestFailedDriverRollsBack(t *testing.T) {
	ctx := context.Background()
	backend := db.NewSimpleDBMVCC()
	a := store.New(backend)
	b := store.New(backend)

	d := harness.Drive(a, store.RepeatableRead, "1")
	_, err := d.Next(ctx)
	require.NoError(t, err)
	_, err = d.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, openTxns(t, backend))

	_, err = b.Create(ctx, "1")
	require.NoError(t, err)
	_, err = d.Next(ctx)
	require.ErrorIs(t, err, store.ErrRecordNotFound)
	assert.Equal(t, harness.Failed, d.State())
	assert.Equal(t, 0, openTxns(t, backend), "failure must roll the transaction back")

	// nothing left to abort
	assert.NoError(t, d.Abort(ctx))
	assert.Equal(t, harness.Failed, d.State())
	_, err = d.Next(ctx)
	assert.ErrorIs(t, err, harness.ErrExhausted)
}

func TestAbortReleasesKey(t *testing.T) {
	ctx := context.Background()
	a, b := clients()
	d := harness.Drive(a, store.ReadCommitted, "1")
	for i := 0; i < 3; i++ {
		_, err := d.Next(ctx)
		require.NoError(t, err)
	}

	require.NoError(t, d.Abort(ctx))
	assert.Equal(t, harness.Failed, d.State())
	_, err := d.Next(ctx)
	assert.ErrorIs(t, err, harness.ErrExhausted)

	// the uncommitted insert is gone, so b does not block
	e, err := b.Create(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "1", e.SSN)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "create_or_find_done", harness.CreateOrFindDone.String())
	assert.Equal(t, "unknown", harness.State(42).String())
}
