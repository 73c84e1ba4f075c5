// Package scenariotest holds create-or-find scenarios shared by every
// backend's tests. Each backend test calls the scenarios with an Opener that
// hands out two clients of the same, empty employees table.
package scenariotest

import (
	"context"
	"testing"

	"github.com/makalaaneesh/create-or-find/harness"
	"github.com/makalaaneesh/create-or-find/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Opener returns two independent clients of one empty employees table.
// primary plays the driven transaction, secondary the concurrent writer.
type Opener func(t *testing.T) (primary, secondary *store.Store)

// Scenario is a named scenario, for RunAll.
type Scenario struct {
	Name string
	Run  func(t *testing.T, open Opener)
}

var Scenarios = []Scenario{
	{"SSNIsUnique", TestSSNIsUnique},
	{"ClientsShareTable", TestClientsShareTable},
	{"ClientsUseIndependentTransactions", TestClientsUseIndependentTransactions},
	{"UnsupportedIsolationLevel", TestUnsupportedIsolationLevel},
	{"DriveCreatesEmployee", TestDriveCreatesEmployee},
	{"ReadCommittedConflictBeforeSelect", TestReadCommittedConflictBeforeSelect},
	{"ReadCommittedConflictAfterSelect", TestReadCommittedConflictAfterSelect},
	{"RepeatableReadConflictBeforeSelect", TestRepeatableReadConflictBeforeSelect},
	{"RepeatableReadConflictAfterSelect", TestRepeatableReadConflictAfterSelect},
	{"RepeatableReadConflictAfterCreateOrFind", TestRepeatableReadConflictAfterCreateOrFind},
	{"FindAllFollowsIsolationLevel", TestFindAllFollowsIsolationLevel},
	{"TransactionOutlivesBeginContext", TestTransactionOutlivesBeginContext},
}

// RunAll runs every scenario as a subtest.
func RunAll(t *testing.T, open Opener) {
	for _, s := range Scenarios {
		t.Run(s.Name, func(t *testing.T) {
			s.Run(t, open)
		})
	}
}

func expectCheckpoint(t *testing.T, ctx context.Context, d *harness.Driver, want harness.Checkpoint) {
	t.Helper()
	step, err := d.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, want, step.Checkpoint)
}

func expectResult(t *testing.T, ctx context.Context, d *harness.Driver) store.Employee {
	t.Helper()
	step, err := d.Next(ctx)
	require.NoError(t, err)
	require.True(t, step.IsResult(), "expected the employee, got checkpoint %q", step.Checkpoint)
	return *step.Employee
}

// driveToEnd walks a driver through every checkpoint and returns the employee.
func driveToEnd(t *testing.T, ctx context.Context, d *harness.Driver) store.Employee {
	t.Helper()
	expectCheckpoint(t, ctx, d, harness.TransactionStarted)
	expectCheckpoint(t, ctx, d, harness.SelectPerformed)
	expectCheckpoint(t, ctx, d, harness.EmployeeCreatedOrFound)
	expectCheckpoint(t, ctx, d, harness.TransactionEnded)
	return expectResult(t, ctx, d)
}

func ssns(t *testing.T, ctx context.Context, s *store.Store) []string {
	t.Helper()
	all, err := s.All(ctx)
	require.NoError(t, err)
	out := []string{}
	for _, e := range all {
		out = append(out, e.SSN)
	}
	return out
}

func TestSSNIsUnique(t *testing.T, open Opener) {
	ctx := context.Background()
	primary, _ := open(t)

	_, err := primary.Create(ctx, "1")
	require.NoError(t, err)

	_, err = primary.Create(ctx, "1")
	assert.ErrorIs(t, err, store.ErrUniqueConstraintViolation)
	assert.Equal(t, []string{"1"}, ssns(t, ctx, primary))
}

func TestClientsShareTable(t *testing.T, open Opener) {
	ctx := context.Background()
	primary, secondary := open(t)

	_, err := primary.Create(ctx, "1")
	require.NoError(t, err)
	_, err = secondary.Create(ctx, "2")
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2"}, ssns(t, ctx, primary))
	assert.Equal(t, []string{"1", "2"}, ssns(t, ctx, secondary))
}

func TestClientsUseIndependentTransactions(t *testing.T, open Opener) {
	ctx := context.Background()
	primary, secondary := open(t)

	err := primary.Transaction(ctx, store.RepeatableRead, func(outer *store.Transaction) error {
		return secondary.Transaction(ctx, store.ReadCommitted, func(inner *store.Transaction) error {
			assert.Equal(t, store.RepeatableRead, outer.IsolationLevel())
			assert.Equal(t, store.ReadCommitted, inner.IsolationLevel())
			return nil
		})
	})
	require.NoError(t, err)

	// an uncommitted insert on one client stays invisible to the other
	tx, err := secondary.BeginTransaction(ctx, store.ReadCommitted)
	require.NoError(t, err)
	_, err = tx.CreateOrFind(ctx, "1")
	require.NoError(t, err)

	assert.Empty(t, ssns(t, ctx, primary))
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, []string{"1"}, ssns(t, ctx, primary))
}

func TestUnsupportedIsolationLevel(t *testing.T, open Opener) {
	ctx := context.Background()
	primary, _ := open(t)

	_, err := primary.BeginTransaction(ctx, store.IsolationLevel("read_uncommitted"))
	assert.ErrorIs(t, err, store.ErrUnsupportedIsolationLevel)

	d := harness.Drive(primary, store.IsolationLevel("serializable"), "1")
	_, err = d.Next(ctx)
	assert.ErrorIs(t, err, store.ErrUnsupportedIsolationLevel)
	assert.Equal(t, harness.Failed, d.State())
	assert.Empty(t, ssns(t, ctx, primary))
}

// A single actor creates the row; a second actor driving the same ssn later
// finds it instead of duplicating it.
func TestDriveCreatesEmployee(t *testing.T, open Opener) {
	ctx := context.Background()
	primary, secondary := open(t)

	d := harness.Drive(primary, store.RepeatableRead, "1")
	created := driveToEnd(t, ctx, d)
	assert.Equal(t, "1", created.SSN)
	assert.Equal(t, harness.Terminal, d.State())

	_, err := d.Next(ctx)
	assert.ErrorIs(t, err, harness.ErrExhausted)

	found := driveToEnd(t, ctx, harness.Drive(secondary, store.RepeatableRead, "1"))
	assert.Equal(t, created, found)
	assert.Equal(t, []string{"1"}, ssns(t, ctx, primary))
}

// Read-committed: the row committed before the select is visible to every
// later statement.
func TestReadCommittedConflictBeforeSelect(t *testing.T, open Opener) {
	ctx := context.Background()
	primary, secondary := open(t)

	d := harness.Drive(primary, store.ReadCommitted, "1")
	expectCheckpoint(t, ctx, d, harness.TransactionStarted)
	theirs, err := secondary.Create(ctx, "1")
	require.NoError(t, err)
	expectCheckpoint(t, ctx, d, harness.SelectPerformed)
	expectCheckpoint(t, ctx, d, harness.EmployeeCreatedOrFound)
	expectCheckpoint(t, ctx, d, harness.TransactionEnded)

	assert.Equal(t, theirs, expectResult(t, ctx, d))
	assert.Equal(t, []string{"1"}, ssns(t, ctx, primary))
}

// Read-committed: even a row committed after the select is found, because the
// lookup takes a fresh snapshot.
func TestReadCommittedConflictAfterSelect(t *testing.T, open Opener) {
	ctx := context.Background()
	primary, secondary := open(t)

	d := harness.Drive(primary, store.ReadCommitted, "1")
	expectCheckpoint(t, ctx, d, harness.TransactionStarted)
	expectCheckpoint(t, ctx, d, harness.SelectPerformed)
	theirs, err := secondary.Create(ctx, "1")
	require.NoError(t, err)
	expectCheckpoint(t, ctx, d, harness.EmployeeCreatedOrFound)
	expectCheckpoint(t, ctx, d, harness.TransactionEnded)

	assert.Equal(t, theirs, expectResult(t, ctx, d))
	assert.Equal(t, []string{"1"}, ssns(t, ctx, primary))
}

// Repeatable-read: the snapshot is taken by the select, so a row committed
// between BEGIN and the select is still visible.
func TestRepeatableReadConflictBeforeSelect(t *testing.T, open Opener) {
	ctx := context.Background()
	primary, secondary := open(t)

	d := harness.Drive(primary, store.RepeatableRead, "1")
	expectCheckpoint(t, ctx, d, harness.TransactionStarted)
	theirs, err := secondary.Create(ctx, "1")
	require.NoError(t, err)
	expectCheckpoint(t, ctx, d, harness.SelectPerformed)
	expectCheckpoint(t, ctx, d, harness.EmployeeCreatedOrFound)
	expectCheckpoint(t, ctx, d, harness.TransactionEnded)

	assert.Equal(t, theirs, expectResult(t, ctx, d))
}

// Repeatable-read: a row committed after the snapshot makes the insert fail
// on the unique index while staying invisible to the lookup.
func TestRepeatableReadConflictAfterSelect(t *testing.T, open Opener) {
	ctx := context.Background()
	primary, secondary := open(t)

	d := harness.Drive(primary, store.RepeatableRead, "1")
	expectCheckpoint(t, ctx, d, harness.TransactionStarted)
	expectCheckpoint(t, ctx, d, harness.SelectPerformed)
	theirs, err := secondary.Create(ctx, "1")
	require.NoError(t, err)

	_, err = d.Next(ctx)
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
	assert.Equal(t, harness.Failed, d.State())

	_, err = d.Next(ctx)
	assert.ErrorIs(t, err, harness.ErrExhausted)

	all, err := primary.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.Employee{theirs}, all)
}

// Repeatable-read: the primary commits first; the secondary's insert then
// fails and its lookup, in a transaction that started afterwards, finds the
// primary's row.
func TestRepeatableReadConflictAfterCreateOrFind(t *testing.T, open Opener) {
	ctx := context.Background()
	primary, secondary := open(t)

	d := harness.Drive(primary, store.RepeatableRead, "1")
	expectCheckpoint(t, ctx, d, harness.TransactionStarted)
	expectCheckpoint(t, ctx, d, harness.SelectPerformed)
	expectCheckpoint(t, ctx, d, harness.EmployeeCreatedOrFound)
	expectCheckpoint(t, ctx, d, harness.TransactionEnded)
	ours := expectResult(t, ctx, d)

	var theirs store.Employee
	err := secondary.Transaction(ctx, store.RepeatableRead, func(tx *store.Transaction) error {
		var err error
		theirs, err = tx.CreateOrFind(ctx, "1")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, ours, theirs)

	_, err = secondary.Create(ctx, "1")
	assert.ErrorIs(t, err, store.ErrUniqueConstraintViolation)
	assert.Equal(t, []string{"1"}, ssns(t, ctx, primary))
}

func TestFindAllFollowsIsolationLevel(t *testing.T, open Opener) {
	ctx := context.Background()
	primary, secondary := open(t)

	collect := func(tx *store.Transaction) []string {
		out := []string{}
		for e, err := range tx.FindAll(ctx) {
			require.NoError(t, err)
			out = append(out, e.SSN)
		}
		return out
	}

	_, err := secondary.Create(ctx, "2")
	require.NoError(t, err)

	rr, err := primary.BeginTransaction(ctx, store.RepeatableRead)
	require.NoError(t, err)
	defer rr.Rollback(ctx)
	rc, err := secondary.BeginTransaction(ctx, store.ReadCommitted)
	require.NoError(t, err)
	defer rc.Rollback(ctx)

	rrRows := rr.FindAll(ctx)
	assert.Equal(t, []string{"2"}, collect(rr))
	assert.Equal(t, []string{"2"}, collect(rc))

	_, err = primary.Create(ctx, "1")
	require.NoError(t, err)

	// ranging the same sequence again runs a new read
	got := []string{}
	for e, err := range rrRows {
		require.NoError(t, err)
		got = append(got, e.SSN)
	}
	assert.Equal(t, []string{"2"}, got)
	assert.Equal(t, []string{"1", "2"}, collect(rc))
}

// Cancelling the context a transaction was begun with does not end it; the
// transaction stays usable until it is committed.
func TestTransactionOutlivesBeginContext(t *testing.T, open Opener) {
	ctx := context.Background()
	primary, _ := open(t)

	beginCtx, cancel := context.WithCancel(ctx)
	tx, err := primary.BeginTransaction(beginCtx, store.RepeatableRead)
	require.NoError(t, err)
	cancel()

	e, err := tx.CreateOrFind(ctx, "1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, []string{e.SSN}, ssns(t, ctx, primary))
}
