package store_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/makalaaneesh/create-or-find/db"
	"github.com/makalaaneesh/create-or-find/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIsolationLevel(t *testing.T) {
	cases := []struct {
		in   string
		want store.IsolationLevel
	}{
		{"repeatable_read", store.RepeatableRead},
		{"REPEATABLE READ", store.RepeatableRead},
		{"repeatable-read", store.RepeatableRead},
		{"read_committed", store.ReadCommitted},
		{"  Read Committed ", store.ReadCommitted},
	}
	for _, c := range cases {
		got, err := store.ParseIsolationLevel(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}

	for _, bad := range []string{"", "serializable", "read uncommitted", "snapshot"} {
		_, err := store.ParseIsolationLevel(bad)
		assert.ErrorIs(t, err, store.ErrUnsupportedIsolationLevel, bad)
	}
}

// failingBackend records whether BeginTx was reached.
type failingBackend struct {
	called bool
}

func (b *failingBackend) BeginTx(context.Context, store.IsolationLevel) (store.BackendTx, error) {
	b.called = true
	return nil, errors.New("connection refused")
}

func TestBeginTransactionValidatesBeforeBackend(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{}
	s := store.New(backend)

	_, err := s.BeginTransaction(ctx, "chaos")
	assert.ErrorIs(t, err, store.ErrUnsupportedIsolationLevel)
	assert.False(t, backend.called)

	_, err = s.BeginTransaction(ctx, store.ReadCommitted)
	require.Error(t, err)
	assert.True(t, backend.called)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCreateOrFindCreatesThenFinds(t *testing.T) {
	ctx := context.Background()
	s := store.New(db.NewSimpleDBMVCC())

	var created, found store.Employee
	require.NoError(t, s.Transaction(ctx, store.RepeatableRead, func(tx *store.Transaction) error {
		var err error
		created, err = tx.CreateOrFind(ctx, "1")
		return err
	}))
	require.NoError(t, s.Transaction(ctx, store.ReadCommitted, func(tx *store.Transaction) error {
		var err error
		found, err = tx.CreateOrFind(ctx, "1")
		return err
	}))
	assert.Equal(t, created, found)

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.Employee{created}, all)
}

func TestCreateOrFindIsIdempotentWithinTransaction(t *testing.T) {
	ctx := context.Background()
	s := store.New(db.NewSimpleDBMVCC())

	tx, err := s.BeginTransaction(ctx, store.RepeatableRead)
	require.NoError(t, err)
	first, err := tx.CreateOrFind(ctx, "1")
	require.NoError(t, err)
	second, err := tx.CreateOrFind(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.NoError(t, tx.Commit(ctx))
}

func TestTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := store.New(db.NewSimpleDBMVCC())
	boom := errors.New("boom")

	err := s.Transaction(ctx, store.ReadCommitted, func(tx *store.Transaction) error {
		if _, err := tx.CreateOrFind(ctx, "1"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

// brokenRollbackBackend hands out transactions whose Rollback reports an
// error after rolling back the underlying transaction.
type brokenRollbackBackend struct {
	*db.SimpleDBMVCC
}

type brokenRollbackTx struct {
	store.BackendTx
}

func (b brokenRollbackBackend) BeginTx(ctx context.Context, level store.IsolationLevel) (store.BackendTx, error) {
	btx, err := b.SimpleDBMVCC.BeginTx(ctx, level)
	if err != nil {
		return nil, err
	}
	return brokenRollbackTx{btx}, nil
}

func (tx brokenRollbackTx) Rollback(ctx context.Context) error {
	if err := tx.BackendTx.Rollback(ctx); err != nil {
		return err
	}
	return errors.New("connection reset during rollback")
}

func TestTransactionKeepsRollbackError(t *testing.T) {
	ctx := context.Background()
	s := store.New(brokenRollbackBackend{db.NewSimpleDBMVCC()})
	boom := errors.New("boom")

	err := s.Transaction(ctx, store.ReadCommitted, func(tx *store.Transaction) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "boom", err.Error())
	assert.Contains(t, fmt.Sprintf("%+v", err), "connection reset during rollback")
}

func TestFinishedTransactionReturnsErrTransactionDone(t *testing.T) {
	ctx := context.Background()
	s := store.New(db.NewSimpleDBMVCC())

	tx, err := s.BeginTransaction(ctx, store.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	_, err = tx.CreateOrFind(ctx, "1")
	assert.ErrorIs(t, err, store.ErrTransactionDone)
	_, _, err = tx.First(ctx)
	assert.ErrorIs(t, err, store.ErrTransactionDone)
	_, err = tx.FindBySSN(ctx, "1")
	assert.ErrorIs(t, err, store.ErrTransactionDone)
	for _, err := range tx.FindAll(ctx) {
		assert.ErrorIs(t, err, store.ErrTransactionDone)
	}
	assert.ErrorIs(t, tx.Commit(ctx), store.ErrTransactionDone)
	assert.ErrorIs(t, tx.Rollback(ctx), store.ErrTransactionDone)
}

func TestFirstOnEmptyTable(t *testing.T) {
	ctx := context.Background()
	s := store.New(db.NewSimpleDBMVCC())

	tx, err := s.BeginTransaction(ctx, store.RepeatableRead)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, ok, err := tx.First(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = tx.FindBySSN(ctx, "1")
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
}

func TestFindAllStopsEarly(t *testing.T) {
	ctx := context.Background()
	s := store.New(db.NewSimpleDBMVCC())
	for _, ssn := range []string{"b", "a", "c"} {
		_, err := s.Create(ctx, ssn)
		require.NoError(t, err)
	}

	tx, err := s.BeginTransaction(ctx, store.ReadCommitted)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	var seen []string
	for e, err := range tx.FindAll(ctx) {
		require.NoError(t, err)
		seen = append(seen, e.SSN)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestCreateOrFindLogsLookupFallback(t *testing.T) {
	ctx := context.Background()
	backend := db.NewSimpleDBMVCC()
	var buf bytes.Buffer
	s := store.New(backend, store.WithName("a"), store.WithLogger(zerolog.New(&buf)))

	_, err := store.New(backend).Create(ctx, "1")
	require.NoError(t, err)

	require.NoError(t, s.Transaction(ctx, store.ReadCommitted, func(tx *store.Transaction) error {
		_, err := tx.CreateOrFind(ctx, "1")
		return err
	}))
	assert.Contains(t, buf.String(), "looking up existing row")
	assert.Contains(t, buf.String(), `"client":"a"`)
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	s := store.New(db.NewSimpleDBMVCC())
	for _, ssn := range []string{"1", "2"} {
		_, err := s.Create(ctx, ssn)
		require.NoError(t, err)
	}
	n, err := s.DeleteAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
