package db

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/makalaaneesh/create-or-find/store"
	"github.com/rs/zerolog"
	"github.com/tidwall/btree"
)

// rowVersion is one inserted employee row. A version becomes visible once
// its creator commits and invisible once its deleter commits.
type rowVersion struct {
	id  int64
	ssn string

	createdBy  int64
	createdSeq int64 // commit sequence of createdBy, 0 while uncommitted
	deletedBy  int64
	deletedSeq int64
}

type txnState struct {
	id    int64
	level store.IsolationLevel

	// snapshot is the highest commit sequence this transaction can see.
	snapshot    int64
	hasSnapshot bool

	created []*rowVersion
	deleted []*rowVersion

	// done is closed when the transaction commits or rolls back, releasing
	// inserters waiting on its uncommitted keys.
	done chan struct{}
}

// SimpleDBMVCC is an in-memory employees table with a unique index on ssn.
// It supports repeatable-read and read-committed transactions.
type SimpleDBMVCC struct {
	mu        sync.Mutex
	rows      btree.Map[string, []*rowVersion]
	nextTxnId int64
	nextRowId int64
	commitSeq int64
	txns      map[int64]*txnState
	log       zerolog.Logger
}

type Option func(*SimpleDBMVCC)

func WithLogger(l zerolog.Logger) Option {
	return func(d *SimpleDBMVCC) { d.log = l }
}

func NewSimpleDBMVCC(opts ...Option) *SimpleDBMVCC {
	d := &SimpleDBMVCC{
		nextTxnId: 1,
		nextRowId: 1,
		txns:      make(map[int64]*txnState),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ store.Backend = (*SimpleDBMVCC)(nil)

func (d *SimpleDBMVCC) BeginTx(ctx context.Context, level store.IsolationLevel) (store.BackendTx, error) {
	if err := level.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	txId := d.nextTxnId
	d.nextTxnId++
	d.txns[txId] = &txnState{
		id:    txId,
		level: level,
		done:  make(chan struct{}),
	}
	return &simpleTx{db: d, id: txId}, nil
}

// statement must be called with d.mu held at the start of every statement.
// Repeatable-read keeps the first snapshot; read-committed takes a new one.
func (d *SimpleDBMVCC) statement(txId int64) (*txnState, error) {
	t, ok := d.txns[txId]
	if !ok {
		return nil, errors.Newf("transaction %d is not active", txId)
	}
	if t.level == store.ReadCommitted || !t.hasSnapshot {
		t.snapshot = d.commitSeq
		t.hasSnapshot = true
	}
	return t, nil
}

func (t *txnState) sees(v *rowVersion) bool {
	created := v.createdBy == t.id || (v.createdSeq != 0 && v.createdSeq <= t.snapshot)
	if !created {
		return false
	}
	deleted := v.deletedBy == t.id || (v.deletedSeq != 0 && v.deletedSeq <= t.snapshot)
	return !deleted
}

func (t *txnState) visible(versions []*rowVersion) *rowVersion {
	for _, v := range versions {
		if t.sees(v) {
			return v
		}
	}
	return nil
}

// uniqueConflict checks the unique index for ssn on behalf of t, ignoring
// visibility. It returns a channel to wait on when the outcome depends on
// another transaction that has not finished yet.
func (d *SimpleDBMVCC) uniqueConflict(t *txnState, ssn string) (bool, <-chan struct{}) {
	versions, _ := d.rows.Get(ssn)
	for _, v := range versions {
		if v.deletedBy == t.id || v.deletedSeq != 0 {
			continue
		}
		if v.createdBy == t.id {
			return true, nil
		}
		if v.createdSeq == 0 {
			return false, d.txns[v.createdBy].done
		}
		if v.deletedBy != 0 {
			return false, d.txns[v.deletedBy].done
		}
		return true, nil
	}
	return false, nil
}

func (d *SimpleDBMVCC) insert(ctx context.Context, txId int64, ssn string) (store.Employee, error) {
	for {
		d.mu.Lock()
		t, err := d.statement(txId)
		if err != nil {
			d.mu.Unlock()
			return store.Employee{}, err
		}
		conflict, wait := d.uniqueConflict(t, ssn)
		if conflict {
			d.mu.Unlock()
			return store.Employee{}, errors.Wrapf(store.ErrUniqueConstraintViolation,
				"duplicate key value violates unique index on ssn (ssn)=(%s)", ssn)
		}
		if wait == nil {
			v := &rowVersion{id: d.nextRowId, ssn: ssn, createdBy: txId}
			d.nextRowId++
			versions, _ := d.rows.Get(ssn)
			d.rows.Set(ssn, append(versions, v))
			t.created = append(t.created, v)
			d.mu.Unlock()
			return store.Employee{ID: v.id, SSN: ssn}, nil
		}
		d.mu.Unlock()

		d.log.Debug().Int64("txn", txId).Str("ssn", ssn).Msg("insert waiting on concurrent writer")
		select {
		case <-wait:
		case <-ctx.Done():
			return store.Employee{}, errors.Wrapf(ctx.Err(), "waiting for lock on ssn=%s", ssn)
		}
	}
}

func (d *SimpleDBMVCC) findBySSN(txId int64, ssn string) (store.Employee, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.statement(txId)
	if err != nil {
		return store.Employee{}, err
	}
	versions, _ := d.rows.Get(ssn)
	v := t.visible(versions)
	if v == nil {
		return store.Employee{}, errors.Wrapf(store.ErrRecordNotFound, "employee ssn=%s", ssn)
	}
	return store.Employee{ID: v.id, SSN: v.ssn}, nil
}

func (d *SimpleDBMVCC) scan(txId int64, limit int) ([]store.Employee, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.statement(txId)
	if err != nil {
		return nil, err
	}
	var out []store.Employee
	d.rows.Scan(func(ssn string, versions []*rowVersion) bool {
		if v := t.visible(versions); v != nil {
			out = append(out, store.Employee{ID: v.id, SSN: v.ssn})
		}
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (d *SimpleDBMVCC) deleteAll(ctx context.Context, txId int64) (int64, error) {
	for {
		d.mu.Lock()
		t, err := d.statement(txId)
		if err != nil {
			d.mu.Unlock()
			return 0, err
		}
		var (
			targets []*rowVersion
			wait    <-chan struct{}
		)
		d.rows.Scan(func(_ string, versions []*rowVersion) bool {
			v := t.visible(versions)
			if v == nil {
				return true
			}
			if v.deletedBy != 0 && v.deletedBy != txId {
				wait = d.txns[v.deletedBy].done
				return false
			}
			targets = append(targets, v)
			return true
		})
		if wait == nil {
			for _, v := range targets {
				v.deletedBy = txId
				t.deleted = append(t.deleted, v)
			}
			d.mu.Unlock()
			return int64(len(targets)), nil
		}
		d.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return 0, errors.Wrap(ctx.Err(), "waiting for row lock")
		}
	}
}

func (d *SimpleDBMVCC) Commit(txId int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.txns[txId]
	if !ok {
		return errors.Newf("transaction %d is not active", txId)
	}
	if len(t.created) > 0 || len(t.deleted) > 0 {
		d.commitSeq++
		for _, v := range t.created {
			v.createdSeq = d.commitSeq
		}
		for _, v := range t.deleted {
			v.deletedSeq = d.commitSeq
		}
	}
	d.finish(t)
	if len(t.deleted) > 0 {
		d.vacuum()
	}
	return nil
}

func (d *SimpleDBMVCC) Rollback(txId int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.txns[txId]
	if !ok {
		return errors.Newf("transaction %d is not active", txId)
	}
	// undo in reverse order
	for i := len(t.created) - 1; i >= 0; i-- {
		d.removeVersion(t.created[i])
	}
	for _, v := range t.deleted {
		v.deletedBy = 0
	}
	d.finish(t)
	return nil
}

func (d *SimpleDBMVCC) finish(t *txnState) {
	delete(d.txns, t.id)
	close(t.done)
}

func (d *SimpleDBMVCC) removeVersion(v *rowVersion) {
	versions, _ := d.rows.Get(v.ssn)
	kept := versions[:0]
	for _, other := range versions {
		if other != v {
			kept = append(kept, other)
		}
	}
	if len(kept) == 0 {
		d.rows.Delete(v.ssn)
		return
	}
	d.rows.Set(v.ssn, kept)
}

// vacuum drops deleted versions that no repeatable-read snapshot can still
// see. Read-committed transactions take a fresh snapshot per statement, so
// they never pin old versions.
func (d *SimpleDBMVCC) vacuum() {
	oldest := d.commitSeq
	for _, t := range d.txns {
		if t.level == store.RepeatableRead && t.hasSnapshot && t.snapshot < oldest {
			oldest = t.snapshot
		}
	}
	var dead []*rowVersion
	d.rows.Scan(func(_ string, versions []*rowVersion) bool {
		for _, v := range versions {
			if v.deletedSeq != 0 && v.deletedSeq <= oldest {
				dead = append(dead, v)
			}
		}
		return true
	})
	for _, v := range dead {
		d.removeVersion(v)
	}
}

// LogState writes the table contents and open transactions to l at debug
// level.
func (d *SimpleDBMVCC) LogState(l zerolog.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows := zerolog.Arr()
	d.rows.Scan(func(ssn string, versions []*rowVersion) bool {
		for _, v := range versions {
			rows = rows.Dict(zerolog.Dict().
				Int64("id", v.id).
				Str("ssn", v.ssn).
				Int64("created_by", v.createdBy).
				Int64("created_seq", v.createdSeq).
				Int64("deleted_by", v.deletedBy).
				Int64("deleted_seq", v.deletedSeq))
		}
		return true
	})
	open := zerolog.Arr()
	for id, t := range d.txns {
		open = open.Dict(zerolog.Dict().
			Int64("id", id).
			Stringer("isolation", t.level).
			Int64("snapshot", t.snapshot).
			Bool("has_snapshot", t.hasSnapshot))
	}
	l.Debug().
		Array("rows", rows).
		Array("open_txns", open).
		Int64("commit_seq", d.commitSeq).
		Int64("next_txn_id", d.nextTxnId).
		Msg("database state")
}

// simpleTx adapts a transaction id to store.BackendTx.
type simpleTx struct {
	db *SimpleDBMVCC
	id int64
}

func (tx *simpleTx) Insert(ctx context.Context, ssn string) (store.Employee, error) {
	return tx.db.insert(ctx, tx.id, ssn)
}

func (tx *simpleTx) FindBySSN(ctx context.Context, ssn string) (store.Employee, error) {
	return tx.db.findBySSN(tx.id, ssn)
}

func (tx *simpleTx) Scan(ctx context.Context, limit int) ([]store.Employee, error) {
	return tx.db.scan(tx.id, limit)
}

func (tx *simpleTx) DeleteAll(ctx context.Context) (int64, error) {
	return tx.db.deleteAll(ctx, tx.id)
}

func (tx *simpleTx) Commit(ctx context.Context) error {
	return tx.db.Commit(tx.id)
}

func (tx *simpleTx) Rollback(ctx context.Context) error {
	return tx.db.Rollback(tx.id)
}
