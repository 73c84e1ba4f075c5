package store

import (
	"context"
	"iter"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// Store is one client session against a Backend. Two Stores over the same
// Backend behave like two independent database connections.
type Store struct {
	backend Backend
	name    string
	log     zerolog.Logger
}

type Option func(*Store)

// WithName labels the client in log output.
func WithName(name string) Option {
	return func(s *Store) { s.name = name }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		name:    "store",
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("client", s.name).Logger()
	return s
}

func (s *Store) Name() string {
	return s.name
}

// BeginTransaction opens a transaction at level. The level is validated
// before the backend is touched.
//
// ctx bounds only the BEGIN itself. Cancelling it later does not end the
// transaction; every statement takes its own ctx, and the caller must Commit
// or Rollback.
func (s *Store) BeginTransaction(ctx context.Context, level IsolationLevel) (*Transaction, error) {
	if err := level.Validate(); err != nil {
		return nil, err
	}
	btx, err := s.backend.BeginTx(ctx, level)
	if err != nil {
		return nil, errors.Wrapf(err, "begin %s transaction", level)
	}
	s.log.Debug().Stringer("isolation", level).Msg("transaction started")
	return &Transaction{
		btx:   btx,
		level: level,
		log:   s.log.With().Stringer("isolation", level).Logger(),
	}, nil
}

// Transaction runs fn inside a transaction at level. It commits when fn
// returns nil and rolls back otherwise. fn's error is returned; a failed
// rollback is attached to it as a secondary error.
func (s *Store) Transaction(ctx context.Context, level IsolationLevel, fn func(tx *Transaction) error) error {
	tx, err := s.BeginTransaction(ctx, level)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, ErrTransactionDone) {
			s.log.Error().Err(rbErr).Msg("rollback after failed transaction")
			return errors.CombineErrors(err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// Create inserts ssn in its own read-committed transaction. Unlike
// CreateOrFind it surfaces ErrUniqueConstraintViolation.
func (s *Store) Create(ctx context.Context, ssn string) (Employee, error) {
	var created Employee
	err := s.Transaction(ctx, ReadCommitted, func(tx *Transaction) error {
		e, err := tx.insert(ctx, ssn)
		created = e
		return err
	})
	return created, err
}

// All returns every committed row ordered by ssn.
func (s *Store) All(ctx context.Context) ([]Employee, error) {
	var out []Employee
	err := s.Transaction(ctx, ReadCommitted, func(tx *Transaction) error {
		for e, err := range tx.FindAll(ctx) {
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// DeleteAll removes every row and returns how many were deleted.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	var n int64
	err := s.Transaction(ctx, ReadCommitted, func(tx *Transaction) error {
		if err := tx.check(); err != nil {
			return err
		}
		deleted, err := tx.btx.DeleteAll(ctx)
		n = deleted
		return err
	})
	return n, err
}

// Transaction is a unit of work at a single isolation level. It is not safe
// for concurrent use.
type Transaction struct {
	btx   BackendTx
	level IsolationLevel
	done  bool
	log   zerolog.Logger
}

func (tx *Transaction) IsolationLevel() IsolationLevel {
	return tx.level
}

func (tx *Transaction) check() error {
	if tx.done {
		return ErrTransactionDone
	}
	return nil
}

// FindAll yields every row visible to the transaction, ordered by ssn. The
// scan runs when iteration starts, so ranging twice issues two reads.
func (tx *Transaction) FindAll(ctx context.Context) iter.Seq2[Employee, error] {
	return func(yield func(Employee, error) bool) {
		if err := tx.check(); err != nil {
			yield(Employee{}, err)
			return
		}
		rows, err := tx.btx.Scan(ctx, 0)
		if err != nil {
			yield(Employee{}, errors.Wrap(err, "scan employees"))
			return
		}
		for _, e := range rows {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// First returns the row with the lowest ssn, if any.
func (tx *Transaction) First(ctx context.Context) (Employee, bool, error) {
	if err := tx.check(); err != nil {
		return Employee{}, false, err
	}
	rows, err := tx.btx.Scan(ctx, 1)
	if err != nil {
		return Employee{}, false, errors.Wrap(err, "select first employee")
	}
	if len(rows) == 0 {
		return Employee{}, false, nil
	}
	return rows[0], true, nil
}

// FindBySSN looks up a single row by its unique key.
func (tx *Transaction) FindBySSN(ctx context.Context, ssn string) (Employee, error) {
	if err := tx.check(); err != nil {
		return Employee{}, err
	}
	return tx.btx.FindBySSN(ctx, ssn)
}

func (tx *Transaction) insert(ctx context.Context, ssn string) (Employee, error) {
	if err := tx.check(); err != nil {
		return Employee{}, err
	}
	return tx.btx.Insert(ctx, ssn)
}

// CreateOrFind inserts a row for ssn, or, when the unique index rejects the
// insert, returns the existing row as seen by this transaction.
//
// Under repeatable-read the lookup uses the transaction's snapshot. If the
// conflicting row was committed after that snapshot was taken the row is
// invisible and ErrRecordNotFound is returned. The call does not retry; a
// new snapshot needs a new transaction.
func (tx *Transaction) CreateOrFind(ctx context.Context, ssn string) (Employee, error) {
	e, err := tx.insert(ctx, ssn)
	if err == nil {
		tx.log.Debug().Str("ssn", ssn).Int64("id", e.ID).Msg("employee created")
		return e, nil
	}
	if !errors.Is(err, ErrUniqueConstraintViolation) {
		return Employee{}, errors.Wrapf(err, "create employee ssn=%s", ssn)
	}

	tx.log.Debug().Str("ssn", ssn).Msg("insert hit unique index, looking up existing row")
	found, err := tx.btx.FindBySSN(ctx, ssn)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			tx.log.Debug().Str("ssn", ssn).Msg("conflicting row is not visible to this transaction")
		}
		return Employee{}, errors.Wrapf(err, "find employee ssn=%s", ssn)
	}
	return found, nil
}

func (tx *Transaction) Commit(ctx context.Context) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.done = true
	if err := tx.btx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}
	tx.log.Debug().Msg("transaction committed")
	return nil
}

func (tx *Transaction) Rollback(ctx context.Context) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.done = true
	if err := tx.btx.Rollback(ctx); err != nil {
		return errors.Wrap(err, "rollback")
	}
	tx.log.Debug().Msg("transaction rolled back")
	return nil
}
