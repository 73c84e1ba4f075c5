// Package harness drives a create-or-find transaction one checkpoint at a
// time so that a second client can write between checkpoints.
//
// A Driver never starts goroutines. Each call to Next runs the work up to the
// following checkpoint and returns, leaving the transaction open; the caller
// decides what happens before the next call.
package harness

import (
	"context"
	"iter"

	"github.com/cockroachdb/errors"
	"github.com/makalaaneesh/create-or-find/store"
	"github.com/rs/zerolog"
)

type Checkpoint string

const (
	TransactionStarted     Checkpoint = "transaction_started"
	SelectPerformed        Checkpoint = "select_performed"
	EmployeeCreatedOrFound Checkpoint = "employee_created_or_found"
	TransactionEnded       Checkpoint = "transaction_ended"
)

type State int

const (
	NotStarted State = iota
	TransactionOpen
	SelectDone
	CreateOrFindDone
	Ended
	Terminal
	Failed
)

var stateNames = map[State]string{
	NotStarted:       "not_started",
	TransactionOpen:  "transaction_open",
	SelectDone:       "select_done",
	CreateOrFindDone: "create_or_find_done",
	Ended:            "ended",
	Terminal:         "terminal",
	Failed:           "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ErrExhausted is returned by Next once the sequence has finished, either
// normally or through an error.
var ErrExhausted = errors.New("driver exhausted")

// Step is one value of the sequence. The first four steps carry a
// Checkpoint; the fifth carries the resulting Employee and no checkpoint.
type Step struct {
	Checkpoint Checkpoint
	Employee   *store.Employee
}

// IsResult reports whether the step carries the final employee.
func (s Step) IsResult() bool {
	return s.Employee != nil
}

type Driver struct {
	store *store.Store
	level store.IsolationLevel
	ssn   string

	state    State
	tx       *store.Transaction
	employee store.Employee
	log      zerolog.Logger
}

type Option func(*Driver)

func WithLogger(l zerolog.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// Drive prepares a transaction at level that selects, then create-or-finds
// ssn. Nothing touches the store until the first call to Next.
func Drive(s *store.Store, level store.IsolationLevel, ssn string, opts ...Option) *Driver {
	d := &Driver{
		store: s,
		level: level,
		ssn:   ssn,
		state: NotStarted,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With().Str("client", s.Name()).Str("ssn", ssn).Logger()
	return d
}

func (d *Driver) State() State {
	return d.state
}

// Next resumes the transaction and runs it until the next checkpoint.
// An error rolls the transaction back and ends the sequence.
func (d *Driver) Next(ctx context.Context) (Step, error) {
	switch d.state {
	case NotStarted:
		tx, err := d.store.BeginTransaction(ctx, d.level)
		if err != nil {
			return d.fail(ctx, err)
		}
		d.tx = tx
		return d.advance(TransactionOpen, TransactionStarted), nil

	case TransactionOpen:
		if _, _, err := d.tx.First(ctx); err != nil {
			return d.fail(ctx, err)
		}
		return d.advance(SelectDone, SelectPerformed), nil

	case SelectDone:
		e, err := d.tx.CreateOrFind(ctx, d.ssn)
		if err != nil {
			return d.fail(ctx, err)
		}
		d.employee = e
		return d.advance(CreateOrFindDone, EmployeeCreatedOrFound), nil

	case CreateOrFindDone:
		if err := d.tx.Commit(ctx); err != nil {
			d.state = Failed
			return Step{}, err
		}
		return d.advance(Ended, TransactionEnded), nil

	case Ended:
		d.state = Terminal
		e := d.employee
		return Step{Employee: &e}, nil
	}
	return Step{}, ErrExhausted
}

func (d *Driver) advance(to State, cp Checkpoint) Step {
	d.log.Debug().Stringer("from", d.state).Stringer("to", to).Str("checkpoint", string(cp)).Msg("checkpoint")
	d.state = to
	return Step{Checkpoint: cp}
}

func (d *Driver) fail(ctx context.Context, err error) (Step, error) {
	d.log.Debug().Err(err).Stringer("state", d.state).Msg("driver failed")
	if d.tx != nil {
		if rbErr := d.tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, store.ErrTransactionDone) {
			err = errors.CombineErrors(err, rbErr)
		}
	}
	d.state = Failed
	return Step{}, err
}

// All yields the remaining steps. Iteration stops after the first error.
// The sequence is not restartable: ranging again after it finished yields
// nothing.
func (d *Driver) All(ctx context.Context) iter.Seq2[Step, error] {
	return func(yield func(Step, error) bool) {
		for {
			step, err := d.Next(ctx)
			if errors.Is(err, ErrExhausted) {
				return
			}
			if !yield(step, err) || err != nil {
				return
			}
		}
	}
}

// Abort rolls back a transaction the caller stopped driving. It is a no-op
// once the driver has ended.
func (d *Driver) Abort(ctx context.Context) error {
	switch d.state {
	case TransactionOpen, SelectDone, CreateOrFindDone:
		d.state = Failed
		return d.tx.Rollback(ctx)
	case NotStarted:
		d.state = Failed
	}
	return nil
}
