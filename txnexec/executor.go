package txnexec

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/makalaaneesh/create-or-find/store"
	"github.com/rs/zerolog"
)

// DefaultStepTimeout is how long the executor waits for a step before it
// records the step as blocked and moves on.
const DefaultStepTimeout = 200 * time.Millisecond

// scheduledOp represents an operation scheduled at a specific step
type scheduledOp struct {
	step int
	name string
	fn   func(ctx context.Context) error
}

// StateLogger is implemented by backends that can dump their state, such as
// db.SimpleDBMVCC.
type StateLogger interface {
	LogState(l zerolog.Logger)
}

// TxnsExecutor coordinates the execution of multiple transactions with deterministic step-based scheduling.
// Every transaction runs on its own goroutine through its own store client.
type TxnsExecutor struct {
	backend     store.Backend
	txns        map[string]*Txn
	resultStore *Results
	stepTimeout time.Duration
	log         zerolog.Logger
	mu          sync.Mutex
}

type Option func(*TxnsExecutor)

func WithStepTimeout(d time.Duration) Option {
	return func(e *TxnsExecutor) { e.stepTimeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *TxnsExecutor) { e.log = l }
}

// NewTxnsExecutor creates a new transaction executor
func NewTxnsExecutor(backend store.Backend, opts ...Option) *TxnsExecutor {
	e := &TxnsExecutor{
		backend:     backend,
		txns:        make(map[string]*Txn),
		resultStore: newResults(),
		stepTimeout: DefaultStepTimeout,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewTxn creates a new transaction handle backed by a fresh store client
func (e *TxnsExecutor) NewTxn(name string) *Txn {
	e.mu.Lock()
	defer e.mu.Unlock()
	txn := &Txn{
		name:     name,
		executor: e,
		client:   store.New(e.backend, store.WithName(name), store.WithLogger(e.log)),
		// buffered so a blocked transaction can be handed its later steps
		stepSignal: make(chan int, 64),
		done:       make(chan int, 64),
	}
	e.txns[name] = txn
	return txn
}

// Execute runs all scheduled transactions concurrently with step-based coordination.
// A transaction that does not finish a step within the step timeout is marked
// blocked at that step; the executor proceeds and collects the step later.
func (e *TxnsExecutor) Execute(ctx context.Context, debug bool) *Results {
	// Find the maximum step
	maxStep := 0
	for _, txn := range e.txns {
		for _, op := range txn.operations {
			if op.step > maxStep {
				maxStep = op.step
			}
		}
	}

	// Operations run under opCtx, which is cancelled once the last step has
	// had its timeout. A step still blocked then can never be released by a
	// later step.
	opCtx, cancelOps := context.WithCancel(ctx)
	defer cancelOps()

	// Start a goroutine for each transaction
	var wg sync.WaitGroup
	for _, txn := range e.txns {
		wg.Add(1)
		go func(t *Txn) {
			defer wg.Done()
			t.run(opCtx)
		}(txn)
	}

	names := make([]string, 0, len(e.txns))
	for name := range e.txns {
		names = append(names, name)
	}
	sort.Strings(names)

	pending := make(map[string]int)
	for currentStep := 0; currentStep <= maxStep; currentStep++ {
		txnsAtStep := []*Txn{}
		for _, name := range names {
			if e.txns[name].hasOpAtStep(currentStep) {
				txnsAtStep = append(txnsAtStep, e.txns[name])
			}
		}

		// Signal all of them simultaneously to start this step
		for _, txn := range txnsAtStep {
			txn.stepSignal <- currentStep
			pending[txn.name]++
		}

		// Wait for them to complete this step, or give up on the blocked ones
		waitCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		for _, txn := range txnsAtStep {
			e.await(waitCtx, txn, pending)
			if pending[txn.name] > 0 {
				e.resultStore.markBlocked(txn.name, currentStep)
				e.log.Debug().Str("txn", txn.name).Int("step", currentStep).Msg("step blocked")
			}
		}
		cancel()

		if debug {
			e.log.Debug().Int("step", currentStep).Msg("step finished")
			if sl, ok := e.backend.(StateLogger); ok {
				sl.LogState(e.log)
			}
		}
	}

	// Close all step signal channels to stop goroutines
	for _, txn := range e.txns {
		close(txn.stepSignal)
	}

	// Steps still blocked fail with a cancellation error
	cancelOps()
	for _, txn := range e.txns {
		for ; pending[txn.name] > 0; pending[txn.name]-- {
			<-txn.done
		}
	}

	wg.Wait()

	// Transactions the schedule left open would hold their keys forever
	for _, name := range names {
		e.txns[name].rollbackOpen(context.WithoutCancel(ctx))
	}

	return e.resultStore
}

// await collects completed steps of txn until none are pending or ctx ends.
// A step that already finished wins over an expired ctx.
func (e *TxnsExecutor) await(ctx context.Context, txn *Txn, pending map[string]int) {
	for pending[txn.name] > 0 {
		select {
		case <-txn.done:
			pending[txn.name]--
			continue
		default:
		}
		select {
		case <-txn.done:
			pending[txn.name]--
		case <-ctx.Done():
			return
		}
	}
}

// Txn represents a transaction handle that only exposes the At() method
type Txn struct {
	name       string
	executor   *TxnsExecutor
	client     *store.Store
	tx         *store.Transaction
	operations []scheduledOp
	stepSignal chan int
	done       chan int
}

func (t *Txn) Name() string {
	return t.name
}

func (t *Txn) current() (*store.Transaction, error) {
	if t.tx == nil {
		return nil, errors.Newf("%s has no open transaction", t.name)
	}
	return t.tx, nil
}

// rollbackOpen rolls back the handle's transaction if no scheduled op ended it.
// It must only be called once the handle's goroutine has exited.
func (t *Txn) rollbackOpen(ctx context.Context) {
	if t.tx == nil {
		return
	}
	err := t.tx.Rollback(ctx)
	switch {
	case errors.Is(err, store.ErrTransactionDone):
	case err != nil:
		t.executor.log.Error().Err(err).Str("txn", t.name).Msg("rollback of unfinished transaction")
	default:
		t.executor.log.Debug().Str("txn", t.name).Msg("rolled back unfinished transaction")
	}
}

// At returns a TxnStepExecutor for scheduling operations at the specified step
func (t *Txn) At(step int) *TxnStepExecutor {
	return &TxnStepExecutor{
		txn:  t,
		step: step,
	}
}

// hasOpAtStep checks if this transaction has any operation scheduled at the given step
func (t *Txn) hasOpAtStep(step int) bool {
	for _, op := range t.operations {
		if op.step == step {
			return true
		}
	}
	return false
}

// run is the goroutine function that executes operations for this transaction
func (t *Txn) run(ctx context.Context) {
	log := t.executor.log.With().Str("txn", t.name).Logger()
	for step := range t.stepSignal {
		for _, op := range t.operations {
			if op.step != step {
				continue
			}
			if err := op.fn(ctx); err != nil {
				t.executor.resultStore.storeErr(t.name, step, err)
				log.Debug().Err(err).Int("step", step).Str("op", op.name).Msg("operation failed")
			}
		}
		// Signal completion of this step
		t.done <- step
	}
}

// scheduleOp adds an operation to be executed at the given step
func (t *Txn) scheduleOp(step int, name string, fn func(ctx context.Context) error) {
	t.operations = append(t.operations, scheduledOp{
		step: step,
		name: name,
		fn:   fn,
	})
}

// TxnStepExecutor provides methods to schedule store operations at a specific step
type TxnStepExecutor struct {
	txn  *Txn
	step int
}

// BeginTx schedules a BeginTransaction at this step
func (s *TxnStepExecutor) BeginTx(level store.IsolationLevel) {
	s.txn.scheduleOp(s.step, "begin", func(ctx context.Context) error {
		tx, err := s.txn.client.BeginTransaction(ctx, level)
		if err != nil {
			return err
		}
		s.txn.tx = tx
		return nil
	})
}

// First schedules a single-row select, which fixes a repeatable-read snapshot
func (s *TxnStepExecutor) First() {
	s.txn.scheduleOp(s.step, "first", func(ctx context.Context) error {
		tx, err := s.txn.current()
		if err != nil {
			return err
		}
		e, ok, err := tx.First(ctx)
		if err != nil {
			return err
		}
		if ok {
			s.txn.executor.resultStore.storeEmployees(s.txn.name, s.step, []store.Employee{e})
		} else {
			s.txn.executor.resultStore.storeEmployees(s.txn.name, s.step, nil)
		}
		return nil
	})
}

// FindAll schedules a full read and captures the rows
func (s *TxnStepExecutor) FindAll() {
	s.txn.scheduleOp(s.step, "find_all", func(ctx context.Context) error {
		tx, err := s.txn.current()
		if err != nil {
			return err
		}
		var rows []store.Employee
		for e, err := range tx.FindAll(ctx) {
			if err != nil {
				return err
			}
			rows = append(rows, e)
		}
		s.txn.executor.resultStore.storeEmployees(s.txn.name, s.step, rows)
		return nil
	})
}

// CreateOrFind schedules a create-or-find and captures the employee
func (s *TxnStepExecutor) CreateOrFind(ssn string) {
	s.txn.scheduleOp(s.step, "create_or_find", func(ctx context.Context) error {
		tx, err := s.txn.current()
		if err != nil {
			return err
		}
		e, err := tx.CreateOrFind(ctx, ssn)
		if err != nil {
			return err
		}
		s.txn.executor.resultStore.storeEmployees(s.txn.name, s.step, []store.Employee{e})
		return nil
	})
}

// Create schedules an autocommit insert outside of the handle's transaction
func (s *TxnStepExecutor) Create(ssn string) {
	s.txn.scheduleOp(s.step, "create", func(ctx context.Context) error {
		e, err := s.txn.client.Create(ctx, ssn)
		if err != nil {
			return err
		}
		s.txn.executor.resultStore.storeEmployees(s.txn.name, s.step, []store.Employee{e})
		return nil
	})
}

// Commit schedules a Commit operation at this step
func (s *TxnStepExecutor) Commit() {
	s.txn.scheduleOp(s.step, "commit", func(ctx context.Context) error {
		tx, err := s.txn.current()
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// Rollback schedules a Rollback operation at this step
func (s *TxnStepExecutor) Rollback() {
	s.txn.scheduleOp(s.step, "rollback", func(ctx context.Context) error {
		tx, err := s.txn.current()
		if err != nil {
			return err
		}
		return tx.Rollback(ctx)
	})
}

type stepKey struct {
	txn  string
	step int
}

// Results stores what each operation produced, indexed by transaction name and step
type Results struct {
	employees map[stepKey][]store.Employee
	errs      map[stepKey]error
	blocked   map[stepKey]bool
	mu        sync.RWMutex
}

// newResults creates a new Results storage
func newResults() *Results {
	return &Results{
		employees: make(map[stepKey][]store.Employee),
		errs:      make(map[stepKey]error),
		blocked:   make(map[stepKey]bool),
	}
}

// storeEmployees appends, so several ops of one txn at the same step all
// keep their rows, in scheduling order.
func (r *Results) storeEmployees(txnName string, step int, rows []store.Employee) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := stepKey{txnName, step}
	r.employees[key] = append(r.employees[key], rows...)
}

// storeErr joins the errors of several failing ops at the same step.
func (r *Results) storeErr(txnName string, step int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := stepKey{txnName, step}
	if prev := r.errs[key]; prev != nil {
		err = errors.Join(prev, err)
	}
	r.errs[key] = err
}

func (r *Results) markBlocked(txnName string, step int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked[stepKey{txnName, step}] = true
}

// Employees returns the rows captured by the operations at (txnName, step)
func (r *Results) Employees(txnName string, step int) []store.Employee {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.employees[stepKey{txnName, step}]
}

// Employee returns the single row captured at (txnName, step), if any
func (r *Results) Employee(txnName string, step int) (store.Employee, bool) {
	rows := r.Employees(txnName, step)
	if len(rows) == 0 {
		return store.Employee{}, false
	}
	return rows[0], true
}

// Err returns the error of the operations at (txnName, step); when more than
// one failed, the errors are joined in scheduling order.
func (r *Results) Err(txnName string, step int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errs[stepKey{txnName, step}]
}

// Blocked reports whether the step had not finished within the step timeout
func (r *Results) Blocked(txnName string, step int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blocked[stepKey{txnName, step}]
}
