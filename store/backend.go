package store

import "context"

// Employee is the uniquely keyed entity. ID is assigned by the backend.
type Employee struct {
	ID  int64
	SSN string
}

// Backend is the relational engine a Store talks to. Each call to BeginTx
// opens an independent transaction at the given isolation level.
type Backend interface {
	BeginTx(ctx context.Context, level IsolationLevel) (BackendTx, error)
}

// BackendTx is a single open backend transaction.
//
// Insert must report a duplicate ssn as an error matching
// ErrUniqueConstraintViolation and must leave the transaction usable after
// doing so. FindBySSN must report a missing row as ErrRecordNotFound.
type BackendTx interface {
	Insert(ctx context.Context, ssn string) (Employee, error)
	FindBySSN(ctx context.Context, ssn string) (Employee, error)
	// Scan returns visible rows ordered by ssn. limit <= 0 means no limit.
	Scan(ctx context.Context, limit int) ([]Employee, error)
	DeleteAll(ctx context.Context) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
