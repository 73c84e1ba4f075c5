package store

import "github.com/cockroachdb/errors"

var (
	// ErrUnsupportedIsolationLevel is returned before any transaction starts
	// when the caller asks for a level other than repeatable-read or
	// read-committed.
	ErrUnsupportedIsolationLevel = errors.New("unsupported isolation level")

	// ErrUniqueConstraintViolation signals an insert rejected by the unique
	// index on ssn. CreateOrFind consumes it; Store.Create surfaces it.
	ErrUniqueConstraintViolation = errors.New("unique constraint violation")

	// ErrRecordNotFound is returned when a lookup by ssn finds no visible row.
	// CreateOrFind returns it when the conflicting row was committed after the
	// transaction's repeatable-read snapshot was taken.
	ErrRecordNotFound = errors.New("record not found")

	// ErrTransactionDone is returned for any use of a committed or rolled back
	// transaction.
	ErrTransactionDone = errors.New("transaction has already been committed or rolled back")
)
