package store

import (
	"strings"

	"github.com/cockroachdb/errors"
)

type IsolationLevel string

const (
	// RepeatableRead fixes a snapshot at the transaction's first statement.
	RepeatableRead IsolationLevel = "repeatable_read"
	// ReadCommitted lets every statement see the latest committed data.
	ReadCommitted IsolationLevel = "read_committed"
)

func (l IsolationLevel) String() string {
	return string(l)
}

// Validate returns ErrUnsupportedIsolationLevel for anything but the two
// supported levels.
func (l IsolationLevel) Validate() error {
	switch l {
	case RepeatableRead, ReadCommitted:
		return nil
	}
	return errors.Wrapf(ErrUnsupportedIsolationLevel, "%q", string(l))
}

// ParseIsolationLevel accepts "repeatable_read" / "read_committed" and the SQL
// spellings "REPEATABLE READ" / "READ COMMITTED", case-insensitively.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.Join(strings.Fields(norm), "_")
	norm = strings.ReplaceAll(norm, "-", "_")
	level := IsolationLevel(norm)
	if err := level.Validate(); err != nil {
		return "", errors.Wrapf(ErrUnsupportedIsolationLevel, "%q", s)
	}
	return level, nil
}
