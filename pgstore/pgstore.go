// Package pgstore implements store.Backend on PostgreSQL through gorm.
//
// Each Backend owns its own connection pool, so two Backends opened on the
// same DSN act as two independent database clients.
package pgstore

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/makalaaneesh/create-or-find/store"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// employeeRecord maps the employees table. ssn carries the unique index.
type employeeRecord struct {
	ID  int64  `gorm:"primaryKey;autoIncrement"`
	SSN string `gorm:"column:ssn;not null;uniqueIndex"`
}

func (employeeRecord) TableName() string {
	return "employees"
}

func (r employeeRecord) toEmployee() store.Employee {
	return store.Employee{ID: r.ID, SSN: r.SSN}
}

type Backend struct {
	db  *gorm.DB
	log zerolog.Logger
}

type Option func(*Backend)

func WithLogger(l zerolog.Logger) Option {
	return func(b *Backend) { b.log = l }
}

// Open connects to dsn. TranslateError is enabled so duplicate keys surface
// as gorm.ErrDuplicatedKey.
func Open(dsn string, opts ...Option) (*Backend, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	b := &Backend{db: db, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Migrate creates the employees table and its unique index if missing.
func (b *Backend) Migrate(ctx context.Context) error {
	if err := b.db.WithContext(ctx).AutoMigrate(&employeeRecord{}); err != nil {
		return errors.Wrap(err, "migrate employees")
	}
	return nil
}

func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return errors.Wrap(err, "get underlying *sql.DB")
	}
	return sqlDB.Close()
}

var _ store.Backend = (*Backend)(nil)

func (b *Backend) BeginTx(ctx context.Context, level store.IsolationLevel) (store.BackendTx, error) {
	var isolation sql.IsolationLevel
	switch level {
	case store.RepeatableRead:
		isolation = sql.LevelRepeatableRead
	case store.ReadCommitted:
		isolation = sql.LevelReadCommitted
	default:
		return nil, level.Validate()
	}
	// database/sql rolls a transaction back when its BeginTx context ends.
	// The transaction lives until Commit or Rollback instead; each statement
	// is bound to its own ctx.
	tx := b.db.WithContext(context.WithoutCancel(ctx)).Begin(&sql.TxOptions{Isolation: isolation})
	if tx.Error != nil {
		return nil, errors.Wrap(tx.Error, "begin")
	}
	b.log.Debug().Stringer("isolation", level).Msg("postgres transaction started")
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx *gorm.DB
}

// Insert runs in a nested transaction, which gorm issues as a SAVEPOINT, so
// a unique violation rolls back to the savepoint instead of aborting the
// whole PostgreSQL transaction.
func (t *pgTx) Insert(ctx context.Context, ssn string) (store.Employee, error) {
	rec := employeeRecord{SSN: ssn}
	err := t.tx.WithContext(ctx).Transaction(func(sp *gorm.DB) error {
		return sp.Create(&rec).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return store.Employee{}, errors.WithSecondaryError(
				errors.Wrapf(store.ErrUniqueConstraintViolation, "insert employee ssn=%s", ssn), err)
		}
		return store.Employee{}, errors.Wrapf(err, "insert employee ssn=%s", ssn)
	}
	return rec.toEmployee(), nil
}

func (t *pgTx) FindBySSN(ctx context.Context, ssn string) (store.Employee, error) {
	var rec employeeRecord
	err := t.tx.WithContext(ctx).Where("ssn = ?", ssn).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.Employee{}, errors.WithSecondaryError(
				errors.Wrapf(store.ErrRecordNotFound, "employee ssn=%s", ssn), err)
		}
		return store.Employee{}, errors.Wrapf(err, "find employee ssn=%s", ssn)
	}
	return rec.toEmployee(), nil
}

func (t *pgTx) Scan(ctx context.Context, limit int) ([]store.Employee, error) {
	q := t.tx.WithContext(ctx).Order("ssn")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []employeeRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, errors.Wrap(err, "scan employees")
	}
	out := make([]store.Employee, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toEmployee())
	}
	return out, nil
}

func (t *pgTx) DeleteAll(ctx context.Context) (int64, error) {
	res := t.tx.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&employeeRecord{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "delete employees")
	}
	return res.RowsAffected, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit().Error
}

func (t *pgTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback().Error
}
