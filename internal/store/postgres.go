package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	pglock "github.com/allisson/go-pglock/v3"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/spaolacci/murmur3"

	"github.com/rudderlabs/rudder-go-kit/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is the production measurement store. All engine mutations run
// through InTx; cross-invocation mutual exclusion uses Postgres advisory
// locks keyed on a murmur3 hash of the lock name.
type Postgres struct {
	db     *sql.DB
	logger logger.Logger
	now    func() time.Time
}

type PostgresOpt func(*Postgres)

func WithPostgresNow(now func() time.Time) PostgresOpt {
	return func(p *Postgres) {
		p.now = now
	}
}

func NewPostgres(db *sql.DB, log logger.Logger, opts ...PostgresOpt) (*Postgres, error) {
	p := &Postgres{
		db:     db,
		logger: log.Child("store"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return p, nil
}

func (p *Postgres) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(p.db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func (p *Postgres) InTx(ctx context.Context, fn func(MeasurementStore) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(&pgStore{q: tx, now: p.now}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			p.logger.Errorw("rolling back transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (p *Postgres) TryLock(ctx context.Context, name string) (func(context.Context) error, bool, error) {
	lockID := int64(murmur3.Sum64([]byte(name)))
	lock, err := pglock.NewLock(ctx, lockID, p.db)
	if err != nil {
		return nil, false, fmt.Errorf("creating advisory lock %q: %w", name, err)
	}
	locked, err := lock.Lock(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquiring advisory lock %q: %w", name, err)
	}
	if !locked {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		return lock.Unlock(ctx)
	}, true, nil
}

// queryer is satisfied by *sql.Tx and *sql.DB.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// pgStore binds the MeasurementStore contract to one transaction.
type pgStore struct {
	q   queryer
	now func() time.Time
}
