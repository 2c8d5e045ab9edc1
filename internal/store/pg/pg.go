// Package pg is the concrete adapter.Adapter backed by
// github.com/jackc/pgx/v5, the one durable-state implementation the gateway
// ships (grounded on codeready-toolchain-tarsy's use of pgx for its own
// entgo-fronted Postgres store; here wired directly against pgx without an
// ORM since the schema is small and fixed by spec §3/§6).
package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/kernel/errs"
)

// Adapter implements adapter.Adapter against a pgxpool.Pool.
type Adapter struct {
	dsn    string
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New builds an unopened Adapter. Call Open before use.
func New(dsn string, logger *zap.Logger) *Adapter {
	return &Adapter{dsn: dsn, logger: logger}
}

func (a *Adapter) Open(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, a.dsn)
	if err != nil {
		return errs.Internalf(err, "pg: open pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return errs.Internalf(err, "pg: ping")
	}
	a.pool = pool
	return nil
}

func (a *Adapter) Close() error {
	if a.pool != nil {
		a.pool.Close()
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the signal spec §7 maps to the integrity kind and spec
// §3 treats as a successful idempotent no-op for message/id-keyed upserts.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
