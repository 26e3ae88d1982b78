// Package storage binds the invite and user stores to Postgres transactions.
package storage

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/alecgard/enrolgate/internal/db"
	"github.com/alecgard/enrolgate/internal/invite"
	"github.com/alecgard/enrolgate/internal/membership"
	"github.com/alecgard/enrolgate/internal/user"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ membership.Store = (*Postgres)(nil)

// SeatLockKey is the advisory lock serialising seat-consuming transactions.
var SeatLockKey = lockKey("enrolgate:seat-pool")

func lockKey(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64() & ((1 << 63) - 1))
}

// repos builds stores over one connection or transaction.
type repos struct {
	conn db.DBTX
}

func (r repos) Invites() membership.InviteRepo { return invite.NewStore(r.conn) }
func (r repos) Users() membership.UserRepo     { return user.NewStore(r.conn) }

// Postgres is the membership.Store backed by a pgx pool.
type Postgres struct {
	repos
	pool *pgxpool.Pool
}

// New creates a Postgres store.
func New(pool *pgxpool.Pool) *Postgres {
	return &Postgres{repos: repos{conn: pool}, pool: pool}
}

// WithTx runs fn in a transaction, committing when it returns nil.
func (p *Postgres) WithTx(ctx context.Context, fn func(membership.Repos) error) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		return fn(repos{conn: tx})
	})
}

// WithSeatLock is WithTx holding the seat pool advisory lock until commit.
func (p *Postgres) WithSeatLock(ctx context.Context, fn func(membership.Repos) error) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", SeatLockKey); err != nil {
			return fmt.Errorf("acquiring seat lock: %w", err)
		}
		return fn(repos{conn: tx})
	})
}

func (p *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
