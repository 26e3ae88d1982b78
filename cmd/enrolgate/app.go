package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alecgard/enrolgate/internal/config"
	"github.com/alecgard/enrolgate/internal/db"
	"github.com/alecgard/enrolgate/internal/enroll"
	"github.com/alecgard/enrolgate/internal/membership"
	"github.com/alecgard/enrolgate/internal/notify"
	"github.com/alecgard/enrolgate/internal/sched"
	"github.com/alecgard/enrolgate/internal/storage"
	"github.com/alecgard/enrolgate/internal/user"
	"github.com/jackc/pgx/v5/pgxpool"
)

// app bundles the components every command that touches memberships needs.
type app struct {
	cfg        *config.Config
	pool       *pgxpool.Pool
	store      *storage.Postgres
	users      *user.Store
	dispatcher *notify.Dispatcher
	svc        *membership.Service
	locker     *sched.RedisLocker // nil without redis
}

// newApp connects to the database and builds the membership service. The
// caller must start the dispatcher and eventually call close.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	pool, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	slog.Info("connected to database")

	a := &app{
		cfg:   cfg,
		pool:  pool,
		store: storage.New(pool),
		users: user.NewStore(pool).WithSessionTTL(cfg.Auth.SessionTTL),
	}

	m := cfg.Membership
	renderer, err := notify.NewRenderer(m.SiteName, m.LoginURL, m.Location())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("loading mail templates: %w", err)
	}
	a.dispatcher = notify.NewDispatcher(renderer, newMailer(cfg.Mail), cfg.Mail.BatchSize, cfg.Mail.FlushInterval)
	a.svc = membership.NewService(a.store, newCourses(cfg.LMS), a.dispatcher, m)

	if cfg.Redis.URL != "" {
		locker, err := sched.NewRedisLocker(ctx, cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.locker = locker
		slog.Info("connected to redis, sweep lock enabled")
	}

	return a, nil
}

// sweepWorker builds the expiry sweep worker, locked when redis is
// configured.
func (a *app) sweepWorker() *sched.SweepWorker {
	var locker sched.Locker
	if a.locker != nil {
		locker = a.locker
	}
	s := a.cfg.Sweep
	return sched.NewSweepWorker(a.svc, locker, s.Interval, s.Timeout, s.LockTTL)
}

func (a *app) close() {
	if a.locker != nil {
		if err := a.locker.Close(); err != nil {
			slog.Warn("closing redis", "error", err)
		}
	}
	a.pool.Close()
}

func newMailer(cfg config.MailConfig) notify.Mailer {
	if cfg.SMTPHost == "" {
		slog.Warn("no smtp host configured, notifications are logged only")
		return notify.LogMailer{}
	}
	return notify.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.Username, cfg.Password, cfg.From)
}

func newCourses(cfg config.LMSConfig) enroll.Adapter {
	if cfg.BaseURL == "" {
		slog.Warn("no lms configured, course enrollments are skipped")
		return enroll.NopAdapter{}
	}
	return enroll.NewHTTPAdapter(cfg.BaseURL, cfg.Token, cfg.Timeout, cfg.MaxRetries)
}
