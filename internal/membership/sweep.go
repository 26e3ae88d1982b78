package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alecgard/enrolgate/internal/notify"
	"github.com/alecgard/enrolgate/internal/user"
)

// SweepResult counts what one expiry sweep did.
type SweepResult struct {
	Notices int `json:"notices"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// RunExpirySweep sends advance notices for memberships entering the notice
// window, then expires memberships whose expiry has passed. A failure on one
// user is logged and the batch continues. Re-running it without time passing
// changes nothing: notices are claimed per expiry before being sent, and a
// user is only expired while the expiry that was listed is still in place, so
// an extension committed mid-sweep is never undone.
func (s *Service) RunExpirySweep(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	now := s.now()
	res := &SweepResult{}

	noticeErr := s.noticePass(ctx, now, res)
	expiryErr := s.expiryPass(ctx, now, res)
	err := errors.Join(noticeErr, expiryErr)

	if s.metrics != nil {
		s.metrics.ObserveSweep(time.Since(start).Seconds(), res.Notices, res.Expired, res.Failed)
	}
	slog.Info("expiry sweep finished",
		"notices", res.Notices,
		"expired", res.Expired,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, err
}

func (s *Service) noticePass(ctx context.Context, now time.Time, res *SweepResult) error {
	if s.cfg.NoticeDaysBefore <= 0 {
		return nil
	}
	users := s.store.Users()
	due, err := users.ListNoticeDue(ctx, now, now.Add(time.Duration(s.cfg.NoticeDaysBefore)*day))
	if err != nil {
		return fmt.Errorf("notice pass: %w", err)
	}

	for _, u := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if u.ExpiryAt == nil {
			continue
		}
		claimed, err := users.ClaimExpiryNotice(ctx, u.ID, *u.ExpiryAt, now)
		if err != nil {
			slog.Error("claiming expiry notice failed", "user_id", u.ID, "error", err)
			res.Failed++
			continue
		}
		if !claimed {
			res.Skipped++
			continue
		}
		s.notifyManager(ctx, u.ManagerID, notify.KindExpiringSoon, u, "", 0)
		s.countTransition("notice_sent")
		res.Notices++
	}
	return nil
}

func (s *Service) expiryPass(ctx context.Context, now time.Time, res *SweepResult) error {
	users := s.store.Users()
	lapsed, err := users.ListLapsed(ctx, now)
	if err != nil {
		return fmt.Errorf("expiry pass: %w", err)
	}

	for _, u := range lapsed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if u.ExpiryAt == nil {
			continue
		}
		expired, err := users.Expire(ctx, u.ID, *u.ExpiryAt, now)
		if err != nil {
			if errors.Is(err, user.ErrStateChanged) || errors.Is(err, user.ErrNotFound) {
				res.Skipped++
				continue
			}
			slog.Error("expiring membership failed", "user_id", u.ID, "error", err)
			res.Failed++
			continue
		}
		s.unenrollAll(ctx, expired.ID)
		s.notifyManager(ctx, expired.ManagerID, notify.KindExpired, expired, "", 0)
		s.countTransition("expired")
		res.Expired++
	}
	return nil
}
