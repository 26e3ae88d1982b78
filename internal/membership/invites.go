package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alecgard/enrolgate/internal/auth"
	"github.com/alecgard/enrolgate/internal/invite"
)

// MaxBatch is the largest number of invites minted by one CreateInvites call.
const MaxBatch = 10

// codeAttempts bounds regeneration after a code collision.
const codeAttempts = 5

// CreateInvites mints quantity codes owned by actor, each granting days of
// access (0 defers to the default at redemption). A failed insert does not
// abort the batch; ErrCreationFailed is returned only when nothing was
// created.
func (s *Service) CreateInvites(ctx context.Context, actor *auth.User, quantity, days int) ([]*invite.Invite, error) {
	if err := authorize(actor); err != nil {
		return nil, err
	}
	if quantity < 1 || quantity > MaxBatch {
		return nil, invalid("quantity", fmt.Sprintf("must be between 1 and %d", MaxBatch))
	}
	if days < 0 {
		return nil, invalid("days", "must not be negative")
	}

	invites := s.store.Invites()
	created := make([]*invite.Invite, 0, quantity)
	var lastErr error
	for i := 0; i < quantity; i++ {
		inv, err := createOne(ctx, invites, actor.ID, days)
		if err != nil {
			slog.Warn("invite creation failed", "creator_id", actor.ID, "error", err)
			lastErr = err
			continue
		}
		created = append(created, inv)
	}

	if len(created) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrCreationFailed, lastErr)
	}
	if s.metrics != nil {
		s.metrics.IncInvitesCreated(len(created))
	}
	slog.Info("invites created", "creator_id", actor.ID, "requested", quantity, "created", len(created), "days", days)
	return created, nil
}

func createOne(ctx context.Context, invites InviteRepo, creatorID string, days int) (*invite.Invite, error) {
	var err error
	for attempt := 0; attempt < codeAttempts; attempt++ {
		var code string
		code, err = invite.GenerateCode(invite.DefaultCodeLength)
		if err != nil {
			return nil, err
		}
		var inv *invite.Invite
		inv, err = invites.Create(ctx, invite.CreateInput{Code: code, CreatorID: creatorID, AllottedDays: days})
		if err == nil {
			return inv, nil
		}
		if !errors.Is(err, invite.ErrDuplicateCode) {
			return nil, err
		}
	}
	return nil, err
}

// DeleteInviteCode removes an invite unless it was redeemed by a user who
// still holds access. It runs under the seat lock with the invite row locked,
// so neither a redemption of this code nor a reactivation of its redeemer can
// slip in between the check and the delete.
func (s *Service) DeleteInviteCode(ctx context.Context, actor *auth.User, inviteID string) error {
	if err := authorize(actor); err != nil {
		return err
	}

	err := s.store.WithSeatLock(ctx, func(r Repos) error {
		inv, err := r.Invites().GetForUpdate(ctx, inviteID)
		if err != nil {
			if errors.Is(err, invite.ErrNotFound) {
				return ErrInviteNotFound
			}
			return err
		}
		if s.scoped(actor) && inv.CreatorID != actor.ID {
			return ErrInviteNotFound
		}

		if inv.Used && inv.UsedBy != "" {
			holder, err := r.Users().GetByID(ctx, inv.UsedBy)
			switch {
			case err == nil:
				if holder.IsActiveAt(s.now()) {
					return ErrInviteInUse
				}
			case errors.Is(mapUserErr(err), ErrUserNotFound):
			default:
				return err
			}
		}

		if err := r.Invites().Delete(ctx, inv.ID, inv.Used); err != nil {
			if errors.Is(err, invite.ErrChanged) {
				return ErrInviteInUse
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("invite deleted", "invite_id", inviteID, "actor_id", actor.ID)
	return nil
}

// ListInvites pages through invites, limited to the actor's own when the
// pool is not shared.
func (s *Service) ListInvites(ctx context.Context, actor *auth.User, params invite.ListParams) ([]*invite.Invite, string, error) {
	if err := authorize(actor); err != nil {
		return nil, "", err
	}
	if s.scoped(actor) {
		params.CreatorID = actor.ID
	}
	return s.store.Invites().List(ctx, params)
}
