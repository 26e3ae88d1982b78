package membership

import (
	"context"
	"testing"
	"time"

	"github.com/alecgard/enrolgate/internal/auth"
	"github.com/alecgard/enrolgate/internal/invite"
	"github.com/alecgard/enrolgate/internal/user"
	"github.com/stretchr/testify/require"
)

func TestCreateInvites(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()

	invites, err := h.svc.CreateInvites(ctx, h.partner, 3, 30)
	require.NoError(t, err)
	require.Len(t, invites, 3)

	seen := map[string]bool{}
	for _, inv := range invites {
		require.Len(t, inv.Code, invite.DefaultCodeLength)
		require.Equal(t, h.partner.ID, inv.CreatorID)
		require.Equal(t, 30, inv.AllottedDays)
		require.False(t, inv.Used)
		require.False(t, seen[inv.Code], "codes must be unique")
		seen[inv.Code] = true
	}
	require.Equal(t, 3, h.metrics.created)
}

func TestCreateInvites_Rejections(t *testing.T) {
	h := newHarness(testConfig())
	student := user.ToPrincipal(h.student("s@example.com", "5", nil))

	tests := []struct {
		name     string
		actor    *auth.User
		quantity int
		days     int
		check    func(t *testing.T, err error)
	}{
		{"student lacks capability", student, 1, 30, func(t *testing.T, err error) { require.ErrorIs(t, err, ErrUnauthorized) }},
		{"anonymous", nil, 1, 30, func(t *testing.T, err error) { require.ErrorIs(t, err, ErrUnauthorized) }},
		{"zero quantity", h.partner, 0, 30, func(t *testing.T, err error) { require.True(t, IsValidation(err)) }},
		{"too many", h.partner, MaxBatch + 1, 30, func(t *testing.T, err error) { require.True(t, IsValidation(err)) }},
		{"negative days", h.partner, 1, -1, func(t *testing.T, err error) { require.True(t, IsValidation(err)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.CreateInvites(context.Background(), tt.actor, tt.quantity, tt.days)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
	require.Empty(t, h.store.invites)
}

func TestCreateInvites_PartialFailure(t *testing.T) {
	h := newHarness(testConfig())
	h.store.failInviteCreates = 2

	invites, err := h.svc.CreateInvites(context.Background(), h.partner, 3, 10)
	require.NoError(t, err)
	require.Len(t, invites, 1)
}

func TestCreateInvites_AllFail(t *testing.T) {
	h := newHarness(testConfig())
	h.store.failInviteCreates = 5

	_, err := h.svc.CreateInvites(context.Background(), h.partner, 5, 10)
	require.ErrorIs(t, err, ErrCreationFailed)
}

func TestCreateInvites_RetriesCollisions(t *testing.T) {
	h := newHarness(testConfig())
	h.store.duplicateCodes = codeAttempts - 1

	invites, err := h.svc.CreateInvites(context.Background(), h.partner, 1, 10)
	require.NoError(t, err)
	require.Len(t, invites, 1)
}

func TestDeleteInviteCode(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()

	inv := h.store.addInvite("ABCD2345", h.partner.ID, 1)
	res, err := h.register("ABCD2345", "holder@example.com")
	require.NoError(t, err)

	// Holder still active.
	err = h.svc.DeleteInviteCode(ctx, h.partner, inv.ID)
	require.ErrorIs(t, err, ErrConflict)
	require.NotNil(t, h.store.invite(inv.ID))

	// Holder lapses and is swept.
	h.clock.advance(2 * day)
	_, err = h.svc.RunExpirySweep(ctx)
	require.NoError(t, err)
	require.Equal(t, user.StateExpired, h.store.user(res.User.ID).MembershipState)

	require.NoError(t, h.svc.DeleteInviteCode(ctx, h.partner, inv.ID))
	require.Nil(t, h.store.invite(inv.ID))

	err = h.svc.DeleteInviteCode(ctx, h.partner, inv.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteInviteCode_AvailableAndOrphaned(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()

	available := h.store.addInvite("AVAIL234", h.partner.ID, 30)
	require.NoError(t, h.svc.DeleteInviteCode(ctx, h.admin, available.ID))

	orphan := h.store.addInvite("ORPHAN23", h.partner.ID, 30)
	require.NoError(t, h.store.Invites().MarkUsed(ctx, orphan.ID, "deleted-user", h.clock.t))
	require.NoError(t, h.svc.DeleteInviteCode(ctx, h.admin, orphan.ID))
}

func TestDeleteInviteCode_RedemptionWaitsForDelete(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()

	inv := h.store.addInvite("RACE2345", h.partner.ID, 30)

	redeemed := make(chan error, 1)
	h.store.onInviteLock = func(id string) {
		h.store.onInviteLock = nil
		go func() {
			_, err := h.register("RACE2345", "racer@example.com")
			redeemed <- err
		}()
		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, h.svc.DeleteInviteCode(ctx, h.partner, inv.ID))
	require.ErrorIs(t, <-redeemed, ErrInvalidCode)
	require.Nil(t, h.store.invite(inv.ID))

	_, err := h.store.Users().GetByEmail(ctx, "racer@example.com")
	require.ErrorIs(t, err, user.ErrNotFound, "no account on a deleted code")
}

func TestDeleteInviteCode_UsedAfterCheck(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()

	inv := h.store.addInvite("SWAP2345", h.partner.ID, 30)
	holder := h.student("holder@example.com", "5", nil)

	h.store.onInviteLock = func(id string) {
		require.NoError(t, h.store.Invites().MarkUsed(ctx, id, holder.ID, h.clock.t))
	}

	err := h.svc.DeleteInviteCode(ctx, h.partner, inv.ID)
	require.ErrorIs(t, err, ErrInviteInUse)

	kept := h.store.invite(inv.ID)
	require.NotNil(t, kept, "a code redeemed after the check is kept")
	require.Equal(t, holder.ID, kept.UsedBy)
}

func TestListInvites_Scoping(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.SharedPool = false
	h := newHarness(cfg)
	h.store.addInvite("MINE2345", h.partner.ID, 30)
	theirs := h.store.addInvite("THEIRS23", h.partner2.ID, 30)

	mine, _, err := h.svc.ListInvites(ctx, h.partner, invite.ListParams{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, "MINE2345", mine[0].Code)

	all, _, err := h.svc.ListInvites(ctx, h.admin, invite.ListParams{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	err = h.svc.DeleteInviteCode(ctx, h.partner, theirs.ID)
	require.ErrorIs(t, err, ErrNotFound)

	shared := newHarness(testConfig())
	shared.store.addInvite("MINE2345", shared.partner.ID, 30)
	shared.store.addInvite("THEIRS23", shared.partner2.ID, 30)
	list, _, err := shared.svc.ListInvites(ctx, shared.partner, invite.ListParams{})
	require.NoError(t, err)
	require.Len(t, list, 2)
}
