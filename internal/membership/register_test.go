package membership

import (
	"context"
	"testing"
	"time"

	"github.com/alecgard/enrolgate/internal/notify"
	"github.com/alecgard/enrolgate/internal/user"
	"github.com/stretchr/testify/require"
)

func TestRedeemInvite_ThirtyDayScenario(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()

	invites, err := h.svc.CreateInvites(ctx, h.partner, 1, 30)
	require.NoError(t, err)
	inv := invites[0]

	res, err := h.register(inv.Code, "new@example.com")
	require.NoError(t, err)
	require.False(t, res.Reactivated)

	u := h.store.user(res.User.ID)
	require.NotNil(t, u)
	require.Equal(t, user.RoleStudent, u.Role)
	require.Equal(t, user.StateActive, u.MembershipState)
	require.Equal(t, "5", u.ManagerID)
	require.NotNil(t, u.ExpiryAt)
	require.WithinDuration(t, h.clock.t.Add(30*day), *u.ExpiryAt, time.Second)
	require.Nil(t, u.ExpiryNoticeSentAt)
	require.Equal(t, "new", u.Username)
	require.True(t, user.CheckPassword(u, "correct-horse"))

	stored := h.store.invite(inv.ID)
	require.True(t, stored.Used)
	require.Equal(t, u.ID, stored.UsedBy)
	require.NotNil(t, stored.UsedAt)
	require.True(t, stored.UsedAt.Equal(h.clock.t))

	require.Equal(t, []string{"c1", "c2", "c3"}, h.courses.enrolledIn(u.ID))

	used := h.mail.ofKind(notify.KindInviteUsed)
	require.Len(t, used, 1)
	require.Equal(t, "partner@example.com", used[0].To)
	require.Equal(t, inv.Code, used[0].Code)
	require.Equal(t, 1, h.metrics.redeemed["register"])
}

func TestRedeemInvite_TwiceIsNotFound(t *testing.T) {
	h := newHarness(testConfig())
	inv := h.store.addInvite("ABCD2345", h.partner.ID, 30)

	_, err := h.register("abcd-2345", "first@example.com")
	require.NoError(t, err)
	usedAt := *h.store.invite(inv.ID).UsedAt

	h.clock.advance(time.Hour)
	_, err = h.register("ABCD2345", "second@example.com")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, ErrInvalidCode)

	again := h.store.invite(inv.ID)
	require.True(t, again.UsedAt.Equal(usedAt), "usedAt must be stable")
	_, err = h.store.Users().GetByEmail(context.Background(), "second@example.com")
	require.ErrorIs(t, err, user.ErrNotFound)
}

func TestRedeemInvite_UnknownCodeMatchesUsedCode(t *testing.T) {
	h := newHarness(testConfig())
	_, err := h.register("NOPE2345", "x@example.com")
	require.ErrorIs(t, err, ErrInvalidCode)
}

func TestRedeemInvite_CapacityExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.SeatCap = 2
	h := newHarness(cfg)

	future := h.clock.t.Add(10 * day)
	h.student("a@example.com", "5", &future)
	h.student("b@example.com", "5", nil)
	past := h.clock.t.Add(-day)
	h.student("lapsed@example.com", "5", &past)

	inv := h.store.addInvite("FULL2345", h.partner.ID, 30)
	before := h.store.userCount()

	_, err := h.register("FULL2345", "third@example.com")
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, before, h.store.userCount(), "no user may be created")
	require.False(t, h.store.invite(inv.ID).Used)
	require.Empty(t, h.mail.events)
}

func TestRedeemInvite_UnlimitedPool(t *testing.T) {
	h := newHarness(testConfig())
	for i := 0; i < 5; i++ {
		h.student(string(rune('a'+i))+"@example.com", "5", nil)
	}
	h.store.addInvite("OPEN2345", h.partner.ID, 30)
	_, err := h.register("OPEN2345", "more@example.com")
	require.NoError(t, err)
}

func TestRedeemInvite_DefaultDays(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultInviteDays = 14
	h := newHarness(cfg)
	h.store.addInvite("DFLT2345", h.partner.ID, 0)

	res, err := h.register("DFLT2345", "d@example.com")
	require.NoError(t, err)
	require.WithinDuration(t, h.clock.t.Add(14*day), *res.User.ExpiryAt, time.Second)
}

func TestRedeemInvite_Validation(t *testing.T) {
	h := newHarness(testConfig())
	h.store.addInvite("VALD2345", h.partner.ID, 30)

	base := RegisterInput{Code: "VALD2345", Email: "v@example.com", FirstName: "V", LastName: "W", Password: "long-enough"}
	tests := []struct {
		name  string
		edit  func(*RegisterInput)
		field string
	}{
		{"missing first name", func(in *RegisterInput) { in.FirstName = "  " }, "first_name"},
		{"missing last name", func(in *RegisterInput) { in.LastName = "" }, "last_name"},
		{"missing email", func(in *RegisterInput) { in.Email = "" }, "email"},
		{"bad email", func(in *RegisterInput) { in.Email = "not-an-email" }, "email"},
		{"short password", func(in *RegisterInput) { in.Password = "short" }, "password"},
		{"missing code", func(in *RegisterInput) { in.Code = " - " }, "code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.edit(&in)
			_, err := h.svc.RedeemInvite(context.Background(), in)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			require.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestRedeemInvite_ExistingEmail(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()

	future := h.clock.t.Add(5 * day)
	h.student("active@example.com", "5", &future)

	past := h.clock.t.Add(-3 * day)
	lapsed := h.student("lapsed@example.com", "6", &past)
	_, err := h.store.Users().Revoke(ctx, lapsed.ID, past)
	require.NoError(t, err)

	h.store.addInvite("EXST2345", h.partner.ID, 30)

	t.Run("active account", func(t *testing.T) {
		_, err := h.svc.RedeemInvite(ctx, RegisterInput{Code: "EXST2345", Email: "active@example.com", FirstName: "A", LastName: "B", Password: "student-password"})
		require.True(t, IsValidation(err))
	})

	t.Run("partner account", func(t *testing.T) {
		_, err := h.svc.RedeemInvite(ctx, RegisterInput{Code: "EXST2345", Email: "partner@example.com", FirstName: "A", LastName: "B", Password: "partner-password"})
		require.True(t, IsValidation(err))
	})

	t.Run("expired account wrong password", func(t *testing.T) {
		_, err := h.svc.RedeemInvite(ctx, RegisterInput{Code: "EXST2345", Email: "lapsed@example.com", FirstName: "A", LastName: "B", Password: "wrong-password"})
		require.True(t, IsValidation(err))
	})

	t.Run("expired account reactivates", func(t *testing.T) {
		res, err := h.svc.RedeemInvite(ctx, RegisterInput{Code: "EXST2345", Email: "lapsed@example.com", FirstName: "A", LastName: "B", Password: "student-password"})
		require.NoError(t, err)
		require.True(t, res.Reactivated)
		require.Equal(t, lapsed.ID, res.User.ID)

		u := h.store.user(lapsed.ID)
		require.Equal(t, user.StateActive, u.MembershipState)
		require.Equal(t, "5", u.ManagerID)
		require.WithinDuration(t, h.clock.t.Add(30*day), *u.ExpiryAt, time.Second)
		require.Equal(t, 1, h.metrics.redeemed["reactivate"])
	})
}

func TestRedeemInvite_EnrollmentFailureIsNotFatal(t *testing.T) {
	h := newHarness(testConfig())
	h.courses.failFor = "c2"
	h.store.addInvite("LMSX2345", h.partner.ID, 30)

	res, err := h.register("LMSX2345", "lms@example.com")
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c3"}, h.courses.enrolledIn(res.User.ID))
	require.Equal(t, 1, h.metrics.enrollErrs)
}

func TestRedeemInvite_CreatorWithoutAddress(t *testing.T) {
	h := newHarness(testConfig())
	h.store.addInvite("NOBODY23", "", 30)

	res, err := h.register("NOBODY23", "orphan@example.com")
	require.NoError(t, err)
	require.Empty(t, res.User.ManagerID)
	require.Empty(t, h.mail.events)
}

func TestExtendMembership(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()

	expiry := h.clock.t.Add(2 * day)
	s := h.student("ext@example.com", "6", &expiry)
	notified := h.clock.t
	_, err := h.store.Users().ClaimExpiryNotice(ctx, s.ID, expiry, notified)
	require.NoError(t, err)

	inv := h.store.addInvite("EXTD2345", h.partner.ID, 45)
	updated, err := h.svc.ExtendMembership(ctx, user.ToPrincipal(s), "extd2345")
	require.NoError(t, err)

	require.Equal(t, user.StateActive, updated.MembershipState)
	require.Equal(t, h.partner.ID, updated.ManagerID, "manager follows the code's creator")
	require.WithinDuration(t, h.clock.t.Add(45*day), *updated.ExpiryAt, time.Second)
	require.Nil(t, h.store.user(s.ID).ExpiryNoticeSentAt)
	require.True(t, h.store.invite(inv.ID).Used)

	ext := h.mail.ofKind(notify.KindExtended)
	require.Len(t, ext, 1)
	require.Equal(t, "partner@example.com", ext[0].To)
	require.Equal(t, "EXTD2345", ext[0].Code)
	require.Equal(t, 1, h.metrics.redeemed["extend"])

	_, err = h.svc.ExtendMembership(ctx, user.ToPrincipal(s), "EXTD2345")
	require.ErrorIs(t, err, ErrInvalidCode)
}

func TestExtendMembership_Capacity(t *testing.T) {
	cfg := testConfig()
	cfg.SeatCap = 1
	h := newHarness(cfg)
	ctx := context.Background()

	future := h.clock.t.Add(3 * day)
	holder := h.student("holder@example.com", "5", &future)

	past := h.clock.t.Add(-day)
	lapsed := h.student("lapsed@example.com", "5", &past)
	_, err := h.store.Users().Revoke(ctx, lapsed.ID, past)
	require.NoError(t, err)

	h.store.addInvite("KEEP2345", h.partner.ID, 30)
	h.store.addInvite("BACK2345", h.partner.ID, 30)

	_, err = h.svc.ExtendMembership(ctx, user.ToPrincipal(lapsed), "BACK2345")
	require.ErrorIs(t, err, ErrCapacityExceeded)

	_, err = h.svc.ExtendMembership(ctx, user.ToPrincipal(holder), "KEEP2345")
	require.NoError(t, err, "a seat holder extends without needing a free seat")
}

func TestExtendMembership_Rejections(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()
	h.store.addInvite("RJCT2345", h.partner.ID, 30)

	_, err := h.svc.ExtendMembership(ctx, nil, "RJCT2345")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.svc.ExtendMembership(ctx, h.partner, "RJCT2345")
	require.ErrorIs(t, err, ErrNotManaged)

	s := h.student("r@example.com", "5", nil)
	_, err = h.svc.ExtendMembership(ctx, user.ToPrincipal(s), "")
	require.True(t, IsValidation(err))
}
