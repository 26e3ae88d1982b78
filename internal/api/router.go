package api

import (
	"context"
	"net/http"

	"github.com/alecgard/enrolgate/internal/auth"
	"github.com/alecgard/enrolgate/internal/config"
	"github.com/alecgard/enrolgate/internal/invite"
	"github.com/alecgard/enrolgate/internal/membership"
	"github.com/alecgard/enrolgate/internal/metrics"
	"github.com/alecgard/enrolgate/internal/ratelimit"
	"github.com/alecgard/enrolgate/internal/user"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Membership is the service surface driven by the HTTP layer.
type Membership interface {
	Authenticate(ctx context.Context, email, password string) (*user.User, error)
	Account(ctx context.Context, actor *auth.User) (*user.User, error)
	ChangePassword(ctx context.Context, actor *auth.User, current, next string) error
	UpdateProfile(ctx context.Context, actor *auth.User, in user.UpdateProfileInput) (*user.User, error)
	MembershipStatus(ctx context.Context, actor *auth.User) (*membership.Status, error)

	RedeemInvite(ctx context.Context, in membership.RegisterInput) (*membership.Redemption, error)
	ExtendMembership(ctx context.Context, actor *auth.User, code string) (*user.User, error)

	CreateInvites(ctx context.Context, actor *auth.User, quantity, days int) ([]*invite.Invite, error)
	DeleteInviteCode(ctx context.Context, actor *auth.User, inviteID string) error
	ListInvites(ctx context.Context, actor *auth.User, params invite.ListParams) ([]*invite.Invite, string, error)

	ListStudents(ctx context.Context, actor *auth.User, params user.ListParams) ([]membership.StudentView, string, error)
	CreateUserManually(ctx context.Context, actor *auth.User, in membership.ManualInput) (*user.User, error)
	Revoke(ctx context.Context, actor *auth.User, userID string) (*user.User, error)
	UpdateExpiry(ctx context.Context, actor *auth.User, userID, date string) (*user.User, error)
	Reenrol(ctx context.Context, actor *auth.User, userID string, days int) (*user.User, error)
	SetPaymentStatus(ctx context.Context, actor *auth.User, userID, status string) (*user.User, error)
	EnsureManagerAssigned(ctx context.Context, actor *auth.User, userID string) (bool, error)
	SeatSummary(ctx context.Context, actor *auth.User) (*membership.SeatSummary, error)
}

// Sessions issues and revokes login sessions.
type Sessions interface {
	CreateSession(ctx context.Context, userID string) (string, *user.Session, error)
	DeleteSession(ctx context.Context, plaintext string) error
}

// Sweeper runs an expiry sweep on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) (*membership.SweepResult, error)
}

// Pinger reports database reachability for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Membership     Membership
	Sessions       Sessions
	SessionLookup  auth.SessionLookup
	FormTokens     *auth.FormTokens
	Sweeper        Sweeper
	Limiter        *ratelimit.Limiter
	Metrics        *metrics.Metrics // optional
	DB             Pinger           // optional
	Redirects      config.RedirectConfig
	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(requestLogger)

	m := deps.Metrics
	instrument := func(kind string) func(http.Handler) http.Handler {
		if m == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return m.Middleware(kind)
	}
	limit := func(scope string) func(http.Handler) http.Handler {
		if deps.Limiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return ratelimit.Middleware(deps.Limiter, scope, 0, func() {
			if m != nil {
				m.IncRateLimitRejection(scope)
			}
		})
	}
	onAuthFailure := func() {
		if m != nil {
			m.IncAuthFailure("session")
		}
	}
	formToken := func(action string) func(http.Handler) http.Handler {
		return auth.RequireFormToken(deps.FormTokens, action)
	}

	accounts := newAuthHandler(deps.Membership, deps.Sessions, deps.Redirects, m)
	forms := newFormsHandler(deps.FormTokens)
	account := newAccountHandler(deps.Membership, deps.Sessions, deps.Redirects)
	admin := newAdminHandler(deps.Membership, deps.Sweeper)

	r.Get("/health", healthHandler(deps.DB))
	if m != nil {
		r.Handle("/metrics", m.Exposition())
	}

	// Public routes.
	r.Group(func(pr chi.Router) {
		pr.Use(instrument("public"))

		pr.With(limit("login")).Post("/api/v1/auth/login", accounts.Login)
		pr.Get("/api/v1/forms/register", forms.IssueAnonymous)
		pr.With(limit("register"), formToken(ActionRegister)).Post("/api/v1/register", account.Register)
	})

	// Session routes, any role.
	r.Group(func(sr chi.Router) {
		sr.Use(instrument("account"))
		sr.Use(auth.SessionMiddleware(deps.SessionLookup, onAuthFailure))

		sr.Get("/api/v1/auth/me", accounts.Me)
		sr.Post("/api/v1/auth/logout", accounts.Logout)
		sr.Get("/api/v1/forms/{action}", forms.Issue)

		sr.Get("/api/v1/account/membership", account.MembershipStatus)
		sr.With(limit("extend"), formToken(ActionExtend)).Post("/api/v1/account/extend", account.Extend)
		sr.With(formToken(ActionPassword)).Post("/api/v1/account/password", account.ChangePassword)
		sr.With(formToken(ActionProfile)).Put("/api/v1/account/profile", account.UpdateProfile)
	})

	// Operator routes.
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(instrument("admin"))
		ar.Use(auth.SessionMiddleware(deps.SessionLookup, onAuthFailure))
		ar.Use(auth.RequireCapability(auth.CapManageInvites))
		ar.Use(formToken(ActionAdmin))

		ar.Post("/invites", admin.CreateInvites)
		ar.Get("/invites", admin.ListInvites)
		ar.Delete("/invites/{id}", admin.DeleteInvite)

		ar.Get("/students", admin.ListStudents)
		ar.Post("/students", admin.CreateStudent)
		ar.Post("/students/{id}/revoke", admin.Revoke)
		ar.Put("/students/{id}/expiry", admin.UpdateExpiry)
		ar.Post("/students/{id}/reenrol", admin.Reenrol)
		ar.Put("/students/{id}/payment", admin.SetPaymentStatus)
		ar.Post("/students/{id}/claim", admin.Claim)

		ar.Get("/seats", admin.Seats)

		ar.Group(func(gr chi.Router) {
			gr.Use(auth.RequireCapability(auth.CapManageAll))
			gr.Post("/sweep", admin.Sweep)
			if m != nil {
				gr.Get("/metrics", m.Handler())
			}
		})
	})

	return r
}

// healthHandler reports liveness and, when a database is wired, whether it
// answers a ping.
func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		if err := db.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "degraded",
				"database": "unreachable",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"database": "connected",
		})
	}
}
