package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alecgard/enrolgate/internal/auth"
	"github.com/alecgard/enrolgate/internal/config"
	"github.com/alecgard/enrolgate/internal/invite"
	"github.com/alecgard/enrolgate/internal/notify"
	"github.com/alecgard/enrolgate/internal/user"
	"golang.org/x/crypto/bcrypt"
)

// --- in-memory store ---

type memStore struct {
	mu      sync.Mutex
	seat    sync.Mutex
	seq     int
	invites map[string]*invite.Invite
	users   map[string]*user.User

	failInviteCreates int // fail this many invite inserts
	duplicateCodes    int // report this many inserts as code collisions

	// Hooks run outside mu, so they may call back into the store.
	onInviteLock    func(id string) // after GetForUpdate reads the row
	afterListLapsed func()          // after ListLapsed builds its result
}

func newMemStore() *memStore {
	return &memStore{
		invites: map[string]*invite.Invite{},
		users:   map[string]*user.User{},
	}
}

func (m *memStore) Invites() InviteRepo { return (*memInvites)(m) }
func (m *memStore) Users() UserRepo     { return (*memUsers)(m) }

func (m *memStore) WithTx(ctx context.Context, fn func(Repos) error) error {
	return fn(m)
}

func (m *memStore) WithSeatLock(ctx context.Context, fn func(Repos) error) error {
	m.seat.Lock()
	defer m.seat.Unlock()
	return fn(m)
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func cloneUser(u *user.User) *user.User {
	c := *u
	return &c
}

func cloneInvite(i *invite.Invite) *invite.Invite {
	c := *i
	return &c
}

func tp(t time.Time) *time.Time { return &t }

// user returns the stored record for assertions.
func (m *memStore) user(id string) *user.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	return cloneUser(u)
}

func (m *memStore) invite(id string) *invite.Invite {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.invites[id]
	if !ok {
		return nil
	}
	return cloneInvite(i)
}

func (m *memStore) userCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

// addUser seeds a user with a bcrypt hash of password.
func (m *memStore) addUser(u user.User, password string) *user.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = m.nextID("user")
	}
	if u.Username == "" {
		u.Username = strings.Split(u.Email, "@")[0]
	}
	if u.Role == "" {
		u.Role = user.RoleStudent
	}
	if u.MembershipState == "" {
		u.MembershipState = user.StateActive
	}
	if u.PaymentStatus == "" {
		u.PaymentStatus = user.PaymentNone
	}
	if password != "" {
		hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		u.PasswordHash = string(hash)
	}
	m.seq++
	u.CreatedAt = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(m.seq) * time.Second)
	m.users[u.ID] = &u
	return cloneUser(&u)
}

func (m *memStore) addInvite(code, creatorID string, days int) *invite.Invite {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := &invite.Invite{ID: m.nextID("invite"), Code: code, CreatorID: creatorID, AllottedDays: days}
	m.invites[inv.ID] = inv
	return cloneInvite(inv)
}

// --- invites ---

type memInvites memStore

func (r *memInvites) Create(ctx context.Context, in invite.CreateInput) (*invite.Invite, error) {
	m := (*memStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInviteCreates > 0 {
		m.failInviteCreates--
		return nil, errors.New("insert failed")
	}
	if m.duplicateCodes > 0 {
		m.duplicateCodes--
		return nil, invite.ErrDuplicateCode
	}
	for _, inv := range m.invites {
		if inv.Code == in.Code {
			return nil, invite.ErrDuplicateCode
		}
	}
	inv := &invite.Invite{ID: m.nextID("invite"), Code: in.Code, CreatorID: in.CreatorID, AllottedDays: in.AllottedDays}
	m.invites[inv.ID] = inv
	return cloneInvite(inv), nil
}

func (r *memInvites) GetForUpdate(ctx context.Context, id string) (*invite.Invite, error) {
	m := (*memStore)(r)
	m.mu.Lock()
	inv, ok := m.invites[id]
	var out *invite.Invite
	if ok {
		out = cloneInvite(inv)
	}
	m.mu.Unlock()
	if !ok {
		return nil, invite.ErrNotFound
	}
	if m.onInviteLock != nil {
		m.onInviteLock(id)
	}
	return out, nil
}

func (r *memInvites) FindAvailableByCode(ctx context.Context, code string) (*invite.Invite, error) {
	m := (*memStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	code = invite.NormalizeCode(code)
	for _, inv := range m.invites {
		if inv.Code == code && !inv.Used {
			return cloneInvite(inv), nil
		}
	}
	return nil, invite.ErrNotFound
}

func (r *memInvites) MarkUsed(ctx context.Context, id, userID string, at time.Time) error {
	m := (*memStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[id]
	if !ok || inv.Used {
		return invite.ErrAlreadyUsed
	}
	inv.Used = true
	inv.UsedBy = userID
	inv.UsedAt = tp(at)
	return nil
}

func (r *memInvites) Delete(ctx context.Context, id string, used bool) error {
	m := (*memStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[id]
	if !ok || inv.Used != used {
		return invite.ErrChanged
	}
	delete(m.invites, id)
	return nil
}

func (r *memInvites) List(ctx context.Context, params invite.ListParams) ([]*invite.Invite, string, error) {
	m := (*memStore)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*invite.Invite
	for _, inv := range m.invites {
		if params.CreatorID != "" && inv.CreatorID != params.CreatorID {
			continue
		}
		if params.Status == invite.StatusAvailable && inv.Used || params.Status == invite.StatusUsed && !inv.Used {
			continue
		}
		out = append(out, cloneInvite(inv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, "", nil
}

// --- users ---

type memUsers memStore

func (r *memUsers) Create(ctx context.Context, in user.CreateUserInput) (*user.User, error) {
	m := (*memStore)(r)
	m.mu.Lock()
	email := strings.ToLower(strings.TrimSpace(in.Email))
	for _, u := range m.users {
		if u.Email == email {
			m.mu.Unlock()
			return nil, user.ErrEmailTaken
		}
	}
	m.mu.Unlock()
	return m.addUser(user.User{
		Email:     email,
		Username:  in.Username,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Role:      in.Role,
		ManagerID: in.ManagerID,
		ExpiryAt:  in.ExpiryAt,
	}, in.Password), nil
}

func (r *memUsers) get(id string) (*user.User, bool) {
	u, ok := r.users[id]
	return u, ok
}

func (r *memUsers) GetByID(ctx context.Context, id string) (*user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.get(id)
	if !ok {
		return nil, user.ErrNotFound
	}
	return cloneUser(u), nil
}

func (r *memUsers) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range r.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, user.ErrNotFound
}

func (r *memUsers) UsernameExists(ctx context.Context, username string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (r *memUsers) List(ctx context.Context, params user.ListParams) ([]*user.User, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*user.User
	for _, u := range r.users {
		if params.ManagerID != "" && u.ManagerID != params.ManagerID {
			continue
		}
		if params.Role != "" && u.Role != params.Role {
			continue
		}
		if params.State != "" && u.MembershipState != params.State {
			continue
		}
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, "", nil
}

func (r *memUsers) UpdateProfile(ctx context.Context, id string, in user.UpdateProfileInput) (*user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.get(id)
	if !ok {
		return nil, user.ErrNotFound
	}
	if in.Email != nil {
		for _, other := range r.users {
			if other.ID != id && other.Email == *in.Email {
				return nil, user.ErrEmailTaken
			}
		}
		u.Email = *in.Email
	}
	if in.FirstName != nil {
		u.FirstName = *in.FirstName
	}
	if in.LastName != nil {
		u.LastName = *in.LastName
	}
	return cloneUser(u), nil
}

func (r *memUsers) SetPassword(ctx context.Context, id, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.get(id)
	if !ok {
		return user.ErrNotFound
	}
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	u.PasswordHash = string(hash)
	return nil
}

func (r *memUsers) Activate(ctx context.Context, id, managerID string, expiry time.Time) (*user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.get(id)
	if !ok {
		return nil, user.ErrNotFound
	}
	u.MembershipState = user.StateActive
	u.ManagerID = managerID
	u.ExpiryAt = tp(expiry)
	u.ExpiryNoticeSentAt = nil
	u.ExpiryNoticeFor = nil
	return cloneUser(u), nil
}

func (r *memUsers) SetExpiry(ctx context.Context, id string, expiry, now time.Time) (*user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.get(id)
	if !ok || u.MembershipState != user.StateActive || (u.ExpiryAt != nil && !u.ExpiryAt.After(now)) {
		return nil, user.ErrStateChanged
	}
	u.ExpiryAt = tp(expiry)
	u.ExpiryNoticeSentAt = nil
	u.ExpiryNoticeFor = nil
	return cloneUser(u), nil
}

func (r *memUsers) Expire(ctx context.Context, id string, expiry, now time.Time) (*user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.get(id)
	if !ok || u.MembershipState != user.StateActive || u.ExpiryAt == nil ||
		!u.ExpiryAt.Equal(expiry) || u.ExpiryAt.After(now) {
		return nil, user.ErrStateChanged
	}
	u.MembershipState = user.StateExpired
	return cloneUser(u), nil
}

func (r *memUsers) Revoke(ctx context.Context, id string, at time.Time) (*user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.get(id)
	if !ok || u.MembershipState != user.StateActive {
		return nil, user.ErrStateChanged
	}
	u.MembershipState = user.StateExpired
	u.ExpiryAt = tp(at)
	return cloneUser(u), nil
}

func (r *memUsers) ClaimExpiryNotice(ctx context.Context, id string, expiry, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.get(id)
	if !ok || u.MembershipState != user.StateActive || u.ExpiryAt == nil || !u.ExpiryAt.Equal(expiry) {
		return false, nil
	}
	if u.ExpiryNoticeFor != nil && !u.ExpiryNoticeFor.Before(*u.ExpiryAt) {
		return false, nil
	}
	u.ExpiryNoticeSentAt = tp(now)
	u.ExpiryNoticeFor = tp(*u.ExpiryAt)
	return true, nil
}

func (r *memUsers) AssignManagerIfEmpty(ctx context.Context, id, managerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.get(id)
	if !ok || u.ManagerID != "" {
		return false, nil
	}
	u.ManagerID = managerID
	return true, nil
}

func (r *memUsers) SetPaymentStatus(ctx context.Context, id, status string) (*user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.get(id)
	if !ok {
		return nil, user.ErrNotFound
	}
	u.PaymentStatus = status
	return cloneUser(u), nil
}

func (r *memUsers) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.get(id); ok {
		u.LastLoginAt = tp(at)
	}
	return nil
}

func (r *memUsers) CountActive(ctx context.Context, managerID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.users {
		if managerID != "" && u.ManagerID != managerID {
			continue
		}
		if u.HoldsSeatAt(now) {
			n++
		}
	}
	return n, nil
}

func (r *memUsers) ListNoticeDue(ctx context.Context, now, until time.Time) ([]*user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*user.User
	for _, u := range r.users {
		if u.NoticeDueAt(now, until.Sub(now)) {
			out = append(out, cloneUser(u))
		}
	}
	return out, nil
}

func (r *memUsers) ListLapsed(ctx context.Context, now time.Time) ([]*user.User, error) {
	r.mu.Lock()
	var out []*user.User
	for _, u := range r.users {
		if u.MembershipState == user.StateActive && u.ExpiryAt != nil && !u.ExpiryAt.After(now) {
			out = append(out, cloneUser(u))
		}
	}
	r.mu.Unlock()
	if r.afterListLapsed != nil {
		r.afterListLapsed()
	}
	return out, nil
}

// --- collaborators ---

type fakeCourses struct {
	mu        sync.Mutex
	courses   []string
	enrolled  map[string]map[string]bool
	failList  bool
	failFor   string // course id whose calls fail
	unenrolls int

	// onUnenroll runs before each unenroll, outside mu.
	onUnenroll func()
}

func newFakeCourses(ids ...string) *fakeCourses {
	return &fakeCourses{courses: ids, enrolled: map[string]map[string]bool{}}
}

func (f *fakeCourses) Enroll(ctx context.Context, userID, courseID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if courseID == f.failFor {
		return errors.New("lms unavailable")
	}
	if f.enrolled[userID] == nil {
		f.enrolled[userID] = map[string]bool{}
	}
	f.enrolled[userID][courseID] = true
	return nil
}

func (f *fakeCourses) Unenroll(ctx context.Context, userID, courseID string) error {
	if f.onUnenroll != nil {
		f.onUnenroll()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if courseID == f.failFor {
		return errors.New("lms unavailable")
	}
	f.unenrolls++
	delete(f.enrolled[userID], courseID)
	return nil
}

func (f *fakeCourses) ListCourseIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.failList {
		return nil, errors.New("lms unavailable")
	}
	return f.courses, nil
}

func (f *fakeCourses) enrolledIn(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.enrolled[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) Notify(ctx context.Context, ev notify.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeNotifier) ofKind(kind notify.Kind) []notify.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notify.Event
	for _, ev := range f.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type fakeMetrics struct {
	mu          sync.Mutex
	created     int
	redeemed    map[string]int
	transitions map[string]int
	enrollErrs  int
	sweeps      int
}

func (f *fakeMetrics) IncInvitesCreated(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created += n
}

func (f *fakeMetrics) IncInviteRedeemed(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redeemed == nil {
		f.redeemed = map[string]int{}
	}
	f.redeemed[kind]++
}

func (f *fakeMetrics) IncTransition(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitions == nil {
		f.transitions = map[string]int{}
	}
	f.transitions[kind]++
}

func (f *fakeMetrics) IncEnrollmentError(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enrollErrs++
}

func (f *fakeMetrics) ObserveSweep(seconds float64, notices, expired, failed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
}

// --- harness ---

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	svc      *Service
	store    *memStore
	courses  *fakeCourses
	mail     *fakeNotifier
	metrics  *fakeMetrics
	clock    *clock
	admin    *auth.User
	partner  *auth.User
	partner2 *auth.User
}

func testConfig() config.MembershipConfig {
	return config.MembershipConfig{
		DefaultInviteDays: 30,
		NoticeDaysBefore:  7,
		SharedPool:        true,
		Timezone:          "UTC",
		SiteName:          "Impact Websites",
	}
}

func newHarness(cfg config.MembershipConfig) *harness {
	h := &harness{
		store:   newMemStore(),
		courses: newFakeCourses("c1", "c2", "c3"),
		mail:    &fakeNotifier{},
		metrics: &fakeMetrics{},
		clock:   &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.svc = NewService(h.store, h.courses, h.mail, cfg)
	h.svc.now = h.clock.now
	h.svc.SetMetrics(h.metrics)

	admin := h.store.addUser(user.User{ID: "admin-1", Email: "admin@example.com", Role: user.RoleAdmin, FirstName: "Ada", LastName: "Admin"}, "admin-password")
	p1 := h.store.addUser(user.User{ID: "5", Email: "partner@example.com", Role: user.RolePartner, FirstName: "Pat", LastName: "Partner"}, "partner-password")
	p2 := h.store.addUser(user.User{ID: "6", Email: "other@example.com", Role: user.RolePartner, FirstName: "Oli", LastName: "Other"}, "other-password")
	h.admin = user.ToPrincipal(admin)
	h.partner = user.ToPrincipal(p1)
	h.partner2 = user.ToPrincipal(p2)
	return h
}

// student seeds an active student managed by managerID expiring at expiry.
func (h *harness) student(email, managerID string, expiry *time.Time) *user.User {
	return h.store.addUser(user.User{
		Email:     email,
		FirstName: "Stu",
		LastName:  "Dent",
		Role:      user.RoleStudent,
		ManagerID: managerID,
		ExpiryAt:  expiry,
	}, "student-password")
}

func (h *harness) register(code, email string) (*Redemption, error) {
	return h.svc.RedeemInvite(context.Background(), RegisterInput{
		Code:      code,
		Email:     email,
		FirstName: "New",
		LastName:  "Student",
		Password:  "correct-horse",
	})
}
