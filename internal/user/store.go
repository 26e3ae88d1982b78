package user

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alecgard/enrolgate/internal/db"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

const sessionDuration = 7 * 24 * time.Hour

var (
	ErrNotFound = errors.New("user not found")
	// ErrEmailTaken is returned when the email belongs to another account.
	ErrEmailTaken = errors.New("email already registered")
	// ErrStateChanged is returned by conditional transitions whose
	// precondition no longer holds, e.g. expiring a user that is no longer
	// active.
	ErrStateChanged = errors.New("user state changed")
)

// Store provides database operations for users and sessions.
type Store struct {
	db         db.DBTX
	sessionTTL time.Duration
}

// NewStore creates a new user store running against the pool or an open
// transaction.
func NewStore(conn db.DBTX) *Store {
	return &Store{db: conn, sessionTTL: sessionDuration}
}

// WithSessionTTL returns a copy of the store issuing sessions that last d.
func (s *Store) WithSessionTTL(d time.Duration) *Store {
	if d <= 0 {
		d = sessionDuration
	}
	return &Store{db: s.db, sessionTTL: d}
}

// userColumns is the full list of columns used in SELECT statements.
const userColumns = `id, email, username, password_hash, first_name, last_name, role,
	membership_state, manager_id, expiry_at, expiry_notice_sent_at, expiry_notice_for,
	last_login_at, payment_status, created_at, updated_at`

// qualifiedColumns prefixes every column in userColumns with alias.
func qualifiedColumns(alias string) string {
	cols := strings.Split(userColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// scanUser scans a user row.
func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	var managerID *string
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Username,
		&u.PasswordHash,
		&u.FirstName,
		&u.LastName,
		&u.Role,
		&u.MembershipState,
		&managerID,
		&u.ExpiryAt,
		&u.ExpiryNoticeSentAt,
		&u.ExpiryNoticeFor,
		&u.LastLoginAt,
		&u.PaymentStatus,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if managerID != nil {
		u.ManagerID = *managerID
	}
	return u, nil
}

func nullable(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// queryUser runs a single-row query and maps the no-rows case to notFound.
func (s *Store) queryUser(ctx context.Context, op string, notFound error, query string, args ...any) (*User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// Create inserts a new user with a bcrypt-hashed password.
func (s *Store) Create(ctx context.Context, in CreateUserInput) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	role := in.Role
	if role == "" {
		role = RoleStudent
	}
	payment := in.PaymentStatus
	if payment == "" {
		payment = PaymentNone
	}

	query := fmt.Sprintf(`INSERT INTO users
		(email, username, password_hash, first_name, last_name, role, manager_id, expiry_at, payment_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING %s`, userColumns)

	u, err := scanUser(s.db.QueryRow(ctx, query,
		strings.ToLower(strings.TrimSpace(in.Email)),
		in.Username,
		string(hash),
		in.FirstName,
		in.LastName,
		role,
		nullable(in.ManagerID),
		in.ExpiryAt,
		payment,
	))
	if err != nil {
		if db.IsUniqueViolation(err, "users_email_key") {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// GetByID retrieves a user by primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	return s.queryUser(ctx, "getting user by id", ErrNotFound,
		fmt.Sprintf(`SELECT %s FROM users WHERE id = $1`, userColumns), id)
}

// GetByEmail retrieves a user by email address.
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.queryUser(ctx, "getting user by email", ErrNotFound,
		fmt.Sprintf(`SELECT %s FROM users WHERE email = $1`, userColumns),
		strings.ToLower(strings.TrimSpace(email)))
}

// UsernameExists reports whether the username is taken.
func (s *Store) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, username,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking username: %w", err)
	}
	return exists, nil
}

// List returns a page of users ordered by created_at DESC, id DESC.
func (s *Store) List(ctx context.Context, params ListParams) ([]*User, string, error) {
	limit := params.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	args := []any{}
	argIdx := 1
	whereClauses := []string{}

	if params.Cursor != "" {
		cursorTime, cursorID, err := db.DecodeCursor(params.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		whereClauses = append(whereClauses,
			fmt.Sprintf("(created_at, id) < ($%d, $%d)", argIdx, argIdx+1))
		args = append(args, cursorTime, cursorID)
		argIdx += 2
	}
	if params.ManagerID != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("manager_id = $%d", argIdx))
		args = append(args, params.ManagerID)
		argIdx++
	}
	if params.Role != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("role = $%d", argIdx))
		args = append(args, params.Role)
		argIdx++
	}
	if params.State != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("membership_state = $%d", argIdx))
		args = append(args, params.State)
		argIdx++
	}

	where := ""
	if len(whereClauses) > 0 {
		where = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	query := fmt.Sprintf(`SELECT %s FROM users %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		userColumns, where, argIdx)
	args = append(args, limit+1)

	users, err := s.queryUsers(ctx, "listing users", query, args...)
	if err != nil {
		return nil, "", err
	}

	var nextCursor string
	if len(users) > limit {
		last := users[limit-1]
		nextCursor = db.EncodeCursor(last.CreatedAt, last.ID)
		users = users[:limit]
	}
	return users, nextCursor, nil
}

func (s *Store) queryUsers(ctx context.Context, op, query string, args ...any) ([]*User, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return users, nil
}

// UpdateProfile performs a partial update of name and email.
func (s *Store) UpdateProfile(ctx context.Context, id string, in UpdateProfileInput) (*User, error) {
	var setClauses []string
	var args []any
	argIdx := 1

	if in.Email != nil {
		setClauses = append(setClauses, fmt.Sprintf("email = $%d", argIdx))
		args = append(args, strings.ToLower(strings.TrimSpace(*in.Email)))
		argIdx++
	}
	if in.FirstName != nil {
		setClauses = append(setClauses, fmt.Sprintf("first_name = $%d", argIdx))
		args = append(args, *in.FirstName)
		argIdx++
	}
	if in.LastName != nil {
		setClauses = append(setClauses, fmt.Sprintf("last_name = $%d", argIdx))
		args = append(args, *in.LastName)
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetByID(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE users SET %s, updated_at = now() WHERE id = $%d RETURNING %s`,
		strings.Join(setClauses, ", "), argIdx, userColumns,
	)

	u, err := s.queryUser(ctx, "updating profile", ErrNotFound, query, args...)
	if err != nil && db.IsUniqueViolation(err, "users_email_key") {
		return nil, ErrEmailTaken
	}
	return u, err
}

// SetPassword replaces the user's password hash.
func (s *Store) SetPassword(ctx context.Context, id, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`,
		id, string(hash))
	if err != nil {
		return fmt.Errorf("setting password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Activate makes the user an active student managed by managerID until
// expiry, clearing any advance-notice record.
func (s *Store) Activate(ctx context.Context, id, managerID string, expiry time.Time) (*User, error) {
	return s.queryUser(ctx, "activating user", ErrNotFound,
		fmt.Sprintf(`UPDATE users SET
			membership_state = 'active',
			manager_id = $2,
			expiry_at = $3,
			expiry_notice_sent_at = NULL,
			expiry_notice_for = NULL,
			updated_at = now()
		 WHERE id = $1
		 RETURNING %s`, userColumns),
		id, nullable(managerID), expiry)
}

// SetExpiry moves the expiry of a user holding access at now and re-arms
// the advance notice. Returns ErrStateChanged if the user is no longer
// active or their expiry has already passed.
func (s *Store) SetExpiry(ctx context.Context, id string, expiry, now time.Time) (*User, error) {
	return s.queryUser(ctx, "setting expiry", ErrStateChanged,
		fmt.Sprintf(`UPDATE users SET
			expiry_at = $2,
			expiry_notice_sent_at = NULL,
			expiry_notice_for = NULL,
			updated_at = now()
		 WHERE id = $1
		   AND membership_state = 'active'
		   AND (expiry_at IS NULL OR expiry_at > $3)
		 RETURNING %s`, userColumns),
		id, expiry, now)
}

// Expire moves a lapsed user to the expired state. The update only applies
// while the stored expiry still equals expiry and is at or before now, so a
// concurrent extension or reactivation wins. Returns ErrStateChanged
// otherwise, which also makes repeated calls no-ops.
func (s *Store) Expire(ctx context.Context, id string, expiry, now time.Time) (*User, error) {
	return s.queryUser(ctx, "expiring user", ErrStateChanged,
		fmt.Sprintf(`UPDATE users SET
			membership_state = 'expired',
			updated_at = now()
		 WHERE id = $1
		   AND membership_state = 'active'
		   AND expiry_at = $2
		   AND expiry_at <= $3
		 RETURNING %s`, userColumns),
		id, expiry, now)
}

// Revoke ends an active user's access at the given time. Returns
// ErrStateChanged if the user is not active.
func (s *Store) Revoke(ctx context.Context, id string, at time.Time) (*User, error) {
	return s.queryUser(ctx, "revoking user", ErrStateChanged,
		fmt.Sprintf(`UPDATE users SET
			membership_state = 'expired',
			expiry_at = $2,
			updated_at = now()
		 WHERE id = $1 AND membership_state = 'active'
		 RETURNING %s`, userColumns),
		id, at)
}

// ClaimExpiryNotice records that the expiring-soon notice for the given
// expiry is being sent. It returns false when the notice was already claimed
// for that expiry or the expiry moved in the meantime.
func (s *Store) ClaimExpiryNotice(ctx context.Context, id string, expiry, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET expiry_notice_sent_at = $3, expiry_notice_for = expiry_at
		 WHERE id = $1
		   AND membership_state = 'active'
		   AND expiry_at = $2
		   AND (expiry_notice_for IS NULL OR expiry_notice_for < expiry_at)`,
		id, expiry, now)
	if err != nil {
		return false, fmt.Errorf("claiming expiry notice: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AssignManagerIfEmpty sets the manager of a user that has none. It reports
// whether an assignment happened.
func (s *Store) AssignManagerIfEmpty(ctx context.Context, id, managerID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET manager_id = $2, updated_at = now()
		 WHERE id = $1 AND manager_id IS NULL`,
		id, managerID)
	if err != nil {
		return false, fmt.Errorf("assigning manager: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetPaymentStatus records the payment status flag.
func (s *Store) SetPaymentStatus(ctx context.Context, id, status string) (*User, error) {
	return s.queryUser(ctx, "setting payment status", ErrNotFound,
		fmt.Sprintf(`UPDATE users SET payment_status = $2, updated_at = now()
		 WHERE id = $1 RETURNING %s`, userColumns),
		id, status)
}

// TouchLastLogin stamps the last login time.
func (s *Store) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touching last login: %w", err)
	}
	return nil
}

// CountActive counts students holding a seat at now: expiry unset or in the
// future. An empty managerID counts the whole pool.
func (s *Store) CountActive(ctx context.Context, managerID string, now time.Time) (int, error) {
	query := `SELECT count(*) FROM users
		WHERE role = 'student' AND (expiry_at IS NULL OR expiry_at > $1)`
	args := []any{now}
	if managerID != "" {
		query += ` AND manager_id = $2`
		args = append(args, managerID)
	}

	var n int
	if err := s.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting active users: %w", err)
	}
	return n, nil
}

// ListNoticeDue returns active users expiring in (now, until] that have not
// been notified for their current expiry.
func (s *Store) ListNoticeDue(ctx context.Context, now, until time.Time) ([]*User, error) {
	return s.queryUsers(ctx, "listing notice-due users",
		fmt.Sprintf(`SELECT %s FROM users
		 WHERE membership_state = 'active'
		   AND expiry_at > $1 AND expiry_at <= $2
		   AND (expiry_notice_for IS NULL OR expiry_notice_for < expiry_at)
		 ORDER BY expiry_at`, userColumns),
		now, until)
}

// ListLapsed returns active users whose expiry is at or before now.
func (s *Store) ListLapsed(ctx context.Context, now time.Time) ([]*User, error) {
	return s.queryUsers(ctx, "listing lapsed users",
		fmt.Sprintf(`SELECT %s FROM users
		 WHERE membership_state = 'active' AND expiry_at <= $1
		 ORDER BY expiry_at`, userColumns),
		now)
}

// CheckPassword verifies a plaintext password against the user's stored hash.
func CheckPassword(u *User, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// CreateSession creates a new session for the given user. It returns the
// opaque plaintext token (to be sent to the client) and the stored session.
func (s *Store) CreateSession(ctx context.Context, userID string) (string, *Session, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("generating session token: %w", err)
	}
	plaintext := hex.EncodeToString(b)
	tokenHash := hashToken(plaintext)

	now := time.Now()
	expiresAt := now.Add(s.sessionTTL)

	sess := &Session{}
	err := s.db.QueryRow(ctx,
		`INSERT INTO sessions (token_hash, user_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING token_hash, user_id, created_at, expires_at`,
		tokenHash, userID, now, expiresAt,
	).Scan(&sess.TokenHash, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt)
	if err != nil {
		return "", nil, fmt.Errorf("creating session: %w", err)
	}

	return plaintext, sess, nil
}

// GetSessionUser looks up a session by its plaintext token and returns the
// associated user. Expired sessions are treated as missing.
func (s *Store) GetSessionUser(ctx context.Context, plaintext string) (*User, error) {
	return s.queryUser(ctx, "getting session user", ErrNotFound,
		fmt.Sprintf(`SELECT %s
		 FROM sessions s JOIN users u ON s.user_id = u.id
		 WHERE s.token_hash = $1 AND s.expires_at > now()`, qualifiedColumns("u")),
		hashToken(plaintext))
}

// DeleteSession removes a session by its plaintext token.
func (s *Store) DeleteSession(ctx context.Context, plaintext string) error {
	tokenHash := hashToken(plaintext)
	_, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// CleanExpiredSessions deletes all sessions that have expired.
func (s *Store) CleanExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("cleaning expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func hashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
