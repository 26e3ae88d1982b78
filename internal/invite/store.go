package invite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alecgard/enrolgate/internal/db"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrNotFound is returned when no invite matches. Used codes are reported
	// the same way by FindAvailableByCode.
	ErrNotFound = errors.New("invite not found")
	// ErrAlreadyUsed is returned when marking an invite that was already
	// redeemed.
	ErrAlreadyUsed = errors.New("invite already used")
	// ErrDuplicateCode is returned when the generated code collides with an
	// existing one.
	ErrDuplicateCode = errors.New("invite code already exists")
	// ErrChanged is returned by a conditional delete whose precondition no
	// longer holds.
	ErrChanged = errors.New("invite changed")
)

// Store provides database operations for invites.
type Store struct {
	db db.DBTX
}

// NewStore creates a new Store running against the pool or an open transaction.
func NewStore(conn db.DBTX) *Store {
	return &Store{db: conn}
}

// inviteColumns is the full list of columns used in SELECT statements.
const inviteColumns = `id, code, creator_id, allotted_days, used, used_by, used_at, created_at`

// scanInvite scans a single invite row into an Invite struct.
func scanInvite(row pgx.Row) (*Invite, error) {
	var inv Invite
	var creatorID, usedBy *string
	err := row.Scan(
		&inv.ID,
		&inv.Code,
		&creatorID,
		&inv.AllottedDays,
		&inv.Used,
		&usedBy,
		&inv.UsedAt,
		&inv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if creatorID != nil {
		inv.CreatorID = *creatorID
	}
	if usedBy != nil {
		inv.UsedBy = *usedBy
	}
	return &inv, nil
}

func nullable(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// Create inserts a new invite and returns the full row.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Invite, error) {
	query := fmt.Sprintf(`INSERT INTO invites (code, creator_id, allotted_days)
		VALUES ($1, $2, $3)
		RETURNING %s`, inviteColumns)

	inv, err := scanInvite(s.db.QueryRow(ctx, query, in.Code, nullable(in.CreatorID), in.AllottedDays))
	if err != nil {
		if db.IsUniqueViolation(err, "invites_code_key") {
			return nil, ErrDuplicateCode
		}
		return nil, fmt.Errorf("creating invite: %w", err)
	}
	return inv, nil
}

// GetForUpdate retrieves an invite by primary key regardless of its state
// and, inside a transaction, locks the row until commit so a concurrent
// redemption waits.
func (s *Store) GetForUpdate(ctx context.Context, id string) (*Invite, error) {
	query := fmt.Sprintf(`SELECT %s FROM invites WHERE id = $1 FOR UPDATE`, inviteColumns)
	inv, err := scanInvite(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting invite: %w", err)
	}
	return inv, nil
}

// FindAvailableByCode returns the unused invite with the given code. When run
// inside a transaction the row stays locked until commit.
func (s *Store) FindAvailableByCode(ctx context.Context, code string) (*Invite, error) {
	query := fmt.Sprintf(`SELECT %s FROM invites
		WHERE code = $1 AND used = false
		FOR UPDATE`, inviteColumns)
	inv, err := scanInvite(s.db.QueryRow(ctx, query, NormalizeCode(code)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("finding invite by code: %w", err)
	}
	return inv, nil
}

// MarkUsed records the redeemer of an available invite. Marking an invite
// that is already used fails with ErrAlreadyUsed and changes nothing.
func (s *Store) MarkUsed(ctx context.Context, id, userID string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE invites SET used = true, used_by = $2, used_at = $3
		 WHERE id = $1 AND used = false`,
		id, userID, at,
	)
	if err != nil {
		return fmt.Errorf("marking invite used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyUsed
	}
	return nil
}

// Delete removes an invite whose used flag still equals used. It returns
// ErrChanged when the invite was redeemed or removed since it was read.
func (s *Store) Delete(ctx context.Context, id string, used bool) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM invites WHERE id = $1 AND used = $2`, id, used)
	if err != nil {
		return fmt.Errorf("deleting invite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChanged
	}
	return nil
}

// List returns a page of invites ordered by created_at DESC, id DESC with
// cursor-based pagination.
func (s *Store) List(ctx context.Context, params ListParams) ([]*Invite, string, error) {
	limit := params.Limit
	if limit <= 0 || limit > 100 {
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

	if params.CreatorID != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("creator_id = $%d", argIdx))
		args = append(args, params.CreatorID)
		argIdx++
	}

	switch params.Status {
	case StatusAvailable:
		whereClauses = append(whereClauses, "used = false")
	case StatusUsed:
		whereClauses = append(whereClauses, "used = true")
	}

	where := ""
	if len(whereClauses) > 0 {
		where = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	query := fmt.Sprintf(`SELECT %s FROM invites %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		inviteColumns, where, argIdx)
	args = append(args, limit+1) // fetch one extra to determine next cursor

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing invites: %w", err)
	}
	defer rows.Close()

	var invites []*Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning invite: %w", err)
		}
		invites = append(invites, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating invites: %w", err)
	}

	var nextCursor string
	if len(invites) > limit {
		last := invites[limit-1]
		nextCursor = db.EncodeCursor(last.CreatedAt, last.ID)
		invites = invites[:limit]
	}

	return invites, nextCursor, nil
}
