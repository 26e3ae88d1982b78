package invite

import "time"

// Invite is a single-use code granting registration rights and a fixed
// access duration.
type Invite struct {
	ID           string     `json:"id"`
	Code         string     `json:"code"`
	CreatorID    string     `json:"creator_id,omitempty"` // empty when the creator is unknown
	AllottedDays int        `json:"allotted_days"`        // 0 = use the configured default
	Used         bool       `json:"used"`
	UsedBy       string     `json:"used_by,omitempty"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Available reports whether the invite can still be redeemed.
func (i *Invite) Available() bool {
	return !i.Used
}

// CreateInput holds the fields required to insert an invite.
type CreateInput struct {
	Code         string
	CreatorID    string
	AllottedDays int
}

// Status filters for listing.
const (
	StatusAvailable = "available"
	StatusUsed      = "used"
)

// ListParams controls listing and pagination of invites.
type ListParams struct {
	CreatorID string `json:"creator_id"` // empty = all creators
	Status    string `json:"status"`     // "", "available" or "used"
	Cursor    string `json:"cursor"`
	Limit     int    `json:"limit"`
}
