package types

import "time"

// Role is the local peer's role within a group.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// GroupRecord is one joined syncshell, persisted across restarts.
//
// Active=false suspends connection and reconnection attempts without
// forgetting the group. Roster is the display projection of the group's
// membership directory.
type GroupRecord struct {
	ID           GroupHash `json:"id"`
	Name         string    `json:"name"`
	SharedSecret string    `json:"shared_secret"`
	Role         Role      `json:"role"`
	Active       bool      `json:"active"`
	Roster       []string  `json:"roster"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Clone returns a deep copy of the record.
func (g GroupRecord) Clone() GroupRecord {
	out := g
	out.Roster = append([]string(nil), g.Roster...)
	return out
}
