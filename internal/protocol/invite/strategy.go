package invite

import "time"

// DefaultStaleAfter is the inactivity window after which a group is
// recovered by bootstrap instead of a fresh offer/answer exchange.
const DefaultStaleAfter = 30 * 24 * time.Hour

// Strategy is how a new member is brought into a group.
type Strategy int

const (
	// Manual is the two-round-trip offer/answer exchange, used when the
	// group has no established connection.
	Manual Strategy = iota
	// MeshBootstrap hands out group credentials; the joiner reaches the
	// mesh through a connection it already has.
	MeshBootstrap
	// Stale skips negotiation for groups idle beyond the staleness window.
	Stale
)

func (s Strategy) String() string {
	switch s {
	case Manual:
		return "manual"
	case MeshBootstrap:
		return "mesh_bootstrap"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// SelectStrategy picks the join strategy from the group's state. Staleness
// wins over connectivity. A zero lastActivity is never stale.
func SelectStrategy(connected int, lastActivity, now time.Time, staleAfter time.Duration) Strategy {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if !lastActivity.IsZero() && now.Sub(lastActivity) > staleAfter {
		return Stale
	}
	if connected > 0 {
		return MeshBootstrap
	}
	return Manual
}
