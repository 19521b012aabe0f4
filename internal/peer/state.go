package peer

import "errors"

var (
	// ErrInvalidState is returned when an operation is not valid in the
	// connection's current state.
	ErrInvalidState = errors.New("peer: invalid state for operation")
	// ErrClosed is returned by negotiation calls interrupted by Close or Timeout.
	ErrClosed = errors.New("peer: connection closed")
)

// State is the negotiation state of a Conn.
type State int

const (
	Created State = iota
	OfferGenerated
	AwaitingRemoteAnswer
	OfferReceived
	AnswerGenerated
	Connected
	Disconnected
	TimedOut
	Closed
)

var stateNames = [...]string{
	Created:              "created",
	OfferGenerated:       "offer_generated",
	AwaitingRemoteAnswer: "awaiting_remote_answer",
	OfferReceived:        "offer_received",
	AnswerGenerated:      "answer_generated",
	Connected:            "connected",
	Disconnected:         "disconnected",
	TimedOut:             "timed_out",
	Closed:               "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Disconnected || s == TimedOut || s == Closed
}

// Role is which side of the handshake this process played.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)
