package types

import "context"

// LeaderEventKind discriminates leadership and membership events.
type LeaderEventKind int

const (
	// LeaderEventNewLeader means a client was elected leader. ClientID is
	// the new leader.
	LeaderEventNewLeader LeaderEventKind = iota

	// LeaderEventLeaderLeft means the current leader departed. ClientID is
	// the departed leader.
	LeaderEventLeaderLeft

	// LeaderEventNoLeader means no leader currently exists. ClientID is
	// empty.
	LeaderEventNoLeader

	// LeaderEventMemberLeft means a non-leader quorum member departed.
	// ClientID is the departed member.
	LeaderEventMemberLeft
)

// String returns the string representation of the event kind.
func (k LeaderEventKind) String() string {
	switch k {
	case LeaderEventNewLeader:
		return "NewLeader"
	case LeaderEventLeaderLeft:
		return "LeaderLeft"
	case LeaderEventNoLeader:
		return "NoLeader"
	case LeaderEventMemberLeft:
		return "MemberLeft"
	default:
		return "Unknown"
	}
}

// LeaderEvent is one leadership or membership change observed by the
// elector.
type LeaderEvent struct {
	Kind     LeaderEventKind
	ClientID string
}

// Quorum exposes the externally maintained set of connected clients. The
// runtime only reads membership; the stream service owns it.
type Quorum interface {
	// Members returns the connected client IDs in ascending order.
	Members() []string
}

// LeaderElector tracks quorum membership and leadership for a document and
// accepts best-effort leadership proposals.
//
// The election algorithm itself lives behind this interface; the built-in
// natsstream driver implements it over a NATS key-value bucket.
type LeaderElector interface {
	Quorum

	// ProposeLeadership asks the election authority to make this client
	// the leader. Best effort: a rejection (another leader already holds
	// the seat) is reported as ErrProposalRejected and is not fatal.
	ProposeLeadership(ctx context.Context) error

	// Leader returns the current leader's client ID. ok is false while no
	// leader exists.
	Leader() (clientID string, ok bool)

	// Events returns the channel of leadership and membership events. The
	// channel is closed when the elector shuts down.
	Events() <-chan LeaderEvent
}
