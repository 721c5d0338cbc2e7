package domain

import "time"

// CallState tracks where the single in-flight call is in its lifecycle.
// Terminal states collapse back to StateIdle after cleanup.
type CallState int

const (
	StateIdle CallState = iota
	StateAwaitingOffers
	StateBridging
	StateActive
	StateTerminating
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingOffers:
		return "awaiting_offers"
	case StateBridging:
		return "bridging"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CallRecord is the per-call summary kept after a call ends.
type CallRecord struct {
	CallID    string
	Peer      string
	Direction CallDirection
	StartedAt time.Time
	EndedAt   time.Time
	EndReason string
}
