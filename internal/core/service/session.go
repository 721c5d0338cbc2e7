package service

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxgate/bridge/internal/core/domain"
	"github.com/voxgate/bridge/internal/core/port"
)

// callSession is the single mutable unit of in-flight-call state. All access
// is serialized by the Bridge; nothing here locks.
type callSession struct {
	state     domain.CallState
	callID    string
	peer      string
	direction domain.CallDirection

	browserOffer  string
	providerOffer string

	browserLeg  port.Leg
	providerLeg port.Leg

	// browserChannel is a back-reference, not an ownership relation. It is
	// reassigned on every new browser-side interaction and cleared when
	// that channel disconnects.
	browserChannel port.BrowserChannel

	// inProgress guards against concurrent bridge attempts.
	inProgress bool

	// placing marks an outbound placement in flight: consent check and
	// connect action take seconds and the session has no callID yet, so
	// this is what keeps it busy for that stretch.
	placing bool

	// Outbound-call bookkeeping: the call was placed and we are waiting
	// for the provider to deliver the remote answer via webhook.
	outboundPending  bool
	providerAnswered bool

	// Candidates from the browser that arrived before its leg existed.
	pendingCandidates []string

	createdAt   time.Time
	lastEventAt time.Time
}

// SessionStore is a single-slot store for the one active call. It owns the
// leg handles: Reset is the only place legs are closed, so every exit path
// (completion, error, disconnect) releases them by funneling through it.
//
// The store is not safe for concurrent use on its own; the Bridge is the
// single writer.
type SessionStore struct {
	session    *callSession
	generation uint64
}

func NewSessionStore() *SessionStore {
	return &SessionStore{}
}

// Get returns the current session, creating an idle one lazily.
func (s *SessionStore) Get() *callSession {
	if s.session == nil {
		now := time.Now()
		s.session = &callSession{
			state:       domain.StateIdle,
			createdAt:   now,
			lastEventAt: now,
		}
	}
	return s.session
}

// Active reports whether any call activity is in flight.
func (s *SessionStore) Active() bool {
	return s.session != nil && s.session.state != domain.StateIdle
}

// Generation identifies the current session incarnation. In-flight waits
// capture it before suspending; a mismatch afterwards means the session was
// superseded and the late completion must become a no-op.
func (s *SessionStore) Generation() uint64 {
	return s.generation
}

// Touch refreshes the last-event timestamp.
func (s *SessionStore) Touch() {
	s.Get().lastEventAt = time.Now()
}

// Reset tears the session down: closes both legs, clears every field and
// bumps the generation so superseded waits cannot resurrect state.
func (s *SessionStore) Reset(reason string) {
	s.generation++
	sess := s.session
	s.session = nil
	if sess == nil {
		return
	}
	if sess.browserLeg != nil {
		if err := sess.browserLeg.Close(); err != nil {
			log.Warn().Err(err).Msg("closing browser leg")
		}
	}
	if sess.providerLeg != nil {
		if err := sess.providerLeg.Close(); err != nil {
			log.Warn().Err(err).Msg("closing provider leg")
		}
	}
	log.Info().
		Str("call_id", sess.callID).
		Str("reason", reason).
		Str("state", sess.state.String()).
		Msg("Session reset")
}
