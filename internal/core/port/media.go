package port

import "context"

// LegState mirrors the engine's connection state for one peer connection.
type LegState string

const (
	LegConnecting LegState = "connecting"
	LegConnected  LegState = "connected"
	LegFailed     LegState = "failed"
	LegClosed     LegState = "closed"
)

// LegOptions configures a new leg. Callbacks fire from engine goroutines.
type LegOptions struct {
	Label         string
	OnCandidate   func(candidate string)
	OnStateChange func(state LegState)
}

// Leg is one side's peer connection (browser or provider). The bridge
// controller owns the lifecycle; a closed leg must never be reused.
type Leg interface {
	SetRemoteOffer(sdp string) error
	SetRemoteAnswer(sdp string) error

	// CreateOffer produces and applies a local offer, waiting for
	// candidate gathering until ctx expires (best-effort on timeout).
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer produces and applies a local answer, waiting for
	// candidate gathering until ctx expires (best-effort on timeout).
	CreateAnswer(ctx context.Context) (string, error)

	AddCandidate(candidate string) error

	// HasInboundAudio reports whether any remote audio has been buffered.
	HasInboundAudio() bool

	// AddSilenceTrack registers a synthesized silent audio source so the
	// other side always receives a non-empty media stream.
	AddSilenceTrack() error

	// ForwardTracksTo relays all buffered and future inbound tracks of
	// this leg onto dst.
	ForwardTracksTo(dst Leg) error

	// WaitForTrack blocks until the first inbound track arrives or ctx
	// expires; reports whether a track arrived.
	WaitForTrack(ctx context.Context) bool

	Close() error
}

// MediaEngine creates legs. It abstracts the WebRTC implementation that
// performs the actual ICE/DTLS/SRTP work.
type MediaEngine interface {
	NewLeg(ctx context.Context, opts LegOptions) (Leg, error)
}
