package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxgate/bridge/internal/core/domain"
	"github.com/voxgate/bridge/internal/core/port"
	sdpnorm "github.com/voxgate/bridge/internal/sdp"
)

// Named, bounded waits. None of these are correctness requirements; they
// accommodate provider-side timing and trade a little latency for not
// blocking a call forever.
const (
	// acceptDelay is the pause between pre_accept and accept the provider
	// expects before it will confirm the call.
	acceptDelay = 1 * time.Second
	// trackWait bounds how long we hold the call open for the provider's
	// first inbound track before settling for one-way audio.
	trackWait = 3 * time.Second
	// gatherWait bounds ICE candidate gathering before SDP is sent to the
	// provider, which does not trickle.
	gatherWait = 3 * time.Second
	// offerRetention keeps stored offers around after answering so late
	// renegotiation signals still find them.
	offerRetention = 5 * time.Second
	// placementRetry is the pause before the single retry of a deferred
	// call placement after a permission grant.
	placementRetry = 2 * time.Second
	// bridgeTimeout is the ceiling for one whole bridge attempt.
	bridgeTimeout = 30 * time.Second
)

// waits bundles the tunable delays so they stay named and adjustable.
type waits struct {
	accept         time.Duration
	track          time.Duration
	gather         time.Duration
	offerRetention time.Duration
	placementRetry time.Duration
	bridge         time.Duration
}

func defaultWaits() waits {
	return waits{
		accept:         acceptDelay,
		track:          trackWait,
		gather:         gatherWait,
		offerRetention: offerRetention,
		placementRetry: placementRetry,
		bridge:         bridgeTimeout,
	}
}

// Bridge is the call bridge state machine. It consumes events from the
// browser signaling channel and the provider webhook path, reconciles them
// into one call lifecycle and drives both legs to an answered state.
//
// Every mutation of the session goes through b.mu: the two event sources
// are not ordered relative to each other, so there is exactly one writer.
type Bridge struct {
	mu      sync.Mutex
	store   *SessionStore
	engine  port.MediaEngine
	control port.CallControl
	gate    *PermissionGate
	records port.CallRecordRepository
	waits   waits
}

func NewBridge(engine port.MediaEngine, control port.CallControl, gate *PermissionGate, records port.CallRecordRepository) *Bridge {
	return &Bridge{
		store:   NewSessionStore(),
		engine:  engine,
		control: control,
		gate:    gate,
		records: records,
		waits:   defaultWaits(),
	}
}

// State reports the current lifecycle state.
func (b *Bridge) State() domain.CallState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.Get().state
}

// HandleBrowserOffer stores the browser's session description and remembers
// the channel it arrived on. Applying the same offer twice before bridging
// is an overwrite-with-same-value, never a second bridge attempt.
func (b *Bridge) HandleBrowserOffer(ctx context.Context, ch port.BrowserChannel, sdp string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess := b.store.Get()
	b.store.Touch()
	if sess.inProgress {
		log.Warn().Str("channel_id", ch.ID()).Msg("Ignoring browser offer while bridging in progress")
		return nil
	}
	sess.browserOffer = sdp
	sess.browserChannel = ch
	if sess.state == domain.StateIdle {
		sess.state = domain.StateAwaitingOffers
	}
	b.tryBridgeLocked()
	b.tryCompleteOutboundLocked()
	return nil
}

// HandleBrowserCandidate feeds a network candidate to the browser leg,
// buffering it if the leg does not exist yet.
func (b *Bridge) HandleBrowserCandidate(ctx context.Context, candidate string) error {
	b.mu.Lock()
	sess := b.store.Get()
	leg := sess.browserLeg
	if leg == nil {
		sess.pendingCandidates = append(sess.pendingCandidates, candidate)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return leg.AddCandidate(candidate)
}

// HandleAcceptCall is an explicit bridge trigger from the browser. Missing
// preconditions mean "keep waiting", not an error.
func (b *Bridge) HandleAcceptCall(ctx context.Context, callID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess := b.store.Get()
	if sess.callID != "" && callID != "" && sess.callID != callID {
		log.Warn().Str("call_id", callID).Str("active_call_id", sess.callID).Msg("accept-call for a different call")
		return domain.ErrNoActiveCall
	}
	b.store.Touch()
	b.tryBridgeLocked()
	b.tryCompleteOutboundLocked()
	return nil
}

// HandleRejectCall declines the pending call and tells the provider.
func (b *Bridge) HandleRejectCall(ctx context.Context, callID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess := b.store.Get()
	if sess.callID == "" || (callID != "" && sess.callID != callID) {
		return domain.ErrNoActiveCall
	}
	b.finishLocked("rejected", true)
	return nil
}

// HandleTerminateCall is the browser hanging up.
func (b *Bridge) HandleTerminateCall(ctx context.Context, callID string) error {
	b.mu.Lock()
	sess := b.store.Get()
	if sess.state == domain.StateIdle {
		b.mu.Unlock()
		return domain.ErrNoActiveCall
	}
	if callID != "" && sess.callID != "" && sess.callID != callID {
		b.mu.Unlock()
		log.Warn().Str("call_id", callID).Str("active_call_id", sess.callID).Msg("terminate-call for a different call, ignoring")
		return domain.ErrNoActiveCall
	}
	ch := sess.browserChannel
	ended := sess.callID
	b.finishLocked("local-hangup", true)
	b.mu.Unlock()
	sendEvent(ch, domain.NewEvent(domain.EventCallEnded, ended))
	return nil
}

// HandleBrowserDisconnect reacts to the signaling channel going away. If it
// carried the active call the whole session comes down, provider leg
// included, so the far side is not left ringing.
func (b *Bridge) HandleBrowserDisconnect(ch port.BrowserChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess := b.store.Get()
	if sess.browserChannel == nil || sess.browserChannel.ID() != ch.ID() {
		return
	}
	if sess.state == domain.StateIdle {
		sess.browserChannel = nil
		return
	}
	log.Info().Str("channel_id", ch.ID()).Msg("Browser channel gone, terminating call")
	b.finishLocked("browser-disconnect", true)
}

// HandleInitiateCall starts an outbound call to target, going through the
// permission gate first.
func (b *Bridge) HandleInitiateCall(ctx context.Context, ch port.BrowserChannel, target string) error {
	b.mu.Lock()
	sess := b.store.Get()
	b.store.Touch()
	if sess.inProgress || sess.outboundPending || sess.placing {
		b.mu.Unlock()
		log.Warn().Str("target", target).Msg("Rejecting outbound call while another call is in flight")
		sendEvent(ch, domain.NewEvent(domain.EventCallFailed, domain.FailureBusy))
		return domain.ErrCallInProgress
	}
	sess.browserChannel = ch
	sess.peer = target
	sess.direction = domain.DirectionOutbound
	// Claim the placement window before releasing the lock: the session
	// must read as busy for the whole consent-check-and-connect stretch,
	// not only once the callID exists.
	sess.placing = true
	if sess.state == domain.StateIdle {
		sess.state = domain.StateAwaitingOffers
	}
	gen := b.store.Generation()
	b.mu.Unlock()

	outcome, err := b.gate.SmartCall(ctx, target, func(cctx context.Context) error {
		return b.placeCall(cctx, gen, target)
	})
	b.withSession(gen, func(s *callSession) { s.placing = false })
	switch outcome {
	case OutcomePlaced:
		if err != nil {
			b.abortOutbound(gen, err)
			return err
		}
	case OutcomeRequested:
		sendEvent(ch, domain.NewEvent(domain.EventPermissionNeeded, target))
		sendEvent(ch, domain.NewEvent(domain.EventPermissionRequestSent, target))
	case OutcomeRateLimited:
		sendEvent(ch, domain.NewEvent(domain.EventPermissionNeeded, target))
		sendEvent(ch, domain.NewEvent(domain.EventPermissionRequestFailed, domain.FailureRateLimited))
	case OutcomeRequestFailed:
		sendEvent(ch, domain.NewEvent(domain.EventPermissionRequestFailed, domain.FailureInternal))
	}
	return err
}

// HandleCallConnect is the provider webhook reporting a call leg with a
// session description: a fresh inbound call, the answer to an outbound call
// we placed, or a duplicate to reject.
func (b *Bridge) HandleCallConnect(ctx context.Context, ev domain.CallConnect) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess := b.store.Get()
	b.store.Touch()

	if sess.outboundPending && sess.callID == ev.CallID {
		sess.providerOffer = ev.SDP
		sess.providerAnswered = true
		b.tryCompleteOutboundLocked()
		return nil
	}

	if sess.inProgress || sess.placing || (sess.callID != "" && sess.callID != ev.CallID) {
		log.Warn().
			Str("call_id", ev.CallID).
			Str("active_call_id", sess.callID).
			Msg("Rejecting connect event while another call is active")
		return domain.ErrCallInProgress
	}

	sess.callID = ev.CallID
	sess.providerOffer = ev.SDP
	sess.direction = domain.DirectionInbound
	if sess.peer == "" {
		sess.peer = ev.CallerID
	}
	if sess.state == domain.StateIdle {
		sess.state = domain.StateAwaitingOffers
	}
	b.tryBridgeLocked()
	return nil
}

// HandleCallTerminate is the provider reporting a hangup.
func (b *Bridge) HandleCallTerminate(ctx context.Context, ev domain.CallTerminate) error {
	b.mu.Lock()
	sess := b.store.Get()
	if sess.callID == "" || sess.callID != ev.CallID {
		b.mu.Unlock()
		log.Info().Str("call_id", ev.CallID).Msg("Terminate for unknown or stale call, ignoring")
		return nil
	}
	reason := ev.Reason
	if reason == "" {
		reason = "remote-hangup"
	}
	ch := sess.browserChannel
	ended := sess.callID
	b.finishLocked(reason, false)
	b.mu.Unlock()
	sendEvent(ch, domain.NewEvent(domain.EventCallEnded, ended))
	return nil
}

// HandlePermissionUpdate reacts to a consent decision. A grant while an
// outbound call is parked waiting for it auto-places the call, with one
// delayed retry.
func (b *Bridge) HandlePermissionUpdate(ctx context.Context, ev domain.PermissionUpdate) error {
	b.mu.Lock()
	sess := b.store.Get()
	ch := sess.browserChannel
	waiting := sess.direction == domain.DirectionOutbound &&
		sess.peer == ev.Target &&
		sess.callID == "" &&
		!sess.inProgress &&
		!sess.placing
	if ev.Status == domain.PermissionGranted && waiting {
		// Claim the placement window before the goroutine starts so
		// concurrent events read the session as busy.
		sess.placing = true
	}
	gen := b.store.Generation()
	b.mu.Unlock()

	switch ev.Status {
	case domain.PermissionDenied:
		log.Info().Str("target", ev.Target).Msg("Call permission denied")
		if waiting {
			sendEvent(ch, domain.NewEvent(domain.EventCallFailed, domain.FailurePermissionDenied))
		}
	case domain.PermissionGranted:
		if !waiting {
			return nil
		}
		log.Info().Str("target", ev.Target).Msg("Call permission granted, placing deferred call")
		go b.placeWithRetry(gen, ev.Target)
	}
	return nil
}

// HandleMessageStatus records delivery receipts for permission-request
// messages. Diagnostic only.
func (b *Bridge) HandleMessageStatus(ctx context.Context, ev domain.MessageStatus) error {
	log.Debug().Str("message_id", ev.ID).Str("status", ev.Status).Msg("Message status update")
	return nil
}

// tryBridgeLocked starts the inbound bridge once both offers and the
// browser channel are present. inProgress is a mutual-exclusion flag, not a
// queue: while it is set nothing else can start a bridge.
func (b *Bridge) tryBridgeLocked() {
	sess := b.store.Get()
	if sess.inProgress || sess.outboundPending || sess.placing {
		return
	}
	if sess.browserOffer == "" || sess.providerOffer == "" || sess.browserChannel == nil {
		return
	}
	sess.inProgress = true
	sess.state = domain.StateBridging
	log.Info().Str("call_id", sess.callID).Msg("Both offers present, bridging")
	go b.runBridge(b.store.Generation())
}

// tryCompleteOutboundLocked finishes an outbound call once the provider has
// answered and the browser offer is in.
func (b *Bridge) tryCompleteOutboundLocked() {
	sess := b.store.Get()
	if !sess.outboundPending || !sess.providerAnswered || sess.inProgress {
		return
	}
	if sess.browserOffer == "" || sess.browserChannel == nil {
		log.Info().Str("call_id", sess.callID).Msg("Provider answered, waiting for browser offer")
		return
	}
	sess.inProgress = true
	sess.outboundPending = false
	sess.state = domain.StateBridging
	go b.runOutboundBridge(b.store.Generation())
}

// runBridge executes the inbound negotiation sequence. Each step re-checks
// the session generation so a terminated or superseded session turns every
// late completion into a no-op.
func (b *Bridge) runBridge(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), b.waits.bridge)
	defer cancel()

	var (
		browserOffer  string
		providerOffer string
		callID        string
		ch            port.BrowserChannel
	)
	if !b.withSession(gen, func(s *callSession) {
		browserOffer, providerOffer, callID = s.browserOffer, s.providerOffer, s.callID
		ch = s.browserChannel
	}) {
		return
	}

	browserLeg, err := b.setupBrowserLeg(ctx, gen, ch, browserOffer)
	if err != nil {
		b.failBridge(gen, "browser-leg", err)
		return
	}

	providerLeg, err := b.engine.NewLeg(ctx, port.LegOptions{
		Label:         "provider",
		OnStateChange: b.watchLeg(gen, "provider"),
	})
	if err != nil {
		b.failBridge(gen, "create-provider-leg", err)
		return
	}
	// Register the leg before any suspension point so cleanup can always
	// reach it.
	if !b.withSession(gen, func(s *callSession) { s.providerLeg = providerLeg }) {
		providerLeg.Close()
		return
	}
	// The provider leg has to be offered actpass so our answer can take
	// the DTLS server role.
	if err := providerLeg.SetRemoteOffer(sdpnorm.EnsureActpass(providerOffer)); err != nil {
		b.failBridge(gen, "provider-remote-offer", err)
		return
	}

	if err := b.joinMedia(ctx, browserLeg, providerLeg, callID); err != nil {
		b.failBridge(gen, "media", err)
		return
	}

	browserAnswer, err := browserLeg.CreateAnswer(ctx)
	if err != nil {
		b.failBridge(gen, "browser-answer", err)
		return
	}
	sendEvent(ch, domain.NewEvent(domain.EventAnswer, browserAnswer))

	gctx, gcancel := context.WithTimeout(ctx, b.waits.gather)
	providerAnswer, err := providerLeg.CreateAnswer(gctx)
	gcancel()
	if err != nil {
		b.failBridge(gen, "provider-answer", err)
		return
	}
	// Toward the provider we are the DTLS client, and we advertise
	// trickle support.
	providerAnswer = sdpnorm.EnsureTrickle(sdpnorm.ForceActive(providerAnswer))

	if err := b.control.PreAccept(ctx, callID, providerAnswer); err != nil {
		b.failBridge(gen, "pre-accept", err)
		return
	}
	if !b.pause(gen, b.waits.accept) {
		return
	}
	if err := b.control.Accept(ctx, callID, providerAnswer); err != nil {
		// Media is already flowing; only the confirmation failed. Keep
		// the call and leave the rest to operator follow-up.
		log.Error().Err(err).Str("call_id", callID).Msg("Accept call-control action failed, media left running")
	} else {
		sendEvent(ch, domain.NewEvent(domain.EventStartTimer, callID))
	}

	if !b.withSession(gen, func(s *callSession) { s.state = domain.StateActive }) {
		return
	}
	log.Info().Str("call_id", callID).Msg("Call active")
	b.scheduleOfferCleanup(gen)
}

// runOutboundBridge finishes an outbound call: the provider leg already
// exists and has answered, only the browser side still needs wiring.
func (b *Bridge) runOutboundBridge(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), b.waits.bridge)
	defer cancel()

	var (
		browserOffer string
		remoteAnswer string
		callID       string
		ch           port.BrowserChannel
		providerLeg  port.Leg
	)
	if !b.withSession(gen, func(s *callSession) {
		browserOffer, remoteAnswer, callID = s.browserOffer, s.providerOffer, s.callID
		ch, providerLeg = s.browserChannel, s.providerLeg
	}) {
		return
	}
	if providerLeg == nil {
		b.failBridge(gen, "missing-provider-leg", domain.ErrNoActiveCall)
		return
	}

	if err := providerLeg.SetRemoteAnswer(remoteAnswer); err != nil {
		b.failBridge(gen, "provider-remote-answer", err)
		return
	}

	browserLeg, err := b.setupBrowserLeg(ctx, gen, ch, browserOffer)
	if err != nil {
		b.failBridge(gen, "browser-leg", err)
		return
	}

	if err := b.joinMedia(ctx, browserLeg, providerLeg, callID); err != nil {
		b.failBridge(gen, "media", err)
		return
	}

	browserAnswer, err := browserLeg.CreateAnswer(ctx)
	if err != nil {
		b.failBridge(gen, "browser-answer", err)
		return
	}
	sendEvent(ch, domain.NewEvent(domain.EventAnswer, browserAnswer))
	sendEvent(ch, domain.NewEvent(domain.EventStartTimer, callID))

	if !b.withSession(gen, func(s *callSession) { s.state = domain.StateActive }) {
		return
	}
	log.Info().Str("call_id", callID).Msg("Outbound call active")
	b.scheduleOfferCleanup(gen)
}

// placeCall creates the provider leg, produces a local offer and issues the
// connect call-control action.
func (b *Bridge) placeCall(ctx context.Context, gen uint64, target string) error {
	if !b.withSession(gen, nil) {
		return domain.ErrNoActiveCall
	}

	leg, err := b.engine.NewLeg(ctx, port.LegOptions{
		Label:         "provider",
		OnStateChange: b.watchLeg(gen, "provider"),
	})
	if err != nil {
		return fmt.Errorf("create provider leg: %w", err)
	}
	if !b.withSession(gen, func(s *callSession) { s.providerLeg = leg }) {
		leg.Close()
		return domain.ErrNoActiveCall
	}
	// The provider rejects offers with no media in them, and the browser
	// mic is not flowing yet at this point.
	if err := leg.AddSilenceTrack(); err != nil {
		return fmt.Errorf("placeholder audio: %w", err)
	}
	gctx, gcancel := context.WithTimeout(ctx, b.waits.gather)
	offer, err := leg.CreateOffer(gctx)
	gcancel()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	offer = sdpnorm.EnsureTrickle(sdpnorm.EnsureActpass(offer))

	callID, err := b.control.Connect(ctx, target, offer)
	if err != nil {
		return fmt.Errorf("connect %s: %w", target, err)
	}

	b.mu.Lock()
	if b.store.Generation() != gen {
		b.mu.Unlock()
		// Superseded while connect was in flight; don't leak the
		// provider-side call.
		go func() {
			tctx, tcancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer tcancel()
			if err := b.control.Terminate(tctx, callID); err != nil {
				log.Warn().Err(err).Str("call_id", callID).Msg("Failed to terminate orphaned call")
			}
		}()
		return domain.ErrNoActiveCall
	}
	sess := b.store.Get()
	sess.callID = callID
	sess.outboundPending = true
	ch := sess.browserChannel
	b.mu.Unlock()
	sendEvent(ch, domain.NewEvent(domain.EventCallInitiated, callID))
	log.Info().Str("call_id", callID).Str("target", target).Msg("Outbound call placed")
	return nil
}

// placeWithRetry places a deferred outbound call after a permission grant,
// retrying once after a short pause.
func (b *Bridge) placeWithRetry(gen uint64, target string) {
	defer b.withSession(gen, func(s *callSession) { s.placing = false })
	ctx, cancel := context.WithTimeout(context.Background(), b.waits.bridge)
	defer cancel()
	err := b.placeCall(ctx, gen, target)
	if err == nil {
		return
	}
	log.Warn().Err(err).Str("target", target).Msg("Deferred call placement failed, retrying once")
	if !b.pause(gen, b.waits.placementRetry) {
		return
	}
	if err := b.placeCall(ctx, gen, target); err != nil {
		log.Error().Err(err).Str("target", target).Msg("Deferred call placement failed")
		b.abortOutbound(gen, err)
	}
}

// joinMedia wires media between the legs: browser-mic toward the provider
// immediately, provider audio back once its first track shows up. A missing
// provider track downgrades to one-way audio rather than blocking the call.
func (b *Bridge) joinMedia(ctx context.Context, browserLeg, providerLeg port.Leg, callID string) error {
	if !browserLeg.HasInboundAudio() {
		log.Warn().Str("call_id", callID).Msg("No browser audio yet, adding silent placeholder")
		if err := browserLeg.AddSilenceTrack(); err != nil {
			return fmt.Errorf("placeholder audio: %w", err)
		}
	}
	if err := browserLeg.ForwardTracksTo(providerLeg); err != nil {
		return fmt.Errorf("forward browser media: %w", err)
	}
	wctx, wcancel := context.WithTimeout(ctx, b.waits.track)
	gotTrack := providerLeg.WaitForTrack(wctx)
	wcancel()
	if !gotTrack {
		log.Warn().Str("call_id", callID).Msg("No provider media within wait window, continuing one-way")
	}
	if err := providerLeg.ForwardTracksTo(browserLeg); err != nil {
		log.Warn().Err(err).Msg("Provider media forwarding failed")
	}
	return nil
}

// setupBrowserLeg creates the browser leg, registers it in the session,
// applies the remote offer and flushes buffered candidates.
func (b *Bridge) setupBrowserLeg(ctx context.Context, gen uint64, ch port.BrowserChannel, offer string) (port.Leg, error) {
	leg, err := b.engine.NewLeg(ctx, port.LegOptions{
		Label: "browser",
		OnCandidate: func(c string) {
			sendEvent(ch, domain.NewEvent(domain.EventCandidate, c))
		},
		OnStateChange: b.watchLeg(gen, "browser"),
	})
	if err != nil {
		return nil, fmt.Errorf("create browser leg: %w", err)
	}
	var pending []string
	if !b.withSession(gen, func(s *callSession) {
		s.browserLeg = leg
		pending = s.pendingCandidates
		s.pendingCandidates = nil
	}) {
		leg.Close()
		return nil, domain.ErrNoActiveCall
	}
	if err := leg.SetRemoteOffer(offer); err != nil {
		return nil, fmt.Errorf("browser remote offer: %w", err)
	}
	for _, c := range pending {
		if err := leg.AddCandidate(c); err != nil {
			log.Warn().Err(err).Msg("Buffered candidate rejected")
		}
	}
	return leg, nil
}

// watchLeg turns engine connection-state callbacks into teardown when a leg
// fails mid-call.
func (b *Bridge) watchLeg(gen uint64, label string) func(port.LegState) {
	return func(state port.LegState) {
		log.Debug().Str("leg", label).Str("state", string(state)).Msg("Leg state changed")
		if state != port.LegFailed {
			return
		}
		b.mu.Lock()
		if b.store.Generation() != gen {
			b.mu.Unlock()
			return
		}
		log.Error().Str("leg", label).Msg("Leg failed, tearing down call")
		ch := b.store.Get().browserChannel
		b.finishLocked("leg-failed:"+label, true)
		b.mu.Unlock()
		sendEvent(ch, domain.NewEvent(domain.EventCallFailed, domain.FailureInternal))
	}
}

// failBridge aborts the current bridge attempt: resources released, state
// back to idle, one classified failure event to the browser.
func (b *Bridge) failBridge(gen uint64, stage string, err error) {
	b.mu.Lock()
	if b.store.Generation() != gen {
		b.mu.Unlock()
		return
	}
	log.Error().Err(err).Str("stage", stage).Msg("Bridge attempt aborted")
	ch := b.store.Get().browserChannel
	b.finishLocked("bridge-error:"+stage, true)
	b.mu.Unlock()
	sendEvent(ch, domain.NewEvent(domain.EventCallFailed, domain.FailureReason(err)))
}

// abortOutbound cleans up a failed outbound placement.
func (b *Bridge) abortOutbound(gen uint64, err error) {
	b.mu.Lock()
	if b.store.Generation() != gen {
		b.mu.Unlock()
		return
	}
	ch := b.store.Get().browserChannel
	b.finishLocked("outbound-failed", false)
	b.mu.Unlock()
	sendEvent(ch, domain.NewEvent(domain.EventCallFailed, domain.FailureReason(err)))
}

// finishLocked is the single terminal path: records the call, resets the
// store (closing both legs) and optionally issues the terminate call-control
// action. Callers hold b.mu; any browser event about the termination is sent
// by the caller after releasing it, so a stalled socket cannot pin the lock.
func (b *Bridge) finishLocked(reason string, notifyProvider bool) {
	sess := b.store.session
	if sess == nil {
		return
	}
	sess.state = domain.StateTerminating
	callID := sess.callID
	rec := domain.CallRecord{
		CallID:    callID,
		Peer:      sess.peer,
		Direction: sess.direction,
		StartedAt: sess.createdAt,
		EndedAt:   time.Now(),
		EndReason: reason,
	}
	b.store.Reset(reason)

	if b.records != nil && callID != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.records.Save(ctx, rec); err != nil {
				log.Warn().Err(err).Msg("Failed to save call record")
			}
		}()
	}
	if notifyProvider && callID != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := b.control.Terminate(ctx, callID); err != nil {
				log.Warn().Err(err).Str("call_id", callID).Msg("Terminate call-control action failed")
			}
		}()
	}
}

// withSession runs fn under the lock if the session generation still
// matches, reporting whether it ran. This is what makes superseded waits
// no-ops.
func (b *Bridge) withSession(gen uint64, fn func(*callSession)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.store.Generation() != gen {
		return false
	}
	if fn != nil {
		fn(b.store.Get())
	}
	return true
}

// pause sleeps for d and reports whether the session is still current.
func (b *Bridge) pause(gen uint64, d time.Duration) bool {
	time.Sleep(d)
	return b.withSession(gen, nil)
}

// scheduleOfferCleanup clears stored offers after the retention window;
// callID and leg handles stay until termination.
func (b *Bridge) scheduleOfferCleanup(gen uint64) {
	go func() {
		time.Sleep(b.waits.offerRetention)
		b.withSession(gen, func(s *callSession) {
			s.browserOffer, s.providerOffer = "", ""
		})
	}()
}

func sendEvent(ch port.BrowserChannel, ev domain.Event) {
	if ch == nil {
		return
	}
	if err := ch.Send(ev); err != nil {
		log.Debug().Err(err).Str("event", string(ev.Type)).Msg("Browser event not delivered")
	}
}
