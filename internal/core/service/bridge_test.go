package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxgate/bridge/internal/core/domain"
	"github.com/voxgate/bridge/internal/core/port"
)

const (
	browserOfferSDP  = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=setup:actpass\r\n"
	providerOfferSDP = "v=0\r\no=- 2 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 0\r\nc=IN IP4 0.0.0.0\r\n"
	providerAnswer   = "v=0\r\no=- 3 3 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 0\r\nc=IN IP4 0.0.0.0\r\na=setup:passive\r\n"
)

type fakeLeg struct {
	label string
	opts  port.LegOptions

	mu           sync.Mutex
	remoteOffer  string
	remoteAnswer string
	candidates   []string
	forwardedTo  []port.Leg
	silence      bool
	hasAudio     bool
	trackReady   bool
	closed       bool
	answerErr    error
}

func (l *fakeLeg) SetRemoteOffer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteOffer = sdp
	return nil
}

func (l *fakeLeg) SetRemoteAnswer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteAnswer = sdp
	return nil
}

func (l *fakeLeg) CreateOffer(ctx context.Context) (string, error) {
	return fmt.Sprintf("v=0\r\no=- 9 9 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 0\r\nc=IN IP4 0.0.0.0\r\na=mid:%s\r\n", l.label), nil
}

func (l *fakeLeg) CreateAnswer(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.answerErr != nil {
		return "", l.answerErr
	}
	return providerAnswer, nil
}

func (l *fakeLeg) AddCandidate(c string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *fakeLeg) HasInboundAudio() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasAudio
}

func (l *fakeLeg) AddSilenceTrack() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.silence = true
	return nil
}

func (l *fakeLeg) ForwardTracksTo(dst port.Leg) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forwardedTo = append(l.forwardedTo, dst)
	return nil
}

func (l *fakeLeg) WaitForTrack(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trackReady
}

func (l *fakeLeg) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLeg) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeEngine struct {
	mu      sync.Mutex
	legs    []*fakeLeg
	noTrack bool // new legs never produce a track
}

func (e *fakeEngine) NewLeg(ctx context.Context, opts port.LegOptions) (port.Leg, error) {
	leg := &fakeLeg{label: opts.Label, opts: opts, trackReady: !e.noTrack}
	e.mu.Lock()
	e.legs = append(e.legs, leg)
	e.mu.Unlock()
	return leg, nil
}

func (e *fakeEngine) legByLabel(label string) *fakeLeg {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.legs) - 1; i >= 0; i-- {
		if e.legs[i].label == label {
			return e.legs[i]
		}
	}
	return nil
}

func (e *fakeEngine) legCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.legs)
}

type fakeControl struct {
	mu         sync.Mutex
	connects   []string
	preAccepts []string
	accepts    []string
	terminates []string
	requested  []string

	connectErr   error
	connectDelay time.Duration
	preAcceptErr error
	acceptErr    error
	requestErr   error
	checkErr     error
	permission   domain.PermissionStatus
}

func (c *fakeControl) Connect(ctx context.Context, target, offerSDP string) (string, error) {
	c.mu.Lock()
	delay := c.connectDelay
	c.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return "", c.connectErr
	}
	c.connects = append(c.connects, target)
	return "call-42", nil
}

func (c *fakeControl) PreAccept(ctx context.Context, callID, answerSDP string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.preAcceptErr != nil {
		return c.preAcceptErr
	}
	c.preAccepts = append(c.preAccepts, callID)
	return nil
}

func (c *fakeControl) Accept(ctx context.Context, callID, answerSDP string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acceptErr != nil {
		return c.acceptErr
	}
	c.accepts = append(c.accepts, callID)
	return nil
}

func (c *fakeControl) Terminate(ctx context.Context, callID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminates = append(c.terminates, callID)
	return nil
}

func (c *fakeControl) RequestPermission(ctx context.Context, target string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requestErr != nil {
		return "", c.requestErr
	}
	c.requested = append(c.requested, target)
	return "msg-1", nil
}

func (c *fakeControl) CheckPermission(ctx context.Context, target string) (domain.PermissionStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkErr != nil {
		return domain.PermissionUnknown, c.checkErr
	}
	if c.permission == "" {
		return domain.PermissionUnknown, nil
	}
	return c.permission, nil
}

func (c *fakeControl) count(which *[]string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(*which)
}

type fakeChannel struct {
	id string

	mu     sync.Mutex
	events []domain.Event
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Send(ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) count(t domain.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (c *fakeChannel) payload(t domain.EventType) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Type == t {
			return ev.Payload, true
		}
	}
	return "", false
}

type fakeRepo struct {
	mu      sync.Mutex
	records []domain.CallRecord
}

func (r *fakeRepo) Save(ctx context.Context, rec domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeRepo) Recent(ctx context.Context, limit int) ([]domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CallRecord(nil), r.records...), nil
}

func (r *fakeRepo) saved() []domain.CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CallRecord(nil), r.records...)
}

func newTestBridge() (*Bridge, *fakeEngine, *fakeControl, *fakeRepo) {
	engine := &fakeEngine{}
	control := &fakeControl{}
	repo := &fakeRepo{}
	b := NewBridge(engine, control, NewPermissionGate(control), repo)
	b.waits = waits{
		accept:         time.Millisecond,
		track:          5 * time.Millisecond,
		gather:         5 * time.Millisecond,
		offerRetention: 20 * time.Millisecond,
		placementRetry: 5 * time.Millisecond,
		bridge:         2 * time.Second,
	}
	return b, engine, control, repo
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func bridgeInbound(t *testing.T, b *Bridge, ch port.BrowserChannel, callID string) {
	t.Helper()
	if err := b.HandleBrowserOffer(context.Background(), ch, browserOfferSDP); err != nil {
		t.Fatalf("HandleBrowserOffer: %v", err)
	}
	ev := domain.CallConnect{CallID: callID, SDP: providerOfferSDP, CallerID: "15551234567"}
	if err := b.HandleCallConnect(context.Background(), ev); err != nil {
		t.Fatalf("HandleCallConnect: %v", err)
	}
	waitFor(t, "call active", func() bool { return b.State() == domain.StateActive })
}

func TestInboundBridgeBrowserFirst(t *testing.T) {
	b, engine, control, _ := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}

	bridgeInbound(t, b, ch, "wacid.1")

	if got := control.count(&control.preAccepts); got != 1 {
		t.Errorf("pre_accept calls = %d, want 1", got)
	}
	if got := control.count(&control.accepts); got != 1 {
		t.Errorf("accept calls = %d, want 1", got)
	}
	if _, ok := ch.payload(domain.EventAnswer); !ok {
		t.Error("browser never received an answer")
	}
	if got, _ := ch.payload(domain.EventStartTimer); got != "wacid.1" {
		t.Errorf("start-timer payload = %q, want wacid.1", got)
	}

	providerLeg := engine.legByLabel("provider")
	if providerLeg == nil {
		t.Fatal("provider leg never created")
	}
	providerLeg.mu.Lock()
	remoteOffer := providerLeg.remoteOffer
	providerLeg.mu.Unlock()
	if !strings.Contains(remoteOffer, "a=setup:actpass") {
		t.Errorf("provider remote offer lacks actpass setup:\n%s", remoteOffer)
	}
}

func TestInboundBridgeProviderFirst(t *testing.T) {
	b, _, control, _ := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}

	ev := domain.CallConnect{CallID: "wacid.1", SDP: providerOfferSDP, CallerID: "15551234567"}
	if err := b.HandleCallConnect(context.Background(), ev); err != nil {
		t.Fatalf("HandleCallConnect: %v", err)
	}
	if got := b.State(); got != domain.StateAwaitingOffers {
		t.Fatalf("state after connect = %v, want %v", got, domain.StateAwaitingOffers)
	}
	if err := b.HandleBrowserOffer(context.Background(), ch, browserOfferSDP); err != nil {
		t.Fatalf("HandleBrowserOffer: %v", err)
	}

	waitFor(t, "call active", func() bool { return b.State() == domain.StateActive })
	if got := control.count(&control.accepts); got != 1 {
		t.Errorf("accept calls = %d, want 1", got)
	}
}

func TestSilencePlaceholderWhenNoBrowserAudio(t *testing.T) {
	b, engine, _, _ := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}

	bridgeInbound(t, b, ch, "wacid.1")

	browserLeg := engine.legByLabel("browser")
	browserLeg.mu.Lock()
	defer browserLeg.mu.Unlock()
	if !browserLeg.silence {
		t.Error("browser leg without audio got no silence placeholder")
	}
	if len(browserLeg.forwardedTo) != 1 {
		t.Errorf("browser leg forwarded to %d legs, want 1", len(browserLeg.forwardedTo))
	}
}

func TestOneWayAudioStillBridges(t *testing.T) {
	b, engine, control, _ := newTestBridge()
	engine.noTrack = true
	ch := &fakeChannel{id: "ch-1"}

	bridgeInbound(t, b, ch, "wacid.1")
	if got := control.count(&control.accepts); got != 1 {
		t.Errorf("accept calls = %d, want 1", got)
	}
}

func TestSecondInboundCallRejected(t *testing.T) {
	b, _, _, _ := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}
	bridgeInbound(t, b, ch, "wacid.1")

	ev := domain.CallConnect{CallID: "wacid.2", SDP: providerOfferSDP}
	if err := b.HandleCallConnect(context.Background(), ev); !errors.Is(err, domain.ErrCallInProgress) {
		t.Errorf("second connect error = %v, want ErrCallInProgress", err)
	}
	if got := b.State(); got != domain.StateActive {
		t.Errorf("state = %v, want the first call still active", got)
	}
}

func TestDuplicateOfferIgnoredWhileBridging(t *testing.T) {
	b, engine, _, _ := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}
	bridgeInbound(t, b, ch, "wacid.1")
	legs := engine.legCount()

	if err := b.HandleBrowserOffer(context.Background(), ch, browserOfferSDP); err != nil {
		t.Fatalf("duplicate offer: %v", err)
	}
	if got := engine.legCount(); got != legs {
		t.Errorf("leg count = %d after duplicate offer, want %d", got, legs)
	}
	if got := b.State(); got != domain.StateActive {
		t.Errorf("state = %v, want %v", got, domain.StateActive)
	}
}

func TestConcurrentEventsSingleBridge(t *testing.T) {
	b, engine, control, _ := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}
	ev := domain.CallConnect{CallID: "wacid.1", SDP: providerOfferSDP, CallerID: "15551234567"}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.HandleBrowserOffer(context.Background(), ch, browserOfferSDP)
		}()
		go func() {
			defer wg.Done()
			b.HandleCallConnect(context.Background(), ev)
		}()
	}
	wg.Wait()

	waitFor(t, "call active", func() bool { return b.State() == domain.StateActive })
	if got := engine.legCount(); got != 2 {
		t.Errorf("leg count = %d, want exactly one bridge attempt (2 legs)", got)
	}
	if got := control.count(&control.accepts); got != 1 {
		t.Errorf("accept calls = %d, want 1", got)
	}
}

func TestPreAcceptFailureAbortsCall(t *testing.T) {
	b, engine, control, _ := newTestBridge()
	control.preAcceptErr = errors.New("session expired")
	ch := &fakeChannel{id: "ch-1"}

	if err := b.HandleBrowserOffer(context.Background(), ch, browserOfferSDP); err != nil {
		t.Fatalf("HandleBrowserOffer: %v", err)
	}
	ev := domain.CallConnect{CallID: "wacid.1", SDP: providerOfferSDP}
	if err := b.HandleCallConnect(context.Background(), ev); err != nil {
		t.Fatalf("HandleCallConnect: %v", err)
	}

	waitFor(t, "bridge aborted", func() bool { return b.State() == domain.StateIdle })
	if got := control.count(&control.accepts); got != 0 {
		t.Errorf("accept calls = %d after pre_accept failure, want 0", got)
	}
	if got, _ := ch.payload(domain.EventCallFailed); got != domain.FailureInternal {
		t.Errorf("call-failed reason = %q, want %q", got, domain.FailureInternal)
	}
	waitFor(t, "legs closed", func() bool {
		return engine.legByLabel("browser").isClosed() && engine.legByLabel("provider").isClosed()
	})
}

func TestAcceptFailureKeepsCall(t *testing.T) {
	b, _, control, _ := newTestBridge()
	control.acceptErr = errors.New("transient")
	ch := &fakeChannel{id: "ch-1"}

	bridgeInbound(t, b, ch, "wacid.1")

	if got := ch.count(domain.EventStartTimer); got != 0 {
		t.Errorf("start-timer events = %d after failed accept, want 0", got)
	}
	if got := ch.count(domain.EventCallFailed); got != 0 {
		t.Errorf("call-failed events = %d, want 0", got)
	}
}

func TestTerminateWhileActive(t *testing.T) {
	b, engine, control, repo := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}
	bridgeInbound(t, b, ch, "wacid.1")

	if err := b.HandleTerminateCall(context.Background(), "wacid.1"); err != nil {
		t.Fatalf("HandleTerminateCall: %v", err)
	}
	if got := b.State(); got != domain.StateIdle {
		t.Errorf("state = %v, want %v", got, domain.StateIdle)
	}
	if got := ch.count(domain.EventCallEnded); got != 1 {
		t.Errorf("call-ended events = %d, want 1", got)
	}
	if !engine.legByLabel("browser").isClosed() || !engine.legByLabel("provider").isClosed() {
		t.Error("legs not closed after terminate")
	}
	waitFor(t, "provider notified", func() bool { return control.count(&control.terminates) == 1 })
	waitFor(t, "record saved", func() bool { return len(repo.saved()) == 1 })
	rec := repo.saved()[0]
	if rec.CallID != "wacid.1" || rec.EndReason != "local-hangup" || rec.Direction != domain.DirectionInbound {
		t.Errorf("record = %+v", rec)
	}
}

func TestTerminateWithoutCall(t *testing.T) {
	b, _, _, _ := newTestBridge()
	if err := b.HandleTerminateCall(context.Background(), ""); !errors.Is(err, domain.ErrNoActiveCall) {
		t.Errorf("terminate with no call = %v, want ErrNoActiveCall", err)
	}
}

func TestProviderTerminateEndsCall(t *testing.T) {
	b, _, control, _ := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}
	bridgeInbound(t, b, ch, "wacid.1")

	ev := domain.CallTerminate{CallID: "wacid.1", Reason: "COMPLETED"}
	if err := b.HandleCallTerminate(context.Background(), ev); err != nil {
		t.Fatalf("HandleCallTerminate: %v", err)
	}
	if got := b.State(); got != domain.StateIdle {
		t.Errorf("state = %v, want %v", got, domain.StateIdle)
	}
	if got := ch.count(domain.EventCallEnded); got != 1 {
		t.Errorf("call-ended events = %d, want 1", got)
	}
	// The provider hung up; no terminate action goes back.
	time.Sleep(20 * time.Millisecond)
	if got := control.count(&control.terminates); got != 0 {
		t.Errorf("terminate calls = %d, want 0", got)
	}
}

func TestStaleTerminateIgnored(t *testing.T) {
	b, _, _, _ := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}
	bridgeInbound(t, b, ch, "wacid.1")

	ev := domain.CallTerminate{CallID: "wacid.9", Reason: "COMPLETED"}
	if err := b.HandleCallTerminate(context.Background(), ev); err != nil {
		t.Fatalf("HandleCallTerminate: %v", err)
	}
	if got := b.State(); got != domain.StateActive {
		t.Errorf("state = %v, want the call untouched", got)
	}
}

func TestRejectPendingCall(t *testing.T) {
	b, _, control, _ := newTestBridge()

	ev := domain.CallConnect{CallID: "wacid.1", SDP: providerOfferSDP}
	if err := b.HandleCallConnect(context.Background(), ev); err != nil {
		t.Fatalf("HandleCallConnect: %v", err)
	}
	if err := b.HandleRejectCall(context.Background(), "wacid.1"); err != nil {
		t.Fatalf("HandleRejectCall: %v", err)
	}
	if got := b.State(); got != domain.StateIdle {
		t.Errorf("state = %v, want %v", got, domain.StateIdle)
	}
	waitFor(t, "provider notified", func() bool { return control.count(&control.terminates) == 1 })
}

func TestBrowserDisconnectTearsDownCall(t *testing.T) {
	b, _, control, _ := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}
	bridgeInbound(t, b, ch, "wacid.1")

	b.HandleBrowserDisconnect(ch)
	if got := b.State(); got != domain.StateIdle {
		t.Errorf("state = %v, want %v", got, domain.StateIdle)
	}
	waitFor(t, "provider notified", func() bool { return control.count(&control.terminates) == 1 })
}

func TestBrowserDisconnectOtherChannelIgnored(t *testing.T) {
	b, _, _, _ := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}
	bridgeInbound(t, b, ch, "wacid.1")

	b.HandleBrowserDisconnect(&fakeChannel{id: "ch-2"})
	if got := b.State(); got != domain.StateActive {
		t.Errorf("state = %v, want the call untouched", got)
	}
}

func TestCandidateBufferedBeforeLeg(t *testing.T) {
	b, engine, _, _ := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}

	if err := b.HandleBrowserCandidate(context.Background(), `{"candidate":"early"}`); err != nil {
		t.Fatalf("HandleBrowserCandidate: %v", err)
	}
	bridgeInbound(t, b, ch, "wacid.1")

	browserLeg := engine.legByLabel("browser")
	browserLeg.mu.Lock()
	defer browserLeg.mu.Unlock()
	if len(browserLeg.candidates) != 1 || browserLeg.candidates[0] != `{"candidate":"early"}` {
		t.Errorf("buffered candidates = %v", browserLeg.candidates)
	}
}

func TestOutboundCallWithPermission(t *testing.T) {
	b, engine, control, _ := newTestBridge()
	control.permission = domain.PermissionGranted
	ch := &fakeChannel{id: "ch-1"}

	if err := b.HandleInitiateCall(context.Background(), ch, "15551234567"); err != nil {
		t.Fatalf("HandleInitiateCall: %v", err)
	}
	if got := control.count(&control.connects); got != 1 {
		t.Fatalf("connect calls = %d, want 1", got)
	}
	if got, _ := ch.payload(domain.EventCallInitiated); got != "call-42" {
		t.Errorf("call-initiated payload = %q, want call-42", got)
	}

	providerLeg := engine.legByLabel("provider")
	providerLeg.mu.Lock()
	silence := providerLeg.silence
	providerLeg.mu.Unlock()
	if !silence {
		t.Error("outbound provider leg got no placeholder audio")
	}

	// Provider answers via webhook, browser offer arrives after.
	ev := domain.CallConnect{CallID: "call-42", SDP: providerAnswer}
	if err := b.HandleCallConnect(context.Background(), ev); err != nil {
		t.Fatalf("HandleCallConnect: %v", err)
	}
	if err := b.HandleBrowserOffer(context.Background(), ch, browserOfferSDP); err != nil {
		t.Fatalf("HandleBrowserOffer: %v", err)
	}

	waitFor(t, "call active", func() bool { return b.State() == domain.StateActive })
	providerLeg.mu.Lock()
	remoteAnswer := providerLeg.remoteAnswer
	providerLeg.mu.Unlock()
	if remoteAnswer != providerAnswer {
		t.Error("provider leg never received the remote answer")
	}
	// Outbound calls are answered by the callee; no accept handshake.
	if got := control.count(&control.preAccepts); got != 0 {
		t.Errorf("pre_accept calls = %d, want 0", got)
	}
	if got := ch.count(domain.EventStartTimer); got != 1 {
		t.Errorf("start-timer events = %d, want 1", got)
	}
}

func TestOutboundCallNeedsPermission(t *testing.T) {
	b, _, control, _ := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}

	if err := b.HandleInitiateCall(context.Background(), ch, "15551234567"); err != nil {
		t.Fatalf("HandleInitiateCall: %v", err)
	}
	if got := control.count(&control.connects); got != 0 {
		t.Errorf("connect calls = %d before permission, want 0", got)
	}
	if got := ch.count(domain.EventPermissionNeeded); got != 1 {
		t.Errorf("permission-needed events = %d, want 1", got)
	}
	if got := ch.count(domain.EventPermissionRequestSent); got != 1 {
		t.Errorf("permission-request-sent events = %d, want 1", got)
	}

	// Grant arrives; the deferred call gets placed.
	ev := domain.PermissionUpdate{Target: "15551234567", Status: domain.PermissionGranted}
	if err := b.HandlePermissionUpdate(context.Background(), ev); err != nil {
		t.Fatalf("HandlePermissionUpdate: %v", err)
	}
	waitFor(t, "deferred placement", func() bool { return control.count(&control.connects) == 1 })
	waitFor(t, "call-initiated event", func() bool { return ch.count(domain.EventCallInitiated) == 1 })
}

func TestOutboundPermissionDenied(t *testing.T) {
	b, _, _, _ := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}

	if err := b.HandleInitiateCall(context.Background(), ch, "15551234567"); err != nil {
		t.Fatalf("HandleInitiateCall: %v", err)
	}
	ev := domain.PermissionUpdate{Target: "15551234567", Status: domain.PermissionDenied}
	if err := b.HandlePermissionUpdate(context.Background(), ev); err != nil {
		t.Fatalf("HandlePermissionUpdate: %v", err)
	}
	if got, _ := ch.payload(domain.EventCallFailed); got != domain.FailurePermissionDenied {
		t.Errorf("call-failed reason = %q, want %q", got, domain.FailurePermissionDenied)
	}
}

func TestOutboundRateLimited(t *testing.T) {
	b, _, control, _ := newTestBridge()
	control.requestErr = fmt.Errorf("refused: %w", domain.ErrRateLimited)
	ch := &fakeChannel{id: "ch-1"}

	err := b.HandleInitiateCall(context.Background(), ch, "15551234567")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Errorf("HandleInitiateCall = %v, want ErrRateLimited", err)
	}
	if got, _ := ch.payload(domain.EventPermissionRequestFailed); got != domain.FailureRateLimited {
		t.Errorf("permission-request-failed reason = %q, want %q", got, domain.FailureRateLimited)
	}
}

func TestInitiateWhileBusy(t *testing.T) {
	b, _, _, _ := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}
	bridgeInbound(t, b, ch, "wacid.1")

	other := &fakeChannel{id: "ch-2"}
	err := b.HandleInitiateCall(context.Background(), other, "15551234567")
	if !errors.Is(err, domain.ErrCallInProgress) {
		t.Errorf("HandleInitiateCall = %v, want ErrCallInProgress", err)
	}
	if got, _ := other.payload(domain.EventCallFailed); got != domain.FailureBusy {
		t.Errorf("call-failed reason = %q, want %q", got, domain.FailureBusy)
	}
}

func TestConcurrentInitiateSinglePlacement(t *testing.T) {
	b, engine, control, _ := newTestBridge()
	control.permission = domain.PermissionGranted
	control.connectDelay = 50 * time.Millisecond
	ch := &fakeChannel{id: "ch-1"}
	other := &fakeChannel{id: "ch-2"}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = b.HandleInitiateCall(context.Background(), ch, "15551234567")
	}()
	go func() {
		defer wg.Done()
		errs[1] = b.HandleInitiateCall(context.Background(), other, "15551234567")
	}()
	wg.Wait()

	if got := control.count(&control.connects); got != 1 {
		t.Errorf("connect call-control actions = %d, want 1", got)
	}
	if got := engine.legCount(); got != 1 {
		t.Errorf("provider legs created = %d, want 1", got)
	}
	busy := 0
	for _, err := range errs {
		if errors.Is(err, domain.ErrCallInProgress) {
			busy++
		}
	}
	if busy != 1 {
		t.Errorf("busy rejections = %d, want 1 (errs = %v)", busy, errs)
	}
}

func TestInboundConnectRejectedDuringPlacement(t *testing.T) {
	b, _, control, _ := newTestBridge()
	control.permission = domain.PermissionGranted
	control.connectDelay = 50 * time.Millisecond
	ch := &fakeChannel{id: "ch-1"}

	done := make(chan error, 1)
	go func() {
		done <- b.HandleInitiateCall(context.Background(), ch, "15551234567")
	}()
	waitFor(t, "placement window open", func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.store.Get().placing
	})

	ev := domain.CallConnect{CallID: "wacid.inbound", SDP: providerOfferSDP, CallerID: "15557654321"}
	if err := b.HandleCallConnect(context.Background(), ev); !errors.Is(err, domain.ErrCallInProgress) {
		t.Errorf("inbound connect during placement = %v, want ErrCallInProgress", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("HandleInitiateCall: %v", err)
	}
	b.mu.Lock()
	callID := b.store.Get().callID
	b.mu.Unlock()
	if callID != "call-42" {
		t.Errorf("session call ID = %q, want the outbound call-42", callID)
	}
}

// blockingChannel stalls call-ended delivery until gate is closed, and
// signals via blocked when the stall begins.
type blockingChannel struct {
	fakeChannel
	blocked chan struct{}
	gate    chan struct{}
}

func (c *blockingChannel) Send(ev domain.Event) error {
	if ev.Type == domain.EventCallEnded {
		close(c.blocked)
		<-c.gate
	}
	return c.fakeChannel.Send(ev)
}

func TestCallEndedDeliveryDoesNotHoldLock(t *testing.T) {
	b, _, _, _ := newTestBridge()
	ch := &blockingChannel{
		fakeChannel: fakeChannel{id: "ch-1"},
		blocked:     make(chan struct{}),
		gate:        make(chan struct{}),
	}
	bridgeInbound(t, b, ch, "wacid.1")

	done := make(chan error, 1)
	go func() {
		done <- b.HandleTerminateCall(context.Background(), "wacid.1")
	}()
	<-ch.blocked

	// The stalled write must not pin the bridge mutex.
	state := make(chan domain.CallState, 1)
	go func() { state <- b.State() }()
	select {
	case got := <-state:
		if got != domain.StateIdle {
			t.Errorf("state = %v, want %v", got, domain.StateIdle)
		}
	case <-time.After(time.Second):
		t.Fatal("bridge locked up while delivering call-ended")
	}

	close(ch.gate)
	if err := <-done; err != nil {
		t.Fatalf("HandleTerminateCall: %v", err)
	}
	if got := ch.count(domain.EventCallEnded); got != 1 {
		t.Errorf("call-ended events = %d, want 1", got)
	}
}

func TestLegFailureTearsDownCall(t *testing.T) {
	b, engine, _, _ := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}
	bridgeInbound(t, b, ch, "wacid.1")

	providerLeg := engine.legByLabel("provider")
	providerLeg.opts.OnStateChange(port.LegFailed)

	if got := b.State(); got != domain.StateIdle {
		t.Errorf("state = %v, want %v", got, domain.StateIdle)
	}
	if got := ch.count(domain.EventCallFailed); got != 1 {
		t.Errorf("call-failed events = %d, want 1", got)
	}
}

func TestOfferCleanupAfterRetention(t *testing.T) {
	b, _, _, _ := newTestBridge()
	ch := &fakeChannel{id: "ch-1"}
	bridgeInbound(t, b, ch, "wacid.1")

	waitFor(t, "offers cleared", func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		s := b.store.Get()
		return s.browserOffer == "" && s.providerOffer == ""
	})
	if got := b.State(); got != domain.StateActive {
		t.Errorf("state = %v, want the call still active after offer cleanup", got)
	}
}
