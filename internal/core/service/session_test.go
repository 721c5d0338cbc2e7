package service

import (
	"testing"

	"github.com/voxgate/bridge/internal/core/domain"
)

func TestSessionStoreLazyGet(t *testing.T) {
	s := NewSessionStore()
	sess := s.Get()
	if sess.state != domain.StateIdle {
		t.Errorf("fresh session state = %v, want %v", sess.state, domain.StateIdle)
	}
	if s.Get() != sess {
		t.Error("Get returned a different session on second call")
	}
	if s.Active() {
		t.Error("idle session reported active")
	}
}

func TestSessionStoreResetClosesLegs(t *testing.T) {
	s := NewSessionStore()
	sess := s.Get()
	browser := &fakeLeg{label: "browser"}
	provider := &fakeLeg{label: "provider"}
	sess.browserLeg = browser
	sess.providerLeg = provider
	sess.state = domain.StateActive

	gen := s.Generation()
	s.Reset("test")

	if !browser.isClosed() || !provider.isClosed() {
		t.Error("Reset left legs open")
	}
	if s.Generation() != gen+1 {
		t.Errorf("generation = %d, want %d", s.Generation(), gen+1)
	}
	if s.Active() {
		t.Error("store still active after reset")
	}
	if got := s.Get().state; got != domain.StateIdle {
		t.Errorf("state after reset = %v, want %v", got, domain.StateIdle)
	}
}

func TestSessionStoreResetWithoutSession(t *testing.T) {
	s := NewSessionStore()
	s.Reset("noop")
	if s.Generation() != 1 {
		t.Errorf("generation = %d, want 1", s.Generation())
	}
}
