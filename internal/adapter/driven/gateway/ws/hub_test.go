package ws

import (
	"sync"
	"testing"
	"time"

	"github.com/voxgate/bridge/internal/core/domain"
)

type stubChannel struct {
	id string

	mu     sync.Mutex
	closed bool
}

func (c *stubChannel) ID() string { return c.id }

func (c *stubChannel) Send(ev domain.Event) error { return nil }

func (c *stubChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *stubChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterUnregister(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.CloseAll()

	c := &stubChannel{id: "ch-1"}
	h.Register(c)
	h.Unregister(c)
	waitFor(t, "channel closed on unregister", c.isClosed)
}

func TestRegisterAfterCloseAllDoesNotBlock(t *testing.T) {
	h := NewHub()
	go h.Run()
	h.CloseAll()

	c := &stubChannel{id: "ch-1"}
	done := make(chan struct{})
	go func() {
		h.Register(c)
		h.Unregister(c)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Register blocked after CloseAll")
	}
	if !c.isClosed() {
		t.Error("channel registered after shutdown was left open")
	}
}
