package ws

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voxgate/bridge/internal/core/port"
)

// Hub tracks connected browser channels. Registration flows through
// channels so the run loop is the only writer of the client set.
// Implements port.ChannelRegistry.
type Hub struct {
	mu         sync.Mutex
	clients    map[port.BrowserChannel]bool
	register   chan port.BrowserChannel
	unregister chan port.BrowserChannel
	quit       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[port.BrowserChannel]bool),
		register:   make(chan port.BrowserChannel),
		unregister: make(chan port.BrowserChannel),
		quit:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Info().Str("channel_id", client.ID()).Int("count", count).Msg("Channel registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				log.Info().Str("channel_id", client.ID()).Int("count", len(h.clients)).Msg("Channel unregistered")
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) Register(c port.BrowserChannel) {
	select {
	case h.register <- c:
	case <-h.quit:
		// Run loop already gone; close the channel here so the late
		// arrival is not left open.
		c.Close()
	}
}

func (h *Hub) Unregister(c port.BrowserChannel) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// CloseAll is shutdown: stops the run loop and closes every channel.
func (h *Hub) CloseAll() {
	close(h.quit)
}
