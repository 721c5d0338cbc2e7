package port

import "github.com/voxgate/bridge/internal/core/domain"

// BrowserChannel is one browser signaling connection. The bridge holds a
// back-reference to whichever channel currently represents the browser side
// of the call; it never owns the connection.
type BrowserChannel interface {
	ID() string
	Send(ev domain.Event) error
	Close() error
}

// ChannelRegistry tracks connected browser channels for observability and
// shutdown.
type ChannelRegistry interface {
	Register(ch BrowserChannel)
	Unregister(ch BrowserChannel)
	CloseAll()
}
