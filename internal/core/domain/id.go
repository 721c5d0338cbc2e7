package domain

import (
	"github.com/google/uuid"
)

// ChannelID identifies one browser signaling connection.
type ChannelID uuid.UUID

func NewChannelID() ChannelID {
	return ChannelID(uuid.New())
}

func (id ChannelID) String() string {
	return uuid.UUID(id).String()
}
