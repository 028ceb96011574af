package roster

import (
	"time"

	"github.com/enescakir/emoji"
	"github.com/google/uuid"
	"github.com/valyala/fastrand"
)

// Player is one participant as published in presence. ID is generated on
// the client and stays stable across reconnects within a session, which is
// what lets a rejoining tab reclaim its seat.
type Player struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar"`
	Host     bool      `json:"host"`
	Score    int       `json:"score"`
	JoinedAt time.Time `json:"joinedAt"`
}

// NewID mints a session-scoped player id.
func NewID() string {
	return uuid.NewString()
}

var defaultAvatars = []emoji.Emoji{
	emoji.DogFace,
	emoji.Owl,
	emoji.Octopus,
	emoji.Hedgehog,
	emoji.Penguin,
	emoji.Koala,
	emoji.Badger,
	emoji.Flamingo,
	emoji.Sloth,
	emoji.Raccoon,
}

// DefaultAvatar picks a stand-in for players who join without one.
func DefaultAvatar() string {
	return defaultAvatars[fastrand.Uint32n(uint32(len(defaultAvatars)))].String()
}
