package room

import (
	"time"

	"github.com/valyala/fastrand"
)

// Room is one play session's directory entry. The code is the shareable
// key: it names the session's topics and never changes once created.
type Room struct {
	Code      string    `json:"code"`
	Name      string    `json:"name,omitempty"`
	HostID    string    `json:"hostId"`
	CreatedAt time.Time `json:"createdAt"`
}

const codeLen = 6

// Ambiguous glyphs (0/O, 1/I) are left out so codes survive being read
// aloud across a living room.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func GenerateCode() string {
	buf := make([]byte, codeLen)
	for i := range buf {
		buf[i] = codeAlphabet[fastrand.Uint32n(uint32(len(codeAlphabet)))]
	}
	return string(buf)
}
