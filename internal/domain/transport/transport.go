package transport

import (
	"context"
	"encoding/json"
	"strings"
)

// Peer is a transport-assigned, connection-scoped participant. Identities
// are not stable across reconnects; Metadata optionally carries a declared
// role or persona as a small JSON blob.
type Peer struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
	Metadata string `json:"metadata,omitempty"`
	HasAudio bool   `json:"has_audio"`
}

// DeclaredRole extracts the role/persona declaration from peer metadata.
// Malformed metadata yields empty strings; it is never an error.
func (p Peer) DeclaredRole() (roleName, persona string) {
	meta := strings.TrimSpace(p.Metadata)
	if meta == "" {
		return "", ""
	}
	var decl struct {
		Role    string `json:"role"`
		Persona string `json:"persona"`
	}
	if err := json.Unmarshal([]byte(meta), &decl); err != nil {
		return "", ""
	}
	return strings.TrimSpace(decl.Role), strings.TrimSpace(decl.Persona)
}

// CaptionSegment is one fragment from the streaming captioning channel.
// Segments are attributed to a peer connection, not a logical role.
type CaptionSegment struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Publisher sends one payload on the reliable data channel. Sends are
// fire-and-forget from the caller's perspective: an error means the payload
// was not handed to the transport, never that a peer did not receive it.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// RoomJoiner switches the transport to a different room. Joining tears down
// the current connection; the caller is responsible for any settle delay.
type RoomJoiner interface {
	Join(ctx context.Context, room string) error
	Room() string
}

// PresenceChecker reports whether a persona is currently reachable.
type PresenceChecker interface {
	IsOnline(ctx context.Context, persona string) (bool, error)
}
