package call

import "github.com/hezronokwach/harvest/internal/domain/role"

// State is the signaling lifecycle for a two-party call offer.
type State string

const (
	StateIdle      State = "IDLE"
	StateCalling   State = "CALLING"
	StateRinging   State = "RINGING"
	StateConnected State = "CONNECTED"
)

// Session is the current signaling state. PeerRole is set while Calling or
// Ringing; Room only while Connected. The room identifier is always minted
// by the accepting party and propagated in the accept event; the offering
// side never mints its own.
type Session struct {
	State    State     `json:"state"`
	PeerRole role.Role `json:"peer_role,omitempty"`
	Room     string    `json:"room,omitempty"`
}

// Idle returns the reset session state.
func Idle() Session {
	return Session{State: StateIdle}
}
