package negotiation

import (
	"time"

	"github.com/hezronokwach/harvest/internal/domain/event"
	"github.com/hezronokwach/harvest/internal/domain/role"
)

// ContractStatus is the local view of the contract lifecycle. The authoring
// side moves None -> Drafting -> PendingApproval -> Sent (or back to None on
// rejection); the counterparty observes a separate Received record when the
// finished file arrives. The two views coexist deliberately.
type ContractStatus string

const (
	ContractNone            ContractStatus = "NONE"
	ContractDrafting        ContractStatus = "DRAFTING"
	ContractPendingApproval ContractStatus = "PENDING_APPROVAL"
	ContractSent            ContractStatus = "SENT"
	ContractRejected        ContractStatus = "REJECTED"
)

// Draft is a contract draft awaiting resolution.
type Draft struct {
	ID     string            `json:"id"`
	Title  string            `json:"title"`
	Author role.Role         `json:"author"`
	Terms  map[string]string `json:"terms,omitempty"`
}

// ReceivedFile records a finished document pushed to this viewer.
type ReceivedFile struct {
	Filename string            `json:"filename"`
	URL      string            `json:"url"`
	From     role.Role         `json:"from"`
	Terms    map[string]string `json:"terms,omitempty"`
	At       time.Time         `json:"at"`
}

// Progress tracks negotiation rounds. Monotonic within a session; reset
// only at a session boundary.
type Progress struct {
	Turn      int `json:"turn"`
	Round     int `json:"round"`
	MaxRounds int `json:"max_rounds"`
}

// Percent derives the 0-100 completion value, clamped.
func (p Progress) Percent() float64 {
	if p.MaxRounds <= 0 {
		return 0
	}
	pct := float64(p.Round) / float64(p.MaxRounds) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Deal records a finalized negotiation; the price is frozen at the agreed
// value once set.
type Deal struct {
	By    role.Role `json:"by"`
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
}

// Thought is one strategic insight line, either received from upstream or
// derived locally by the insight detector.
type Thought struct {
	Role role.Role `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// State is the full negotiation/contract view for one session.
type State struct {
	Progress   Progress                  `json:"progress"`
	Offers     map[role.Role]event.Offer `json:"offers,omitempty"`
	Deal       *Deal                     `json:"deal,omitempty"`
	Contract   ContractStatus            `json:"contract"`
	Pending    *Draft                    `json:"pending,omitempty"`
	Received   *ReceivedFile             `json:"received,omitempty"`
	RejectNote string                    `json:"reject_note,omitempty"`
	Thoughts   []Thought                 `json:"thoughts,omitempty"`
	Speaking   map[role.Role]bool        `json:"speaking,omitempty"`
	Online     map[role.Role]bool        `json:"online,omitempty"`
}

// Initial returns the zero negotiation state.
func Initial() State {
	return State{
		Offers:   map[role.Role]event.Offer{},
		Contract: ContractNone,
		Speaking: map[role.Role]bool{},
		Online:   map[role.Role]bool{},
	}
}

// Clone returns a deep copy safe to hand to read-only consumers.
func (s State) Clone() State {
	out := s
	out.Offers = make(map[role.Role]event.Offer, len(s.Offers))
	for k, v := range s.Offers {
		out.Offers[k] = v
	}
	out.Speaking = make(map[role.Role]bool, len(s.Speaking))
	for k, v := range s.Speaking {
		out.Speaking[k] = v
	}
	out.Online = make(map[role.Role]bool, len(s.Online))
	for k, v := range s.Online {
		out.Online[k] = v
	}
	if s.Deal != nil {
		deal := *s.Deal
		out.Deal = &deal
	}
	if s.Pending != nil {
		pending := *s.Pending
		pending.Terms = cloneTerms(s.Pending.Terms)
		out.Pending = &pending
	}
	if s.Received != nil {
		received := *s.Received
		received.Terms = cloneTerms(s.Received.Terms)
		out.Received = &received
	}
	out.Thoughts = append([]Thought(nil), s.Thoughts...)
	return out
}

func cloneTerms(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
