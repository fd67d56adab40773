package tracker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hezronokwach/harvest/internal/application/identity"
	"github.com/hezronokwach/harvest/internal/domain/event"
	"github.com/hezronokwach/harvest/internal/domain/negotiation"
	"github.com/hezronokwach/harvest/internal/domain/role"
	"github.com/hezronokwach/harvest/internal/domain/transport"
)

const maxThoughts = 30

// ErrNoPendingContract is returned when approve/reject has nothing to act on.
var ErrNoPendingContract = errors.New("no contract pending approval")

// Service consumes typed negotiation events and maintains the derived
// progress and contract state. Events may arrive with partial or duplicate
// information; applying them is idempotent where the upstream repeats itself.
type Service struct {
	mu       sync.Mutex
	state    negotiation.State
	resolver *identity.Resolver
	pub      transport.Publisher
	now      func() time.Time
	logger   zerolog.Logger
}

func NewService(resolver *identity.Resolver, pub transport.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		state:    negotiation.Initial(),
		resolver: resolver,
		pub:      pub,
		now:      time.Now,
		logger:   logger.With().Str("service", "tracker").Logger(),
	}
}

// State returns a deep copy of the current negotiation state.
func (s *Service) State() negotiation.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Reset restores initial state at a session boundary.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = negotiation.Initial()
}

// ApplyThought appends a strategic insight line.
func (s *Service) ApplyThought(p event.ThoughtPayload) {
	rl, ok := s.resolver.RoleForAgent(p.Agent)
	if !ok || strings.TrimSpace(p.Text) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendThoughtLocked(rl, strings.TrimSpace(p.Text))
}

// AddInsight appends a locally derived insight for a role.
func (s *Service) AddInsight(rl role.Role, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendThoughtLocked(rl, strings.TrimSpace(text))
}

func (s *Service) appendThoughtLocked(rl role.Role, text string) {
	s.state.Thoughts = append(s.state.Thoughts, negotiation.Thought{Role: rl, Text: text, At: s.now()})
	if len(s.state.Thoughts) > maxThoughts {
		s.state.Thoughts = s.state.Thoughts[len(s.state.Thoughts)-maxThoughts:]
	}
}

// ApplyTimeline updates round progress.
func (s *Service) ApplyTimeline(p event.TimelinePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Progress = negotiation.Progress{Turn: p.Turn, Round: p.Round, MaxRounds: p.MaxRounds}
}

// ApplyOfferUpdate records the latest offer for the sending role.
func (s *Service) ApplyOfferUpdate(p event.OfferUpdatePayload) {
	rl, ok := s.resolver.RoleForAgent(p.Agent)
	if !ok {
		s.logger.Warn().Str("agent", p.Agent).Msg("offer update from unrecognized agent")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Deal != nil {
		// Price is frozen once the deal is closed.
		return
	}
	s.state.Offers[rl] = p.Offer
}

// ApplyDealFinalized closes the negotiation and freezes the agreed price.
func (s *Service) ApplyDealFinalized(p event.DealFinalizedPayload) {
	rl, _ := s.resolver.RoleForAgent(p.Actor())
	price, ok := p.FinalPrice()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Deal != nil {
		return
	}
	if !ok {
		// Fall back to the actor's last known offer when the close event
		// arrives without a price.
		if offer, found := s.state.Offers[rl.Counterpart()]; found {
			price = offer.Price
		}
	}
	s.state.Deal = &negotiation.Deal{By: rl, Price: price, At: s.now()}
	if p.Offer != nil && rl.Valid() {
		s.state.Offers[rl.Counterpart()] = *p.Offer
	}
}

// ApplyContractIntent marks the start of drafting.
func (s *Service) ApplyContractIntent(p event.ContractIntentPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Contract == negotiation.ContractSent {
		return
	}
	s.state.Contract = negotiation.ContractDrafting
	s.state.Pending = nil
	s.state.RejectNote = ""
}

// ApplyContractPreview stores the draft and moves it to pending approval.
func (s *Service) ApplyContractPreview(p event.ContractPreviewPayload) {
	if strings.TrimSpace(p.ContractID) == "" {
		s.logger.Warn().Msg("contract preview without contract_id dropped")
		return
	}
	author, ok := s.resolver.RoleForAgent(p.Agent)
	if !ok {
		author = role.Seller
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Contract = negotiation.ContractPendingApproval
	s.state.Pending = &negotiation.Draft{
		ID:     p.ContractID,
		Title:  p.Title,
		Author: author,
		Terms:  p.ContractData,
	}
	s.state.RejectNote = ""
}

// ApplyContractPreviewError aborts drafting; the upstream could not extract
// usable terms and the draft never materialized.
func (s *Service) ApplyContractPreviewError(p event.ContractPreviewErrorPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Contract != negotiation.ContractDrafting && s.state.Contract != negotiation.ContractPendingApproval {
		return
	}
	s.state.Contract = negotiation.ContractNone
	s.state.Pending = nil
	note := strings.TrimSpace(p.Message)
	if note == "" {
		note = strings.TrimSpace(p.Error)
	}
	s.state.RejectNote = note
}

// ApplyContractApproved resolves the pending draft as sent.
func (s *Service) ApplyContractApproved(p event.ContractApprovedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveApprovedLocked(p.ContractID)
}

func (s *Service) resolveApprovedLocked(contractID string) {
	if s.state.Pending != nil && contractID != "" && s.state.Pending.ID != contractID {
		s.logger.Warn().Str("contract_id", contractID).Str("pending_id", s.state.Pending.ID).Msg("approval for unknown contract ignored")
		return
	}
	s.state.Contract = negotiation.ContractSent
	s.state.Pending = nil
	s.state.RejectNote = ""
}

// ApplyContractRejected returns the draft to None, carrying the reason.
func (s *Service) ApplyContractRejected(p event.ContractRejectedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveRejectedLocked(p.ContractID, p.Reason)
}

func (s *Service) resolveRejectedLocked(contractID, reason string) {
	if s.state.Pending != nil && contractID != "" && s.state.Pending.ID != contractID {
		s.logger.Warn().Str("contract_id", contractID).Str("pending_id", s.state.Pending.ID).Msg("rejection for unknown contract ignored")
		return
	}
	s.state.Contract = negotiation.ContractNone
	s.state.Pending = nil
	s.state.RejectNote = strings.TrimSpace(reason)
}

// ApplyFileShared records the finished document pushed to this viewer.
// Received is a per-viewer status distinct from the authoring side's Sent.
func (s *Service) ApplyFileShared(p event.FileSharedPayload) {
	from, ok := s.resolver.RoleForAgent(p.From)
	if !ok {
		from = role.Seller
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Received = &negotiation.ReceivedFile{
		Filename: p.Filename,
		URL:      p.URL,
		From:     from,
		Terms:    p.ContractData,
		At:       s.now(),
	}
}

// ApplySpeechState updates the live speaking indicator for a role.
func (s *Service) ApplySpeechState(p event.SpeechStatePayload) {
	rl, ok := s.resolver.RoleForAgent(p.Agent)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Speaking[rl] = p.IsSpeaking
}

// SetPresence records the polled online flag for a role.
func (s *Service) SetPresence(rl role.Role, online bool) {
	if !rl.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Online[rl] = online
}

// Approve resolves the pending draft locally, emitting the approval so the
// counterparty and the upstream agents observe it.
func (s *Service) Approve(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Contract != negotiation.ContractPendingApproval || s.state.Pending == nil {
		s.mu.Unlock()
		return ErrNoPendingContract
	}
	contractID := s.state.Pending.ID
	s.mu.Unlock()

	if err := s.pub.Publish(ctx, event.NewContractApproved(contractID)); err != nil {
		s.logger.Warn().Err(err).Str("contract_id", contractID).Msg("contract approval send failed")
		return err
	}

	s.mu.Lock()
	s.resolveApprovedLocked(contractID)
	s.mu.Unlock()
	return nil
}

// Reject rejects the pending draft locally with a reason.
func (s *Service) Reject(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.state.Contract != negotiation.ContractPendingApproval || s.state.Pending == nil {
		s.mu.Unlock()
		return ErrNoPendingContract
	}
	contractID := s.state.Pending.ID
	s.mu.Unlock()

	if err := s.pub.Publish(ctx, event.NewContractRejected(contractID, reason)); err != nil {
		s.logger.Warn().Err(err).Str("contract_id", contractID).Msg("contract rejection send failed")
		return err
	}

	s.mu.Lock()
	s.resolveRejectedLocked(contractID, reason)
	s.mu.Unlock()
	return nil
}
