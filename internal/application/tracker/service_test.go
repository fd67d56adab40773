package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hezronokwach/harvest/internal/application/identity"
	"github.com/hezronokwach/harvest/internal/domain/event"
	"github.com/hezronokwach/harvest/internal/domain/negotiation"
	"github.com/hezronokwach/harvest/internal/domain/role"
)

// MockPublisher is a mock implementation of transport.Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, payload []byte) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

func newTestService(pub *MockPublisher) *Service {
	resolver := identity.NewResolver(nil, nil, zerolog.Nop())
	return NewService(resolver, pub, zerolog.Nop())
}

func TestApplyTimelineProgress(t *testing.T) {
	s := newTestService(new(MockPublisher))
	s.ApplyTimeline(event.TimelinePayload{Turn: 7, Round: 4, MaxRounds: 8})
	assert.Equal(t, 50.0, s.State().Progress.Percent())

	s.ApplyTimeline(event.TimelinePayload{Turn: 15, Round: 8, MaxRounds: 8})
	assert.Equal(t, 100.0, s.State().Progress.Percent())
}

func TestApplyOfferUpdatePerRole(t *testing.T) {
	s := newTestService(new(MockPublisher))
	s.ApplyOfferUpdate(event.OfferUpdatePayload{Agent: "Halima", Offer: event.Offer{Price: 500}})
	s.ApplyOfferUpdate(event.OfferUpdatePayload{Agent: "Alex", Offer: event.Offer{Price: 420}})
	s.ApplyOfferUpdate(event.OfferUpdatePayload{Agent: "Halima", Offer: event.Offer{Price: 480}})

	st := s.State()
	assert.Equal(t, 480.0, st.Offers[role.Seller].Price, "latest offer replaces the previous one")
	assert.Equal(t, 420.0, st.Offers[role.Buyer].Price)

	s.ApplyOfferUpdate(event.OfferUpdatePayload{Agent: "the moderator", Offer: event.Offer{Price: 1}})
	assert.Equal(t, st.Offers, s.State().Offers, "unknown agent must not change offers")
}

func TestDealFreezesPrice(t *testing.T) {
	s := newTestService(new(MockPublisher))
	price := 455.0
	s.ApplyDealFinalized(event.DealFinalizedPayload{Agent: "Alex", Price: &price})

	require.NotNil(t, s.State().Deal)
	assert.Equal(t, 455.0, s.State().Deal.Price)

	// Late offers and repeated close events must not move the agreed price.
	s.ApplyOfferUpdate(event.OfferUpdatePayload{Agent: "Halima", Offer: event.Offer{Price: 9000}})
	other := 9.0
	s.ApplyDealFinalized(event.DealFinalizedPayload{Agent: "Halima", Price: &other})
	assert.Equal(t, 455.0, s.State().Deal.Price)
	assert.NotContains(t, s.State().Offers, role.Seller)
}

func TestDealWithoutPriceFallsBackToLastOffer(t *testing.T) {
	s := newTestService(new(MockPublisher))
	s.ApplyOfferUpdate(event.OfferUpdatePayload{Agent: "Halima", Offer: event.Offer{Price: 470}})
	// Alex accepts; the close event carries no price, so the seller's
	// standing offer is the agreed one.
	s.ApplyDealFinalized(event.DealFinalizedPayload{By: "Alex"})

	require.NotNil(t, s.State().Deal)
	assert.Equal(t, 470.0, s.State().Deal.Price)
	assert.Equal(t, role.Buyer, s.State().Deal.By)
}

func TestContractLifecycle(t *testing.T) {
	s := newTestService(new(MockPublisher))
	assert.Equal(t, negotiation.ContractNone, s.State().Contract)

	s.ApplyContractIntent(event.ContractIntentPayload{Agent: "Halima"})
	assert.Equal(t, negotiation.ContractDrafting, s.State().Contract)

	s.ApplyContractPreview(event.ContractPreviewPayload{
		ContractID:   "c1",
		Title:        "Maize supply agreement",
		Agent:        "Halima",
		ContractData: map[string]string{"price": "455"},
	})
	st := s.State()
	assert.Equal(t, negotiation.ContractPendingApproval, st.Contract)
	require.NotNil(t, st.Pending)
	assert.Equal(t, "c1", st.Pending.ID)
	assert.Equal(t, role.Seller, st.Pending.Author)

	s.ApplyContractApproved(event.ContractApprovedPayload{ContractID: "c1"})
	st = s.State()
	assert.Equal(t, negotiation.ContractSent, st.Contract)
	assert.Nil(t, st.Pending)
}

func TestContractPreviewRequiresID(t *testing.T) {
	s := newTestService(new(MockPublisher))
	s.ApplyContractPreview(event.ContractPreviewPayload{Title: "no id"})
	assert.Nil(t, s.State().Pending)
	assert.Equal(t, negotiation.ContractNone, s.State().Contract)
}

func TestContractApprovalForUnknownIDIgnored(t *testing.T) {
	s := newTestService(new(MockPublisher))
	s.ApplyContractPreview(event.ContractPreviewPayload{ContractID: "c1", Agent: "Halima"})
	s.ApplyContractApproved(event.ContractApprovedPayload{ContractID: "c2"})

	st := s.State()
	assert.Equal(t, negotiation.ContractPendingApproval, st.Contract)
	require.NotNil(t, st.Pending)
	assert.Equal(t, "c1", st.Pending.ID)
}

func TestContractPreviewErrorAbortsDrafting(t *testing.T) {
	s := newTestService(new(MockPublisher))
	s.ApplyContractIntent(event.ContractIntentPayload{Agent: "Halima"})
	s.ApplyContractPreviewError(event.ContractPreviewErrorPayload{Message: "could not extract terms"})

	st := s.State()
	assert.Equal(t, negotiation.ContractNone, st.Contract)
	assert.Equal(t, "could not extract terms", st.RejectNote)
}

func TestApproveEmitsBeforeResolving(t *testing.T) {
	pub := new(MockPublisher)
	s := newTestService(pub)
	s.ApplyContractPreview(event.ContractPreviewPayload{ContractID: "c1", Agent: "Halima"})

	pub.On("Publish", mock.Anything, mock.MatchedBy(func(p []byte) bool {
		var head struct {
			Type       string `json:"type"`
			ContractID string `json:"contract_id"`
		}
		_ = json.Unmarshal(p, &head)
		return head.Type == "CONTRACT_APPROVED" && head.ContractID == "c1"
	})).Return(nil)

	require.NoError(t, s.Approve(context.Background()))
	assert.Equal(t, negotiation.ContractSent, s.State().Contract)
	pub.AssertExpectations(t)
}

func TestApproveSendFailureKeepsPending(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("transport closed"))
	s := newTestService(pub)
	s.ApplyContractPreview(event.ContractPreviewPayload{ContractID: "c1", Agent: "Halima"})

	require.Error(t, s.Approve(context.Background()))
	assert.Equal(t, negotiation.ContractPendingApproval, s.State().Contract)
	require.NotNil(t, s.State().Pending)
}

func TestApproveWithoutPending(t *testing.T) {
	s := newTestService(new(MockPublisher))
	assert.ErrorIs(t, s.Approve(context.Background()), ErrNoPendingContract)
}

func TestRejectCarriesReason(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)
	s := newTestService(pub)
	s.ApplyContractPreview(event.ContractPreviewPayload{ContractID: "c1", Agent: "Halima"})

	require.NoError(t, s.Reject(context.Background(), "price does not match the agreed 455"))
	st := s.State()
	assert.Equal(t, negotiation.ContractNone, st.Contract)
	assert.Nil(t, st.Pending)
	assert.Equal(t, "price does not match the agreed 455", st.RejectNote)
}

func TestFileSharedIsSeparateFromSent(t *testing.T) {
	s := newTestService(new(MockPublisher))
	s.ApplyFileShared(event.FileSharedPayload{
		Filename: "contract_c1.pdf",
		URL:      "https://files.local/contract_c1.pdf",
		From:     "Halima",
	})
	st := s.State()
	require.NotNil(t, st.Received)
	assert.Equal(t, role.Seller, st.Received.From)
	assert.Equal(t, negotiation.ContractNone, st.Contract, "receiving a file is not an authoring transition")
}

func TestThoughtsBounded(t *testing.T) {
	s := newTestService(new(MockPublisher))
	for i := 0; i < maxThoughts+10; i++ {
		s.AddInsight(role.Seller, "thought")
	}
	assert.LessOrEqual(t, len(s.State().Thoughts), maxThoughts)
}

func TestSpeakingAndPresenceFlags(t *testing.T) {
	s := newTestService(new(MockPublisher))
	s.ApplySpeechState(event.SpeechStatePayload{Agent: "Halima", IsSpeaking: true})
	s.SetPresence(role.Buyer, true)

	st := s.State()
	assert.True(t, st.Speaking[role.Seller])
	assert.True(t, st.Online[role.Buyer])
}
