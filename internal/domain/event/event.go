package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a decoded inbound event. Unknown wire types decode to
// KindUnknown and are ignored by every typed consumer.
type Kind string

const (
	KindThought              Kind = "THOUGHT"
	KindTimeline             Kind = "TIMELINE"
	KindSpeech               Kind = "SPEECH"
	KindOfferUpdate          Kind = "OFFER_UPDATE"
	KindDealFinalized        Kind = "DEAL_FINALIZED"
	KindCallOffer            Kind = "CALL_OFFER"
	KindCallAccepted         Kind = "CALL_ACCEPTED"
	KindCallDeclined         Kind = "CALL_DECLINED"
	KindContractIntent       Kind = "CONTRACT_INTENT"
	KindContractPreview      Kind = "CONTRACT_PREVIEW"
	KindContractPreviewError Kind = "CONTRACT_PREVIEW_ERROR"
	KindContractApproved     Kind = "CONTRACT_APPROVED"
	KindContractRejected     Kind = "CONTRACT_REJECTED"
	KindFileShared           Kind = "FILE_SHARED"
	KindSpeechState          Kind = "SPEECH_STATE"
	KindSyncRequest          Kind = "SYNC_REQUEST"
	KindUnknown              Kind = "UNKNOWN"
)

// kindByType maps wire "type" discriminators to kinds. The upstream mixes
// naming conventions; several distinct wire types collapse into one kind.
var kindByType = map[string]Kind{
	"thought":                KindThought,
	"negotiation_timeline":   KindTimeline,
	"SPEECH":                 KindSpeech,
	"HALIMA_DONE":            KindSpeech,
	"ALEX_SPEECH":            KindSpeech,
	"offer_update":           KindOfferUpdate,
	"deal_reached":           KindDealFinalized,
	"DEAL_FINALIZED":         KindDealFinalized,
	"OFFER_ACCEPTED":         KindDealFinalized,
	"CALL_OFFER":             KindCallOffer,
	"CALL_ACCEPTED":          KindCallAccepted,
	"CALL_DECLINED":          KindCallDeclined,
	"CONTRACT_INTENT":        KindContractIntent,
	"CONTRACT_PREVIEW":       KindContractPreview,
	"CONTRACT_PREVIEW_ERROR": KindContractPreviewError,
	"CONTRACT_APPROVED":      KindContractApproved,
	"CONTRACT_REJECTED":      KindContractRejected,
	"FILE_SHARED":            KindFileShared,
	"SPEECH_STATE":           KindSpeechState,
	"SYNC_REQUEST":           KindSyncRequest,
}

// ErrEmptyPayload is returned for empty or whitespace-only input.
var ErrEmptyPayload = errors.New("empty payload")

// Envelope is one decoded inbound message. Raw retains the full payload so
// typed extraction and diagnostics never re-read the transport.
type Envelope struct {
	Type string          `json:"type"`
	Kind Kind            `json:"-"`
	Raw  json.RawMessage `json:"-"`
}

// Decode parses a raw payload into an Envelope. A syntactically invalid
// payload is an error (the caller records it as a diagnostic and drops it);
// an unrecognized "type" is not; it decodes to KindUnknown.
func Decode(payload []byte) (Envelope, error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return Envelope{}, ErrEmptyPayload
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	typ := strings.TrimSpace(head.Type)
	if typ == "" {
		return Envelope{}, errors.New("missing type discriminator")
	}
	kind, ok := kindByType[typ]
	if !ok {
		kind = KindUnknown
	}
	return Envelope{
		Type: typ,
		Kind: kind,
		Raw:  append(json.RawMessage(nil), payload...),
	}, nil
}

// DecodePayload extracts a typed payload from an envelope.
func DecodePayload[T any](e Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(e.Raw, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return out, nil
}

// Offer is the structured multi-lever offer carried by offer updates and
// accepted-offer events.
type Offer struct {
	Price            float64 `json:"price"`
	DeliveryIncluded bool    `json:"delivery_included"`
	PaymentTerms     string  `json:"payment_terms"`
	TransportPaidBy  string  `json:"transport_paid_by"`
}

type ThoughtPayload struct {
	Agent string `json:"agent"`
	Text  string `json:"text"`
}

type TimelinePayload struct {
	Turn      int `json:"turn"`
	Round     int `json:"round"`
	MaxRounds int `json:"max_rounds"`
}

// SpeechPayload covers SPEECH, HALIMA_DONE and ALEX_SPEECH. HALIMA_DONE is a
// bare turn acknowledgement with no text; the transcript buffer drops it.
type SpeechPayload struct {
	Text    string `json:"text"`
	Speaker string `json:"speaker"`
	IsFinal *bool  `json:"is_final"`
}

// Final reports whether the utterance is finalized. A missing flag is
// treated as final.
func (p SpeechPayload) Final() bool {
	return p.IsFinal == nil || *p.IsFinal
}

type OfferUpdatePayload struct {
	Agent string `json:"agent"`
	Offer Offer  `json:"offer"`
}

// DealFinalizedPayload covers deal_reached, DEAL_FINALIZED and the legacy
// OFFER_ACCEPTED shape, which names the accepting side "by" and nests the
// price inside the accepted offer.
type DealFinalizedPayload struct {
	Agent string   `json:"agent"`
	By    string   `json:"by"`
	Price *float64 `json:"price"`
	Offer *Offer   `json:"offer"`
}

// Actor returns whichever party label the payload carries.
func (p DealFinalizedPayload) Actor() string {
	if strings.TrimSpace(p.Agent) != "" {
		return p.Agent
	}
	return p.By
}

// FinalPrice resolves the agreed price from either shape.
func (p DealFinalizedPayload) FinalPrice() (float64, bool) {
	if p.Price != nil {
		return *p.Price, true
	}
	if p.Offer != nil {
		return p.Offer.Price, true
	}
	return 0, false
}

type CallOfferPayload struct {
	From string `json:"from"`
}

type CallAcceptedPayload struct {
	By   string `json:"by"`
	Room string `json:"room"`
}

type CallDeclinedPayload struct {
	By string `json:"by"`
}

type ContractIntentPayload struct {
	Agent  string `json:"agent"`
	Status string `json:"status"`
}

type ContractPreviewPayload struct {
	ContractID   string            `json:"contract_id"`
	Title        string            `json:"title"`
	Agent        string            `json:"agent"`
	ContractData map[string]string `json:"contract_data"`
}

type ContractPreviewErrorPayload struct {
	Agent   string `json:"agent"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type ContractApprovedPayload struct {
	ContractID string `json:"contract_id"`
}

type ContractRejectedPayload struct {
	ContractID string `json:"contract_id"`
	Reason     string `json:"reason"`
}

type FileSharedPayload struct {
	Filename     string            `json:"filename"`
	URL          string            `json:"url"`
	From         string            `json:"from"`
	ContractData map[string]string `json:"contract_data"`
}

type SpeechStatePayload struct {
	Agent      string `json:"agent"`
	IsSpeaking bool   `json:"is_speaking"`
}

// Outbound builders. The engine only ever emits these six shapes; encoding
// failures cannot occur for them, so the builders return bytes directly.

func NewCallOffer(from, to string) []byte {
	return mustMarshal(map[string]string{"type": "CALL_OFFER", "from": from, "to": to})
}

func NewCallAccepted(by, room string) []byte {
	return mustMarshal(map[string]string{"type": "CALL_ACCEPTED", "by": by, "room": room})
}

func NewCallDeclined(by string) []byte {
	return mustMarshal(map[string]string{"type": "CALL_DECLINED", "by": by})
}

func NewContractApproved(contractID string) []byte {
	return mustMarshal(map[string]string{"type": "CONTRACT_APPROVED", "contract_id": contractID})
}

func NewContractRejected(contractID, reason string) []byte {
	return mustMarshal(map[string]string{"type": "CONTRACT_REJECTED", "contract_id": contractID, "reason": reason})
}

func NewSyncRequest() []byte {
	return mustMarshal(map[string]string{"type": "SYNC_REQUEST"})
}

func mustMarshal(v map[string]string) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
