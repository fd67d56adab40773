package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hezronokwach/harvest/internal/application/identity"
	"github.com/hezronokwach/harvest/internal/application/insight"
	"github.com/hezronokwach/harvest/internal/application/signaling"
	"github.com/hezronokwach/harvest/internal/application/tracker"
	"github.com/hezronokwach/harvest/internal/domain/call"
	"github.com/hezronokwach/harvest/internal/domain/event"
	"github.com/hezronokwach/harvest/internal/domain/negotiation"
	"github.com/hezronokwach/harvest/internal/domain/role"
	"github.com/hezronokwach/harvest/internal/domain/transcript"
	"github.com/hezronokwach/harvest/internal/domain/transport"
)

const (
	// DefaultResyncDebounce coalesces rapid repeated session-boundary
	// triggers into a single sync request.
	DefaultResyncDebounce = 500 * time.Millisecond
	maxDiagnostics        = 20
)

// Diagnostic is a non-fatal degradation record: malformed payloads, unknown
// event types, identity conflicts, unattributable captions.
type Diagnostic struct {
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// Snapshot is the read-only view handed to the presentation layer. It is a
// deep copy; the presentation layer never mutates core state.
type Snapshot struct {
	Room        string               `json:"room"`
	Call        call.Session         `json:"call"`
	CallStatus  string               `json:"call_status,omitempty"`
	Identity    map[string]role.Role `json:"identity,omitempty"`
	Transcript  []transcript.Entry   `json:"transcript,omitempty"`
	Negotiation negotiation.State    `json:"negotiation"`
	Diagnostics []Diagnostic         `json:"diagnostics,omitempty"`
}

// Notifier receives a fresh snapshot after every observable mutation.
type Notifier interface {
	Broadcast(Snapshot)
}

// Engine funnels all inbound sources (reliable data messages, streaming
// captions, peer churn, presence polls) plus local commands through one
// serialized mutation path, and coordinates session reset and resync when
// the room changes.
type Engine struct {
	mu sync.Mutex

	machine  *signaling.Machine
	tracker  *tracker.Service
	buffer   *transcript.Buffer
	resolver *identity.Resolver
	detector *insight.Detector

	publisher transport.Publisher
	joiner    transport.RoomJoiner
	notifier  Notifier

	room        string
	diags       []Diagnostic
	resyncTimer *time.Timer
	debounce    time.Duration

	logger zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithResyncDebounce(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.debounce = d
		}
	}
}

func NewEngine(
	machine *signaling.Machine,
	trk *tracker.Service,
	buffer *transcript.Buffer,
	resolver *identity.Resolver,
	detector *insight.Detector,
	publisher transport.Publisher,
	joiner transport.RoomJoiner,
	notifier Notifier,
	logger zerolog.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		machine:   machine,
		tracker:   trk,
		buffer:    buffer,
		resolver:  resolver,
		detector:  detector,
		publisher: publisher,
		joiner:    joiner,
		notifier:  notifier,
		debounce:  DefaultResyncDebounce,
		logger:    logger.With().Str("service", "session").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	machine.SetHooks(signaling.Hooks{
		Connect: e.switchRoom,
		Changed: e.broadcast,
	})
	return e
}

// Snapshot assembles the current read-only view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	room := e.room
	diags := append([]Diagnostic(nil), e.diags...)
	e.mu.Unlock()

	return Snapshot{
		Room:        room,
		Call:        e.machine.Session(),
		CallStatus:  e.machine.Status(),
		Identity:    e.resolver.Current().Assignments(),
		Transcript:  e.buffer.Entries(),
		Negotiation: e.tracker.State(),
		Diagnostics: diags,
	}
}

// HandleData processes one payload from the reliable data channel. Decode
// failures and unknown types degrade to diagnostics; they never stop the
// pipeline.
func (e *Engine) HandleData(sender transport.Peer, payload []byte) {
	env, err := event.Decode(payload)
	if err != nil {
		e.addDiagnostic("malformed_event", err.Error())
		e.broadcast()
		return
	}

	switch env.Kind {
	case event.KindThought:
		if p, err := event.DecodePayload[event.ThoughtPayload](env); err == nil {
			e.tracker.ApplyThought(p)
		} else {
			e.addDiagnostic("malformed_event", err.Error())
		}
	case event.KindTimeline:
		if p, err := event.DecodePayload[event.TimelinePayload](env); err == nil {
			e.tracker.ApplyTimeline(p)
		} else {
			e.addDiagnostic("malformed_event", err.Error())
		}
	case event.KindSpeech:
		e.handleSpeech(sender, env)
	case event.KindOfferUpdate:
		if p, err := event.DecodePayload[event.OfferUpdatePayload](env); err == nil {
			e.tracker.ApplyOfferUpdate(p)
		} else {
			e.addDiagnostic("malformed_event", err.Error())
		}
	case event.KindDealFinalized:
		if p, err := event.DecodePayload[event.DealFinalizedPayload](env); err == nil {
			e.tracker.ApplyDealFinalized(p)
		} else {
			e.addDiagnostic("malformed_event", err.Error())
		}
	case event.KindCallOffer:
		if p, err := event.DecodePayload[event.CallOfferPayload](env); err == nil {
			e.machine.HandleOffer(p.From)
		}
	case event.KindCallAccepted:
		if p, err := event.DecodePayload[event.CallAcceptedPayload](env); err == nil {
			e.machine.HandleAccepted(p.By, p.Room)
		}
	case event.KindCallDeclined:
		if p, err := event.DecodePayload[event.CallDeclinedPayload](env); err == nil {
			e.machine.HandleDeclined(p.By)
		}
	case event.KindContractIntent:
		if p, err := event.DecodePayload[event.ContractIntentPayload](env); err == nil {
			e.tracker.ApplyContractIntent(p)
		}
	case event.KindContractPreview:
		if p, err := event.DecodePayload[event.ContractPreviewPayload](env); err == nil {
			e.tracker.ApplyContractPreview(p)
		}
	case event.KindContractPreviewError:
		if p, err := event.DecodePayload[event.ContractPreviewErrorPayload](env); err == nil {
			e.tracker.ApplyContractPreviewError(p)
		}
	case event.KindContractApproved:
		if p, err := event.DecodePayload[event.ContractApprovedPayload](env); err == nil {
			e.tracker.ApplyContractApproved(p)
		}
	case event.KindContractRejected:
		if p, err := event.DecodePayload[event.ContractRejectedPayload](env); err == nil {
			e.tracker.ApplyContractRejected(p)
		}
	case event.KindFileShared:
		if p, err := event.DecodePayload[event.FileSharedPayload](env); err == nil {
			e.tracker.ApplyFileShared(p)
		}
	case event.KindSpeechState:
		if p, err := event.DecodePayload[event.SpeechStatePayload](env); err == nil {
			e.tracker.ApplySpeechState(p)
		}
	case event.KindSyncRequest:
		// Emitted by viewers, answered by the upstream producer. Nothing
		// to do locally.
	default:
		e.addDiagnostic("unknown_event", fmt.Sprintf("type %q ignored", env.Type))
	}

	e.broadcast()
}

func (e *Engine) handleSpeech(sender transport.Peer, env event.Envelope) {
	p, err := event.DecodePayload[event.SpeechPayload](env)
	if err != nil {
		e.addDiagnostic("malformed_event", err.Error())
		return
	}
	if !p.Final() || strings.TrimSpace(p.Text) == "" {
		return
	}
	rl, ok := e.speechRole(sender, env.Type, p.Speaker)
	if !ok {
		e.addDiagnostic("unattributed_speech", fmt.Sprintf("speaker %q on %s", p.Speaker, env.Type))
		return
	}
	e.appendUtterance(rl, p.Speaker, p.Text)
}

// speechRole attributes a reliable-channel utterance. Legacy per-role wire
// types imply their speaker; otherwise the resolver decides.
func (e *Engine) speechRole(sender transport.Peer, wireType, speaker string) (role.Role, bool) {
	switch wireType {
	case "ALEX_SPEECH":
		return role.Buyer, true
	case "HALIMA_DONE":
		return role.Seller, true
	}
	if rl, ok := e.resolver.RoleForAgent(speaker); ok {
		return rl, true
	}
	if rl, ok := e.resolver.Current().RoleFor(sender.Identity); ok {
		return rl, true
	}
	return "", false
}

// HandleCaptions processes finalized segments from the streaming
// transcription channel. Segments are attributed to a connection; the role
// comes from the resolver, never from the segment itself.
func (e *Engine) HandleCaptions(sender transport.Peer, segments []transport.CaptionSegment) {
	rl, ok := e.resolver.Current().RoleFor(sender.Identity)
	if !ok {
		var matched bool
		if rl, matched = e.resolver.RoleForAgent(sender.Identity); !matched {
			e.addDiagnostic("unattributed_caption", fmt.Sprintf("peer %q has no role mapping", sender.Identity))
			e.broadcast()
			return
		}
	}
	appended := false
	for _, seg := range segments {
		if !seg.Final || strings.TrimSpace(seg.Text) == "" {
			continue
		}
		e.appendUtterance(rl, sender.Name, seg.Text)
		appended = true
	}
	if appended {
		e.broadcast()
	}
}

func (e *Engine) appendUtterance(rl role.Role, speaker, text string) {
	entry, ok := e.buffer.Append(rl, text)
	if !ok {
		// Duplicate suppression is an expected race, not an error.
		return
	}
	for _, line := range e.detector.Evaluate(rl, speaker, entry.Text) {
		e.tracker.AddInsight(rl, line)
	}
}

// HandlePeers recomputes identity assignments when the qualifying peer set
// changes.
func (e *Engine) HandlePeers(peers []transport.Peer) {
	_, diags, changed := e.resolver.Update(peers)
	for _, d := range diags {
		e.addDiagnostic("identity_conflict", d)
	}
	if changed || len(diags) > 0 {
		e.broadcast()
	}
}

// HandleConnected marks the transport attached to a room. Connecting to a
// room other than the tracked one is a session boundary: transcript, dedup
// keys and negotiation state are cleared, then a single sync request is
// emitted after the debounce so the upstream can replay authoritative state.
func (e *Engine) HandleConnected(room string) {
	room = strings.TrimSpace(room)
	if room == "" {
		return
	}

	e.mu.Lock()
	if room == e.room {
		e.mu.Unlock()
		return
	}
	prev := e.room
	e.room = room
	e.resetLocked()
	e.scheduleResyncLocked()
	e.mu.Unlock()

	// A connect that lands in the room the accept flow agreed on keeps the
	// call session alive; anything else tears it down.
	if s := e.machine.Session(); !(s.State == call.StateConnected && s.Room == room) {
		e.machine.Reset()
	}

	e.logger.Info().Str("room", room).Str("previous", prev).Msg("session boundary")
	e.broadcast()
}

// SetPresence feeds one presence poll result into the derived state.
func (e *Engine) SetPresence(rl role.Role, online bool) {
	e.tracker.SetPresence(rl, online)
	e.broadcast()
}

// InitiateCall, AcceptCall, DeclineCall and CancelCall expose the signaling
// commands to the presentation boundary.

func (e *Engine) InitiateCall(ctx context.Context) error {
	err := e.machine.Initiate(ctx)
	e.broadcast()
	return err
}

func (e *Engine) AcceptCall(ctx context.Context) (string, error) {
	room, err := e.machine.Accept(ctx)
	e.broadcast()
	return room, err
}

func (e *Engine) DeclineCall(ctx context.Context) error {
	err := e.machine.Decline(ctx)
	e.broadcast()
	return err
}

func (e *Engine) CancelCall() {
	e.machine.Cancel()
	e.broadcast()
}

// ApproveContract and RejectContract resolve the pending draft.

func (e *Engine) ApproveContract(ctx context.Context) error {
	err := e.tracker.Approve(ctx)
	e.broadcast()
	return err
}

func (e *Engine) RejectContract(ctx context.Context, reason string) error {
	err := e.tracker.Reject(ctx, reason)
	e.broadcast()
	return err
}

// Close cancels outstanding timers on shutdown.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.resyncTimer != nil {
		e.resyncTimer.Stop()
		e.resyncTimer = nil
	}
	e.mu.Unlock()
	e.machine.Reset()
}

func (e *Engine) switchRoom(room string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.joiner.Join(ctx, room); err != nil {
		e.logger.Warn().Err(err).Str("room", room).Msg("room switch failed")
		e.addDiagnostic("join_failed", err.Error())
		e.broadcast()
	}
}

// resetLocked clears per-session state. Stale timers from the previous
// session must never mutate the new one.
func (e *Engine) resetLocked() {
	e.buffer.Reset()
	e.tracker.Reset()
	e.resolver.Reset()
	e.diags = nil
	if e.resyncTimer != nil {
		e.resyncTimer.Stop()
		e.resyncTimer = nil
	}
}

func (e *Engine) scheduleResyncLocked() {
	if e.resyncTimer != nil {
		e.resyncTimer.Stop()
	}
	e.resyncTimer = time.AfterFunc(e.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.publisher.Publish(ctx, event.NewSyncRequest()); err != nil {
			// No retry beyond the debounce coalescing; state remains
			// whatever was last known locally.
			e.logger.Warn().Err(err).Msg("sync request send failed")
		}
	})
}

func (e *Engine) addDiagnostic(kind, detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.diags = append(e.diags, Diagnostic{Kind: kind, Detail: detail, At: time.Now().UTC()})
	if len(e.diags) > maxDiagnostics {
		e.diags = e.diags[len(e.diags)-maxDiagnostics:]
	}
}

func (e *Engine) broadcast() {
	if e.notifier == nil {
		return
	}
	e.notifier.Broadcast(e.Snapshot())
}
