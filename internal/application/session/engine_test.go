package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hezronokwach/harvest/internal/application/identity"
	"github.com/hezronokwach/harvest/internal/application/insight"
	"github.com/hezronokwach/harvest/internal/application/signaling"
	"github.com/hezronokwach/harvest/internal/application/tracker"
	"github.com/hezronokwach/harvest/internal/domain/negotiation"
	"github.com/hezronokwach/harvest/internal/domain/role"
	"github.com/hezronokwach/harvest/internal/domain/transcript"
	"github.com/hezronokwach/harvest/internal/domain/transport"
)

// recordingPublisher counts published payloads by type.
type recordingPublisher struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (p *recordingPublisher) Publish(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, append([]byte(nil), payload...))
	return nil
}

func (p *recordingPublisher) countByType(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, raw := range p.payloads {
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(raw, &head)
		if head.Type == typ {
			n++
		}
	}
	return n
}

type fakeJoiner struct {
	mu    sync.Mutex
	rooms []string
}

func (j *fakeJoiner) Join(ctx context.Context, room string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rooms = append(j.rooms, room)
	return nil
}

func (j *fakeJoiner) Room() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.rooms) == 0 {
		return ""
	}
	return j.rooms[len(j.rooms)-1]
}

type countingNotifier struct {
	mu   sync.Mutex
	n    int
	last Snapshot
}

func (c *countingNotifier) Broadcast(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	c.last = snap
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type presenceStub struct{ online bool }

func (p presenceStub) IsOnline(ctx context.Context, persona string) (bool, error) {
	return p.online, nil
}

func newTestEngine(t *testing.T, pub *recordingPublisher) (*Engine, *fakeJoiner, *countingNotifier) {
	t.Helper()
	logger := zerolog.Nop()
	resolver := identity.NewResolver(nil, nil, logger)
	buffer := transcript.NewBuffer()
	trk := tracker.NewService(resolver, pub, logger)
	detector := insight.NewDetector(insight.DefaultRules(), logger)
	machine := signaling.NewMachine(role.Buyer, resolver, pub, presenceStub{online: true}, logger,
		signaling.WithSettleDelay(time.Millisecond),
	)
	joiner := &fakeJoiner{}
	notifier := &countingNotifier{}
	engine := NewEngine(machine, trk, buffer, resolver, detector, pub, joiner, notifier, logger,
		WithResyncDebounce(20*time.Millisecond),
	)
	t.Cleanup(engine.Close)
	return engine, joiner, notifier
}

func sellerPeer() transport.Peer {
	return transport.Peer{Identity: "halima-conn", Name: "Halima", HasAudio: true}
}

func TestConnectEmitsSingleSyncRequest(t *testing.T) {
	pub := &recordingPublisher{}
	e, _, _ := newTestEngine(t, pub)

	e.HandleConnected("presence-alex")
	e.HandleConnected("presence-alex") // duplicate confirmation, same room

	require.Eventually(t, func() bool {
		return pub.countByType("SYNC_REQUEST") == 1
	}, time.Second, 5*time.Millisecond)

	// No further request appears after the debounce has fired.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, pub.countByType("SYNC_REQUEST"))
}

func TestRapidRoomSwitchesCoalesceToOneSync(t *testing.T) {
	pub := &recordingPublisher{}
	e, _, _ := newTestEngine(t, pub)

	e.HandleConnected("presence-alex")
	e.HandleConnected("call-123")
	e.HandleConnected("call-456")

	require.Eventually(t, func() bool {
		return pub.countByType("SYNC_REQUEST") >= 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, pub.countByType("SYNC_REQUEST"), "rapid switches must coalesce")
	assert.Equal(t, "call-456", e.Snapshot().Room)
}

func TestSessionBoundaryClearsDerivedState(t *testing.T) {
	pub := &recordingPublisher{}
	e, _, _ := newTestEngine(t, pub)

	e.HandleConnected("presence-alex")
	e.HandlePeers([]transport.Peer{sellerPeer()})
	e.HandleData(sellerPeer(), []byte(`{"type":"SPEECH","speaker":"Halima","text":"I can do 480."}`))
	e.HandleData(sellerPeer(), []byte(`{"type":"offer_update","agent":"Halima","offer":{"price":480}}`))
	require.Len(t, e.Snapshot().Transcript, 1)

	e.HandleConnected("call-999")

	snap := e.Snapshot()
	assert.Empty(t, snap.Transcript)
	assert.Empty(t, snap.Identity)
	assert.Empty(t, snap.Negotiation.Offers)
	assert.Equal(t, "call-999", snap.Room)

	// Dedup keys were cleared too: the same sentence is fresh in the new
	// session.
	e.HandlePeers([]transport.Peer{sellerPeer()})
	e.HandleData(sellerPeer(), []byte(`{"type":"SPEECH","speaker":"Halima","text":"I can do 480."}`))
	assert.Len(t, e.Snapshot().Transcript, 1)
}

func TestCrossChannelDuplicateSuppressed(t *testing.T) {
	pub := &recordingPublisher{}
	e, _, _ := newTestEngine(t, pub)
	e.HandlePeers([]transport.Peer{sellerPeer()})

	e.HandleData(sellerPeer(), []byte(`{"type":"SPEECH","speaker":"Halima","text":"Sounds like a deal."}`))
	e.HandleCaptions(sellerPeer(), []transport.CaptionSegment{{Text: "sounds like a deal", Final: true}})

	assert.Len(t, e.Snapshot().Transcript, 1)
}

func TestNonFinalCaptionsIgnored(t *testing.T) {
	pub := &recordingPublisher{}
	e, _, _ := newTestEngine(t, pub)
	e.HandlePeers([]transport.Peer{sellerPeer()})

	e.HandleCaptions(sellerPeer(), []transport.CaptionSegment{
		{Text: "I can", Final: false},
		{Text: "I can do 460", Final: true},
	})
	entries := e.Snapshot().Transcript
	require.Len(t, entries, 1)
	assert.Equal(t, "I can do 460", entries[0].Text)
}

func TestMalformedAndUnknownEventsDegradeToDiagnostics(t *testing.T) {
	pub := &recordingPublisher{}
	e, _, _ := newTestEngine(t, pub)

	e.HandleData(sellerPeer(), []byte(`{broken`))
	e.HandleData(sellerPeer(), []byte(`{"type":"FUTURE_EVENT"}`))

	snap := e.Snapshot()
	require.Len(t, snap.Diagnostics, 2)
	assert.Equal(t, "malformed_event", snap.Diagnostics[0].Kind)
	assert.Equal(t, "unknown_event", snap.Diagnostics[1].Kind)
}

func TestLegacySpeechTypesCarryRole(t *testing.T) {
	pub := &recordingPublisher{}
	e, _, _ := newTestEngine(t, pub)

	// No peer roster at all; the legacy wire types imply the speaker.
	e.HandleData(transport.Peer{}, []byte(`{"type":"ALEX_SPEECH","text":"Can you include delivery?"}`))

	entries := e.Snapshot().Transcript
	require.Len(t, entries, 1)
	assert.Equal(t, role.Buyer, entries[0].Role)
}

func TestInsightDerivedFromClosingLanguage(t *testing.T) {
	pub := &recordingPublisher{}
	e, _, _ := newTestEngine(t, pub)
	e.HandlePeers([]transport.Peer{sellerPeer()})

	e.HandleData(sellerPeer(), []byte(`{"type":"SPEECH","speaker":"Halima","text":"Great, let me get the paperwork ready."}`))

	snap := e.Snapshot()
	require.NotEmpty(t, snap.Negotiation.Thoughts)
	assert.Equal(t, role.Seller, snap.Negotiation.Thoughts[0].Role)
}

func TestAcceptFlowConnectsIntoMintedRoom(t *testing.T) {
	pub := &recordingPublisher{}
	e, joiner, _ := newTestEngine(t, pub)

	e.HandleData(transport.Peer{}, []byte(`{"type":"CALL_OFFER","from":"Halima"}`))
	room, err := e.AcceptCall(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return joiner.Room() == room
	}, time.Second, 5*time.Millisecond)

	// The confirmed join into the agreed room must not tear the call down.
	e.HandleConnected(room)
	snap := e.Snapshot()
	assert.Equal(t, room, snap.Call.Room)
	assert.Equal(t, room, snap.Room)
}

func TestContractStateVisibleInSnapshot(t *testing.T) {
	pub := &recordingPublisher{}
	e, _, notifier := newTestEngine(t, pub)

	before := notifier.count()
	e.HandleData(transport.Peer{}, []byte(`{"type":"CONTRACT_PREVIEW","contract_id":"c1","agent":"Halima","title":"Supply agreement"}`))

	snap := e.Snapshot()
	assert.Equal(t, negotiation.ContractPendingApproval, snap.Negotiation.Contract)
	assert.Greater(t, notifier.count(), before, "mutations must broadcast")
}
