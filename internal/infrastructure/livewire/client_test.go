package livewire

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hezronokwach/harvest/internal/domain/transport"
)

type recordingSink struct {
	mu        sync.Mutex
	data      [][]byte
	captions  [][]transport.CaptionSegment
	peers     [][]transport.Peer
	connected []string
}

func (s *recordingSink) HandleData(sender transport.Peer, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, payload)
}

func (s *recordingSink) HandleCaptions(sender transport.Peer, segments []transport.CaptionSegment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captions = append(s.captions, segments)
}

func (s *recordingSink) HandlePeers(peers []transport.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append(s.peers, peers)
}

func (s *recordingSink) HandleConnected(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = append(s.connected, room)
}

func TestDispatchDemultiplexesFrames(t *testing.T) {
	sink := &recordingSink{}
	c := NewClient("ws://localhost:7880", "dashboard-buyer", sink, zerolog.Nop())

	c.dispatch(Frame{Kind: frameData, Sender: transport.Peer{Identity: "x"}, Payload: json.RawMessage(`{"type":"SYNC_REQUEST"}`)})
	c.dispatch(Frame{Kind: frameCaptions, Caption: []transport.CaptionSegment{{Text: "hello", Final: true}}})
	c.dispatch(Frame{Kind: framePeers, Peers: []transport.Peer{{Identity: "p1"}}})
	c.dispatch(Frame{Kind: frameJoined, Room: "call-1"})
	c.dispatch(Frame{Kind: "future"})

	require.Len(t, sink.data, 1)
	require.Len(t, sink.captions, 1)
	require.Len(t, sink.peers, 1)
	require.Equal(t, []string{"call-1"}, sink.connected)
}

func TestPublishWithoutConnection(t *testing.T) {
	c := NewClient("ws://localhost:7880", "dashboard-buyer", &recordingSink{}, zerolog.Nop())
	err := c.Publish(context.Background(), []byte(`{"type":"SYNC_REQUEST"}`))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestJoinRequiresRoom(t *testing.T) {
	c := NewClient("ws://localhost:7880", "dashboard-buyer", &recordingSink{}, zerolog.Nop())
	assert.Error(t, c.Join(context.Background(), "   "))
	_ = c.Join(context.Background(), "presence-alex")
	assert.Equal(t, "presence-alex", c.Room(), "requested room is tracked even before the transport is up")
}
