package livewire

import (
	"encoding/json"

	"github.com/hezronokwach/harvest/internal/domain/transport"
)

// Frame is the gateway's multiplexing envelope. One websocket carries the
// reliable data channel, finalized caption segments and peer roster updates
// for whichever room the client has joined.
type Frame struct {
	Kind    string                     `json:"kind"`
	Room    string                     `json:"room,omitempty"`
	Sender  transport.Peer             `json:"sender,omitempty"`
	Payload json.RawMessage            `json:"payload,omitempty"`
	Peers   []transport.Peer           `json:"peers,omitempty"`
	Caption []transport.CaptionSegment `json:"segments,omitempty"`
}

const (
	frameData     = "data"
	frameCaptions = "captions"
	framePeers    = "peers"
	frameJoined   = "joined"
	frameJoin     = "join"
	framePublish  = "publish"
)

// Sink receives demultiplexed inbound traffic. The session engine satisfies
// this.
type Sink interface {
	HandleData(sender transport.Peer, payload []byte)
	HandleCaptions(sender transport.Peer, segments []transport.CaptionSegment)
	HandlePeers(peers []transport.Peer)
	HandleConnected(room string)
}
