package livewire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	readWait       = 60 * time.Second
	reconnectBase  = time.Second
	reconnectCap   = 30 * time.Second
	sendBufferSize = 128
)

var ErrNotConnected = errors.New("livewire: not connected")

// Client maintains the websocket to the realtime gateway. Outbound writes go
// through a buffered channel drained by a single write loop; the read loop
// demultiplexes frames into the sink. On connection loss the client redials
// with exponential backoff and rejoins the last room.
type Client struct {
	baseURL  string
	identity string
	sink     Sink
	logger   zerolog.Logger

	mu   sync.Mutex
	ws   *websocket.Conn
	send chan []byte
	stop chan struct{}
	room string
	once sync.Once
}

func NewClient(baseURL, identity string, sink Sink, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		identity: identity,
		sink:     sink,
		stop:     make(chan struct{}),
		logger:   logger.With().Str("service", "livewire").Logger(),
	}
}

// Run dials the gateway and keeps the connection alive until ctx is done.
// It blocks; run it in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	backoff := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("gateway dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectCap {
				backoff = reconnectCap
			}
			continue
		}
		backoff = reconnectBase

		c.readLoop()
		c.teardown()
		c.logger.Info().Msg("gateway connection lost, redialing")
	}
}

// Close shuts the client down permanently.
func (c *Client) Close() {
	c.once.Do(func() { close(c.stop) })
	c.teardown()
}

// Join switches the client into a room. The gateway confirms with a "joined"
// frame; session-boundary handling keys off that confirmation, not off the
// request.
func (c *Client) Join(ctx context.Context, room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return errors.New("livewire: empty room")
	}
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
	return c.enqueue(Frame{Kind: frameJoin, Room: room})
}

// Room returns the last requested room.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Publish sends one payload on the reliable data channel of the current room.
func (c *Client) Publish(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	return c.enqueue(Frame{Kind: framePublish, Room: room, Payload: payload})
}

func (c *Client) enqueue(f Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("livewire: encode frame: %w", err)
	}
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}
	select {
	case send <- raw:
		return nil
	default:
		return errors.New("livewire: send buffer full")
	}
}

func (c *Client) connect(ctx context.Context) error {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return fmt.Errorf("livewire: bad gateway url: %w", err)
	}
	q := u.Query()
	q.Set("identity", c.identity)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.send = make(chan []byte, sendBufferSize)
	room := c.room
	c.mu.Unlock()

	go c.writeLoop(ws, c.send)

	// Rejoin after a redial so the session resumes in the same room.
	if room != "" {
		if err := c.enqueue(Frame{Kind: frameJoin, Room: room}); err != nil {
			c.logger.Warn().Err(err).Str("room", room).Msg("rejoin enqueue failed")
		}
	}
	c.logger.Info().Str("url", u.Host).Msg("gateway connected")
	return nil
}

func (c *Client) teardown() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.send = nil
	c.mu.Unlock()
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = ws.Close()
	}
}

func (c *Client) readLoop() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}

	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("gateway read failed")
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn().Err(err).Msg("undecodable gateway frame dropped")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.Kind {
	case frameData:
		c.sink.HandleData(f.Sender, f.Payload)
	case frameCaptions:
		c.sink.HandleCaptions(f.Sender, f.Caption)
	case framePeers:
		c.sink.HandlePeers(f.Peers)
	case frameJoined:
		c.sink.HandleConnected(f.Room)
	default:
		c.logger.Debug().Str("kind", f.Kind).Msg("unknown gateway frame kind")
	}
}

func (c *Client) writeLoop(ws *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case msg, ok := <-send:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn().Err(err).Msg("gateway write failed")
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
