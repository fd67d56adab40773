package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hezronokwach/harvest/internal/application/identity"
	"github.com/hezronokwach/harvest/internal/domain/call"
	"github.com/hezronokwach/harvest/internal/domain/event"
	"github.com/hezronokwach/harvest/internal/domain/role"
	"github.com/hezronokwach/harvest/internal/domain/transport"
)

const (
	// DefaultSettleDelay is the pause between deciding to join the call
	// room and actually rejoining, so the previous connection can tear
	// down first.
	DefaultSettleDelay = time.Second
	// DefaultStatusTTL is how long a transient status message stays
	// visible before auto-clearing.
	DefaultStatusTTL = 3 * time.Second
)

// Hooks are the effects the machine schedules outside its own state.
// Connect fires after the settle delay with the agreed room identifier;
// Changed fires whenever observable state mutates asynchronously.
type Hooks struct {
	Connect func(room string)
	Changed func()
}

// Machine governs the idle/calling/ringing/connected lifecycle layered on
// top of the group-presence channel. Both parties converge on the same room
// identifier because only the accepting side mints it; the offering side
// adopts whatever the accept event carries. Outbound sends are
// fire-and-forget: transitions are driven by inbound events, never by
// assuming a send succeeded.
type Machine struct {
	mu        sync.Mutex
	session   call.Session
	status    string
	localRole role.Role

	resolver  *identity.Resolver
	publisher transport.Publisher
	presence  transport.PresenceChecker
	hooks     Hooks

	settleDelay time.Duration
	statusTTL   time.Duration
	statusTimer *time.Timer
	settleTimer *time.Timer

	logger zerolog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

func WithSettleDelay(d time.Duration) Option {
	return func(m *Machine) {
		if d >= 0 {
			m.settleDelay = d
		}
	}
}

func WithStatusTTL(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.statusTTL = d
		}
	}
}

func NewMachine(localRole role.Role, resolver *identity.Resolver, publisher transport.Publisher, presence transport.PresenceChecker, logger zerolog.Logger, opts ...Option) *Machine {
	m := &Machine{
		session:     call.Idle(),
		localRole:   localRole,
		resolver:    resolver,
		publisher:   publisher,
		presence:    presence,
		settleDelay: DefaultSettleDelay,
		statusTTL:   DefaultStatusTTL,
		logger:      logger.With().Str("service", "signaling").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHooks wires the machine's scheduled effects. Must be called before the
// machine processes events.
func (m *Machine) SetHooks(h Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = h
}

// Session returns the current signaling state.
func (m *Machine) Session() call.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Status returns the transient status message, if any.
func (m *Machine) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Initiate places a call offer to the counterpart role. If the upstream
// reports the counterpart offline the machine reverts to Idle and surfaces
// a transient status; there is no automatic retry.
func (m *Machine) Initiate(ctx context.Context) error {
	m.mu.Lock()
	if m.session.State != call.StateIdle {
		state := m.session.State
		m.mu.Unlock()
		return fmt.Errorf("cannot initiate call while %s", state)
	}
	counterpart := m.localRole.Counterpart()
	m.session = call.Session{State: call.StateCalling, PeerRole: counterpart}
	m.mu.Unlock()

	persona := m.resolver.Persona(counterpart)
	online, err := m.presence.IsOnline(ctx, persona)
	if err != nil {
		m.logger.Warn().Err(err).Str("persona", persona).Msg("presence check failed, treating counterpart as offline")
		online = false
	}
	if !online {
		m.mu.Lock()
		m.session = call.Idle()
		m.setStatusLocked(persona + " is offline")
		m.mu.Unlock()
		return nil
	}

	payload := event.NewCallOffer(m.resolver.Persona(m.localRole), persona)
	if err := m.publisher.Publish(ctx, payload); err != nil {
		m.logger.Warn().Err(err).Msg("call offer send failed")
		m.mu.Lock()
		m.session = call.Idle()
		m.setStatusLocked("call failed, try again")
		m.mu.Unlock()
		return err
	}
	m.logger.Info().Str("to", persona).Msg("call offer sent")
	return nil
}

// Cancel abandons an outgoing call locally. No event is required.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State != call.StateCalling {
		return
	}
	m.session = call.Idle()
}

// HandleOffer records an incoming call offer.
func (m *Machine) HandleOffer(from string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State != call.StateIdle {
		m.logger.Warn().Str("from", from).Str("state", string(m.session.State)).Msg("ignoring call offer in non-idle state")
		return
	}
	offerer, ok := m.resolver.RoleForAgent(from)
	if !ok {
		offerer = m.localRole.Counterpart()
	}
	m.session = call.Session{State: call.StateRinging, PeerRole: offerer}
	m.logger.Info().Str("from", from).Msg("incoming call")
}

// Accept accepts a ringing call. The accepting side mints the shared room
// identifier, propagates it in the accept event, and schedules the room
// switch after the settle delay.
func (m *Machine) Accept(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.session.State != call.StateRinging {
		state := m.session.State
		m.mu.Unlock()
		return "", fmt.Errorf("cannot accept call while %s", state)
	}
	peer := m.session.PeerRole
	m.mu.Unlock()

	room := "call-" + uuid.NewString()
	payload := event.NewCallAccepted(m.resolver.Persona(m.localRole), room)
	if err := m.publisher.Publish(ctx, payload); err != nil {
		m.logger.Warn().Err(err).Msg("call accept send failed")
		return "", err
	}

	m.mu.Lock()
	m.session = call.Session{State: call.StateConnected, PeerRole: peer, Room: room}
	m.scheduleConnectLocked(room)
	m.mu.Unlock()
	m.logger.Info().Str("room", room).Msg("call accepted")
	return room, nil
}

// Decline declines a ringing call and clears the offering-role record.
func (m *Machine) Decline(ctx context.Context) error {
	m.mu.Lock()
	if m.session.State != call.StateRinging {
		state := m.session.State
		m.mu.Unlock()
		return fmt.Errorf("cannot decline call while %s", state)
	}
	m.mu.Unlock()

	payload := event.NewCallDeclined(m.resolver.Persona(m.localRole))
	if err := m.publisher.Publish(ctx, payload); err != nil {
		m.logger.Warn().Err(err).Msg("call decline send failed")
		return err
	}

	m.mu.Lock()
	m.session = call.Idle()
	m.mu.Unlock()
	return nil
}

// HandleAccepted moves an outgoing call to Connected under the room
// identifier supplied by the acceptor.
func (m *Machine) HandleAccepted(by, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State != call.StateCalling {
		m.logger.Warn().Str("by", by).Str("state", string(m.session.State)).Msg("ignoring call accept in unexpected state")
		return
	}
	if room == "" {
		m.logger.Warn().Str("by", by).Msg("call accept without room identifier, staying in Calling")
		return
	}
	m.session = call.Session{State: call.StateConnected, PeerRole: m.session.PeerRole, Room: room}
	m.scheduleConnectLocked(room)
	m.logger.Info().Str("room", room).Str("by", by).Msg("call accepted by peer")
}

// HandleDeclined returns an outgoing call to Idle with a transient status.
func (m *Machine) HandleDeclined(by string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State != call.StateCalling {
		return
	}
	m.session = call.Idle()
	if by == "" {
		by = "peer"
	}
	m.setStatusLocked(by + " declined the call")
}

// Reset cancels outstanding timers and returns the machine to Idle. Used
// when the session tears down outside the accept flow.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusTimer != nil {
		m.statusTimer.Stop()
		m.statusTimer = nil
	}
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
	m.session = call.Idle()
	m.status = ""
}

func (m *Machine) scheduleConnectLocked(room string) {
	if m.settleTimer != nil {
		m.settleTimer.Stop()
	}
	connect := m.hooks.Connect
	if connect == nil {
		return
	}
	m.settleTimer = time.AfterFunc(m.settleDelay, func() {
		connect(room)
	})
}

func (m *Machine) setStatusLocked(msg string) {
	m.status = msg
	if m.statusTimer != nil {
		m.statusTimer.Stop()
	}
	changed := m.hooks.Changed
	m.statusTimer = time.AfterFunc(m.statusTTL, func() {
		m.mu.Lock()
		cleared := m.status == msg
		if cleared {
			m.status = ""
		}
		m.mu.Unlock()
		if cleared && changed != nil {
			changed()
		}
	})
}
