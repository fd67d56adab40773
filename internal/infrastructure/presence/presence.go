package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hezronokwach/harvest/internal/domain/role"
)

const DefaultPollInterval = 3 * time.Second

// Checker asks the upstream gateway whether a persona currently has a live
// connection. Implements the presence check used before placing a call.
type Checker struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

func NewChecker(baseURL string, logger zerolog.Logger) *Checker {
	return &Checker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger.With().Str("service", "presence").Logger(),
	}
}

type statusResponse struct {
	Online bool `json:"online"`
}

// IsOnline reports whether the persona's presence room has a live occupant.
func (c *Checker) IsOnline(ctx context.Context, persona string) (bool, error) {
	persona = strings.ToLower(strings.TrimSpace(persona))
	if persona == "" {
		return false, fmt.Errorf("presence: empty persona")
	}

	endpoint := c.baseURL + "/persona/status/" + url.PathEscape(persona)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("presence: status %d for %s", resp.StatusCode, persona)
	}
	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("presence: decode response: %w", err)
	}
	return body.Online, nil
}

// Sink receives poll results. The session engine satisfies this.
type Sink interface {
	SetPresence(rl role.Role, online bool)
}

// Poller periodically refreshes the online flag for every persona so the
// dashboard shows liveness without a call attempt.
type Poller struct {
	checker  *Checker
	personas role.PersonaTable
	sink     Sink
	interval time.Duration
	logger   zerolog.Logger
}

func NewPoller(checker *Checker, personas role.PersonaTable, sink Sink, interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		checker:  checker,
		personas: personas,
		sink:     sink,
		interval: interval,
		logger:   logger.With().Str("service", "presence").Logger(),
	}
}

// Run polls until ctx is done. It blocks; run it in its own goroutine.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	for _, rl := range role.Canonical() {
		persona := p.personas.For(rl)
		online, err := p.checker.IsOnline(ctx, persona)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug().Err(err).Str("persona", persona).Msg("presence poll failed")
			online = false
		}
		p.sink.SetPresence(rl, online)
	}
}
