package presence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hezronokwach/harvest/internal/domain/role"
)

func TestCheckerIsOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/persona/status/halima":
			_, _ = w.Write([]byte(`{"online":true}`))
		case "/persona/status/alex":
			_, _ = w.Write([]byte(`{"online":false}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewChecker(srv.URL, zerolog.Nop())

	online, err := c.IsOnline(context.Background(), "Halima")
	require.NoError(t, err)
	assert.True(t, online)

	online, err = c.IsOnline(context.Background(), "alex")
	require.NoError(t, err)
	assert.False(t, online)

	_, err = c.IsOnline(context.Background(), "nobody")
	assert.Error(t, err, "non-200 must surface as an error")

	_, err = c.IsOnline(context.Background(), "  ")
	assert.Error(t, err)
}

type recordingSink struct {
	mu    sync.Mutex
	state map[role.Role]bool
}

func (s *recordingSink) SetPresence(rl role.Role, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[rl] = online
}

func (s *recordingSink) get(rl role.Role) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[rl]
	return v, ok
}

func TestPollerFeedsSink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/persona/status/halima" {
			_, _ = w.Write([]byte(`{"online":true}`))
			return
		}
		// Alex endpoint errors out; the poller reports offline rather
		// than leaving the flag stale.
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := &recordingSink{state: map[role.Role]bool{}}
	p := NewPoller(NewChecker(srv.URL, zerolog.Nop()), role.DefaultPersonas(), sink, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		seller, okS := sink.get(role.Seller)
		buyer, okB := sink.get(role.Buyer)
		return okS && okB && seller && !buyer
	}, time.Second, 10*time.Millisecond)
}
