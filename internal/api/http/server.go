package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hezronokwach/harvest/internal/application/session"
	"github.com/hezronokwach/harvest/internal/application/tracker"
	"github.com/hezronokwach/harvest/internal/domain/role"
	"github.com/hezronokwach/harvest/internal/domain/transport"
	"github.com/hezronokwach/harvest/internal/infrastructure/sse"
)

// Server exposes the session core to the dashboard frontend: snapshot reads,
// a snapshot event stream, and the local commands (call signaling, contract
// decisions).
type Server struct {
	engine   *session.Engine
	presence transport.PresenceChecker
	personas role.PersonaTable
	sseHub   *sse.Hub
}

func NewServer(engine *session.Engine, presence transport.PresenceChecker, personas role.PersonaTable, sseHub *sse.Hub) *Server {
	if personas == nil {
		personas = role.DefaultPersonas()
	}
	return &Server{
		engine:   engine,
		presence: presence,
		personas: personas,
		sseHub:   sseHub,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", s.getSession)
		r.Get("/transcript", s.getTranscript)
		r.Get("/events", s.sseEndpoint)

		r.Route("/call", func(r chi.Router) {
			r.Post("/offer", s.callOffer)
			r.Post("/accept", s.callAccept)
			r.Post("/decline", s.callDecline)
			r.Post("/cancel", s.callCancel)
		})

		r.Route("/contract", func(r chi.Router) {
			r.Post("/approve", s.contractApprove)
			r.Post("/reject", s.contractReject)
		})

		r.Get("/presence/{role}", s.getPresence)
	})

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"subscribers": s.sseHub.ClientCount(),
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) getTranscript(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"room":    snap.Room,
		"entries": snap.Transcript,
	})
}

// Call handlers
func (s *Server) callOffer(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.InitiateCall(r.Context()); err != nil {
		respondError(w, http.StatusConflict, "INVALID_STATE", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"call": s.engine.Snapshot().Call})
}

func (s *Server) callAccept(w http.ResponseWriter, r *http.Request) {
	room, err := s.engine.AcceptCall(r.Context())
	if err != nil {
		respondError(w, http.StatusConflict, "INVALID_STATE", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"room": room})
}

func (s *Server) callDecline(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeclineCall(r.Context()); err != nil {
		respondError(w, http.StatusConflict, "INVALID_STATE", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"call": s.engine.Snapshot().Call})
}

func (s *Server) callCancel(w http.ResponseWriter, r *http.Request) {
	s.engine.CancelCall()
	respondJSON(w, http.StatusOK, map[string]interface{}{"call": s.engine.Snapshot().Call})
}

// Contract handlers
func (s *Server) contractApprove(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ApproveContract(r.Context()); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, tracker.ErrNoPendingContract) {
			status = http.StatusConflict
		}
		respondError(w, status, "CONTRACT_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"contract": s.engine.Snapshot().Negotiation.Contract})
}

func (s *Server) contractReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = decodeBody(r, &req)
	if err := s.engine.RejectContract(r.Context(), req.Reason); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, tracker.ErrNoPendingContract) {
			status = http.StatusConflict
		}
		respondError(w, status, "CONTRACT_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"contract": s.engine.Snapshot().Negotiation.Contract})
}

// Presence handler
func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	rl, ok := role.Parse(chi.URLParam(r, "role"))
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "unknown role")
		return
	}
	snap := s.engine.Snapshot()
	online, polled := snap.Negotiation.Online[rl]
	if !polled {
		// No poll result yet; ask the upstream directly.
		var err error
		online, err = s.presence.IsOnline(r.Context(), s.personas.For(rl))
		if err != nil {
			respondError(w, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"role": rl, "online": online})
}

// SSE stream of session snapshots.
func (s *Server) sseEndpoint(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	client := s.sseHub.Register()
	defer s.sseHub.Unregister(client.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Send an initial comment to flush headers and keep the connection alive.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case payload, open := <-client.Events:
			if !open {
				return
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
