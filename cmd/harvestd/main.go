package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/hezronokwach/harvest/internal/api/http"
	"github.com/hezronokwach/harvest/internal/application/identity"
	"github.com/hezronokwach/harvest/internal/application/insight"
	"github.com/hezronokwach/harvest/internal/application/session"
	"github.com/hezronokwach/harvest/internal/application/signaling"
	"github.com/hezronokwach/harvest/internal/application/tracker"
	"github.com/hezronokwach/harvest/internal/config"
	"github.com/hezronokwach/harvest/internal/domain/transcript"
	"github.com/hezronokwach/harvest/internal/domain/transport"
	"github.com/hezronokwach/harvest/internal/infrastructure/livewire"
	"github.com/hezronokwach/harvest/internal/infrastructure/presence"
	"github.com/hezronokwach/harvest/internal/infrastructure/sse"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	rules, err := insight.ParseRules(cfg.InsightRules)
	if err != nil {
		log.Fatalf("insight rules error: %v", err)
	}

	// core components
	resolver := identity.NewResolver(cfg.Aliases, cfg.Personas, logger)
	buffer := transcript.NewBuffer(
		transcript.WithCapacity(cfg.TranscriptCapacity),
		transcript.WithDedupWindow(cfg.DedupWindow),
	)
	detector := insight.NewDetector(rules, logger)
	checker := presence.NewChecker(cfg.GatewayHTTPURL, logger)
	sseHub := sse.NewHub(logger)

	// The transport and the engine reference each other; the client is
	// created first with a deferred sink that is wired once the engine
	// exists.
	sink := &deferredSink{}
	client := livewire.NewClient(cfg.GatewayWSURL, cfg.Identity, sink, logger)

	trkSvc := tracker.NewService(resolver, client, logger)
	machine := signaling.NewMachine(cfg.LocalRole, resolver, client, checker, logger,
		signaling.WithSettleDelay(cfg.SettleDelay),
		signaling.WithStatusTTL(cfg.StatusTTL),
	)

	engine := session.NewEngine(machine, trkSvc, buffer, resolver, detector, client, client, sseHub, logger,
		session.WithResyncDebounce(cfg.ResyncDebounce),
	)
	sink.engine = engine

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// background loops
	go client.Run(ctx)
	go func() {
		joinCtx, joinCancel := context.WithTimeout(ctx, 30*time.Second)
		defer joinCancel()
		// Keep retrying the lobby join until the transport is up.
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			if err := client.Join(joinCtx, cfg.LobbyRoom); err == nil {
				return
			}
			select {
			case <-joinCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	poller := presence.NewPoller(checker, cfg.Personas, engine, cfg.PresenceInterval, logger)
	go poller.Run(ctx)

	// API server
	apiServer := httpapi.NewServer(engine, checker, cfg.Personas, sseHub)
	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE responses stream indefinitely
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Str("role", string(cfg.LocalRole)).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	engine.Close()
	client.Close()
	sseHub.Stop()
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
}

// deferredSink breaks the transport/engine construction cycle. Frames that
// arrive before wiring completes are dropped; the resync request recovers
// any state they carried.
type deferredSink struct {
	engine *session.Engine
}

func (d *deferredSink) HandleData(sender transport.Peer, payload []byte) {
	if d.engine != nil {
		d.engine.HandleData(sender, payload)
	}
}

func (d *deferredSink) HandleCaptions(sender transport.Peer, segments []transport.CaptionSegment) {
	if d.engine != nil {
		d.engine.HandleCaptions(sender, segments)
	}
}

func (d *deferredSink) HandlePeers(peers []transport.Peer) {
	if d.engine != nil {
		d.engine.HandlePeers(peers)
	}
}

func (d *deferredSink) HandleConnected(room string) {
	if d.engine != nil {
		d.engine.HandleConnected(room)
	}
}
