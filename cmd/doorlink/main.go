package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/doorlink/doorlink/internal/api"
	"github.com/doorlink/doorlink/internal/ari"
	"github.com/doorlink/doorlink/internal/config"
	"github.com/doorlink/doorlink/internal/janitor"
	"github.com/doorlink/doorlink/internal/kv"
	"github.com/doorlink/doorlink/internal/metrics"
	"github.com/doorlink/doorlink/internal/orchestrator"
	"github.com/doorlink/doorlink/internal/push"
	"github.com/doorlink/doorlink/internal/realtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging (text or json format, configurable level).
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting doorlink",
		"app_port", cfg.AppPort,
		"ari", cfg.ARIBaseURL(),
		"app_name", cfg.ARIAppName,
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Open the realtime store, run migrations, upsert endpoint templates.
	rt, err := realtime.New(cfg.PostgresDSN())
	if err != nil {
		slog.Error("failed to open realtime store", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	if err := rt.EnsureTemplates(appCtx); err != nil {
		slog.Error("failed to ensure endpoint templates", "error", err)
		os.Exit(1)
	}

	// Session record store.
	sessions, err := kv.Open(appCtx, cfg.RedisAddr(), cfg.RedisPassword)
	if err != nil {
		slog.Error("failed to connect to session store", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()

	// Engine client.
	engine := ari.NewClient(cfg.ARIBaseURL(), cfg.ARIWebSocketURL(), cfg.ARIAppName, cfg.ARIUser, cfg.ARIPassword)
	subscribeEndpointEvents(appCtx, engine)

	// Push dispatcher: Expo-compatible HTTP by default, native FCM when a
	// service account is configured.
	senders := map[string]push.Sender{
		"expo": push.NewHTTPSender(cfg.PushURL, cfg.PushAccessToken),
	}
	if cfg.FCMCredentialsFile != "" {
		fcm, err := push.NewFCMSender(appCtx, cfg.FCMCredentialsFile)
		if err != nil {
			slog.Error("failed to initialise fcm sender", "error", err)
			os.Exit(1)
		}
		senders["fcm"] = fcm
	}
	dispatcher := push.NewDispatcher(senders, "expo")

	// Call orchestrator.
	orch := orchestrator.New(orchestrator.Config{
		ServerDomain: cfg.ServerDomain,
		ServerIP:     cfg.ServerIP,
		Realphone:    cfg.Realphone,
		CallTokenTTL: cfg.CallTokenTTL(),
		RingTimeout:  cfg.RingTimeout(),
	}, engine, sessions, rt, dispatcher)

	// Event pump: each event is handled in its own goroutine so the
	// stream reader is never blocked.
	go func() {
		if err := engine.Run(appCtx, func(ctx context.Context, ev ari.Event) {
			go orch.HandleEvent(ctx, ev)
		}); err != nil && appCtx.Err() == nil {
			slog.Error("event stream terminated", "error", err)
		}
	}()

	// Janitor: stale-endpoint sweep and pending-originate retries.
	jan := janitor.New(sessions, rt, orch)
	jan.StartEndpointSweeper(appCtx, janitor.DefaultSweepInterval)
	jan.StartOriginateRetrier(appCtx, janitor.DefaultRetryInterval)

	// Metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(
		&callStatsAdapter{orch: orch},
		rt,
		&sweepCountAdapter{jan: jan},
	))
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	// HTTP API.
	rateLimiter := api.NewRateLimiter(10, 30)
	rateLimiter.StartCleanup(appCtx.Done(), 5*time.Minute, 10*time.Minute)
	handler := api.NewServer(orch, "doorlink", cfg.ARIBaseURL(), metricsHandler, rateLimiter)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.AppPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("doorlink stopped")
}

// subscribeEndpointEvents registers the application for endpoint-state
// events. The call is idempotent on the engine side; if the engine is not
// up yet the subscription is retried in the background.
func subscribeEndpointEvents(ctx context.Context, engine *ari.Client) {
	err := engine.SubscribeEndpointEvents(ctx)
	if err == nil {
		return
	}
	slog.Warn("endpoint event subscription failed, retrying", "error", err)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := engine.SubscribeEndpointEvents(ctx); err == nil {
					slog.Info("endpoint event subscription established")
					return
				}
			}
		}
	}()
}

// callStatsAdapter bridges the orchestrator's counters with the metrics
// collector's CallStatsProvider interface.
type callStatsAdapter struct {
	orch *orchestrator.Orchestrator
}

func (a *callStatsAdapter) CallStatsSnapshot() metrics.CallStats {
	st := a.orch.Stats()
	return metrics.CallStats{
		CallsStarted:       st.CallsStarted.Load(),
		CallsBridged:       st.CallsBridged.Load(),
		CallsEnded:         st.CallsEnded.Load(),
		CallsTimedOut:      st.CallsTimedOut.Load(),
		OriginateAttempts:  st.OriginateAttempts.Load(),
		OriginateSuccesses: st.OriginateSuccesses.Load(),
		PushesSent:         st.PushesSent.Load(),
		PushesFailed:       st.PushesFailed.Load(),
	}
}

// sweepCountAdapter bridges the janitor with the metrics collector's
// SweepCounter interface.
type sweepCountAdapter struct {
	jan *janitor.Janitor
}

func (a *sweepCountAdapter) SweptEndpointCount() int64 {
	return a.jan.SweptEndpoints.Load()
}
