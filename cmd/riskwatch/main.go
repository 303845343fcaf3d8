package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"RiskGate/internal/notify"
	"RiskGate/internal/observability"
	"RiskGate/internal/risk"
	"RiskGate/internal/store"
)

// Config holds all riskwatch configuration, loaded from environment
// variables.
type Config struct {
	RedisAddr string
	RedisDB   int
	NATSURL   string

	CoolDown     time.Duration
	PollInterval time.Duration

	MetricsAddr string
}

func DefaultConfig() Config {
	return Config{
		RedisAddr:    envOrDefault("RISKGATE_REDIS_ADDR", "localhost:6379"),
		RedisDB:      envIntOrDefault("RISKGATE_REDIS_DB", 0),
		NATSURL:      os.Getenv("RISKGATE_NATS_URL"),
		CoolDown:     envDurationOrDefault("RISKGATE_COOL_DOWN", 5*time.Minute),
		PollInterval: envDurationOrDefault("RISKGATE_POLL_INTERVAL", time.Second),
		MetricsAddr:  envOrDefault("RISKGATE_METRICS_ADDR", ":9091"),
	}
}

// riskwatch is the operator/monitoring path beside the synchronous
// admission gates: it polls the breaker so a due quiet period heals to
// OPEN even when no orders are flowing, mirrors both controls into
// Prometheus gauges, and announces the automatic reopen on the control
// bus. The admission path itself runs no background work.
func main() {
	logger := observability.NewLogger("riskwatch")
	cfg := DefaultConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Shared store ---
	opts := store.DefaultOptions(cfg.RedisAddr)
	opts.DB = cfg.RedisDB
	client, err := store.NewClient(ctx, opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("shared store unavailable")
	}
	defer client.Close()

	// --- Control event bus (optional) ---
	var publisher *notify.ControlPublisher
	if cfg.NATSURL != "" {
		publisher, err = notify.Connect(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("control event bus unavailable")
		}
		defer publisher.Close()
	}

	// --- Controls ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	kill, err := risk.NewKillSwitch(ctx, client, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("kill switch init")
	}
	breaker, err := risk.NewCircuitBreaker(ctx, client, logger, metrics, cfg.CoolDown)
	if err != nil {
		logger.Fatal().Err(err).Msg("circuit breaker init")
	}

	errChan := make(chan error, 2)

	// --- Metrics + health server ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", healthChecker.ReadinessHandler)
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			server.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// --- Poll loop ---
	go func() {
		errChan <- watch(ctx, cfg, logger, client, kill, breaker, metrics, healthChecker, publisher)
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Str("redis", cfg.RedisAddr).
		Dur("cool_down", cfg.CoolDown).
		Dur("poll_interval", cfg.PollInterval).
		Msg("riskwatch ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("worker failed, shutting down")
	}
	cancel()
	logger.Info().Msg("riskwatch shutdown complete")
}

func watch(
	ctx context.Context,
	cfg Config,
	logger zerolog.Logger,
	client *redis.Client,
	kill *risk.KillSwitch,
	breaker *risk.CircuitBreaker,
	metrics *observability.Metrics,
	health *observability.HealthChecker,
	publisher *notify.ControlPublisher,
) error {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	var lastState risk.BreakerState

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, cfg.PollInterval)

			if err := client.Ping(pollCtx).Err(); err != nil {
				health.SetReady(false)
				logger.Warn().Err(err).Msg("shared store unreachable")
				cancel()
				continue
			}
			health.SetReady(true)

			engaged, err := kill.IsEngaged(pollCtx)
			if err != nil {
				logger.Error().Err(err).Msg("kill switch poll failed")
			} else {
				metrics.SetKillSwitchEngaged(engaged)
			}

			// GetState drives the QUIET_PERIOD -> OPEN self-heal.
			state, err := breaker.GetState(pollCtx)
			if err != nil {
				logger.Error().Err(err).Msg("breaker poll failed")
				cancel()
				continue
			}
			metrics.SetBreakerState(string(state))

			if lastState == risk.BreakerQuietPeriod && state == risk.BreakerOpen {
				logger.Info().Msg("breaker reopened after quiet period")
				publisher.Publish(notify.ControlEvent{
					Control: "circuit_breaker", Event: "reopened",
				})
			}
			lastState = state
			cancel()
		}
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q: %v\n", key, v, err)
		os.Exit(1)
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q: %v\n", key, v, err)
		os.Exit(1)
	}
	return d
}
