package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"RiskGate/internal/notify"
	"RiskGate/internal/observability"
	"RiskGate/internal/risk"
	"RiskGate/internal/store"
)

func usage() {
	fmt.Println("Usage: riskctl <command> [flags]")
	fmt.Println()
	fmt.Println("Kill switch:")
	fmt.Println("  engage     -reason <r> -operator <op> [-details <d>]   halt all trading")
	fmt.Println("  disengage  -operator <op> [-notes <n>]                 resume trading")
	fmt.Println()
	fmt.Println("Circuit breaker:")
	fmt.Println("  trip       -reason <r> [-details <d>]                  trip the breaker")
	fmt.Println("  reset      -operator <op> [-reason <r>]                start quiet period")
	fmt.Println()
	fmt.Println("Inspection:")
	fmt.Println("  status                                                 both controls")
	fmt.Println("  history    [-limit <n>]                                audit trails")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  RISKGATE_REDIS_ADDR  - shared store address (default localhost:6379)")
	fmt.Println("  RISKGATE_NATS_URL    - control event bus (optional; no events if unset)")
	fmt.Println("  RISKGATE_COOL_DOWN   - breaker quiet period (default 5m)")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	logger := observability.NewLogger("riskctl")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := store.NewClient(ctx, store.DefaultOptions(envOrDefault("RISKGATE_REDIS_ADDR", "localhost:6379")))
	if err != nil {
		logger.Fatal().Err(err).Msg("shared store unavailable")
	}
	defer client.Close()

	var publisher *notify.ControlPublisher
	if natsURL := os.Getenv("RISKGATE_NATS_URL"); natsURL != "" {
		publisher, err = notify.Connect(natsURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("control event bus unavailable")
		}
		defer publisher.Close()
	}

	kill, err := risk.NewKillSwitch(ctx, client, logger, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("kill switch init")
	}
	breaker, err := risk.NewCircuitBreaker(ctx, client, logger, nil, envDurationOrDefault("RISKGATE_COOL_DOWN", 5*time.Minute))
	if err != nil {
		logger.Fatal().Err(err).Msg("circuit breaker init")
	}

	switch os.Args[1] {
	case "engage":
		fs := flag.NewFlagSet("engage", flag.ExitOnError)
		reason := fs.String("reason", "", "why trading is being halted (required)")
		operator := fs.String("operator", "", "who is halting (required)")
		details := fs.String("details", "", "free-form context")
		fs.Parse(os.Args[2:])
		if *reason == "" || *operator == "" {
			fmt.Fprintln(os.Stderr, "engage requires -reason and -operator")
			os.Exit(1)
		}
		if err := kill.Engage(ctx, *reason, *operator, *details); err != nil {
			if errors.Is(err, risk.ErrAlreadyEngaged) {
				fmt.Println("kill switch is already engaged; existing halt stands")
				os.Exit(2)
			}
			logger.Fatal().Err(err).Msg("engage failed")
		}
		publisher.Publish(notify.ControlEvent{
			Control: "kill_switch", Event: "engaged",
			Operator: *operator, Reason: *reason, Details: *details,
		})
		fmt.Println("kill switch ENGAGED, all trading halted")

	case "disengage":
		fs := flag.NewFlagSet("disengage", flag.ExitOnError)
		operator := fs.String("operator", "", "who is resuming (required)")
		notes := fs.String("notes", "", "free-form context")
		fs.Parse(os.Args[2:])
		if *operator == "" {
			fmt.Fprintln(os.Stderr, "disengage requires -operator")
			os.Exit(1)
		}
		if err := kill.Disengage(ctx, *operator, *notes); err != nil {
			if errors.Is(err, risk.ErrNotEngaged) {
				fmt.Println("kill switch is not engaged; nothing to clear")
				os.Exit(2)
			}
			logger.Fatal().Err(err).Msg("disengage failed")
		}
		publisher.Publish(notify.ControlEvent{
			Control: "kill_switch", Event: "disengaged", Operator: *operator,
		})
		fmt.Println("kill switch disengaged, trading resumed")

	case "trip":
		fs := flag.NewFlagSet("trip", flag.ExitOnError)
		reason := fs.String("reason", "", "trip reason (required)")
		details := fs.String("details", "", "free-form context")
		fs.Parse(os.Args[2:])
		if *reason == "" {
			fmt.Fprintln(os.Stderr, "trip requires -reason")
			os.Exit(1)
		}
		outcome, err := breaker.Trip(ctx, *reason, *details)
		if err != nil {
			logger.Fatal().Err(err).Msg("trip failed")
		}
		if outcome == risk.TripAlreadyTripped {
			fmt.Println("circuit breaker is already tripped; original trip stands")
			os.Exit(2)
		}
		publisher.Publish(notify.ControlEvent{
			Control: "circuit_breaker", Event: "tripped",
			Reason: *reason, Details: *details,
		})
		fmt.Println("circuit breaker TRIPPED")

	case "reset":
		fs := flag.NewFlagSet("reset", flag.ExitOnError)
		operator := fs.String("operator", "", "who is resetting (required)")
		reason := fs.String("reason", "", "reset justification for the audit trail")
		fs.Parse(os.Args[2:])
		if *operator == "" {
			fmt.Fprintln(os.Stderr, "reset requires -operator")
			os.Exit(1)
		}
		now := time.Now().UTC()
		if err := breaker.Reset(ctx, *operator); err != nil {
			if errors.Is(err, risk.ErrNotTripped) {
				fmt.Println("circuit breaker is not tripped; nothing to reset")
				os.Exit(2)
			}
			logger.Fatal().Err(err).Msg("reset failed")
		}
		if err := breaker.UpdateHistoryWithReset(ctx, now, *operator, *reason); err != nil {
			// The reset itself committed; the annotation can be replayed.
			logger.Error().Err(err).Msg("trip history annotation failed")
		}
		publisher.Publish(notify.ControlEvent{
			Control: "circuit_breaker", Event: "reset",
			Operator: *operator, Reason: *reason,
		})
		fmt.Println("circuit breaker reset, quiet period started")

	case "status":
		ks, err := kill.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("kill switch status")
		}
		bs, err := breaker.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("breaker status")
		}
		fmt.Printf("kill switch:     %s", ks.State)
		if ks.State == risk.KillSwitchEngaged {
			fmt.Printf("  (by %s: %s)", ks.EngagedBy, ks.EngagementReason)
		}
		fmt.Printf("  engagements today: %d\n", ks.EngagementCountToday)
		fmt.Printf("circuit breaker: %s", bs.State)
		if bs.TripReason != "" {
			fmt.Printf("  (last trip: %s)", bs.TripReason)
		}
		fmt.Printf("  trips today: %d\n", bs.TripCountToday)

	case "history":
		fs := flag.NewFlagSet("history", flag.ExitOnError)
		limit := fs.Int64("limit", 20, "entries per control")
		fs.Parse(os.Args[2:])
		kh, err := kill.History(ctx, *limit)
		if err != nil {
			logger.Fatal().Err(err).Msg("kill switch history")
		}
		fmt.Println("kill switch (newest first):")
		for _, e := range kh {
			text := e.Reason
			if e.Notes != "" {
				text = e.Notes
			}
			fmt.Printf("  %s  %-10s  %-12s  %s\n",
				e.Timestamp.Format(time.RFC3339), e.Event, e.Operator, text)
		}
		bh, err := breaker.History(ctx, *limit)
		if err != nil {
			logger.Fatal().Err(err).Msg("breaker history")
		}
		fmt.Println("circuit breaker (newest first):")
		for _, e := range bh {
			line := fmt.Sprintf("  %s  %s", e.TrippedAt.Format(time.RFC3339), e.Reason)
			if e.ResetAt != nil {
				line += fmt.Sprintf("  (reset %s by %s)", e.ResetAt.Format(time.RFC3339), e.ResetBy)
			}
			fmt.Println(line)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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
