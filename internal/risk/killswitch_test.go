package risk_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"RiskGate/internal/risk"
	"RiskGate/internal/store"
	"RiskGate/internal/testutil"
)

func newKillSwitch(t *testing.T) (*miniredis.Miniredis, *redis.Client, *risk.KillSwitch) {
	t.Helper()
	mr, client := testutil.SetupRedis(t)
	k, err := risk.NewKillSwitch(context.Background(), client, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewKillSwitch: %v", err)
	}
	return mr, client, k
}

// ============================================================================
// Test: engage/disengage cycle
// ============================================================================

func TestKillSwitch_StartsActive(t *testing.T) {
	_, _, k := newKillSwitch(t)
	ctx := context.Background()

	engaged, err := k.IsEngaged(ctx)
	if err != nil {
		t.Fatalf("IsEngaged: %v", err)
	}
	if engaged {
		t.Error("fresh kill switch should not be engaged")
	}

	state, err := k.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != risk.KillSwitchActive {
		t.Errorf("got %q, want %q", state, risk.KillSwitchActive)
	}
}

func TestKillSwitch_EngageDisengageCycle(t *testing.T) {
	_, _, k := newKillSwitch(t)
	ctx := context.Background()

	if err := k.Engage(ctx, "anomaly", "ops", ""); err != nil {
		t.Fatalf("Engage: %v", err)
	}

	engaged, err := k.IsEngaged(ctx)
	if err != nil {
		t.Fatalf("IsEngaged: %v", err)
	}
	if !engaged {
		t.Fatal("kill switch should be engaged")
	}

	// A second engage must not clobber the first operator's halt.
	if err := k.Engage(ctx, "other reason", "ops2", ""); !errors.Is(err, risk.ErrAlreadyEngaged) {
		t.Errorf("second engage: got %v, want ErrAlreadyEngaged", err)
	}

	st, err := k.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.EngagedBy != "ops" || st.EngagementReason != "anomaly" {
		t.Errorf("first engagement must stand, got by=%q reason=%q", st.EngagedBy, st.EngagementReason)
	}

	if err := k.Disengage(ctx, "ops", "resolved"); err != nil {
		t.Fatalf("Disengage: %v", err)
	}
	engaged, err = k.IsEngaged(ctx)
	if err != nil {
		t.Fatalf("IsEngaged: %v", err)
	}
	if engaged {
		t.Error("kill switch should be active again")
	}

	if err := k.Disengage(ctx, "ops", ""); !errors.Is(err, risk.ErrNotEngaged) {
		t.Errorf("double disengage: got %v, want ErrNotEngaged", err)
	}
}

func TestKillSwitch_DailyEngagementCounter(t *testing.T) {
	_, _, k := newKillSwitch(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := k.Engage(ctx, "test", "ops", ""); err != nil {
			t.Fatalf("Engage #%d: %v", i+1, err)
		}
		if err := k.Disengage(ctx, "ops", ""); err != nil {
			t.Fatalf("Disengage #%d: %v", i+1, err)
		}
	}

	st, err := k.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.EngagementCountToday != 3 {
		t.Errorf("engagement_count_today = %d, want 3", st.EngagementCountToday)
	}
}

// ============================================================================
// Test: audit history
// ============================================================================

func TestKillSwitch_HistoryNewestFirst(t *testing.T) {
	_, _, k := newKillSwitch(t)
	ctx := context.Background()

	if err := k.Engage(ctx, "first", "alice", "details-1"); err != nil {
		t.Fatal(err)
	}
	if err := k.Disengage(ctx, "bob", "cleared"); err != nil {
		t.Fatal(err)
	}
	if err := k.Engage(ctx, "second", "carol", ""); err != nil {
		t.Fatal(err)
	}

	entries, err := k.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	if entries[0].Event != risk.KillSwitchEventEngaged || entries[0].Reason != "second" {
		t.Errorf("newest entry = %+v, want second engage", entries[0])
	}
	if entries[1].Event != risk.KillSwitchEventDisengaged || entries[1].Operator != "bob" {
		t.Errorf("middle entry = %+v, want bob's disengage", entries[1])
	}
	if entries[2].Event != risk.KillSwitchEventEngaged || entries[2].Details != "details-1" {
		t.Errorf("oldest entry = %+v, want first engage", entries[2])
	}
}

func TestKillSwitch_HistoryLimit(t *testing.T) {
	_, _, k := newKillSwitch(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := k.Engage(ctx, "r", "ops", ""); err != nil {
			t.Fatal(err)
		}
		if err := k.Disengage(ctx, "ops", ""); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := k.History(ctx, 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("got %d entries, want 3", len(entries))
	}
	if entries[0].Event != risk.KillSwitchEventDisengaged {
		t.Errorf("newest entry event = %q, want DISENGAGED", entries[0].Event)
	}
}

// ============================================================================
// Test: fail-closed on lost state
// ============================================================================

func TestKillSwitch_FailClosedOnMissingState(t *testing.T) {
	mr, _, k := newKillSwitch(t)
	ctx := context.Background()

	if err := k.Engage(ctx, "anomaly", "ops", ""); err != nil {
		t.Fatal(err)
	}

	// Simulated store wipe: the halt record vanishes.
	mr.Del(store.KillSwitchStateKey)

	if _, err := k.IsEngaged(ctx); !errors.Is(err, risk.ErrStateMissing) {
		t.Errorf("IsEngaged: got %v, want ErrStateMissing", err)
	}
	if _, err := k.State(ctx); !errors.Is(err, risk.ErrStateMissing) {
		t.Errorf("State: got %v, want ErrStateMissing", err)
	}
	if _, err := k.Status(ctx); !errors.Is(err, risk.ErrStateMissing) {
		t.Errorf("Status: got %v, want ErrStateMissing", err)
	}
	if err := k.Engage(ctx, "again", "ops", ""); !errors.Is(err, risk.ErrStateMissing) {
		t.Errorf("Engage: got %v, want ErrStateMissing", err)
	}
	if err := k.Disengage(ctx, "ops", ""); !errors.Is(err, risk.ErrStateMissing) {
		t.Errorf("Disengage: got %v, want ErrStateMissing", err)
	}
}

func TestKillSwitch_ReconstructionKeepsEngagedState(t *testing.T) {
	_, client, k := newKillSwitch(t)
	ctx := context.Background()

	if err := k.Engage(ctx, "anomaly", "ops", ""); err != nil {
		t.Fatal(err)
	}

	// A new instance connecting to the same store must observe the halt,
	// not re-initialize it away.
	k2, err := risk.NewKillSwitch(ctx, client, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewKillSwitch: %v", err)
	}
	engaged, err := k2.IsEngaged(ctx)
	if err != nil {
		t.Fatalf("IsEngaged: %v", err)
	}
	if !engaged {
		t.Error("second instance must see the engaged halt")
	}
}
