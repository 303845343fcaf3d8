package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"RiskGate/internal/observability"
	"RiskGate/internal/store"
)

// KillSwitchState is the manual-override state: ACTIVE means trading is
// permitted, ENGAGED means an operator has halted everything.
type KillSwitchState string

const (
	KillSwitchActive  KillSwitchState = "ACTIVE"
	KillSwitchEngaged KillSwitchState = "ENGAGED"
)

// KillSwitchStatus is the singleton record persisted at kill_switch:state.
// It is mutated only by Engage/Disengage and never deleted by this
// subsystem.
type KillSwitchStatus struct {
	State                KillSwitchState `json:"state"`
	EngagedAt            *time.Time      `json:"engaged_at,omitempty"`
	EngagedBy            string          `json:"engaged_by,omitempty"`
	EngagementReason     string          `json:"engagement_reason,omitempty"`
	EngagementDetails    string          `json:"engagement_details,omitempty"`
	DisengagedAt         *time.Time      `json:"disengaged_at,omitempty"`
	DisengagedBy         string          `json:"disengaged_by,omitempty"`
	EngagementCountToday int64           `json:"engagement_count_today"`
	CountDate            string          `json:"count_date,omitempty"`
}

// KillSwitchEvent discriminates history entries.
type KillSwitchEvent string

const (
	KillSwitchEventEngaged    KillSwitchEvent = "ENGAGED"
	KillSwitchEventDisengaged KillSwitchEvent = "DISENGAGED"
)

// KillSwitchHistoryEntry is one audit record. The store keeps newest at
// the tail of kill_switch:history; the read API reverses to newest-first.
type KillSwitchHistoryEntry struct {
	Event     KillSwitchEvent `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Operator  string          `json:"operator"`
	Reason    string          `json:"reason,omitempty"`
	Notes     string          `json:"notes,omitempty"`
	Details   string          `json:"details,omitempty"`
}

// killSwitchHistoryCap bounds the audit list; oldest entries are trimmed
// from the head on append.
const killSwitchHistoryCap = 1000

// engageScript performs the full check-then-write server-side so no other
// writer can interleave between reading the state and committing ENGAGED.
// Replies: "ok", "already_engaged", or "missing".
var engageScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
    return 'missing'
end
local st = cjson.decode(raw)
if st.state == 'ENGAGED' then
    return 'already_engaged'
end
st.state = 'ENGAGED'
st.engaged_at = ARGV[1]
st.engaged_by = ARGV[2]
st.engagement_reason = ARGV[3]
if ARGV[4] ~= '' then
    st.engagement_details = ARGV[4]
else
    st.engagement_details = nil
end
st.disengaged_at = nil
st.disengaged_by = nil
if st.count_date == ARGV[5] then
    st.engagement_count_today = (st.engagement_count_today or 0) + 1
else
    st.count_date = ARGV[5]
    st.engagement_count_today = 1
end
redis.call('SET', KEYS[1], cjson.encode(st))
redis.call('RPUSH', KEYS[2], ARGV[6])
redis.call('LTRIM', KEYS[2], -tonumber(ARGV[7]), -1)
return 'ok'
`)

// disengageScript mirrors engageScript for the ENGAGED -> ACTIVE edge.
// Replies: "ok", "not_engaged", or "missing".
var disengageScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
    return 'missing'
end
local st = cjson.decode(raw)
if st.state ~= 'ENGAGED' then
    return 'not_engaged'
end
st.state = 'ACTIVE'
st.disengaged_at = ARGV[1]
st.disengaged_by = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(st))
redis.call('RPUSH', KEYS[2], ARGV[3])
redis.call('LTRIM', KEYS[2], -tonumber(ARGV[4]), -1)
return 'ok'
`)

// KillSwitch is the manual emergency halt. All state lives in the shared
// store; nothing is cached in process, so every check observes the latest
// operator action and a store outage fails closed.
type KillSwitch struct {
	client  *redis.Client
	logger  zerolog.Logger
	metrics *observability.Metrics
	clock   func() time.Time
}

// NewKillSwitch constructs the handle and performs the one narrow
// initialization path: if no record has ever existed, create it ACTIVE.
// "Never run before" is the only situation where absence may default to
// ACTIVE; once the record exists, a missing key on any later operation is
// store data loss and surfaces ErrStateMissing instead.
func NewKillSwitch(ctx context.Context, client *redis.Client, logger zerolog.Logger, metrics *observability.Metrics) (*KillSwitch, error) {
	k := &KillSwitch{
		client:  client,
		logger:  logger.With().Str("control", "kill_switch").Logger(),
		metrics: metrics,
		clock:   time.Now,
	}

	initial, err := json.Marshal(KillSwitchStatus{State: KillSwitchActive})
	if err != nil {
		return nil, fmt.Errorf("marshal initial kill switch state: %w", err)
	}
	created, err := client.SetNX(ctx, store.KillSwitchStateKey, initial, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("initialize kill switch state: %w", err)
	}
	if created {
		k.logger.Info().Msg("kill switch state created ACTIVE")
	}
	return k, nil
}

// Engage halts all trading. One atomic script: fails ErrAlreadyEngaged if
// a halt is already in force (the first operator's reason stands), and
// ErrStateMissing if the record was lost after initialization.
func (k *KillSwitch) Engage(ctx context.Context, reason, operator, details string) error {
	now := k.clock().UTC()
	entry, err := json.Marshal(KillSwitchHistoryEntry{
		Event:     KillSwitchEventEngaged,
		Timestamp: now,
		Operator:  operator,
		Reason:    reason,
		Details:   details,
	})
	if err != nil {
		return fmt.Errorf("marshal engage history entry: %w", err)
	}

	reply, err := engageScript.Run(ctx, k.client,
		[]string{store.KillSwitchStateKey, store.KillSwitchHistoryKey},
		now.Format(time.RFC3339Nano), operator, reason, details,
		now.Format("2006-01-02"), string(entry), killSwitchHistoryCap,
	).Text()
	if err != nil {
		return fmt.Errorf("engage kill switch: %w", err)
	}

	switch reply {
	case "ok":
		k.metrics.RecordKillSwitchEngaged()
		k.logger.Warn().
			Str("operator", operator).
			Str("reason", reason).
			Msg("kill switch ENGAGED, all trading halted")
		return nil
	case "already_engaged":
		return ErrAlreadyEngaged
	case "missing":
		return fmt.Errorf("engage kill switch: %w", ErrStateMissing)
	default:
		return fmt.Errorf("engage kill switch: unexpected reply %q", reply)
	}
}

// Disengage resumes trading. Fails ErrNotEngaged when there is no halt to
// clear, so a double disengage is visible to the operator rather than
// silently absorbed.
func (k *KillSwitch) Disengage(ctx context.Context, operator, notes string) error {
	now := k.clock().UTC()
	entry, err := json.Marshal(KillSwitchHistoryEntry{
		Event:     KillSwitchEventDisengaged,
		Timestamp: now,
		Operator:  operator,
		Notes:     notes,
	})
	if err != nil {
		return fmt.Errorf("marshal disengage history entry: %w", err)
	}

	reply, err := disengageScript.Run(ctx, k.client,
		[]string{store.KillSwitchStateKey, store.KillSwitchHistoryKey},
		now.Format(time.RFC3339Nano), operator, string(entry), killSwitchHistoryCap,
	).Text()
	if err != nil {
		return fmt.Errorf("disengage kill switch: %w", err)
	}

	switch reply {
	case "ok":
		k.metrics.RecordKillSwitchDisengaged()
		k.logger.Warn().
			Str("operator", operator).
			Str("notes", notes).
			Msg("kill switch disengaged, trading resumed")
		return nil
	case "not_engaged":
		return ErrNotEngaged
	case "missing":
		return fmt.Errorf("disengage kill switch: %w", ErrStateMissing)
	default:
		return fmt.Errorf("disengage kill switch: unexpected reply %q", reply)
	}
}

// Status returns the full singleton record. Missing state fails closed.
func (k *KillSwitch) Status(ctx context.Context) (*KillSwitchStatus, error) {
	raw, err := k.client.Get(ctx, store.KillSwitchStateKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("kill switch status: %w", ErrStateMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("read kill switch state: %w", err)
	}

	var st KillSwitchStatus
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode kill switch state: %w", err)
	}
	return &st, nil
}

// State returns just the current state value.
func (k *KillSwitch) State(ctx context.Context) (KillSwitchState, error) {
	st, err := k.Status(ctx)
	if err != nil {
		return "", err
	}
	return st.State, nil
}

// IsEngaged reports whether trading is halted. Errors (including a missing
// record) must propagate: a caller that cannot tell is not allowed to
// assume "not engaged".
func (k *KillSwitch) IsEngaged(ctx context.Context) (bool, error) {
	state, err := k.State(ctx)
	if err != nil {
		return false, err
	}
	return state == KillSwitchEngaged, nil
}

// History returns up to limit audit entries, newest first. limit <= 0
// returns the whole retained window.
func (k *KillSwitch) History(ctx context.Context, limit int64) ([]KillSwitchHistoryEntry, error) {
	start := int64(0)
	if limit > 0 {
		start = -limit
	}
	raws, err := k.client.LRange(ctx, store.KillSwitchHistoryKey, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read kill switch history: %w", err)
	}

	entries := make([]KillSwitchHistoryEntry, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var e KillSwitchHistoryEntry
		if err := json.Unmarshal([]byte(raws[i]), &e); err != nil {
			return nil, fmt.Errorf("decode kill switch history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
