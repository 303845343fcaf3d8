package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ControlEvent announces a safety-control transition to the rest of the
// platform: order routers and slicers subscribe so they can stop feeding
// the gate the moment a halt lands, instead of discovering it one
// rejection at a time.
type ControlEvent struct {
	Control   string    `json:"control"` // kill_switch | circuit_breaker
	Event     string    `json:"event"`   // engaged | disengaged | tripped | reset | reopened
	Operator  string    `json:"operator,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlPublisher publishes control events to NATS.
// Subjects follow the pattern: risk.control.{control}.{event}
type ControlPublisher struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

// Connect opens a NATS connection for control-event publishing.
func Connect(url string, logger zerolog.Logger) (*ControlPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("riskgate-control"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats at %s: %w", url, err)
	}
	return NewControlPublisher(nc, logger), nil
}

func NewControlPublisher(nc *nats.Conn, logger zerolog.Logger) *ControlPublisher {
	return &ControlPublisher{
		nc:     nc,
		logger: logger.With().Str("component", "control_publisher").Logger(),
	}
}

// Publish sends one control event. Failures are logged and swallowed:
// alerting must never block or fail the halt that triggered it. The store
// record, not the event stream, is the source of truth.
func (p *ControlPublisher) Publish(evt ControlEvent) {
	if p == nil || p.nc == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error().Err(err).Msg("marshal control event")
		return
	}

	subject := fmt.Sprintf("risk.control.%s.%s", evt.Control, evt.Event)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("control event publish failed")
		return
	}
	p.logger.Debug().Str("subject", subject).Msg("control event published")
}

// Close drains and closes the underlying connection.
func (p *ControlPublisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn().Err(err).Msg("nats drain")
	}
}
