package session

import (
	"context"
	"log/slog"
	"time"
)

// historySaveTimeout bounds one persistence attempt.
const historySaveTimeout = 5 * time.Second

// HistoryPolicy turns terminal call transitions into persisted history
// records. Every call that reaches Ended or Failed is recorded, including
// calls cancelled locally before any remote confirmation: consistency is
// simpler than optimizing storage volume.
type HistoryPolicy struct {
	gateway StorageGateway
	logger  *slog.Logger
}

// NewHistoryPolicy creates the policy. The gateway may be nil, in which
// case records are dropped with a warning (useful for tests and tooling).
func NewHistoryPolicy(gateway StorageGateway, logger *slog.Logger) *HistoryPolicy {
	return &HistoryPolicy{
		gateway: gateway,
		logger:  logger.With("subsystem", "history"),
	}
}

// Record snapshots the call into an immutable history record and delegates
// persistence. Storage failures are logged, never propagated: losing one
// record must not disturb session teardown.
func (p *HistoryPolicy) Record(ctx context.Context, c Call) {
	if !c.Status.IsTerminal() {
		p.logger.Warn("history record requested for non-terminal call dropped",
			"call_id", c.ID,
			"status", string(c.Status),
		)
		return
	}
	if p.gateway == nil {
		p.logger.Warn("no storage gateway, history record dropped", "call_id", c.ID)
		return
	}

	rec := &CallRecord{
		CallID:      c.ID,
		RemoteURI:   c.RemoteURI,
		DisplayName: c.DisplayName,
		Direction:   c.Direction,
		Status:      c.Status,
		Cause:       c.Cause,
		StartTime:   c.StartTime,
		Duration:    c.Duration(),
	}
	if c.EndTime != nil {
		rec.EndTime = *c.EndTime
	}

	ctx, cancel := context.WithTimeout(ctx, historySaveTimeout)
	defer cancel()

	if err := p.gateway.SaveCallRecord(ctx, rec); err != nil {
		p.logger.Error("failed to persist call record",
			"call_id", c.ID,
			"error", err,
		)
		return
	}

	p.logger.Info("call record persisted",
		"call_id", c.ID,
		"direction", string(c.Direction),
		"status", string(c.Status),
		"duration_ms", rec.Duration.Milliseconds(),
	)
}
