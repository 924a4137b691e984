package scouts

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/channels"
)

// Escalator pushes high-urgency findings to the agent's bound channels as
// out-of-band notifications. Delivery is best effort: a failing channel is
// audited and the remaining channels still receive the interrupt.
type Escalator struct {
	auditor *audit.Logger
	logger  *slog.Logger

	mu       sync.RWMutex
	channels []channels.Channel
}

// NewEscalator builds an escalator with no bound channels.
func NewEscalator(auditor *audit.Logger) *Escalator {
	return &Escalator{
		auditor: auditor,
		logger:  slog.Default().With("component", "scouts"),
	}
}

// Bind attaches a channel for interrupt delivery.
func (e *Escalator) Bind(ch channels.Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels = append(e.channels, ch)
}

// Escalate delivers the finding to every interrupt-capable channel.
// Returns the number of successful deliveries.
func (e *Escalator) Escalate(ctx context.Context, f Finding) int {
	e.mu.RLock()
	bound := make([]channels.Channel, len(e.channels))
	copy(bound, e.channels)
	e.mu.RUnlock()

	note := f.ToNotification()
	delivered := 0
	for _, ch := range bound {
		if !ch.SupportsInterrupts() {
			continue
		}
		if err := ch.Send(ctx, note); err != nil {
			e.logger.Warn("escalation delivery failed", "scout", f.Scout, "channel", ch.Name(), "error", err)
			e.logAudit("scout_escalation_failed", audit.SeverityWarn, map[string]any{
				"scout":   f.Scout,
				"channel": ch.Name(),
				"error":   err.Error(),
			})
			continue
		}
		delivered++
	}

	e.logAudit("scout_escalated", audit.SeverityInfo, map[string]any{
		"scout":     f.Scout,
		"type":      f.Type,
		"urgency":   string(f.Urgency),
		"delivered": delivered,
	})
	return delivered
}

func (e *Escalator) logAudit(action string, severity audit.Severity, metadata map[string]any) {
	if e.auditor == nil {
		return
	}
	if err := e.auditor.LogEvent(audit.CategoryScout, action, severity, metadata); err != nil {
		e.logger.Error("audit write failed", "error", err)
	}
}
