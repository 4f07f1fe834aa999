package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/finance-assistant/internal/circuitbreaker"
)

const sendTimeout = 5 * time.Second

// BreakerHook turns circuit transitions into notifications: provider_down
// when a circuit opens, provider_recovering on a trial call and
// provider_up when it closes again. Send failures are logged only.
func BreakerHook(n Notifier, logger *slog.Logger) circuitbreaker.StateChangeFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, t circuitbreaker.Transition) {
		notification, ok := fromTransition(t)
		if !ok {
			return
		}

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()

		if err := n.Send(sendCtx, notification); err != nil {
			logger.Warn("failed to send provider notification",
				"provider", t.Provider,
				"type", notification.Type,
				"error", err,
			)
		}
	}
}

func fromTransition(t circuitbreaker.Transition) (Notification, bool) {
	n := Notification{
		Provider:  t.Provider,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"from":          string(t.From),
			"to":            string(t.To),
			"failure_count": t.FailureCount,
		},
	}

	switch t.To {
	case circuitbreaker.StateOpen:
		n.Type = NotificationProviderDown
		n.Message = fmt.Sprintf("circuit opened for %s after %d failures", t.Provider, t.FailureCount)
	case circuitbreaker.StateHalfOpen:
		n.Type = NotificationProviderRecovering
		n.Message = fmt.Sprintf("trial call allowed for %s", t.Provider)
	case circuitbreaker.StateClosed:
		n.Type = NotificationProviderUp
		n.Message = fmt.Sprintf("circuit closed for %s", t.Provider)
	default:
		return Notification{}, false
	}
	return n, true
}
