// Package monitor logs credential pool state transitions, adapted from the
// teacher's channel-disable/enable notifier. No outbound notification
// channel (email/message-pusher) is wired: the pack carries no such
// dependency for this spec's domain, so this package only structured-logs;
// see DESIGN.md.
package monitor

import (
	"github.com/Laisky/zap"

	"github.com/kirobridge/kirobridge/common/logger"
	"github.com/kirobridge/kirobridge/credential"
)

// DisableCredential logs an automatic or manual disable event.
func DisableCredential(id int64, reason credential.DisabledReason) {
	logger.Logger.Warn("credential disabled",
		zap.Int64("credentialId", id),
		zap.String("reason", string(reason)))
}

// EnableCredential logs a credential returning to service, whether via
// admin action or auto-heal.
func EnableCredential(id int64) {
	logger.Logger.Info("credential enabled", zap.Int64("credentialId", id))
}

// AutoHeal logs the pool-wide auto-recovery event (§3 EXPANDED "Auto-heal
// on total exhaustion").
func AutoHeal(count int) {
	logger.Logger.Info("credential pool auto-healed: all auto-disabled credentials re-enabled",
		zap.Int("count", count))
}
