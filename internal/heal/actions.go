package heal

import (
	"context"
	"log"
	"time"
)

// Builtin action names, matching the strategy catalogue in config.
const (
	ActionRestartService    = "restart_service"
	ActionReconnectDatabase = "reconnect_database"
	ActionClearCache        = "clear_cache"
	ActionEnableRateLimit   = "enable_rate_limit"
	ActionRerunBackup       = "rerun_backup"
	ActionRenewCertificate  = "renew_certificate"
)

// BuiltinActions returns the local action set. Each action logs what it
// would do and reports success; deployments against a real platform
// replace entries with platform-specific implementations.
func BuiltinActions() map[string]Action {
	names := []string{
		ActionRestartService,
		ActionReconnectDatabase,
		ActionClearCache,
		ActionEnableRateLimit,
		ActionRerunBackup,
		ActionRenewCertificate,
	}
	actions := make(map[string]Action, len(names))
	for _, name := range names {
		name := name
		actions[name] = FuncAction{
			ActionName: name,
			Fn: func(ctx context.Context, projectID string) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(10 * time.Millisecond):
				}
				log.Printf("heal: %s executed for %s", name, projectID)
				return nil
			},
		}
	}
	return actions
}
