package background

import (
	"runtime/debug"

	"github.com/rs/zerolog/log"
)

// SpawnBestEffort runs fn on a detached goroutine. Failures and panics are
// logged and never reach the caller's error path. Use it for side effects
// the caller must not block or fail on: stat counters, cooldown writes,
// webhook forwarding.
func SpawnBestEffort(name string, fn func() error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("task", name).
					Str("stack", string(debug.Stack())).
					Msgf("Panic in best-effort task: %v", r)
			}
		}()
		if err := fn(); err != nil {
			log.Debug().Err(err).Str("task", name).Msg("Best-effort task failed")
		}
	}()
}
