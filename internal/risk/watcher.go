package risk

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// PanicTrigger is the liquidation capability the watcher invokes.
// *portfolio.Portfolio satisfies it.
type PanicTrigger interface {
	ActivatePanic(ctx context.Context)
}

// Watcher polls for a rendezvous file and triggers panic liquidation when it
// appears. The file is the operational kill switch: touch it on the host and
// every open position is flattened, no API access required.
type Watcher struct {
	path    string
	trigger PanicTrigger
	logger  *slog.Logger
	period  time.Duration
}

// NewWatcher watches path every 5 seconds.
func NewWatcher(path string, trigger PanicTrigger, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:    path,
		trigger: trigger,
		logger:  logger.With("component", "panic_watcher"),
		period:  5 * time.Second,
	}
}

// Run polls until ctx is cancelled. The check runs before the first sleep so
// a file already present at startup is honored immediately. Removal of the
// file is best-effort: a failure is logged and the watcher keeps polling.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		if _, err := os.Stat(w.path); err == nil {
			w.logger.Warn("panic file detected, triggering liquidation", "path", w.path)
			w.trigger.ActivatePanic(ctx)
			if err := os.Remove(w.path); err != nil {
				w.logger.Error("remove panic file", "path", w.path, "error", err)
			} else {
				w.logger.Info("panic file removed", "path", w.path)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.period):
		}
	}
}
