package kernel

import (
	"time"
)

// ReaperConfig holds background reaping parameters.
type ReaperConfig struct {
	// Interval is how often to reap (default: 1 minute).
	Interval time.Duration
	// Retention is how long a dead process stays inspectable (default: 10 minutes).
	Retention time.Duration
}

// DefaultReaperConfig returns default reaper configuration.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:  time.Minute,
		Retention: 10 * time.Minute,
	}
}

// StartReaper starts a background goroutine that periodically drops
// tombstones and idle fork-limit windows. Returns the stop function.
func (k *Kernel) StartReaper(cfg ReaperConfig) func() {
	if cfg.Interval == 0 {
		cfg = DefaultReaperConfig()
	}

	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				k.runReapCycle(cfg)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// runReapCycle performs a single reap with panic recovery.
func (k *Kernel) runReapCycle(cfg ReaperConfig) {
	defer func() {
		if r := recover(); r != nil {
			if k.logger != nil {
				k.logger.Error("reaper_panic_recovered", "error", r)
			}
		}
	}()

	reaped := k.manager.CleanupDead(cfg.Retention)
	windows := k.forkLimiter.CleanupExpired()

	if k.logger != nil {
		k.logger.Debug("reap_cycle_completed",
			"processes_reaped", reaped,
			"fork_windows_dropped", windows,
		)
	}
}
