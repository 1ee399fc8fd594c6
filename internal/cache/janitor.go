package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Janitor periodically purges expired cache envelopes, grounded on
// provider/healthpoller.go's start/stop-with-interval poller shape
// (SPEC_FULL.md §5 supplemented feature — not spec'd in §4.2, but nothing
// there runs expiry cleanup and a long-lived process needs one).
type Janitor struct {
	store    *Store
	logger   zerolog.Logger
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a Janitor purging at the given interval (minimum 1
// minute).
func NewJanitor(store *Store, logger zerolog.Logger, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Janitor{
		store:    store,
		logger:   logger.With().Str("component", "cache_janitor").Logger(),
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the background purge loop. Call Stop to shut it down.
func (j *Janitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.logger.Info().Dur("interval", j.interval).Msg("starting cache janitor")
	go j.loop(ctx)
}

// Stop gracefully shuts down the janitor and waits for it to finish.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	<-j.done
	j.logger.Info().Msg("cache janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.store.PurgeExpired(ctx)
			if err != nil {
				j.logger.Warn().Err(err).Msg("cache purge failed")
				continue
			}
			if n > 0 {
				j.logger.Debug().Int64("purged", n).Msg("purged expired cache entries")
			}
		}
	}
}
