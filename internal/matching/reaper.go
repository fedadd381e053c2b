package matching

import (
	"context"
	"log/slog"
	"time"

	"senvo/backend/internal/storage"
)

// ReaperOptions control what the reaper removes. A zero duration disables
// that rule.
type ReaperOptions struct {
	Interval          time.Duration
	StaleAfter        time.Duration
	MatchedStaleAfter time.Duration
	DataRetention     time.Duration
}

// Reaper deletes queue entries whose owners stopped heartbeating, and expired
// signal and chat rows. Deleting a matched entry notifies its partner through
// the room's delete feed.
type Reaper struct {
	store  storage.Store
	opts   ReaperOptions
	logger *slog.Logger
	now    func() time.Time
}

func NewReaper(store storage.Store, opts ReaperOptions, logger *slog.Logger) *Reaper {
	return &Reaper{store: store, opts: opts, logger: logger, now: time.Now}
}

func (r *Reaper) policy() storage.ReapPolicy {
	now := r.now()
	var p storage.ReapPolicy
	if r.opts.StaleAfter > 0 {
		p.WaitingBefore = now.Add(-r.opts.StaleAfter)
	}
	if r.opts.MatchedStaleAfter > 0 {
		p.MatchedBefore = now.Add(-r.opts.MatchedStaleAfter)
	}
	if r.opts.DataRetention > 0 {
		p.DataBefore = now.Add(-r.opts.DataRetention)
	}
	return p
}

// RunOnce performs a single cleanup pass.
func (r *Reaper) RunOnce(ctx context.Context) (*storage.ReapResult, error) {
	res, err := r.store.Reap(ctx, r.policy())
	if err != nil {
		return nil, err
	}
	if len(res.Entries) > 0 || res.Signals > 0 || res.Messages > 0 {
		r.logger.Info("reaped",
			"entries", len(res.Entries),
			"signals", res.Signals,
			"messages", res.Messages)
	}
	return res, nil
}

// Run reaps every Interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	if r.opts.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reap failed", "error", err)
			}
		}
	}
}
