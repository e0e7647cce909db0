package embeddings

import (
	"context"
	"sync"
	"time"

	"github.com/Kocoro-lab/lectern/internal/metrics"
)

// rateWindow enforces a sliding per-minute request budget. Unlike a token
// bucket it can report its occupancy, which the batcher uses to shrink
// batches before the budget runs out.
type rateWindow struct {
	mu     sync.Mutex
	limit  int
	span   time.Duration
	stamps []time.Time

	now func() time.Time // test hook
}

func newRateWindow(limit int) *rateWindow {
	return &rateWindow{
		limit: limit,
		span:  time.Minute,
		now:   time.Now,
	}
}

// wait blocks until a request slot is free and records the send. A limit of
// zero disables the window. When the window is full it sleeps until the
// oldest stamp falls out, honoring ctx cancellation.
func (w *rateWindow) wait(ctx context.Context) error {
	if w.limit <= 0 {
		return nil
	}
	for {
		w.mu.Lock()
		now := w.now()
		w.prune(now)
		if len(w.stamps) < w.limit {
			w.stamps = append(w.stamps, now)
			w.mu.Unlock()
			return nil
		}
		wakeAt := w.stamps[0].Add(w.span)
		w.mu.Unlock()

		metrics.EmbeddingRateLimitWaits.Inc()
		d := wakeAt.Sub(now)
		if d < 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// nearLimit reports whether the window is at or past 80% occupancy.
func (w *rateWindow) nearLimit() bool {
	if w.limit <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.stamps)*5 >= w.limit*4
}

// prune drops stamps older than the window. Caller holds mu.
func (w *rateWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
