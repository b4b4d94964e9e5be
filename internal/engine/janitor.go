package engine

import (
	"context"
	"time"
)

func (e *Engine) janitor(ctx context.Context) {
	ticker := time.NewTicker(e.opts.RetentionSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := e.sweep(now); n > 0 {
				e.logger.Debug("retired terminal jobs", "count", n)
			}
		}
	}
}

// sweep retires terminal, notified jobs older than the retention window
// from the live registry and the tracker's cache.
func (e *Engine) sweep(now time.Time) int {
	retired := 0
	for _, a := range e.actors() {
		expired := false
		a.do(func(st *jobState) {
			expired = st.notified && now.Sub(st.finishedAt) >= e.opts.Retention
		})
		if !expired {
			continue
		}
		e.mu.Lock()
		delete(e.jobs, a.id)
		e.mu.Unlock()
		a.retire()
		e.opts.Tracker.Forget(a.id)
		retired++
	}
	return retired
}
