package resolver

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"

	"twitch-xc-proxy/work/logger"
)

type limiterEntry struct {
	limiter  ratelimit.Limiter
	lastUsed atomic.Int64
}

// Limiters paces outbound resolutions per upstream identifier. A player
// fetching VOD segments triggers one resolution per segment, so bursts are
// spread out instead of hammering the platform. Only pacing lives here,
// never resolver state.
type Limiters struct {
	perSecond int
	entries   *xsync.MapOf[string, *limiterEntry]
}

// NewLimiters creates a store allowing perSecond resolutions per key
func NewLimiters(perSecond int) *Limiters {
	if perSecond <= 0 {
		perSecond = 10
	}
	return &Limiters{
		perSecond: perSecond,
		entries:   xsync.NewMapOf[string, *limiterEntry](),
	}
}

// Take blocks until a call for key is allowed
func (l *Limiters) Take(key string) {
	if l == nil {
		return
	}
	entry, _ := l.entries.LoadOrCompute(key, func() *limiterEntry {
		return &limiterEntry{limiter: ratelimit.New(l.perSecond, ratelimit.WithSlack(l.perSecond))}
	})
	entry.lastUsed.Store(time.Now().UnixNano())
	entry.limiter.Take()
}

// Len returns the number of tracked keys
func (l *Limiters) Len() int {
	return l.entries.Size()
}

// Sweep drops limiters unused for longer than idle
func (l *Limiters) Sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle).UnixNano()
	removed := 0
	l.entries.Range(func(key string, entry *limiterEntry) bool {
		if entry.lastUsed.Load() < cutoff {
			l.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// RunSweeper sweeps every interval until ctx is done
func (l *Limiters) RunSweeper(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(idle); n > 0 {
				logger.Debug("{resolver/limiter - RunSweeper} Dropped %d idle limiters, %d left", n, l.Len())
			}
		}
	}
}
