package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// EPGCache holds rendered XMLTV documents keyed by the host URL they were
// rendered for. Only document text is stored; live availability is always
// read from the catalog when a document is built.
type EPGCache struct {
	cache    *otter.Cache[string, string]
	duration time.Duration
}

// NewEPGCache creates a cache whose entries expire duration after being written
func NewEPGCache(duration time.Duration) *EPGCache {
	if duration <= 0 {
		duration = time.Minute
	}
	return &EPGCache{
		cache: otter.Must(&otter.Options[string, string]{
			MaximumSize:      64,
			ExpiryCalculator: otter.ExpiryWriting[string, string](duration),
		}),
		duration: duration,
	}
}

func epgKey(hostURL string) string {
	return "epg:" + hostURL
}

// Get returns the cached document for hostURL
func (ec *EPGCache) Get(hostURL string) (string, bool) {
	return ec.cache.GetIfPresent(epgKey(hostURL))
}

// Set stores a freshly rendered document
func (ec *EPGCache) Set(hostURL, value string) {
	ec.cache.Set(epgKey(hostURL), value)
}

// Invalidate drops every cached document
func (ec *EPGCache) Invalidate() {
	ec.cache.InvalidateAll()
}

// TTL returns the configured entry lifetime
func (ec *EPGCache) TTL() time.Duration {
	return ec.duration
}
