// Package resolver defines the contract with the upstream platform that
// turns channel logins and VOD ids into playable HLS URLs.
package resolver

import (
	"context"
	"errors"
	"io"
)

// ErrNotAvailable means the platform has no rendition for the content right
// now: the channel is offline, or the VOD does not exist or was removed.
var ErrNotAvailable = errors.New("no rendition available")

// MediaDescriptor is valid only inside the request that obtained it; CDN
// signatures rotate on every resolution.
type MediaDescriptor struct {
	PlaylistURL string
	Quality     string
}

// Resolver is a single-use upstream session. Instances hold negotiation
// state (cookies, device id, connections) and must never be shared between
// requests; get a new one from a Factory and Close it when done.
type Resolver interface {
	ResolveLive(ctx context.Context, login string) (*MediaDescriptor, error)
	ResolveVod(ctx context.Context, vodID string) (*MediaDescriptor, error)
	// FetchPlaylist downloads a playlist document through the session.
	FetchPlaylist(ctx context.Context, playlistURL string) (string, error)
	// OpenStream returns the continuous byte channel behind a live playlist.
	OpenStream(ctx context.Context, playlistURL string) (io.ReadCloser, error)
	Close()
}

// Factory builds a fresh Resolver for every call.
type Factory func() Resolver
