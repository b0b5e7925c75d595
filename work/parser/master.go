package parser

import (
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/grafov/m3u8"

	"twitch-xc-proxy/work/logger"
)

// StreamVariant represents a single rendition announced by an HLS master playlist.
type StreamVariant struct {
	URL        string // Absolute URL of the variant's media playlist
	Bandwidth  uint32 // Peak bandwidth in bits per second
	Resolution string // "WIDTHxHEIGHT", empty for audio only renditions
	Name       string // Rendition label, e.g. "1080p60" or "chunked" for source
}

// Quality returns a human readable label for logs and descriptors.
func (v StreamVariant) Quality() string {
	switch {
	case v.Name != "":
		return v.Name
	case v.Resolution != "":
		return v.Resolution
	default:
		return fmt.Sprintf("%dbps", v.Bandwidth)
	}
}

// ParseMasterPlaylist decodes a master playlist and returns its variants sorted
// best first. A media playlist handed in by mistake yields a single variant
// pointing back at playlistURL, so callers can treat both forms the same way.
//
// Parameters:
//   - body: playlist document
//   - playlistURL: absolute URL the document was fetched from, used to resolve relative variant URIs
//
// Returns:
//   - []StreamVariant: variants, best first
//   - error: non-nil if the document cannot be decoded or lists no variants
func ParseMasterPlaylist(body io.Reader, playlistURL string) ([]StreamVariant, error) {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return nil, fmt.Errorf("invalid playlist url: %w", err)
	}

	playlist, listType, err := m3u8.DecodeFrom(body, false)
	if err != nil {
		return nil, fmt.Errorf("failed to decode playlist: %w", err)
	}

	if listType == m3u8.MEDIA {
		logger.Debug("{parser/master - ParseMasterPlaylist} Document is already a media playlist")
		return []StreamVariant{{URL: playlistURL, Name: "media"}}, nil
	}

	master, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type %T", playlist)
	}

	variants := make([]StreamVariant, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v == nil || strings.TrimSpace(v.URI) == "" {
			continue
		}
		ref, err := url.Parse(strings.TrimSpace(v.URI))
		if err != nil {
			logger.Warn("{parser/master - ParseMasterPlaylist} Skipping variant with bad URI: %v", err)
			continue
		}
		variants = append(variants, StreamVariant{
			URL:        base.ResolveReference(ref).String(),
			Bandwidth:  v.Bandwidth,
			Resolution: v.Resolution,
			Name:       variantName(v),
		})
	}

	if len(variants) == 0 {
		return nil, fmt.Errorf("master playlist lists no variants")
	}

	sortVariants(variants)
	return variants, nil
}

// variantName prefers the VIDEO group id, which is how Twitch labels renditions
func variantName(v *m3u8.Variant) string {
	if v.Video != "" {
		return v.Video
	}
	if v.Name != "" {
		return v.Name
	}
	if len(v.Alternatives) > 0 && v.Alternatives[0] != nil {
		return v.Alternatives[0].Name
	}
	return ""
}

// sortVariants orders by bandwidth descending. Twitch calls the untranscoded
// rendition "chunked" and it wins ties.
func sortVariants(variants []StreamVariant) {
	sort.SliceStable(variants, func(i, j int) bool {
		if variants[i].Bandwidth != variants[j].Bandwidth {
			return variants[i].Bandwidth > variants[j].Bandwidth
		}
		return variants[i].Name == "chunked" && variants[j].Name != "chunked"
	})
}

// SelectBest returns the highest quality variant. Audio-only renditions are
// only picked when nothing else exists.
func SelectBest(variants []StreamVariant) (StreamVariant, bool) {
	if len(variants) == 0 {
		return StreamVariant{}, false
	}
	for _, v := range variants {
		if v.Name != "audio_only" {
			return v, true
		}
	}
	return variants[0], true
}
