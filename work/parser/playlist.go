package parser

import (
	"net/url"
	"strings"
)

// SegmentProxyPrefix is the route namespace segment locators are rewritten into
const SegmentProxyPrefix = "/segment-proxy/"

// IsLocator reports whether a playlist line references a segment or
// sub-playlist. Directives start with '#'; blank lines are neither.
func IsLocator(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed != "" && !strings.HasPrefix(trimmed, "#")
}

// SegmentPath returns the escaped path of a locator without scheme, host,
// query or fragment, and without its leading slash so it can be appended to
// a route prefix.
func SegmentPath(locator string) string {
	locator = strings.TrimSpace(locator)
	u, err := url.Parse(locator)
	if err != nil {
		// keep whatever precedes a query so a sloppy upstream line still maps
		if i := strings.IndexAny(locator, "?#"); i >= 0 {
			locator = locator[:i]
		}
		return strings.TrimLeft(locator, "/")
	}
	return strings.TrimLeft(u.EscapedPath(), "/")
}

// RewritePlaylist points every locator of a media playlist at the segment
// redirector. Directive and blank lines are copied byte for byte and the
// output has exactly as many lines as the input.
//
// Parameters:
//   - doc: media playlist as fetched from upstream
//   - vodID: upstream VOD id embedded in every rewritten locator
//
// Returns:
//   - string: rewritten document
//   - int: number of rewritten locators
func RewritePlaylist(doc, vodID string) (string, int) {
	lines := splitLines(doc)
	rewritten := 0
	for i, line := range lines {
		if !IsLocator(line) {
			continue
		}
		lines[i] = SegmentProxyPrefix + vodID + "/" + SegmentPath(line)
		rewritten++
	}
	out := strings.Join(lines, "\n")
	if strings.HasSuffix(doc, "\n") {
		out += "\n"
	}
	return out, rewritten
}

// FindSegment scans a freshly fetched playlist for the first locator whose
// path ends with segmentPath and resolves it to an absolute URL. Relative
// locators resolve against playlistURL.
//
// Parameters:
//   - doc: media playlist document
//   - playlistURL: absolute URL doc was fetched from
//   - segmentPath: path captured from a rewritten locator
//
// Returns:
//   - string: absolute segment URL
//   - bool: false when no line matches
func FindSegment(doc, playlistURL, segmentPath string) (string, bool) {
	if segmentPath == "" {
		return "", false
	}
	base, err := url.Parse(playlistURL)
	if err != nil {
		return "", false
	}

	for _, line := range splitLines(doc) {
		if !IsLocator(line) {
			continue
		}
		locator := strings.TrimSpace(line)
		if !strings.HasSuffix(SegmentPath(locator), segmentPath) {
			continue
		}
		ref, err := url.Parse(locator)
		if err != nil {
			continue
		}
		return base.ResolveReference(ref).String(), true
	}
	return "", false
}

// splitLines splits on '\n' and drops one trailing '\r' per line. A
// terminating newline does not produce an extra empty line.
func splitLines(doc string) []string {
	doc = strings.TrimSuffix(doc, "\n")
	if doc == "" {
		return []string{}
	}
	lines := strings.Split(doc, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}
