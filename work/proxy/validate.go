package proxy

import (
	"github.com/grafana/regexp"
)

var (
	vodIDPattern = regexp.MustCompile(`^[0-9A-Za-z_-]{1,64}$`)
	loginPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,25}$`)

	// escaped path characters only, no empty, "." or ".." element
	segmentPathPattern = regexp.MustCompile(`^[A-Za-z0-9._~%!$&'()*+,;=:@-]+(/[A-Za-z0-9._~%!$&'()*+,;=:@-]+)*$`)
	dotElementPattern  = regexp.MustCompile(`(^|/)\.{1,2}(/|$)`)
)

// ValidVodID reports whether id can be embedded in a segment route
func ValidVodID(id string) bool {
	return vodIDPattern.MatchString(id)
}

// ValidLogin reports whether login has the shape of a channel login
func ValidLogin(login string) bool {
	return loginPattern.MatchString(login)
}

// ValidSegmentPath reports whether an escaped segment path is safe to
// match against a playlist
func ValidSegmentPath(path string) bool {
	return segmentPathPattern.MatchString(path) && !dotElementPattern.MatchString(path)
}
