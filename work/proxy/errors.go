package proxy

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers unknown catalog ids, offline channels, unavailable
	// VODs and segments missing from a fresh playlist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when the credential gate rejects a request
	ErrUnauthorized = errors.New("invalid credentials")

	// ErrSegmentNotFound means no locator in the fresh playlist matched
	ErrSegmentNotFound = fmt.Errorf("%w: segment not in playlist", ErrNotFound)

	// ErrProxyTerminated means the client went away mid-stream. It ends a
	// session normally.
	ErrProxyTerminated = errors.New("proxy terminated by client")

	// ErrAtCapacity is returned when every proxy session slot is taken
	ErrAtCapacity = errors.New("server at capacity")
)

// Stage names used in UpstreamError and logs
const (
	StageLive   = "live"
	StageStage1 = "stage1"
	StageStage2 = "stage2"
)

// UpstreamError wraps a resolver or upstream fetch failure with the stage and
// identifier it happened for.
type UpstreamError struct {
	Stage string
	ID    string
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream failure for %s: %v", e.Stage, e.ID, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
