package restream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/grafov/m3u8"

	"twitch-xc-proxy/work/buffer"
	"twitch-xc-proxy/work/logger"
	"twitch-xc-proxy/work/metrics"
	"twitch-xc-proxy/work/utils"
)

var (
	// ErrStalled is returned by Read when the playlist stops announcing new segments
	ErrStalled = errors.New("live playlist stalled")

	// ErrTooManySegmentErrors is returned by Read after too many consecutive segment failures
	ErrTooManySegmentErrors = errors.New("too many segment errors")

	errConsumerGone = errors.New("consumer closed the stream")
)

const maxPlaylistBytes = 8 << 20

// Fetcher issues GET requests for playlists and segments. The session client
// of a resolver satisfies it.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (*http.Response, error)
}

// Options tunes the polling loop of a Reader. Zero values take the defaults
// noted on each field.
type Options struct {
	RefreshInterval  time.Duration     // playlist poll period, 2s
	StallTimeout     time.Duration     // give up after this long without a new segment, 30s
	PlaylistTimeout  time.Duration     // bound on a single playlist fetch, 10s
	LiveEdge         int               // segments kept from the first poll of a live window, 3
	MaxSegmentErrors int               // consecutive failed segments tolerated, 5
	TrackerSize      int               // segment URLs remembered for de-duplication, 64
	SkipAds          bool              // drop segments Twitch marks as stitched ads
	Label            string            // channel login for logs and metrics
	Obfuscate        bool              // mask URLs in logs
	Pool             *buffer.ChunkPool // copy buffers, a private pool when nil
}

func (o Options) withDefaults() Options {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 2 * time.Second
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = 30 * time.Second
	}
	if o.PlaylistTimeout <= 0 {
		o.PlaylistTimeout = 10 * time.Second
	}
	if o.LiveEdge <= 0 {
		o.LiveEdge = 3
	}
	if o.MaxSegmentErrors <= 0 {
		o.MaxSegmentErrors = 5
	}
	if o.TrackerSize <= 0 {
		o.TrackerSize = 64
	}
	if o.Pool == nil {
		o.Pool = buffer.NewChunkPool(32 * 1024)
	}
	return o
}

/**
 * SegmentTracker uses a circular buffer approach to track processed segments
 * with bounded memory usage and efficient lookups.
 *
 * The oldest entry is evicted once maxSize URLs are tracked, so memory stays
 * constant no matter how long a live stream runs. A tracker belongs to one
 * polling loop and is not safe for concurrent use.
 */
type SegmentTracker struct {
	segments    []string       // Circular buffer of segment URLs
	segmentMap  map[string]int // Maps segment URL to position in buffer
	head        int            // Current head position in circular buffer
	maxSize     int            // Maximum number of segments to track
	currentSize int            // Current number of segments in tracker
}

/**
 * NewSegmentTracker creates a new segment tracker with bounded memory
 *
 * @param maxSize Maximum number of segments to track before eviction
 * @return Initialized segment tracker ready for use
 */
func NewSegmentTracker(maxSize int) *SegmentTracker {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &SegmentTracker{
		segments:   make([]string, maxSize),
		segmentMap: make(map[string]int, maxSize),
		maxSize:    maxSize,
	}
}

// HasProcessed reports whether segmentURL is still in the tracking window
func (st *SegmentTracker) HasProcessed(segmentURL string) bool {
	_, exists := st.segmentMap[segmentURL]
	return exists
}

/**
 * MarkProcessed records a segment, evicting the oldest one when full
 *
 * @param segmentURL The segment URL to mark as processed
 */
func (st *SegmentTracker) MarkProcessed(segmentURL string) {
	if st.HasProcessed(segmentURL) {
		return
	}
	if st.currentSize >= st.maxSize {
		if old := st.segments[st.head]; old != "" {
			delete(st.segmentMap, old)
		}
	} else {
		st.currentSize++
	}

	st.segments[st.head] = segmentURL
	st.segmentMap[segmentURL] = st.head
	st.head = (st.head + 1) % st.maxSize
}

// Size returns the current number of tracked segments
func (st *SegmentTracker) Size() int {
	return st.currentSize
}

// Clear removes all tracked segments
func (st *SegmentTracker) Clear() {
	st.segmentMap = make(map[string]int, st.maxSize)
	for i := range st.segments {
		st.segments[i] = ""
	}
	st.head = 0
	st.currentSize = 0
}

// Reader exposes a live HLS media playlist as one continuous transport stream.
// A background loop polls the playlist, fetches every new segment in order and
// writes its bytes into a pipe that Read drains. Close stops the loop and
// waits for it to exit.
type Reader struct {
	pr     *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

/**
 * NewReader starts polling playlistURL and returns the stream reader.
 *
 * The loop ends with io.EOF when the playlist carries EXT-X-ENDLIST, with
 * ErrStalled when no new segment shows up for StallTimeout, and with the
 * context error once ctx is cancelled.
 *
 * @param ctx Parent context bounding the whole stream
 * @param fetcher HTTP session used for playlist and segment requests
 * @param playlistURL Absolute URL of the media playlist
 * @param opts Loop tuning
 * @return Reader that must be closed by the caller
 */
func NewReader(ctx context.Context, fetcher Fetcher, playlistURL string, opts Options) *Reader {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	r := &Reader{
		pr:     pr,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s := &streamer{
		fetcher:     fetcher,
		playlistURL: playlistURL,
		opts:        opts.withDefaults(),
	}
	go func() {
		defer close(r.done)
		s.run(ctx, pw)
	}()
	return r
}

// Read implements io.Reader
func (r *Reader) Read(p []byte) (int, error) {
	return r.pr.Read(p)
}

// Close stops polling and blocks until the background loop has exited
func (r *Reader) Close() error {
	r.once.Do(func() {
		r.cancel()
		r.pr.Close()
	})
	<-r.done
	return nil
}

type streamer struct {
	fetcher     Fetcher
	playlistURL string
	opts        Options
}

func (s *streamer) logURL(u string) string {
	return utils.LogURL(s.opts.Obfuscate, u)
}

/**
 * run implements the polling loop: fetch the playlist, stream every segment
 * not seen before, then wait for the next refresh.
 *
 * Stream health monitoring:
 * - the first poll of a live window starts LiveEdge segments from its end
 * - more than MaxSegmentErrors consecutive failed segments abort the stream
 * - StallTimeout without a new segment aborts the stream
 *
 * @param ctx Loop context, cancelled by Reader.Close
 * @param pw Write end of the pipe, always closed on return
 */
func (s *streamer) run(ctx context.Context, pw *io.PipeWriter) {
	logger.Debug("{restream/hls - run} Starting HLS stream for %s from: %s", s.opts.Label, s.logURL(s.playlistURL))

	tracker := NewSegmentTracker(s.opts.TrackerSize)
	defer tracker.Clear()

	totalBytes := int64(0)
	lastSuccessfulSegment := time.Now()
	firstPoll := true
	segmentErrors := 0
	var lastSegmentErr error

	timer := time.NewTimer(s.opts.RefreshInterval)
	defer timer.Stop()

	for {
		media, err := s.fetchMedia(ctx)
		if err != nil {
			if ctx.Err() != nil {
				pw.CloseWithError(ctx.Err())
				return
			}
			logger.Error("{restream/hls - run} Error fetching playlist for %s: %v", s.opts.Label, err)
			metrics.StreamErrors.WithLabelValues(s.opts.Label, "playlist").Inc()
			pw.CloseWithError(fmt.Errorf("fetch playlist: %w", err))
			return
		}

		segments := s.segmentURLs(media)
		if firstPoll && !media.Closed && len(segments) > s.opts.LiveEdge {
			skipped := segments[:len(segments)-s.opts.LiveEdge]
			for _, u := range skipped {
				tracker.MarkProcessed(u)
			}
			logger.Debug("{restream/hls - run} Joining %s at the live edge, skipped %d segments", s.opts.Label, len(skipped))
		}
		firstPoll = false

		newSegmentCount := 0

		for _, segmentURL := range segments {
			if tracker.HasProcessed(segmentURL) {
				continue
			}
			if ctx.Err() != nil {
				pw.CloseWithError(ctx.Err())
				return
			}

			n, err := s.copySegment(ctx, segmentURL, pw)
			totalBytes += n
			if err != nil {
				if errors.Is(err, errConsumerGone) || ctx.Err() != nil {
					logger.Debug("{restream/hls - run} Consumer left %s after %d bytes", s.opts.Label, totalBytes)
					pw.CloseWithError(errConsumerGone)
					return
				}

				segmentErrors++
				lastSegmentErr = err
				metrics.StreamErrors.WithLabelValues(s.opts.Label, "segment").Inc()
				logger.Warn("{restream/hls - run} Error streaming segment for %s: %v (errors: %d/%d)",
					s.opts.Label, err, segmentErrors, s.opts.MaxSegmentErrors)

				if segmentErrors > s.opts.MaxSegmentErrors {
					logger.Error("{restream/hls - run} Too many segment errors for %s, aborting", s.opts.Label)
					pw.CloseWithError(fmt.Errorf("%w: %v", ErrTooManySegmentErrors, err))
					return
				}
				// a partly written segment must not be replayed
				if n > 0 {
					tracker.MarkProcessed(segmentURL)
				}
				continue
			}

			tracker.MarkProcessed(segmentURL)
			newSegmentCount++
			segmentErrors = 0
			lastSuccessfulSegment = time.Now()
		}

		if media.Closed {
			if totalBytes == 0 && segmentErrors > 0 {
				logger.Error("{restream/hls - run} Playlist for %s ended without a single segment: %v", s.opts.Label, lastSegmentErr)
				pw.CloseWithError(fmt.Errorf("no segment delivered: %w", lastSegmentErr))
				return
			}
			logger.Debug("{restream/hls - run} Playlist for %s ended after %d bytes", s.opts.Label, totalBytes)
			pw.Close()
			return
		}

		if newSegmentCount == 0 {
			if since := time.Since(lastSuccessfulSegment); since > s.opts.StallTimeout {
				logger.Warn("{restream/hls - run} Stream stalled for %s: no new segments for %v", s.opts.Label, since)
				metrics.StreamErrors.WithLabelValues(s.opts.Label, "stalled").Inc()
				pw.CloseWithError(ErrStalled)
				return
			}
		} else {
			logger.Debug("{restream/hls - run} Processed batch for %s: %d new segments, tracker size: %d, total: %d KB",
				s.opts.Label, newSegmentCount, tracker.Size(), totalBytes/1024)
		}

		timer.Reset(s.opts.RefreshInterval)
		select {
		case <-ctx.Done():
			pw.CloseWithError(ctx.Err())
			return
		case <-timer.C:
		}
	}
}

// fetchMedia downloads and decodes the media playlist
func (s *streamer) fetchMedia(ctx context.Context) (*m3u8.MediaPlaylist, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.PlaylistTimeout)
	defer cancel()

	resp, err := s.fetcher.Get(reqCtx, s.playlistURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	playlist, listType, err := m3u8.DecodeFrom(io.LimitReader(resp.Body, maxPlaylistBytes), false)
	if err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("expected a media playlist")
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type %T", playlist)
	}
	return media, nil
}

// segmentURLs resolves the playlist's segment URIs in order, dropping ads when asked
func (s *streamer) segmentURLs(media *m3u8.MediaPlaylist) []string {
	base, err := url.Parse(s.playlistURL)
	if err != nil {
		return nil
	}

	urls := make([]string, 0, len(media.Segments))
	for _, seg := range media.Segments {
		if seg == nil || strings.TrimSpace(seg.URI) == "" {
			continue
		}
		if s.opts.SkipAds && isAdSegment(seg) {
			continue
		}
		ref, err := url.Parse(strings.TrimSpace(seg.URI))
		if err != nil {
			logger.Warn("{restream/hls - segmentURLs} Skipping segment with bad URI for %s: %v", s.opts.Label, err)
			continue
		}
		urls = append(urls, base.ResolveReference(ref).String())
	}
	return urls
}

// isAdSegment matches the EXTINF title Twitch gives to stitched ad segments
func isAdSegment(seg *m3u8.MediaSegment) bool {
	return strings.HasPrefix(seg.Title, "Amazon")
}

/**
 * copySegment fetches one segment and writes it into the pipe chunk by chunk.
 *
 * @param ctx Loop context
 * @param segmentURL Absolute segment URL
 * @param w Pipe writer
 * @return Bytes written and errConsumerGone when the read side is closed
 */
func (s *streamer) copySegment(ctx context.Context, segmentURL string, w io.Writer) (int64, error) {
	resp, err := s.fetcher.Get(ctx, segmentURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	buf := s.opts.Pool.Get()
	defer s.opts.Pool.Put(buf)

	var written int64
	for {
		n, rerr := resp.Body.Read(buf.B)
		if n > 0 {
			if _, werr := w.Write(buf.B[:n]); werr != nil {
				return written, errConsumerGone
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
