package restream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"twitch-xc-proxy/work/client"
)

// liveOrigin serves a media playlist built by the playlist func and a fixed
// body per segment name.
type liveOrigin struct {
	mu       sync.Mutex
	playlist func(poll int) string
	polls    int
	segments map[string][]byte
	hits     atomic.Int32
}

func (o *liveOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, ".m3u8") {
		o.mu.Lock()
		o.polls++
		body := o.playlist(o.polls)
		o.mu.Unlock()
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		io.WriteString(w, body)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/")
	data, ok := o.segments[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	o.hits.Add(1)
	w.Write(data)
}

func mediaPlaylist(seq int, names []string, ended bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:%d\n", seq)
	for _, n := range names {
		fmt.Fprintf(&b, "#EXTINF:2.000,live\n%s\n", n)
	}
	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

func newTestFetcher(t *testing.T) *client.HeaderSettingClient {
	c := client.NewSessionClient(client.Options{UserAgent: "test", Timeout: 5 * time.Second})
	t.Cleanup(c.CloseIdleConnections)
	return c
}

func fastOptions() Options {
	return Options{
		RefreshInterval: 10 * time.Millisecond,
		StallTimeout:    200 * time.Millisecond,
		Label:           "tester",
	}
}

func TestReaderConcatenatesSegmentsUntilEndlist(t *testing.T) {
	origin := &liveOrigin{
		playlist: func(int) string { return mediaPlaylist(0, []string{"a.ts", "b.ts", "c.ts"}, true) },
		segments: map[string][]byte{
			"live/a.ts": bytes.Repeat([]byte{'a'}, 5000),
			"live/b.ts": bytes.Repeat([]byte{'b'}, 10),
			"live/c.ts": bytes.Repeat([]byte{'c'}, 70000),
		},
	}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	r := NewReader(context.Background(), newTestFetcher(t), srv.URL+"/live/index.m3u8", fastOptions())
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)

	want := append(append(append([]byte{}, origin.segments["live/a.ts"]...), origin.segments["live/b.ts"]...), origin.segments["live/c.ts"]...)
	assert.Equal(t, int32(3), origin.hits.Load())
	assert.True(t, bytes.Equal(want, got), "stream must be the exact concatenation of the segments")
}

func TestReaderFollowsSlidingWindowWithoutDuplicates(t *testing.T) {
	windows := [][]string{
		{"s1.ts", "s2.ts", "s3.ts", "s4.ts", "s5.ts"},
		{"s3.ts", "s4.ts", "s5.ts", "s6.ts"},
		{"s5.ts", "s6.ts", "s7.ts"},
	}
	segments := map[string][]byte{}
	for i := 1; i <= 7; i++ {
		segments[fmt.Sprintf("s%d.ts", i)] = []byte(fmt.Sprintf("[%d]", i))
	}
	origin := &liveOrigin{
		playlist: func(poll int) string {
			if poll > len(windows) {
				return mediaPlaylist(4, windows[len(windows)-1], true)
			}
			return mediaPlaylist(poll-1, windows[poll-1], false)
		},
		segments: segments,
	}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	r := NewReader(context.Background(), newTestFetcher(t), srv.URL+"/index.m3u8", fastOptions())
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	// the first window is joined three segments from its end
	assert.Equal(t, "[3][4][5][6][7]", string(got))
}

func TestReaderSkipsAds(t *testing.T) {
	origin := &liveOrigin{
		playlist: func(int) string {
			return "#EXTM3U\n#EXT-X-TARGETDURATION:2\n" +
				"#EXTINF:2.000,Amazon|123\nad.ts\n" +
				"#EXTINF:2.000,live\nreal.ts\n#EXT-X-ENDLIST\n"
		},
		segments: map[string][]byte{"ad.ts": []byte("AD"), "real.ts": []byte("REAL")},
	}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	opts := fastOptions()
	opts.SkipAds = true
	r := NewReader(context.Background(), newTestFetcher(t), srv.URL+"/index.m3u8", opts)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "REAL", string(got))
}

func TestReaderReportsStall(t *testing.T) {
	origin := &liveOrigin{
		playlist: func(int) string { return mediaPlaylist(0, []string{"only.ts"}, false) },
		segments: map[string][]byte{"only.ts": []byte("x")},
	}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	opts := fastOptions()
	opts.StallTimeout = 50 * time.Millisecond
	r := NewReader(context.Background(), newTestFetcher(t), srv.URL+"/index.m3u8", opts)
	defer r.Close()

	got, err := io.ReadAll(r)
	assert.ErrorIs(t, err, ErrStalled)
	assert.Equal(t, "x", string(got))
}

func TestReaderPlaylistFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	r := NewReader(context.Background(), newTestFetcher(t), srv.URL+"/index.m3u8", fastOptions())
	defer r.Close()

	_, err := io.ReadAll(r)
	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestReaderEndlistWithoutDeliveredSegments(t *testing.T) {
	origin := &liveOrigin{
		playlist: func(int) string { return mediaPlaylist(0, []string{"gone-0.ts", "gone-1.ts"}, true) },
		segments: map[string][]byte{},
	}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	r := NewReader(context.Background(), newTestFetcher(t), srv.URL+"/index.m3u8", fastOptions())
	defer r.Close()

	got, err := io.ReadAll(r)
	require.Error(t, err, "an ended playlist with no delivered segment is a failure")
	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Empty(t, got)
}

func TestReaderCloseStopsLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	origin := &liveOrigin{
		playlist: func(poll int) string {
			return mediaPlaylist(poll, []string{fmt.Sprintf("%d.ts", poll)}, false)
		},
		segments: map[string][]byte{},
	}
	for i := 0; i < 10000; i++ {
		origin.segments[fmt.Sprintf("%d.ts", i)] = bytes.Repeat([]byte{'z'}, 1024)
	}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	fetcher := client.NewSessionClient(client.Options{Timeout: 5 * time.Second})
	defer fetcher.CloseIdleConnections()

	opts := fastOptions()
	opts.StallTimeout = time.Minute
	r := NewReader(context.Background(), fetcher, srv.URL+"/index.m3u8", opts)

	buf := make([]byte, 512)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "close is idempotent")

	_, err = r.Read(buf)
	assert.Error(t, err)
}

func TestSegmentTrackerEvictsOldest(t *testing.T) {
	st := NewSegmentTracker(2)
	st.MarkProcessed("a")
	st.MarkProcessed("b")
	st.MarkProcessed("b")
	assert.Equal(t, 2, st.Size())

	st.MarkProcessed("c")
	assert.False(t, st.HasProcessed("a"))
	assert.True(t, st.HasProcessed("b"))
	assert.True(t, st.HasProcessed("c"))

	st.Clear()
	assert.Equal(t, 0, st.Size())
	assert.False(t, st.HasProcessed("c"))
}
