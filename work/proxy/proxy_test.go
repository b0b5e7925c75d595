package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twitch-xc-proxy/work/config"
	"twitch-xc-proxy/work/database"
	"twitch-xc-proxy/work/resolver"
)

type fakeCatalog struct {
	streams  map[int64]*database.LiveStream
	settings database.Settings
}

func (c *fakeCatalog) LiveStreamByID(_ context.Context, id int64) (*database.LiveStream, error) {
	return c.streams[id], nil
}

func (c *fakeCatalog) LoadSettings(context.Context) (*database.Settings, error) {
	s := c.settings
	return &s, nil
}

// fakeUpstream hands out counting resolvers
type fakeUpstream struct {
	mu        sync.Mutex
	created   int
	closed    int
	liveCalls int
	vodCalls  int
	opens     int
	fetches   int

	liveURL   string
	liveErr   error
	vodURL    string
	vodErr    error
	playlists map[string]string
	fetchErr  error
	openErr   error
	stream    func() io.ReadCloser
}

func (u *fakeUpstream) factory() resolver.Resolver {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.created++
	return &fakeResolver{u: u}
}

func (u *fakeUpstream) counts() (created, closed, opens int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.created, u.closed, u.opens
}

type fakeResolver struct {
	u *fakeUpstream
}

func (r *fakeResolver) ResolveLive(_ context.Context, login string) (*resolver.MediaDescriptor, error) {
	r.u.mu.Lock()
	defer r.u.mu.Unlock()
	r.u.liveCalls++
	if r.u.liveErr != nil {
		return nil, r.u.liveErr
	}
	return &resolver.MediaDescriptor{PlaylistURL: r.u.liveURL, Quality: "chunked"}, nil
}

func (r *fakeResolver) ResolveVod(_ context.Context, vodID string) (*resolver.MediaDescriptor, error) {
	r.u.mu.Lock()
	defer r.u.mu.Unlock()
	r.u.vodCalls++
	if r.u.vodErr != nil {
		return nil, r.u.vodErr
	}
	return &resolver.MediaDescriptor{PlaylistURL: r.u.vodURL, Quality: "chunked"}, nil
}

func (r *fakeResolver) FetchPlaylist(_ context.Context, playlistURL string) (string, error) {
	r.u.mu.Lock()
	defer r.u.mu.Unlock()
	r.u.fetches++
	if r.u.fetchErr != nil {
		return "", r.u.fetchErr
	}
	return r.u.playlists[playlistURL], nil
}

func (r *fakeResolver) OpenStream(context.Context, string) (io.ReadCloser, error) {
	r.u.mu.Lock()
	r.u.opens++
	err, stream := r.u.openErr, r.u.stream
	r.u.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return stream(), nil
}

func (r *fakeResolver) Close() {
	r.u.mu.Lock()
	defer r.u.mu.Unlock()
	r.u.closed++
}

// trackedReader records whether Close was called
type trackedReader struct {
	io.Reader
	closed chan struct{}
	once   sync.Once
}

func newTrackedReader(r io.Reader) *trackedReader {
	return &trackedReader{Reader: r, closed: make(chan struct{})}
}

func (t *trackedReader) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *trackedReader) wasClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// chunkRecorder is a flushing response writer that remembers write sizes
type chunkRecorder struct {
	*httptest.ResponseRecorder
	writes  []int
	flushes int
	failAt  int
}

func (c *chunkRecorder) Write(p []byte) (int, error) {
	if c.failAt > 0 && len(c.writes)+1 >= c.failAt {
		return 0, syscall.EPIPE
	}
	c.writes = append(c.writes, len(p))
	return c.ResponseRecorder.Write(p)
}

func (c *chunkRecorder) Flush() {
	c.flushes++
	c.ResponseRecorder.Flush()
}

func newTestProxy(t *testing.T, mode string, up *fakeUpstream, sessions int) *StreamProxy {
	t.Helper()
	catalog := &fakeCatalog{
		streams: map[int64]*database.LiveStream{
			7: {ID: 7, LoginName: "somestreamer", DisplayName: "SomeStreamer", IsLive: true},
		},
		settings: database.Settings{LiveStreamMode: mode, M3UEnabled: true, VODEnabled: true},
	}
	pool, err := NewWorkerPool(sessions)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	cfg := config.Default()
	return New(cfg, catalog, up.factory, pool)
}

func liveRequest() *http.Request {
	return httptest.NewRequest(http.MethodGet, "/live/u/p/7.ts", nil)
}

func TestServeLiveDirectRedirectsWithoutOpeningStream(t *testing.T) {
	up := &fakeUpstream{liveURL: "https://video-weaver.example/v1/playlist/abc.m3u8?sig=x"}
	sp := newTestProxy(t, "direct", up, 4)

	rec := httptest.NewRecorder()
	require.NoError(t, sp.ServeLive(rec, liveRequest(), 7))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, up.liveURL, rec.Header().Get("Location"))

	created, closed, opens := up.counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, closed)
	assert.Equal(t, 0, opens, "direct mode must not open a byte channel")
}

func TestServeLiveProxyRelaysExactBytes(t *testing.T) {
	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(rand.IntN(256))
	}
	var src *trackedReader
	up := &fakeUpstream{
		liveURL: "https://video-weaver.example/v1/playlist/abc.m3u8",
		stream: func() io.ReadCloser {
			src = newTrackedReader(bytes.NewReader(payload))
			return src
		},
	}
	sp := newTestProxy(t, "proxy", up, 4)

	rec := &chunkRecorder{ResponseRecorder: httptest.NewRecorder()}
	require.NoError(t, sp.ServeLive(rec, liveRequest(), 7))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.True(t, bytes.Equal(payload, rec.Body.Bytes()), "relayed bytes must match upstream")

	if diff := cmp.Diff([]int{4096, 4096, 1808}, rec.writes); diff != "" {
		t.Errorf("chunk sizes mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, len(rec.writes), rec.flushes, "every chunk is flushed")
	assert.True(t, src.wasClosed())
	assert.Equal(t, 0, sp.Sessions.Len())
}

func TestServeLiveDefaultsToProxyForUnknownMode(t *testing.T) {
	up := &fakeUpstream{
		liveURL: "https://video-weaver.example/x.m3u8",
		stream:  func() io.ReadCloser { return newTrackedReader(bytes.NewReader([]byte("ts"))) },
	}
	sp := newTestProxy(t, "bogus", up, 4)

	rec := httptest.NewRecorder()
	require.NoError(t, sp.ServeLive(rec, liveRequest(), 7))
	assert.Equal(t, "ts", rec.Body.String())
}

func TestServeLiveClientDisconnect(t *testing.T) {
	var src *trackedReader
	up := &fakeUpstream{
		liveURL: "https://video-weaver.example/x.m3u8",
		stream: func() io.ReadCloser {
			src = newTrackedReader(bytes.NewReader(make([]byte, 50000)))
			return src
		},
	}
	sp := newTestProxy(t, "proxy", up, 4)

	rec := &chunkRecorder{ResponseRecorder: httptest.NewRecorder(), failAt: 3}
	err := sp.ServeLive(rec, liveRequest(), 7)
	assert.ErrorIs(t, err, ErrProxyTerminated)
	assert.Len(t, rec.writes, 2)
	assert.True(t, src.wasClosed(), "upstream reader is closed on client disconnect")

	_, closed, _ := up.counts()
	assert.Equal(t, 1, closed)
}

func TestServeLiveOfflineAndUnknown(t *testing.T) {
	up := &fakeUpstream{liveErr: resolver.ErrNotAvailable}
	sp := newTestProxy(t, "proxy", up, 4)

	err := sp.ServeLive(httptest.NewRecorder(), liveRequest(), 7)
	assert.ErrorIs(t, err, ErrNotFound)
	created, closed, opens := up.counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, closed)
	assert.Equal(t, 0, opens)

	err = sp.ServeLive(httptest.NewRecorder(), liveRequest(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
	created, _, _ = up.counts()
	assert.Equal(t, 1, created, "unknown ids never reach the resolver")
}

func TestServeLiveUpstreamFailures(t *testing.T) {
	boom := errors.New("gql exploded")
	up := &fakeUpstream{liveErr: boom}
	sp := newTestProxy(t, "proxy", up, 4)

	err := sp.ServeLive(httptest.NewRecorder(), liveRequest(), 7)
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, StageLive, upErr.Stage)
	assert.Equal(t, "somestreamer", upErr.ID)
	assert.ErrorIs(t, err, boom)

	up2 := &fakeUpstream{liveURL: "https://x/y.m3u8", openErr: errors.New("cdn down")}
	sp2 := newTestProxy(t, "proxy", up2, 4)
	rec := httptest.NewRecorder()
	err = sp2.ServeLive(rec, liveRequest(), 7)
	require.ErrorAs(t, err, &upErr)
	assert.Empty(t, rec.Header().Get("Content-Type"), "nothing is written before the stream opens")
}

func TestServeLiveStreamFailsBeforeData(t *testing.T) {
	up := &fakeUpstream{
		liveURL: "https://x/y.m3u8",
		stream: func() io.ReadCloser {
			return newTrackedReader(&errReader{err: errors.New("playlist 500")})
		},
	}
	sp := newTestProxy(t, "proxy", up, 4)

	rec := httptest.NewRecorder()
	err := sp.ServeLive(rec, liveRequest(), 7)
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Zero(t, rec.Body.Len())
	assert.False(t, rec.Flushed)
}

func TestServeLiveSessionPanicReturnsError(t *testing.T) {
	up := &fakeUpstream{
		liveURL: "https://x/y.m3u8",
		stream:  func() io.ReadCloser { panic("reader exploded") },
	}
	sp := newTestProxy(t, "proxy", up, 1)

	done := make(chan error, 1)
	go func() {
		done <- sp.ServeLive(httptest.NewRecorder(), liveRequest(), 7)
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reader exploded")
	case <-time.After(2 * time.Second):
		t.Fatal("ServeLive never returned after the session panicked")
	}

	_, closed, _ := up.counts()
	assert.Equal(t, 1, closed, "the resolver is still released")
	require.Eventually(t, func() bool { return sp.WorkerPool.Running() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServeLiveRejectsInvalidLogin(t *testing.T) {
	up := &fakeUpstream{liveURL: "https://x/y.m3u8"}
	sp := newTestProxy(t, "proxy", up, 4)
	sp.Catalog = &fakeCatalog{
		streams: map[int64]*database.LiveStream{
			8: {ID: 8, LoginName: "../admin", IsLive: true},
		},
		settings: database.Settings{LiveStreamMode: "proxy"},
	}

	err := sp.ServeLive(httptest.NewRecorder(), liveRequest(), 8)
	assert.ErrorIs(t, err, ErrNotFound)
	created, _, _ := up.counts()
	assert.Equal(t, 0, created, "invalid logins never reach the resolver")
}

type errReader struct{ err error }

func (e *errReader) Read([]byte) (int, error) { return 0, e.err }

func TestServeLiveAtCapacity(t *testing.T) {
	up := &fakeUpstream{liveURL: "https://x/y.m3u8"}
	sp := newTestProxy(t, "proxy", up, 1)

	block := make(chan struct{})
	require.NoError(t, sp.WorkerPool.Submit(func() { <-block }))
	defer close(block)

	err := sp.ServeLive(httptest.NewRecorder(), liveRequest(), 7)
	assert.ErrorIs(t, err, ErrAtCapacity)
	_, _, opens := up.counts()
	assert.Equal(t, 0, opens)
}

func TestSessionsAreRegisteredWhileStreaming(t *testing.T) {
	pr, pw := io.Pipe()
	up := &fakeUpstream{
		liveURL: "https://x/y.m3u8",
		stream:  func() io.ReadCloser { return pr },
	}
	sp := newTestProxy(t, "proxy", up, 4)

	done := make(chan error, 1)
	go func() {
		done <- sp.ServeLive(httptest.NewRecorder(), liveRequest(), 7)
	}()

	_, err := pw.Write(make([]byte, 4096))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sp.Sessions.Len() == 1 }, time.Second, 5*time.Millisecond)

	snap := sp.Sessions.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "somestreamer", snap[0].Login)
	assert.Equal(t, int64(7), snap[0].StreamID)
	assert.NotEmpty(t, snap[0].ID)

	pw.Close()
	require.NoError(t, <-done)
	assert.Equal(t, 0, sp.Sessions.Len())
}

const stage1Playlist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXTINF:10.000,
https://cdn1.example/hash_abc/chunked/0.ts?sig=OLD
#EXTINF:10.000,
https://cdn1.example/hash_abc/chunked/1.ts?sig=OLD
#EXT-X-ENDLIST
`

func TestServeVodPlaylistRewrites(t *testing.T) {
	up := &fakeUpstream{
		vodURL:    "https://cdn1.example/hash_abc/chunked/index-dvr.m3u8",
		playlists: map[string]string{"https://cdn1.example/hash_abc/chunked/index-dvr.m3u8": stage1Playlist},
	}
	sp := newTestProxy(t, "proxy", up, 4)

	pl, err := sp.ServeVodPlaylist(context.Background(), "2222")
	require.NoError(t, err)
	assert.Equal(t, 2, pl.Segments)
	assert.Contains(t, pl.Body, "\n/segment-proxy/2222/hash_abc/chunked/0.ts\n")
	assert.NotContains(t, pl.Body, "cdn1.example")

	created, closed, _ := up.counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, closed)
}

func TestServeVodPlaylistErrors(t *testing.T) {
	up := &fakeUpstream{vodErr: resolver.ErrNotAvailable}
	sp := newTestProxy(t, "proxy", up, 4)

	_, err := sp.ServeVodPlaylist(context.Background(), "../etc")
	assert.ErrorIs(t, err, ErrNotFound)
	created, _, _ := up.counts()
	assert.Equal(t, 0, created, "invalid ids never reach the resolver")

	_, err = sp.ServeVodPlaylist(context.Background(), "2222")
	assert.ErrorIs(t, err, ErrNotFound)

	up2 := &fakeUpstream{vodURL: "https://a/b.m3u8", fetchErr: errors.New("403")}
	sp2 := newTestProxy(t, "proxy", up2, 4)
	_, err = sp2.ServeVodPlaylist(context.Background(), "2222")
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, StageStage1, upErr.Stage)
	assert.Equal(t, "2222", upErr.ID)
}

func TestResolveSegmentAfterCDNRotation(t *testing.T) {
	freshURL := "https://cdn2.example/hash_abc/chunked/index-dvr.m3u8?sig=PL"
	up := &fakeUpstream{
		vodURL: freshURL,
		playlists: map[string]string{freshURL: `#EXTM3U
#EXTINF:10.000,
https://cdn2.example/hash_abc/chunked/0.ts?sig=NEW
#EXTINF:10.000,
1.ts
#EXT-X-ENDLIST
`},
	}
	sp := newTestProxy(t, "proxy", up, 4)

	target, err := sp.ResolveSegment(context.Background(), "2222", "hash_abc/chunked/0.ts")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn2.example/hash_abc/chunked/0.ts?sig=NEW", target)

	target, err = sp.ResolveSegment(context.Background(), "2222", "1.ts")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn2.example/hash_abc/chunked/1.ts", target)

	_, err = sp.ResolveSegment(context.Background(), "2222", "hash_abc/chunked/9.ts")
	assert.ErrorIs(t, err, ErrSegmentNotFound)
	assert.ErrorIs(t, err, ErrNotFound)

	created, closed, _ := up.counts()
	assert.Equal(t, 3, created, "every segment request uses a fresh resolver")
	assert.Equal(t, 3, closed)
}

func TestResolveSegmentUpstreamFailure(t *testing.T) {
	up := &fakeUpstream{vodURL: "https://a/b.m3u8", fetchErr: errors.New("timeout")}
	sp := newTestProxy(t, "proxy", up, 4)

	_, err := sp.ResolveSegment(context.Background(), "2222", "0.ts")
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, StageStage2, upErr.Stage)
}

func TestIsClientGone(t *testing.T) {
	assert.True(t, isClientGone(syscall.ECONNRESET))
	assert.True(t, isClientGone(syscall.EPIPE))
	assert.True(t, isClientGone(http.ErrAbortHandler))
	assert.True(t, isClientGone(context.Canceled))
	assert.False(t, isClientGone(errors.New("disk full")))
}

func TestValidVodID(t *testing.T) {
	assert.True(t, ValidVodID("2222"))
	assert.True(t, ValidVodID("v_abc-1"))
	assert.False(t, ValidVodID(""))
	assert.False(t, ValidVodID("a/b"))
	assert.False(t, ValidVodID("../x"))
}

func TestValidLogin(t *testing.T) {
	assert.True(t, ValidLogin("somestreamer"))
	assert.True(t, ValidLogin("Some_Streamer42"))
	assert.False(t, ValidLogin(""))
	assert.False(t, ValidLogin("has space"))
	assert.False(t, ValidLogin("a/b"))
	assert.False(t, ValidLogin("abcdefghijklmnopqrstuvwxyz"))
}

func TestValidSegmentPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"0.ts", true},
		{"hash_abc/chunked/0.ts", true},
		{"seg%20one-muted.ts", true},
		{"", false},
		{"../index.m3u8", false},
		{"a/../b.ts", false},
		{"a//b.ts", false},
		{"./0.ts", false},
		{"a/b.ts?sig=x", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidSegmentPath(tt.path), tt.path)
	}
}

func TestResolveSegmentRejectsInvalidPath(t *testing.T) {
	up := &fakeUpstream{vodURL: "https://a/b.m3u8"}
	sp := newTestProxy(t, "proxy", up, 4)

	_, err := sp.ResolveSegment(context.Background(), "2222", "hash_abc/../../0.ts")
	assert.ErrorIs(t, err, ErrSegmentNotFound)
	created, _, _ := up.counts()
	assert.Equal(t, 0, created, "invalid paths never reach the resolver")
}
