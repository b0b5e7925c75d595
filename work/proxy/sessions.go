package proxy

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"twitch-xc-proxy/work/metrics"
)

// Session is one active byte-proxy connection
type Session struct {
	ID         string
	Login      string
	StreamID   int64
	RemoteAddr string
	Started    time.Time
	bytes      atomic.Int64
}

func (s *Session) addBytes(n int64) {
	s.bytes.Add(n)
}

// Bytes returns how much has been relayed so far
func (s *Session) Bytes() int64 {
	return s.bytes.Load()
}

// SessionInfo is the JSON view of a Session
type SessionInfo struct {
	ID         string    `json:"id"`
	Login      string    `json:"login"`
	StreamID   int64     `json:"stream_id"`
	RemoteAddr string    `json:"remote_addr"`
	Started    time.Time `json:"started"`
	Bytes      int64     `json:"bytes"`
}

// SessionRegistry tracks active proxy sessions for metrics and the status
// endpoint. It never holds resolver state.
type SessionRegistry struct {
	sessions *xsync.MapOf[string, *Session]
}

// NewSessionRegistry creates an empty registry
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: xsync.NewMapOf[string, *Session]()}
}

// Start registers a new session under a fresh id
func (r *SessionRegistry) Start(login string, streamID int64, remoteAddr string) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		Login:      login,
		StreamID:   streamID,
		RemoteAddr: remoteAddr,
		Started:    time.Now(),
	}
	r.sessions.Store(s.ID, s)
	metrics.ProxySessionsActive.Inc()
	return s
}

// End removes a session. Ending twice is harmless.
func (r *SessionRegistry) End(s *Session) {
	if _, loaded := r.sessions.LoadAndDelete(s.ID); loaded {
		metrics.ProxySessionsActive.Dec()
	}
}

// Len returns the number of active sessions
func (r *SessionRegistry) Len() int {
	return r.sessions.Size()
}

// Snapshot lists active sessions, oldest first
func (r *SessionRegistry) Snapshot() []SessionInfo {
	out := make([]SessionInfo, 0, r.sessions.Size())
	r.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, SessionInfo{
			ID:         s.ID,
			Login:      s.Login,
			StreamID:   s.StreamID,
			RemoteAddr: s.RemoteAddr,
			Started:    s.Started,
			Bytes:      s.Bytes(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}
