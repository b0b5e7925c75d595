package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"

	"twitch-xc-proxy/work/auth"
	"twitch-xc-proxy/work/logger"
	"twitch-xc-proxy/work/middleware"
	"twitch-xc-proxy/work/proxy"
	"twitch-xc-proxy/work/xtream"
)

// Handlers binds HTTP routes to the live proxy, the VOD rewriter and the
// Xtream compatibility layer. Credentials are checked here, before any
// upstream resolution happens.
type Handlers struct {
	Proxy  *proxy.StreamProxy
	Compat *xtream.Service
	Gate   *auth.Gate
}

// New creates the route handlers
func New(sp *proxy.StreamProxy, compat *xtream.Service, gate *auth.Gate) *Handlers {
	return &Handlers{Proxy: sp, Compat: compat, Gate: gate}
}

// Register adds every client facing route to router. The router must have
// UseEncodedPath set so segment paths keep their escaping.
func (h *Handlers) Register(router *mux.Router) {
	router.HandleFunc("/live/{user}/{pass}/{streamId:[0-9]+}.{ext}", h.HandleLive).Methods(http.MethodGet)
	router.HandleFunc("/live/{user}/{pass}/{streamId:[0-9]+}", h.HandleLive).Methods(http.MethodGet)
	router.HandleFunc("/movie/{user}/{pass}/{vodId:[^/.]+}.{ext}", h.HandleMovie).Methods(http.MethodGet)
	router.HandleFunc("/movie/{user}/{pass}/{vodId}", h.HandleMovie).Methods(http.MethodGet)
	router.HandleFunc("/segment-proxy/{vodId}/{segmentPath:.+}", h.HandleSegment).Methods(http.MethodGet)
	router.HandleFunc("/play_live_m3u/{streamId:[0-9]+}", h.HandlePlayLiveM3U).Methods(http.MethodGet)

	router.Handle("/playlist.m3u", middleware.Gzip(http.HandlerFunc(h.HandlePlaylist))).Methods(http.MethodGet)
	router.Handle("/epg.xml", middleware.Gzip(http.HandlerFunc(h.HandleEPG))).Methods(http.MethodGet)
	router.Handle("/xmltv.php", middleware.Gzip(http.HandlerFunc(h.HandleXMLTV))).Methods(http.MethodGet)
	router.Handle("/player_api.php", middleware.Gzip(http.HandlerFunc(h.HandlePlayerAPI))).Methods(http.MethodGet, http.MethodPost)
}

// pathCredentials unescapes the user and pass route variables
func pathCredentials(r *http.Request) (user, pass string, ok bool) {
	vars := mux.Vars(r)
	user, err := url.PathUnescape(vars["user"])
	if err != nil {
		return "", "", false
	}
	pass, err = url.PathUnescape(vars["pass"])
	if err != nil {
		return "", "", false
	}
	return user, pass, true
}

func (h *Handlers) authenticatePath(r *http.Request) bool {
	user, pass, ok := pathCredentials(r)
	return ok && h.Gate.Authenticate(r.Context(), user, pass)
}

func streamIDVar(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["streamId"], 10, 64)
	return id, err == nil && id > 0
}

// HandleLive serves /live/{user}/{pass}/{streamId}
func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	if !h.authenticatePath(r) {
		writeError(w, r, proxy.ErrUnauthorized)
		return
	}
	h.serveLive(w, r)
}

// HandlePlayLiveM3U serves the live links handed out in playlist.m3u
func (h *Handlers) HandlePlayLiveM3U(w http.ResponseWriter, r *http.Request) {
	if !h.Gate.AuthenticateMaster(r.Context(), r.URL.Query().Get("password")) {
		http.Error(w, "Invalid password", http.StatusUnauthorized)
		return
	}
	h.serveLive(w, r)
}

func (h *Handlers) serveLive(w http.ResponseWriter, r *http.Request) {
	id, ok := streamIDVar(r)
	if !ok {
		writeError(w, r, proxy.ErrNotFound)
		return
	}
	if err := h.Proxy.ServeLive(w, r, id); err != nil {
		writeError(w, r, err)
	}
}

// HandleMovie serves the rewritten VOD playlist
func (h *Handlers) HandleMovie(w http.ResponseWriter, r *http.Request) {
	if !h.authenticatePath(r) {
		writeError(w, r, proxy.ErrUnauthorized)
		return
	}

	enabled, err := h.vodEnabled(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !enabled {
		logger.Warn("{handlers/handlers - HandleMovie} VOD request while VOD is disabled")
		http.Error(w, "VOD disabled", http.StatusNotFound)
		return
	}

	vodID, err := url.PathUnescape(mux.Vars(r)["vodId"])
	if err != nil {
		writeError(w, r, proxy.ErrNotFound)
		return
	}

	pl, err := h.Proxy.ServeVodPlaylist(r.Context(), vodID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(pl.Body))
}

// HandleSegment redirects a rewritten locator to the segment's current URL.
// segmentPath is passed on still escaped.
func (h *Handlers) HandleSegment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	target, err := h.Proxy.ResolveSegment(r.Context(), vars["vodId"], vars["segmentPath"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// HandlePlaylist serves the M3U playlist for master-secret clients
func (h *Handlers) HandlePlaylist(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Compat.HostURL(); err != nil {
		writeError(w, r, err)
		return
	}
	password := r.URL.Query().Get("password")
	if !h.Gate.AuthenticateMaster(r.Context(), password) {
		http.Error(w, "Invalid password", http.StatusUnauthorized)
		return
	}

	body, err := h.Compat.Playlist(r.Context(), password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "audio/mpegurl")
	_, _ = w.Write([]byte(body))
}

// HandleEPG serves XMLTV for M3U clients authenticated by the master secret
func (h *Handlers) HandleEPG(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Compat.HostURL(); err != nil {
		writeError(w, r, err)
		return
	}
	if !h.Gate.AuthenticateMaster(r.Context(), r.URL.Query().Get("password")) {
		http.Error(w, "Invalid password", http.StatusUnauthorized)
		return
	}
	h.writeGuide(w, r)
}

// HandleXMLTV serves XMLTV for Xtream clients
func (h *Handlers) HandleXMLTV(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Compat.HostURL(); err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	if !h.Gate.Authenticate(r.Context(), q.Get("username"), q.Get("password")) {
		writeError(w, r, proxy.ErrUnauthorized)
		return
	}
	h.writeGuide(w, r)
}

func (h *Handlers) writeGuide(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Compat.Guide(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(doc))
}

/**
 * HandlePlayerAPI answers /player_api.php for GET and POST.
 *
 * get_user_info (or no action) answers 200 even for bad credentials, as
 * Xtream clients call it first to test a login. Every other action needs valid credentials.
 */
func (h *Handlers) HandlePlayerAPI(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Compat.HostURL(); err != nil {
		writeError(w, r, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	username := r.Form.Get("username")
	if username == "" {
		username = "default"
	}
	password := r.Form.Get("password")
	action := r.Form.Get("action")
	authed := h.Gate.Authenticate(r.Context(), username, password)

	if action == "" || action == "get_user_info" {
		if !authed {
			writeJSON(w, xtream.InvalidCredentials())
			return
		}
		resp, err := h.Compat.UserInfo(username, password)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, resp)
		return
	}

	if !authed {
		writeError(w, r, proxy.ErrUnauthorized)
		return
	}

	body, err := h.Compat.Action(r.Context(), action, r.Form)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, body)
}

func (h *Handlers) vodEnabled(ctx context.Context) (bool, error) {
	settings, err := h.Compat.Settings(ctx)
	if err != nil {
		return false, err
	}
	return settings.VODEnabled, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers/handlers - writeJSON} Failed to encode response: %v", err)
	}
}

// writeError maps the error taxonomy onto status codes and short bodies
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	path := r.URL.Path
	var upstream *proxy.UpstreamError

	switch {
	case errors.Is(err, proxy.ErrProxyTerminated):
		logger.Debug("{handlers/handlers - writeError} Client left %s", path)
	case errors.Is(err, proxy.ErrUnauthorized):
		logger.Warn("{handlers/handlers - writeError} Rejected credentials from %s", r.RemoteAddr)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
	case errors.Is(err, xtream.ErrHostURLMissing):
		http.Error(w, xtream.HostURLMissingMessage, http.StatusInternalServerError)
	case errors.Is(err, xtream.ErrM3UDisabled):
		http.Error(w, "M3U disabled", http.StatusNotFound)
	case errors.Is(err, proxy.ErrSegmentNotFound):
		http.Error(w, "Segment not found", http.StatusNotFound)
	case errors.Is(err, proxy.ErrNotFound):
		logger.Warn("{handlers/handlers - writeError} %v", err)
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, proxy.ErrAtCapacity):
		logger.Warn("{handlers/handlers - writeError} Rejecting %s: %v", path, err)
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
	case errors.As(err, &upstream):
		logger.Error("{handlers/handlers - writeError} [%s] %s: %v", upstream.Stage, upstream.ID, upstream.Err)
		http.Error(w, upstreamMessage(upstream.Stage), http.StatusBadGateway)
	default:
		logger.Error("{handlers/handlers - writeError} %s failed: %v", path, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func upstreamMessage(stage string) string {
	switch stage {
	case proxy.StageStage1:
		return "Error fetching VOD playlist"
	case proxy.StageStage2:
		return "Error resolving segment"
	default:
		return "Error opening stream"
	}
}
