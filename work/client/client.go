package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// Options describes the headers and timeouts of one upstream session
type Options struct {
	UserAgent string
	Origin    string
	Referer   string
	// Timeout bounds the wait for response headers only, so long streaming
	// bodies are not cut off.
	Timeout time.Duration
}

// HeaderSettingClient wraps http.Client to automatically set headers.
// Each instance owns its transport and cookie jar; nothing is shared
// between two sessions.
type HeaderSettingClient struct {
	Client *http.Client
	opts   Options
}

// NewSessionClient builds a fresh client with its own connection pool and cookies
func NewSessionClient(opts Options) *HeaderSettingClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	jar, _ := cookiejar.New(nil)

	client := &http.Client{
		Timeout: 0, // No overall timeout for streaming
		Jar:     jar,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: opts.Timeout, // Only timeout for headers
			ForceAttemptHTTP2:     true,
		},
	}

	return &HeaderSettingClient{
		Client: client,
		opts:   opts,
	}
}

// Do sends req with the session headers applied
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

// Get issues a GET bound to ctx and fails on any non-200 status.
// The caller owns the returned body.
func (hsc *HeaderSettingClient) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := hsc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}
	return resp, nil
}

// CloseIdleConnections releases the session's pooled connections
func (hsc *HeaderSettingClient) CloseIdleConnections() {
	hsc.Client.CloseIdleConnections()
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" && hsc.opts.UserAgent != "" {
		req.Header.Set("User-Agent", hsc.opts.UserAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
	if hsc.opts.Origin != "" {
		req.Header.Set("Origin", hsc.opts.Origin)
	}
	if hsc.opts.Referer != "" {
		req.Header.Set("Referer", hsc.opts.Referer)
	}
}

// StatusError reports an unexpected HTTP status from upstream
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.Code)
}
