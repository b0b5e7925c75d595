package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"twitch-xc-proxy/work/metrics"
)

/**
 * pump relays src to the client in chunks of exactly ChunkPool.ChunkSize
 * bytes (the last one may be shorter), flushing after every write.
 *
 * Response headers go out with the first chunk, so a source that fails
 * before producing data leaves the response untouched.
 *
 * @param w Client response writer
 * @param r Client request, its context signals disconnects
 * @param src Upstream byte channel
 * @param login Channel login for metrics
 * @param session Session accounting
 * @return Bytes written, nil on upstream EOF, ErrProxyTerminated when the client left
 */
func (sp *StreamProxy) pump(w http.ResponseWriter, r *http.Request, src io.Reader, login string, session *Session) (int64, error) {
	ctx := r.Context()
	flusher, _ := w.(http.Flusher)

	buf := sp.ChunkPool.Get()
	defer sp.ChunkPool.Put(buf)

	bytesCounter := metrics.BytesProxied.WithLabelValues(login)
	headersSent := false
	var written int64

	for {
		n, rerr := io.ReadFull(src, buf.B)
		if n > 0 {
			if !headersSent {
				writeStreamHeaders(w)
				headersSent = true
			}
			if _, werr := w.Write(buf.B[:n]); werr != nil {
				if isClientGone(werr) || ctx.Err() != nil {
					return written, ErrProxyTerminated
				}
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
			written += int64(n)
			session.addBytes(int64(n))
			bytesCounter.Add(float64(n))
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				if !headersSent {
					writeStreamHeaders(w)
				}
				return written, nil
			}
			if ctx.Err() != nil || isClientGone(rerr) {
				return written, ErrProxyTerminated
			}
			return written, rerr
		}
	}
}

// isClientGone matches the errors a write to a vanished client produces
func isClientGone(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, http.ErrAbortHandler) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}
