package api

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
)

// SecurityHeadersMiddleware strips version-revealing headers and sets
// a generic Server header, kept verbatim from
// internal/server/middleware.go's headerRemovalWriter approach
// (WriteHeader/Write interception, Flush passthrough for streaming
// responses, Hijack passthrough for the /events WebSocket upgrade).
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapper := &headerRemovalWriter{ResponseWriter: w}
		next.ServeHTTP(wrapper, r)
		if !wrapper.headerWritten {
			wrapper.writeSecurityHeaders()
		}
	})
}

type headerRemovalWriter struct {
	http.ResponseWriter
	headerWritten bool
}

func (w *headerRemovalWriter) WriteHeader(statusCode int) {
	w.writeSecurityHeaders()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *headerRemovalWriter) Write(b []byte) (int, error) {
	if !w.headerWritten {
		w.writeSecurityHeaders()
	}
	return w.ResponseWriter.Write(b)
}

func (w *headerRemovalWriter) writeSecurityHeaders() {
	if w.headerWritten {
		return
	}
	w.headerWritten = true
	h := w.ResponseWriter.Header()
	h.Del("Server")
	h.Del("X-Powered-By")
	h.Set("Server", "taskcoordd")
}

func (w *headerRemovalWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *headerRemovalWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// contextKey is the context key under which the resolved identity header
// is stored, so handlers can read it without re-parsing the request.
type contextKey string

const identityContextKey contextKey = "identity"

// identityFromContext returns the caller identity resolved by
// identityMiddleware, or "" if none was resolved.
func identityFromContext(ctx context.Context) string {
	v, _ := ctx.Value(identityContextKey).(string)
	return v
}

// identityMiddleware resolves the caller's agent identity from the
// X-Agent-Name header every handler needs for holder-only operations
// (release/submit) and rate-limit keying. There is no login flow in
// this service — agents authenticate by registering a unique name
// (spec.md §9's open question on auth is resolved as "name is the
// identity, scoped by network boundary rather than credentials").
// The middleware never rejects a request: a missing header resolves to
// the empty identity, and of the handlers only claim refuses one.
func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSpace(r.Header.Get("X-Agent-Name"))
		ctx := context.WithValue(r.Context(), identityContextKey, name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware enforces a deny-by-default allowlist read from
// config, generalized from internal/server/handlers.go's
// checkWebSocketOrigin (which only gated the /ws upgrade) into a
// blanket CORS policy covering every /api route.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Agent-Name, X-Idempotency-Key")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
