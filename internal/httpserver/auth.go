package httpserver

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"sync"
)

// SecretSource supplies the current and next valid shared secrets, so a
// secret rotation can be rolled out without a window where every instance
// rejects every request. See internal/secrets.
type SecretSource interface {
	CurrentAndNext() (current, next string)
}

type auditEvent struct {
	reason   string
	method   string
	path     string
	clientIP string
}

type auditSink struct {
	logger *slog.Logger
	once   sync.Once
	queue  chan auditEvent
}

func (a *auditSink) enqueue(e auditEvent) {
	a.once.Do(func() {
		a.queue = make(chan auditEvent, 256)
		go func() {
			for ev := range a.queue {
				a.logger.Warn("shared secret auth rejected request",
					"reason", ev.reason, "method", ev.method, "path", ev.path, "client_ip", ev.clientIP)
			}
		}()
	})

	select {
	case a.queue <- e:
	default:
		// Never block request processing for audit logging.
	}
}

// SharedSecretAuth authenticates requests by comparing the X-API-Key header,
// in constant time, against a SHA-256 digest of the broker's current and
// next secrets. Health and metrics paths are exempt.
func SharedSecretAuth(secrets SecretSource, logger *slog.Logger) func(http.Handler) http.Handler {
	sink := &auditSink{logger: logger}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				next.ServeHTTP(w, r)
				return
			}

			received := r.Header.Get("X-API-Key")
			if received == "" {
				sink.enqueue(auditEvent{reason: "missing_header", method: r.Method, path: r.URL.Path, clientIP: clientIP(r)})
				RespondError(w, http.StatusUnauthorized, "unauthorized", "")
				return
			}

			current, next_ := secrets.CurrentAndNext()
			receivedHash := sha256.Sum256([]byte(received))
			currentHash := sha256.Sum256([]byte(current))
			nextHash := sha256.Sum256([]byte(next_))

			match := subtle.ConstantTimeCompare(receivedHash[:], currentHash[:]) == 1
			match = match || subtle.ConstantTimeCompare(receivedHash[:], nextHash[:]) == 1

			if !match {
				sink.enqueue(auditEvent{reason: "invalid_secret", method: r.Method, path: r.URL.Path, clientIP: clientIP(r)})
				RespondError(w, http.StatusUnauthorized, "unauthorized", "")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers X-Forwarded-For, then X-Real-IP, then the raw remote addr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
