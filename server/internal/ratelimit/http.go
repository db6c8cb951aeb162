package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/ospulse/ospulse/server/internal/auth"
)

// Header names clients rely on to back off.
const (
	HeaderRetryAfter = "Retry-After"
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
)

// rejectionBody is the JSON body of a 429 response.
type rejectionBody struct {
	Detail        string `json:"detail"`
	ErrorCode     string `json:"error_code"`
	RetryAfter    int    `json:"retry_after"`
	Limit         int    `json:"limit"`
	WindowSeconds int    `json:"window_seconds"`
}

// Middleware returns net/http middleware that checks chain for every request
// before the wrapped handler runs. operation names the guarded handler; the
// caller address and authenticated identity come from the request.
func Middleware(l *Limiter, operation string, chain Chain) func(http.Handler) http.Handler {
	return middleware(l, operation, func() Chain { return chain })
}

// TableMiddleware is Middleware with the chain looked up in t under
// operation on every request.
func TableMiddleware(l *Limiter, t *Table, operation string) func(http.Handler) http.Handler {
	return middleware(l, operation, func() Chain { return t.Chain(operation) })
}

func middleware(l *Limiter, operation string, chainFor func() Chain) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			chain := chainFor()
			d, err := chain.Admit(l, FromHTTP(r, operation))
			if err != nil {
				var qe *QuotaExceededError
				if errors.As(err, &qe) {
					writeRejection(w, qe)
					return
				}
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if len(chain) > 0 {
				w.Header().Set(HeaderLimit, strconv.Itoa(d.Limit))
				w.Header().Set(HeaderRemaining, strconv.Itoa(d.Remaining))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// FromHTTP builds a Request from an inbound HTTP request.
func FromHTTP(r *http.Request, operation string) Request {
	return Request{
		ClientAddr: ClientAddr(r),
		Identity:   auth.IdentityFromContext(r.Context()),
		Operation:  operation,
	}
}

// ClientAddr returns the first X-Forwarded-For entry, or the host part of
// RemoteAddr when the header is absent.
func ClientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRejection(w http.ResponseWriter, qe *QuotaExceededError) {
	retry := int(qe.RetryAfter.Seconds())
	w.Header().Set(HeaderRetryAfter, strconv.Itoa(retry))
	w.Header().Set(HeaderLimit, strconv.Itoa(qe.Limit))
	w.Header().Set(HeaderRemaining, "0")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(rejectionBody{ //nolint:errcheck
		Detail:        fmt.Sprintf("too many requests, retry in %d seconds", retry),
		ErrorCode:     "RATE_LIMIT_EXCEEDED",
		RetryAfter:    retry,
		Limit:         qe.Limit,
		WindowSeconds: int(qe.Window.Seconds()),
	})
}
