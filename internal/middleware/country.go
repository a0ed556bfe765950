package middleware

import (
	"context"
	"net"
	"net/http"
)

const countryKey contextKey = "country"

// CountryLookup maps a client IP to an ISO country code, "" when unknown.
type CountryLookup interface {
	Country(ip string) string
}

// ClientCountry stores the caller's country in the request context for the
// request log. It must run after chi's RealIP. A nil lookup is a no-op.
func ClientCountry(lookup CountryLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if lookup == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if code := lookup.Country(clientKey(r)); code != "" {
				r = r.WithContext(context.WithValue(r.Context(), countryKey, code))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func CountryFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(countryKey).(string); ok {
		return v
	}
	return ""
}

// clientKey is the caller address without its port. chi's RealIP has already
// replaced RemoteAddr when a proxy header was present.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
