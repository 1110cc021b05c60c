package middleware

import (
	"net"
	"net/http"
	"strings"
)

const hstsValue = "max-age=31536000; includeSubDomains"

// SecurityHeaders sets response headers for a JSON API. HSTS is only sent
// when TLS terminates in front of this process.
func SecurityHeaders(hsts bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			if strings.HasPrefix(r.URL.Path, "/api/") {
				// Responses carry organization financial data.
				h.Set("Cache-Control", "no-store")
			}
			if hsts {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IsHostAllowed reports whether host matches an entry of allowedHosts. An
// entry without a port matches any port; an entry starting with "*." matches
// any subdomain but not the bare domain. An empty list allows every host.
func IsHostAllowed(host string, allowedHosts []string) bool {
	if len(allowedHosts) == 0 {
		return true
	}

	host = strings.ToLower(strings.TrimSpace(host))
	hostname, port := splitHostPort(host)

	for _, entry := range allowedHosts {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		allowedName, allowedPort := splitHostPort(entry)
		if allowedPort != "" && allowedPort != port {
			continue
		}
		if suffix, ok := strings.CutPrefix(allowedName, "*."); ok {
			if strings.HasSuffix(hostname, "."+suffix) {
				return true
			}
			continue
		}
		if hostname == allowedName {
			return true
		}
	}

	return false
}

func splitHostPort(hostport string) (string, string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, ""
	}
	return host, port
}
