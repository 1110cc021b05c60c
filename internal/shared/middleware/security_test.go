package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsHostAllowed(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		allowed []string
		want    bool
	}{
		{"empty list allows all", "anything.io", nil, true},
		{"exact", "app.ledgerlink.io", []string{"app.ledgerlink.io"}, true},
		{"entry without port matches any port", "localhost:5173", []string{"localhost"}, true},
		{"port must match when given", "localhost:5173", []string{"localhost:3000"}, false},
		{"port match", "localhost:3000", []string{"localhost:3000"}, true},
		{"case and whitespace", "App.LedgerLink.io", []string{"  app.ledgerlink.io "}, true},
		{"wildcard subdomain", "eu.app.ledgerlink.io", []string{"*.ledgerlink.io"}, true},
		{"wildcard excludes bare domain", "ledgerlink.io", []string{"*.ledgerlink.io"}, false},
		{"suffix trick", "evil-ledgerlink.io", []string{"*.ledgerlink.io"}, false},
		{"subdomain needs wildcard", "eu.ledgerlink.io", []string{"ledgerlink.io"}, false},
		{"blank entries ignored", "evil.io", []string{"", " "}, false},
		{"second entry", "admin.ledgerlink.io", []string{"app.ledgerlink.io", "admin.ledgerlink.io"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsHostAllowed(tt.host, tt.allowed); got != tt.want {
				t.Errorf("IsHostAllowed(%q, %v) = %v, want %v", tt.host, tt.allowed, got, tt.want)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name        string
		hsts        bool
		path        string
		wantHSTS    bool
		wantNoStore bool
	}{
		{name: "api without hsts", path: "/api/sync/status", wantNoStore: true},
		{name: "api with hsts", hsts: true, path: "/api/reconciliation/summary", wantHSTS: true, wantNoStore: true},
		{name: "health is cacheable", hsts: true, path: "/health", wantHSTS: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
			rr := httptest.NewRecorder()
			SecurityHeaders(tt.hsts)(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
				t.Errorf("X-Content-Type-Options = %q", got)
			}
			if got := rr.Header().Get("Strict-Transport-Security") != ""; got != tt.wantHSTS {
				t.Errorf("HSTS present = %v, want %v", got, tt.wantHSTS)
			}
			if got := rr.Header().Get("Cache-Control") == "no-store"; got != tt.wantNoStore {
				t.Errorf("no-store = %v, want %v", got, tt.wantNoStore)
			}
		})
	}
}
