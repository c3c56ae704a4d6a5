package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	cases := []struct {
		name       string
		raw        string
		wantOrigin string
		wantHost   string
		wantOK     bool
	}{
		{"lowercases and drops default port", "HTTPS://Example.COM:443", "https://example.com", "example.com", true},
		{"keeps non-default port", "http://localhost:5173", "http://localhost:5173", "localhost:5173", true},
		{"allows trailing slash", "http://localhost:5173/", "http://localhost:5173", "localhost:5173", true},
		{"brackets ipv6", "http://[::1]:8080", "http://[::1]:8080", "[::1]:8080", true},
		{"null origin", "null", "null", "", true},
		{"empty", "  ", "", "", false},
		{"ftp scheme", "ftp://example.com", "", "", false},
		{"path", "https://example.com/path", "", "", false},
		{"query", "https://example.com/?q=1", "", "", false},
		{"credentials", "https://user@example.com", "", "", false},
		{"fragment", "https://example.com/#frag", "", "", false},
		{"port zero", "https://example.com:0", "", "", false},
		{"port out of range", "https://example.com:70000", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			normalized, host, ok := NormalizeHeader(tc.raw)
			if ok != tc.wantOK {
				t.Fatalf("ok=%v, want %v", ok, tc.wantOK)
			}
			if normalized != tc.wantOrigin || host != tc.wantHost {
				t.Fatalf("got (%q, %q), want (%q, %q)", normalized, host, tc.wantOrigin, tc.wantHost)
			}
		})
	}
}

func TestIsAllowed(t *testing.T) {
	t.Run("same host by default", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("https://app.example.com")
		if !ok {
			t.Fatalf("NormalizeHeader ok=false")
		}
		if !IsAllowed(normalized, host, "app.example.com", nil) {
			t.Fatalf("expected same host to be allowed")
		}
		if !IsAllowed(normalized, host, "app.example.com:443", nil) {
			t.Fatalf("expected explicit default port to be allowed")
		}
		if IsAllowed(normalized, host, "app.example.com:8443", nil) {
			t.Fatalf("expected different port to be rejected")
		}
		if IsAllowed(normalized, host, "relay.example.com", nil) {
			t.Fatalf("expected different host to be rejected")
		}
	})

	t.Run("wildcard", func(t *testing.T) {
		normalized, host, _ := NormalizeHeader("https://app.example.com")
		if !IsAllowed(normalized, host, "whatever:1234", []string{"*"}) {
			t.Fatalf("expected wildcard to allow any origin")
		}
	})

	t.Run("explicit allowlist", func(t *testing.T) {
		normalized, host, _ := NormalizeHeader("https://app.example.com")
		if !IsAllowed(normalized, host, "relay.example.com", []string{"https://app.example.com"}) {
			t.Fatalf("expected allowlisted origin to be allowed")
		}
		if IsAllowed(normalized, host, "relay.example.com", []string{"https://other.example.com"}) {
			t.Fatalf("expected non-allowlisted origin to be rejected")
		}
	})

	t.Run("null only when allowlisted", func(t *testing.T) {
		normalized, host, _ := NormalizeHeader("null")
		if IsAllowed(normalized, host, "relay.example.com", nil) {
			t.Fatalf("expected null origin to be rejected by same-host policy")
		}
		if !IsAllowed(normalized, host, "relay.example.com", []string{"null"}) {
			t.Fatalf("expected allowlisted null origin to be allowed")
		}
	})
}

func TestCheckRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "http://relay.example.com/signal", nil)
	if got, ok := CheckRequest(r, nil); !ok || got != "" {
		t.Fatalf("no Origin: got (%q, %v), want (\"\", true)", got, ok)
	}

	r.Header.Set("Origin", "http://localhost:5173")
	if _, ok := CheckRequest(r, nil); ok {
		t.Fatalf("expected cross-origin request to be rejected by default")
	}
	got, ok := CheckRequest(r, []string{"http://localhost:5173"})
	if !ok || got != "http://localhost:5173" {
		t.Fatalf("allowlisted: got (%q, %v), want (%q, true)", got, ok, "http://localhost:5173")
	}

	r.Header.Set("Origin", "not a url")
	if _, ok := CheckRequest(r, []string{"*"}); ok {
		t.Fatalf("expected malformed Origin to be rejected")
	}
}
