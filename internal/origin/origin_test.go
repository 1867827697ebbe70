package origin

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"http://example.com", "http://example.com", true},
		{"HTTP://EXAMPLE.com", "http://example.com", true},
		{"http://example.com:80", "http://example.com", true},
		{"https://example.com:443", "https://example.com", true},
		{"https://example.com:8443", "https://example.com:8443", true},
		{"http://[::1]:5000", "http://[::1]:5000", true},
		{"null", "null", true},
		{"  null  ", "null", true},
		{"", "", false},
		{"example.com", "", false},
		{"ftp://example.com", "", false},
		{"http://example.com/path", "", false},
		{"http://user@example.com", "", false},
		{"http://example.com?x=1", "", false},
		{"http://example.com:0", "", false},
		{"http://example.com:70000", "", false},
	}
	for _, tc := range cases {
		got, ok := Normalize(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("Normalize(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func requestWithOrigin(o string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if o != "" {
		r.Header.Set("Origin", o)
	}
	return r
}

func TestPolicy_EmptyListAdmitsEverything(t *testing.T) {
	p := NewPolicy(nil)
	for _, o := range []string{"", "http://anywhere.example", "null", "garbage"} {
		if !p.Allow(requestWithOrigin(o)) {
			t.Errorf("empty policy rejected origin %q", o)
		}
	}
}

func TestPolicy_Allowlist(t *testing.T) {
	p := NewPolicy([]string{"https://drop.example.com", "http://localhost:5173"})

	for _, o := range []string{"https://drop.example.com", "HTTPS://DROP.EXAMPLE.COM:443", "http://localhost:5173", ""} {
		if !p.Allow(requestWithOrigin(o)) {
			t.Errorf("allowlisted origin %q was rejected", o)
		}
	}
	for _, o := range []string{"https://evil.example.com", "http://drop.example.com", "null", "not-an-origin"} {
		if p.Allow(requestWithOrigin(o)) {
			t.Errorf("origin %q was admitted past the allowlist", o)
		}
	}
}

func TestPolicy_Wildcard(t *testing.T) {
	p := NewPolicy([]string{"*"})
	if !p.Allow(requestWithOrigin("https://anywhere.example")) {
		t.Fatal("wildcard policy rejected an origin")
	}
}

func TestPolicy_NullMustBeExplicit(t *testing.T) {
	p := NewPolicy([]string{"null"})
	if !p.Allow(requestWithOrigin("null")) {
		t.Fatal("explicit null entry was rejected")
	}
	if p.Allow(requestWithOrigin("https://site.example")) {
		t.Fatal("null-only policy admitted a host origin")
	}
}
