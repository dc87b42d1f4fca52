package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin header", nil, "", "voice.local", true},
		{"same host without list", nil, "http://voice.local", "voice.local", true},
		{"same host with port", nil, "http://voice.local:8080", "voice.local:8080", true},
		{"cross host without list", nil, "https://evil.example", "voice.local", false},
		{"garbage origin", nil, "null", "voice.local", false},
		{"listed", []string{"https://app.example"}, "https://APP.example", "voice.local", true},
		{"not listed", []string{"https://app.example"}, "https://evil.example", "voice.local", false},
		{"wildcard", []string{"*"}, "https://anything.example", "voice.local", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := OriginAllowed(tc.origins, tc.origin, tc.host); got != tc.want {
				t.Fatalf("OriginAllowed(%v, %q, %q)=%v, want %v", tc.origins, tc.origin, tc.host, got, tc.want)
			}
		})
	}
}

func TestCORS_NoListNoHeaders(t *testing.T) {
	h := CORS(nil, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Access-Control-Allow-Origin=%q, want empty", got)
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want pass-through", rr.Code)
	}
}

func TestCORS_ListedOriginAttachesHeaders(t *testing.T) {
	h := CORS([]string{"http://localhost:3000"}, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
	if got := rr.Header().Get("Vary"); got != "Origin" {
		t.Fatalf("Vary=%q", got)
	}
	if got := rr.Header().Get("Access-Control-Expose-Headers"); got != "X-Request-ID" {
		t.Fatalf("Access-Control-Expose-Headers=%q", got)
	}
}

func TestCORS_WildcardEchoesOrigin(t *testing.T) {
	h := CORS([]string{"*"}, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://kiosk.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://kiosk.example" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := RequestID(CORS([]string{"https://app.example.com"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called for preflight")
	})))

	for origin, want := range map[string]int{
		"https://app.example.com":  http.StatusNoContent,
		"https://evil.example.com": http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodOptions, "/v1/live", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "GET")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("origin %s: status=%d, want %d", origin, rr.Code, want)
		}
		if want == http.StatusForbidden && !strings.Contains(rr.Body.String(), `"permission_error"`) {
			t.Fatalf("origin %s: body=%q, want error envelope", origin, rr.Body.String())
		}
		if want == http.StatusNoContent && rr.Header().Get("Access-Control-Allow-Methods") != "GET, OPTIONS" {
			t.Fatalf("origin %s: allow-methods=%q", origin, rr.Header().Get("Access-Control-Allow-Methods"))
		}
	}
}
