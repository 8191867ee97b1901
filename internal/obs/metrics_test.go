package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                      "/",
		"/metrics":                              "/metrics",
		"/v1/employees/abc/roles":               "/v1/employees/:id/roles",
		"/v1/employees/abc/roles/01HX":          "/v1/employees/:id/roles/:assignment",
		"/v1/employees/abc/unlock":              "/v1/employees/:id/unlock",
		"/v1/employees/abc/require-rotation":    "/v1/employees/:id/require-rotation",
		"/v1/employees/abc/extra":               "/v1/employees/abc/extra",
		"/v1/auth/login":                        "/v1/auth/login",
		"/v1/auth/link/verify?token=secret-ish": "/v1/auth/link/verify",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentPassesStatusThrough(t *testing.T) {
	Init()
	Init()
	handler := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/me", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
}

func TestErrorLogStringifiesErrors(t *testing.T) {
	l := Logger()
	orig := l.Writer()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(orig)

	Error("store failed", map[string]any{"error": errors.New("boom"), "op": "login"})

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	if entry["level"] != "error" || entry["msg"] != "store failed" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["error"] != "boom" {
		t.Fatalf("expected stringified error, got %v", entry["error"])
	}
}
