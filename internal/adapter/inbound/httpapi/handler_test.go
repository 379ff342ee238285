package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/alfred-project/alfred/internal/domain/access"
)

// treeSource serves a fixed decoded document through the access engine, the
// same way the store does.
type treeSource struct {
	root any
}

func (s *treeSource) Get(path []string, held access.RoleSet) any {
	return access.Get(s.root, path, held)
}

func newTestRouter(t *testing.T, doc string) *Router {
	t.Helper()
	var root any
	if err := json.Unmarshal([]byte(doc), &root); err != nil {
		t.Fatalf("bad test document: %v", err)
	}
	return NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), &treeSource{root: root})
}

const scenarioDocument = `{
	"data": {
		"Public": "hello",
		"Secret": {
			"meta": {"require": {"read_data": ["admin"]}},
			"data": 42
		}
	}
}`

func do(rt *Router, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) any {
	t.Helper()
	var v any
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("undecodable body %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestRouter_AnonymousDataRead(t *testing.T) {
	rt := newTestRouter(t, scenarioDocument)

	rec := do(rt, http.MethodGet, "/data")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	want := map[string]any{"Public": "hello"}
	if got := decodeBody(t, rec); !reflect.DeepEqual(got, want) {
		t.Errorf("body = %v, want %v", got, want)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header = %q, want *", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestRouter_DataSubpath(t *testing.T) {
	rt := newTestRouter(t, scenarioDocument)

	rec := do(rt, http.MethodGet, "/data/Public")
	if got := decodeBody(t, rec); got != "hello" {
		t.Errorf("body = %v, want hello", got)
	}

	// A redacted subtree reads as null, not as an error.
	rec = do(rt, http.MethodGet, "/data/Secret")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := decodeBody(t, rec); got != nil {
		t.Errorf("body = %v, want null", got)
	}
}

func TestRouter_EscapedKeySegment(t *testing.T) {
	rt := newTestRouter(t, `{"a/b": "slash"}`)

	rec := do(rt, http.MethodGet, "/data/a%2Fb")
	if got := decodeBody(t, rec); got != "slash" {
		t.Errorf("body = %v, want slash", got)
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	rt := newTestRouter(t, scenarioDocument)

	rec := do(rt, http.MethodPost, "/data/Public")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS header set on non-2xx response")
	}
}

func TestRouter_UnknownResourceIs404(t *testing.T) {
	rt := newTestRouter(t, scenarioDocument)

	for _, target := range []string{"/", "/nope", "/nope/deeper"} {
		rec := do(rt, http.MethodGet, target)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", target, rec.Code)
		}
		body := decodeBody(t, rec).(map[string]any)
		if body["message"] != "No such resource defined" {
			t.Errorf("%s: message = %v", target, body["message"])
		}
	}
}

func TestRouter_DetachedStoreIs503(t *testing.T) {
	rt := newTestRouter(t, scenarioDocument)
	rt.Detach()

	rec := do(rt, http.MethodGet, "/data/Public")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
