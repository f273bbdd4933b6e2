package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/beamline/generichttp"
)

type table struct{ rt generichttp.RouteTable }

func (t table) RT() generichttp.RouteTable { return t.rt }

func ok(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

func TestLocker(t *testing.T) {
	tbl := table{generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/pos"}:         ok,
		{Method: http.MethodPost, Path: "/pos"}:        ok,
		{Method: http.MethodPost, Path: "/scans/stop"}: ok,
	}}
	l := New()
	Inject(tbl, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	tbl.rt.Bind(r)

	do := func(method, path, body string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
		return w.Code
	}

	if code := do(http.MethodPost, "/pos", `{"f64":1}`); code != http.StatusOK {
		t.Errorf("unlocked POST got %d", code)
	}
	if code := do(http.MethodPost, "/lock", `{"bool":true}`); code != http.StatusOK {
		t.Fatalf("lock got %d", code)
	}
	if !l.Locked() {
		t.Fatal("expected locked")
	}
	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodPost, "/pos", http.StatusLocked},
		{http.MethodGet, "/pos", http.StatusOK},
		{http.MethodPost, "/scans/stop", http.StatusOK},
		{http.MethodGet, "/lock", http.StatusOK},
	}
	for _, c := range cases {
		if code := do(c.method, c.path, ""); code != c.want {
			t.Errorf("%s %s: got %d, want %d", c.method, c.path, code, c.want)
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lock", nil))
	if got := strings.TrimSpace(w.Body.String()); got != `{"bool":true}` {
		t.Errorf("GET /lock = %s", got)
	}
	if code := do(http.MethodPost, "/lock", `{"bool":false}`); code != http.StatusOK || l.Locked() {
		t.Fatal("unlock failed")
	}
	if code := do(http.MethodPost, "/lock", `nope`); code != http.StatusBadRequest {
		t.Errorf("bad body got %d", code)
	}
}
