package imgrec

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nasa-jpl/beamline/detector"
	"github.com/nasa-jpl/beamline/generichttp"
)

type rtHolder struct{ rt generichttp.RouteTable }

func (h rtHolder) RT() generichttp.RouteTable { return h.rt }

func frame() ([][]uint16, detector.AOI) {
	return [][]uint16{{1, 2, 3, 4}}, detector.AOI{Width: 2, Height: 2}
}

func TestRecordIncrements(t *testing.T) {
	root := t.TempDir()
	r := NewRecorder(root, "cam_")
	frames, aoi := frame()
	fn1, err := r.Record(nil, frames, aoi)
	if err != nil {
		t.Fatal(err)
	}
	fn2, err := r.Record(nil, frames, aoi)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(fn1, "cam_000001.fits") || !strings.HasSuffix(fn2, "cam_000002.fits") {
		t.Errorf("unexpected names %s %s", fn1, fn2)
	}
	day := time.Now().Format("2006-01-02")
	if filepath.Base(filepath.Dir(fn1)) != day {
		t.Errorf("expected dated folder %s, got %s", day, fn1)
	}

	// a new recorder picks up where the folder left off
	r2 := NewRecorder(root, "cam_")
	fn3, err := r2.Record(nil, frames, aoi)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(fn3, "cam_000003.fits") {
		t.Errorf("expected counter to resume, got %s", fn3)
	}
}

func TestWriteFileMakesParents(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "a", "b", "step0001.fits")
	frames, aoi := frame()
	if err := WriteFile(fn, nil, frames, aoi); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(fn); err != nil {
		t.Fatal(err)
	}
}

func TestHTTPWrapperPrefix(t *testing.T) {
	r := NewRecorder(t.TempDir(), "a_")
	h := rtHolder{rt: generichttp.RouteTable{}}
	NewHTTPWrapper(r).Inject(h)
	if len(h.rt) != 6 {
		t.Fatalf("expected 6 routes, got %d", len(h.rt))
	}
	post := h.rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}]
	req := httptest.NewRequest(http.MethodPost, "/autowrite/prefix", strings.NewReader(`{"str":"b_"}`))
	w := httptest.NewRecorder()
	post(w, req)
	if w.Code != http.StatusOK || r.Prefix != "b_" {
		t.Errorf("prefix not updated, code %d prefix %s", w.Code, r.Prefix)
	}

	get := h.rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}]
	w = httptest.NewRecorder()
	get(w, httptest.NewRequest(http.MethodGet, "/autowrite/prefix", nil))
	if !strings.Contains(w.Body.String(), `"str":"b_"`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}
