package dethttp

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"

	"github.com/nasa-jpl/beamline/detector"
	"github.com/nasa-jpl/beamline/generichttp"
	"github.com/nasa-jpl/beamline/imgrec"
)

func serve(t *testing.T, h generichttp.HTTPer) *httptest.Server {
	r := chi.NewRouter()
	h.RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, b
}

func TestDetectorValue(t *testing.T) {
	d := detector.NewFunc("diode", func(context.Context) (float64, error) { return 0.25, nil })
	srv := serve(t, NewHTTPDetector(d))
	resp, b := get(t, srv.URL+"/value")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	f := generichttp.FloatT{}
	if err := json.Unmarshal(b, &f); err != nil {
		t.Fatal(err)
	}
	if f.F64 != 0.25 {
		t.Errorf("got %v, want 0.25", f.F64)
	}
}

func TestFramePNG(t *testing.T) {
	cam := detector.NewMockCamera("cam", 16, 8)
	srv := serve(t, NewHTTPCamera(cam, nil))
	resp, b := get(t, srv.URL+"/frame?exposureTime=2ms")
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type %q", ct)
	}
	img, err := png.Decode(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	if sz := img.Bounds().Size(); sz.X != 16 || sz.Y != 8 {
		t.Errorf("image size %v", sz)
	}
	if d, _ := cam.GetExposureTime(); d != 2*time.Millisecond {
		t.Errorf("exposure not updated, got %v", d)
	}
}

func TestFrameFITSCubeIsRecorded(t *testing.T) {
	cam := detector.NewMockCamera("cam", 4, 4)
	rec := imgrec.NewRecorder(t.TempDir(), "img_")
	h := NewHTTPCamera(cam, rec)
	srv := serve(t, h)

	resp, b := get(t, srv.URL+"/frame?fmt=fits&frames=3")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, b)
	}
	f, err := fitsio.Open(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	axes := f.HDU(0).Header().Axes()
	if len(axes) != 3 || axes[2] != 3 {
		t.Errorf("axes %v, want a cube of 3", axes)
	}
	if card := f.HDU(0).Header().Get("CAMERA"); card == nil || card.Value != "cam" {
		t.Errorf("CAMERA card %v", card)
	}

	fn := resp.Header.Get("X-Recorded-As")
	if !strings.HasSuffix(fn, "img_000001.fits") {
		t.Fatalf("recorded as %q", fn)
	}
	if _, err := os.Stat(fn); err != nil {
		t.Error(err)
	}
	if _, ok := h.RT()[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}]; !ok {
		t.Error("recorder routes not injected")
	}
}

func TestFrameBadRequests(t *testing.T) {
	srv := serve(t, NewHTTPCamera(detector.NewMockCamera("cam", 4, 4), nil))
	for _, q := range []string{"fmt=tiff", "frames=2", "fmt=fits&frames=0", "exposureTime=soon"} {
		resp, _ := get(t, srv.URL+"/frame?"+q)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestAOIAndExposureRoutes(t *testing.T) {
	cam := detector.NewMockCamera("cam", 8, 8)
	srv := serve(t, NewHTTPCamera(cam, nil))

	buf, _ := json.Marshal(detector.AOI{Left: 2, Top: 2, Width: 4, Height: 4})
	resp, err := http.Post(srv.URL+"/aoi", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	buf, _ = json.Marshal(detector.AOI{Left: 8, Top: 8, Width: 4, Height: 4})
	resp, err = http.Post(srv.URL+"/aoi", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("out of sensor AOI: status %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/exposure-time", "application/json", strings.NewReader(`{"f64": 0.003}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	_, b := get(t, srv.URL+"/exposure-time")
	f := generichttp.FloatT{}
	if err := json.Unmarshal(b, &f); err != nil {
		t.Fatal(err)
	}
	if f.F64 != 0.003 {
		t.Errorf("exposure %v, want 0.003", f.F64)
	}
}
