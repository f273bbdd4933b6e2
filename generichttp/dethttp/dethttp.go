// Package dethttp provides an HTTP interface to detectors and cameras
package dethttp

import (
	"bytes"
	"encoding/json"
	"go/types"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/beamline/detector"
	"github.com/nasa-jpl/beamline/generichttp"
	"github.com/nasa-jpl/beamline/imgrec"
	"github.com/nasa-jpl/beamline/util"
)

// HTTPDetector binds a detector to a route table
type HTTPDetector struct {
	Det detector.Detector

	RouteTable generichttp.RouteTable
}

// NewHTTPDetector returns a route table wrapper around d
func NewHTTPDetector(d detector.Detector) *HTTPDetector {
	h := &HTTPDetector{Det: d}
	h.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/value"}: Value(d),
	}
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPDetector) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Value returns an HTTP handler func replying with a reading as {"f64": v}
func Value(d detector.Detector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := d.Get(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: v}
		hp.EncodeAndRespond(w, r)
	}
}

// HTTPCamera binds a camera to a route table.  When Rec is not nil and
// enabled, every FITS frame served is also recorded to disk
type HTTPCamera struct {
	Cam detector.Camera
	Rec *imgrec.Recorder

	RouteTable generichttp.RouteTable
}

// NewHTTPCamera returns a route table wrapper around c.  rec may be nil
func NewHTTPCamera(c detector.Camera, rec *imgrec.Recorder) *HTTPCamera {
	h := &HTTPCamera{Cam: c, Rec: rec}
	h.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/value"}:          Value(detector.Sum{Cam: c}),
		{Method: http.MethodGet, Path: "/frame"}:          h.GetFrame,
		{Method: http.MethodGet, Path: "/exposure-time"}:  GetExposureTime(c),
		{Method: http.MethodPost, Path: "/exposure-time"}: SetExposureTime(c),
	}
	if a, ok := c.(detector.AOISetter); ok {
		h.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: "/aoi"}] = GetAOI(a)
		h.RouteTable[generichttp.MethodPath{Method: http.MethodPost, Path: "/aoi"}] = SetAOI(a)
	}
	if rec != nil {
		imgrec.NewHTTPWrapper(rec).Inject(h)
	}
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPCamera) RT() generichttp.RouteTable {
	return h.RouteTable
}

// parseExposure parses a time-looking string such as "25ms".  Bare numbers
// are seconds
func parseExposure(s string) (time.Duration, error) {
	if util.AllElementsNumbers(s) {
		s = s + "s"
	}
	return time.ParseDuration(s)
}

// SetExposureTime sets the exposure time on a POST request.
// it can be provided either as a query parameter exposureTime, formatted in a
// way that is parseable by time.ParseDuration, or a json payload with
// key f64, holding the exposure time in seconds.
func SetExposureTime(c detector.Camera) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		texp := r.URL.Query().Get("exposureTime")
		var d time.Duration
		var err error
		if texp == "" {
			f := generichttp.FloatT{}
			err = json.NewDecoder(r.Body).Decode(&f)
			defer r.Body.Close()
			d = time.Duration(f.F64 * 1e9) // s => ns
		} else {
			d, err = parseExposure(texp)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = c.SetExposureTime(d); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetExposureTime replies with the exposure time in seconds
func GetExposureTime(c detector.Camera) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := c.GetExposureTime()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: d.Seconds()}
		hp.EncodeAndRespond(w, r)
	}
}

// GetAOI replies with the area of interest
func GetAOI(a detector.AOISetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		aoi, err := a.GetAOI()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		generichttp.RespondJSON(w, aoi)
	}
}

// SetAOI sets the area of interest from a JSON body
func SetAOI(a detector.AOISetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		aoi := detector.AOI{}
		err := json.NewDecoder(r.Body).Decode(&aoi)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = a.SetAOI(aoi); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// cards is the FITS metadata of frames from the camera
func (h *HTTPCamera) cards() []fitsio.Card {
	cards := []fitsio.Card{
		{Name: "CAMERA", Value: h.Cam.Name(), Comment: "camera name"},
		{Name: "DATE", Value: time.Now().UTC().Format(time.RFC3339), Comment: "capture time"},
	}
	if d, err := h.Cam.GetExposureTime(); err == nil {
		cards = append(cards, fitsio.Card{Name: "EXPTIME", Value: d.Seconds(), Comment: "exposure time, s"})
	}
	return cards
}

// GetFrame takes a picture and returns it on a GET request.
//
// the image format may be specified in the fmt query parameter, one of fits,
// png (16 bit) or jpg (8 bit); png is the default.
//
// the exposure time may be given with the exposureTime query parameter, in
// any format time.ParseDuration accepts.  If no unit is appended, seconds are
// assumed.
//
// for fits, frames=N takes a cube of N frames
func (h *HTTPCamera) GetFrame(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if texp := q.Get("exposureTime"); texp != "" {
		d, err := parseExposure(texp)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = h.Cam.SetExposureTime(d); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	format := q.Get("fmt")
	if format == "" {
		format = "png"
	}
	n := 1
	if s := q.Get("frames"); s != "" {
		var err error
		n, err = strconv.Atoi(s)
		if err != nil || n < 1 || format != "fits" {
			http.Error(w, "frames must be a positive integer, and is only supported for fits", http.StatusBadRequest)
			return
		}
	}

	frames := make([][]uint16, 0, n)
	var aoi detector.AOI
	for i := 0; i < n; i++ {
		buf, a, err := h.Cam.Frame(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		frames = append(frames, buf)
		aoi = a
	}

	var (
		out         bytes.Buffer
		err         error
		contentType string
	)
	switch format {
	case "png":
		contentType = "image/png"
		err = png.Encode(&out, detector.ToImage(frames[0], aoi))
	case "jpg", "jpeg":
		contentType = "image/jpeg"
		img := frames[0]
		buf := make([]byte, len(img))
		for idx := range img {
			buf[idx] = byte(img[idx] / 256) // scale 16 to 8 bits
		}
		im := &image.Gray{Pix: buf, Stride: aoi.Width, Rect: image.Rect(0, 0, aoi.Width, aoi.Height)}
		err = jpeg.Encode(&out, im, nil)
	case "fits":
		contentType = "image/fits"
		cards := h.cards()
		err = detector.WriteFits(&out, cards, frames, aoi)
		if err == nil && h.Rec != nil && h.Rec.IsEnabled() {
			var fn string
			fn, err = h.Rec.Record(cards, frames, aoi)
			w.Header().Set("X-Recorded-As", fn)
		}
		w.Header().Set("Content-Disposition", "attachment; filename=image.fits")
	default:
		http.Error(w, "unsupported format "+strconv.Quote(format), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	out.WriteTo(w)
}
