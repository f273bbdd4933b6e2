// Package scanhttp accepts scan requests over HTTP, runs them in the
// background and reports on them, live or from the run log
package scanhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/beamline/acquisition"
	"github.com/nasa-jpl/beamline/adjustable"
	"github.com/nasa-jpl/beamline/detector"
	"github.com/nasa-jpl/beamline/generichttp"
	"github.com/nasa-jpl/beamline/logging"
	"github.com/nasa-jpl/beamline/runlog"
	"github.com/nasa-jpl/beamline/task"
	"github.com/nasa-jpl/beamline/util"
)

// ErrBadRequest is returned for a scan request that cannot be run
var ErrBadRequest = errors.New("bad scan request")

// Devices resolves the names in a scan request
type Devices interface {
	Adjustables(names ...string) ([]adjustable.Adjustable, error)
	Counters(names ...string) ([]acquisition.Counter, error)
	Detector(name string) (detector.Detector, error)
}

// CheckT is the optional beam check of a request
type CheckT struct {
	Detector string  `json:"detector"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

// Request describes a scan.  Type is one of
//
//	ascan   one adjustable, Start[0] to End[0] in Intervals[0]
//	rscan   as ascan, relative to the current value
//	a2scan  two adjustables together in Intervals[0]
//	mesh    two adjustables on a grid, the first slow
//	list    any number of adjustables through Values, one row per step
type Request struct {
	Type        string      `json:"type"`
	Name        string      `json:"name"`
	Adjustables []string    `json:"adjustables"`
	Start       []float64   `json:"start,omitempty"`
	End         []float64   `json:"end,omitempty"`
	Intervals   []int       `json:"intervals,omitempty"`
	Values      [][]float64 `json:"values,omitempty"`
	Counters    []string    `json:"counters"`
	NPulses     int         `json:"nPulses"`
	ReturnAtEnd bool        `json:"returnAtEnd"`
	Check       *CheckT     `json:"check,omitempty"`
}

// StatusT is the live state of a scan
type StatusT struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Status   string            `json:"status"`
	Step     int               `json:"step"`
	Steps    int               `json:"steps"`
	Error    string            `json:"error,omitempty"`
	InfoPath string            `json:"infoPath"`
	Info     *acquisition.Info `json:"info,omitempty"`
}

// Server runs scans.  Log may be nil, in which case only the scans of this
// process are known
type Server struct {
	Devices Devices
	Log     *runlog.Log

	// BasePath is the folder scan data is written below, one folder per scan
	BasePath string

	Logger *slog.Logger

	RouteTable generichttp.RouteTable

	mu    sync.Mutex
	scans map[string]*acquisition.Scan
	order []string
	tasks map[string]*task.Task
}

// NewServer returns a scan server
func NewServer(d Devices, log *runlog.Log, basePath string, logger *slog.Logger) *Server {
	s := &Server{
		Devices:  d,
		Log:      log,
		BasePath: basePath,
		Logger:   logging.OrDefault(logger),
		scans:    make(map[string]*acquisition.Scan),
		tasks:    make(map[string]*task.Task),
	}
	s.RouteTable = generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/scans"}:           s.Submit,
		{Method: http.MethodGet, Path: "/scans"}:            s.List,
		{Method: http.MethodGet, Path: "/scans/{id}"}:       s.Get,
		{Method: http.MethodPost, Path: "/scans/{id}/stop"}: s.Stop,
	}
	return s
}

// RT satisfies generichttp.HTTPer
func (s *Server) RT() generichttp.RouteTable {
	return s.RouteTable
}

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// Build turns a request into a scan, without starting it
func (s *Server) Build(ctx context.Context, req Request) (*acquisition.Scan, error) {
	if req.Name == "" || strings.ContainsAny(req.Name, `/\`) {
		return nil, badRequest("name %q must be set and must not hold a path separator", req.Name)
	}
	adjs, err := s.Devices.Adjustables(req.Adjustables...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	// a counter named twice would write its step files twice
	ctrs, err := s.Devices.Counters(util.UniqueString(req.Counters)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	setup := acquisition.Setup{
		Name:        req.Name,
		BasePath:    filepath.Join(s.BasePath, req.Name),
		Counters:    ctrs,
		NPulses:     req.NPulses,
		ReturnAtEnd: req.ReturnAtEnd,
		Logger:      s.Logger.With("scan", req.Name),
	}
	if setup.NPulses <= 0 {
		setup.NPulses = 1
	}
	if req.Check != nil {
		det, err := s.Devices.Detector(req.Check.Detector)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
		setup.Checker = &acquisition.ThresholdChecker{Det: det, Min: req.Check.Min, Max: req.Check.Max}
	}

	need := func(nAdj, nIntervals int) error {
		if len(adjs) != nAdj {
			return badRequest("%s takes %d adjustables, got %d", req.Type, nAdj, len(adjs))
		}
		if len(req.Start) < nAdj || len(req.End) < nAdj || len(req.Intervals) < nIntervals {
			return badRequest("%s needs %d start and end values and %d interval counts", req.Type, nAdj, nIntervals)
		}
		return nil
	}
	switch typ := strings.ToLower(req.Type); typ {
	case "ascan", "rscan":
		if err := need(1, 1); err != nil {
			return nil, err
		}
		if typ == "rscan" {
			return acquisition.RScan(ctx, setup, adjs[0], req.Start[0], req.End[0], req.Intervals[0])
		}
		return acquisition.AScan(setup, adjs[0], req.Start[0], req.End[0], req.Intervals[0])
	case "a2scan":
		if err := need(2, 1); err != nil {
			return nil, err
		}
		return acquisition.A2Scan(setup, adjs[0], req.Start[0], req.End[0], adjs[1], req.Start[1], req.End[1], req.Intervals[0])
	case "mesh":
		if err := need(2, 2); err != nil {
			return nil, err
		}
		return acquisition.Mesh(setup, adjs[0], req.Start[0], req.End[0], req.Intervals[0],
			adjs[1], req.Start[1], req.End[1], req.Intervals[1])
	case "list":
		return acquisition.New(setup, adjs, req.Values)
	default:
		return nil, badRequest("unknown scan type %q", req.Type)
	}
}

// Start builds and launches a scan and returns it
func (s *Server) Start(ctx context.Context, req Request) (*acquisition.Scan, error) {
	sc, err := s.Build(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.Log != nil {
		s.Log.Attach(&sc.Setup, func(err error) {
			s.Logger.Error("run log write failed", "scan", sc.ID, "err", err)
		})
	}
	s.mu.Lock()
	s.scans[sc.ID] = sc
	s.order = append(s.order, sc.ID)
	// scans outlive the request that began them
	s.tasks[sc.ID] = sc.Start(context.Background())
	s.mu.Unlock()
	return sc, nil
}

// Wait blocks until the scan id has finished
func (s *Server) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", runlog.ErrNotFound, id)
	}
	return t.Wait(ctx)
}

func status(sc *acquisition.Scan, withInfo bool) StatusT {
	step, steps := sc.Progress()
	st := StatusT{
		ID:       sc.ID,
		Name:     sc.Name,
		Status:   sc.Status().String(),
		Step:     step,
		Steps:    steps,
		InfoPath: sc.InfoPath(),
	}
	if err := sc.Err(); err != nil {
		st.Error = err.Error()
	}
	if withInfo {
		info := sc.Info()
		st.Info = &info
	}
	return st
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, acquisition.ErrDimension),
		errors.Is(err, acquisition.ErrNoSteps):
		return http.StatusBadRequest
	case errors.Is(err, runlog.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Submit starts the scan in the JSON body and replies 202 with its status
func (s *Server) Submit(w http.ResponseWriter, r *http.Request) {
	req := Request{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sc, err := s.Start(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/scans/"+sc.ID)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(status(sc, false))
}

// List replies with the scans, newest first.  limit bounds the count
func (s *Server) List(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if s.Log != nil {
		recs, err := s.Log.List(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if recs == nil {
			recs = []runlog.Record{}
		}
		generichttp.RespondJSON(w, recs)
		return
	}
	s.mu.Lock()
	out := []StatusT{}
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, status(s.scans[s.order[i]], false))
	}
	s.mu.Unlock()
	generichttp.RespondJSON(w, out)
}

// Get replies with the live status of a scan of this process, or its run
// log record
func (s *Server) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	sc, ok := s.scans[id]
	s.mu.Unlock()
	if ok {
		generichttp.RespondJSON(w, status(sc, true))
		return
	}
	if s.Log == nil {
		http.Error(w, runlog.ErrNotFound.Error(), http.StatusNotFound)
		return
	}
	rec, err := s.Log.Get(id)
	if err != nil {
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	generichttp.RespondJSON(w, rec)
}

// Stop stops a running scan
func (s *Server) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, runlog.ErrNotFound.Error(), http.StatusNotFound)
		return
	}
	if err := t.Stop(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
