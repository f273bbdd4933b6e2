package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/nasa-jpl/beamline/beamline"
	"github.com/nasa-jpl/beamline/config"
	"github.com/nasa-jpl/beamline/generichttp"
	"github.com/nasa-jpl/beamline/generichttp/adjhttp"
	"github.com/nasa-jpl/beamline/generichttp/dethttp"
	"github.com/nasa-jpl/beamline/generichttp/pvhttp"
	"github.com/nasa-jpl/beamline/generichttp/scanhttp"
	"github.com/nasa-jpl/beamline/imgrec"
	"github.com/nasa-jpl/beamline/pv"
	"github.com/nasa-jpl/beamline/runlog"
	"github.com/nasa-jpl/beamline/server/middleware/locker"
)

// App is a running beamline server
type App struct {
	Mux       chi.Router
	Namespace *beamline.Namespace
	Scans     *scanhttp.Server
	Lock      *locker.Locker

	closers []func()
}

// Close releases the devices, the run log and the PV connections
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// NewProvider returns the PV provider c asks for
func NewProvider(c config.Config) (pv.Provider, error) {
	kind := strings.ToLower(c.PVGateway.Kind)
	if c.Mock {
		kind = "mock"
	}
	switch kind {
	case "", "mock":
		return pv.NewMock(), nil
	case "http":
		return pv.NewHTTPProvider(c.PVGateway.Addr), nil
	case "line":
		return pv.NewLineProvider(c.PVGateway.Addr, c.PVGateway.Serial, c.PVGateway.Conns), nil
	default:
		return nil, fmt.Errorf("PV gateway kind %q not understood", c.PVGateway.Kind)
	}
}

// Setup builds the devices of c and the mux serving them
func Setup(c config.Config, logger *slog.Logger) (*App, error) {
	app := &App{Lock: locker.New()}
	p, err := NewProvider(c)
	if err != nil {
		return nil, err
	}
	if lp, ok := p.(*pv.LineProvider); ok {
		app.closers = append(app.closers, lp.Close)
	}
	ns, err := beamline.Build(c, p, logger)
	app.Namespace = ns
	app.closers = append(app.closers, ns.Close)
	if err != nil {
		app.Close()
		return nil, err
	}

	var rl *runlog.Log
	if c.RunLog.Path != "" {
		rl, err = runlog.Open(c.RunLog.Path)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.closers = append(app.closers, func() { rl.Close() })
	}
	app.Scans = scanhttp.NewServer(ns, rl, filepath.Join(c.Recorder.Root, "scans"), logger)
	app.Mux = BuildMux(app, p, c, logger)
	return app, nil
}

// BuildMux serves every device of the namespace below its kind.  A device
// which fails to build is logged, left out of the mux and reported by
// /status
func BuildMux(app *App, p pv.Provider, c config.Config, logger *slog.Logger) chi.Router {
	ns := app.Namespace
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Use(app.Lock.Check)
	supergraph := map[string][]string{}

	mount := func(stem string, httper generichttp.HTTPer) {
		hndlS := generichttp.SubMuxSanitize(stem)
		supergraph[hndlS] = httper.RT().Endpoints()
		r := chi.NewRouter()
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}
	skip := func(name string, err error) {
		logger.Error("device not served", "device", name, "err", err)
	}

	for _, name := range ns.NamesOf(beamline.KindAdjustable) {
		a, err := ns.Adjustable(name)
		if err != nil {
			skip(name, err)
			continue
		}
		mount("adj/"+name, adjhttp.NewHTTPAdjustable(a))
	}
	for _, name := range ns.NamesOf(beamline.KindDetector) {
		d, err := ns.Detector(name)
		if err != nil {
			skip(name, err)
			continue
		}
		mount("det/"+name, dethttp.NewHTTPDetector(d))
	}
	for _, name := range ns.NamesOf(beamline.KindCamera) {
		cam, err := ns.Camera(name)
		if err != nil {
			skip(name, err)
			continue
		}
		rec := imgrec.NewRecorder(filepath.Join(c.Recorder.Root, name), c.Recorder.Prefix)
		mount("cam/"+name, dethttp.NewHTTPCamera(cam, rec))
	}

	// the gateway and scan routes share the root, which has its own /endpoints
	locker.Inject(app.Scans, app.Lock)
	for _, rt := range []generichttp.RouteTable{pvhttp.NewGateway(p, logger).RT(), app.Scans.RT()} {
		for mp, f := range rt {
			root.MethodFunc(mp.Method, mp.Path, f)
		}
		supergraph["/"] = append(supergraph["/"], rt.Endpoints()...)
	}

	root.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, ns.Status())
	})
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, supergraph)
	})
	return root
}
