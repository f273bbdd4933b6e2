package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"

	"github.com/nasa-jpl/beamline/beamline"
	"github.com/nasa-jpl/beamline/config"
	"github.com/nasa-jpl/beamline/logging"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "ecosrv.yml"
	k              = koanf.New(".")
)

func root() {
	str := `ecosrv exposes the devices of a beamline, and scans over them, through HTTP.

Usage:
	ecosrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `ecosrv is configured by ecosrv.yml in the working directory.  For a
primer on YAML, see https://yaml.org/start.html

With Mock: true every PV lives in memory and motors are simulated, so a
configuration can be tried without a control system.

Each entry of Devices has a Name, a Type, Args and optional Limits.
Adjustables are served at /adj/<Name>, detectors at /det/<Name> and cameras
at /cam/<Name>.  Scans are submitted to /scans, PVs are reached at /pv.
Devices are built the first time they are used; /status lists them.

Known device types:
	` + strings.Join(beamline.Types(), ", ")
	fmt.Println(str)
}

func mkconf() {
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err = config.Write(f, config.Default()); err != nil {
		log.Fatal(err)
	}
}

func printconf(c config.Config) {
	if err := config.Write(os.Stdout, c); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("ecosrv version %v\n", Version)
}

func run(c config.Config) {
	logger := logging.New(c.Logging.Level, c.Logging.Format)
	app, err := Setup(c, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer app.Close()

	srv := &http.Server{Addr: c.Addr, Handler: app.Mux}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	logger.Info("now listening for requests", "addr", c.Addr, "devices", len(c.Devices), "mock", c.Mock)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "err", err)
	}
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "version":
		pversion()
		return
	}
	c, err := config.Load(k, ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	switch cmd {
	case "conf":
		printconf(c)
	case "run":
		run(c)
	default:
		log.Fatal("unknown command")
	}
}
