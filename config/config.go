// Package config holds the configuration of the beamline server and the
// helpers that load it with koanf and write it back out as YAML.
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/beamline/util"
)

// Minmax holds a min and max value
type Minmax struct {
	Min float64 `koanf:"Min" yaml:"Min"`
	Max float64 `koanf:"Max" yaml:"Max"`
}

// Limiter converts to a util.Limiter
func (m Minmax) Limiter() util.Limiter {
	return util.Limiter{Min: m.Min, Max: m.Max}
}

// DeviceSetup describes one device of the namespace
type DeviceSetup struct {
	// Name is the name the device is registered and served under
	Name string `koanf:"Name" yaml:"Name"`

	// Type selects the constructor, e.g. "motor" or "slits"
	Type string `koanf:"Type" yaml:"Type"`

	// Args holds any arguments to pass into the constructor
	Args map[string]interface{} `koanf:"Args" yaml:"Args"`

	// Limits are software limits for adjustables; zero means none
	Limits Minmax `koanf:"Limits" yaml:"Limits"`
}

// Logging configures the logger
type Logging struct {
	Level  string `koanf:"Level" yaml:"Level"`
	Format string `koanf:"Format" yaml:"Format"`
}

// PVGateway selects where process variables come from.  Kind is one of
// "mock", "http" (Addr is a URL) or "line" (Addr is host:port or a serial
// device)
type PVGateway struct {
	Kind   string `koanf:"Kind" yaml:"Kind"`
	Addr   string `koanf:"Addr" yaml:"Addr"`
	Serial bool   `koanf:"Serial" yaml:"Serial"`
	Conns  int    `koanf:"Conns" yaml:"Conns"`
}

// Broker configures the DAQ broker.  RetrySecs bounds the time spent
// retrying one request
type Broker struct {
	URL         string  `koanf:"URL" yaml:"URL"`
	PGroup      string  `koanf:"PGroup" yaml:"PGroup"`
	PulseIDPV   string  `koanf:"PulseIDPV" yaml:"PulseIDPV"`
	DirTemplate string  `koanf:"DirTemplate" yaml:"DirTemplate"`
	RetrySecs   float64 `koanf:"RetrySecs" yaml:"RetrySecs"`
}

// DIA configures the detector integration API
type DIA struct {
	URL string `koanf:"URL" yaml:"URL"`
}

// RunLog configures the scan database
type RunLog struct {
	Path string `koanf:"Path" yaml:"Path"`
}

// Recorder configures where scans and camera frames are written
type Recorder struct {
	Root   string `koanf:"Root" yaml:"Root"`
	Prefix string `koanf:"Prefix" yaml:"Prefix"`
}

// Config is the configuration of a beamline server
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Mock replaces every PV with an in-memory one and simulates motors
	Mock bool `koanf:"Mock" yaml:"Mock"`

	Logging   Logging       `koanf:"Logging" yaml:"Logging"`
	PVGateway PVGateway     `koanf:"PVGateway" yaml:"PVGateway"`
	Broker    Broker        `koanf:"Broker" yaml:"Broker"`
	DIA       DIA           `koanf:"DIA" yaml:"DIA"`
	RunLog    RunLog        `koanf:"RunLog" yaml:"RunLog"`
	Recorder  Recorder      `koanf:"Recorder" yaml:"Recorder"`
	Devices   []DeviceSetup `koanf:"Devices" yaml:"Devices"`
}

// Default returns the configuration used when the file sets nothing
func Default() Config {
	return Config{
		Addr:      ":8000",
		Mock:      true,
		Logging:   Logging{Level: "info", Format: "text"},
		PVGateway: PVGateway{Kind: "mock", Conns: 4},
		Broker:    Broker{PulseIDPV: "SLAAR11-LTIM01-EVR0:RX-PULSEID", RetrySecs: 10},
		RunLog:    RunLog{Path: "runlog.db"},
		Recorder:  Recorder{Root: "data", Prefix: "frame_"},
		Devices:   []DeviceSetup{},
	}
}

// Load layers the file at path over Default into k and unmarshals the result.
// A missing file is not an error
func Load(k *koanf.Koanf, path string) (Config, error) {
	c := Config{}
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return c, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return c, fmt.Errorf("error loading config: %w", err)
		}
	}
	err := k.Unmarshal("", &c)
	return c, err
}

// Write encodes c as YAML
func Write(w io.Writer, c Config) error {
	return yml.NewEncoder(w).Encode(c)
}
