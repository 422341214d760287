package main

import (
	"encoding/json"
	"io"
	"os"
	"slices"

	"github.com/cockroachdb/errors"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"
)

var (
	errConfigInvalid = errors.New("invalid config")
	errUnknownSuite  = errors.New("unknown suite")
	errUnknownFormat = errors.New("unknown report format")
)

var allSuites = []string{"freelist", "iterator", "hash", "clear"}

// Config holds the stress run settings. Values come from defaults, then
// the config file, then explicitly set flags.
type Config struct {
	Suites      []string `json:"suites"`
	Ops         int      `json:"ops"`
	MaxWorkers  int      `json:"max_workers"`
	Buckets     int      `json:"buckets"`
	Keys        int      `json:"keys"`
	Report      string   `json:"report,omitempty"`
	Format      string   `json:"format"`
	MetricsAddr string   `json:"metrics_addr,omitempty"`
	Verbose     bool     `json:"verbose"`
}

// DefaultConfig returns the stock settings: 100k operations per worker,
// up to 64 workers, 113 buckets and 1000 keys.
func DefaultConfig() Config {
	return Config{
		Suites:     slices.Clone(allSuites),
		Ops:        100_000,
		MaxWorkers: 64,
		Buckets:    113,
		Keys:       1000,
		Format:     "text",
	}
}

func parseFlags(errOut io.Writer, args []string) (Config, bool, error) {
	flagSet := flag.NewFlagSet("lfstress", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	def := DefaultConfig()
	configPath := flagSet.StringP("config", "c", "", "JSON or JWCC config file")
	suites := flagSet.StringSlice("suite", def.Suites, "Suites to run (freelist|iterator|hash|clear)")
	ops := flagSet.Int("ops", def.Ops, "Operations per worker")
	maxWorkers := flagSet.Int("max-workers", def.MaxWorkers, "Largest worker count; runs double from 1")
	buckets := flagSet.Int("buckets", def.Buckets, "Hash table bucket count")
	keys := flagSet.Int("keys", def.Keys, "Key space for random operations")
	report := flagSet.String("report", "", "Write the report to this file instead of stdout")
	format := flagSet.String("format", def.Format, "Report format (text|json)")
	metricsAddr := flagSet.String("metrics-addr", "", "Serve Prometheus metrics on this address while running")
	verbose := flagSet.BoolP("verbose", "v", false, "Log every run")
	help := flagSet.BoolP("help", "h", false, "Show help")

	if err := flagSet.Parse(args); err != nil {
		return Config{}, false, err
	}
	if *help {
		flagSet.PrintDefaults()
		return Config{}, true, nil
	}

	cfg := def
	if *configPath != "" {
		fileCfg, err := loadConfigFile(*configPath, def)
		if err != nil {
			return Config{}, false, err
		}
		cfg = fileCfg
	}
	if flagSet.Changed("suite") {
		cfg.Suites = *suites
	}
	if flagSet.Changed("ops") {
		cfg.Ops = *ops
	}
	if flagSet.Changed("max-workers") {
		cfg.MaxWorkers = *maxWorkers
	}
	if flagSet.Changed("buckets") {
		cfg.Buckets = *buckets
	}
	if flagSet.Changed("keys") {
		cfg.Keys = *keys
	}
	if flagSet.Changed("report") {
		cfg.Report = *report
	}
	if flagSet.Changed("format") {
		cfg.Format = *format
	}
	if flagSet.Changed("metrics-addr") {
		cfg.MetricsAddr = *metricsAddr
	}
	if flagSet.Changed("verbose") {
		cfg.Verbose = *verbose
	}
	return cfg, false, cfg.validate()
}

func loadConfigFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	return parseConfig(data, base)
}

// parseConfig overlays the JWCC document in data on base.
func parseConfig(data []byte, base Config) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, errors.Mark(errors.Wrap(err, "invalid JWCC"), errConfigInvalid)
	}
	cfg := base
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, errors.Mark(errors.Wrap(err, "invalid JSON"), errConfigInvalid)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Ops <= 0 {
		return errors.Wrapf(errConfigInvalid, "ops must be positive, got %d", c.Ops)
	}
	if c.MaxWorkers <= 0 || c.MaxWorkers > 4096 {
		return errors.Wrapf(errConfigInvalid, "max workers %d outside [1, 4096]", c.MaxWorkers)
	}
	if c.Buckets <= 0 {
		return errors.Wrapf(errConfigInvalid, "buckets must be positive, got %d", c.Buckets)
	}
	if c.Keys <= 0 {
		return errors.Wrapf(errConfigInvalid, "keys must be positive, got %d", c.Keys)
	}
	if len(c.Suites) == 0 {
		return errors.Wrap(errConfigInvalid, "no suites selected")
	}
	for _, s := range c.Suites {
		if !slices.Contains(allSuites, s) {
			return errors.Wrapf(errUnknownSuite, "%q", s)
		}
	}
	if c.Format != "text" && c.Format != "json" {
		return errors.Wrapf(errUnknownFormat, "%q", c.Format)
	}
	return nil
}

// workerCounts returns 1, 2, 4, ... up to and including max.
func (c Config) workerCounts() []int {
	var counts []int
	for n := 1; n < c.MaxWorkers; n *= 2 {
		counts = append(counts, n)
	}
	return append(counts, c.MaxWorkers)
}
