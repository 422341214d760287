// Command lfstress drives the lf engine with concurrent workloads and
// validates its counting and conservation invariants after every run.
//
// Usage:
//
//	lfstress [flags]
//
// Flags:
//
//	-c, --config        JSON or JWCC config file
//	    --suite         Suites to run (freelist,iterator,hash,clear)
//	    --ops           Operations per worker [default: 100000]
//	    --max-workers   Largest worker count [default: 64]
//	    --buckets       Hash table bucket count [default: 113]
//	    --keys          Key space [default: 1000]
//	    --report        Write the report to a file
//	    --format        Report format, text or json [default: text]
//	    --metrics-addr  Serve Prometheus metrics while running
//	-v, --verbose       Log every run
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llxisdsh/lf/metrics"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	cfg, helped, err := parseFlags(errOut, args)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 2
	}
	if helped {
		return 0
	}

	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	collector := metrics.NewCollector("lfstress", nil)
	if cfg.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.MetricsAddr, collector, logger)
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}
		defer stop()
	}

	results := newRunner(cfg, logger, collector).runAll()

	data, err := encodeReport(cfg, results)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	if err := writeReport(out, cfg.Report, data); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	if !passed(results) {
		return 1
	}
	return 0
}

func serveMetrics(addr string, c prometheus.Collector, logger *slog.Logger) (func(), error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, errors.Wrap(err, "register collector")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "err", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
