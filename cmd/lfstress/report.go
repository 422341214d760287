package main

import (
	"bytes"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/natefinch/atomic"
	"github.com/valyala/bytebufferpool"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func passed(results []result) bool {
	for _, r := range results {
		if !r.ok() {
			return false
		}
	}
	return true
}

func encodeReport(cfg Config, results []result) ([]byte, error) {
	if cfg.Format == "json" {
		return encodeJSON(cfg, results)
	}
	return encodeText(results), nil
}

// encodeText renders one line per run followed by a summary line.
func encodeText(results []result) []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	failed := 0
	for _, r := range results {
		status := "OK"
		if !r.ok() {
			status = "FAILED"
			failed++
		}
		fmt.Fprintf(buf, "%-8s %-8s %4d workers %10d ops ... %-6s (%.3f s)\n",
			r.Suite, r.Policy, r.Workers, r.Ops, status, r.Elapsed.Seconds())
		if !r.ok() {
			fmt.Fprintf(buf, "    %v\n", r.Err)
		}
	}
	fmt.Fprintf(buf, "%d runs, %d failed\n", len(results), failed)
	return bytes.Clone(buf.B)
}

func encodeJSON(cfg Config, results []result) ([]byte, error) {
	suites := make([]any, len(cfg.Suites))
	for i, s := range cfg.Suites {
		suites[i] = s
	}
	runs := make([]any, 0, len(results))
	for _, r := range results {
		run := map[string]any{
			"suite":           r.Suite,
			"policy":          r.Policy,
			"workers":         r.Workers,
			"ops":             r.Ops,
			"elapsed_seconds": r.Elapsed.Seconds(),
			"ok":              r.ok(),
			"allocated":       r.Stats.Allocated,
			"available":       r.Stats.Available,
			"retired":         r.Stats.Retired,
			"in_flight":       r.Stats.InFlight,
			"claims":          r.Stats.Claims,
			"retires":         r.Stats.Retires,
			"transports":      r.Stats.Transports,
		}
		if r.Err != nil {
			run["error"] = r.Err.Error()
		}
		runs = append(runs, run)
	}
	doc, err := structpb.NewStruct(map[string]any{
		"config": map[string]any{
			"suites":      suites,
			"ops":         cfg.Ops,
			"max_workers": cfg.MaxWorkers,
			"buckets":     cfg.Buckets,
			"keys":        cfg.Keys,
		},
		"runs":   runs,
		"passed": passed(results),
	})
	if err != nil {
		return nil, errors.Wrap(err, "build report")
	}
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "encode report")
	}
	return append(data, '\n'), nil
}

// writeReport writes data to path atomically, or to out when path is
// empty.
func writeReport(out io.Writer, path string, data []byte) error {
	if path == "" {
		_, err := out.Write(data)
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "write report %s", path)
	}
	return nil
}
