package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/llxisdsh/lf"
)

func sampleResults() []result {
	return []result{
		{Suite: "hash", Policy: "none", Workers: 4, Ops: 100, Elapsed: 1500 * time.Millisecond,
			Stats: lf.FreelistStats{Allocated: 120, Available: 20, Claims: 300, Retires: 200}},
		{Suite: "clear", Policy: "counter", Workers: 8, Ops: 100, Elapsed: time.Second,
			Err: errors.New("leak check fail")},
	}
}

func TestEncodeText(t *testing.T) {
	t.Parallel()

	text := string(encodeText(sampleResults()))
	lines := strings.Split(strings.TrimSpace(text), "\n")
	require.Len(t, lines, 4)
	require.Contains(t, lines[0], "hash")
	require.Contains(t, lines[0], "OK")
	require.Contains(t, lines[0], "(1.500 s)")
	require.Contains(t, lines[1], "FAILED")
	require.Contains(t, lines[2], "leak check fail")
	require.Equal(t, "2 runs, 1 failed", lines[3])
}

func TestEncodeJSON(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Format = "json"
	data, err := encodeReport(cfg, sampleResults())
	require.NoError(t, err)

	var doc structpb.Struct
	require.NoError(t, protojson.Unmarshal(data, &doc))
	m := doc.AsMap()
	require.Equal(t, false, m["passed"])

	runs, ok := m["runs"].([]any)
	require.True(t, ok)
	require.Len(t, runs, 2)
	first := runs[0].(map[string]any)
	require.Equal(t, "hash", first["suite"])
	require.Equal(t, float64(120), first["allocated"])
	require.Equal(t, 1.5, first["elapsed_seconds"])
	require.NotContains(t, first, "error")
	require.Equal(t, "leak check fail", runs[1].(map[string]any)["error"])

	conf := m["config"].(map[string]any)
	require.Equal(t, float64(cfg.Ops), conf["ops"])
}

func TestWriteReport(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, writeReport(&out, "", []byte("report\n")))
	require.Equal(t, "report\n", out.String())

	path := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, writeReport(&out, path, []byte("first\n")))
	require.NoError(t, writeReport(&out, path, []byte("second\n")))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "second\n", string(got))
	require.Equal(t, "report\n", out.String())
}

func TestRunExitCodes(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer
	require.Equal(t, 2, run([]string{"--bogus"}, &out, &errOut))
	require.Contains(t, errOut.String(), "error:")

	out.Reset()
	errOut.Reset()
	path := filepath.Join(t.TempDir(), "report.json")
	code := run([]string{
		"--suite=freelist,hash", "--ops=500", "--max-workers=2", "--keys=50",
		"--format=json", "--report", path,
	}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	require.Empty(t, out.String())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc structpb.Struct
	require.NoError(t, protojson.Unmarshal(data, &doc))
	require.Equal(t, true, doc.AsMap()["passed"])
}
