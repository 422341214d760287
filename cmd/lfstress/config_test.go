package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParseFlagsDefaults(t *testing.T) {
	t.Parallel()

	cfg, helped, err := parseFlags(io.Discard, nil)
	require.NoError(t, err)
	require.False(t, helped)
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFlagsOverrideFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "stress.jsonc")
	content := `{
		// quick smoke settings
		"suites": ["hash", "clear"],
		"ops": 500,
		"max_workers": 8,
		"keys": 50, // trailing comma next
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, _, err := parseFlags(io.Discard, []string{"--config", path, "--ops=42", "--format", "json"})
	require.NoError(t, err)

	want := DefaultConfig()
	want.Suites = []string{"hash", "clear"}
	want.Ops = 42
	want.MaxWorkers = 8
	want.Keys = 50
	want.Format = "json"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFlagsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want error
	}{
		{"zero ops", []string{"--ops=0"}, errConfigInvalid},
		{"too many workers", []string{"--max-workers=5000"}, errConfigInvalid},
		{"zero buckets", []string{"--buckets=0"}, errConfigInvalid},
		{"bad suite", []string{"--suite=nope"}, errUnknownSuite},
		{"bad format", []string{"--format=xml"}, errUnknownFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := parseFlags(io.Discard, tt.args)
			require.Error(t, err)
			require.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestParseConfigRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := parseConfig([]byte(`{"ops": }`), DefaultConfig())
	require.True(t, errors.Is(err, errConfigInvalid), "got %v", err)

	_, err = parseConfig([]byte(`{"ops": "many"}`), DefaultConfig())
	require.True(t, errors.Is(err, errConfigInvalid), "got %v", err)
}

func TestParseFlagsHelp(t *testing.T) {
	t.Parallel()

	_, helped, err := parseFlags(io.Discard, []string{"-h"})
	require.NoError(t, err)
	require.True(t, helped)
}

func TestWorkerCounts(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		max  int
		want []int
	}{
		{1, []int{1}},
		{8, []int{1, 2, 4, 8}},
		{12, []int{1, 2, 4, 8, 12}},
	} {
		cfg := DefaultConfig()
		cfg.MaxWorkers = tc.max
		if diff := cmp.Diff(tc.want, cfg.workerCounts()); diff != "" {
			t.Errorf("workerCounts(%d) mismatch (-want +got):\n%s", tc.max, diff)
		}
	}
}
