package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scania/scanhub/internal/model"
)

func TestParseOptions(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    []string
		then     map[string]any
		err      bool
	}{
		{
			scenario: "none",
		},
		{
			scenario: "yaml scalars",
			given:    []string{"max_crawl_depth=2", "enable_spider=false", "ports=80,443", "timing_template=3"},
			then: map[string]any{
				"max_crawl_depth": 2,
				"enable_spider":   false,
				"ports":           "80,443",
				"timing_template": 3,
			},
		},
		{
			scenario: "empty value",
			given:    []string{"scan_techniques="},
			then:     map[string]any{"scan_techniques": ""},
		},
		{
			scenario: "missing separator",
			given:    []string{"verbose"},
			err:      true,
		},
		{
			scenario: "missing key",
			given:    []string{"=1"},
			err:      true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			got, err := parseOptions(tc.given)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, got)
		})
	}
}

func TestWriteConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", configName)
	require.False(t, exists(path))
	require.NoError(t, writeConfig(path, model.DefaultConfig(t.Context())))
	require.True(t, exists(path))
	require.False(t, exists(filepath.Dir(path)))

	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	cfg, err := model.LoadConfig(f)
	require.NoError(t, err)
	def := model.DefaultConfig(t.Context())
	require.Equal(t, def.Service, cfg.Service)
	require.Equal(t, def.Engines.ZAP.URL, cfg.Engines.ZAP.URL)
	require.Equal(t, def.Engines.Nmap.Binary, cfg.Engines.Nmap.Binary)
}
