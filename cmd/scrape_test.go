//go:build !integration

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mapharvest/internal/config"
	"github.com/sells-group/mapharvest/internal/export"
	"github.com/sells-group/mapharvest/internal/model"
	"github.com/sells-group/mapharvest/internal/results"
	"github.com/sells-group/mapharvest/internal/store"
)

// useTestConfig loads defaults from an empty directory into the global cfg
// with run history disabled.
func useTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })

	c, err := config.Load()
	require.NoError(t, err)
	c.Store.Driver = "none"
	c.Export.Output = filepath.Join(dir, "data.csv")

	oldCfg := cfg
	cfg = c
	t.Cleanup(func() { cfg = oldCfg })
	return dir
}

// setScrapeFlag sets a scrape flag for the duration of the test.
func setScrapeFlag(t *testing.T, name, value string) {
	t.Helper()
	f := scrapeCmd.Flags().Lookup(name)
	require.NotNil(t, f)
	require.NoError(t, scrapeCmd.Flags().Set(name, value))
	t.Cleanup(func() {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
}

func useRunner(t *testing.T, runner *fakeRunner) {
	t.Helper()
	if runner.res == nil {
		runner.res = results.New()
	}
	orig := newHarvester
	newHarvester = func(*config.Config, store.Store) (harvestRunner, error) {
		return runner, nil
	}
	t.Cleanup(func() { newHarvester = orig })
}

func TestScrapeCommand_Flags(t *testing.T) {
	for _, name := range []string{"query", "concurrency", "output", "format", "rotate", "isolation", "profile", "screenshot"} {
		assert.NotNil(t, scrapeCmd.Flags().Lookup(name), "missing --%s", name)
	}
}

func TestScrape_WritesCSV(t *testing.T) {
	useTestConfig(t)
	runner := &fakeRunner{records: testRecords}
	useRunner(t, runner)
	setScrapeFlag(t, "query", "cafe moscow")

	require.NoError(t, scrapeCmd.RunE(scrapeCmd, nil))

	assert.Equal(t, "cafe moscow", runner.query.Load())
	f, err := os.Open(cfg.Export.Output)
	require.NoError(t, err)
	defer f.Close()
	got, err := export.ReadCSV(f)
	require.NoError(t, err)
	assert.Equal(t, testRecords, got)
}

func TestScrape_FormatFromOutputExtension(t *testing.T) {
	dir := useTestConfig(t)
	useRunner(t, &fakeRunner{records: testRecords})
	out := filepath.Join(dir, "nested", "cafes.json")
	setScrapeFlag(t, "query", "cafe")
	setScrapeFlag(t, "output", out)

	require.NoError(t, scrapeCmd.RunE(scrapeCmd, nil))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var got []model.Record
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, testRecords, got)
}

func TestScrape_RequiresQuery(t *testing.T) {
	useTestConfig(t)
	runner := &fakeRunner{}
	useRunner(t, runner)

	err := scrapeCmd.RunE(scrapeCmd, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "--query is required")
	assert.Zero(t, runner.calls.Load())
}

func TestScrape_InvalidConcurrency(t *testing.T) {
	useTestConfig(t)
	useRunner(t, &fakeRunner{})
	setScrapeFlag(t, "query", "cafe")
	setScrapeFlag(t, "concurrency", "9")

	err := scrapeCmd.RunE(scrapeCmd, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "enrich.concurrency must be between 1 and 5")
}

func TestScrape_FailureWritesScreenshot(t *testing.T) {
	dir := useTestConfig(t)
	shot := []byte("\x89PNG fake")
	useRunner(t, &fakeRunner{err: errors.New("listing: results list did not appear"), shot: shot})
	shotPath := filepath.Join(dir, "failure.png")
	setScrapeFlag(t, "query", "cafe")
	setScrapeFlag(t, "screenshot", shotPath)

	err := scrapeCmd.RunE(scrapeCmd, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "results list did not appear")
	data, rerr := os.ReadFile(shotPath)
	require.NoError(t, rerr)
	assert.True(t, bytes.Equal(shot, data))
	_, statErr := os.Stat(cfg.Export.Output)
	assert.True(t, os.IsNotExist(statErr), "no output file on failure")
}

func TestApplyScrapeFlags(t *testing.T) {
	useTestConfig(t)
	setScrapeFlag(t, "concurrency", "3")
	setScrapeFlag(t, "rotate", "true")
	setScrapeFlag(t, "isolation", config.IsolationBrowser)
	setScrapeFlag(t, "profile", "site.yaml")
	setScrapeFlag(t, "output", "out.xlsx")

	c := *cfg
	applyScrapeFlags(scrapeCmd, &c)

	assert.Equal(t, 3, c.Enrich.Concurrency)
	assert.True(t, c.Proxy.Rotate)
	assert.Equal(t, config.IsolationBrowser, c.Enrich.Isolation)
	assert.Equal(t, "site.yaml", c.Profile.Path)
	assert.Equal(t, "out.xlsx", c.Export.Output)
	assert.Empty(t, c.Export.Format, "format is inferred from --output")
}

func TestOutputFormat(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ExportConfig
		want    export.Format
		wantErr bool
	}{
		{name: "explicit", cfg: config.ExportConfig{Output: "a.csv", Format: "xlsx"}, want: export.FormatXLSX},
		{name: "from extension", cfg: config.ExportConfig{Output: "a.json"}, want: export.FormatJSON},
		{name: "unknown extension", cfg: config.ExportConfig{Output: "a.txt"}, want: export.FormatCSV},
		{name: "unknown format", cfg: config.ExportConfig{Output: "a.csv", Format: "pdf"}, wantErr: true},
		{name: "no output", cfg: config.ExportConfig{Format: "csv"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := outputFormat(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
