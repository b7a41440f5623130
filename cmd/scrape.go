package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mapharvest/internal/config"
	"github.com/sells-group/mapharvest/internal/export"
	"github.com/sells-group/mapharvest/internal/harvest"
	"github.com/sells-group/mapharvest/internal/results"
	"github.com/sells-group/mapharvest/internal/status"
	"github.com/sells-group/mapharvest/internal/store"
)

var (
	scrapeQuery       string
	scrapeConcurrency int
	scrapeOutput      string
	scrapeFormat      string
	scrapeRotate      bool
	scrapeIsolation   string
	scrapeProfile     string
	scrapeScreenshot  string
)

// newHarvester is replaced in tests.
var newHarvester = func(c *config.Config, st store.Store) (harvestRunner, error) {
	return harvest.FromConfig(c, results.New(), st, status.NewZapSink(nil))
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Harvest one search query and write the results to a file",
	Example: `  mapharvest scrape --query "cafe moscow"
  mapharvest scrape --query "dentist" --concurrency 3 --rotate --output out/dentists.xlsx`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyScrapeFlags(cmd, cfg)
		if err := cfg.Validate("scrape"); err != nil {
			return err
		}
		if strings.TrimSpace(cfg.Harvest.Query) == "" {
			return eris.New("scrape: --query is required")
		}
		format, err := outputFormat(cfg.Export)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		// Interrupted runs are still recorded in history.
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		history, err := openStore(ctx)
		if err != nil {
			return err
		}
		if history != nil {
			defer history.Close() //nolint:errcheck
		}

		h, err := newHarvester(cfg, history)
		if err != nil {
			return err
		}

		out, runErr := h.Run(ctx, cfg.Harvest.Query)
		if runErr != nil {
			if out != nil && len(out.Screenshot) > 0 && scrapeScreenshot != "" {
				if err := os.WriteFile(scrapeScreenshot, out.Screenshot, 0o644); err != nil {
					zap.L().Warn("write screenshot", zap.Error(err))
				} else {
					zap.L().Info("screenshot saved", zap.String("path", scrapeScreenshot))
				}
			}
			return eris.Wrap(runErr, "scrape")
		}

		if err := export.WriteFile(cfg.Export.Output, format, out.Run.Records); err != nil {
			return err
		}
		zap.L().Info("results written",
			zap.String("path", cfg.Export.Output),
			zap.String("format", string(format)),
			zap.Int("records", len(out.Run.Records)),
			zap.String("run_id", out.Run.ID),
		)
		return nil
	},
}

func init() {
	f := scrapeCmd.Flags()
	f.StringVarP(&scrapeQuery, "query", "q", "", "search query to harvest")
	f.IntVar(&scrapeConcurrency, "concurrency", 0, "parallel detail page visits, 1-5 (default from config)")
	f.StringVarP(&scrapeOutput, "output", "o", "", "output file (default from config)")
	f.StringVar(&scrapeFormat, "format", "", "output format: csv, xlsx or json (default from output extension)")
	f.BoolVar(&scrapeRotate, "rotate", false, "rotate the proxy exit IP when a CAPTCHA is served")
	f.StringVar(&scrapeIsolation, "isolation", "", "detail page isolation: shared or browser")
	f.StringVar(&scrapeProfile, "profile", "", "site profile YAML (default built-in)")
	f.StringVar(&scrapeScreenshot, "screenshot", "", "write a screenshot here when the results list never appears")
	rootCmd.AddCommand(scrapeCmd)
}

// applyScrapeFlags overrides config values with explicitly set flags.
func applyScrapeFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("query") {
		c.Harvest.Query = scrapeQuery
	}
	if flags.Changed("concurrency") {
		c.Enrich.Concurrency = scrapeConcurrency
	}
	if flags.Changed("output") {
		c.Export.Output = scrapeOutput
		if !flags.Changed("format") {
			c.Export.Format = ""
		}
	}
	if flags.Changed("format") {
		c.Export.Format = scrapeFormat
	}
	if flags.Changed("rotate") {
		c.Proxy.Rotate = scrapeRotate
	}
	if flags.Changed("isolation") {
		c.Enrich.Isolation = scrapeIsolation
	}
	if flags.Changed("profile") {
		c.Profile.Path = scrapeProfile
	}
}

// outputFormat resolves the export format, falling back to the output
// file's extension when no format is configured.
func outputFormat(c config.ExportConfig) (export.Format, error) {
	if c.Output == "" {
		return "", eris.New("scrape: export.output is required")
	}
	if c.Format == "" {
		return export.FormatFromPath(c.Output), nil
	}
	return export.ParseFormat(c.Format)
}
