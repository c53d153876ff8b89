package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"image-compressor-go/internal/config"
	"image-compressor-go/internal/ingest"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/pipeline"
	"image-compressor-go/internal/settings"
	"image-compressor-go/internal/statistics"
	"image-compressor-go/internal/storage"
	"image-compressor-go/internal/web"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	baseDir   string
	verbose   bool
	quiet     bool
	port      int
	method    string
	quality   float64
	exportDir string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "image-compressor",
	Short: "Compress batches of images with selectable strategies",
	Long: `image-compressor stages a batch of images, compresses each one with the
configured strategy and records what was produced.

Strategies:
- lossy: re-encode as JPEG at the configured quality
- lossless: optimize PNG/WebP inputs without touching pixels
- webp_lossy / webp_lossless: encode as WebP (JPEG inputs stay JPEG)

Outputs are named <stem>_compressed.<ext> and never overwrite each other.
Per-image sizes and paths are kept in metadata.json under the base directory.`,
	SilenceUsage: true,
}

// compressCmd compresses files given on the command line.
var compressCmd = &cobra.Command{
	Use:   "compress <file>...",
	Short: "Compress the given image files",
	Long: `Compress the given image files as one batch. --method and --quality are
saved as the new settings before the batch runs.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd, args)
	},
}

// serveCmd starts the HTTP API server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Starts an HTTP server exposing the compression pipeline:
- POST /api/images submits a batch of data-URL encoded images
- GET/PUT /api/settings reads or saves settings
- GET /api/metadata and /api/diagnostics describe the last batch
- POST /api/export copies outputs to a directory
- /ws streams batch events, /metrics exposes Prometheus metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change compression settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, err := openPipeline()
		if err != nil {
			return err
		}
		s, err := p.Settings()
		if err != nil {
			return err
		}
		return printJSON(s)
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Save new settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, err := openPipeline()
		if err != nil {
			return err
		}
		s, err := applySettingFlags(cmd, p)
		if err != nil {
			return err
		}
		return printJSON(s)
	},
}

// exportCmd copies the last batch's outputs to a directory.
var exportCmd = &cobra.Command{
	Use:   "export <directory>",
	Short: "Copy compressed images to a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, err := openPipeline()
		if err != nil {
			return err
		}
		n, err := p.Export(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !quiet {
			fmt.Printf("Exported %d files to %s\n", n, args[0])
		}
		return nil
	},
}

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Print the metadata of the last batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, err := openPipeline()
		if err != nil {
			return err
		}
		entries, err := p.Metadata()
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Explain how the last batch turned out",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, err := openPipeline()
		if err != nil {
			return err
		}
		report, err := p.Diagnostics()
		if err != nil {
			return err
		}
		fmt.Println(report.Message)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "application base directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	for _, cmd := range []*cobra.Command{compressCmd, settingsSetCmd} {
		cmd.Flags().StringVar(&method, "method", "", "compression method: lossy, lossless, webp_lossy, webp_lossless")
		cmd.Flags().Float64Var(&quality, "quality", 0, "compression quality in (0, 100]")
	}
	compressCmd.Flags().StringVar(&exportDir, "export", "", "copy outputs to this directory when the batch succeeds")
	serveCmd.Flags().IntVar(&port, "port", 0, "port to run the server on (default from config)")

	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)

	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(diagnoseCmd)
}

// runCompress stages the given files as one batch and prints the outcome.
func runCompress(cmd *cobra.Command, args []string) error {
	p, cfg, err := openPipeline()
	if err != nil {
		return err
	}
	if _, err := applySettingFlags(cmd, p); err != nil {
		return err
	}

	records := make([]ingest.ImageRecord, 0, len(args))
	for _, path := range args {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		records = append(records, ingest.ImageRecord{Filename: filepath.Base(path), Raw: raw})
	}

	if cfg.Performance.ShowProgress && !quiet {
		bar := progressbar.NewOptions(len(records),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("Compressing"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		)
		p.SetEventHook(func(eventType string, data map[string]interface{}) {
			switch eventType {
			case pipeline.EventItemCompleted, pipeline.EventItemFailed:
				_ = bar.Add(1)
			case pipeline.EventBatchCompleted, pipeline.EventBatchFailed:
				_ = bar.Finish()
			}
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := p.SubmitRecords(ctx, records)
	if result != nil && !quiet {
		fmt.Println("\n" + result.Summary)
		fmt.Println("\n" + result.Diagnostics.Message)
		for _, r := range result.Results {
			fmt.Printf("  %s -> %s (%.1f%%)\n", filepath.Base(r.OriginalPath), filepath.Base(r.CompressedPath), r.ReductionPercent)
		}
	}
	if err != nil {
		return fmt.Errorf("compression failed: %w", err)
	}

	if exportDir != "" {
		n, err := p.Export(ctx, exportDir)
		if err != nil {
			return err
		}
		if !quiet {
			fmt.Printf("Exported %d files to %s\n", n, exportDir)
		}
	}
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p, cfg, err := openPipeline(pipeline.WithMetrics(statistics.NewMetrics(reg)))
	if err != nil {
		return err
	}
	log := p.Logger()

	if port == 0 {
		port = cfg.Server.Port
	}
	server := web.NewServer(cfg, p, log, reg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("Image compressor API listening on http://localhost:%d\n", port)
	fmt.Printf("Base directory: %s\n", p.Layout().BaseDir())
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	<-sigChan
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	fmt.Println("Server stopped")
	return nil
}

// applySettingFlags saves --method/--quality when either was given.
func applySettingFlags(cmd *cobra.Command, p *pipeline.Pipeline) (settings.AppSettings, error) {
	current, err := p.Settings()
	if err != nil {
		return current, err
	}
	if !cmd.Flags().Changed("method") && !cmd.Flags().Changed("quality") {
		return current, nil
	}
	if cmd.Flags().Changed("method") {
		m, err := settings.ParseMethod(method)
		if err != nil {
			return current, err
		}
		current.Method = m
	}
	if cmd.Flags().Changed("quality") {
		current.CompressionQuality = quality
	}
	if err := p.SaveSettings(current); err != nil {
		return current, err
	}
	return current, nil
}

// openPipeline loads configuration, initializes the storage layout and builds the pipeline.
func openPipeline(opts ...pipeline.Option) (*pipeline.Pipeline, *config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if baseDir != "" {
		cfg.BaseDirectory = baseDir
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}

	log := setupLogger(cfg)
	layout, err := storage.Initialize(cfg.BaseDirectory)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize %s: %w", cfg.BaseDirectory, err)
	}
	log.Debugf("Using base directory %s", layout.BaseDir())

	return pipeline.New(cfg, layout, log, opts...), cfg, nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    !quiet,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
		log.Warnf("Falling back to console logging: %v", err)
	}

	return log
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
