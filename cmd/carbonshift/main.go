package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/api"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/archive"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/cache"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/config"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/metrics"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/report"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/scan"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/series"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/session"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/source"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/types"
)

const (
	sourceAPI        = "api"
	sourcePrometheus = "prometheus"
)

type options struct {
	runID           string
	metric          string
	provider        string
	scanAll         bool
	configPath      string
	offsetMs        int64
	archivePath     string
	metricsTextfile string
	source          string
	from            string
	to              string
}

func main() {
	var opts options

	flag.StringVar(&opts.runID, "run", "", "Run ID to simulate")
	flag.StringVar(&opts.metric, "metric", "", "Energy metric key (defaults to DEFAULT_METRIC)")
	flag.StringVar(&opts.provider, "provider", "", "Carbon intensity provider as name/region")
	flag.BoolVar(&opts.scanAll, "scan", false, "Search best and worst offsets across all providers")
	flag.StringVar(&opts.configPath, "config", "", "Path to a YAML config file (defaults to environment only)")
	flag.Int64Var(&opts.offsetMs, "offset-ms", 0, "Time offset applied to the energy series, in milliseconds")
	flag.StringVar(&opts.archivePath, "archive", "", "SQLite archive for reports (or set ARCHIVE_PATH)")
	flag.StringVar(&opts.metricsTextfile, "metrics-textfile", "", "Write metrics to this file on exit (or set METRICS_TEXTFILE)")
	flag.StringVar(&opts.source, "source", sourceAPI, "Energy source: 'api' or 'prometheus'")
	flag.StringVar(&opts.from, "from", "", "Run start (RFC3339) for the prometheus source")
	flag.StringVar(&opts.to, "to", "", "Run end (RFC3339) for the prometheus source")

	klog.InitFlags(nil)
	flag.Parse()

	code := run(opts)
	klog.Flush()
	os.Exit(code)
}

func run(opts options) int {
	if opts.provider == "" && !opts.scanAll {
		klog.ErrorS(nil, "One of -provider or -scan is required")
		return 1
	}
	if opts.source != sourceAPI && opts.source != sourcePrometheus {
		klog.ErrorS(nil, "Invalid source, must be 'api' or 'prometheus'", "source", opts.source)
		return 1
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		klog.ErrorS(err, "Failed to load configuration")
		return 1
	}
	if opts.archivePath != "" {
		cfg.Archive.Path = opts.archivePath
	}
	if opts.metricsTextfile != "" {
		cfg.Observability.MetricsTextfile = opts.metricsTextfile
	}
	if cfg.Observability.MetricsTextfile != "" {
		defer func() {
			if err := metrics.WriteTextfile(cfg.Observability.MetricsTextfile); err != nil {
				klog.ErrorS(err, "Failed to write metrics textfile", "path", cfg.Observability.MetricsTextfile)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		klog.InfoS("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	historyCache, closeCache, err := newHistoryCache(cfg.Cache)
	if err != nil {
		klog.ErrorS(err, "Failed to create history cache", "backend", cfg.Cache.Backend)
		return 1
	}
	defer closeCache()

	var clientOpts []api.CarbonClientOption
	if historyCache != nil {
		clientOpts = append(clientOpts, api.WithCache(historyCache))
	}
	carbonClient, err := api.NewCarbonClient(cfg.Carbon, cfg.Client, clientOpts...)
	if err != nil {
		klog.ErrorS(err, "Failed to create carbon intensity client")
		return 1
	}
	defer carbonClient.Close()

	runInfo, rows, err := loadMeasurements(ctx, cfg, opts)
	if err != nil {
		klog.ErrorS(err, "Failed to load measurements", "run", opts.runID, "source", opts.source)
		return 1
	}

	metric := resolveMetric(opts.metric, cfg.Simulation.DefaultMetric, rows)
	sess := session.New(carbonClient, runInfo, rows, cfg.Simulation.HistoryHalfWindow)
	if err := sess.OnMetricSelected(ctx, metric); err != nil {
		klog.ErrorS(err, "Failed to build energy series", "run", runInfo.ID, "metric", metric,
			"available", series.MetricKeys(rows))
		return 1
	}
	energy := sess.Selection().Energy

	klog.InfoS("Loaded energy series",
		"run", runInfo.ID,
		"metric", metric,
		"series", energy.Name,
		"samples", len(energy.Data))

	providers, err := carbonClient.GetProviders(ctx)
	if err != nil {
		klog.ErrorS(err, "Failed to list carbon intensity providers")
		return 1
	}

	window := session.InitialWindow(runInfo, cfg.Simulation.HistoryHalfWindow)
	var rep *report.Report
	if opts.scanAll {
		rep = report.New(report.KindScan, runInfo.ID, metric, energy, window)
		results := scan.NewScanner(carbonClient).Scan(ctx, energy, metric, providers, window)
		summary := scan.Summarize(results)
		if summary.Err != nil {
			klog.ErrorS(summary.Err, "Some providers could not be scanned",
				"succeeded", summary.Succeeded,
				"failed", summary.Failed)
		}
		rep.SetScan(results, summary)
	} else {
		provider, err := selectProvider(providers, opts.provider)
		if err != nil {
			klog.ErrorS(err, "Failed to select provider", "provider", opts.provider)
			return 1
		}
		rep, err = simulate(ctx, sess, provider, opts.offsetMs, metric)
		if err != nil {
			klog.ErrorS(err, "Simulation failed", "provider", provider.String())
			return 1
		}
	}

	if err := rep.Write(os.Stdout); err != nil {
		klog.ErrorS(err, "Failed to write report")
		return 1
	}

	if cfg.Archive.Path != "" {
		archiveReport(cfg.Archive, rep)
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.LoadFromEnv()
}

// newHistoryCache returns a nil cache for the "none" backend
func newHistoryCache(cfg config.CacheConfig) (api.HistoryCache, func(), error) {
	switch cfg.Backend {
	case config.CacheBackendNone:
		return nil, func() {}, nil
	case config.CacheBackendRedis:
		c, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.TTL)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {
			if err := c.Close(); err != nil {
				klog.V(2).InfoS("Failed to close redis cache", "error", err)
			}
		}, nil
	default:
		c := cache.New(cfg.TTL, cfg.MaxAge)
		return c, c.Close, nil
	}
}

func loadMeasurements(ctx context.Context, cfg *config.Config, opts options) (types.RunInfo, []types.MeasurementRow, error) {
	if opts.source == sourcePrometheus {
		start, err := time.Parse(time.RFC3339, opts.from)
		if err != nil {
			return types.RunInfo{}, nil, fmt.Errorf("invalid -from: %w", err)
		}
		end, err := time.Parse(time.RFC3339, opts.to)
		if err != nil {
			return types.RunInfo{}, nil, fmt.Errorf("invalid -to: %w", err)
		}
		src, err := source.NewPrometheusSource(cfg.Prometheus)
		if err != nil {
			return types.RunInfo{}, nil, err
		}
		rows, err := src.GetMeasurements(ctx, types.TimeWindow{Start: start, End: end})
		if err != nil {
			return types.RunInfo{}, nil, err
		}
		runInfo := types.RunInfo{ID: opts.runID, StartMeasurementUs: start.UnixMicro(), EndMeasurementUs: end.UnixMicro()}
		return runInfo, rows, nil
	}

	if opts.runID == "" {
		return types.RunInfo{}, nil, errors.New("-run is required for the api source")
	}
	client, err := api.NewMeasurementClient(cfg.Measurements, cfg.Client)
	if err != nil {
		return types.RunInfo{}, nil, err
	}
	defer client.Close()

	runInfo, err := client.GetRun(ctx, opts.runID)
	if err != nil {
		return types.RunInfo{}, nil, err
	}
	rows, err := client.GetMeasurements(ctx, opts.runID)
	if err != nil {
		return types.RunInfo{}, nil, err
	}
	return runInfo, rows, nil
}

// resolveMetric prefers the explicit metric, then the configured default when the run
// has it, then the first metric of the run
func resolveMetric(explicit, fallback string, rows []types.MeasurementRow) string {
	if explicit != "" {
		return explicit
	}
	keys := series.MetricKeys(rows)
	for _, k := range keys {
		if k == fallback {
			return k
		}
	}
	if len(keys) > 0 {
		return keys[0]
	}
	return fallback
}

func selectProvider(providers []types.Provider, name string) (types.Provider, error) {
	for _, p := range providers {
		if p.String() == name || p.Value == name {
			return p, nil
		}
	}
	return types.Provider{}, fmt.Errorf("unknown provider %q", name)
}

// simulate reports the estimate and extremes against the history window the session
// actually fetched, which moves when the offset leaves the zero-offset window
func simulate(ctx context.Context, sess *session.Session, provider types.Provider, offsetMs int64, metric string) (*report.Report, error) {
	if err := sess.OnProviderSelected(ctx, provider); err != nil {
		return nil, err
	}
	if offsetMs != 0 {
		if err := sess.ShiftOffset(ctx, offsetMs); err != nil {
			return nil, err
		}
	}

	estimate, err := sess.Simulate()
	if err != nil {
		return nil, err
	}
	extremes, err := sess.FindExtremes()
	if err != nil {
		return nil, err
	}
	if extremes == nil {
		klog.InfoS("No suitable runtime found for provider", "provider", provider.String())
	} else {
		metrics.BestEmissions.WithLabelValues(provider.Name, provider.Region).Set(extremes.Best.Total)
		metrics.WorstEmissions.WithLabelValues(provider.Name, provider.Region).Set(extremes.Worst.Total)
	}

	sel := sess.Selection()
	rep := report.New(report.KindSimulation, sel.Run.ID, metric, sel.Energy, sel.Window)
	rep.SetSimulation(provider, estimate, extremes)
	return rep, nil
}

func archiveReport(cfg config.ArchiveConfig, rep *report.Report) {
	store, err := archive.NewSQLiteArchive(cfg.Path)
	if err != nil {
		klog.ErrorS(err, "Failed to open report archive", "path", cfg.Path)
		return
	}
	defer store.Close()

	if err := store.Store(rep); err != nil {
		klog.ErrorS(err, "Failed to archive report", "id", rep.ID)
		return
	}
	if cfg.RetentionDays > 0 {
		if _, err := store.Cleanup(cfg.RetentionDays); err != nil {
			klog.ErrorS(err, "Failed to clean up report archive")
		}
	}

	previous, err := store.GetByRun(rep.RunID)
	if err != nil {
		klog.ErrorS(err, "Failed to read archived reports", "run", rep.RunID)
		return
	}
	klog.InfoS("Archived report", "id", rep.ID, "run", rep.RunID, "reportsForRun", len(previous))
}
