// Price Feed Service CLI
// This application serves current and historical prices for configured
// categories of items, backed by a tiered cache, hourly snapshots, and an
// OHLC time series with aggregation and gap filling.
//
// Usage:
//
//	pricefeed serve
//	pricefeed latest --category metals
//	pricefeed history --category metals --date 2025-06-15
//	pricefeed query --code XAU --category metals --timeframe 1h --days 7
//	pricefeed coverage --code XAU --category metals --timeframe 1h --days 7
//
// For detailed help on any command, use: pricefeed <command> --help
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pricefeed/internal/breaker"
	"pricefeed/internal/cache"
	"pricefeed/internal/config"
	"pricefeed/internal/logger"
	"pricefeed/internal/metrics"
	"pricefeed/internal/models"
	"pricefeed/internal/orchestrator"
	"pricefeed/internal/provider"
	"pricefeed/internal/scheduler"
	"pricefeed/internal/snapshot"
	"pricefeed/internal/storage"
	"pricefeed/internal/timeseries"
)

const (
	Version    = "1.0.0"
	AppName    = "pricefeed"
	ConfigFile = "pricefeed.json"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitDataError   = 4
)

// App holds the wired service components.
type App struct {
	config    *config.AppConfig
	logs      *logger.Manager
	registry  *metrics.Registry
	managers  []storage.Manager
	cache     *cache.Manager
	snapshots *snapshot.Store
	series    *timeseries.Manager
	orch      *orchestrator.Orchestrator
	sched     *scheduler.Scheduler
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := &App{}
	if err := app.initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		os.Exit(ExitConfigError)
	}
	defer app.close()

	var err error
	switch command {
	case "serve":
		err = app.handleServe(ctx, args)
	case "fetch":
		err = app.handleFetch(ctx, args)
	case "latest":
		err = app.handleLatest(ctx, args)
	case "history":
		err = app.handleHistory(ctx, args)
	case "query":
		err = app.handleQuery(ctx, args)
	case "coverage":
		err = app.handleCoverage(ctx, args)
	case "stats":
		err = app.handleStats(args)
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}
	if err != nil {
		app.logs.Logger().Error("command failed", "command", command, "error", err)
		app.close()
		os.Exit(ExitDataError)
	}
}

// initialize wires configuration, logging, storage backends, and the
// managers on top of them.
func (app *App) initialize(ctx context.Context) error {
	// A missing .env file is fine; explicit env vars still apply.
	_ = godotenv.Load()

	configPath := os.Getenv("PRICEFEED_CONFIG")
	if configPath == "" {
		configPath = ConfigFile
	}

	cfg, err := config.NewManager(configPath, nil).Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	app.config = cfg

	logs, err := logger.NewManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	app.logs = logs
	log := logs.Logger()

	app.registry = metrics.NewRegistry()

	backends := newBackendSet(ctx, cfg.Storage, logs.Component("storage"))

	barStore, err := backends.bars()
	if err != nil {
		return fmt.Errorf("bar backend: %w", err)
	}
	cacheStore, err := backends.cache()
	if err != nil {
		return fmt.Errorf("cache backend: %w", err)
	}
	snapStore, err := backends.snapshots()
	if err != nil {
		return fmt.Errorf("snapshot backend: %w", err)
	}
	app.managers = backends.managers
	for _, mgr := range app.managers {
		if err := mgr.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize storage: %w", err)
		}
	}

	app.cache = cache.NewManager(cacheStore, cache.Options{
		FreshTTL: time.Duration(cfg.Cache.FreshTTLMinutes) * time.Minute,
		StaleTTL: time.Duration(cfg.Cache.StaleTTLHours) * time.Hour,
	}, log, app.registry)
	app.snapshots = snapshot.NewStore(snapStore, log)
	app.series = timeseries.NewManager(barStore.bars, barStore.updateLog, log)

	var validator *models.PayloadValidator
	if cfg.Validator.Enabled {
		validator = models.NewPayloadValidator(
			cfg.Validator.MaxChangeRatio,
			time.Duration(cfg.Validator.MaxQuoteAgeMinutes)*time.Minute)
	}

	brk := breaker.New("upstream", breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeoutSeconds) * time.Second,
		HalfOpenMax:      cfg.Breaker.HalfOpenMax,
	}, log)

	app.orch = orchestrator.New(
		provider.NewSynthetic(cfg.Provider.Categories),
		app.cache,
		app.snapshots,
		app.series,
		brk,
		validator,
		app.registry,
		log,
		orchestrator.Options{
			FetchTimeout:         time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
			SnapshotWindowHours:  cfg.Snapshot.WindowHours,
			ObservationTimeframe: cfg.Fetch.ObservationTimeframe,
			RatePerSecond:        cfg.Fetch.RatePerSecond,
			Burst:                cfg.Fetch.Burst,
		})

	app.sched = scheduler.New(app.orch, app.series, app.snapshots, cfg.Provider.Categories, scheduler.Options{
		RefreshInterval:       time.Duration(cfg.Scheduler.RefreshIntervalSeconds) * time.Second,
		RollupInterval:        time.Duration(cfg.Scheduler.RollupIntervalMinutes) * time.Minute,
		GapFillInterval:       time.Duration(cfg.Scheduler.GapFillIntervalMinutes) * time.Minute,
		RetentionInterval:     time.Duration(cfg.Scheduler.RetentionIntervalHours) * time.Hour,
		Workers:               cfg.Scheduler.Workers,
		BarRetentionDays:      cfg.Scheduler.BarRetentionDays,
		SnapshotRetentionDays: cfg.Snapshot.RetentionDays,
	}, log)

	return nil
}

func (app *App) close() {
	for _, mgr := range app.managers {
		if err := mgr.Close(); err != nil && app.logs != nil {
			app.logs.Logger().Warn("storage close failed", "error", err)
		}
	}
	app.managers = nil
	if app.logs != nil {
		_ = app.logs.Close()
		app.logs = nil
	}
}

// barBackend bundles the bar store with the update log it records into.
// Both live in the same backend so aggregation audits land next to the
// bars they describe.
type barBackend struct {
	bars      storage.BarStore
	updateLog storage.UpdateLogStore
}

// backendSet creates storage backends on demand and shares instances
// between concerns pointed at the same backend.
type backendSet struct {
	ctx    context.Context
	cfg    config.StorageConfig
	logger *slog.Logger

	managers []storage.Manager
	memory   *storage.MemoryStorage
	duckdb   *storage.DuckDBStorage
	postgres *storage.PostgresStorage
}

func newBackendSet(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) *backendSet {
	return &backendSet{ctx: ctx, cfg: cfg, logger: log}
}

func (b *backendSet) getMemory() *storage.MemoryStorage {
	if b.memory == nil {
		b.memory = storage.NewMemoryStorage()
		b.managers = append(b.managers, b.memory)
	}
	return b.memory
}

func (b *backendSet) getDuckDB() (*storage.DuckDBStorage, error) {
	if b.duckdb == nil {
		db, err := storage.NewDuckDBStorage(b.cfg.DuckDBPath, b.logger)
		if err != nil {
			return nil, err
		}
		b.duckdb = db
		b.managers = append(b.managers, db)
	}
	return b.duckdb, nil
}

func (b *backendSet) getPostgres() (*storage.PostgresStorage, error) {
	if b.postgres == nil {
		pg, err := storage.NewPostgresStorage(b.ctx, b.cfg.PostgresDSN, b.logger)
		if err != nil {
			return nil, err
		}
		b.postgres = pg
		b.managers = append(b.managers, pg)
	}
	return b.postgres, nil
}

func (b *backendSet) bars() (barBackend, error) {
	switch b.cfg.BarBackend {
	case "duckdb":
		db, err := b.getDuckDB()
		if err != nil {
			return barBackend{}, err
		}
		return barBackend{bars: db, updateLog: db}, nil
	default:
		mem := b.getMemory()
		return barBackend{bars: mem, updateLog: mem}, nil
	}
}

func (b *backendSet) cache() (storage.CacheStore, error) {
	switch b.cfg.CacheBackend {
	case "postgres":
		return b.getPostgres()
	case "redis":
		rc, err := storage.NewRedisCache(b.ctx, storage.RedisOptions{
			Addr:     b.cfg.RedisAddr,
			Password: b.cfg.RedisPassword,
			DB:       b.cfg.RedisDB,
		}, b.logger)
		if err != nil {
			return nil, err
		}
		b.managers = append(b.managers, rc)
		return rc, nil
	default:
		return b.getMemory(), nil
	}
}

func (b *backendSet) snapshots() (storage.SnapshotStore, error) {
	switch b.cfg.SnapshotBackend {
	case "duckdb":
		return b.getDuckDB()
	case "postgres":
		return b.getPostgres()
	default:
		return b.getMemory(), nil
	}
}

// handleServe runs the scheduler until interrupted.
func (app *App) handleServe(ctx context.Context, args []string) error {
	if hasHelpFlag(args) {
		printCommandHelp("serve")
		return nil
	}
	if !app.config.Scheduler.Enabled {
		return fmt.Errorf("scheduler is disabled in configuration")
	}

	log := app.logs.Logger()
	log.Info("service starting", "app", app.config.AppName, "version", Version)

	// Prime the cache once at startup so the first reads have data.
	for category := range app.config.Provider.Categories {
		if _, _, err := app.orch.ForceRefresh(ctx, category); err != nil {
			log.Warn("startup refresh failed", "category", category, "error", err)
		}
	}

	app.sched.Start(ctx)
	fmt.Println("Price feed service running. Press Ctrl+C to stop.")

	<-ctx.Done()
	log.Info("shutdown signal received")
	app.sched.Stop()

	// Give detached write-backs a moment to land before backends close.
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = app.orch.WaitWriteback(drainCtx)

	log.Info("service stopped")
	return nil
}

// handleFetch forces a refresh for one category and prints the result.
func (app *App) handleFetch(ctx context.Context, args []string) error {
	flags, err := parseCategoryFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("fetch")
		return nil
	}
	if flags.Category == "" {
		return fmt.Errorf("--category is required")
	}

	payload, prov, err := app.orch.ForceRefresh(ctx, flags.Category)
	if err != nil {
		return err
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = app.orch.WaitWriteback(drainCtx)

	return outputPayload(payload, prov, flags.Format)
}

// handleLatest serves the current payload for one category.
func (app *App) handleLatest(ctx context.Context, args []string) error {
	flags, err := parseCategoryFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("latest")
		return nil
	}
	if flags.Category == "" {
		return fmt.Errorf("--category is required")
	}

	payload, prov, err := app.orch.GetLatest(ctx, flags.Category)
	if err != nil {
		return err
	}
	return outputPayload(payload, prov, flags.Format)
}

// handleHistory serves a historical payload for one category and date.
func (app *App) handleHistory(ctx context.Context, args []string) error {
	flags, err := parseCategoryFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("history")
		return nil
	}
	if flags.Category == "" {
		return fmt.Errorf("--category is required")
	}
	if flags.Date == "" {
		return fmt.Errorf("--date is required")
	}

	date, err := time.Parse("2006-01-02", flags.Date)
	if err != nil {
		return fmt.Errorf("invalid date format, use YYYY-MM-DD: %w", err)
	}

	payload, prov, err := app.orch.GetHistorical(ctx, flags.Category, date)
	if err != nil {
		return err
	}
	return outputPayload(payload, prov, flags.Format)
}

// handleQuery prints stored bars for one series.
func (app *App) handleQuery(ctx context.Context, args []string) error {
	flags, err := parseSeriesFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("query")
		return nil
	}
	if flags.Code == "" || flags.Category == "" {
		return fmt.Errorf("--code and --category are required")
	}

	start, end, err := flags.timeRange()
	if err != nil {
		return err
	}

	bars, err := app.series.Query(ctx, flags.Code, flags.Category, flags.Timeframe, start, end)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	if flags.Limit > 0 && len(bars) > flags.Limit {
		bars = bars[:flags.Limit]
	}

	fmt.Printf("Bars for %s/%s (%s), %s to %s: %d\n\n",
		flags.Category, flags.Code, flags.Timeframe,
		start.Format("2006-01-02"), end.Format("2006-01-02"), len(bars))

	switch flags.Format {
	case "json":
		return outputJSON(bars)
	case "csv":
		return outputBarsCSV(bars)
	default:
		return outputBarsTable(bars)
	}
}

// handleCoverage reports how complete one series is over a range.
func (app *App) handleCoverage(ctx context.Context, args []string) error {
	flags, err := parseSeriesFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("coverage")
		return nil
	}
	if flags.Code == "" || flags.Category == "" {
		return fmt.Errorf("--code and --category are required")
	}

	start, end, err := flags.timeRange()
	if err != nil {
		return err
	}

	cov, err := app.series.GetCoverage(ctx, flags.Code, flags.Category, flags.Timeframe, start, end)
	if err != nil {
		return fmt.Errorf("coverage failed: %w", err)
	}

	if flags.Format == "json" {
		return outputJSON(cov)
	}

	fmt.Printf("Coverage for %s/%s (%s)\n", cov.ItemType, cov.Code, cov.Timeframe)
	fmt.Printf("Range:    %s to %s\n", cov.Start.Format(time.RFC3339), cov.End.Format(time.RFC3339))
	fmt.Printf("Bars:     %d of %d (%.1f%%)\n", cov.Actual, cov.Expected, cov.CoveragePct)
	if len(cov.MissingPeriods) == 0 {
		fmt.Println("No missing periods.")
		return nil
	}
	fmt.Printf("Missing:  %d periods\n", len(cov.MissingPeriods))
	for i, p := range cov.MissingPeriods {
		fmt.Printf("%d. %s to %s\n", i+1, p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339))
	}
	return nil
}

// handleStats prints the service counters.
func (app *App) handleStats(args []string) error {
	if hasHelpFlag(args) {
		printCommandHelp("stats")
		return nil
	}
	return outputJSON(app.orch.Stats())
}

// Flag structures for parsing command line arguments

// CategoryFlags covers the payload commands: fetch, latest, history.
type CategoryFlags struct {
	Category string
	Date     string
	Format   string
	Help     bool
}

// SeriesFlags covers the bar commands: query, coverage.
type SeriesFlags struct {
	Code      string
	Category  string
	Timeframe string
	Start     string
	End       string
	Days      int
	Limit     int
	Format    string
	Help      bool
}

func (f *SeriesFlags) timeRange() (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if f.Start != "" {
		start, err = time.Parse("2006-01-02", f.Start)
		if err != nil {
			return start, end, fmt.Errorf("invalid start date format, use YYYY-MM-DD: %w", err)
		}
	}
	if f.End != "" {
		end, err = time.Parse("2006-01-02", f.End)
		if err != nil {
			return start, end, fmt.Errorf("invalid end date format, use YYYY-MM-DD: %w", err)
		}
	}
	if start.IsZero() && end.IsZero() {
		end = time.Now().UTC()
		start = end.AddDate(0, 0, -f.Days)
	}
	if start.IsZero() || end.IsZero() {
		return start, end, fmt.Errorf("specify either --days or both --start and --end")
	}
	if start.After(end) {
		return start, end, fmt.Errorf("start time cannot be after end time")
	}
	return start, end, nil
}

func parseCategoryFlags(args []string) (*CategoryFlags, error) {
	flags := &CategoryFlags{Format: "table"}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--category", "-c":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--category requires a value")
			}
			flags.Category = args[i+1]
			i++
		case "--date", "-d":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--date requires a value")
			}
			flags.Date = args[i+1]
			i++
		case "--format", "-f":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--format requires a value")
			}
			if err := validFormat(args[i+1]); err != nil {
				return nil, err
			}
			flags.Format = args[i+1]
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	return flags, nil
}

func parseSeriesFlags(args []string) (*SeriesFlags, error) {
	flags := &SeriesFlags{
		Timeframe: "1h",
		Days:      7,
		Limit:     100,
		Format:    "table",
	}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--code":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--code requires a value")
			}
			flags.Code = args[i+1]
			i++
		case "--category", "-c":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--category requires a value")
			}
			flags.Category = args[i+1]
			i++
		case "--timeframe", "-t":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--timeframe requires a value")
			}
			flags.Timeframe = args[i+1]
			i++
		case "--start", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--start requires a value")
			}
			flags.Start = args[i+1]
			i++
		case "--end", "-e":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--end requires a value")
			}
			flags.End = args[i+1]
			i++
		case "--days", "-d":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--days requires a value")
			}
			days, err := strconv.Atoi(args[i+1])
			if err != nil {
				return nil, fmt.Errorf("invalid days value: %w", err)
			}
			flags.Days = days
			i++
		case "--limit", "-l":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--limit requires a value")
			}
			limit, err := strconv.Atoi(args[i+1])
			if err != nil {
				return nil, fmt.Errorf("invalid limit value: %w", err)
			}
			flags.Limit = limit
			i++
		case "--format", "-f":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--format requires a value")
			}
			if err := validFormat(args[i+1]); err != nil {
				return nil, err
			}
			flags.Format = args[i+1]
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	return flags, nil
}

func validFormat(format string) error {
	if format != "json" && format != "csv" && format != "table" {
		return fmt.Errorf("invalid format, must be: json, csv, or table")
	}
	return nil
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// Output formatting functions

type payloadResult struct {
	Provenance *orchestrator.Provenance `json:"provenance"`
	Payload    models.Payload           `json:"payload"`
}

func outputPayload(payload models.Payload, prov *orchestrator.Provenance, format string) error {
	return writePayload(os.Stdout, payload, prov, format)
}

func writePayload(w io.Writer, payload models.Payload, prov *orchestrator.Provenance, format string) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(payloadResult{Provenance: prov, Payload: payload})
	}

	fmt.Fprintf(w, "Source: %s", prov.Source)
	if prov.Provider != "" {
		fmt.Fprintf(w, " (provider %s)", prov.Provider)
	}
	if prov.AgeMinutes > 0 {
		fmt.Fprintf(w, ", age %.0fm", prov.AgeMinutes)
	}
	if prov.IsHistorical {
		fmt.Fprintf(w, ", date %s", prov.Date.Format("2006-01-02"))
	}
	fmt.Fprintln(w)
	if prov.Warning != "" {
		fmt.Fprintf(w, "Warning: %s\n", prov.Warning)
	}
	fmt.Fprintln(w)

	codes := make([]string, 0, len(payload))
	for code := range payload {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	if format == "csv" {
		fmt.Fprintln(w, "code,value,change,timestamp")
		for _, code := range codes {
			q := payload[code]
			change := ""
			if q.Change != nil {
				change = strconv.FormatFloat(*q.Change, 'f', -1, 64)
			}
			fmt.Fprintf(w, "%s,%s,%s,%s\n",
				q.Code,
				strconv.FormatFloat(q.Value, 'f', -1, 64),
				change,
				q.Timestamp.Format(time.RFC3339))
		}
		return nil
	}

	fmt.Fprintf(w, "%-10s %-14s %-12s %-20s\n", "Code", "Value", "Change", "Timestamp")
	for _, code := range codes {
		q := payload[code]
		change := "-"
		if q.Change != nil {
			change = fmt.Sprintf("%+.4f", *q.Change)
		}
		fmt.Fprintf(w, "%-10s %-14.4f %-12s %-20s\n",
			q.Code, q.Value, change, q.Timestamp.Format("2006-01-02 15:04"))
	}
	return nil
}

func outputJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func outputBarsCSV(bars []models.Bar) error {
	fmt.Println("timestamp,code,timeframe,open,high,low,close,volume,source")
	for _, bar := range bars {
		fmt.Printf("%s,%s,%s,%g,%g,%g,%g,%g,%s\n",
			bar.Timestamp.Format(time.RFC3339),
			bar.Code, bar.Timeframe,
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume,
			bar.Source)
	}
	return nil
}

func outputBarsTable(bars []models.Bar) error {
	fmt.Printf("%-17s %-8s %-10s %-10s %-10s %-10s %-12s\n",
		"Timestamp", "Code", "Open", "High", "Low", "Close", "Source")
	for _, bar := range bars {
		fmt.Printf("%-17s %-8s %-10.4f %-10.4f %-10.4f %-10.4f %-12s\n",
			bar.Timestamp.Format("2006-01-02 15:04"),
			bar.Code,
			bar.Open, bar.High, bar.Low, bar.Close,
			bar.Source)
	}
	return nil
}

// Help and usage functions

func printUsage() {
	fmt.Printf(`%s - Price Feed Service v%s

USAGE:
    %s <command> [options]

COMMANDS:
    serve       Run the service with scheduled refresh, rollups, and retention
    fetch       Force an upstream refresh for a category
    latest      Show the current payload for a category
    history     Show a historical payload for a category and date
    query       Query stored OHLC bars for one item
    coverage    Report data completeness for one item's series
    stats       Show service counters

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Run the service until interrupted
    %s serve

    # Show current metals prices
    %s latest --category metals

    # Show metals prices as of a past date
    %s history --category metals --date 2025-06-15

    # Query hourly gold bars for the last 7 days
    %s query --code XAU --category metals --timeframe 1h --days 7

CONFIGURATION:
    Configuration can be provided via:
    - Config file: %s (JSON format), or the path in PRICEFEED_CONFIG
    - Environment variables, optionally from a .env file

    Example config file:
    {
        "storage": {"bar_backend": "duckdb", "duckdb_path": "data/pricefeed.db"},
        "cache": {"fresh_ttl_minutes": 10, "stale_ttl_hours": 168},
        "logging": {"level": "info", "format": "json"}
    }

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, AppName, AppName, AppName, AppName, ConfigFile, AppName)
}

func printCommandHelp(command string) {
	switch command {
	case "serve":
		fmt.Printf(`%s serve - Run the price feed service

USAGE:
    %s serve

Runs the scheduler loops until interrupted: category refresh fan-out,
rollup cascades, gap filling, and retention sweeps. The cache is primed
with one refresh per category at startup.

Press Ctrl+C to stop gracefully.
`, AppName, AppName)

	case "fetch", "latest":
		fmt.Printf(`%s %s - Payload for a category

USAGE:
    %s %s [options]

OPTIONS:
    --category, -c <name>    Category to serve (required)
    --format, -f <format>    Output format: table, json, csv (default: table)
    --help, -h               Show this help message

fetch always goes upstream; latest serves from the fresh cache when it
can and falls back to stale data with a warning when upstream fails.
`, AppName, command, AppName, command)

	case "history":
		fmt.Printf(`%s history - Historical payload for a category

USAGE:
    %s history [options]

OPTIONS:
    --category, -c <name>    Category to serve (required)
    --date, -d <date>        Date to resolve, YYYY-MM-DD (required)
    --format, -f <format>    Output format: table, json, csv (default: table)
    --help, -h               Show this help message

The payload comes from the closest archived snapshot when one exists,
otherwise it is reconstructed from stored bars.
`, AppName, AppName)

	case "query":
		fmt.Printf(`%s query - Query stored OHLC bars

USAGE:
    %s query [options]

OPTIONS:
    --code <code>            Item code, e.g. XAU (required)
    --category, -c <name>    Category the item belongs to (required)
    --timeframe, -t <tf>     Timeframe: 1m, 5m, 15m, 1h, 1d, 1w, 1M (default: 1h)
    --start, -s <date>       Start date (YYYY-MM-DD)
    --end, -e <date>         End date (YYYY-MM-DD)
    --days, -d <days>        Days back from now (default: 7)
    --limit, -l <limit>      Maximum results (default: 100)
    --format, -f <format>    Output format: table, json, csv (default: table)
    --help, -h               Show this help message
`, AppName, AppName)

	case "coverage":
		fmt.Printf(`%s coverage - Report series completeness

USAGE:
    %s coverage [options]

OPTIONS:
    --code <code>            Item code, e.g. XAU (required)
    --category, -c <name>    Category the item belongs to (required)
    --timeframe, -t <tf>     Timeframe to check (default: 1h)
    --start, -s <date>       Start date (YYYY-MM-DD)
    --end, -e <date>         End date (YYYY-MM-DD)
    --days, -d <days>        Days back from now (default: 7)
    --format, -f <format>    Output format: table or json (default: table)
    --help, -h               Show this help message

Lists the expected and actual bar counts plus every missing period.
`, AppName, AppName)

	case "stats":
		fmt.Printf(`%s stats - Show service counters

USAGE:
    %s stats

Prints cache, breaker, and fetch counters as JSON.
`, AppName, AppName)

	default:
		fmt.Fprintf(os.Stderr, "No help available for command: %s\n", command)
		printUsage()
	}
}
