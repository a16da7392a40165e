package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	"github.com/eugenenazirov/piano-esp/internal/api"
	"github.com/eugenenazirov/piano-esp/internal/application"
	"github.com/eugenenazirov/piano-esp/internal/config"
	"github.com/eugenenazirov/piano-esp/internal/esp"
	"github.com/eugenenazirov/piano-esp/internal/logging"
)

var signalNotify = signal.Notify

var errPartialRange = errors.New("--from and --to must be given together")

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout))
}

func realMain(args []string, stdout io.Writer) int {
	kingpinApp := kingpin.New("manage", "Piano ESP collector - fetches campaigns and their statistics for every configured site")
	configFile := kingpinApp.Flag("config", "Path to YAML configuration file").String()
	envFile := kingpinApp.Flag("env-file", "Path to a .env file read before the environment").Default(".env").String()
	endpoint := kingpinApp.Flag("endpoint", "ESP API endpoint URL").String()
	region := kingpinApp.Flag("region", "ESP region host, e.g. api-esp-us").String()
	keysFile := kingpinApp.Flag("keys-file", "Path to the JSON file listing site accounts").String()
	databaseURL := kingpinApp.Flag("database-url", "Database connection URL, e.g. sqlite:///esp.db").String()
	concurrency := kingpinApp.Flag("concurrency", "Maximum concurrent ESP requests per batch").Default("0").Int()
	lookbackDays := kingpinApp.Flag("lookback-days", "Days collected when no range is given").Default("0").Int()
	var activeOnlySet bool
	activeOnly := kingpinApp.Flag("active-only", "Collect active campaigns only").IsSetByUser(&activeOnlySet).Bool()
	port := kingpinApp.Flag("port", "HTTP port exposed by the service").String()
	rateLimitRPSFlag := kingpinApp.Flag("rate-limit-rps", "Requests per second allowed per client (set 0 to disable)").Default("-1").Float64()
	rateLimitBurstFlag := kingpinApp.Flag("rate-limit-burst", "Burst capacity for rate limiter (set 0 to disable)").Default("-1").Int()
	logLevel := kingpinApp.Flag("log-level", "Log level: debug, info, warn or error").String()

	runCmd := kingpinApp.Command("run", "Collect campaigns and statistics once and print a report").Default()
	from := runCmd.Flag("from", "First day to collect (YYYY-MM-DD)").String()
	to := runCmd.Flag("to", "Last day to collect (YYYY-MM-DD)").String()
	serveCmd := kingpinApp.Command("serve", "Serve the HTTP API")

	command, err := kingpinApp.Parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "manage: %v\n", err)
		return 2
	}

	var window *esp.DateRange
	if command == runCmd.FullCommand() {
		if window, err = requestedRange(*from, *to); err != nil {
			fmt.Fprintf(os.Stderr, "manage: %v\n", err)
			return 2
		}
	}

	overrides := &config.CLIOverrides{
		ConfigFile:     *configFile,
		EnvFile:        *envFile,
		Endpoint:       endpoint,
		Region:         region,
		KeysFile:       keysFile,
		DatabaseURL:    databaseURL,
		Concurrency:    concurrency,
		LookbackDays:   lookbackDays,
		Port:           port,
		RateLimitRPS:   rateLimitRPSFlag,
		RateLimitBurst: rateLimitBurstFlag,
		LogLevel:       logLevel,
	}
	if activeOnlySet {
		overrides.ActiveOnly = activeOnly
	}

	cfg, err := config.Load(overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := signalContext(context.Background(), logger)
	defer cancel()

	app, err := application.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize application", zap.Error(err))
		return 1
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("closing database failed", zap.Error(err))
		}
	}()

	switch command {
	case runCmd.FullCommand():
		if err := collect(ctx, app, window, stdout); err != nil {
			logger.Error("collection failed", zap.Error(err))
			return 1
		}
	case serveCmd.FullCommand():
		if err := app.Start(); err != nil {
			logger.Error("failed to start server", zap.Error(err))
			return 1
		}
		<-ctx.Done()
		shutdown(app.Server(), cfg.ShutdownGracePeriod, logger)
	}
	return 0
}

// requestedRange parses --from and --to. Neither given yields nil, which
// selects the default range.
func requestedRange(from, to string) (*esp.DateRange, error) {
	switch {
	case from == "" && to == "":
		return nil, nil
	case from == "" || to == "":
		return nil, errPartialRange
	}
	r, err := esp.ParseDateRange(from, to)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// collect runs one pass over r, or the default range when r is nil, and
// writes the report to out as JSON.
func collect(ctx context.Context, syncer api.Syncer, r *esp.DateRange, out io.Writer) error {
	window := syncer.DefaultRange()
	if r != nil {
		window = *r
	}

	report, syncErr := syncer.Sync(ctx, window)
	if len(report.Sites) > 0 {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return errors.Join(syncErr, fmt.Errorf("write report: %w", err))
		}
	}
	return syncErr
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-quit:
			logger.Info("signal received", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func shutdown(server *http.Server, timeout time.Duration, logger *zap.Logger) {
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		if closeErr := server.Close(); closeErr != nil {
			logger.Error("forced close failed", zap.Error(closeErr))
		}
	}
}
