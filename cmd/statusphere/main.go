package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/ericvolp12/bsky-experiments/pkg/tracing"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"
	"github.com/urfave/cli/v2"

	"github.com/ericvolp12/statusphere/pkg/appview"
	"github.com/ericvolp12/statusphere/pkg/archive"
	"github.com/ericvolp12/statusphere/pkg/bq"
	"github.com/ericvolp12/statusphere/pkg/follows"
	"github.com/ericvolp12/statusphere/pkg/ingester"
	"github.com/ericvolp12/statusphere/pkg/profiles"
	"github.com/ericvolp12/statusphere/pkg/store"
)

func main() {
	app := cli.App{
		Name:    "statusphere",
		Usage:   "statusphere cache and firehose ingester",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "ws-url",
			Usage:   "full websocket path to the ATProto SubscribeRepos XRPC endpoint",
			Value:   "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos",
			EnvVars: []string{"SP_WS_URL"},
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "port to serve the http server on",
			Value:   8080,
			EnvVars: []string{"SP_PORT"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			Value:   false,
			EnvVars: []string{"SP_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "/data/statusphere.db",
			EnvVars: []string{"SP_SQLITE_PATH"},
		},
		&cli.BoolFlag{
			Name:    "subscribe-profiles",
			Usage:   "also ingest app.bsky.actor.profile records from the stream",
			Value:   false,
			EnvVars: []string{"SP_SUBSCRIBE_PROFILES"},
		},
		&cli.Float64Flag{
			Name:    "profile-backfill-rps",
			Usage:   "rate limit for on-demand profile fetches in requests per second",
			Value:   10,
			EnvVars: []string{"SP_PROFILE_BACKFILL_RPS"},
		},
		&cli.StringFlag{
			Name:    "bigquery-project-id",
			Usage:   "Google Cloud project ID for BigQuery",
			EnvVars: []string{"SP_BIGQUERY_PROJECT_ID"},
		},
		&cli.StringFlag{
			Name:    "bigquery-dataset",
			Usage:   "BigQuery dataset name",
			EnvVars: []string{"SP_BIGQUERY_DATASET"},
		},
		&cli.StringFlag{
			Name:    "bigquery-table-prefix",
			Usage:   "BigQuery table name prefix",
			EnvVars: []string{"SP_BIGQUERY_TABLE_PREFIX"},
			Value:   "statuses",
		},
		&cli.StringFlag{
			Name:    "archive-dir",
			Usage:   "directory to write parquet archives of status events, disabled when empty",
			EnvVars: []string{"SP_ARCHIVE_DIR"},
		},
		&cli.IntFlag{
			Name:    "archive-batch-size",
			Usage:   "number of status events per parquet file",
			Value:   50_000,
			EnvVars: []string{"SP_ARCHIVE_BATCH_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "archive-max-batch-wait",
			Usage:   "maximum age of a pending parquet batch before it is flushed",
			Value:   15 * time.Minute,
			EnvVars: []string{"SP_ARCHIVE_MAX_BATCH_WAIT"},
		},
	}

	app.Action = Statusphere

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// runLivenessChecker closes kill once when the sequence number stops
// advancing for a full interval, then exits so a later stalled tick cannot
// close the channel a second time. Closing shutdown stops it; done is closed
// on exit either way.
func runLivenessChecker(getSeq func() int64, interval time.Duration, kill, shutdown, done chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastSeq := int64(0)

	logger := slog.With("source", "liveness_checker")

	for {
		select {
		case <-shutdown:
			logger.Info("shutting down liveness checker")
			close(done)
			return
		case <-ticker.C:
			seq := getSeq()
			if seq == lastSeq {
				logger.Error("no new events since last check, shutting down for docker to restart me", "last_seq", lastSeq)
				close(kill)
				close(done)
				return
			}
			logger.Debug("received new event, resetting liveness timer", "last_seq", seq)
			lastSeq = seq
		}
	}
}

// Statusphere is the main function for the cache service
func Statusphere(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	// Create a channel that will be closed when we want to stop the application
	// Usually when a critical routine returns an error
	kill := make(chan struct{})

	// Logging
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
	slog.SetDefault(slog.New(logger.Handler()))

	logger.Info("starting up")

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("registering global tracer provider")
		shutdown, err := tracing.InstallExportPipeline(ctx, "statusphere", 1)
		if err != nil {
			logger.Error("failed to install export pipeline", "error", err)
			return err
		}
		defer func() {
			if err := shutdown(ctx); err != nil {
				logger.Error("failed to shutdown export pipeline", "error", err)
			}
		}()
	}

	// A failed or partial migration leaves the store unopened, so startup
	// stops here rather than ingesting against a half-shaped schema
	st, err := store.Open(cctx.String("sqlite-path"), logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return err
	}

	profileFetcher := profiles.NewFetcher(logger, st, nil)
	followService := follows.NewService(logger, st)

	ing, err := ingester.New(
		logger,
		cctx.String("ws-url"),
		st,
		profileFetcher,
		cctx.Bool("subscribe-profiles"),
		cctx.Float64("profile-backfill-rps"),
	)
	if err != nil {
		logger.Error("failed to create ingester", "error", err)
		return err
	}

	if cctx.String("bigquery-project-id") != "" {
		logger.Info("bigquery project id set, starting bigquery client")
		bqInstance, err := bq.NewBQ(
			ctx,
			cctx.String("bigquery-project-id"),
			cctx.String("bigquery-dataset"),
			cctx.String("bigquery-table-prefix"),
			logger,
		)
		if err != nil {
			logger.Error("failed to create bigquery client", "error", err)
			return err
		}
		defer func() {
			if err := bqInstance.Close(); err != nil {
				logger.Error("failed to close bigquery client", "error", err)
			}
		}()
		ing.BQ = bqInstance
	}

	if cctx.String("archive-dir") != "" {
		logger.Info("archive dir set, starting parquet writer")
		arc, err := archive.NewArchive(
			logger,
			cctx.String("archive-dir"),
			"statuses",
			cctx.Int("archive-batch-size"),
			cctx.Duration("archive-max-batch-wait"),
		)
		if err != nil {
			logger.Error("failed to create archive writer", "error", err)
			return err
		}
		arc.StartWriter()
		defer arc.Shutdown()
		ing.Archive = arc
	}

	// Start a goroutine to manage the liveness checker, shutting down if no events are received for 15 seconds
	shutdownLivenessChecker := make(chan struct{})
	livenessCheckerShutdown := make(chan struct{})
	go runLivenessChecker(ing.GetSeq, 15*time.Second, kill, shutdownLivenessChecker, livenessCheckerShutdown)

	api := appview.NewAPI(st, followService, profileFetcher, nil)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(slogecho.New(logger))
	e.Use(echoprometheus.NewMiddleware("statusphere"))
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/statuses", api.HandleGetStatuses)
	e.GET("/profiles/:did", api.HandleGetProfile)
	e.GET("/following/:did", api.HandleGetFollowing)
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "Statusphere")
	})
	echopprof.Wrap(e)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cctx.Int("port")),
		Handler: e,
	}

	// Startup HTTP server
	shutdownHTTPServer := make(chan struct{})
	httpServerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "http_server")

		logger.Info("http server listening on port", "port", cctx.Int("port"))

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("failed to start http server", "error", err)
			}
		}()
		<-shutdownHTTPServer
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down http server", "error", err)
		}
		logger.Info("http server shut down")
		close(httpServerShutdown)
	}()

	// Run the ingester in a goroutine
	ingesterKill := make(chan struct{})
	ingesterShutdownFinished := make(chan struct{})
	go func() {
		logger := logger.With("source", "ingester")

		logger.Info("starting ingester")
		err := ing.Run(ctx)
		if err != nil {
			logger.Error("ingester returned an error", "error", err)
			close(ingesterKill)
		}
		logger.Info("ingester shut down")
		close(ingesterShutdownFinished)
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("received signal, shutting down")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case <-kill:
		logger.Info("shutting down due to liveness checker")
	case <-ingesterKill:
		logger.Info("shutting down due to ingester error")
	}

	logger.Info("shutting down, waiting for routines to finish")

	// The ingester must drain and persist its cursor before the store closes
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ing.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down ingester cleanly", "error", err)
	}
	shutdownCancel()

	cancel()
	close(shutdownLivenessChecker)
	close(shutdownHTTPServer)

	<-livenessCheckerShutdown
	<-httpServerShutdown
	<-ingesterShutdownFinished

	if err := st.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}

	logger.Info("shutdown complete")

	return nil
}
