// main package for the tts-fulfillment service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-fulfillment/internal/api"
	"github.com/book-expert/tts-fulfillment/internal/config"
	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/book-expert/tts-fulfillment/internal/db"
	"github.com/book-expert/tts-fulfillment/internal/fulfillment"
	"github.com/book-expert/tts-fulfillment/internal/keycheck"
	"github.com/book-expert/tts-fulfillment/internal/ledger"
	"github.com/book-expert/tts-fulfillment/internal/objectstore"
	"github.com/book-expert/tts-fulfillment/internal/tts"
	"github.com/book-expert/tts-fulfillment/internal/worker"
	"github.com/nats-io/nats.go"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
	connectionName    = "tts-fulfillment"
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "tts-service-bootstrap.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	return log, nil
}

// service holds the running components so they can be shut down in order.
type service struct {
	database   *db.DB
	nc         *nats.Conn
	natsClosed <-chan struct{}
	recorder   *ledger.AsyncRecorder
	worker     *worker.NatsWorker
	checker    *keycheck.Checker
	http       *http.Server
	log        *logger.Logger
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		// If bootstrap logger fails, we can only print to stderr
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Wire the components
	svc, err := build(ctx, cfg, finalLog)
	if err != nil {
		finalLog.Error("Failed to start service: %v", err)

		return err
	}

	finalLog.System("TTS fulfillment service listening on subject %s and %s", cfg.NATS.FulfillmentSubject, cfg.HTTP.Address)

	// 5. Serve until a signal arrives
	return svc.serve(ctx, cfg)
}

func build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*service, error) {
	database, err := db.New(ctx, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	natsClosed := make(chan struct{})

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name(connectionName),
		nats.ClosedHandler(func(*nats.Conn) { close(natsClosed) }))
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	svc, err := assemble(cfg, database, nc, log)
	if err != nil {
		nc.Close()
		_ = database.Close()

		return nil, err
	}

	svc.natsClosed = natsClosed

	return svc, nil
}

func assemble(cfg *config.Config, database *db.DB, nc *nats.Conn, log *logger.Logger) (*service, error) {
	jetStream, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	store, err := objectstore.New(jetStream, cfg.NATS.AudioObjectStoreBucket, cfg.TTS.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}

	router := newSpeechRouter(cfg)
	generator := tts.NewBreaker(router, tts.BreakerSettings{
		FailureRatio: cfg.Breaker.FailureRatio,
		MinRequests:  cfg.Breaker.MinRequests,
		OpenTimeout:  cfg.Breaker.OpenTimeout(),
		Interval:     cfg.Breaker.Interval(),
	}, log)

	deadLetter, err := ledger.NewNatsDeadLetter(nc, cfg.NATS.DeadLetterSubject)
	if err != nil {
		return nil, fmt.Errorf("failed to create dead-letter sink: %w", err)
	}

	recorder := ledger.NewAsyncRecorder(database, deadLetter, cfg.Ledger.QueueSize, log)

	orchestrator := fulfillment.New(database, generator, store, recorder, fulfillment.Config{
		GenerationTimeout: cfg.TTS.GenerationTimeout(),
		UploadTimeout:     cfg.TTS.UploadTimeout(),
		DefaultFolder:     cfg.TTS.DefaultFolder,
	}, log)

	natsWorker, err := worker.NewNatsWorker(
		nc, cfg.NATS.FulfillmentSubject, cfg.NATS.QueueGroup, orchestrator, cfg.TTS.RequestTimeout(), log,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	checker := keycheck.New(database, router, log)

	server := api.NewServer(api.Config{
		AdminToken:         cfg.HTTP.AdminToken,
		RateLimitPerMinute: cfg.HTTP.RateLimitPerMinute,
	}, api.Dependencies{
		Fulfiller:   orchestrator,
		Credentials: database,
		Records:     database,
		Audio:       store,
		Checker:     checker,
	}, log)

	if cfg.HTTP.AdminToken == "" {
		log.Warn("No admin token configured; the /v1 endpoints are open.")
	}

	return &service{
		database: database,
		nc:       nc,
		recorder: recorder,
		worker:   natsWorker,
		checker:  checker,
		http: &http.Server{
			Addr:              cfg.HTTP.Address,
			Handler:           server.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		},
		log: log,
	}, nil
}

func newSpeechRouter(cfg *config.Config) *tts.Router {
	timeout := cfg.TTS.GenerationTimeout()
	router := tts.NewRouter(cfg.TTS.DefaultProvider)

	gemini := tts.NewGeminiClient(cfg.TTS.GeminiBaseURL, cfg.TTS.GeminiModel, timeout)
	router.Register(core.ProviderGemini, gemini)

	elevenLabs := tts.NewElevenLabsClient(cfg.TTS.ElevenLabsBaseURL, cfg.TTS.ElevenLabsModel, timeout)
	router.Register(core.ProviderElevenLabs, elevenLabs)
	router.RegisterUsage(core.ProviderElevenLabs, elevenLabs)

	return router
}

func (s *service) serve(ctx context.Context, cfg *config.Config) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 2)

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		errChan <- s.worker.Run(runCtx)
	}()

	go func() {
		defer wg.Done()

		s.checker.Run(runCtx, cfg.TTS.CheckInterval())
	}()

	go func() {
		listenErr := s.http.ListenAndServe()
		if listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server failed: %w", listenErr)
		}
	}()

	var runErr error

	select {
	case <-runCtx.Done():
	case runErr = <-errChan:
	}

	s.log.Info("Shutting down.")
	cancel()
	wg.Wait()

	return errors.Join(runErr, s.shutdown())
}

func (s *service) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	httpErr := s.http.Shutdown(shutdownCtx)

	// The connection stays open until the ledger queue is flushed so that
	// records it cannot write still reach the dead-letter subject.
	recorderErr := s.recorder.Close(shutdownCtx)
	drainErr := drainConnection(shutdownCtx, s.nc, s.natsClosed)
	dbErr := s.database.Close()

	return errors.Join(httpErr, recorderErr, drainErr, dbErr)
}

// drainConnection drains nc and waits for closed, which the connection's
// ClosedHandler closes once the drain has finished.
func drainConnection(ctx context.Context, nc *nats.Conn, closed <-chan struct{}) error {
	err := nc.Drain()
	if err != nil {
		nc.Close()

		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}

	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		nc.Close()

		return fmt.Errorf("NATS drain did not finish: %w", ctx.Err())
	}
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
