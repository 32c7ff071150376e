package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jmcleod/taskward/account"
	"github.com/jmcleod/taskward/api"
	"github.com/jmcleod/taskward/config"
	"github.com/jmcleod/taskward/credential"
	"github.com/jmcleod/taskward/kv"
	kvmemory "github.com/jmcleod/taskward/kv/memory"
	kvredis "github.com/jmcleod/taskward/kv/redis"
	"github.com/jmcleod/taskward/notify"
	"github.com/jmcleod/taskward/session"
	"github.com/jmcleod/taskward/storage"
	bboltstorage "github.com/jmcleod/taskward/storage/bbolt"
	memorystorage "github.com/jmcleod/taskward/storage/memory"
	"github.com/jmcleod/taskward/storage/postgres"
	"github.com/jmcleod/taskward/todo"
	"github.com/jmcleod/taskward/token"
)

const limiterSweepInterval = 10 * time.Minute

var (
	addr    string
	backend string
	dataDir string
	tlsCert string
	tlsKey  string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the task tracking API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("addr") {
			cfg.Addr = addr
		}
		if flags.Changed("storage") {
			cfg.StorageBackend = backend
		}
		if flags.Changed("data-dir") {
			cfg.DataDir = dataDir
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, logFile, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logFile.Close()
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		repo, err := openRepository(ctx, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		kvRegistry := kv.NewRegistry(kvDialer(cfg))
		defer kvRegistry.Close()

		codec, err := token.New(cfg.Token())
		if err != nil {
			return fmt.Errorf("configuring tokens: %w", err)
		}
		verifier := credential.NewVerifier(repo)
		registry := prometheus.NewRegistry()

		// The reminder enqueues onto the queue and the queue calls back into
		// the reminder before delivering, so the sink is bound late.
		var queue *notify.Queue
		reminder := todo.NewReminder(repo,
			notify.SinkFunc(func(ctx context.Context, m notify.Message) error {
				return queue.Enqueue(ctx, m)
			}),
			todo.WithInterval(cfg.ReminderInterval),
			todo.WithLogger(logger))
		queue, err = notify.NewQueue(mailSender(cfg, logger),
			notify.WithCheck(notify.KindTaskOverdue, reminder.Check),
			notify.WithRegisterer(registry),
			notify.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("starting notification queue: %w", err)
		}

		sessions := session.New(session.Deps{
			Codec:       codec,
			Credentials: verifier,
			Users:       repo,
			KV:          kvRegistry,
			Notifier:    queue,
		}, session.Config{
			SiteDomain:   cfg.SiteDomain,
			RevocationDB: cfg.RevocationDB,
			CodeDB:       cfg.TwoFactorDB,
		}, session.WithLogger(logger))

		proxies, err := api.ParseTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			return err
		}
		a := api.New(api.Deps{
			Sessions: sessions,
			Accounts: account.New(repo, verifier),
			Store:    repo,
		}, api.WithLogger(logger), api.WithRegistry(registry), api.WithTrustedProxies(proxies))

		go reminder.Run(ctx)
		go a.SweepLimiters(ctx, limiterSweepInterval)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		if len(proxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)
		r.Mount("/", a.Router())

		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		logger.Info("server started",
			slog.String("addr", cfg.Addr),
			slog.String("storage", cfg.StorageBackend),
			slog.String("kv", cfg.KVBackend),
			slog.Bool("tls", server.TLSConfig != nil))

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
		case err := <-done:
			if err != nil {
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		if err := queue.Close(shutdownCtx); err != nil {
			logger.Warn("notification queue did not drain", "error", err)
		}
		return nil
	},
}

func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	switch cfg.StorageBackend {
	case config.StoragePostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, nil
	case config.StorageMemory:
		return memorystorage.NewRepository(), nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "taskward.db"), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return repo, nil
	}
}

func kvDialer(cfg *config.Config) kv.Dialer {
	if cfg.KVBackend == config.KVMemory {
		return kvmemory.Dialer()
	}
	return kvredis.Dialer(cfg.Redis())
}

func mailSender(cfg *config.Config, logger *slog.Logger) notify.Sender {
	if smtpCfg, ok := cfg.SMTP(); ok {
		return notify.NewSMTPSender(smtpCfg)
	}
	logger.Warn("SMTP_SERVER is not set, emails will only be logged")
	return notify.LogSender{Logger: logger}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&addr, "addr", ":8000", "Address to listen on (overrides ADDR)")
	serverCmd.Flags().StringVar(&backend, "storage", config.StorageBBolt, "Storage backend: bbolt, postgres or memory (overrides STORAGE_BACKEND)")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for the bbolt database (overrides DATA_DIR)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
