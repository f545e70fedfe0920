package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/keyproof/keyproof-core/internal/config"
	"github.com/keyproof/keyproof-core/internal/logging"
	"github.com/keyproof/keyproof-core/internal/metrics"
	"github.com/keyproof/keyproof-core/internal/server"
	"github.com/keyproof/keyproof-core/pkg/challenge"
	"github.com/keyproof/keyproof-core/pkg/didjwk"
	"github.com/keyproof/keyproof-core/pkg/nonce"
	"github.com/keyproof/keyproof-core/pkg/verify"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the verification server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(serveConfigPath)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "keyproof.yaml", "path to the YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(configPath string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Init(logging.Config{Env: cfg.Log.Env, Level: cfg.Log.Level})
	defer func() { _ = logging.Sync() }()
	logger := logging.Named("keyproof")

	if err := metrics.Register(nil); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}

	issuer := challenge.NewIssuer(store, nil, cfg.NonceTTL(), cfg.Verifier.Audience)
	pipeline := verify.New(verify.Config{
		Audience: cfg.Verifier.Audience,
		Method:   cfg.Verifier.VerifyMethod,
		Path:     cfg.Verifier.VerifyPath,
		Skew:     cfg.ClockSkew(),
	}, store, didjwk.NewResolver(logging.Named("didjwk")), nil, nil, logging.Named("verify"))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(issuer, pipeline, logging.Named("http")).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func buildStore(cfg *config.Config) (nonce.Store, error) {
	switch cfg.Nonce.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Nonce.Redis.Addr,
			DB:   cfg.Nonce.Redis.DB,
		})
		return nonce.NewRedisStore(client, cfg.Nonce.Redis.Prefix, cfg.Grace()), nil
	case "memory":
		return nonce.NewMemoryStore(nonce.MemoryConfig{
			ReapInterval: cfg.ReapInterval(),
			Grace:        cfg.Grace(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown nonce backend %q", cfg.Nonce.Backend)
	}
}
