package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/athenaeum-dev/athenaeum/internal/config"
	"github.com/athenaeum-dev/athenaeum/internal/handler"
	"github.com/athenaeum-dev/athenaeum/internal/index"
	"github.com/athenaeum-dev/athenaeum/internal/logger"
	"github.com/athenaeum-dev/athenaeum/internal/service"
	"github.com/athenaeum-dev/athenaeum/internal/storage"
	"github.com/athenaeum-dev/athenaeum/internal/store"
	gitrepo "github.com/athenaeum-dev/athenaeum/pkg/git"
	"github.com/athenaeum-dev/athenaeum/pkg/render"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.InitLogger(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Initialize storage backend
	backend, err := newBackend(cfg)
	if err != nil {
		log.Fatal("failed to create storage backend", zap.Error(err))
	}

	// Initialize index manager over its git-backed syncer
	repo := gitrepo.NewRepo(cfg.Index.Path, cfg.Index.Remote, cfg.Index.AuthorName, cfg.Index.AuthorEmail, log)
	if err := repo.Open(); err != nil {
		log.Fatal("failed to open index repository", zap.Error(err))
	}
	idx := index.NewManager(cfg.Index.Path, index.NewGitSyncer(repo), log)
	if cfg.Registry.BaseURL != "" {
		err := idx.WriteConfig(context.Background(),
			cfg.Registry.BaseURL+"/api/v1/crates",
			cfg.Registry.BaseURL,
		)
		if err != nil {
			log.Fatal("failed to write index config", zap.Error(err))
		}
	}

	// Initialize metadata store
	dbStore, err := store.NewSQLiteStore(cfg.Storage.Path, log)
	if err != nil {
		log.Fatal("failed to create metadata store", zap.Error(err))
	}
	defer dbStore.Close()

	// Initialize publish pipeline and API
	publisher := service.NewPublisher(backend, idx, dbStore, render.Markdown, cfg.Registry.MaxCrateSize, log)
	api := handler.NewAPI(cfg, log, dbStore, publisher, idx, backend)
	defer api.Close()

	// Create router
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	// Create server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	// Retry propagation of index shards whose sync failed
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Index.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if idx.PendingCount() == 0 {
					continue
				}
				if err := idx.Flush(ctx); err != nil {
					log.Error("index flush failed", zap.Error(err))
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()

		// Graceful shutdown
		log.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}

	// Last chance to propagate anything still pending
	if idx.PendingCount() > 0 {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := idx.Flush(flushCtx); err != nil {
			log.Error("final index flush failed", zap.Error(err))
		}
	}

	log.Info("server exited properly")
}

// newBackend builds the configured storage backend.
func newBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "local":
		return storage.NewLocalBackend(cfg.Storage.Path), nil
	case "minio":
		client, err := minio.New(cfg.Storage.Minio.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.Storage.Minio.AccessKey, cfg.Storage.Minio.SecretKey, ""),
			Secure: cfg.Storage.Minio.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
		return storage.NewMinioBackend(client, cfg.Storage.Minio.Bucket, cfg.Storage.Minio.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}
