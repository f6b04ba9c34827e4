// Package app assembles the conversion pipeline from configuration. The API
// server, the asynq worker and the CLI all start from Build.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/SlideFill/internal/blob"
	"github.com/dharsanguruparan/SlideFill/internal/config"
	"github.com/dharsanguruparan/SlideFill/internal/conversion"
	"github.com/dharsanguruparan/SlideFill/internal/database"
	"github.com/dharsanguruparan/SlideFill/internal/processing"
	"github.com/dharsanguruparan/SlideFill/internal/queue"
	"github.com/dharsanguruparan/SlideFill/internal/quota"
	"github.com/dharsanguruparan/SlideFill/internal/repository"
	"github.com/dharsanguruparan/SlideFill/internal/s3storage"
	"github.com/dharsanguruparan/SlideFill/internal/signing"
	"github.com/dharsanguruparan/SlideFill/internal/storage"
	"github.com/dharsanguruparan/SlideFill/internal/transfer"
	"github.com/dharsanguruparan/SlideFill/internal/transformer"
	"github.com/dharsanguruparan/SlideFill/internal/workspace"
)

// Stores groups the three record stores the controller needs.
type Stores struct {
	Jobs      conversion.JobStore
	Templates conversion.TemplateStore
	Quota     conversion.QuotaSource
	// Kind is "postgres", "sqlite" or "memory".
	Kind  string
	close func()
}

// App is a fully wired pipeline. Dispatch is attached separately with
// UseLocalPool or UseQueue.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Stores      Stores
	Blobs       transfer.BlobStore
	Files       http.Handler
	Transformer *transformer.Transformer
	Controller  *conversion.Controller
	Sweeper     *conversion.Sweeper

	closers []func()
}

// Build connects the stores and the blob backend and constructs the
// controller. migrate controls whether the Postgres schema is ensured on
// first connect.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, migrate bool) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	stores, err := OpenStores(ctx, cfg, migrate)
	if err != nil {
		return nil, err
	}
	a.Stores = stores
	a.closers = append(a.closers, stores.close)

	if err := a.openBlobs(ctx); err != nil {
		a.Close()
		return nil, err
	}

	workspaces, err := workspace.NewManager(cfg.WorkspaceRoot, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init workspaces: %w", err)
	}
	a.Transformer = transformer.New(
		transformer.NewInvoker(cfg.TransformTimeout),
		transformer.Command(cfg.TransformerCommand),
		transformer.Command(cfg.SlideCountCommand),
		cfg.TransformerEnv,
	)
	ctrl, err := conversion.New(conversion.Options{
		Jobs:              stores.Jobs,
		Templates:         stores.Templates,
		Quota:             stores.Quota,
		Blobs:             a.Blobs,
		Stager:            transfer.New(a.Blobs, nil, logger),
		Converter:         a.Transformer,
		Workspaces:        workspaces,
		Guard:             quota.NewGuard(cfg.Quota),
		Logger:            logger,
		ResultPrefix:      cfg.ResultPrefix,
		ResultContentType: cfg.ResultContentType,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Controller = ctrl
	a.Sweeper = conversion.NewSweeper(ctrl, cfg.StaleAfter)
	logger.Info("pipeline ready", "store", stores.Kind, "blobs", a.blobKind(), "dispatch", cfg.DispatchMode)
	return a, nil
}

// OpenStores picks the record backend: Postgres when DATABASE_URL is set,
// SQLite when SLIDEFILL_SQLITE_PATH is set, memory otherwise.
func OpenStores(ctx context.Context, cfg *config.Config, migrate bool) (Stores, error) {
	switch {
	case cfg.DatabaseURL != "":
		db := database.NewHandle(cfg.DatabaseURL, migrate)
		if _, err := db.Pool(ctx); err != nil {
			db.Close()
			return Stores{}, err
		}
		return Stores{
			Jobs:      repository.NewJobRepository(db),
			Templates: repository.NewTemplateRepository(db),
			Quota:     repository.NewSubscriptionRepository(db),
			Kind:      "postgres",
			close:     db.Close,
		}, nil
	case cfg.SQLitePath != "":
		store, err := repository.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return Stores{}, err
		}
		return Stores{Jobs: store, Templates: store, Quota: store, Kind: "sqlite", close: func() { _ = store.Close() }}, nil
	default:
		store := storage.NewMemoryStore()
		return Stores{Jobs: store, Templates: store, Quota: store, Kind: "memory", close: func() {}}, nil
	}
}

func (a *App) openBlobs(ctx context.Context) error {
	cfg := a.Config
	if cfg.S3Endpoint != "" {
		store, err := s3storage.New(cfg)
		if err != nil {
			return err
		}
		if err := store.EnsureBuckets(ctx); err != nil {
			return err
		}
		a.Blobs = store
		return nil
	}
	files, err := blob.NewLocalFS(cfg.BlobRoot, cfg.BaseURL, signing.NewSigner(cfg.SigningSecret), cfg.SignedURLTTL)
	if err != nil {
		return fmt.Errorf("init blob root: %w", err)
	}
	a.Blobs = files
	a.Files = files.Handler()
	return nil
}

func (a *App) blobKind() string {
	if a.Files != nil {
		return "local"
	}
	return "s3"
}

// UseLocalPool starts an in-process worker pool and routes dispatch to it.
// The workers stop when ctx is cancelled.
func (a *App) UseLocalPool(ctx context.Context) (*processing.Pool, error) {
	pool := processing.New(a.Config.ProcessingPool, a.Config.QueueDepth, a.Logger)
	if err := pool.Start(ctx, a.Controller.Execute); err != nil {
		return nil, err
	}
	a.Controller.SetDispatcher(pool)
	a.closers = append(a.closers, pool.Stop)
	return pool, nil
}

// UseQueue routes dispatch through asynq.
func (a *App) UseQueue() *asynq.Client {
	client := asynq.NewClient(a.RedisOpt())
	a.Controller.SetDispatcher(queue.NewDispatcher(client, a.TaskTimeout()))
	a.closers = append(a.closers, func() { _ = client.Close() })
	return client
}

// Dispatch attaches whichever dispatcher the config selects.
func (a *App) Dispatch(ctx context.Context) error {
	if a.Config.DispatchMode == config.DispatchAsynq {
		a.UseQueue()
		return nil
	}
	_, err := a.UseLocalPool(ctx)
	return err
}

// RedisOpt is the asynq connection for both producer and consumer.
func (a *App) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	}
}

// TaskTimeout bounds one queued conversion: the transformer budget plus
// room for staging and upload.
func (a *App) TaskTimeout() time.Duration {
	return a.Config.TransformTimeout + 5*time.Minute
}

// Close releases everything Build and the dispatch helpers opened, newest
// first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
