package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"loanmatch-backend/internal/documents"
	"loanmatch-backend/internal/extract"
	"loanmatch-backend/internal/llm"
	"loanmatch-backend/internal/llm/gemini"
	"loanmatch-backend/internal/llm/openai"
	"loanmatch-backend/internal/matches"
	"loanmatch-backend/internal/matching"
	"loanmatch-backend/internal/processor"
	"loanmatch-backend/internal/queue"
	"loanmatch-backend/internal/retry"
	"loanmatch-backend/internal/shared/config"
	"loanmatch-backend/internal/shared/server"
	"loanmatch-backend/internal/shared/storage/db"
	"loanmatch-backend/internal/shared/storage/object"
	localstore "loanmatch-backend/internal/shared/storage/object/local"
	s3store "loanmatch-backend/internal/shared/storage/object/s3"
	"loanmatch-backend/internal/shared/telemetry"
)

// App holds shared dependencies.
type App struct {
	Config config.Config
	Router *gin.Engine
	DB     *sql.DB
	Store  object.ObjectStore
	Queue  queue.Client

	DocumentsRepo    documents.Repo
	MatchesRepo      matches.Repo
	DocumentsService *documents.Service
	Manager          *matches.Manager
	Reporter         *matches.Reporter
	LLM              llm.Client
	Engine           *matching.Engine

	DocumentsHandler *documents.Handler
	MatchHandler     *matching.Handler
}

// Build prepares every dependency and the router.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client, err := buildLLM(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config: cfg,
		DB:     sqlDB,
		Store:  store,
		LLM:    client,
	}
	if err := buildServices(ctx, app); err != nil {
		return nil, err
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:          cfg,
		DocumentHandler: app.DocumentsHandler,
		MatchHandler:    app.MatchHandler,
		Ready:           app.Ping,
	})
	return app, nil
}

// Ping reports whether the database is reachable. In-memory setups are
// always ready.
func (a *App) Ping(ctx context.Context) error {
	if a.DB == nil {
		return nil
	}
	return a.DB.PingContext(ctx)
}

// Close releases the database pool.
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.memory_repos", map[string]any{"reason": "DATABASE_URL empty"})
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	opts := db.OptionsFromEnv(db.DefaultServerOptions())
	if opts.MaxOpenConns < cfg.MatchMaxInFlight+5 {
		opts.MaxOpenConns = cfg.MatchMaxInFlight + 5
	}
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.memory_repos", map[string]any{"reason": "connect failed", "error": err})
			return nil, nil
		}
		return nil, err
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

// buildLLM picks the provider and wraps it with JSON handling and the
// shared rate limit.
func buildLLM(ctx context.Context, cfg config.Config) (llm.Client, error) {
	provider := cfg.LLMProvider
	if provider == "openai" && strings.TrimSpace(cfg.OpenAIAPIKey) == "" && isDevLike(cfg.Env) {
		telemetry.Warn("bootstrap.llm_fake", map[string]any{"reason": "OPENAI_API_KEY empty"})
		provider = "fake"
	}

	var completer llm.Completer
	switch provider {
	case "openai":
		c, err := openai.NewClient(cfg.OpenAIAPIKey, cfg.LLMModel, cfg.MatchScoreTimeout)
		if err != nil {
			return nil, err
		}
		completer = c
	case "gemini":
		c, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.LLMModel)
		if err != nil {
			return nil, err
		}
		completer = c
	case "fake":
		return llm.NewRateLimited(&llm.Fake{}, cfg.LLMRateLimit, cfg.LLMRateBurst), nil
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
	telemetry.Info("bootstrap.llm", map[string]any{
		"provider": provider,
		"model":    completer.Model(),
	})
	return llm.NewRateLimited(llm.NewJSONClient(completer), cfg.LLMRateLimit, cfg.LLMRateBurst), nil
}

func buildServices(ctx context.Context, app *App) error {
	cfg := app.Config
	if app.DB != nil {
		app.DocumentsRepo = &documents.PGRepo{DB: app.DB}
		app.MatchesRepo = &matches.PGRepo{DB: app.DB}
	} else {
		app.DocumentsRepo = documents.NewMemoryRepo()
		app.MatchesRepo = matches.NewMemoryRepo()
	}

	app.Manager = matches.NewManager(app.MatchesRepo, app.DocumentsRepo)
	app.Reporter = &matches.Reporter{Manager: app.Manager, Documents: app.DocumentsRepo}
	app.DocumentsService = &documents.Service{
		Store: app.Store,
		Repo:  app.DocumentsRepo,
		OnDelete: func(ctx context.Context, doc documents.Document) error {
			if doc.Kind != documents.KindApplication {
				return nil
			}
			_, err := app.Manager.DeleteByApplication(ctx, doc.ID)
			return err
		},
	}

	var ocr *extract.OCR
	if cfg.OCREnabled {
		ocr = extract.NewOCR()
	}
	procOpts := processor.DefaultOptions()
	procOpts.StructureTimeout = cfg.StructureTimeout
	procOpts.StructurePolicy = retry.Policy{
		MaxAttempts: cfg.StructureMaxAttempts,
		Backoff:     cfg.StructureBackoff,
		Multiplier:  1,
	}
	proc := processor.New(app.DocumentsRepo, app.Store, extract.New(ocr), app.LLM, procOpts)

	coord := matching.NewCoordinator(app.DocumentsRepo, app.Manager, app.LLM, matching.Options{
		MaxInFlight:  cfg.MatchMaxInFlight,
		ScoreTimeout: cfg.MatchScoreTimeout,
		ScorePolicy: retry.Policy{
			MaxAttempts: cfg.MatchScoreAttempts,
			Jitter:      cfg.MatchScoreJitter,
		},
	})
	app.Engine = matching.NewEngine(proc, coord)

	if cfg.DispatchMode == "sqs" {
		client, err := queue.NewSQSClient(ctx, cfg.AWSRegion, cfg.SQSQueueURL)
		if err != nil {
			return err
		}
		app.Queue = client
		app.Engine.Dispatcher = queue.NewDispatcher(client)
	}

	app.DocumentsHandler = documents.NewHandler(app.DocumentsService, app.Engine)
	app.MatchHandler = matching.NewHandler(app.Engine, app.Reporter)
	return nil
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local", "test":
		return true
	default:
		return false
	}
}
