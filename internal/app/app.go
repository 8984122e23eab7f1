package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/dreamforge/dreamforge-backend/internal/db"
	"github.com/dreamforge/dreamforge-backend/internal/engine"
	"github.com/dreamforge/dreamforge-backend/internal/executor"
	"github.com/dreamforge/dreamforge-backend/internal/handlers"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/metrics"
	"github.com/dreamforge/dreamforge-backend/internal/queue"
	"github.com/dreamforge/dreamforge-backend/internal/repos"
	"github.com/dreamforge/dreamforge-backend/internal/server"
	"github.com/dreamforge/dreamforge-backend/internal/services"
	"github.com/dreamforge/dreamforge-backend/internal/upscale"
)

// App is the composition root shared by the API and worker binaries.
type App struct {
	Log     *logger.Logger
	Cfg     *Config
	DB      *db.Service
	Store   services.ObjectStore
	Metrics *metrics.Metrics

	JobRepo      repos.JobRepo
	StepRepo     repos.StepRepo
	EventRepo    repos.EventRepo
	ArtifactRepo repos.ArtifactRepo
	ModelRepo    repos.ModelRepo

	Executor *executor.Executor
	Queue    queue.Queue
	// RedisQueue is set only in brokered mode; the worker binary consumes it.
	RedisQueue *queue.RedisQueue

	JobService      services.JobService
	ProgressService services.ProgressService

	Router *gin.Engine
}

func New(ctx context.Context) (*App, error) {
	a := &App{}

	cfg, err := LoadConfig(logger.NewNop())
	if err != nil {
		return nil, err
	}
	a.Cfg = cfg
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a.Log = log

	dbService, err := db.New(cfg.DBURL, a.Log)
	if err != nil {
		return nil, err
	}
	a.DB = dbService
	if err := dbService.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if err := a.wireStore(ctx); err != nil {
		return nil, err
	}
	a.Metrics = metrics.New()
	a.wireRepos()
	if err := a.wireExecutor(ctx); err != nil {
		return nil, err
	}
	a.wireServices()
	a.wireRouter()

	return a, nil
}

func (a *App) wireStore(ctx context.Context) error {
	if !a.Cfg.HasObjectStore() {
		a.Log.Warn("object store not configured, using in-memory store")
		a.Store = services.NewMemoryObjectStore()
		return nil
	}
	store, err := services.NewBucketService(ctx, services.BucketConfig{
		Endpoint:       a.Cfg.S3Endpoint,
		PublicEndpoint: a.Cfg.S3PublicEndpoint,
		AccessKey:      a.Cfg.S3AccessKey,
		SecretKey:      a.Cfg.S3SecretKey,
		Bucket:         a.Cfg.S3Bucket,
		Region:         a.Cfg.S3Region,
	}, a.Log)
	if err != nil {
		return err
	}
	a.Store = store
	return nil
}

func (a *App) wireRepos() {
	gdb := a.DB.DB()
	a.JobRepo = repos.NewJobRepo(gdb, a.Log)
	a.StepRepo = repos.NewStepRepo(gdb, a.Log)
	a.EventRepo = repos.NewEventRepo(gdb, a.Log)
	a.ArtifactRepo = repos.NewArtifactRepo(gdb, a.Log)
	a.ModelRepo = repos.NewModelRepo(gdb, a.Log)
}

func (a *App) wireExecutor(ctx context.Context) error {
	var eng engine.Engine
	flatCheck := false
	switch {
	case a.Cfg.EngineCmd != "" && !a.Cfg.FakeRunner:
		sub, err := engine.NewSubprocessEngine(a.Cfg.EngineCmd, a.Log)
		if err != nil {
			return err
		}
		eng = sub
		flatCheck = true
	default:
		if !a.Cfg.FakeRunner {
			a.Log.Warn("no engine command configured, using fake engine")
		}
		eng = engine.NewFakeEngine()
	}

	registry := executor.NewRegistry()
	registry.MustRegister(executor.NewGenerateHandler(executor.GenerateHandlerConfig{
		Models:            a.ModelRepo,
		Store:             a.Store,
		Engine:            eng,
		FallbackModelPath: a.Cfg.GenerateModelPath,
		FlatCheck:         flatCheck,
	}))
	registry.MustRegister(executor.NewUpscaleHandler(a.ArtifactRepo, a.Store, upscale.NewRegistry()))

	a.Executor = executor.New(executor.Deps{
		DB:        a.DB.DB(),
		Jobs:      a.JobRepo,
		Steps:     a.StepRepo,
		Events:    a.EventRepo,
		Artifacts: a.ArtifactRepo,
		Registry:  registry,
		Metrics:   a.Metrics,
	}, a.Log)

	if a.Cfg.Eager || a.Cfg.RedisURL == "" {
		if !a.Cfg.Eager {
			a.Log.Warn("DF_REDIS_URL not set, running steps inline")
		}
		a.Queue = queue.NewEagerQueue(a.Executor.ExecuteTask)
	} else {
		rq, err := queue.NewRedisQueue(ctx, a.Cfg.RedisURL, queue.DefaultQueueName, a.Log)
		if err != nil {
			return err
		}
		a.RedisQueue = rq
		a.Queue = rq
	}
	a.Executor.SetNextQueue(a.Queue)
	return nil
}

func (a *App) wireServices() {
	a.JobService = services.NewJobService(a.JobRepo, a.EventRepo, a.Queue, a.Log)
	a.ProgressService = services.NewProgressService(a.JobRepo, a.ArtifactRepo, a.Log)
}

func (a *App) wireRouter() {
	if a.Cfg.LogMode == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	a.Router = server.NewRouter(server.RouterConfig{
		JobsHandler:      handlers.NewJobsHandler(a.JobService, a.ArtifactRepo, a.Metrics, a.Log),
		ArtifactsHandler: handlers.NewArtifactsHandler(a.JobRepo, a.ArtifactRepo, a.Store, a.Cfg.PresignExpires, a.Log),
		LogsHandler: handlers.NewLogsHandler(a.JobRepo, a.EventRepo, handlers.LogsConfig{
			TailDefault: a.Cfg.LogsTailDefault,
			TailMax:     a.Cfg.LogsTailMax,
		}, a.Log),
		ProgressHandler: handlers.NewProgressHandler(a.JobRepo, a.EventRepo, a.ProgressService, handlers.StreamConfig{
			PollInterval: a.Cfg.SSEPoll,
			Heartbeat:    a.Cfg.SSEHeartbeat,
		}, a.Log),
		ModelsHandler: handlers.NewModelsHandler(a.ModelRepo, a.Log),
		HealthHandler: handlers.NewHealthHandler(a.DB, a.Store, a.Cfg.ReadyChecks, a.Metrics, a.Log),
		Metrics:       a.Metrics,
		AllowOrigins:  a.Cfg.AllowOrigins,
	})
}

// Run serves the HTTP API until the listener fails.
func (a *App) Run() error {
	addr := ":" + a.Cfg.Port
	a.Log.Info("api listening", "addr", addr)
	return a.Router.Run(addr)
}

// Close releases broker connections and flushes logs.
func (a *App) Close() {
	if a.RedisQueue != nil {
		if err := a.RedisQueue.Close(); err != nil {
			a.Log.Error("close redis queue", "error", err)
		}
	}
	a.Log.Sync()
}
