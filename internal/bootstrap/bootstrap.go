package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"dyzen-server-go/internal/app/services"
	"dyzen-server-go/internal/domain/asset"
	domainauth "dyzen-server-go/internal/domain/auth"
	"dyzen-server-go/internal/domain/compression"
	"dyzen-server-go/internal/domain/enhance"
	"dyzen-server-go/internal/domain/eventbus"
	domainimage "dyzen-server-go/internal/domain/image"
	lineagestore "dyzen-server-go/internal/domain/lineage/store"
	"dyzen-server-go/internal/domain/model"
	"dyzen-server-go/internal/domain/model/onnx"
	"dyzen-server-go/internal/domain/model/worker"
	"dyzen-server-go/internal/domain/network"
	samplestore "dyzen-server-go/internal/domain/network/store"
	platformconfig "dyzen-server-go/internal/platform/config"
	platformerrors "dyzen-server-go/internal/platform/errors"
	platformlogging "dyzen-server-go/internal/platform/logging"
	platformobservability "dyzen-server-go/internal/platform/observability"
	platformstorage "dyzen-server-go/internal/platform/storage"
	httptransport "dyzen-server-go/internal/transport/http"
	httpdelivery "dyzen-server-go/internal/transport/http/delivery"
	"dyzen-server-go/internal/utils"
)

const (
	eventWorkers   = 4
	eventQueueSize = 256
)

// Options adjusts how Run locates its configuration.
type Options struct {
	ConfigPath string
	// DotEnv loads a .env file before reading the config.
	DotEnv bool
}

type stepFn func(context.Context, *appState) error

type initStep struct {
	ID        string
	Title     string
	DependsOn []string
	Kind      platformerrors.Kind
	Execute   stepFn
}

type appState struct {
	options               Options
	config                *platformconfig.Config
	configPath            string
	logProvider           *platformlogging.Logger
	logger                *utils.Logger
	slogger               *slog.Logger
	observabilityShutdown platformobservability.ShutdownFunc

	db       *gorm.DB
	registry *model.Registry
	runtime  model.Runtime
	lineage  lineagestore.Store
	samples  samplestore.Store
	bus      *eventbus.AsyncEventBus
	recorder *network.Recorder
	tokens   *domainauth.AuthToken
	delivery *services.DeliveryService
}

// Run starts the server and blocks until a signal or a fatal error stops it.
func Run(ctx context.Context, opts Options) error {
	state := &appState{options: opts}

	steps := InitGraph()
	if err := executeInitSteps(ctx, steps, state); err != nil {
		state.close()
		return err
	}

	logger := state.logger
	if state.config == nil || logger == nil || state.delivery == nil {
		state.close()
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"bootstrap state validation",
			"config/logger/delivery not initialised",
		)
	}
	defer state.close()

	logBootstrapGraph(steps, logger)

	rootCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(rootCtx)

	// a failing server cancels groupCtx, which also ends the wait below
	signalCtx, stop := signal.NotifyContext(groupCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// queued samples are flushed on shutdown, after groupCtx is cancelled
	state.recorder.Start(context.WithoutCancel(groupCtx))

	if _, err := startHTTPServer(state, group, groupCtx); err != nil {
		cancel()
		return fmt.Errorf("start http server: %w", err)
	}

	return waitForShutdown(signalCtx, cancel, logger, group)
}

func logBootstrapGraph(steps []initStep, logger *utils.Logger) {
	if logger == nil {
		return
	}
	logger.InfoTag("BOOT", "init graph:")
	for _, step := range steps {
		if len(step.DependsOn) == 0 {
			logger.InfoTag("BOOT", "  %s (%s)", step.ID, step.Title)
			continue
		}
		logger.InfoTag("BOOT", "  %s (%s) <- %s", step.ID, step.Title, strings.Join(step.DependsOn, ", "))
	}
}

func executeInitSteps(ctx context.Context, steps []initStep, state *appState) error {
	if state == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"execute init steps",
			"nil bootstrap state",
		)
	}

	completed := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := completed[dep]; !ok {
				return platformerrors.New(
					platformerrors.KindBootstrap,
					step.ID,
					fmt.Sprintf("dependency %s not satisfied", dep),
				)
			}
		}
		if step.Execute == nil {
			return platformerrors.New(
				platformerrors.KindBootstrap,
				step.ID,
				"missing execute function",
			)
		}
		if err := step.Execute(ctx, state); err != nil {
			var typed *platformerrors.Error
			if errors.As(err, &typed) {
				return err
			}

			kind := step.Kind
			if kind == "" {
				kind = platformerrors.KindBootstrap
			}
			return platformerrors.Wrap(kind, step.ID, "bootstrap step failed", err)
		}
		completed[step.ID] = struct{}{}
	}
	return nil
}

// InitGraph lists the startup steps in dependency order.
func InitGraph() []initStep {
	return []initStep{
		{
			ID:      "config:load",
			Title:   "Load configuration",
			Kind:    platformerrors.KindConfig,
			Execute: loadConfigStep,
		},
		{
			ID:        "logging:init-provider",
			Title:     "Initialise logging provider",
			DependsOn: []string{"config:load"},
			Execute:   initLoggingStep,
		},
		{
			ID:        "observability:setup-hooks",
			Title:     "Setup observability hooks",
			DependsOn: []string{"logging:init-provider"},
			Execute:   setupObservabilityStep,
		},
		{
			ID:        "storage:init-database",
			Title:     "Open sqlite database",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindStorage,
			Execute:   initDatabaseStep,
		},
		{
			ID:        "storage:init-stores",
			Title:     "Create lineage and sample stores",
			DependsOn: []string{"storage:init-database"},
			Kind:      platformerrors.KindStorage,
			Execute:   initStoresStep,
		},
		{
			ID:        "models:load-registry",
			Title:     "Load model manifest",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindConfig,
			Execute:   loadRegistryStep,
		},
		{
			ID:        "models:init-runtime",
			Title:     "Start inference runtime",
			DependsOn: []string{"models:load-registry"},
			Execute:   initRuntimeStep,
		},
		{
			ID:        "events:init-bus",
			Title:     "Start event bus",
			DependsOn: []string{"logging:init-provider"},
			Execute:   initEventBusStep,
		},
		{
			ID:        "network:init-recorder",
			Title:     "Create sample recorder",
			DependsOn: []string{"storage:init-stores", "events:init-bus"},
			Execute:   initRecorderStep,
		},
		{
			ID:        "auth:init-tokens",
			Title:     "Initialise bearer tokens",
			DependsOn: []string{"config:load"},
			Execute:   initAuthStep,
		},
		{
			ID:    "services:init-delivery",
			Title: "Wire delivery service",
			DependsOn: []string{
				"observability:setup-hooks",
				"models:init-runtime",
				"network:init-recorder",
			},
			Execute: initDeliveryStep,
		},
	}
}

func loadConfigStep(_ context.Context, state *appState) error {
	res, err := platformconfig.NewLoader().
		WithDotEnv(state.options.DotEnv).
		WithPath(state.options.ConfigPath).
		Load()
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindConfig, "config:load", "failed to load config", err)
	}
	state.config = res.Config
	state.configPath = res.Path
	return nil
}

func initLoggingStep(_ context.Context, state *appState) error {
	if state == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"logging:init-provider",
			"config not loaded",
		)
	}

	logProvider, err := platformlogging.New(platformlogging.Config{
		Level:    state.config.Log.Level,
		Dir:      state.config.Log.Dir,
		Filename: state.config.Log.File,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "logging:init-provider", "failed to initialize logging provider", err)
	}

	state.logProvider = logProvider
	state.logger = logProvider.Tagged()
	state.slogger = logProvider.Slog()
	utils.DefaultLogger = state.logger

	state.logger.InfoTag("BOOT", "logging ready [%s] config=%s", state.config.Log.Level, state.configPath)
	return nil
}

func setupObservabilityStep(ctx context.Context, state *appState) error {
	if state == nil || state.logger == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"observability:setup-hooks",
			"config/logger not initialised",
		)
	}

	cfg := platformobservability.Config{
		Enabled: state.config.Observability.Enabled || strings.EqualFold(state.config.Log.Level, "debug"),
	}

	shutdown, err := platformobservability.Setup(ctx, cfg, state.slogger)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "observability:setup-hooks", "failed to setup observability hooks", err)
	}
	state.observabilityShutdown = shutdown
	return nil
}

func needsSQLite(cfg *platformconfig.Config) bool {
	return cfg.Storage.LineageDriver == lineagestore.DriverSQLite ||
		cfg.Storage.SamplesDriver == samplestore.DriverSQLite
}

func initDatabaseStep(_ context.Context, state *appState) error {
	if !needsSQLite(state.config) {
		state.logger.InfoTag("BOOT", "no sqlite-backed store configured")
		return nil
	}
	db, err := platformstorage.Open(state.config.Storage.SQLitePath)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "storage:init-database", "failed to open database", err)
	}
	state.db = db
	state.logger.InfoTag("BOOT", "sqlite ready at %s", state.config.Storage.SQLitePath)
	return nil
}

func initStoresStep(_ context.Context, state *appState) error {
	cfg := state.config.Storage

	lineage, err := lineagestore.New(lineagestore.Config{
		Driver: cfg.LineageDriver,
		Redis: &lineagestore.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		},
	}, lineagestore.Dependencies{SQLiteDB: state.db})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "storage:init-stores", "failed to create lineage store", err)
	}
	state.lineage = lineage

	samples, err := samplestore.New(samplestore.Config{
		Driver:   cfg.SamplesDriver,
		Capacity: cfg.SampleCapacity,
		Redis: &samplestore.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		},
	}, samplestore.Dependencies{SQLiteDB: state.db})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "storage:init-stores", "failed to create sample store", err)
	}
	state.samples = samples

	state.logger.InfoTag("BOOT", "stores ready: lineage=%s samples=%s", cfg.LineageDriver, cfg.SamplesDriver)
	return nil
}

func loadRegistryStep(_ context.Context, state *appState) error {
	registry, err := model.LoadRegistry(state.config.Models.Manifest, state.logger)
	if err != nil {
		return err
	}
	state.registry = registry
	return nil
}

// initRuntimeStep never fails the boot: a runtime that cannot start leaves
// the server running with enhancement reported as unavailable.
func initRuntimeStep(ctx context.Context, state *appState) error {
	cfg := state.config.Models
	state.runtime = model.Unavailable{}

	switch cfg.Runtime {
	case "onnx":
		rt, err := onnx.New(onnx.Config{
			SharedLibrary: cfg.ONNX.SharedLibrary,
			InputName:     cfg.ONNX.InputName,
			OutputName:    cfg.ONNX.OutputName,
		}, state.logger)
		if err != nil {
			state.logger.WarnTag("MODEL", "onnx runtime unavailable: %v", err)
			return nil
		}
		state.runtime = rt
	case "worker":
		w, err := worker.Start(ctx, worker.Config{
			Command:   cfg.Worker.Command,
			Args:      cfg.Worker.Args,
			Timeout:   cfg.Worker.Timeout,
			InputName: cfg.ONNX.InputName,
		}, state.logger)
		if err != nil {
			state.logger.WarnTag("MODEL", "inference worker unavailable: %v", err)
			return nil
		}
		state.runtime = w
	default:
		state.logger.InfoTag("MODEL", "no inference runtime configured")
		return nil
	}

	state.logger.InfoTag("MODEL", "inference runtime %s ready", state.runtime.Name())
	return nil
}

func initEventBusStep(_ context.Context, state *appState) error {
	bus := eventbus.Init(eventWorkers, eventQueueSize, state.logger)
	if err := eventbus.SubscribeLogging(bus, state.logger); err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "events:init-bus", "failed to subscribe event handlers", err)
	}
	state.bus = bus
	return nil
}

func initRecorderStep(_ context.Context, state *appState) error {
	bus := state.bus
	state.recorder = network.NewRecorder(state.samples, network.RecorderConfig{
		QueueSize:  state.config.Network.RecorderQueue,
		MaxRetries: state.config.Network.RecorderRetry,
		OnRecorded: func(s network.Sample) {
			bus.PublishAsync(eventbus.EventNetworkSample, eventbus.NetworkSampleEvent{
				ClientIP:  s.ClientIP,
				Bandwidth: s.Bandwidth,
				Latency:   s.Latency,
			})
		},
	}, state.logger)
	return nil
}

func initAuthStep(_ context.Context, state *appState) error {
	auth := state.config.Server.Auth
	if !auth.Enabled {
		return nil
	}
	tokens, err := domainauth.NewAuthToken(auth.Secret)
	if err != nil {
		return err
	}
	state.tokens = tokens.WithTTL(auth.TokenTTL)
	return nil
}

func initDeliveryStep(_ context.Context, state *appState) error {
	cfg := state.config

	pipeline, err := domainimage.NewPipeline(domainimage.Options{
		Security:         &cfg.Image.Security,
		Logger:           state.logger,
		ThumbnailSize:    cfg.Image.ThumbnailSize,
		SquareQuality:    cfg.Image.SquareQuality,
		ThumbnailQuality: cfg.Image.ThumbnailQuality,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "services:init-delivery", "failed to create image pipeline", err)
	}

	prefix, err := uploadURLPrefix(cfg.Server.StaticDir, cfg.Image.UploadDir)
	if err != nil {
		return err
	}
	sink, err := asset.NewSink(cfg.Image.UploadDir, prefix)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "services:init-delivery", "failed to prepare upload dir", err)
	}

	levels := compression.Chain{state.registry, compression.FixedLevels(cfg.Compression.Levels)}
	enhancer := enhance.NewService(
		enhance.NewEnhancer(state.runtime, state.logger),
		state.registry,
		state.lineage,
		sink,
		enhance.ServiceConfig{ModelID: cfg.Enhance.ModelID},
		state.logger,
	)

	state.delivery = services.NewDeliveryService(&services.DeliveryConfig{
		Pipeline:        pipeline,
		Resolver:        compression.NewResolver(levels, cfg.Compression.DefaultLevel),
		Registry:        state.registry,
		Runtime:         state.runtime,
		Enhance:         enhancer,
		Lineage:         state.lineage,
		Assets:          sink,
		History:         state.samples,
		Recorder:        state.recorder,
		Events:          state.bus,
		Logger:          state.logger,
		WindowSize:      cfg.Network.WindowSize,
		FallbackSharpen: cfg.Enhance.FallbackSharpen,
	})
	return nil
}

// uploadURLPrefix maps the upload dir onto its URL under /static.
func uploadURLPrefix(staticDir, uploadDir string) (string, error) {
	rel, err := filepath.Rel(staticDir, uploadDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", platformerrors.Newf(
			platformerrors.KindConfig,
			"services:init-delivery",
			"image.upload_dir %q must be inside server.static_dir %q", uploadDir, staticDir,
		)
	}
	if rel == "." {
		return "/static", nil
	}
	return "/static/" + filepath.ToSlash(rel), nil
}

func buildRouter(ctx context.Context, state *appState) (*httptransport.Router, error) {
	opts := httptransport.Options{
		Config:     state.config,
		Logger:     state.logger,
		StaticRoot: state.config.Server.StaticDir,
	}
	if state.tokens != nil {
		opts.AuthMiddleware = httptransport.BearerAuth(state.tokens, domainauth.ScopeEnhance)
	}

	router, err := httptransport.Build(opts)
	if err != nil {
		return nil, err
	}

	router.Engine.NoRoute(func(c *gin.Context) {
		httptransport.RespondError(c, http.StatusNotFound, "not found", gin.H{"path": c.Request.URL.Path})
	})

	svc, err := httpdelivery.NewService(state.delivery, router.Secured, state.logger)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindTransport, "delivery:new-service", "failed to create delivery service", err)
	}
	if err := svc.Register(ctx, router.API); err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindTransport, "delivery:register", "failed to register routes", err)
	}
	return router, nil
}

func startHTTPServer(state *appState, g *errgroup.Group, groupCtx context.Context) (*http.Server, error) {
	router, err := buildRouter(groupCtx, state)
	if err != nil {
		return nil, err
	}

	cfg := state.config
	logger := state.logger
	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.IP, strconv.Itoa(cfg.Server.Port)),
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.InfoTag("HTTP", "listening on http://%s", httpServer.Addr)

		go func() {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.ErrorTag("HTTP", "shutdown failed: %v", err)
			} else {
				logger.InfoTag("HTTP", "server stopped")
			}
		}()

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorTag("HTTP", "server failed: %v", err)
			return err
		}
		return nil
	})

	return httpServer, nil
}

func waitForShutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	logger *utils.Logger,
	g *errgroup.Group,
) error {
	<-ctx.Done()
	logger.InfoTag("BOOT", "shutting down: %v", context.Cause(ctx))

	cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.ErrorTag("BOOT", "shutdown finished with error: %v", err)
			return err
		}
		logger.InfoTag("BOOT", "all services stopped")
	case <-time.After(15 * time.Second):
		logger.ErrorTag("BOOT", "shutdown timed out")
		return errors.New("shutdown timed out")
	}
	return nil
}

// close releases everything the init steps acquired, in reverse order. It
// tolerates a partially initialised state.
func (s *appState) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger := s.logger
	warn := func(what string, err error) {
		if err != nil && logger != nil {
			logger.WarnTag("BOOT", "%s: %v", what, err)
		}
	}

	if s.recorder != nil {
		warn("recorder stop", s.recorder.Stop(ctx))
	}
	if s.bus != nil {
		eventbus.Shutdown()
	}
	if s.runtime != nil {
		warn("runtime close", s.runtime.Close())
	}
	if s.samples != nil {
		warn("sample store close", s.samples.Close(ctx))
	}
	if s.lineage != nil {
		warn("lineage store close", s.lineage.Close(ctx))
	}
	if s.db != nil {
		warn("database close", platformstorage.Close(s.db))
	}
	if s.observabilityShutdown != nil {
		warn("observability shutdown", s.observabilityShutdown(ctx))
	}
	if s.logProvider != nil {
		_ = s.logProvider.Close()
	}
}
