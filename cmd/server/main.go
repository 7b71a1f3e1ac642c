package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parable-server/internal/cache"
	"parable-server/internal/config"
	"parable-server/internal/handler"
	"parable-server/internal/logger"
	"parable-server/internal/media"
	"parable-server/internal/messaging"
	"parable-server/internal/models"
	"parable-server/internal/narration"
	"parable-server/internal/narrative"
	"parable-server/internal/platform"
	"parable-server/internal/retry"
	"parable-server/internal/session"
	"parable-server/internal/taskmanager"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// В production .env может отсутствовать
		fmt.Printf("Warning: could not load .env file: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.LogSummary()

	log, err := logger.New(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: cfg.LogOutput,
		Service:    "parable-server",
		Debug:      cfg.Debug,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if err := run(cfg, log); err != nil {
		log.Error("Server stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Server exiting")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := platform.NewResources(log)
	defer func() {
		if err := res.Close(); err != nil {
			log.Error("Failed to close resources", zap.Error(err))
		}
	}()

	catalog, err := session.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	log.Info("Catalog loaded", zap.Int("stories", len(catalog.Stories)), zap.Int("zones", len(catalog.Zones)))

	store, err := res.OpenSessionStore(ctx, cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("open session storage: %w", err)
	}
	store.StartUsageMonitor(ctx, cfg.Storage.CheckInterval)

	genCache, err := res.OpenCache(ctx, cfg.Cache, log)
	if err != nil {
		return fmt.Errorf("open generation cache: %w", err)
	}

	backend, err := newNarrativeBackend(ctx, cfg.Narrative, log)
	if err != nil {
		return err
	}
	if closer, ok := backend.(io.Closer); ok {
		res.AddCloser(closer.Close)
	}
	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.Narrative.MaxRetries
	policy.InitialDelay = cfg.Narrative.RetryDelay
	narrativeClient := narrative.NewClient(backend, narrative.Config{
		Timeout:       cfg.Narrative.Timeout,
		HistoryBudget: cfg.Narrative.HistoryBudget,
		Retry:         policy,
	}, narrative.NewTokenCounter(cfg.Narrative.Model, log), log)

	mediaResolver := newMediaOrchestrator(cfg, genCache, log)

	// События: живые websocket подключения и, если настроен, RabbitMQ.
	hub := handler.NewEventHub(cfg.AllowedOrigins, log)
	defer hub.Close()
	notifiers := messaging.MultiNotifier{hub}
	if cfg.Messaging.RabbitMQURL != "" {
		conn, err := messaging.Connect(ctx, cfg.Messaging.RabbitMQURL, retry.DefaultPolicy(), log)
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		publisher, err := messaging.NewRabbitMQNotifier(conn, cfg.Messaging.Exchange, log)
		if err != nil {
			_ = conn.Close()
			return err
		}
		defer func() {
			_ = publisher.Close()
			_ = conn.Close()
		}()
		notifiers = append(notifiers, publisher)
	}

	tasks := taskmanager.New(taskmanager.Config{MaxTasks: cfg.Tasks.MaxTasks}, log)
	go cleanupTasks(ctx, tasks, cfg.Tasks.CleanupAfter)

	orch := session.NewOrchestrator(narrativeClient, mediaResolver, store, catalog, tasks, notifiers,
		session.Config{ClipUsageWindow: cfg.Clips.UsageWindow}, log)

	hosted := []narration.Speech{
		narration.NewOpenAISpeech(cfg.Narrative.APIKey, "", cfg.Narration.OpenAIModel, log),
		narration.NewElevenLabsSpeech(cfg.Narration.ElevenLabsAPIKey, cfg.Narration.ElevenLabsBaseURL, cfg.Narration.ElevenLabsModel, cfg.Narration.Timeout, log),
	}
	builtin := narration.DefaultCommandSynthesizer()
	builtin.Path = cfg.Narration.SynthesizerCommand
	narrationControl := session.NewNarrationControl(orch, func(s models.Settings, l narration.Listener) *narration.Narrator {
		return narration.NewNarrator(hosted, builtin, genCache, s, narration.Config{Timeout: cfg.Narration.Timeout}, l, log)
	}, notifiers, log)
	defer narrationControl.Close()

	h := handler.NewHandler(orch, narrationControl, genCache, store, hub, log)
	router := handler.NewRouter(handler.RouterConfig{AllowedOrigins: cfg.AllowedOrigins, Debug: cfg.Debug, Metrics: true}, h, log)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Ход ждет нарративный сервис с повторами.
		WriteTimeout: cfg.Narrative.Timeout*time.Duration(cfg.Narrative.MaxRetries+1) + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server forced to shutdown", zap.Error(err))
	}
	// Медиа-задачи дописывают результаты в сессии, поэтому ждем их до закрытия хранилища.
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		log.Warn("Background tasks did not finish in time", zap.Error(err))
	}
	return nil
}

func newNarrativeBackend(ctx context.Context, cfg config.NarrativeConfig, log *zap.Logger) (narrative.Backend, error) {
	switch cfg.Backend {
	case "ollama":
		return narrative.NewOllamaBackend(cfg.BaseURL, cfg.Model, cfg.Temperature, cfg.MaxTokens, cfg.Timeout, log)
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			log.Warn("Gemini API key is not set, every turn will be degraded")
		}
		return narrative.NewGeminiBackend(ctx, cfg.GeminiAPIKey, cfg.Model, float32(cfg.Temperature), cfg.MaxTokens, log)
	default:
		if cfg.APIKey == "" {
			log.Warn("OpenAI API key is not set, every turn will be degraded")
		}
		return narrative.NewOpenAIBackend(cfg.APIKey, cfg.BaseURL, cfg.Model, float32(cfg.Temperature), cfg.MaxTokens, log), nil
	}
}

func newMediaOrchestrator(cfg *config.Config, c *cache.Cache, log *zap.Logger) *media.Orchestrator {
	primary := media.NewOpenAIImageProvider(cfg.Images.APIKey, cfg.Images.PrimaryBaseURL, cfg.Images.PrimaryModel, log)

	var secondary media.ImageProvider
	if cfg.Images.SecondaryURL != "" {
		secondary = media.NewSanaImageProvider(cfg.Images.SecondaryURL, cfg.Images.SecondaryModel, cfg.Images.StyleSuffix, cfg.Images.SecondaryTimeout, log)
	}

	var clips media.ClipProvider
	if cfg.Clips.BaseURL != "" {
		clips = media.NewHTTPClipProvider(media.ClipConfig{
			BaseURL:          cfg.Clips.BaseURL,
			APIKey:           cfg.Clips.APIKey,
			AnimationModels:  cfg.Clips.AnimationModels,
			TextToVideoModel: cfg.Clips.TextToVideoModel,
			PollInterval:     cfg.Clips.PollInterval,
			RequestTimeout:   cfg.Clips.Timeout,
		}, primary, log)
	}

	mcfg := media.DefaultConfig()
	mcfg.ImageTimeout = cfg.Images.Timeout
	mcfg.ClipTimeout = cfg.Clips.Timeout
	mcfg.ClipDuration = cfg.Clips.Duration
	mcfg.MaxClipsPerStory = cfg.Clips.MaxPerStory
	mcfg.ClipUsageWindow = cfg.Clips.UsageWindow
	mcfg.Aspect = cfg.Images.Aspect
	return media.NewOrchestrator(primary, secondary, clips, c, mcfg, log)
}

// cleanupTasks периодически удаляет завершенные задачи из менеджера.
func cleanupTasks(ctx context.Context, tasks *taskmanager.TaskManager, age time.Duration) {
	if age <= 0 {
		return
	}
	ticker := time.NewTicker(age)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := tasks.CleanupTasks(age); n > 0 {
				zap.L().Debug("Finished tasks cleaned up", zap.Int("count", n))
			}
		}
	}
}
