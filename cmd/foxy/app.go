package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nomix/foxy/internal/bus"
	"github.com/nomix/foxy/internal/config"
	"github.com/nomix/foxy/internal/desktop"
	"github.com/nomix/foxy/internal/dispatch"
	"github.com/nomix/foxy/internal/logging"
	"github.com/nomix/foxy/internal/news"
	"github.com/nomix/foxy/internal/orchestrator"
	"github.com/nomix/foxy/internal/quota"
	"github.com/nomix/foxy/internal/reasoning"
	"github.com/nomix/foxy/internal/speech"
	"github.com/nomix/foxy/internal/store"
	"github.com/nomix/foxy/internal/vision"
)

// app is the wired runtime shared by every subcommand.
type app struct {
	loader  *config.Loader
	cfg     *config.Config
	logs    *logging.Logger
	logger  zerolog.Logger
	bus     *bus.EventBus
	store   *store.Gateway
	guard   *quota.Guard
	speech  *speech.Controller
	sampler *vision.Sampler
	orch    *orchestrator.Orchestrator
}

func loadConfig() (*config.Loader, *config.Config, error) {
	loader, err := config.NewLoader(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve config directory: %w", err)
	}
	if err := loader.LoadEnv(); err != nil {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}
	return loader, cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	loader, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	level := logging.Level(cfg.Logging.Level)
	if verbose {
		level = logging.LevelDebug
	}
	logs, err := logging.New(&logging.Config{
		Dir:     cfg.Logging.Dir,
		Level:   level,
		Console: cfg.Logging.Console || verbose,
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		loader: loader,
		cfg:    cfg,
		logs:   logs,
		logger: logs.Zerolog(),
		bus:    bus.New(),
	}

	kv, err := store.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store.NewGateway(kv, logs.Component("store"))
	a.guard = quota.New(a.store, cfg.Quota.GuestDailyLimit, logs.Component("quota"))

	a.speech = newSpeech(ctx, cfg, logs)
	a.sampler = newSampler(cfg, logs, a.bus)

	d := dispatch.New(newReasoner(cfg.Remote, logs.Component("reasoning")), dispatch.Config{
		Timeout:           cfg.Remote.Timeout,
		TitleTimeout:      cfg.Remote.TitleTimeout,
		RetryDelay:        cfg.Remote.RetryDelay,
		RequestsPerMinute: cfg.Remote.RequestsPerMinute,
		MaxContextLength:  cfg.Vision.MaxTextLength,
	}, logs.Component("dispatch"),
		dispatch.WithLauncher(desktop.NewLauncher(logs.Component("desktop"))),
		dispatch.WithContextSource(a.sampler),
	)

	a.orch = orchestrator.New(orchestrator.Deps{
		Speech:     a.speech,
		Vision:     a.sampler,
		News:       newNews(cfg.News, logs.Component("news")),
		Dispatcher: d,
		Store:      a.store,
		Quota:      a.guard,
		Bus:        a.bus,
		Logger:     logs.Component("orchestrator"),
	}, orchestrator.Config{MaxSilenceRetries: cfg.Speech.MaxSilenceRetries})

	if err := a.orch.Start(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("start: %w", err)
	}

	loader.Watch(func(c *config.Config) {
		a.guard.SetLimit(c.Quota.GuestDailyLimit)
		a.logger.Info().Int("guest_daily_limit", c.Quota.GuestDailyLimit).Msg("configuration reloaded")
	})
	return a, nil
}

func newNews(cfg config.NewsConfig, logger zerolog.Logger) *news.Client {
	return news.NewClient(news.Config{
		BaseURL:  cfg.BaseURL,
		APIKey:   cfg.APIKey,
		Country:  cfg.Country,
		PageSize: cfg.PageSize,
		CacheTTL: cfg.CacheTTL,
	}, logger)
}

func newReasoner(cfg config.RemoteConfig, logger zerolog.Logger) reasoning.Reasoner {
	if cfg.Backend == "proxy" {
		return reasoning.NewProxyClient(cfg.ProxyURL, logger)
	}
	return reasoning.NewOpenAIClient(reasoning.OpenAIConfig{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		TitleModel:  cfg.TitleModel,
		VisionModel: cfg.VisionModel,
	}, logger)
}

func newSpeech(ctx context.Context, cfg *config.Config, logs *logging.Logger) *speech.Controller {
	logger := logs.Component("speech")
	transcriber := speech.NewWhisperTranscriber(cfg.Speech.STTBaseURL, cfg.Remote.APIKey, cfg.Speech.STTModel, cfg.Speech.Language)
	rec := speech.NewCommandRecognizer(cfg.Speech.RecordCommand, cfg.Speech.MinAudioBytes, transcriber, logger)
	synth := speech.NewCommandSynthesizer(cfg.Speech.Rate, cfg.Speech.Language, logger)

	policy := speech.DefaultVoicePolicy()
	policy.Language = cfg.Speech.Language
	policy.Vendor = cfg.Speech.PreferredVendor
	policy.Regions = cfg.Speech.PreferredRegions
	policy.QualityMarkers = cfg.Speech.QualityMarkers

	return speech.NewController(rec, synth, speech.LoadCatalog(ctx, synth, logger), speech.Config{Policy: policy}, logger)
}

func newSampler(cfg *config.Config, logs *logging.Logger, b *bus.EventBus) *vision.Sampler {
	logger := logs.Component("vision")
	command := cfg.Vision.CaptureCommand
	if len(command) == 0 {
		command = vision.DefaultCaptureCommand()
	}
	return vision.NewSampler(
		vision.NewCommandSource(command, logger),
		vision.NewTesseractRecognizer(cfg.Vision.TesseractPath, cfg.Vision.OCRLanguages, logger),
		vision.Config{
			Interval:      cfg.Vision.Interval,
			MaxTextLength: cfg.Vision.MaxTextLength,
			MaxWidth:      cfg.Vision.MaxWidth,
		},
		logger,
		vision.WithTextHandler(func(text string) {
			b.Publish(bus.Event{Type: bus.EventVisionText, Data: map[string]any{"text": text}})
		}),
	)
}

// Close stops the loop and releases the store and log file.
func (a *app) Close() {
	if err := a.orch.Close(); err != nil {
		a.logger.Debug().Err(err).Msg("orchestrator close")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("store close failed")
	}
	a.logs.Close()
}
