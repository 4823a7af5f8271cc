package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/eleven-am/companion-backend/internal/asr"
	"github.com/eleven-am/companion-backend/internal/chat"
	"github.com/eleven-am/companion-backend/internal/delivery"
	"github.com/eleven-am/companion-backend/internal/health"
	"github.com/eleven-am/companion-backend/internal/llm"
	"github.com/eleven-am/companion-backend/internal/observability"
	"github.com/eleven-am/companion-backend/internal/preferences"
	"github.com/eleven-am/companion-backend/internal/segment"
	"github.com/eleven-am/companion-backend/internal/session"
	"github.com/eleven-am/companion-backend/internal/shared"
	"github.com/eleven-am/companion-backend/internal/synthesis"
	"github.com/eleven-am/companion-backend/internal/tasks"
	"go.uber.org/fx"
)

func ProvideGenerator(cfg *Config, logger *slog.Logger) (llm.Generator, error) {
	client, err := llm.NewOpenAIClient(llm.Config{
		BaseURL:      cfg.LLMBaseURL,
		APIKey:       cfg.LLMAPIKey,
		Model:        cfg.LLMModel,
		SystemPrompt: cfg.LLMSystemPrompt,
		Temperature:  cfg.LLMTemperature,
		MaxTokens:    cfg.LLMMaxTokens,
		Timeout:      cfg.LLMTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func ProvideSynthesisClient(cfg *Config, logger *slog.Logger) (*synthesis.Client, error) {
	return synthesis.New(synthesis.Config{
		BaseURL: cfg.TTSBaseURL,
		Token:   cfg.TTSToken,
		Timeout: cfg.TTSTimeout,
		Backoff: shared.BackoffConfig{
			Initial:     cfg.TTSRetryDelay,
			MaxAttempts: cfg.TTSRetries,
			MaxDelay:    cfg.TTSRetryMaxDelay,
		},
	}, logger)
}

func ProvideRegistry(lc fx.Lifecycle, cfg *Config, metrics *observability.Metrics, logger *slog.Logger) *tasks.Registry {
	r := tasks.NewRegistry(tasks.Config{
		Workers:       cfg.TaskWorkers,
		ShutdownGrace: cfg.TaskShutdownGrace,
		Metrics:       metrics,
	}, logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return r.Shutdown(ctx)
		},
	})
	return r
}

func segmentOptions(cfg *Config) ([]segment.Option, error) {
	var opts []segment.Option
	if cfg.SegmentTerminator != "" {
		re, err := regexp.Compile(cfg.SegmentTerminator)
		if err != nil {
			return nil, fmt.Errorf("SEGMENT_TERMINATOR: %w", err)
		}
		opts = append(opts, segment.WithTerminator(re))
	}
	if cfg.AnnotationOpen != "" && cfg.AnnotationClose != "" {
		opts = append(opts, segment.WithAnnotationMarkers(cfg.AnnotationOpen, cfg.AnnotationClose))
	}
	return opts, nil
}

type DispatcherParams struct {
	fx.In

	Config      *Config
	Registry    *tasks.Registry
	Generator   llm.Generator
	Synthesizer *synthesis.Client
	Preferences *preferences.Store
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

func ProvideDispatcher(p DispatcherParams) (*delivery.Dispatcher, error) {
	opts, err := segmentOptions(p.Config)
	if err != nil {
		return nil, err
	}
	return delivery.NewDispatcher(delivery.DispatcherConfig{
		Registry:       p.Registry,
		Generator:      p.Generator,
		Synthesizer:    p.Synthesizer,
		Preferences:    p.Preferences,
		Registrations:  delivery.DefaultRegistrations(),
		SegmentOptions: opts,
		DefaultVoice: delivery.Voice{
			SpeakerID: p.Config.DefaultSpeaker,
			Speed:     p.Config.DefaultSpeed,
			Format:    p.Config.DefaultFormat,
		},
		SynthesisTimeout: p.Config.SynthesisTimeout,
		Metrics:          p.Metrics,
		Log:              p.Logger,
	}), nil
}

// ProvideGateway builds the recognition gateway without hooks. The chat
// service installs them once it exists.
func ProvideGateway(lc fx.Lifecycle, cfg *Config, metrics *observability.Metrics, logger *slog.Logger) *asr.Gateway {
	g := asr.NewGateway(asr.Config{
		URL:                  cfg.ASRURL,
		Token:                cfg.ASRToken,
		ConnectTimeout:       cfg.ASRConnectTimeout,
		ReconnectDelay:       cfg.ASRReconnectDelay,
		MaxReconnectAttempts: cfg.ASRMaxReconnects,
		CommitConfidence:     cfg.ASRCommitConfidence,
	}, &asr.WSDialer{
		URL:              cfg.ASRURL,
		Token:            cfg.ASRToken,
		HandshakeTimeout: cfg.ASRConnectTimeout,
	}, asr.Hooks{}, metrics, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return g.Close()
		},
	})
	return g
}

func ProvideHub(logger *slog.Logger) *chat.Hub {
	return chat.NewHub(logger)
}

type ChatServiceParams struct {
	fx.In

	Dispatcher *delivery.Dispatcher
	Gateway    *asr.Gateway
	Sessions   *session.Store
	Health     *health.Handler
	Hub        *chat.Hub
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

func ProvideChatService(lc fx.Lifecycle, p ChatServiceParams) *chat.Service {
	svc := chat.NewService(chat.ServiceConfig{
		Dispatcher: p.Dispatcher,
		Recognizer: p.Gateway,
		Sessions:   p.Sessions,
		Status:     p.Health,
		Hub:        p.Hub,
		Metrics:    p.Metrics,
		Logger:     p.Logger,
	})
	p.Gateway.SetHooks(svc.RecognitionHooks())
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			svc.Close()
			return nil
		},
	})
	return svc
}

func ProvideChatHandler(svc *chat.Service, metrics *observability.Metrics, logger *slog.Logger) *chat.Handler {
	return chat.NewHandler(svc, metrics, logger)
}

var ChatModule = fx.Options(
	fx.Provide(
		ProvideGenerator,
		ProvideSynthesisClient,
		ProvideRegistry,
		ProvideDispatcher,
		ProvideGateway,
		ProvideHub,
		ProvideChatService,
		ProvideChatHandler,
	),
)
