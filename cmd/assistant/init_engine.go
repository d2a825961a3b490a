package main

import (
	"fmt"
	"log/slog"

	"floorbot/internal/adapter/llm"
	"floorbot/internal/adapter/tokenizer"
	"floorbot/internal/adapter/transcribe"
	"floorbot/internal/domain"
	"floorbot/internal/infra/config"
	"floorbot/internal/usecase"
)

// initEngine wires the conversation engine.
func initEngine(cfg *config.Config, cat *CatalogComponents, sessions *SessionComponents, log *slog.Logger) (*usecase.Engine, error) {
	_, defaultLLM, err := llm.Build(cfg.LLM, log)
	if err != nil {
		return nil, err
	}
	model := defaultModel(cfg.LLM)

	var guard *usecase.TokenGuard
	if cfg.Assistant.MaxContextTokens > 0 {
		counter := tokenizer.New(model, log)
		guard = usecase.NewTokenGuard(usecase.TokenGuardConfig{
			MaxTokens:     cfg.Assistant.MaxContextTokens,
			ReserveTokens: cfg.Assistant.MaxTokens,
		}, counter, log)
		log.Info("token guard enabled", "max_tokens", cfg.Assistant.MaxContextTokens, "exact", counter.Exact())
	}

	transcriber, err := initTranscriber(cfg.Transcription, log)
	if err != nil {
		return nil, err
	}

	return usecase.NewEngine(usecase.EngineDeps{
		LLM:      defaultLLM,
		Tools:    cat.Tools,
		Sessions: sessions.Store,
		ContextBuilder: usecase.NewContextBuilder(usecase.ContextBuilderConfig{
			Model:       model,
			Temperature: cfg.Assistant.Temperature,
			MaxTokens:   cfg.Assistant.MaxTokens,
			MaxHistory:  cfg.Assistant.MaxHistory,
		}),
		Logger:          log,
		Locker:          sessions.Locker,
		Transcriber:     transcriber,
		ErrorClassifier: usecase.NewErrorClassifier(),
		TokenGuard:      guard,
		TurnTimeout:     cfg.Assistant.TurnTimeout,
	}), nil
}

// initTranscriber returns nil when no API key is available: voice turns
// then fail with a transcription error.
func initTranscriber(cfg config.TranscriptionConfig, log *slog.Logger) (domain.Transcriber, error) {
	if cfg.APIKey == "" {
		log.Warn("voice input disabled: no transcription api key")
		return nil, nil
	}
	t, err := transcribe.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("transcription: %w", err)
	}
	log.Info("voice input enabled", "backend", t.Name())
	return t, nil
}

// defaultModel returns the model of the default provider.
func defaultModel(cfg config.LLMConfig) string {
	for _, p := range cfg.Providers {
		if p.Name == cfg.DefaultProvider {
			return p.Model
		}
	}
	return ""
}
