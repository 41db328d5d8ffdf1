package scanning

import (
	"context"
	"fmt"
	"log/slog"
)

// EngineConfig selects and configures an engine backend.
type EngineConfig struct {
	// Kind is one of tesseract, vision, gemini or ollama.
	Kind string

	TessdataDir       string
	VisionCredentials string
	GeminiKey         string
	GeminiModel       string
	OllamaURL         string
	OllamaModel       string

	// RequestsPerSecond throttles calls when positive.
	RequestsPerSecond float64
	Burst             int

	// MaxConcurrent caps calls in flight across all images when positive.
	MaxConcurrent int
}

// NewEngine builds the configured backend wrapped in its limiters.
func NewEngine(ctx context.Context, cfg EngineConfig) (Engine, error) {
	var (
		engine Engine
		err    error
	)
	switch cfg.Kind {
	case "", "tesseract":
		slog.Info("Initializing Tesseract engine...", "tessdata", cfg.TessdataDir)
		engine = NewTesseract(cfg.TessdataDir)
	case "vision":
		slog.Info("Initializing Cloud Vision engine...")
		engine, err = NewVision(ctx, cfg.VisionCredentials)
	case "gemini":
		slog.Info("Initializing Gemini engine...", "model", cfg.GeminiModel)
		engine, err = NewGemini(ctx, cfg.GeminiKey, cfg.GeminiModel)
	case "ollama":
		slog.Info("Initializing Ollama engine...", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		engine = NewOllama(cfg.OllamaURL, cfg.OllamaModel)
	default:
		return nil, fmt.Errorf("unknown engine %q: valid engines are tesseract, vision, gemini, ollama", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s engine: %w", cfg.Kind, err)
	}

	engine = Throttle(engine, cfg.RequestsPerSecond, cfg.Burst)
	return Limit(engine, cfg.MaxConcurrent), nil
}
