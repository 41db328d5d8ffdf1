package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-copilot/internal/compliance"
	"github.com/zombor/receipt-copilot/internal/config"
	"github.com/zombor/receipt-copilot/internal/parsing"
	"github.com/zombor/receipt-copilot/internal/receipt"
	"github.com/zombor/receipt-copilot/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: loading .env: %v\n", err)
	}

	flags := ff.NewFlagSet("receipt-copilot")
	var (
		port              = flags.IntLong("port", 8080, "HTTP server port")
		dbPath            = flags.StringLong("db", "receipt-copilot.db", "Database file path")
		storagePath       = flags.StringLong("storage", "./receipts", "Storage directory path")
		tuningPath        = flags.StringLong("tuning", "", "TOML file overriding extraction and parsing constants")
		logLevel          = flags.StringLong("log-level", "info", "Log level: debug, info, warn, error")
		engineKind        = flags.StringLong("engine", "tesseract", "OCR engine: tesseract, vision, gemini or ollama")
		tessdata          = flags.StringLong("tessdata", "", "Tesseract tessdata directory (default: system)")
		visionCredentials = flags.StringLong("vision-credentials", "", "Google Cloud credentials file (default: application default credentials)")
		geminiKey         = flags.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel       = flags.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL         = flags.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel       = flags.StringLong("ollama-model", "qwen2.5vl", "Ollama vision model name")
		authUser          = flags.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass          = flags.StringLong("auth-pass", "", "Basic auth password (optional)")
		_                 = flags.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(flags, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_COPILOT"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(flags))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	tuning, err := config.LoadTuning(*tuningPath)
	if err != nil {
		slog.Error("Failed to load tuning", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Initializing database...")
	db, err := receipt.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	key := *geminiKey
	if key == "" {
		key = os.Getenv("GEMINI_API_KEY")
	}
	engine, err := scanning.NewEngine(ctx, scanning.EngineConfig{
		Kind:              *engineKind,
		TessdataDir:       *tessdata,
		VisionCredentials: *visionCredentials,
		GeminiKey:         key,
		GeminiModel:       *geminiModel,
		OllamaURL:         *ollamaURL,
		OllamaModel:       *ollamaModel,
		RequestsPerSecond: tuning.Engine.RequestsPerSecond,
		Burst:             tuning.Engine.Burst,
		MaxConcurrent:     tuning.Engine.MaxConcurrent,
	})
	if err != nil {
		slog.Error("Failed to initialize OCR engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	slog.Info("Initializing storage...")
	store, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	parser := parsing.New(tuning.ParserOptions())
	receiptService := receipt.NewService(db, scanning.NewExtractor(engine, nil, tuning.ExtractorOptions()), store, receipt.Options{
		Parser:           parser,
		Evaluator:        compliance.New(parser.Options().DateOrder),
		BatchConcurrency: tuning.Batch.Concurrency,
	})

	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(receiptService, basicAuth, version)

	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "engine", engine.Name(), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	<-ctx.Done()
	slog.Info("Shutting down...")
}
