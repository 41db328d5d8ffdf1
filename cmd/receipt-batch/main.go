package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-copilot/internal/compliance"
	"github.com/zombor/receipt-copilot/internal/config"
	"github.com/zombor/receipt-copilot/internal/parsing"
	"github.com/zombor/receipt-copilot/internal/preprocess"
	"github.com/zombor/receipt-copilot/internal/receipt"
	"github.com/zombor/receipt-copilot/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: loading .env: %v\n", err)
	}

	flags := ff.NewFlagSet("receipt-batch")
	var (
		format            = flags.StringLong("format", "csv", "Output format: csv, xlsx or json")
		output            = flags.StringLong("output", "", "Output file (default: stdout; required for xlsx)")
		tuningPath        = flags.StringLong("tuning", "", "TOML file overriding extraction and parsing constants")
		logLevel          = flags.StringLong("log-level", "warn", "Log level: debug, info, warn, error")
		engineKind        = flags.StringLong("engine", "tesseract", "OCR engine: tesseract, vision, gemini or ollama")
		tessdata          = flags.StringLong("tessdata", "", "Tesseract tessdata directory (default: system)")
		visionCredentials = flags.StringLong("vision-credentials", "", "Google Cloud credentials file")
		geminiKey         = flags.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel       = flags.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL         = flags.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel       = flags.StringLong("ollama-model", "qwen2.5vl", "Ollama vision model name")
		showVersion       = flags.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(flags, args, ff.WithEnvVarPrefix("RECEIPT_BATCH")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(flags))
		return err
	}
	if *showVersion {
		fmt.Fprintln(stdout, version)
		return nil
	}

	paths := flags.GetArgs()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(flags))
		return errors.New("no receipt files given")
	}
	*format = strings.ToLower(*format)
	switch *format {
	case "csv", "json":
	case "xlsx":
		if *output == "" {
			return errors.New("--output is required for xlsx")
		}
	default:
		return fmt.Errorf("unknown format %q: valid formats are csv, xlsx, json", *format)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", *logLevel)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	tuning, err := config.LoadTuning(*tuningPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
		return err
	}
	defer engine.Close()

	parser := parsing.New(tuning.ParserOptions())
	service := receipt.NewService(nil, scanning.NewExtractor(engine, nil, tuning.ExtractorOptions()), nil, receipt.Options{
		Parser:           parser,
		Evaluator:        compliance.New(parser.Options().DateOrder),
		BatchConcurrency: tuning.Batch.Concurrency,
	})

	items := make([]receipt.BatchItem, len(paths))
	for i, p := range paths {
		items[i] = receipt.BatchItem{Filename: filepath.Base(p), Input: preprocess.Path(p)}
	}

	slog.Info("Analyzing receipts", "count", len(items), "engine", engine.Name())
	results := service.AnalyzeBatch(ctx, items)

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	slog.Info("Batch finished", "count", len(results), "failed", failed)

	out := stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer f.Close()
		out = f
	}

	switch *format {
	case "xlsx":
		return receipt.WriteXLSX(out, results)
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	default:
		return receipt.WriteCSV(out, results)
	}
}
