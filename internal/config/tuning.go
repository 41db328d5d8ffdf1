package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-copilot/internal/parsing"
	"github.com/zombor/receipt-copilot/internal/scanning"
)

// Tuning holds the heuristic constants of extraction and parsing. A tuning
// file only needs the keys it changes; the rest keep their defaults.
type Tuning struct {
	Extraction Extraction `toml:"extraction"`
	Parsing    Parsing    `toml:"parsing"`
	Engine     Engine     `toml:"engine"`
	Batch      Batch      `toml:"batch"`
}

type Extraction struct {
	HighConfidence    float64 `toml:"high_confidence"`
	MinTextLength     int     `toml:"min_text_length"`
	Concurrency       int     `toml:"concurrency"`
	Language          string  `toml:"language"`
	SegModes          []int   `toml:"seg_modes"`
	MinWordConfidence float64 `toml:"min_word_confidence"`
}

type Parsing struct {
	MinTotal  float64 `toml:"min_total"`
	MaxTotal  float64 `toml:"max_total"`
	DateOrder string  `toml:"date_order"`
}

// Engine throttles OCR calls. Zero disables a limit.
type Engine struct {
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	MaxConcurrent     int     `toml:"max_concurrent"`
}

type Batch struct {
	Concurrency int `toml:"concurrency"`
}

// DefaultTuning returns the built-in constants.
func DefaultTuning() Tuning {
	ext := scanning.DefaultOptions()
	modes := make([]int, len(ext.SegModes))
	for i, m := range ext.SegModes {
		modes[i] = int(m)
	}
	return Tuning{
		Extraction: Extraction{
			HighConfidence:    ext.HighConfidence,
			MinTextLength:     ext.MinTextLength,
			Concurrency:       ext.Concurrency,
			Language:          ext.Language,
			SegModes:          modes,
			MinWordConfidence: ext.MinWordConfidence,
		},
		Parsing: Parsing{
			MinTotal:  1,
			MaxTotal:  100000,
			DateOrder: string(parsing.DayFirst),
		},
		Batch: Batch{Concurrency: 2},
	}
}

// LoadTuning reads a TOML tuning file over the defaults. An empty path
// returns the defaults.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("reading tuning file: %w", err)
	}
	if err := toml.Unmarshal(data, &t); err != nil {
		return Tuning{}, fmt.Errorf("parsing tuning file %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, fmt.Errorf("invalid tuning file %s: %w", path, err)
	}
	return t, nil
}

// Validate checks ranges that would otherwise fail silently.
func (t Tuning) Validate() error {
	var errs []error
	if t.Extraction.HighConfidence < 0 || t.Extraction.HighConfidence > 1 {
		errs = append(errs, fmt.Errorf("extraction.high_confidence %v is outside [0,1]", t.Extraction.HighConfidence))
	}
	if t.Extraction.MinTextLength < 0 {
		errs = append(errs, errors.New("extraction.min_text_length must not be negative"))
	}
	if len(t.Extraction.SegModes) == 0 {
		errs = append(errs, errors.New("extraction.seg_modes must not be empty"))
	}
	if t.Parsing.MinTotal > t.Parsing.MaxTotal {
		errs = append(errs, fmt.Errorf("parsing.min_total %v exceeds parsing.max_total %v", t.Parsing.MinTotal, t.Parsing.MaxTotal))
	}
	if _, err := parsing.ParseDateOrder(t.Parsing.DateOrder); err != nil {
		errs = append(errs, fmt.Errorf("parsing.date_order: %w", err))
	}
	return errors.Join(errs...)
}

// ExtractorOptions converts the extraction section.
func (t Tuning) ExtractorOptions() scanning.Options {
	opts := scanning.DefaultOptions()
	opts.HighConfidence = t.Extraction.HighConfidence
	opts.MinTextLength = t.Extraction.MinTextLength
	opts.Concurrency = max(t.Extraction.Concurrency, 1)
	if t.Extraction.Language != "" {
		opts.Language = t.Extraction.Language
	}
	opts.SegModes = make([]scanning.SegMode, len(t.Extraction.SegModes))
	for i, m := range t.Extraction.SegModes {
		opts.SegModes[i] = scanning.SegMode(m)
	}
	opts.MinWordConfidence = t.Extraction.MinWordConfidence
	return opts
}

// ParserOptions converts the parsing section. Call Validate first.
func (t Tuning) ParserOptions() parsing.Options {
	order, _ := parsing.ParseDateOrder(t.Parsing.DateOrder)
	return parsing.Options{
		MinTotal:  decimal.NewFromFloat(t.Parsing.MinTotal),
		MaxTotal:  decimal.NewFromFloat(t.Parsing.MaxTotal),
		DateOrder: order,
	}
}
