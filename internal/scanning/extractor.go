package scanning

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/receipt-copilot/internal/preprocess"
)

// Options tunes the extraction search.
type Options struct {
	// HighConfidence and MinTextLength form the early-exit test: an attempt
	// scoring above the first with more characters than the second ends
	// the search.
	HighConfidence float64
	MinTextLength  int

	// Concurrency is the number of variant/mode combinations in flight.
	// 1 evaluates strictly in order.
	Concurrency int

	Language   string
	EngineMode EngineMode
	SegModes   []SegMode

	// MinWordConfidence filters tokens for ExtractLines, on a 0-100 scale.
	MinWordConfidence float64
}

// DefaultOptions returns the tuned defaults.
func DefaultOptions() Options {
	return Options{
		HighConfidence:    0.8,
		MinTextLength:     20,
		Concurrency:       1,
		Language:          "eng",
		EngineMode:        EngineModeNeural,
		SegModes:          DefaultSegModes,
		MinWordConfidence: 60,
	}
}

// Attempt is the outcome of one variant/mode combination.
type Attempt struct {
	Variant    string  `json:"variant"`
	Mode       SegMode `json:"mode"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	// EngineConfidence is the engine's own mean word confidence on [0,1],
	// zero when the engine does not report one.
	EngineConfidence float64 `json:"engine_confidence"`
}

// Result is the attempt chosen by the search. Text is empty when every
// attempt failed.
type Result struct {
	Attempt
	Evaluated int  `json:"evaluated"`
	Failures  int  `json:"failures"`
	EarlyExit bool `json:"early_exit"`
}

// Line is a run of confident words on one text line.
type Line struct {
	Text string
	// Confidence is the mean of the kept words, on a 0-100 scale.
	Confidence float64
}

// Extractor searches preprocessing variants and segmentation modes for the
// most trustworthy transcription.
type Extractor struct {
	engine   Engine
	registry *preprocess.Registry
	opts     Options
}

// NewExtractor creates an Extractor. A nil registry selects the default pipelines.
func NewExtractor(engine Engine, registry *preprocess.Registry, opts Options) *Extractor {
	if registry == nil {
		registry = preprocess.DefaultRegistry()
	}
	if len(opts.SegModes) == 0 {
		opts.SegModes = DefaultSegModes
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Extractor{engine: engine, registry: registry, opts: opts}
}

// Extract loads the input and runs the search. Unreadable input is returned
// as a *preprocess.InputError; a search where every attempt fails is not
// an error.
func (e *Extractor) Extract(ctx context.Context, in preprocess.Input) (Result, error) {
	img, err := preprocess.Load(in)
	if err != nil {
		return Result{}, err
	}
	return e.ExtractImage(ctx, img)
}

// search holds the shared state of one ExtractImage call.
type search struct {
	mu        sync.Mutex
	attempts  []*Attempt
	cancels   []context.CancelFunc
	exitIdx   int
	evaluated int
	failures  int
}

// stopped reports whether idx comes after an attempt that already
// satisfied the early-exit test.
func (s *search) stopped(idx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitIdx >= 0 && idx > s.exitIdx
}

func (s *search) fail(n int) {
	s.mu.Lock()
	s.failures += n
	s.mu.Unlock()
}

// ExtractImage runs the search on a decoded image.
//
// Combinations are indexed variant-major. When an attempt satisfies the
// early-exit test, every later combination is cancelled while earlier ones
// still finish, so the outcome matches a sequential run.
func (e *Extractor) ExtractImage(ctx context.Context, img *image.NRGBA) (Result, error) {
	pipelines := e.registry.Pipelines()
	modes := e.opts.SegModes
	total := len(pipelines) * len(modes)

	s := &search{
		attempts: make([]*Attempt, total),
		cancels:  make([]context.CancelFunc, total),
		exitIdx:  -1,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

variants:
	for v, p := range pipelines {
		if s.stopped(v*len(modes)) || gctx.Err() != nil {
			break
		}

		cand, err := p.Apply(img)
		var data []byte
		if err == nil {
			data, err = cand.PNG()
		}
		if err != nil {
			slog.Warn("Preprocessing failed", "variant", p.Name, "error", err)
			s.fail(len(modes))
			continue
		}

		for m, mode := range modes {
			idx := v*len(modes) + m
			if s.stopped(idx) {
				break variants
			}
			actx, cancel := context.WithCancel(gctx)
			s.mu.Lock()
			s.cancels[idx] = cancel
			s.mu.Unlock()

			req := Request{
				Image:      data,
				EngineMode: e.opts.EngineMode,
				SegMode:    mode,
				Language:   e.opts.Language,
			}
			variant := p.Name
			g.Go(func() error {
				defer cancel()
				return e.attempt(actx, s, idx, variant, req)
			})
		}
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("extracting text: %w", err)
	}

	return e.pick(s), nil
}

func (e *Extractor) attempt(ctx context.Context, s *search, idx int, variant string, req Request) error {
	if s.stopped(idx) {
		return nil
	}

	rec, err := e.engine.Recognize(ctx, req)
	if err != nil {
		// superseded by an earlier early exit, or cancelled
		if s.stopped(idx) || ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrEngineUnavailable) {
			return fmt.Errorf("recognizing %s/%s with %s: %w", variant, req.SegMode, e.engine.Name(), err)
		}
		slog.Warn("OCR attempt failed",
			"engine", e.engine.Name(),
			"variant", variant,
			"mode", req.SegMode.String(),
			"error", err,
		)
		s.fail(1)
		return nil
	}

	text := normalize(rec.Text)
	a := &Attempt{
		Variant:    variant,
		Mode:       req.SegMode,
		Text:       text,
		Confidence: Score(text),
	}
	if conf, ok := rec.MeanConfidence(); ok {
		a.EngineConfidence = conf
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluated++
	if s.exitIdx >= 0 && idx > s.exitIdx {
		return nil
	}
	s.attempts[idx] = a

	if a.Confidence > e.opts.HighConfidence && utf8.RuneCountInString(text) > e.opts.MinTextLength {
		if s.exitIdx < 0 || idx < s.exitIdx {
			s.exitIdx = idx
			for j := idx + 1; j < len(s.cancels); j++ {
				if s.cancels[j] != nil {
					s.cancels[j]()
				}
			}
		}
	}
	return nil
}

func (e *Extractor) pick(s *search) Result {
	res := Result{Evaluated: s.evaluated, Failures: s.failures}

	if s.exitIdx >= 0 {
		res.Attempt = *s.attempts[s.exitIdx]
		res.EarlyExit = true
		return res
	}

	var best *Attempt
	for _, a := range s.attempts {
		if a != nil && better(a, best) {
			best = a
		}
	}
	if best == nil {
		slog.Warn("All OCR attempts failed", "engine", e.engine.Name(), "failures", s.failures)
		return res
	}
	res.Attempt = *best
	return res
}

// better reports whether a beats the current best. Ties keep the earlier one.
func better(a, best *Attempt) bool {
	if best == nil {
		return true
	}
	if a.Confidence != best.Confidence {
		return a.Confidence > best.Confidence
	}
	la, lb := utf8.RuneCountInString(a.Text), utf8.RuneCountInString(best.Text)
	if la != lb {
		return la > lb
	}
	return a.EngineConfidence > best.EngineConfidence
}

// ExtractLines transcribes the adaptive variant as a text block and keeps
// only words at or above MinWordConfidence. Engines that do not report
// words yield no lines.
func (e *Extractor) ExtractLines(ctx context.Context, in preprocess.Input) ([]Line, error) {
	img, err := preprocess.Load(in)
	if err != nil {
		return nil, err
	}

	p, ok := e.registry.Lookup(preprocess.VariantAdaptive)
	if !ok {
		pipelines := e.registry.Pipelines()
		if len(pipelines) == 0 {
			return nil, errors.New("no preprocessing pipelines registered")
		}
		p = pipelines[0]
	}
	cand, err := p.Apply(img)
	if err != nil {
		return nil, fmt.Errorf("preprocessing for lines: %w", err)
	}
	data, err := cand.PNG()
	if err != nil {
		return nil, err
	}

	rec, err := e.engine.Recognize(ctx, Request{
		Image:      data,
		EngineMode: e.opts.EngineMode,
		SegMode:    SegModeBlock,
		Language:   e.opts.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("recognizing lines: %w", err)
	}
	return CleanLines(rec.Words, e.opts.MinWordConfidence), nil
}

// CleanLines drops words under minConfidence and joins the rest by line.
func CleanLines(words []Word, minConfidence float64) []Line {
	var (
		lines []Line
		index = map[int]int{}
		count []int
	)
	for _, w := range words {
		text := strings.TrimSpace(w.Text)
		if text == "" || w.Confidence < minConfidence {
			continue
		}
		i, ok := index[w.Line]
		if !ok {
			i = len(lines)
			index[w.Line] = i
			lines = append(lines, Line{})
			count = append(count, 0)
		}
		if lines[i].Text != "" {
			lines[i].Text += " "
		}
		lines[i].Text += text
		lines[i].Confidence += w.Confidence
		count[i]++
	}
	for i := range lines {
		lines[i].Confidence /= float64(count[i])
	}
	return lines
}
