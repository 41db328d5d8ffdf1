package receipt

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/receipt-copilot/internal/compliance"
	"github.com/zombor/receipt-copilot/internal/parsing"
	"github.com/zombor/receipt-copilot/internal/preprocess"
)

// BatchItem is one image of a batch.
type BatchItem struct {
	Filename string
	Input    preprocess.Input
	Hints    Hints
}

// BatchResult is the outcome for one BatchItem. A failed item has empty
// text and a non-nil Err.
type BatchResult struct {
	Filename   string             `json:"filename"`
	Text       string             `json:"ocr_text"`
	Variant    string             `json:"variant,omitempty"`
	Mode       string             `json:"mode,omitempty"`
	Confidence float64            `json:"confidence"`
	Fields     parsing.Fields     `json:"fields"`
	Issues     []compliance.Issue `json:"issues"`
	Error      string             `json:"error,omitempty"`
	Err        error              `json:"-"`
}

// AnalyzeBatch analyzes every item with bounded parallelism. The results
// are in input order, one per item, and a failing item never affects the
// others.
func (s *Service) AnalyzeBatch(ctx context.Context, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchLimit)
	for i, item := range items {
		g.Go(func() error {
			results[i] = s.analyzeItem(gctx, item)
			return nil
		})
	}
	// items report their own errors
	_ = g.Wait()

	return results
}

func (s *Service) analyzeItem(ctx context.Context, item BatchItem) BatchResult {
	result := BatchResult{Filename: item.Filename, Issues: []compliance.Issue{}}

	analysis, err := s.Analyze(ctx, item.Input, item.Hints)
	if err != nil {
		slog.Warn("Batch item failed", "filename", item.Filename, "error", err)
		result.Err = err
		result.Error = err.Error()
		return result
	}

	result.Text = analysis.Extraction.Text
	result.Variant = analysis.Extraction.Variant
	result.Mode = analysis.Extraction.Mode.String()
	result.Confidence = analysis.Extraction.Confidence
	result.Fields = analysis.Fields
	result.Issues = analysis.Issues
	return result
}
