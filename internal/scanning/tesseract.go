package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Tesseract recognizes text with a local Tesseract install through gosseract.
// A new client is created per call, so one Tesseract is safe to share.
type Tesseract struct {
	clientFactory func() *gosseract.Client
	tessdataDir   string
}

// NewTesseract creates a Tesseract engine. tessdataDir may be empty to use
// the library default.
func NewTesseract(tessdataDir string) *Tesseract {
	return &Tesseract{clientFactory: gosseract.NewClient, tessdataDir: tessdataDir}
}

func (t *Tesseract) Name() string { return "tesseract" }

// Recognize runs one Tesseract pass. gosseract initializes with the default
// OEM, which is the LSTM recognizer for current traineddata; legacy modes
// are rejected rather than silently ignored.
func (t *Tesseract) Recognize(ctx context.Context, req Request) (Recognition, error) {
	if err := ctx.Err(); err != nil {
		return Recognition{}, err
	}
	if req.EngineMode == EngineModeLegacy || req.EngineMode == EngineModeCombined {
		return Recognition{}, fmt.Errorf("tesseract: engine mode %d needs legacy traineddata", req.EngineMode)
	}

	c := t.clientFactory()
	defer c.Close()

	if t.tessdataDir != "" {
		if err := c.SetTessdataPrefix(t.tessdataDir); err != nil {
			return Recognition{}, fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	if req.Language != "" {
		if err := c.SetLanguage(strings.Split(req.Language, "+")...); err != nil {
			return Recognition{}, fmt.Errorf("set languages: %w", err)
		}
	}
	if err := c.SetPageSegMode(gosseract.PageSegMode(req.SegMode)); err != nil {
		return Recognition{}, fmt.Errorf("set page segmentation mode: %w", err)
	}
	if err := c.SetImageFromBytes(req.Image); err != nil {
		return Recognition{}, fmt.Errorf("set image: %w", err)
	}

	text, err := c.Text()
	if err != nil {
		// Initialization failures mean no traineddata or a broken install
		if strings.Contains(err.Error(), "TessBaseAPI") {
			return Recognition{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
		}
		return Recognition{}, fmt.Errorf("recognize text: %w", err)
	}

	return Recognition{Text: text, Words: tesseractWords(c)}, nil
}

func tesseractWords(c *gosseract.Client) []Word {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		slog.Debug("Failed to read word boxes", "error", err)
		return nil
	}
	if len(boxes) == 0 {
		return nil
	}

	type lineKey struct{ block, par, line int }
	lines := map[lineKey]int{}
	words := make([]Word, 0, len(boxes))
	for _, b := range boxes {
		key := lineKey{b.BlockNum, b.ParNum, b.LineNum}
		n, ok := lines[key]
		if !ok {
			n = len(lines)
			lines[key] = n
		}
		words = append(words, Word{
			Text:       b.Word,
			Confidence: b.Confidence,
			Bounds:     b.Box,
			Line:       n,
		})
	}
	return words
}

func (t *Tesseract) Close() error { return nil }
