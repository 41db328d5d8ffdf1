package scanning

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// ErrEngineUnavailable marks failures that no other variant or mode can
// recover from, such as missing language data or rejected credentials.
var ErrEngineUnavailable = errors.New("ocr engine unavailable")

// EngineMode selects the recognizer inside the engine. Values follow
// Tesseract's OEM numbering.
type EngineMode int

const (
	EngineModeLegacy   EngineMode = 0
	EngineModeNeural   EngineMode = 1
	EngineModeCombined EngineMode = 2
	EngineModeDefault  EngineMode = 3
)

// SegMode is a page layout hint. Values follow Tesseract's PSM numbering.
type SegMode int

const (
	SegModeBlock      SegMode = 6
	SegModeSingleWord SegMode = 8
	SegModeRawLine    SegMode = 13
)

// DefaultSegModes is the order in which layouts are tried.
var DefaultSegModes = []SegMode{SegModeBlock, SegModeSingleWord, SegModeRawLine}

func (m SegMode) String() string {
	switch m {
	case SegModeBlock:
		return "block"
	case SegModeSingleWord:
		return "single-word"
	case SegModeRawLine:
		return "raw-line"
	default:
		return fmt.Sprintf("psm-%d", int(m))
	}
}

// Request is a single recognition call.
type Request struct {
	// Image is a PNG encoded, single-channel image.
	Image      []byte
	EngineMode EngineMode
	SegMode    SegMode
	// Language uses Tesseract codes; "eng+hin" selects several.
	Language string
}

// Word is one recognized token.
type Word struct {
	Text string
	// Confidence is on a 0-100 scale.
	Confidence float64
	Bounds     image.Rectangle
	// Line numbers the text line the word belongs to, in reading order.
	Line int
}

// Recognition is what an engine returns for one request.
type Recognition struct {
	Text string
	// Words is nil when the engine cannot report per-token confidence.
	Words []Word
}

// MeanConfidence averages word confidences onto [0,1].
func (r Recognition) MeanConfidence() (float64, bool) {
	if len(r.Words) == 0 {
		return 0, false
	}
	var sum float64
	for _, w := range r.Words {
		sum += w.Confidence
	}
	mean := sum / float64(len(r.Words)) / 100
	return max(0, min(mean, 1)), true
}

// Engine is an OCR backend. Implementations must be safe for concurrent use.
type Engine interface {
	// Name identifies the backend in logs
	Name() string
	// Recognize transcribes the image
	Recognize(ctx context.Context, req Request) (Recognition, error)
	// Close releases resources
	Close() error
}
