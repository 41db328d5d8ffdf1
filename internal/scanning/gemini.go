package scanning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// transcriptionPrompt is shared by the LLM backends. Layout hints vary with
// the segmentation mode so each mode still yields a distinct attempt.
const transcriptionPrompt = `You are an OCR engine. Transcribe every character of text visible in this receipt image exactly as printed.

Rules:
- Do not correct spelling, totals or dates. Do not translate.
- Keep currency symbols, punctuation and digit grouping as printed.
- %s

Return ONLY valid JSON in this exact format:
{"text": "<the transcription, lines separated by \n>"}

Do not include any text before or after the JSON and do not use markdown code blocks.`

func layoutHint(mode SegMode) string {
	switch mode {
	case SegModeSingleWord:
		return "Treat the image as a single word or short token and return only that."
	case SegModeRawLine:
		return "Treat the image as one raw line of text; join everything onto one line."
	default:
		return "Preserve the printed line breaks, one receipt line per output line."
	}
}

// Gemini transcribes receipts with a Google Gemini vision model. It reports
// no per-word confidence.
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	timeout time.Duration
}

// NewGemini creates a new Gemini engine
func NewGemini(ctx context.Context, apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: gemini api key is required", ErrEngineUnavailable)
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &Gemini{
		client:  client,
		model:   model,
		timeout: 30 * time.Second,
	}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// Recognize sends the image with a transcription prompt
func (g *Gemini) Recognize(ctx context.Context, req Request) (Recognition, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// genai.ImageData expects just the format suffix, candidates are always PNG
	parts := []genai.Part{
		genai.ImageData("png", req.Image),
		genai.Text(fmt.Sprintf(transcriptionPrompt, layoutHint(req.SegMode))),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		if fatalAPIError(err) {
			return Recognition{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
		}
		return Recognition{}, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return Recognition{}, fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	text, err := parseTranscriptJSON(responseText.String())
	if err != nil {
		return Recognition{}, fmt.Errorf("parsing transcription: %w", err)
	}
	return Recognition{Text: text}, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
