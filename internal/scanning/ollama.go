package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"
	"time"
)

// Ollama transcribes receipts with a local vision model served by Ollama.
// Models with decent OCR: qwen2.5vl, llava:1.6, minicpm-v.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates a new Ollama engine
func NewOllama(baseURL string, modelName string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "qwen2.5vl"
	}

	return &Ollama{
		baseURL: baseURL,
		model:   modelName,
		client: &http.Client{
			Timeout: 120 * time.Second, // vision models are slow on CPU
		},
	}
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

func (o *Ollama) Name() string { return "ollama" }

// Recognize sends the image with a transcription prompt
func (o *Ollama) Recognize(ctx context.Context, req Request) (Recognition, error) {
	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Format: "json",
		Options: map[string]any{
			"temperature": 0,
		},
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You read receipts and transcribe them character for character.",
			},
			{
				Role:    "user",
				Content: fmt.Sprintf(transcriptionPrompt, layoutHint(req.SegMode)),
				Images:  []string{base64.StdEncoding.EncodeToString(req.Image)},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Recognition{}, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return Recognition{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return Recognition{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
		}
		return Recognition{}, fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
		if resp.StatusCode == http.StatusNotFound {
			// model not pulled
			return Recognition{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
		}
		return Recognition{}, err
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return Recognition{}, fmt.Errorf("decoding response: %w", err)
	}

	text, err := parseTranscriptJSON(chatResp.Message.Content)
	if err != nil {
		return Recognition{}, fmt.Errorf("parsing transcription: %w", err)
	}
	return Recognition{Text: text}, nil
}

// Close is a no-op for the HTTP client
func (o *Ollama) Close() error {
	return nil
}
