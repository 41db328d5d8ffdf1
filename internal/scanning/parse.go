package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseTranscriptJSON extracts the transcription from an LLM response
func parseTranscriptJSON(text string) (string, error) {
	text = strings.TrimSpace(text)

	// Remove opening markdown code blocks
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return "", fmt.Errorf("invalid JSON object in response")
	}

	var data struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal([]byte(text[startIdx:endIdx+1]), &data); err != nil {
		return "", fmt.Errorf("unmarshaling json: %w", err)
	}
	if data.Text == nil {
		return "", fmt.Errorf("response has no text field")
	}
	return *data.Text, nil
}
