package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/strongdm/aos/internal/config"
)

// DecodeBounded parses JSON after a payload-size guard: anything larger than
// the configured limit is rejected without parsing.
func DecodeBounded(data []byte, v any) error {
	if len(data) > config.MaxJSONPayloadBytes {
		return fmt.Errorf("json payload too large: %d bytes (limit %d)", len(data), config.MaxJSONPayloadBytes)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// StripCodeFences removes a surrounding markdown code fence (``` or
// ```json), leaving bare content untouched.
func StripCodeFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if idx := strings.IndexByte(t, '\n'); idx >= 0 {
		// Drop the language tag line.
		t = t[idx+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

// ExtractOutputText prefers a top-level output_text field; when that is
// absent or whitespace-only it walks the output array for message items and
// concatenates their output_text content.
func ExtractOutputText(raw map[string]any) string {
	if s, _ := raw["output_text"].(string); strings.TrimSpace(s) != "" {
		return s
	}
	var sb strings.Builder
	items, _ := raw["output"].([]any)
	for _, itemAny := range items {
		item, ok := itemAny.(map[string]any)
		if !ok {
			continue
		}
		if typ, _ := item["type"].(string); typ != "message" {
			continue
		}
		content, _ := item["content"].([]any)
		for _, cAny := range content {
			c, ok := cAny.(map[string]any)
			if !ok {
				continue
			}
			if ct, _ := c["type"].(string); ct == "output_text" {
				if text, _ := c["text"].(string); text != "" {
					sb.WriteString(text)
				}
			}
		}
	}
	return sb.String()
}

// ExtractReasoningSummary concatenates reasoning summary_text entries from
// the output array.
func ExtractReasoningSummary(raw map[string]any) string {
	var parts []string
	items, _ := raw["output"].([]any)
	for _, itemAny := range items {
		item, ok := itemAny.(map[string]any)
		if !ok {
			continue
		}
		if typ, _ := item["type"].(string); typ != "reasoning" {
			continue
		}
		summary, _ := item["summary"].([]any)
		for _, sAny := range summary {
			s, ok := sAny.(map[string]any)
			if !ok {
				continue
			}
			if st, _ := s["type"].(string); st == "summary_text" {
				if text, _ := s["text"].(string); strings.TrimSpace(text) != "" {
					parts = append(parts, text)
				}
			}
		}
	}
	return strings.Join(parts, "\n\n")
}
