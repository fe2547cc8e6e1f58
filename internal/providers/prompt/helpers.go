package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	staticProviderName = "static"
	openAIProviderName = "openai"
)

type modelEnhancePayload struct {
	Prompt string `json:"prompt"`
}

func buildEnhanceInstruction(req EnhanceRequest) string {
	sb := &strings.Builder{}
	sb.WriteString("Rewrite the following product generation prompt so a text-to-image or text-to-video model produces a polished commercial asset. ")
	sb.WriteString(`Respond strictly with JSON matching {"prompt":string}. Keep it under 80 words and keep the product facts unchanged. `)
	fmt.Fprintf(sb, "mode=%q, style=%q, locale=%q, product_name=%q, category=%q, description=%q, prompt=%q.",
		req.Mode, req.Style, coalesce(req.Locale, "en"), req.ProductName, req.Category, req.Description, req.Prompt)
	return sb.String()
}

func coalesce(values ...string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func parseModelPayload[T any](raw string) (T, error) {
	var zero T
	cleaned := extractJSONFragment(raw)
	if cleaned == "" {
		return zero, errors.New("empty payload")
	}
	var decoded T
	if err := json.Unmarshal([]byte(cleaned), &decoded); err != nil {
		return zero, err
	}
	return decoded, nil
}

func extractJSONFragment(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	text = trimCodeFence(text)
	start := strings.IndexAny(text, "{[")
	end := strings.LastIndexAny(text, "]}")
	if start >= 0 && end >= start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func trimCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```JSON")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
