package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
)

type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatCSV      Format = "csv"
)

var ErrUnknownFormat = errors.New("unknown output format")

var formatInstructions = map[Format]string{
	FormatJSON:     "Respond only with valid JSON. Do not include any text before or after the JSON and do not wrap it in code fences.",
	FormatMarkdown: "Respond only with well-formed Markdown. Do not wrap the answer in code fences.",
	FormatHTML:     "Respond only with an HTML fragment. Do not include <html>, <head> or <body> tags and do not wrap it in code fences.",
	FormatCSV:      "Respond only with CSV. The first line must be the header row. Do not include any other text and do not wrap it in code fences.",
}

func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := formatInstructions[f]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
	return f, nil
}

// GenerateStructuredOutput asks for the answer in format and decodes JSON
// answers. Undecodable JSON is logged and returned as raw text.
func (c *Client) GenerateStructuredOutput(ctx context.Context, prompt string, format Format, opts domain.GenerateOptions) (any, error) {
	_, output, err := c.GenerateStructured(ctx, prompt, format, opts)
	return output, err
}

// GenerateStructured is GenerateStructuredOutput that also returns the
// underlying call result, with usage, cost and cache outcome.
func (c *Client) GenerateStructured(ctx context.Context, prompt string, format Format, opts domain.GenerateOptions) (*Result, any, error) {
	instruction, ok := formatInstructions[format]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	res, err := c.Generate(ctx, prompt+"\n\n"+instruction, opts)
	if err != nil {
		return nil, nil, err
	}

	if format != FormatJSON {
		return res, res.Text, nil
	}

	value, err := decodeJSON(res.Text)
	if err != nil {
		c.logger.Warn("structured output is not valid JSON, returning raw text",
			"request_id", res.RequestID,
			"error", err,
		)
		return res, res.Text, nil
	}
	return res, value, nil
}

func decodeJSON(text string) (any, error) {
	body := stripCodeFence(text)

	var value any
	err := json.Unmarshal([]byte(body), &value)
	if err == nil {
		return value, nil
	}

	// Models sometimes wrap the document in prose.
	if inner, ok := outermostJSON(body); ok {
		if json.Unmarshal([]byte(inner), &value) == nil {
			return value, nil
		}
	}
	return nil, fmt.Errorf("%w: %w", domain.ErrParse, err)
}

func stripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func outermostJSON(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}

	closing := "}"
	if s[start] == '[' {
		closing = "]"
	}
	end := strings.LastIndex(s, closing)
	if end <= start {
		return "", false
	}
	return s[start : end+1], true
}
