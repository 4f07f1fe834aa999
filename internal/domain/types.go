package domain

import "time"

// GenerateOptions are the per-call knobs passed down to a provider adapter.
// Fields tagged "-" never influence the response and are kept out of cache keys.
type GenerateOptions struct {
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
	Stop         []string `json:"stop,omitempty"`

	UserKey   string        `json:"-"`
	RequestID string        `json:"-"`
	Timeout   time.Duration `json:"-"`
	SkipCache bool          `json:"-"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// Completion is a provider's answer to a single text generation call.
type Completion struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// GlobalUserKey is the rate-limit key used when a call carries no user.
const GlobalUserKey = "global"
