package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		model string
		want  Provider
	}{
		{"claude-sonnet-4-20250514", ProviderAnthropic},
		{"claude-3-5-haiku-20241022", ProviderAnthropic},
		{"Claude-Opus-4", ProviderAnthropic},
		{"gemini-2.0-flash", ProviderGoogle},
		{"gemini-1.5-pro", ProviderGoogle},
		{"deepseek-chat", ProviderDeepSeek},
		{"deepseek-reasoner", ProviderDeepSeek},
		{"gpt-4o", ProviderOpenAI},
		{"gpt-4o-mini", ProviderOpenAI},
		{"o1-preview", ProviderOpenAI},
		{"o3-mini", ProviderOpenAI},
		{"o4-mini", ProviderOpenAI},
		// Unknown names fall back to anthropic rather than failing.
		{"llama-3.1-70b", ProviderAnthropic},
		{"", ProviderAnthropic},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectProvider(tt.model))
		})
	}
}

func TestProviderURL(t *testing.T) {
	assert.Equal(t, "https://api.anthropic.com/v1/messages", ProviderAnthropic.URL())
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", ProviderOpenAI.URL())
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions", ProviderGoogle.URL())
	assert.Equal(t, "https://api.deepseek.com/v1/chat/completions", ProviderDeepSeek.URL())
}

func TestAPIKeyFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "ant-key")
	t.Setenv("OPENAI_API_KEY", "oai-key")
	t.Setenv("DEEPSEEK_API_KEY", "ds-key")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "gem-key")

	assert.Equal(t, "ant-key", APIKeyFromEnv(ProviderAnthropic))
	assert.Equal(t, "oai-key", APIKeyFromEnv(ProviderOpenAI))
	assert.Equal(t, "ds-key", APIKeyFromEnv(ProviderDeepSeek))
	// GOOGLE_API_KEY unset falls back to GEMINI_API_KEY.
	assert.Equal(t, "gem-key", APIKeyFromEnv(ProviderGoogle))

	t.Setenv("GOOGLE_API_KEY", "goog-key")
	assert.Equal(t, "goog-key", APIKeyFromEnv(ProviderGoogle))
}

func TestUsageAdd(t *testing.T) {
	total := &Usage{}
	total.Add(&Usage{InputTokens: 10, OutputTokens: 5})
	total.Add(&Usage{InputTokens: 3, OutputTokens: 7})
	total.Add(nil)

	assert.Equal(t, 13, total.InputTokens)
	assert.Equal(t, 12, total.OutputTokens)
}
