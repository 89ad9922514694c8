package llm

import (
	"os"
	"strings"
)

// Provider identifies an upstream LLM API.
type Provider string

// Supported providers.
const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderDeepSeek  Provider = "deepseek"
)

// endpoint is one row of the host/path matrix.
type endpoint struct {
	host string
	path string
}

var endpoints = map[Provider]endpoint{
	ProviderAnthropic: {"https://api.anthropic.com", "/v1/messages"},
	ProviderOpenAI:    {"https://api.openai.com", "/v1/chat/completions"},
	ProviderGoogle:    {"https://generativelanguage.googleapis.com", "/v1beta/openai/chat/completions"},
	ProviderDeepSeek:  {"https://api.deepseek.com", "/v1/chat/completions"},
}

// URL returns the full request URL for the provider.
func (p Provider) URL() string {
	ep := endpoints[p]
	return ep.host + ep.path
}

// DetectProvider maps a model name to its provider. The mapping is total:
// unrecognized models fall back to anthropic.
func DetectProvider(model string) Provider {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude-"):
		return ProviderAnthropic
	case strings.HasPrefix(m, "gemini-"):
		return ProviderGoogle
	case strings.HasPrefix(m, "deepseek-"):
		return ProviderDeepSeek
	case strings.HasPrefix(m, "gpt-"),
		strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "o4"):
		return ProviderOpenAI
	default:
		return ProviderAnthropic
	}
}

// APIKeyFromEnv resolves the provider's API key from the environment.
// Google accepts GOOGLE_API_KEY with GEMINI_API_KEY as fallback.
func APIKeyFromEnv(p Provider) string {
	switch p {
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ProviderGoogle:
		if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GEMINI_API_KEY")
	case ProviderDeepSeek:
		return os.Getenv("DEEPSEEK_API_KEY")
	default:
		return ""
	}
}
