package domain

import "strings"

// Provider selects the backend used for moderation and response generation.
type Provider string

const (
	// ProviderOpenAI uses the hosted OpenAI moderation and chat APIs.
	ProviderOpenAI Provider = "openai"
	// ProviderOllama uses a self-hosted Ollama endpoint.
	ProviderOllama Provider = "ollama"
)

// ParseProvider maps a client supplied provider name, defaulting to OpenAI.
func ParseProvider(s string) Provider {
	if strings.EqualFold(strings.TrimSpace(s), string(ProviderOllama)) {
		return ProviderOllama
	}
	return ProviderOpenAI
}

// ConnectionOptions is the per-session snapshot captured when a connect
// request is accepted. It is passed by value and never mutated afterwards.
type ConnectionOptions struct {
	Provider         Provider
	Model            string
	Credential       string
	EnableModeration bool
	EnableResponse   bool
	Reconnect        bool
}

// DefaultConnectionOptions returns options with both enrichment features on.
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		Provider:         ProviderOpenAI,
		EnableModeration: true,
		EnableResponse:   true,
	}
}
