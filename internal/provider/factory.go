package provider

import (
	"net/http"
	"strings"

	"github.com/ashureev/liverelay/internal/domain"
	"github.com/ashureev/liverelay/internal/enrich"
)

// Defaults for the hosted and self-hosted backends.
const (
	DefaultOpenAIBaseURL   = "https://api.openai.com/v1"
	DefaultModerationModel = "text-moderation-latest"
	DefaultChatModel       = "gpt-4o-mini"
	DefaultOllamaHost      = "http://localhost:11434"
	DefaultOllamaModel     = "llama3"
)

// Config holds server-side provider settings.
type Config struct {
	OpenAIKey       string
	OpenAIBaseURL   string
	ModerationModel string
	ChatModel       string
	OllamaHost      string
	OllamaModel     string
	SystemPrompt    string
	HTTPClient      *http.Client
}

// Factory builds the per-session provider strategy.
type Factory struct {
	cfg Config
}

// NewFactory applies defaults to cfg.
func NewFactory(cfg Config) *Factory {
	if cfg.OpenAIBaseURL == "" {
		cfg.OpenAIBaseURL = DefaultOpenAIBaseURL
	}
	if cfg.ModerationModel == "" {
		cfg.ModerationModel = DefaultModerationModel
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.OllamaHost == "" {
		cfg.OllamaHost = DefaultOllamaHost
	}
	if cfg.OllamaModel == "" {
		cfg.OllamaModel = DefaultOllamaModel
	}
	return &Factory{cfg: cfg}
}

// Models returns a lister for the configured Ollama host.
func (f *Factory) Models() *ModelLister {
	return &ModelLister{Host: f.cfg.OllamaHost, HTTPClient: f.cfg.HTTPClient}
}

// Resolve selects moderation and response backends for opts. A client
// supplied credential takes precedence over the server key. Without any
// OpenAI key the hosted providers are left nil and enrichment degrades.
func (f *Factory) Resolve(opts domain.ConnectionOptions) enrich.Providers {
	if opts.Provider == domain.ProviderOllama {
		model := strings.TrimSpace(opts.Model)
		if model == "" {
			model = f.cfg.OllamaModel
		}
		return enrich.Providers{
			Moderator: &OllamaModerator{Host: f.cfg.OllamaHost, Model: model, HTTPClient: f.cfg.HTTPClient},
			Responder: &ChatResponder{
				URL:          joinURL(f.cfg.OllamaHost, "/v1/chat/completions"),
				Model:        model,
				SystemPrompt: f.cfg.SystemPrompt,
				MaxTokens:    100,
				Temperature:  0.7,
				HTTPClient:   f.cfg.HTTPClient,
			},
		}
	}

	key := strings.TrimSpace(opts.Credential)
	if key == "" {
		key = f.cfg.OpenAIKey
	}
	if key == "" {
		return enrich.Providers{}
	}
	return enrich.Providers{
		Moderator: &OpenAIModerator{
			BaseURL:    f.cfg.OpenAIBaseURL,
			Model:      f.cfg.ModerationModel,
			APIKey:     key,
			HTTPClient: f.cfg.HTTPClient,
		},
		Responder: &ChatResponder{
			URL:          joinURL(f.cfg.OpenAIBaseURL, "/chat/completions"),
			Model:        f.cfg.ChatModel,
			APIKey:       key,
			SystemPrompt: f.cfg.SystemPrompt,
			MaxTokens:    100,
			Temperature:  0.7,
			HTTPClient:   f.cfg.HTTPClient,
		},
	}
}
