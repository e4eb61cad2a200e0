package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ashureev/liverelay/internal/domain"
)

// OpenAIModerator calls the hosted moderation endpoint.
type OpenAIModerator struct {
	BaseURL    string
	Model      string
	APIKey     string
	HTTPClient *http.Client
}

type moderationResponse struct {
	Results []struct {
		Flagged        bool               `json:"flagged"`
		Categories     map[string]bool    `json:"categories"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

// Moderate implements enrich.Moderator.
func (m *OpenAIModerator) Moderate(ctx context.Context, text string) (*domain.ModerationResult, error) {
	var out moderationResponse
	err := postJSON(ctx, clientOrDefault(m.HTTPClient), joinURL(m.BaseURL, "/moderations"), m.APIKey,
		map[string]any{"model": m.Model, "input": text}, &out)
	if err != nil {
		return nil, fmt.Errorf("openai moderation: %w", err)
	}
	if len(out.Results) == 0 {
		return nil, fmt.Errorf("openai moderation: %w: no results", ErrMalformedResponse)
	}

	r := out.Results[0]
	result := &domain.ModerationResult{
		Flagged:        r.Flagged,
		Categories:     r.Categories,
		CategoryScores: r.CategoryScores,
	}
	result.Normalize()
	return result, nil
}
