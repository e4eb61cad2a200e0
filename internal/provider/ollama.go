package provider

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/liverelay/internal/domain"
	"golang.org/x/sync/singleflight"
)

const moderationPrompt = `You are a content moderation system. Analyze the following message and determine if it contains harmful content.
Please respond in XML format using these tags:
<flagged>true/false</flagged>
<reason>Specify the reason if flagged, such as: harassment, hate_speech, sexual, violence, self_harm, illegal_activity</reason>
<score>0.0 to 1.0 indicating severity</score>

Message to moderate: %q`

var (
	flaggedTag = regexp.MustCompile(`(?is)<flagged>\s*(true|false)\s*</flagged>`)
	reasonTag  = regexp.MustCompile(`(?is)<reason>(.*?)</reason>`)
	scoreTag   = regexp.MustCompile(`(?is)<score>(.*?)</score>`)
)

// ollamaCategories maps reason keywords to category names.
var ollamaCategories = []struct{ keyword, category string }{
	{"harassment", "harassment"},
	{"hate", "hate"},
	{"sexual", "sexual"},
	{"violence", "violence"},
	{"self_harm", "self_harm"},
	{"illegal", "illegal"},
}

// OllamaModerator prompts a self-hosted model for a tagged verdict.
type OllamaModerator struct {
	Host       string
	Model      string
	HTTPClient *http.Client
}

// Moderate implements enrich.Moderator.
func (m *OllamaModerator) Moderate(ctx context.Context, text string) (*domain.ModerationResult, error) {
	content, err := complete(ctx, m.HTTPClient, joinURL(m.Host, "/v1/chat/completions"), "", chatRequest{
		Model:       m.Model,
		Messages:    []chatMessage{{Role: "user", Content: fmt.Sprintf(moderationPrompt, text)}},
		MaxTokens:   200,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama moderation: %w", err)
	}
	return ParseModerationTags(content), nil
}

// ParseModerationTags extracts a verdict from tagged model output. Missing
// tags default to not flagged with a zero score.
func ParseModerationTags(content string) *domain.ModerationResult {
	result := &domain.ModerationResult{
		Categories:     make(map[string]bool, len(ollamaCategories)),
		CategoryScores: make(map[string]float64, len(ollamaCategories)),
	}
	if m := flaggedTag.FindStringSubmatch(content); m != nil {
		result.Flagged = strings.EqualFold(m[1], "true")
	}
	if m := reasonTag.FindStringSubmatch(content); m != nil {
		result.Reason = strings.TrimSpace(m[1])
	}
	var score float64
	if m := scoreTag.FindStringSubmatch(content); m != nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(m[1]), 64); err == nil {
			score = v
		}
	}

	reason := strings.ToLower(result.Reason)
	for _, c := range ollamaCategories {
		hit := result.Flagged && strings.Contains(reason, c.keyword)
		result.Categories[c.category] = hit
		if hit {
			result.CategoryScores[c.category] = score
		} else {
			result.CategoryScores[c.category] = 0
		}
	}
	result.Normalize()
	return result
}

// Model describes a model installed on the Ollama host.
type Model struct {
	Name       string         `json:"name"`
	Model      string         `json:"model,omitempty"`
	ModifiedAt time.Time      `json:"modified_at,omitempty"`
	Size       int64          `json:"size,omitempty"`
	Digest     string         `json:"digest,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// listModelsTimeout bounds one shared /api/tags request.
const listModelsTimeout = 10 * time.Second

// ModelLister lists models on an Ollama host. Concurrent calls share one
// upstream request.
type ModelLister struct {
	Host       string
	HTTPClient *http.Client

	group singleflight.Group
}

// ListModels returns the models reported by /api/tags. The shared request
// is detached from any single caller's cancellation and bounded by
// listModelsTimeout; each caller still stops waiting when its own ctx ends.
func (l *ModelLister) ListModels(ctx context.Context) ([]Model, error) {
	detached := context.WithoutCancel(ctx)
	ch := l.group.DoChan("tags", func() (any, error) {
		reqCtx, cancel := context.WithTimeout(detached, listModelsTimeout)
		defer cancel()

		var out struct {
			Models []Model `json:"models"`
		}
		if err := getJSON(reqCtx, clientOrDefault(l.HTTPClient), joinURL(l.Host, "/api/tags"), &out); err != nil {
			return nil, fmt.Errorf("list ollama models: %w", err)
		}
		if out.Models == nil {
			out.Models = []Model{}
		}
		return out.Models, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Model), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
