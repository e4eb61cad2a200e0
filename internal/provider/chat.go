package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// DefaultSystemPrompt instructs the response model how to answer live chat.
const DefaultSystemPrompt = `Vous êtes un assistant qui répond au chat en direct TikTok.
Vous recevrez des commentaires du chat provenant du canal en direct. Pour chaque nouvelle mise à jour du chat, vous répondrez.
Pour le nom d'utilisateur, assurez-vous de le dire d'une façon facile à prononcer.
Pour les smileys ou les emojis, prononce-les simplement, un seul par message.
S'il y a des fautes d'orthographe ou de frappe dans le message, corrige-les dans ta réponse.
Si le commentaire est une question, tu réponds par une phrase courte et concise.
Si le commentaire est faux, contredis-le.
Essaye de reconnaître le sarcasme et la critique des religions.
Défends la déclaration universelle des droits de l'homme et le progressisme.
Tu combats les discriminations, les racismes, les sexismes, les agissements de nature homophobe, transphobe, etc.`

// ChatResponder generates replies through an OpenAI compatible
// chat completions endpoint. Ollama exposes the same API under /v1.
type ChatResponder struct {
	URL          string
	Model        string
	APIKey       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	HTTPClient   *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Respond implements enrich.Responder.
func (r *ChatResponder) Respond(ctx context.Context, prompt string) (string, error) {
	system := r.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	content, err := complete(ctx, r.HTTPClient, r.URL, r.APIKey, chatRequest{
		Model: r.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	return strings.TrimSpace(content), nil
}

func complete(ctx context.Context, client *http.Client, url, apiKey string, req chatRequest) (string, error) {
	var out chatResponse
	if err := postJSON(ctx, clientOrDefault(client), url, apiKey, req, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	return out.Choices[0].Message.Content, nil
}
