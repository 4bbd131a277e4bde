package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/searchd/internal/llm"
)

const claudeDefaultModel = "claude-sonnet-4-5"

// Claude asks a chat model for web results through an OpenAI-compatible
// endpoint. Results are only as good as the model's knowledge; the manager
// gives it a lower weight by default.
type Claude struct {
	Client llm.Client
	Model  string
	// HasKey reports whether a credential was configured. A nil Client or
	// false HasKey fails with ErrAuth.
	HasKey bool
}

func (c *Claude) Name() string { return "claude" }

type claudeHit struct {
	Title     string   `json:"title"`
	URL       string   `json:"url"`
	Snippet   string   `json:"snippet"`
	Relevance *float64 `json:"relevance"`
}

const claudeSystemPrompt = "You are a web search backend. Reply with a JSON array only, no prose and no code fences. " +
	"Each element is an object with string fields \"title\", \"url\", \"snippet\" and a number \"relevance\" between 0 and 1. " +
	"Only include real, publicly reachable URLs you are confident exist."

func (c *Claude) Fetch(ctx context.Context, req Request) ([]RawHit, error) {
	if err := requireText(c.Name(), req); err != nil {
		return nil, err
	}
	if c.Client == nil || !c.HasKey {
		return nil, &ProviderError{Provider: c.Name(), Kind: ErrAuth, Err: errors.New("ANTHROPIC_API_KEY not set")}
	}
	limit := limitOr(req.Limit, 10)
	model := c.Model
	if model == "" {
		model = claudeDefaultModel
	}
	user := fmt.Sprintf("Search query: %s\nMaximum results: %d", req.Text, limit)
	if req.Category != "" && req.Category != CategoryGeneral {
		user += "\nCategory: " + req.Category
	}
	resp, err := c.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: claudeSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0,
		MaxTokens:   2048,
	})
	if err != nil {
		return nil, classifyChatError(ctx, c.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: c.Name(), Kind: ErrMalformedResponse, Err: errors.New("no choices in completion")}
	}
	content := stripCodeFence(resp.Choices[0].Message.Content)
	var hits []claudeHit
	if err := json.Unmarshal([]byte(content), &hits); err != nil {
		return nil, &ProviderError{Provider: c.Name(), Kind: ErrMalformedResponse, Sample: sample([]byte(content)), Err: err}
	}
	out := make([]RawHit, 0, len(hits))
	for _, h := range hits {
		link := strings.TrimSpace(h.URL)
		if link == "" {
			continue
		}
		hit := RawHit{
			Title:    strings.TrimSpace(h.Title),
			URL:      link,
			Snippet:  strings.TrimSpace(h.Snippet),
			Provider: c.Name(),
			Rank:     len(out) + 1,
		}
		if h.Relevance != nil {
			hit.Score, hit.HasScore = *h.Relevance, true
		}
		out = append(out, hit)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// classifyChatError maps go-openai errors onto the taxonomy using the HTTP
// status they carry.
func classifyChatError(ctx context.Context, provider string, err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == 0 {
		return classifyTransportError(ctx, provider, err)
	}
	if perr := classifyStatus(provider, status, []byte(err.Error())); perr != nil {
		var pe *ProviderError
		if errors.As(perr, &pe) {
			pe.Err = err
		}
		return perr
	}
	return &ProviderError{Provider: provider, Kind: ErrTransient, Status: status, Err: err}
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
