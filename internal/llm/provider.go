package llm

import (
    "context"
    "net/http"
    "strings"

    openai "github.com/sashabaranov/go-openai"
)

// AnthropicCompatBaseURL is Anthropic's OpenAI-compatible endpoint.
const AnthropicCompatBaseURL = "https://api.anthropic.com/v1/"

// Client is the minimal interface needed to call a chat model. Any
// OpenAI-compatible backend can satisfy it, and tests substitute fakes.
type Client interface {
    CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Options configures an OpenAI-compatible client.
type Options struct {
    BaseURL    string
    APIKey     string
    HTTPClient *http.Client
}

// OpenAIProvider adapts *openai.Client to the Client interface.
type OpenAIProvider struct {
    Inner *openai.Client
}

// NewOpenAI builds a Client for an OpenAI-compatible endpoint. An empty base
// URL targets Anthropic's compatibility layer.
func NewOpenAI(opts Options) *OpenAIProvider {
    cfg := openai.DefaultConfig(opts.APIKey)
    base := strings.TrimSpace(opts.BaseURL)
    if base == "" {
        base = AnthropicCompatBaseURL
    }
    cfg.BaseURL = strings.TrimRight(base, "/")
    if opts.HTTPClient != nil {
        cfg.HTTPClient = opts.HTTPClient
    }
    return &OpenAIProvider{Inner: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
    return p.Inner.CreateChatCompletion(ctx, request)
}
