package provider

import (
	"context"
	"errors"
	"time"

	"github.com/keepsakehq/keepsake/config"
	openai_provider "github.com/keepsakehq/keepsake/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
	Gemini    Client = "gemini"
)

// Summarizer condenses one day of observations of a single kind into a
// summary document. Implementations are remote and must honor ctx deadlines.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string, day time.Time, kind string) (string, error)
}

// NewSummarizer builds the configured summarization client.
func NewSummarizer(client Client, cfg config.LLMConfig) (Summarizer, error) {
	switch client {
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("llm.api_key not set")
		}
		return openai_provider.NewClient(
			cfg.APIKey,
			cfg.BaseURL,
			cfg.Model,
			cfg.Temperature,
			cfg.MaxTokens,
			cfg.Timeout,
		), nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	case Gemini:
		return nil, errors.New("gemini client not implemented yet")
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}
