// Package llm provides the narrow language-model surface the memory
// layer's consolidation step needs: turning a batch of episodic records
// into a procedural-strata summary. Uses
// github.com/anthropics/anthropic-sdk-go for exactly this kind of
// single-shot completion call, in place of a much larger
// multi-provider runtime this one consolidation call doesn't need.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Summarizer condenses a set of texts into one procedural-memory summary.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string) (string, error)
}

// AnthropicSummarizer implements Summarizer over the Anthropic Messages
// API.
type AnthropicSummarizer struct {
	client anthropic.Client
	model  string
}

// NewAnthropicSummarizer builds an AnthropicSummarizer. apiKey may be
// empty to fall back to the ANTHROPIC_API_KEY environment variable, per
// the SDK's own default option resolution.
func NewAnthropicSummarizer(apiKey, model string) *AnthropicSummarizer {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &AnthropicSummarizer{client: anthropic.NewClient(opts...), model: model}
}

// Summarize asks the model to compress texts into one procedural-strata
// memory statement, for the consolidation job.
func (s *AnthropicSummarizer) Summarize(ctx context.Context, texts []string) (string, error) {
	if len(texts) == 0 {
		return "", nil
	}

	prompt := "Summarize the following related observations into one concise, reusable procedural memory statement:\n\n" + strings.Join(texts, "\n---\n")

	msg, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: int64(512),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm: summarize: %w", err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}

// HeuristicSummarizer is a dependency-free fallback used when no API key
// is configured: it concatenates the first sentence of each text.
type HeuristicSummarizer struct{}

func (HeuristicSummarizer) Summarize(_ context.Context, texts []string) (string, error) {
	var sentences []string
	for _, t := range texts {
		if idx := strings.IndexAny(t, ".!?"); idx >= 0 {
			sentences = append(sentences, strings.TrimSpace(t[:idx+1]))
		} else if strings.TrimSpace(t) != "" {
			sentences = append(sentences, strings.TrimSpace(t))
		}
	}
	return strings.Join(sentences, " "), nil
}
