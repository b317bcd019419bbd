// Package classify assigns ledger categories to allocation lines using a
// cache-first strategy with a bounded OpenAI fan-out for cache misses.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sashabaranov/go-openai"

	"github.com/helpcomp/ynab-splitwise-importer/ynab"
)

// Classifier call counters, read by the prometheus exporter. Atomics because
// classification runs on worker goroutines.
var (
	APICalls         atomic.Int64
	APIFailures      atomic.Int64
	PromptTokens     atomic.Int64
	CompletionTokens atomic.Int64
)

// Suggestion is the classifier's strictly validated response: an untrusted
// category suggestion the categorizer checks against the candidate set.
type Suggestion struct {
	CategoryID string  `json:"category_id"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Classifier wraps a single OpenAI chat call that maps an expense
// description onto one of the candidate categories.
type Classifier struct {
	client *openai.Client
	model  string
}

func NewClassifier(client *openai.Client, model string) *Classifier {
	return &Classifier{client: client, model: model}
}

const systemPrompt = `You are a financial category classifier. Given an expense description and a list of available budget categories, select the most appropriate category.

Your response must be a JSON object with:
- category_id: The exact category ID from the provided list
- confidence: A number between 0.0 and 1.0 indicating your confidence
- rationale: A brief explanation of why you chose this category

Be conservative with confidence scores. Only use 0.9+ for very clear matches. Please respond only in JSON, do not respond in anything other than JSON.`

// Classify asks the model to pick a category for the description. The
// response is decoded strictly; anything malformed or out of range is an
// error, never a silently accepted suggestion.
func (c *Classifier) Classify(ctx context.Context, description string, categories []ynab.Category) (Suggestion, error) {
	var prompt strings.Builder
	prompt.WriteString("Classify this expense:\n\nDescription: ")
	prompt.WriteString(description)
	prompt.WriteString("\n\nAvailable categories:\n")
	for _, cat := range categories {
		prompt.WriteString("- ")
		prompt.WriteString(cat.ID)
		prompt.WriteString(": ")
		prompt.WriteString(cat.DisplayName())
		prompt.WriteString("\n")
	}
	prompt.WriteString("\nSelect the best category for this expense.")

	APICalls.Add(1)
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt.String()},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		APIFailures.Add(1)
		return Suggestion{}, err
	}

	PromptTokens.Add(int64(resp.Usage.PromptTokens))
	CompletionTokens.Add(int64(resp.Usage.CompletionTokens))

	if len(resp.Choices) != 1 {
		APIFailures.Add(1)
		return Suggestion{}, fmt.Errorf("unexpected number of choices: %d", len(resp.Choices))
	}

	return parseSuggestion(resp.Choices[0].Message.Content)
}

// parseSuggestion decodes the model's JSON reply. Some models wrap the JSON
// in ```json fences, so those are stripped first.
func parseSuggestion(raw string) (Suggestion, error) {
	if strings.Contains(raw, "```") {
		raw = strings.TrimSpace(raw)
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(raw, "```")
		raw = strings.TrimSpace(raw)
	}

	var s Suggestion
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return Suggestion{}, fmt.Errorf("classifier returned invalid JSON: %w", err)
	}
	if s.CategoryID == "" {
		return Suggestion{}, fmt.Errorf("classifier response missing category_id")
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return Suggestion{}, fmt.Errorf("classifier confidence %v out of range", s.Confidence)
	}
	return s, nil
}
