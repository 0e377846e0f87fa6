// Package intake turns free customer text into a validated request.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator"
	openai "github.com/sashabaranov/go-openai"

	"bidflow/internal/domain"
)

// Draft is what the language model extracted so far. It is untrusted until
// Validate passes.
type Draft struct {
	Category      string   `json:"category" validate:"required,oneof=FEASTS APPETIZERS SWEETS TRADITIONAL COFFEE BEAUTY FASHION EVENTS"`
	City          string   `json:"city" validate:"required,max=80"`
	District      string   `json:"district" validate:"max=80"`
	Occasion      string   `json:"occasion" validate:"max=120"`
	EventDate     string   `json:"event_date" validate:"max=120"`
	Details       string   `json:"details" validate:"max=1000"`
	IsCovered     bool     `json:"is_covered"`
	MissingFields []string `json:"missing_fields"`
	Reply         string   `json:"ai_reply"`
	ReadyToBook   bool     `json:"ready_to_book"`
	IsCanceled    bool     `json:"is_canceled"`
}

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Extractor interface {
	Extract(ctx context.Context, text string, history []Turn) (Draft, error)
}

var validate = validator.New()

// Validate applies our own rules to the model output.
func Validate(d Draft) error {
	if err := validate.Struct(d); err != nil {
		return domain.Validation(domain.CodeInvalidDraft, err.Error())
	}
	return nil
}

const historyTurns = 10

const systemPrompt = `You are the intake assistant of an events marketplace on WhatsApp.
Chat with the customer and collect five things, asking for one missing item at a time:
1. category: one of %s
2. city and district
3. occasion
4. date and time
5. details such as guest count and preferences

Covered cities: %s. If the city is not covered, apologise and set is_covered=false.
When everything is present, summarise the request and ask for confirmation.
Set ready_to_book=true only after the customer explicitly confirms.
Set is_canceled=true if the customer wants to stop.
Reply in the customer's language.

Answer with JSON only:
{"category": string|null, "city": string|null, "district": string|null, "occasion": string|null,
 "event_date": string|null, "details": string|null, "is_covered": bool, "missing_fields": [string],
 "ai_reply": string, "ready_to_book": bool, "is_canceled": bool}`

// OpenAIExtractor talks to any OpenAI-compatible chat completion endpoint.
type OpenAIExtractor struct {
	client *openai.Client
	model  string
	cities []string
}

func NewOpenAIExtractor(apiKey, baseURL, model string, cities []string) *OpenAIExtractor {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIExtractor{client: openai.NewClientWithConfig(cfg), model: model, cities: cities}
}

func (e *OpenAIExtractor) Extract(ctx context.Context, text string, history []Turn) (Draft, error) {
	msgs := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: fmt.Sprintf(systemPrompt, strings.Join(domain.Categories, ", "), strings.Join(e.cities, ", ")),
	}}
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	for _, t := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          e.model,
		Messages:       msgs,
		Temperature:    0.01,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return Draft{}, domain.Upstream("intake completion", err)
	}
	if len(resp.Choices) == 0 {
		return Draft{}, domain.Upstream("intake completion", fmt.Errorf("no choices returned"))
	}
	return parseDraft(resp.Choices[0].Message.Content)
}

// parseDraft tolerates markdown fences around the JSON and drops unknown
// categories instead of failing.
func parseDraft(raw string) (Draft, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var d Draft
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &d); err != nil {
		return Draft{}, domain.Upstream("decode intake draft", err)
	}
	d.Category = strings.ToUpper(strings.TrimSpace(d.Category))
	if !domain.ValidCategory(d.Category) {
		d.Category = ""
	}
	d.City = strings.TrimSpace(d.City)
	return d, nil
}
