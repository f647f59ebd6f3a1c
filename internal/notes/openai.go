package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const DefaultModel = "gpt-4o-mini"

const systemPrompt = `You are an agronomist writing for smallholder farmers.
Given a crop recommendation and soil test results, add two or three short,
practical sentences of advice. Plain text only, no lists, no headings.`

// OpenAIWriter appends model-written advice to the Template notes.
type OpenAIWriter struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIWriter builds a writer for apiKey. opts are passed to the client
// after the key, so they may override the base URL.
func NewOpenAIWriter(apiKey, model string, timeout time.Duration, opts ...option.RequestOption) (*OpenAIWriter, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key not set")
	}
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)}, opts...)
	return &OpenAIWriter{
		client:  openai.NewClient(opts...),
		model:   model,
		timeout: timeout,
	}, nil
}

func (w *OpenAIWriter) Write(ctx context.Context, in Input) (string, error) {
	base := Template(in)

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	resp, err := w.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(w.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt(in, base)),
		},
		MaxCompletionTokens: openai.Int(200),
	})
	if err != nil {
		return "", fmt.Errorf("notes completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("notes completion: no choices returned")
	}
	advice := strings.TrimSpace(resp.Choices[0].Message.Content)
	if advice == "" {
		return "", errors.New("notes completion: empty content")
	}
	return base + "\n\n" + advice, nil
}

func prompt(in Input, base string) string {
	f := in.Features
	var b strings.Builder
	fmt.Fprintf(&b, "Recommended crop: %s (confidence %.2f).\n", in.Crop.Name, in.Confidence)
	fmt.Fprintf(&b, "Soil: N=%.1f P=%.1f K=%.1f pH=%.1f.\n", f.Nitrogen, f.Phosphorus, f.Potassium, f.PH)
	fmt.Fprintf(&b, "Climate: temperature %.1f C, rainfall %.1f mm", f.Temperature, f.Rainfall)
	if in.Humidity != nil {
		fmt.Fprintf(&b, ", humidity %.0f%%", *in.Humidity)
	}
	b.WriteString(".\n")
	fmt.Fprintf(&b, "Summary already shown to the farmer: %s", base)
	return b.String()
}
