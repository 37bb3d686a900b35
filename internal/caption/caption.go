// Package caption describes a finished generation with an OpenAI vision
// model.
package caption

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
)

// MaxLen caps stored captions, in runes.
const MaxLen = 300

const instruction = "Write a short, natural caption for this portrait photo in one sentence. " +
	"Describe the setting, lighting and mood. Do not mention that it is AI generated."

var ErrEmpty = errors.New("caption: empty response")

type Captioner struct {
	client *openai.Client
	model  string
}

// New returns nil when apiKey is empty; callers treat a nil Captioner as
// captioning disabled.
func New(apiKey, model string) *Captioner {
	if apiKey == "" {
		return nil
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Captioner{client: openai.NewClientWithConfig(openai.DefaultConfig(apiKey)), model: model}
}

func (c *Captioner) Caption(ctx context.Context, imageURL string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: 120,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: instruction},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL:    imageURL,
					Detail: openai.ImageURLDetailLow,
				}},
			},
		}},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmpty
	}
	out := Clean(resp.Choices[0].Message.Content)
	if out == "" {
		return "", ErrEmpty
	}
	return out, nil
}

// Clean trims whitespace and wrapping quotes, collapses runs of spaces and
// cuts to MaxLen runes.
func Clean(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, "\"'“”‘’ ")
	if utf8.RuneCountInString(s) > MaxLen {
		r := []rune(s)
		s = strings.TrimSpace(string(r[:MaxLen-1])) + "…"
	}
	return s
}
