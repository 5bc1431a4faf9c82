package llm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Songmu/retry"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	completionRetries  = 3
	completionRetryGap = 3 * time.Second
)

// OpenAIClient implements Client against the OpenAI chat completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client for the given model. The API key comes from
// the OPENAI_API_KEY environment variable and is never persisted.
func NewOpenAIClient(model string) (*OpenAIClient, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}

	c := openai.NewClient(option.WithAPIKey(key))
	return &OpenAIClient{
		client: &c,
		model:  model,
	}, nil
}

// Model returns the configured model identifier.
func (c *OpenAIClient) Model() string {
	return c.model
}

// Complete sends the request, retrying transient failures a bounded number of
// times before giving up. Context cancellation is not retried.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	var result *Response
	err := retry.Retry(completionRetries, completionRetryGap, func() error {
		resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Messages: messages,
			Model:    c.model,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if len(resp.Choices) == 0 {
			return fmt.Errorf("no choices in completion response")
		}

		result = &Response{
			Content: resp.Choices[0].Message.Content,
			Model:   c.model,
			Usage: Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			},
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("completion failed: %w", err)
	}

	return result, nil
}
