package llm

import "context"

// Request is a single reasoning call. Prompt carries the full task; System is
// optional steering text sent ahead of it.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Usage reports token accounting for one completed request.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the raw model reply for one request.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Client abstracts the reasoning engine behind a single request/response
// call so the pipeline can be tested without a live model.
type Client interface {
	// Complete sends one prompt and waits for the full reply.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Model returns the model identifier requests run against.
	Model() string
}
