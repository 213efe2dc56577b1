// Package enhance implements the prompt-enhancement pipeline: analyze
// the prompt, select an enhancement technique, generate the improved
// prompt. Text generation itself is behind the ModelClient boundary.
package enhance

import "context"

// Message is one role-tagged message in a model request.
type Message struct {
	Role    string `json:"role"` // "system" or "user"
	Content string `json:"content"`
}

// Request is a structured model invocation: the conversation plus a
// description of the JSON shape the reply must parse as.
type Request struct {
	Messages []Message `json:"messages"`
	Schema   string    `json:"schema"` // JSON shape the reply text must match
}

// ModelClient is the model-invocation collaborator. Complete returns
// the raw text payload, expected to parse as JSON matching req.Schema.
// Transport concerns (auth, rate limits, model-level retries) live
// behind this interface.
type ModelClient interface {
	Complete(ctx context.Context, req Request) (string, error)
}
