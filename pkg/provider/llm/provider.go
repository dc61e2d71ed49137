// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI, Anthropic,
// or a local Ollama instance) and exposes a uniform pull-based interface for
// streaming completions, counting tokens and inspecting model capabilities
// without coupling to any specific SDK.
//
// Implementations must be safe for concurrent use. A [Stream] is owned by one
// caller and need not be.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrRejected is returned (wrapped) when the backend refuses the request:
	// invalid credentials, content policy, context length. Retrying the same
	// request will not help.
	ErrRejected = errors.New("llm: request rejected by provider")

	// ErrStreamClosed is returned by Recv after Close.
	ErrStreamClosed = errors.New("llm: stream closed")
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before the
	// conversation history as a "system"-role message.
	SystemPrompt string
}

// Chunk is a single token or fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty.
	Text string

	// FinishReason is set on the last chunk and indicates why generation
	// stopped: "stop", "length", or "" for non-final chunks.
	FinishReason string

	// Usage is set on the last chunk when the backend reports token accounting.
	Usage *Usage
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Stream is an in-flight streaming completion.
type Stream interface {
	// Recv blocks until the next chunk is available. It returns io.EOF after
	// the last chunk. Errors after the stream started are returned here.
	Recv(ctx context.Context) (Chunk, error)

	// Close aborts generation and releases the underlying connection. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a [Stream] of chunks.
	// The error return is non-nil only for failures that prevent the stream
	// from starting. The caller must Close the returned stream.
	StreamCompletion(ctx context.Context, req CompletionRequest) (Stream, error)

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens that the given message list
	// would consume in the model's context window. The result need not be
	// exact but should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata describing what the model supports.
	Capabilities() ModelCapabilities
}

// EstimateTokens approximates the token count of messages at four characters
// per token plus per-message overhead. Adapters without a tokeniser use it.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += 4 + (len(m.Content)+3)/4
	}
	return total
}
