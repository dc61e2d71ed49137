package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

const summaryInstructions = `You condense the older part of a spoken conversation so it can stay in the assistant's context.
Keep every name, number, date, decision, open question and anything the user asked to be remembered.
Drop greetings and filler. Answer with a few sentences of plain prose, no lists and no preamble.`

// summaryMaxTokens caps the length of one summary.
const summaryMaxTokens = 256

// Summariser condenses conversation turns that no longer fit the context
// window.
type Summariser interface {
	Summarise(ctx context.Context, messages []llm.Message) (string, error)
}

// LLMSummariser asks the session's language model for the summary.
type LLMSummariser struct {
	provider  llm.Provider
	assistant string
}

// NewLLMSummariser returns a summariser that labels assistant turns with
// assistant, typically the persona name. An empty label falls back to
// "Assistant".
func NewLLMSummariser(provider llm.Provider, assistant string) *LLMSummariser {
	if assistant == "" {
		assistant = "Assistant"
	}
	return &LLMSummariser{provider: provider, assistant: assistant}
}

// Summarise returns "" without calling the model when messages holds no
// spoken content.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []llm.Message) (string, error) {
	transcript := s.transcript(messages)
	if transcript == "" {
		return "", nil
	}
	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summaryInstructions,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: transcript}},
		Temperature:  0.2,
		MaxTokens:    summaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("session: summarise %d messages: %w", len(messages), err)
	}
	if resp == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Content), nil
}

// transcript renders messages one line per utterance.
func (s *LLMSummariser) transcript(messages []llm.Message) string {
	var b strings.Builder
	for _, m := range messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		var speaker string
		switch {
		case m.Name != "":
			speaker = m.Name
		case m.Role == llm.RoleAssistant:
			speaker = s.assistant
		case m.Role == llm.RoleUser:
			speaker = "User"
		default:
			speaker = "Earlier summary"
		}
		b.WriteString(speaker)
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return b.String()
}
