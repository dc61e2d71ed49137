package session

import (
	"fmt"

	"github.com/MrWong99/voxrelay/internal/history"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers.
const charsPerToken = 4

// defaultThresholdRatio is the fraction of the budget at which compaction
// starts.
const defaultThresholdRatio = 0.75

// Conversation is the message window sent with every response request.
//
// Messages are appended as turns complete. Once the estimated token count
// exceeds the threshold, the oldest half is handed out for summarisation with
// [Conversation.BeginSummary] and later replaced by the summary with
// [Conversation.FinishSummary]. Without a summariser, [Conversation.Trim]
// drops the oldest messages instead.
//
// A Conversation is owned by the session event loop and is not safe for
// concurrent use.
type Conversation struct {
	budget         int
	thresholdRatio float64

	tokens    int
	messages  []llm.Message
	summaries []string

	// pending is the number of leading messages being summarised.
	pending int
}

// NewConversation returns an empty window with a budget of maxTokens.
func NewConversation(maxTokens int) *Conversation {
	return &Conversation{budget: maxTokens, thresholdRatio: defaultThresholdRatio}
}

// Seed appends the completed turns of an earlier session. Abandoned turns
// and turns without a reply are skipped.
func (c *Conversation) Seed(turns []history.Turn) {
	for _, t := range turns {
		if t.Outcome != history.OutcomeComplete || t.Transcript == "" || t.Response == "" {
			continue
		}
		c.Add(
			llm.Message{Role: llm.RoleUser, Content: t.Transcript},
			llm.Message{Role: llm.RoleAssistant, Content: t.Response},
		)
	}
}

// Add appends messages.
func (c *Conversation) Add(msgs ...llm.Message) {
	for _, m := range msgs {
		c.messages = append(c.messages, m)
		c.tokens += estimateTokens(m)
	}
}

// Messages returns the window, summaries first. The returned slice is a copy.
func (c *Conversation) Messages() []llm.Message {
	out := make([]llm.Message, 0, len(c.summaries)+len(c.messages))
	for _, s := range c.summaries {
		out = append(out, llm.Message{
			Role:    llm.RoleSystem,
			Content: fmt.Sprintf("[Previous conversation summary]: %s", s),
		})
	}
	return append(out, c.messages...)
}

// tokenEstimate returns the estimated token count including summaries.
func (c *Conversation) tokenEstimate() int {
	return c.tokens
}

// NeedsCompaction reports whether the window is over its threshold and no
// summary is in progress.
func (c *Conversation) NeedsCompaction() bool {
	if c.budget <= 0 || c.pending > 0 || len(c.messages) < 2 {
		return false
	}
	return c.tokens > int(float64(c.budget)*c.thresholdRatio)
}

// BeginSummary marks the oldest half of the messages as being summarised and
// returns a copy of them.
func (c *Conversation) BeginSummary() []llm.Message {
	half := max(len(c.messages)/2, 1)
	c.pending = half
	out := make([]llm.Message, half)
	copy(out, c.messages[:half])
	return out
}

// FinishSummary replaces the messages handed out by BeginSummary with
// summary. An empty summary drops them.
func (c *Conversation) FinishSummary(summary string) {
	if c.pending == 0 {
		return
	}
	c.drop(c.pending)
	c.pending = 0
	if summary != "" {
		c.summaries = append(c.summaries, summary)
		c.tokens += len(summary) / charsPerToken
	}
}

// Trim drops the oldest messages until the window fits its budget. The
// newest message is always kept.
func (c *Conversation) Trim() {
	if c.budget <= 0 {
		return
	}
	for len(c.summaries) > 0 && c.tokens > c.budget {
		c.tokens -= len(c.summaries[0]) / charsPerToken
		c.summaries = c.summaries[1:]
	}
	n := 0
	for n < len(c.messages)-1 && c.tokens > c.budget {
		c.tokens -= estimateTokens(c.messages[n])
		n++
	}
	c.messages = c.messages[n:]
}

func (c *Conversation) drop(n int) {
	for _, m := range c.messages[:n] {
		c.tokens -= estimateTokens(m)
	}
	c.messages = append([]llm.Message(nil), c.messages[n:]...)
}

// estimateTokens returns a rough token count for a single message using
// the 1-token-per-4-characters heuristic.
func estimateTokens(m llm.Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.Name)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
