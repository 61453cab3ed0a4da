package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageRole is the author of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn of a conversation. Messages are append-only and
// ordering-preserving.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// Source is a deduplicated citation source attached to a conversation.
// Sources accumulate across turns; the first-seen entry for a key wins.
type Source struct {
	ChunkID          string         `json:"chunk_id"`
	SourceDocumentID string         `json:"source_document_id"`
	SourceTitle      string         `json:"source_title"`
	Text             string         `json:"text"`
	Score            float32        `json:"score"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Key returns the dedup key for a source: the chunk ID when present,
// otherwise a key synthesized from document identity and quoted text so
// chunk-less citations still dedup stably.
func (s Source) Key() string {
	if s.ChunkID != "" {
		return s.ChunkID
	}
	return fmt.Sprintf("%s|%s", s.SourceDocumentID, s.Text)
}

// Conversation is a multi-turn chat session with its latest plan and
// accumulated citation sources.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	Title     *string   `json:"title,omitempty"`
	Messages  []Message `json:"messages"`
	Plan      *Plan     `json:"plan,omitempty"`
	Sources   []Source  `json:"sources"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// maxTitleLen bounds auto-derived conversation titles.
const maxTitleLen = 100

// truncate shortens s to at most n runes, appending an ellipsis when it
// was cut. Byte slicing could split a multibyte rune and produce a
// string Postgres rejects as invalid UTF-8.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// AppendMessage appends one turn. Messages are never edited or removed.
func (c *Conversation) AppendMessage(role MessageRole, content string) {
	c.Messages = append(c.Messages, Message{Role: role, Content: content})
}

// DeriveTitle sets the title from the first user message if no title is set.
// Long messages are truncated to 100 characters with an ellipsis appended.
func (c *Conversation) DeriveTitle() {
	if c.Title != nil && *c.Title != "" {
		return
	}
	for _, m := range c.Messages {
		if m.Role != RoleUser {
			continue
		}
		title := truncate(m.Content, maxTitleLen)
		c.Title = &title
		return
	}
}

// MergeSources appends the sources whose keys have not been seen yet,
// preserving existing entries and their order. Merging the same source twice
// is a no-op.
func (c *Conversation) MergeSources(incoming []Source) {
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		seen[s.Key()] = true
	}
	for _, s := range incoming {
		k := s.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		c.Sources = append(c.Sources, s)
	}
}

// Preview returns the first user message truncated for list views.
func (c *Conversation) Preview() string {
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			return truncate(m.Content, maxTitleLen)
		}
	}
	return "New conversation"
}
