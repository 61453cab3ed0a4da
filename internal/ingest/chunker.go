// Package ingest loads capability bundles and source documents into the
// registry and the vector index. Text is split into overlapping,
// sentence-aware word chunks; chunk IDs are deterministic so
// re-ingesting a document upserts instead of duplicating.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	defaultChunkWords   = 500
	defaultOverlapWords = 50
)

// Chunk is one fragment of a split document.
type Chunk struct {
	Text      string
	WordCount int
}

// SplitText splits text into chunks of roughly chunkWords words,
// breaking on sentence boundaries and carrying overlapWords of trailing
// sentences into the next chunk for context continuity. Whitespace runs
// are collapsed first.
func SplitText(text string, chunkWords, overlapWords int) []Chunk {
	if chunkWords <= 0 {
		chunkWords = defaultChunkWords
	}
	if overlapWords < 0 {
		overlapWords = defaultOverlapWords
	}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []Chunk
	var current []string
	currentWords := 0

	for _, sentence := range sentences {
		words := countWords(sentence)

		if currentWords+words > chunkWords && len(current) > 0 {
			chunks = append(chunks, Chunk{
				Text:      strings.Join(current, " "),
				WordCount: currentWords,
			})

			// Seed the next chunk with trailing sentences up to the
			// overlap budget.
			var overlap []string
			overlapCount := 0
			for i := len(current) - 1; i >= 0; i-- {
				w := countWords(current[i])
				if overlapCount+w > overlapWords {
					break
				}
				overlap = append([]string{current[i]}, overlap...)
				overlapCount += w
			}
			current = overlap
			currentWords = overlapCount
		}

		current = append(current, sentence)
		currentWords += words
	}

	if len(current) > 0 {
		chunks = append(chunks, Chunk{
			Text:      strings.Join(current, " "),
			WordCount: currentWords,
		})
	}
	return chunks
}

// splitSentences breaks text into approximate sentences: a sentence
// ends at a word whose last character is terminal punctuation.
func splitSentences(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var sentences []string
	var current []string
	for _, word := range words {
		current = append(current, word)
		if endsSentence(word) {
			sentences = append(sentences, strings.Join(current, " "))
			current = nil
		}
	}
	if len(current) > 0 {
		sentences = append(sentences, strings.Join(current, " "))
	}
	return sentences
}

func endsSentence(word string) bool {
	trimmed := strings.TrimRight(word, `"')]`)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

// ChunkID derives a deterministic chunk identifier from document
// identity, position, and a text prefix, so identical content maps to
// the same ID across runs.
func ChunkID(sourceDocumentID string, index int, text string) string {
	prefix := text
	if len(prefix) > 100 {
		prefix = prefix[:100]
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", sourceDocumentID, index, prefix)))
	return hex.EncodeToString(sum[:])[:16]
}
