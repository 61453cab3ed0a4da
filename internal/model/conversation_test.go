package model

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveTitle_FromFirstUserMessage(t *testing.T) {
	var c Conversation
	c.AppendMessage(RoleUser, "What capabilities exist for salinity stress phenotyping?")
	c.AppendMessage(RoleAssistant, "Let me search the registry.")

	c.DeriveTitle()

	require.NotNil(t, c.Title)
	assert.Equal(t, "What capabilities exist for salinity stress phenotyping?", *c.Title)
}

func TestDeriveTitle_TruncatesLongMessages(t *testing.T) {
	var c Conversation
	long := strings.Repeat("a", 150)
	c.AppendMessage(RoleUser, long)

	c.DeriveTitle()

	require.NotNil(t, c.Title)
	assert.Len(t, *c.Title, 103) // 100 chars + "..."
	assert.True(t, strings.HasSuffix(*c.Title, "..."))
}

func TestDeriveTitle_TruncatesOnRuneBoundary(t *testing.T) {
	var c Conversation
	// The 100th character is multibyte; cutting on bytes would leave a
	// dangling lead byte and an invalid string.
	c.AppendMessage(RoleUser, strings.Repeat("a", 99)+"é"+strings.Repeat("b", 50))

	c.DeriveTitle()

	require.NotNil(t, c.Title)
	assert.True(t, utf8.ValidString(*c.Title))
	assert.Equal(t, strings.Repeat("a", 99)+"é...", *c.Title)
}

func TestPreview_TruncatesOnRuneBoundary(t *testing.T) {
	var c Conversation
	c.AppendMessage(RoleUser, strings.Repeat("研", 120))

	got := c.Preview()

	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("研", 100)+"...", got)
}

func TestDeriveTitle_DoesNotOverwrite(t *testing.T) {
	existing := "My project"
	c := Conversation{Title: &existing}
	c.AppendMessage(RoleUser, "something else entirely")

	c.DeriveTitle()

	assert.Equal(t, "My project", *c.Title)
}

func TestMergeSources_DedupsByChunkID(t *testing.T) {
	var c Conversation
	s := Source{ChunkID: "chunk-1", SourceDocumentID: "doc-1", Text: "quoted text"}

	c.MergeSources([]Source{s})
	c.MergeSources([]Source{s})

	assert.Len(t, c.Sources, 1)
}

func TestMergeSources_SynthesizedKeyWhenChunkAbsent(t *testing.T) {
	var c Conversation
	a := Source{SourceDocumentID: "doc-1", Text: "quote A"}
	b := Source{SourceDocumentID: "doc-1", Text: "quote B"}

	c.MergeSources([]Source{a, b, a})

	assert.Len(t, c.Sources, 2)
}

func TestMergeSources_PreservesFirstSeenOrder(t *testing.T) {
	var c Conversation
	c.MergeSources([]Source{{ChunkID: "c1"}, {ChunkID: "c2"}})
	c.MergeSources([]Source{{ChunkID: "c2"}, {ChunkID: "c3"}})

	require.Len(t, c.Sources, 3)
	assert.Equal(t, "c1", c.Sources[0].ChunkID)
	assert.Equal(t, "c2", c.Sources[1].ChunkID)
	assert.Equal(t, "c3", c.Sources[2].ChunkID)
}

func TestDecodeJobInput_UnknownKind(t *testing.T) {
	_, err := DecodeJobInput(Job{Kind: "mystery", Input: []byte(`{}`)})
	assert.Error(t, err)
}

func TestUncitedSteps(t *testing.T) {
	p := Plan{Steps: []PlanStep{
		{StepID: "S1", Citations: []Citation{{SourceDocumentID: "d"}}},
		{StepID: "S2", IsHypothesis: true},
		{StepID: "S3"},
	}}
	assert.Equal(t, []string{"S3"}, p.UncitedSteps())
}
