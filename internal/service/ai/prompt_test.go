package ai

import (
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
)

func TestPromptBuilderDefaultInstruction(t *testing.T) {
	b := NewPromptBuilder("  ")
	assert.Equal(t, DefaultInstruction, b.Build(nil))
}

func TestPromptBuilderUsesDocumentIDWithoutTitle(t *testing.T) {
	b := NewPromptBuilder("Answer.")
	prompt := b.Build([]*schema.Document{{ID: "sop/deploy.md", Content: "Run the pipeline."}})
	assert.Contains(t, prompt, "[1] sop/deploy.md\nRun the pipeline.")
}

func TestPromptBuilderTruncatesLongDocuments(t *testing.T) {
	b := NewPromptBuilder("Answer.")
	b.documentBudget = 5

	prompt := b.Build([]*schema.Document{{ID: "a", Content: strings.Repeat("流", 10)}})
	assert.True(t, strings.HasSuffix(prompt, "流流流流流…"))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 3))
	assert.Equal(t, "ab…", truncateRunes("abc", 2))
	assert.Equal(t, "abc", truncateRunes("abc", 0))
}
