package ai

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
)

// DefaultInstruction is the system instruction used when none is configured.
const DefaultInstruction = "你的任務：依據檢索到的文件資料，詳細回答團隊內部標準作業流程（SOP）相關問題。" +
	"若文件沒有涵蓋使用者的問題，請明確說明，不要自行編造流程。"

// defaultDocumentBudget caps the characters quoted from a single document.
const defaultDocumentBudget = 4000

// PromptBuilder assembles the system prompt from the instruction and the
// retrieved SOP documents.
type PromptBuilder struct {
	instruction    string
	documentBudget int
}

// NewPromptBuilder returns a builder; an empty instruction selects DefaultInstruction.
func NewPromptBuilder(instruction string) *PromptBuilder {
	if strings.TrimSpace(instruction) == "" {
		instruction = DefaultInstruction
	}
	return &PromptBuilder{instruction: instruction, documentBudget: defaultDocumentBudget}
}

// Build renders the system prompt. Without documents it is just the instruction.
func (b *PromptBuilder) Build(docs []*schema.Document) string {
	if len(docs) == 0 {
		return b.instruction
	}

	var builder strings.Builder
	builder.WriteString(b.instruction)
	builder.WriteString("\n\n檢索到的文件：")
	for i, doc := range docs {
		title := doc.ID
		if t, ok := doc.MetaData["title"].(string); ok && t != "" {
			title = t
		}
		builder.WriteString(fmt.Sprintf("\n\n[%d] %s\n", i+1, title))
		builder.WriteString(truncateRunes(doc.Content, b.documentBudget))
	}
	return builder.String()
}

func truncateRunes(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	count := 0
	for offset := range text {
		if count == limit {
			return text[:offset] + "…"
		}
		count++
	}
	return text
}
