package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestParseDocumentFrontMatter(t *testing.T) {
	raw := []byte("---\ntitle: Expense reports\ntags: [finance, reimbursement]\n---\nSubmit receipts within 30 days.\n")

	doc, err := parseDocument("finance/expenses.md", raw)
	require.NoError(t, err)
	assert.Equal(t, "Expense reports", doc.Title)
	assert.Equal(t, []string{"finance", "reimbursement"}, doc.Tags)
	assert.Equal(t, "Submit receipts within 30 days.", doc.Body)
}

func TestParseDocumentWithoutFrontMatter(t *testing.T) {
	doc, err := parseDocument("onboarding.txt", []byte("Day one checklist"))
	require.NoError(t, err)
	assert.Equal(t, "onboarding", doc.Title)
	assert.Equal(t, "Day one checklist", doc.Body)
}

func TestParseDocumentInvalidFrontMatter(t *testing.T) {
	_, err := parseDocument("bad.md", []byte("---\ntitle: [unterminated\n---\nbody"))
	assert.Error(t, err)
}

func TestLoadDirSkipsOtherFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.md", "second")
	writeFile(t, dir, "nested/a.txt", "first")
	writeFile(t, dir, "image.png", "binary")
	writeFile(t, dir, "empty.md", "   ")

	docs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "b.md", docs[0].Path)
	assert.Equal(t, "nested/a.txt", docs[1].Path)
}

func TestLoadDirEmpty(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	assert.ErrorIs(t, err, ErrNoDocuments)
}

func TestTokenizeMixedScripts(t *testing.T) {
	tokens := tokenize("VPN 申請流程 v2")
	assert.Equal(t, []string{"vpn", "申", "請", "申請", "流", "請流", "程", "流程", "v2"}, tokens)
}

func TestRetrieveRanksRelevantDocumentFirst(t *testing.T) {
	r := NewStaticRetriever([]Document{
		{Path: "vpn.md", Title: "VPN access", Body: "Request VPN access through the IT portal."},
		{Path: "leave.md", Title: "請假流程", Tags: []string{"人資"}, Body: "請假需提前三天在系統中提出申請，並由主管核准。"},
		{Path: "expense.md", Title: "Expenses", Body: "Submit expense receipts to finance."},
	}, 2)

	docs, err := r.Retrieve(context.Background(), "如何請假？")
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Equal(t, "leave.md", docs[0].ID)
	assert.Equal(t, "請假流程", docs[0].MetaData["title"])
	assert.Greater(t, docs[0].Score(), 0.0)

	docs, err = r.Retrieve(context.Background(), "how do I get vpn access")
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Equal(t, "vpn.md", docs[0].ID)
}

func TestRetrieveHonoursTopKOption(t *testing.T) {
	r := NewStaticRetriever([]Document{
		{Path: "a.md", Title: "policy a", Body: "policy"},
		{Path: "b.md", Title: "policy b", Body: "policy"},
		{Path: "c.md", Title: "policy c", Body: "policy"},
	}, 3)

	docs, err := r.Retrieve(context.Background(), "policy", retriever.WithTopK(1))
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestRetrieveNoMatch(t *testing.T) {
	r := NewStaticRetriever([]Document{{Path: "a.md", Title: "a", Body: "alpha"}}, 3)

	docs, err := r.Retrieve(context.Background(), "zeta")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestRetrieverReload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.md", "first procedure")

	r, err := NewRetriever(dir, 3, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	writeFile(t, dir, "two.md", "second procedure")
	require.NoError(t, r.Reload())
	assert.Equal(t, 2, r.Len())
}

func TestStaticRetrieverReloadNotConfigured(t *testing.T) {
	r := NewStaticRetriever(nil, 0)
	assert.ErrorIs(t, r.Reload(), ErrNotConfigured)
}
