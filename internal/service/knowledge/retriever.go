package knowledge

import (
	"context"
	"errors"
	"sync"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

// DefaultTopK is used when neither the retriever nor the call sets one.
const DefaultTopK = 4

// ErrNotConfigured is returned by Reload when no directory was configured.
var ErrNotConfigured = errors.New("knowledge directory not configured")

// Retriever ranks SOP documents against a question with BM25. The corpus is
// loaded once and cached until Reload is called.
type Retriever struct {
	dir    string
	topK   int
	logger zerolog.Logger

	mu    sync.RWMutex
	docs  []Document
	index *index
}

var _ retriever.Retriever = (*Retriever)(nil)

// NewRetriever loads every document under dir and builds the index.
func NewRetriever(dir string, topK int, logger zerolog.Logger) (*Retriever, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	r := &Retriever{
		dir:    dir,
		topK:   topK,
		logger: logger.With().Str("component", "knowledge").Logger(),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticRetriever indexes an in-memory corpus.
func NewStaticRetriever(docs []Document, topK int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{
		topK:   topK,
		logger: zerolog.Nop(),
		docs:   docs,
		index:  newIndex(docs),
	}
}

// Reload re-reads the directory and swaps the index atomically.
func (r *Retriever) Reload() error {
	if r.dir == "" {
		return ErrNotConfigured
	}

	docs, err := LoadDir(r.dir)
	if err != nil {
		return err
	}
	idx := newIndex(docs)

	r.mu.Lock()
	r.docs, r.index = docs, idx
	r.mu.Unlock()

	r.logger.Info().Str("dir", r.dir).Int("documents", len(docs)).Msg("knowledge index built")
	return nil
}

// Len reports how many documents are indexed.
func (r *Retriever) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

// Retrieve returns the best matching documents for query.
func (r *Retriever) Retrieve(_ context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	topK := r.topK
	options := retriever.GetCommonOptions(&retriever.Options{TopK: &topK}, opts...)
	if options.TopK != nil && *options.TopK > 0 {
		topK = *options.TopK
	}

	r.mu.RLock()
	docs, idx := r.docs, r.index
	r.mu.RUnlock()

	if idx == nil {
		return nil, nil
	}

	hits := idx.search(query, topK)
	results := make([]*schema.Document, 0, len(hits))
	for _, h := range hits {
		doc := docs[h.doc]
		result := &schema.Document{
			ID:      doc.Path,
			Content: doc.Body,
			MetaData: map[string]any{
				"title": doc.Title,
				"path":  doc.Path,
			},
		}
		results = append(results, result.WithScore(h.score))
	}
	return results, nil
}
