package knowledge

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Okapi BM25 parameters.
const (
	paramK1      = 1.2
	paramB       = 0.75
	paramEpsilon = 0.25
)

// Field weights: a field's tokens are repeated this many times in the
// composite document.
const (
	weightTitle = 3
	weightTags  = 2
	weightBody  = 1
)

type hit struct {
	doc   int
	score float64
}

// index is immutable after construction and safe for concurrent reads.
type index struct {
	termFrequencies []map[string]int
	lengths         []int
	avgLength       float64
	idf             map[string]float64
}

func newIndex(docs []Document) *index {
	idx := &index{
		termFrequencies: make([]map[string]int, len(docs)),
		lengths:         make([]int, len(docs)),
		idf:             make(map[string]float64),
	}

	documentFrequency := make(map[string]int)
	total := 0
	for i, doc := range docs {
		tokens := compositeTokens(doc)
		idx.lengths[i] = len(tokens)
		total += len(tokens)

		tf := make(map[string]int)
		for _, token := range tokens {
			if tf[token] == 0 {
				documentFrequency[token]++
			}
			tf[token]++
		}
		idx.termFrequencies[i] = tf
	}

	if len(docs) > 0 {
		idx.avgLength = float64(total) / float64(len(docs))
	}

	n := float64(len(docs))
	for term, df := range documentFrequency {
		idf := math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
		if idf < 0 {
			idf = paramEpsilon
		}
		idx.idf[term] = idf
	}
	return idx
}

// search returns up to limit documents with a positive score, best first.
func (idx *index) search(query string, limit int) []hit {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	var hits []hit
	for i := range idx.termFrequencies {
		if score := idx.score(i, terms); score > 0 {
			hits = append(hits, hit{doc: i, score: score})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (idx *index) score(doc int, terms []string) float64 {
	tf := idx.termFrequencies[doc]
	length := float64(idx.lengths[doc])

	var score float64
	for _, term := range terms {
		idf, ok := idx.idf[term]
		if !ok {
			continue
		}
		freq := float64(tf[term])
		if freq == 0 {
			continue
		}
		numerator := freq * (paramK1 + 1)
		denominator := freq + paramK1*(1-paramB+paramB*length/idx.avgLength)
		score += idf * numerator / denominator
	}
	return score
}

func compositeTokens(doc Document) []string {
	var tokens []string
	add := func(text string, weight int) {
		fieldTokens := tokenize(text)
		for i := 0; i < weight; i++ {
			tokens = append(tokens, fieldTokens...)
		}
	}
	add(doc.Title, weightTitle)
	add(strings.Join(doc.Tags, " "), weightTags)
	add(doc.Body, weightBody)
	return tokens
}

// tokenize lower-cases ASCII letters and digits into word runs. Han, Hiragana,
// Katakana and Hangul characters have no word separators, so each one is
// emitted alone together with the bigram it forms with the next character.
func tokenize(text string) []string {
	var tokens []string
	var word strings.Builder
	var prevCJK rune

	flushWord := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}

	for _, r := range text {
		switch {
		case isCJK(r):
			flushWord()
			tokens = append(tokens, string(r))
			if prevCJK != 0 {
				tokens = append(tokens, string([]rune{prevCJK, r}))
			}
			prevCJK = r
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			prevCJK = 0
			word.WriteRune(unicode.ToLower(r))
		default:
			prevCJK = 0
			flushWord()
		}
	}
	flushWord()
	return tokens
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
