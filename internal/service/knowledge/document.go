// Package knowledge serves SOP documents from a local directory to the
// answering chain through eino's retriever interface.
package knowledge

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoDocuments is returned when a knowledge directory holds no usable files.
var ErrNoDocuments = errors.New("no knowledge documents found")

var frontMatterDelim = []byte("---")

// Document is one SOP file.
type Document struct {
	Path  string
	Title string
	Tags  []string
	Body  string
}

type frontMatter struct {
	Title string   `yaml:"title"`
	Tags  []string `yaml:"tags"`
}

// LoadDir reads every .md and .txt file below dir, sorted by path.
func LoadDir(dir string) ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".markdown", ".txt":
		default:
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		doc, err := parseDocument(filepath.ToSlash(rel), raw)
		if err != nil {
			return err
		}
		if strings.TrimSpace(doc.Body) != "" {
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoDocuments, dir)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs, nil
}

// parseDocument splits optional YAML front matter from the body. The title
// defaults to the file name without extension.
func parseDocument(path string, raw []byte) (Document, error) {
	doc := Document{
		Path:  path,
		Title: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Body:  string(raw),
	}

	trimmed := bytes.TrimLeft(raw, "\ufeff \t\r\n")
	if !bytes.HasPrefix(trimmed, frontMatterDelim) {
		return doc, nil
	}
	rest := trimmed[len(frontMatterDelim):]
	end := bytes.Index(rest, append([]byte("\n"), frontMatterDelim...))
	if end < 0 {
		return doc, nil
	}

	var meta frontMatter
	if err := yaml.Unmarshal(rest[:end], &meta); err != nil {
		return Document{}, fmt.Errorf("parse front matter of %s: %w", path, err)
	}
	if meta.Title != "" {
		doc.Title = meta.Title
	}
	doc.Tags = meta.Tags

	body := rest[end+1+len(frontMatterDelim):]
	doc.Body = strings.TrimSpace(string(body))
	return doc, nil
}
