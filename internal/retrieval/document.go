// Package retrieval stores character knowledge and finds the passages most
// similar to a query.
//
// Every [Document] carries the name of the character it belongs to. Stores
// return nearest neighbours across all characters; callers narrow the result
// with [FilterByCharacter] so one character never sees another's material.
package retrieval

import (
	"context"
	"strings"
)

// Document is one retrievable passage.
type Document struct {
	ID            string
	Content       string
	CharacterName string

	// Source names the file the passage came from.
	Source string

	// Distance is the cosine distance to the query. Set only on search results.
	Distance float64
}

// Searcher returns the k documents closest to query, nearest first.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Document, error)
}

// Adder indexes documents.
type Adder interface {
	Add(ctx context.Context, docs []Document) error
}

// FilterByCharacter keeps the documents tagged with characterName. It returns
// nil when none match.
func FilterByCharacter(docs []Document, characterName string) []Document {
	var out []Document
	for _, d := range docs {
		if d.CharacterName == characterName {
			out = append(out, d)
		}
	}
	return out
}

// JoinContent concatenates the contents of docs, one per line.
func JoinContent(docs []Document) string {
	parts := make([]string, len(docs))
	for i, d := range docs {
		parts[i] = d.Content
	}
	return strings.Join(parts, "\n")
}
