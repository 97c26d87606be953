// Package semantic backs the code_search tool with an embedded chromem-go
// vector store.
package semantic

import (
	"context"
	"fmt"

	"github.com/philippgille/chromem-go"

	"maestro/internal/logging"
	"maestro/internal/tools"
)

const collectionName = "workspace-code"

// Store is a tools.SemanticIndex backed by chromem-go. Persistence is
// optional; an empty path keeps the index in memory.
type Store struct {
	collection *chromem.Collection
	logger     logging.Logger
}

// New opens (or creates) the store. embed may be nil, in which case
// chromem's default embedding backend is used.
func New(path string, embed chromem.EmbeddingFunc, logger logging.Logger) (*Store, error) {
	var db *chromem.DB
	var err error
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open semantic index: %w", err)
		}
	}

	collection, err := db.GetOrCreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open collection: %w", err)
	}
	return &Store{collection: collection, logger: logging.OrNop(logger)}, nil
}

// Index implements tools.SemanticIndex.
func (s *Store) Index(ctx context.Context, id, path, content string) error {
	err := s.collection.AddDocument(ctx, chromem.Document{
		ID:       id,
		Metadata: map[string]string{"path": path},
		Content:  content,
	})
	if err != nil {
		return fmt.Errorf("index document %s: %w", id, err)
	}
	s.logger.Debug("indexed document: id=%s path=%s", id, path)
	return nil
}

// Query implements tools.SemanticIndex.
func (s *Store) Query(ctx context.Context, query string, n int) ([]tools.Match, error) {
	if count := s.collection.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := s.collection.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic query: %w", err)
	}

	out := make([]tools.Match, 0, len(results))
	for _, r := range results {
		out = append(out, tools.Match{
			ID:      r.ID,
			Path:    r.Metadata["path"],
			Snippet: snippet(r.Content),
			Score:   r.Similarity,
		})
	}
	return out, nil
}

const maxSnippetLen = 400

func snippet(content string) string {
	if len(content) <= maxSnippetLen {
		return content
	}
	return content[:maxSnippetLen] + "..."
}
