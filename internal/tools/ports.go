package tools

import "context"

// GitRunner abstracts the git binary so tools stay testable and the registry
// carries no exec dependency.
type GitRunner interface {
	// Run executes git with args inside dir and returns combined output.
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// Match is one semantic search hit.
type Match struct {
	ID      string  `json:"id"`
	Path    string  `json:"path"`
	Snippet string  `json:"snippet"`
	Score   float32 `json:"score"`
}

// SemanticIndex abstracts the vector store behind the code_search tool.
type SemanticIndex interface {
	// Index upserts a document.
	Index(ctx context.Context, id, path, content string) error
	// Query returns the top-n matches for a natural-language query.
	Query(ctx context.Context, query string, n int) ([]Match, error)
}
