package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/realchar/pkg/provider/embeddings"
)

// DB is satisfied by *pgxpool.Pool and *pgx.Conn.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const ddlDocuments = `
CREATE TABLE IF NOT EXISTS documents (
    id             TEXT         PRIMARY KEY,
    character_name TEXT         NOT NULL,
    source         TEXT         NOT NULL DEFAULT '',
    content        TEXT         NOT NULL,
    embedding      vector(%d)   NOT NULL,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_character ON documents (character_name);

CREATE INDEX IF NOT EXISTS idx_documents_embedding_hnsw
    ON documents USING hnsw (embedding vector_cosine_ops);
`

// PGVectorStore keeps documents in PostgreSQL and ranks them by cosine
// distance with pgvector. The pool must have pgvector types registered.
type PGVectorStore struct {
	db       DB
	embedder embeddings.Provider
}

var (
	_ Searcher = (*PGVectorStore)(nil)
	_ Adder    = (*PGVectorStore)(nil)
)

// NewPGVectorStore returns a store that embeds text with embedder.
func NewPGVectorStore(db DB, embedder embeddings.Provider) *PGVectorStore {
	return &PGVectorStore{db: db, embedder: embedder}
}

// Migrate creates the documents table sized to the embedder's dimensions.
// Changing the embedding model later needs a manual schema change.
func (s *PGVectorStore) Migrate(ctx context.Context) error {
	dims := s.embedder.Dimensions()
	if dims <= 0 {
		return fmt.Errorf("retrieval: migrate: invalid embedding dimensions %d", dims)
	}
	if _, err := s.db.Exec(ctx, fmt.Sprintf(ddlDocuments, dims)); err != nil {
		return fmt.Errorf("retrieval: migrate: %w", err)
	}
	return nil
}

// Reset removes every document.
func (s *PGVectorStore) Reset(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `TRUNCATE documents`); err != nil {
		return fmt.Errorf("retrieval: reset: %w", err)
	}
	return nil
}

// Add embeds docs in one batch and upserts them. Documents without an ID get
// a random one.
func (s *PGVectorStore) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("retrieval: embed %d documents: %w", len(docs), err)
	}
	if len(vecs) != len(docs) {
		return fmt.Errorf("retrieval: embedder returned %d vectors for %d documents", len(vecs), len(docs))
	}

	const q = `
		INSERT INTO documents (id, character_name, source, content, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    character_name = EXCLUDED.character_name,
		    source         = EXCLUDED.source,
		    content        = EXCLUDED.content,
		    embedding      = EXCLUDED.embedding`

	for i, d := range docs {
		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := s.db.Exec(ctx, q, id, d.CharacterName, d.Source, d.Content, pgvector.NewVector(vecs[i])); err != nil {
			return fmt.Errorf("retrieval: insert document %q: %w", id, err)
		}
	}
	return nil
}

// Search embeds query and returns the k nearest documents.
func (s *PGVectorStore) Search(ctx context.Context, query string, k int) ([]Document, error) {
	if k <= 0 {
		return nil, nil
	}
	if query == "" {
		return nil, errors.New("retrieval: search: empty query")
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	const q = `
		SELECT id, character_name, source, content, embedding <=> $1 AS distance
		FROM   documents
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.db.Query(ctx, q, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Document, error) {
		var d Document
		err := row.Scan(&d.ID, &d.CharacterName, &d.Source, &d.Content, &d.Distance)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: scan rows: %w", err)
	}
	return docs, nil
}
