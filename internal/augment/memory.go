package augment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/realchar/pkg/provider/embeddings"
)

const ddlMemories = `
CREATE TABLE IF NOT EXISTS memories (
    memory_id         TEXT         PRIMARY KEY,
    user_id           TEXT         NOT NULL,
    source_session_id TEXT         NOT NULL DEFAULT '',
    content           TEXT         NOT NULL,
    embedding         vector(%d)   NOT NULL,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memories_user ON memories (user_id);
`

// DB is satisfied by *pgxpool.Pool and *pgx.Conn.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// MemoryRecord is one remembered fact about a user.
type MemoryRecord struct {
	ID              string
	UserID          string
	SourceSessionID string
	Content         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Memory looks up what was learned about a user in earlier sessions, ranked
// by cosine distance to the query.
type Memory struct {
	db       DB
	embedder embeddings.Provider
	topK     int
}

var _ Augmenter = (*Memory)(nil)

// NewMemory returns a memory augmenter returning at most topK facts.
func NewMemory(db DB, embedder embeddings.Provider, topK int) *Memory {
	if topK <= 0 {
		topK = 3
	}
	return &Memory{db: db, embedder: embedder, topK: topK}
}

// Name implements [Augmenter].
func (m *Memory) Name() string { return "memory" }

// Migrate creates the memories table.
func (m *Memory) Migrate(ctx context.Context) error {
	if _, err := m.db.Exec(ctx, fmt.Sprintf(ddlMemories, m.embedder.Dimensions())); err != nil {
		return fmt.Errorf("augment: migrate memories: %w", err)
	}
	return nil
}

// Save embeds rec.Content and upserts it. A missing ID is generated.
func (m *Memory) Save(ctx context.Context, rec *MemoryRecord) error {
	if rec.UserID == "" {
		return fmt.Errorf("augment: save memory: empty user id")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	vec, err := m.embedder.Embed(ctx, rec.Content)
	if err != nil {
		return fmt.Errorf("augment: embed memory: %w", err)
	}
	const q = `
		INSERT INTO memories (memory_id, user_id, source_session_id, content, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (memory_id) DO UPDATE SET
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    updated_at = now()`
	if _, err := m.db.Exec(ctx, q, rec.ID, rec.UserID, rec.SourceSessionID, rec.Content, pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("augment: save memory %q: %w", rec.ID, err)
	}
	return nil
}

// Augment implements [Augmenter]. Anonymous requests contribute nothing.
func (m *Memory) Augment(ctx context.Context, req Request) (string, error) {
	if req.UserID == "" {
		return "", nil
	}
	vec, err := m.embedder.Embed(ctx, req.Query)
	if err != nil {
		return "", fmt.Errorf("augment: embed memory query: %w", err)
	}

	const q = `
		SELECT content
		FROM   memories
		WHERE  user_id = $2
		ORDER  BY embedding <=> $1
		LIMIT  $3`
	rows, err := m.db.Query(ctx, q, pgvector.NewVector(vec), req.UserID, m.topK)
	if err != nil {
		return "", fmt.Errorf("augment: memory lookup: %w", err)
	}
	facts, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", fmt.Errorf("augment: memory scan: %w", err)
	}
	return strings.Join(facts, "\n"), nil
}
