package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the interactions table.
const Schema = `
CREATE TABLE IF NOT EXISTS interactions (
    id                     BIGSERIAL PRIMARY KEY,
    user_id                VARCHAR(50),
    session_id             VARCHAR(50),
    character_id           VARCHAR(100),
    client_message_unicode TEXT,
    server_message_unicode TEXT,
    platform               VARCHAR(50),
    action_type            VARCHAR(50),
    language               VARCHAR(10),
    message_id             VARCHAR(64),
    llm_config             JSONB,
    timestamp              TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id, id);
`

// Interaction is one persisted turn.
type Interaction struct {
	ID            int64
	UserID        string
	SessionID     string
	CharacterID   string
	ClientMessage string
	ServerMessage string
	Platform      string
	ActionType    string
	Language      string
	MessageID     string
	LLMConfig     map[string]any
	Timestamp     time.Time
}

// InteractionStore persists turns.
type InteractionStore interface {
	Save(ctx context.Context, in *Interaction) error
	ListBySession(ctx context.Context, sessionID string) ([]Interaction, error)
}

// DB is satisfied by *pgxpool.Pool and *pgx.Conn.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresInteractions is an [InteractionStore] over the interactions table.
type PostgresInteractions struct {
	db DB
}

var _ InteractionStore = (*PostgresInteractions)(nil)

// NewPostgresInteractions returns a store using db.
func NewPostgresInteractions(db DB) *PostgresInteractions {
	return &PostgresInteractions{db: db}
}

// Migrate applies [Schema].
func (s *PostgresInteractions) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("conversation: migrate: %w", err)
	}
	return nil
}

// Save inserts in and fills its ID and Timestamp. A missing MessageID is
// generated.
func (s *PostgresInteractions) Save(ctx context.Context, in *Interaction) error {
	if in.MessageID == "" {
		in.MessageID = uuid.NewString()
	}
	var cfgJSON []byte
	if in.LLMConfig != nil {
		var err error
		if cfgJSON, err = json.Marshal(in.LLMConfig); err != nil {
			return fmt.Errorf("conversation: marshal llm_config: %w", err)
		}
	}

	const query = `
		INSERT INTO interactions (
			user_id, session_id, character_id, client_message_unicode,
			server_message_unicode, platform, action_type, language,
			message_id, llm_config
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id, timestamp`

	err := s.db.QueryRow(ctx, query,
		in.UserID, in.SessionID, in.CharacterID, in.ClientMessage,
		in.ServerMessage, in.Platform, in.ActionType, in.Language,
		in.MessageID, cfgJSON,
	).Scan(&in.ID, &in.Timestamp)
	if err != nil {
		return fmt.Errorf("conversation: save interaction: %w", err)
	}
	return nil
}

// ListBySession returns the interactions of sessionID in insertion order.
func (s *PostgresInteractions) ListBySession(ctx context.Context, sessionID string) ([]Interaction, error) {
	const query = `
		SELECT id, COALESCE(user_id, ''), COALESCE(session_id, ''), COALESCE(character_id, ''),
		       COALESCE(client_message_unicode, ''), COALESCE(server_message_unicode, ''),
		       COALESCE(platform, ''), COALESCE(action_type, ''), COALESCE(language, ''),
		       COALESCE(message_id, ''), llm_config, timestamp
		FROM interactions
		WHERE session_id = $1
		ORDER BY id`

	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("conversation: list session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var (
			in      Interaction
			cfgJSON []byte
		)
		if err := rows.Scan(
			&in.ID, &in.UserID, &in.SessionID, &in.CharacterID,
			&in.ClientMessage, &in.ServerMessage,
			&in.Platform, &in.ActionType, &in.Language,
			&in.MessageID, &cfgJSON, &in.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("conversation: list scan: %w", err)
		}
		if len(cfgJSON) > 0 {
			if err := json.Unmarshal(cfgJSON, &in.LLMConfig); err != nil {
				return nil, fmt.Errorf("conversation: unmarshal llm_config: %w", err)
			}
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: list session %q: %w", sessionID, err)
	}
	return out, nil
}
