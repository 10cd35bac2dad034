package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the characters and users tables. Execute it via
// [PostgresSource.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS characters (
    id                 TEXT PRIMARY KEY,
    name               VARCHAR(1024) NOT NULL,
    system_prompt      TEXT,
    user_prompt        TEXT,
    text_to_speech_use VARCHAR(100),
    voice_id           VARCHAR(100),
    author_id          VARCHAR(100),
    visibility         VARCHAR(100),
    data               JSONB,
    tts                VARCHAR(64),
    avatar_id          VARCHAR(100),
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_characters_author ON characters(author_id);

CREATE TABLE IF NOT EXISTS users (
    id    TEXT PRIMARY KEY,
    name  TEXT,
    email TEXT
);
`

// DB is the database interface used by the Postgres types in this package.
// Both *pgxpool.Pool and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSource is a [CharacterSource] reading the characters table.
type PostgresSource struct {
	db DB
}

var _ CharacterSource = (*PostgresSource)(nil)

// NewPostgresSource returns a PostgresSource using db. Call Migrate before the
// first query if the schema may not exist yet.
func NewPostgresSource(db DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// Migrate applies [Schema].
func (s *PostgresSource) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	return nil
}

// ListCharacters returns every row of the characters table ordered by id.
// NULL text columns come back as empty strings.
func (s *PostgresSource) ListCharacters(ctx context.Context) ([]Row, error) {
	const query = `
		SELECT id, name,
		       COALESCE(system_prompt, ''), COALESCE(user_prompt, ''),
		       COALESCE(text_to_speech_use, ''), COALESCE(voice_id, ''),
		       COALESCE(author_id, ''), COALESCE(visibility, ''),
		       data, COALESCE(tts, ''), COALESCE(avatar_id, ''),
		       created_at, updated_at
		FROM characters
		ORDER BY id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("catalog: list characters: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r        Row
			dataJSON []byte
		)
		if err := rows.Scan(
			&r.ID, &r.Name,
			&r.SystemPrompt, &r.UserPrompt,
			&r.TextToSpeechUse, &r.VoiceID,
			&r.AuthorID, &r.Visibility,
			&dataJSON, &r.TTS, &r.AvatarID,
			&r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("catalog: list characters scan: %w", err)
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &r.Data); err != nil {
				return nil, fmt.Errorf("catalog: character %q: unmarshal data: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: list characters: %w", err)
	}
	return out, nil
}

// Upsert creates or replaces a character row. ID and Name are required.
func (s *PostgresSource) Upsert(ctx context.Context, r *Row) error {
	if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.Name) == "" {
		return errors.New("catalog: upsert: id and name must not be empty")
	}
	var dataJSON []byte
	if r.Data != nil {
		var err error
		if dataJSON, err = json.Marshal(r.Data); err != nil {
			return fmt.Errorf("catalog: marshal data: %w", err)
		}
	}

	const query = `
		INSERT INTO characters (
			id, name, system_prompt, user_prompt, text_to_speech_use,
			voice_id, author_id, visibility, data, tts, avatar_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			system_prompt = EXCLUDED.system_prompt,
			user_prompt = EXCLUDED.user_prompt,
			text_to_speech_use = EXCLUDED.text_to_speech_use,
			voice_id = EXCLUDED.voice_id,
			author_id = EXCLUDED.author_id,
			visibility = EXCLUDED.visibility,
			data = EXCLUDED.data,
			tts = EXCLUDED.tts,
			avatar_id = EXCLUDED.avatar_id,
			updated_at = now()
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		r.ID, r.Name, nullable(r.SystemPrompt), nullable(r.UserPrompt), nullable(r.TextToSpeechUse),
		nullable(r.VoiceID), nullable(r.AuthorID), nullable(r.Visibility), dataJSON, nullable(r.TTS),
		nullable(r.AvatarID),
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("catalog: upsert %q: %w", r.ID, err)
	}
	return nil
}

// Delete removes a character row. Deleting a missing id is not an error.
func (s *PostgresSource) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM characters WHERE id = $1`, id); err != nil {
		return fmt.Errorf("catalog: delete %q: %w", id, err)
	}
	return nil
}

// nullable maps "" to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// PostgresIdentity resolves author display names from the users table.
type PostgresIdentity struct {
	db DB
}

var _ IdentityLookup = (*PostgresIdentity)(nil)

// NewPostgresIdentity returns a PostgresIdentity using db.
func NewPostgresIdentity(db DB) *PostgresIdentity {
	return &PostgresIdentity{db: db}
}

// DisplayName returns the name of user userID. A user without a name is an
// error so that the caller falls back to the placeholder.
func (p *PostgresIdentity) DisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := p.db.QueryRow(ctx, `SELECT COALESCE(name, '') FROM users WHERE id = $1`, userID).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("catalog: user %q not found", userID)
		}
		return "", fmt.Errorf("catalog: lookup user %q: %w", userID, err)
	}
	if name == "" {
		return "", fmt.Errorf("catalog: user %q has no display name", userID)
	}
	return name, nil
}
