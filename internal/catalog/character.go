// Package catalog is the character registry.
//
// Characters come from two places. Repo characters are YAML definitions
// bundled with the deployment and loaded once at startup ([LoadRepo]).
// Database characters are user-created rows that a background loop
// re-reads on an interval ([Registry.Run]). Readers call [Registry.Get] on
// every conversation turn and never block: the registry publishes an
// immutable snapshot through an atomic pointer and each refresh builds a
// complete replacement before swapping it in.
package catalog

import (
	"errors"
	"time"
)

// Source says which set a character definition came from.
type Source string

const (
	SourceDefault   Source = "default"
	SourceCommunity Source = "community"
)

// Location says where a character is stored.
type Location string

const (
	LocationRepo     Location = "repo"
	LocationDatabase Location = "database"
)

// Visibility controls whether a character is listed for other users.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// IsValid reports whether v is a known visibility.
func (v Visibility) IsValid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// AnonymousAuthor is the display name used when the author cannot be resolved.
const AnonymousAuthor = "anonymous author"

// ErrInvalidDefinition is wrapped by every character definition problem found
// while loading repo characters.
var ErrInvalidDefinition = errors.New("catalog: invalid character definition")

// Character is a persona the conversation pipeline can speak as.
//
// Values handed out by the [Registry] are shared between readers and must be
// treated as read-only, including Data.
type Character struct {
	ID   string
	Name string

	// SystemPrompt is the persona instruction sent as the system message.
	SystemPrompt string

	// UserPrompt is a template with {context} and {query} placeholders.
	UserPrompt string

	VoiceID string

	// TTS names the synthesizer, e.g. "elevenlabs".
	TTS string

	Source     Source
	Location   Location
	Visibility Visibility

	AvatarID   string
	AuthorID   string
	AuthorName string

	Data map[string]any
}

// Row is one record of the characters table.
type Row struct {
	ID              string
	Name            string
	SystemPrompt    string
	UserPrompt      string
	TextToSpeechUse string
	VoiceID         string
	AuthorID        string
	Visibility      string
	Data            map[string]any
	TTS             string
	AvatarID        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// character converts a database row, with its resolved author name, into a
// Character. The tts column wins over the legacy text_to_speech_use column.
func (r Row) character(authorName string) Character {
	tts := r.TTS
	if tts == "" {
		tts = r.TextToSpeechUse
	}
	vis := Visibility(r.Visibility)
	if !vis.IsValid() {
		vis = VisibilityPrivate
	}
	return Character{
		ID:           r.ID,
		Name:         r.Name,
		SystemPrompt: r.SystemPrompt,
		UserPrompt:   r.UserPrompt,
		VoiceID:      r.VoiceID,
		TTS:          tts,
		Source:       SourceCommunity,
		Location:     LocationDatabase,
		Visibility:   vis,
		AvatarID:     r.AvatarID,
		AuthorID:     r.AuthorID,
		AuthorName:   authorName,
		Data:         r.Data,
	}
}
