package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const elonYAML = `character_id: elon_musk
character_name: Elon Musk
system: You are Elon Musk.
user: "Context: {context}\nQuestion: {query}"
voice_id: ErXwobaYiN019PkySvjV
text_to_speech_use: ELEVEN_LABS
avatar_id: elon
`

// writeCharacter creates dir/name/config.yaml with content.
func writeCharacter(t *testing.T, dir, name, content string) string {
	t.Helper()
	charDir := filepath.Join(dir, name)
	if err := os.MkdirAll(charDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(charDir, DefinitionFile), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return charDir
}

func TestParseDefinition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		source  Source
		wantErr []string
		check   func(t *testing.T, c Character)
	}{
		{
			name:   "default set",
			yaml:   elonYAML,
			source: SourceDefault,
			check: func(t *testing.T, c Character) {
				if c.ID != "elon_musk" || c.Name != "Elon Musk" {
					t.Errorf("id/name = %q/%q", c.ID, c.Name)
				}
				if c.Visibility != VisibilityPublic || c.Location != LocationRepo || c.Source != SourceDefault {
					t.Errorf("visibility/location/source = %s/%s/%s", c.Visibility, c.Location, c.Source)
				}
				if c.TTS != "ELEVEN_LABS" || c.AvatarID != "elon" {
					t.Errorf("tts/avatar = %q/%q", c.TTS, c.AvatarID)
				}
				if !strings.Contains(c.UserPrompt, "{context}") {
					t.Errorf("user prompt = %q", c.UserPrompt)
				}
			},
		},
		{
			name: "numeric voice id",
			yaml: `character_id: loki
character_name: Loki
system: s
user: u
voice_id: 123456
text_to_speech_use: EDGE_TTS
`,
			source: SourceDefault,
			check: func(t *testing.T, c Character) {
				if c.VoiceID != "123456" {
					t.Errorf("voice id = %q, want 123456", c.VoiceID)
				}
			},
		},
		{
			name:   "community author and visibility",
			yaml:   elonYAML + "author_name: Jane\nvisibility: private\n",
			source: SourceCommunity,
			check: func(t *testing.T, c Character) {
				if c.AuthorName != "Jane" || c.Visibility != VisibilityPrivate {
					t.Errorf("author/visibility = %q/%q", c.AuthorName, c.Visibility)
				}
			},
		},
		{
			name:   "default set ignores visibility",
			yaml:   elonYAML + "visibility: private\n",
			source: SourceDefault,
			check: func(t *testing.T, c Character) {
				if c.Visibility != VisibilityPublic {
					t.Errorf("visibility = %q, want public", c.Visibility)
				}
			},
		},
		{
			name:    "missing fields",
			yaml:    "character_id: x\nsystem: s\n",
			source:  SourceDefault,
			wantErr: []string{"character_name is required", "user is required", "voice_id is required", "text_to_speech_use is required"},
		},
		{
			name:    "bad visibility",
			yaml:    elonYAML + "visibility: friends\n",
			source:  SourceCommunity,
			wantErr: []string{`visibility "friends"`},
		},
		{
			name:    "unknown key",
			yaml:    elonYAML + "mood: grumpy\n",
			source:  SourceDefault,
			wantErr: []string{"mood"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := ParseDefinition(strings.NewReader(tt.yaml), tt.source)
			if len(tt.wantErr) > 0 {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, ErrInvalidDefinition) {
					t.Errorf("error %v does not wrap ErrInvalidDefinition", err)
				}
				for _, want := range tt.wantErr {
					if !strings.Contains(err.Error(), want) {
						t.Errorf("error %q missing %q", err, want)
					}
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, c)
		})
	}
}

func TestLoadDefinitions_SkipsExcludedDirs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeCharacter(t, dir, "elon_musk", elonYAML)
	for _, skip := range []string{"archive", "community", ".hidden", "__pycache__"} {
		writeCharacter(t, dir, skip, "not: [valid")
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	defs, err := LoadDefinitions(dir, SourceDefault)
	if err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}
	if len(defs) != 1 || defs[0].ID != "elon_musk" {
		t.Fatalf("defs = %+v, want only elon_musk", defs)
	}
	if want := filepath.Join(dir, "elon_musk", DataDir); defs[0].DataPath() != want {
		t.Errorf("DataPath = %q, want %q", defs[0].DataPath(), want)
	}
}

func TestLoadDefinitions_VoiceOverride(t *testing.T) {
	dir := t.TempDir()
	writeCharacter(t, dir, "elon_musk", elonYAML)
	t.Setenv("ELON_MUSK_VOICE_ID", "override-voice")

	defs, err := LoadDefinitions(dir, SourceDefault)
	if err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}
	if defs[0].VoiceID != "override-voice" {
		t.Errorf("voice id = %q, want override-voice", defs[0].VoiceID)
	}

	community, err := LoadDefinitions(dir, SourceCommunity)
	if err != nil {
		t.Fatalf("LoadDefinitions community: %v", err)
	}
	if community[0].VoiceID != "ErXwobaYiN019PkySvjV" {
		t.Errorf("community voice id = %q, want the file value", community[0].VoiceID)
	}
}

func TestLoadDefinitions_AllOrNothing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeCharacter(t, dir, "elon_musk", elonYAML)
	writeCharacter(t, dir, "broken", "character_id: broken\n")
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	defs, err := LoadDefinitions(dir, SourceDefault)
	if err == nil {
		t.Fatal("expected error")
	}
	if defs != nil {
		t.Errorf("defs = %v, want nil on error", defs)
	}
	for _, want := range []string{"broken", "empty"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadRepo(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeCharacter(t, root, "elon_musk", elonYAML)
	community := filepath.Join(root, "community")
	writeCharacter(t, community, "loki", strings.ReplaceAll(elonYAML, "elon_musk", "loki")+"author_name: Jane\n")

	defs, err := LoadRepo(root, community)
	if err != nil {
		t.Fatalf("LoadRepo: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("len = %d, want 2", len(defs))
	}
	if defs[0].Source != SourceDefault || defs[1].Source != SourceCommunity {
		t.Errorf("sources = %s, %s", defs[0].Source, defs[1].Source)
	}
	if got := Characters(defs); got[1].AuthorName != "Jane" {
		t.Errorf("community author = %q", got[1].AuthorName)
	}
}

func TestLoadRepo_MissingCommunityDir(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeCharacter(t, root, "elon_musk", elonYAML)

	defs, err := LoadRepo(root, filepath.Join(root, "does-not-exist"))
	if err != nil {
		t.Fatalf("LoadRepo: %v", err)
	}
	if len(defs) != 1 {
		t.Errorf("len = %d, want 1", len(defs))
	}
}

func TestLoadRepo_DuplicateID(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeCharacter(t, root, "elon_musk", elonYAML)
	community := filepath.Join(root, "community")
	writeCharacter(t, community, "elon_copy", elonYAML)

	_, err := LoadRepo(root, community)
	if err == nil || !strings.Contains(err.Error(), `duplicate character_id "elon_musk"`) {
		t.Fatalf("err = %v, want duplicate id error", err)
	}
}

func TestLoadRepo_MissingDefaultDir(t *testing.T) {
	t.Parallel()
	_, err := LoadRepo(filepath.Join(t.TempDir(), "nope"), "")
	if err == nil {
		t.Fatal("expected error for missing default directory")
	}
}
