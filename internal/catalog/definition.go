package catalog

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefinitionFile is the name of the YAML file inside each character directory.
const DefinitionFile = "config.yaml"

// DataDir is the per-character directory holding background documents for
// retrieval.
const DataDir = "data"

// excludedDirs are never treated as character directories.
var excludedDirs = map[string]bool{
	"archive":   true,
	"community": true,
}

// Definition is a repo character together with the directory it was read from.
type Definition struct {
	Character

	// Dir is the character directory; background documents live in Dir/data.
	Dir string
}

// DataPath returns the background document directory of d.
func (d Definition) DataPath() string {
	return filepath.Join(d.Dir, DataDir)
}

// definitionFile mirrors config.yaml.
type definitionFile struct {
	CharacterID     string       `yaml:"character_id"`
	CharacterName   string       `yaml:"character_name"`
	System          string       `yaml:"system"`
	User            string       `yaml:"user"`
	VoiceID         scalarString `yaml:"voice_id"`
	TextToSpeechUse string       `yaml:"text_to_speech_use"`
	AvatarID        string       `yaml:"avatar_id"`
	AuthorName      string       `yaml:"author_name"`
	Visibility      string       `yaml:"visibility"`
}

// scalarString accepts any YAML scalar. Voice ids are sometimes written as
// bare numbers.
type scalarString string

func (s *scalarString) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar value", n.Line)
	}
	*s = scalarString(n.Value)
	return nil
}

// ParseDefinition decodes one config.yaml and validates its required fields.
// Unknown keys are rejected.
func ParseDefinition(r io.Reader, source Source) (Character, error) {
	var f definitionFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Character{}, fmt.Errorf("%w: decode yaml: %w", ErrInvalidDefinition, err)
	}

	var errs []error
	required := []struct {
		key, value string
	}{
		{"character_id", f.CharacterID},
		{"character_name", f.CharacterName},
		{"system", f.System},
		{"user", f.User},
		{"voice_id", string(f.VoiceID)},
		{"text_to_speech_use", f.TextToSpeechUse},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%w: %s is required", ErrInvalidDefinition, r.key))
		}
	}

	c := Character{
		ID:           f.CharacterID,
		Name:         f.CharacterName,
		SystemPrompt: f.System,
		UserPrompt:   f.User,
		VoiceID:      string(f.VoiceID),
		TTS:          f.TextToSpeechUse,
		Source:       source,
		Location:     LocationRepo,
		Visibility:   VisibilityPublic,
		AvatarID:     f.AvatarID,
	}

	if source == SourceCommunity {
		c.AuthorName = f.AuthorName
		if f.Visibility != "" {
			c.Visibility = Visibility(f.Visibility)
			if !c.Visibility.IsValid() {
				errs = append(errs, fmt.Errorf("%w: visibility %q must be %q or %q",
					ErrInvalidDefinition, f.Visibility, VisibilityPublic, VisibilityPrivate))
			}
		}
	}

	if len(errs) > 0 {
		return Character{}, errors.Join(errs...)
	}
	return c, nil
}

// LoadDefinitions reads every <dir>/<name>/config.yaml below dir. Hidden,
// archive and community directories are skipped. All problems are collected
// and returned together; on error no definitions are returned.
//
// For the default set an environment variable <CHARACTER_ID>_VOICE_ID
// overrides the voice id from the file.
func LoadDefinitions(dir string, source Source) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s characters from %q: %w", source, dir, err)
	}

	var (
		defs []Definition
		errs []error
	)
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || excludedDirs[name] || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "__") {
			continue
		}
		charDir := filepath.Join(dir, name)
		path := filepath.Join(charDir, DefinitionFile)

		c, err := loadDefinitionFile(path, source)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if source == SourceDefault {
			if v := os.Getenv(strings.ToUpper(c.ID) + "_VOICE_ID"); v != "" {
				c.VoiceID = v
			}
		}
		defs = append(defs, Definition{Character: c, Dir: charDir})
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return defs, nil
}

func loadDefinitionFile(path string, source Source) (Character, error) {
	f, err := os.Open(path)
	if err != nil {
		return Character{}, fmt.Errorf("%w: %s: %w", ErrInvalidDefinition, path, err)
	}
	defer f.Close()

	c, err := ParseDefinition(f, source)
	if err != nil {
		return Character{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// LoadRepo loads the default set from defaultDir and the community set from
// communityDir. Either directory may be empty to skip it; a configured
// community directory that does not exist is skipped with a log line. A
// character id defined more than once is an error.
func LoadRepo(defaultDir, communityDir string) ([]Definition, error) {
	var (
		all  []Definition
		errs []error
	)

	if defaultDir != "" {
		defs, err := LoadDefinitions(defaultDir, SourceDefault)
		if err != nil {
			errs = append(errs, err)
		}
		all = append(all, defs...)
	}

	if communityDir != "" {
		if _, err := os.Stat(communityDir); errors.Is(err, fs.ErrNotExist) {
			slog.Info("catalog: community directory not found, skipping", "dir", communityDir)
		} else {
			defs, err := LoadDefinitions(communityDir, SourceCommunity)
			if err != nil {
				errs = append(errs, err)
			}
			all = append(all, defs...)
		}
	}

	seen := make(map[string]string, len(all))
	for _, d := range all {
		if prev, dup := seen[d.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate character_id %q in %s and %s",
				ErrInvalidDefinition, d.ID, prev, d.Dir))
			continue
		}
		seen[d.ID] = d.Dir
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return all, nil
}

// Characters strips the directory information from defs.
func Characters(defs []Definition) []Character {
	out := make([]Character, len(defs))
	for i, d := range defs {
		out[i] = d.Character
	}
	return out
}
