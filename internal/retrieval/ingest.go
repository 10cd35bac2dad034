package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// documentNamespace seeds the stable ids of ingested chunks.
var documentNamespace = uuid.MustParse("6f1c1d0e-6a7b-4d0c-9b7e-2f3c5a8e9d41")

// IngestDir splits every regular file below dir into chunks tagged with
// characterName and adds them to store. Hidden files and directories are
// skipped. Chunk ids are derived from the character, the file path and the
// chunk index, so ingesting the same directory twice replaces rather than
// duplicates. It returns the number of chunks added.
func IngestDir(ctx context.Context, store Adder, characterName, dir string, sp Splitter) (int, error) {
	var docs []Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)
		for i, chunk := range sp.Split(string(data)) {
			docs = append(docs, Document{
				ID:            uuid.NewSHA1(documentNamespace, []byte(characterName+"/"+rel+"#"+strconv.Itoa(i))).String(),
				Content:       chunk,
				CharacterName: characterName,
				Source:        rel,
			})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("retrieval: read %s: %w", dir, err)
	}
	if err := store.Add(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}
