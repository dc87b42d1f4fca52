package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// FileStore writes one JSON file per session. Test sessions also get a
// labelled copy under tests/.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("transcript directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := sanitize(rec.SessionID)
	if id == "" {
		return errors.New("record has no session id")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := writeFile(filepath.Join(s.dir, id+".json"), data); err != nil {
		return err
	}
	if rec.Test == nil {
		return nil
	}
	name := sanitize(rec.Test.Name)
	if name == "" {
		name = "unnamed"
	}
	outcome := sanitize(rec.Test.Outcome)
	if outcome == "" {
		outcome = "unknown"
	}
	testDir := filepath.Join(s.dir, "tests")
	if err := os.MkdirAll(testDir, 0o755); err != nil {
		return fmt.Errorf("create test transcript directory: %w", err)
	}
	return writeFile(filepath.Join(testDir, fmt.Sprintf("%s_%s_%s.json", name, outcome, id)), data)
}

// writeFile replaces path atomically.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".transcript-*")
	if err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), ".")
}
