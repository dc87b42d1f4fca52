package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Store loads workflow definitions by id.
type Store interface {
	Load(ctx context.Context, id string) (*Definition, error)
}

const definitionPattern = "**/*.{yaml,yml,json}"

// FileStore reads definitions from a directory tree. Files are re-read on
// every Load so edits are picked up without a restart.
type FileStore struct {
	fsys fs.FS
	root string
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("workflow dir must be non-empty")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("workflow dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workflow dir %q is not a directory", dir)
	}
	return &FileStore{fsys: os.DirFS(dir), root: dir}, nil
}

// NewFSStore returns a store over an arbitrary filesystem.
func NewFSStore(fsys fs.FS) *FileStore {
	return &FileStore{fsys: fsys, root: "."}
}

func (s *FileStore) Load(ctx context.Context, id string) (*Definition, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}
	files, err := doublestar.Glob(s.fsys, definitionPattern)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		def, err := s.read(name)
		if err != nil {
			// A broken sibling file must not hide a valid definition.
			if stem(name) == id {
				return nil, err
			}
			continue
		}
		if def.ID == id {
			if err := def.Validate(); err != nil {
				return nil, err
			}
			return def, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
}

// LoadResult is one entry of All.
type LoadResult struct {
	Path       string
	Definition *Definition
	Err        error
}

// All reads and validates every definition in the store.
func (s *FileStore) All(ctx context.Context) ([]LoadResult, error) {
	files, err := doublestar.Glob(s.fsys, definitionPattern)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out := make([]LoadResult, 0, len(files))
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		def, err := s.read(name)
		if err == nil {
			err = def.Validate()
		}
		out = append(out, LoadResult{Path: path.Join(s.root, name), Definition: def, Err: err})
	}
	return out, nil
}

func (s *FileStore) read(name string) (*Definition, error) {
	b, err := fs.ReadFile(s.fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", name, err)
	}
	var def Definition
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		err = json.Unmarshal(b, &def)
	default:
		err = yaml.Unmarshal(b, &def)
	}
	if err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", name, err)
	}
	if strings.TrimSpace(def.ID) == "" {
		def.ID = stem(name)
	}
	def.Source = path.Join(s.root, name)
	return &def, nil
}

func stem(name string) string {
	base := path.Base(name)
	return strings.TrimSuffix(base, path.Ext(base))
}
