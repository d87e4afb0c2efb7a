// Package source reads legal documents from collections on disk. A collection
// is a directory under the root; a source id is "<collection>/<relative path>".
package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/lexrag/internal/faults"
)

// Item is the raw content of one source document.
type Item struct {
	SourceID   string
	Collection string
	Name       string
	Raw        []byte
	ModTime    time.Time
}

// Store lists and fetches source documents.
type Store interface {
	List(ctx context.Context, collection string) ([]string, error)
	Fetch(ctx context.Context, sourceID string) (Item, error)
}

var supportedExt = map[string]bool{
	".pdf":  true,
	".html": true,
	".htm":  true,
	".txt":  true,
	".md":   true,
}

// Supported reports whether a file name has an extension the extractor reads.
func Supported(name string) bool {
	return supportedExt[strings.ToLower(filepath.Ext(name))]
}

// FSStore serves collections from a directory tree.
type FSStore struct {
	root string
}

func NewFSStore(root string) *FSStore {
	return &FSStore{root: root}
}

func (s *FSStore) Root() string { return s.root }

// List returns the source ids of supported files in a collection, sorted.
func (s *FSStore) List(ctx context.Context, collection string) ([]string, error) {
	if collection == "" || strings.ContainsAny(collection, `/\`) || collection == ".." {
		return nil, faults.Permanent("source.list", fmt.Errorf("invalid collection name %q", collection))
	}
	dir := filepath.Join(s.root, collection)
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, faults.Permanent("source.list", fmt.Errorf("collection %q does not exist", collection))
	}
	if err != nil {
		return nil, faults.Transient("source.list", err)
	}
	if !info.IsDir() {
		return nil, faults.Permanent("source.list", fmt.Errorf("collection %q is not a directory", collection))
	}

	var ids []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !Supported(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		ids = append(ids, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.Transient("source.list", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Fetch reads a source document. A missing file is permanent; other read
// errors are retried by the caller.
func (s *FSStore) Fetch(ctx context.Context, sourceID string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	p, collection, err := s.resolve(sourceID)
	if err != nil {
		return Item{}, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Item{}, faults.Permanent("source.fetch", fmt.Errorf("source %s not found", sourceID))
	}
	if err != nil {
		return Item{}, faults.Transient("source.fetch", err)
	}
	if info.IsDir() {
		return Item{}, faults.Permanent("source.fetch", fmt.Errorf("source %s is a directory", sourceID))
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return Item{}, faults.Transient("source.fetch", fmt.Errorf("reading %s: %w", sourceID, err))
	}
	return Item{
		SourceID:   sourceID,
		Collection: collection,
		Name:       path.Base(sourceID),
		Raw:        raw,
		ModTime:    info.ModTime(),
	}, nil
}

func (s *FSStore) resolve(sourceID string) (string, string, error) {
	clean := path.Clean(sourceID)
	if clean != sourceID || path.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", "", faults.Permanent("source.fetch", fmt.Errorf("invalid source id %q", sourceID))
	}
	collection, _, ok := strings.Cut(clean, "/")
	if !ok {
		return "", "", faults.Permanent("source.fetch", fmt.Errorf("source id %q has no collection", sourceID))
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), collection, nil
}

// SourceID builds the id of a file under root. ok is false for files outside
// a collection.
func (s *FSStore) SourceID(absPath string) (id, collection string, ok bool) {
	rel, err := filepath.Rel(s.root, absPath)
	if err != nil {
		return "", "", false
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") {
		return "", "", false
	}
	collection, _, ok = strings.Cut(rel, "/")
	if !ok {
		return "", "", false
	}
	return rel, collection, true
}
