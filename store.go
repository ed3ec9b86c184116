package coedit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("closed")
)


type EntryKind string

const (
	EntryKindFile   EntryKind = "file"
	EntryKindFolder EntryKind = "folder"
)

type TreeEntry struct {
	Path string    `json:"path"`
	Kind EntryKind `json:"kind"`
}

// FileStore is the local mirror that the reconcile bridge reads from
// and writes to. Paths are relative, slash separated, and must never
// escape the store root.
type FileStore interface {
	List(ctx context.Context) ([]TreeEntry, error)
	Read(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, path string, content string) error
	Exists(ctx context.Context, path string) (bool, error)
}

func validateStorePath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.Contains(path, "\\") {
		return fmt.Errorf("Invalid path: %s", path)
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("Invalid path: %s", path)
		}
	}
	return nil
}


// DirStore mirrors a directory on the local file system
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("Not a directory: %s", absRoot)
	}
	return &DirStore{
		root: absRoot,
	}, nil
}

func (self *DirStore) Root() string {
	return self.root
}

func (self *DirStore) resolve(path string) (string, error) {
	if err := validateStorePath(path); err != nil {
		return "", err
	}
	return filepath.Join(self.root, filepath.FromSlash(path)), nil
}

func (self *DirStore) List(ctx context.Context) ([]TreeEntry, error) {
	entries := []TreeEntry{}
	err := filepath.WalkDir(self.root, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if walkPath == self.root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			// hidden entries are not part of the shared tree
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		relPath, err := filepath.Rel(self.root, walkPath)
		if err != nil {
			return err
		}
		kind := EntryKindFile
		if d.IsDir() {
			kind = EntryKindFolder
		}
		entries = append(entries, TreeEntry{
			Path: filepath.ToSlash(relPath),
			Kind: kind,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (self *DirStore) Read(ctx context.Context, path string) (string, error) {
	resolved, err := self.resolve(path)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return string(b), nil
}

func (self *DirStore) Write(ctx context.Context, path string, content string) error {
	resolved, err := self.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

func (self *DirStore) Exists(ctx context.Context, path string) (bool, error) {
	resolved, err := self.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}


// MemStore is an in memory `FileStore` for embedding and tests
type MemStore struct {
	stateLock sync.Mutex
	files     map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		files: map[string]string{},
	}
}

func (self *MemStore) List(ctx context.Context) ([]TreeEntry, error) {
	self.stateLock.Lock()
	paths := maps.Keys(self.files)
	self.stateLock.Unlock()

	folders := map[string]bool{}
	for _, path := range paths {
		parts := strings.Split(path, "/")
		for i := 1; i < len(parts); i += 1 {
			folders[strings.Join(parts[:i], "/")] = true
		}
	}

	entries := []TreeEntry{}
	for folder := range folders {
		entries = append(entries, TreeEntry{
			Path: folder,
			Kind: EntryKindFolder,
		})
	}
	for _, path := range paths {
		entries = append(entries, TreeEntry{
			Path: path,
			Kind: EntryKindFile,
		})
	}
	slices.SortFunc(entries, func(a TreeEntry, b TreeEntry) int {
		return strings.Compare(a.Path, b.Path)
	})
	return entries, nil
}

func (self *MemStore) Read(ctx context.Context, path string) (string, error) {
	if err := validateStorePath(path); err != nil {
		return "", err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	content, ok := self.files[path]
	if !ok {
		return "", ErrNotFound
	}
	return content, nil
}

func (self *MemStore) Write(ctx context.Context, path string, content string) error {
	if err := validateStorePath(path); err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.files[path] = content
	return nil
}

func (self *MemStore) Exists(ctx context.Context, path string) (bool, error) {
	if err := validateStorePath(path); err != nil {
		return false, err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.files[path]
	return ok, nil
}

func (self *MemStore) Remove(path string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.files, path)
}
