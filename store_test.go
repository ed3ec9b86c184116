package coedit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestValidateStorePath(t *testing.T) {
	for _, path := range []string{"a.md", "a/b.md", "a/b/c.md"} {
		assert.Equal(t, validateStorePath(path), nil)
	}
	for _, path := range []string{"", "/a.md", "a//b.md", "../a.md", "a/../b.md", "./a.md", "a\\b.md"} {
		assert.NotEqual(t, validateStorePath(path), nil)
	}
}

func TestDirStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	_, err := NewDirStore(filepath.Join(root, "missing"))
	assert.NotEqual(t, err, nil)

	store, err := NewDirStore(root)
	assert.Equal(t, err, nil)

	_, err = store.Read(ctx, "notes.md")
	assert.Equal(t, errors.Is(err, ErrNotFound), true)

	assert.Equal(t, store.Write(ctx, "notes.md", "hello"), nil)
	assert.Equal(t, store.Write(ctx, "a/b/inner.md", "nested"), nil)

	content, err := store.Read(ctx, "notes.md")
	assert.Equal(t, err, nil)
	assert.Equal(t, content, "hello")

	exists, err := store.Exists(ctx, "a/b/inner.md")
	assert.Equal(t, err, nil)
	assert.Equal(t, exists, true)
	exists, err = store.Exists(ctx, "other.md")
	assert.Equal(t, err, nil)
	assert.Equal(t, exists, false)

	// hidden entries are not part of the shared tree
	assert.Equal(t, os.WriteFile(filepath.Join(root, ".hidden"), []byte("x"), 0o644), nil)
	assert.Equal(t, os.MkdirAll(filepath.Join(root, ".git", "objects"), 0o755), nil)

	entries, err := store.List(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, entries, []TreeEntry{
		{Path: "a", Kind: EntryKindFolder},
		{Path: "a/b", Kind: EntryKindFolder},
		{Path: "a/b/inner.md", Kind: EntryKindFile},
		{Path: "notes.md", Kind: EntryKindFile},
	})

	// paths cannot escape the store root
	_, err = store.Read(ctx, "../escape.md")
	assert.NotEqual(t, err, nil)
	assert.NotEqual(t, store.Write(ctx, "/abs.md", "x"), nil)
}

func TestMemStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	_, err := store.Read(ctx, "notes.md")
	assert.Equal(t, errors.Is(err, ErrNotFound), true)

	assert.Equal(t, store.Write(ctx, "notes.md", "hello"), nil)
	assert.Equal(t, store.Write(ctx, "a/b/inner.md", "nested"), nil)

	content, err := store.Read(ctx, "notes.md")
	assert.Equal(t, err, nil)
	assert.Equal(t, content, "hello")

	exists, err := store.Exists(ctx, "notes.md")
	assert.Equal(t, err, nil)
	assert.Equal(t, exists, true)

	entries, err := store.List(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, entries, []TreeEntry{
		{Path: "a", Kind: EntryKindFolder},
		{Path: "a/b", Kind: EntryKindFolder},
		{Path: "a/b/inner.md", Kind: EntryKindFile},
		{Path: "notes.md", Kind: EntryKindFile},
	})

	store.Remove("notes.md")
	exists, err = store.Exists(ctx, "notes.md")
	assert.Equal(t, err, nil)
	assert.Equal(t, exists, false)

	assert.NotEqual(t, store.Write(ctx, "../escape.md", "x"), nil)
}
