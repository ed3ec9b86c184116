package coedit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCheckpointStoreLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coedit.db")

	checkpoint, err := OpenCheckpointWithDefaults(path)
	assert.Equal(t, err, nil)
	defer checkpoint.Close()

	_, ok, err := checkpoint.Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	docStore := NewDocStore(NewId())
	assert.Equal(t, docStore.SetFile("notes.md", "hello"), nil)
	save, err := docStore.Snapshot()
	assert.Equal(t, err, nil)
	assert.Equal(t, checkpoint.Store(save), nil)

	loaded, ok, err := checkpoint.Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)

	restored, err := NewDocStoreFromSave(NewId(), loaded)
	assert.Equal(t, err, nil)
	content, exists := restored.GetFile("notes.md")
	assert.Equal(t, exists, true)
	assert.Equal(t, content, "hello")
}

func TestCheckpointRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coedit.db")

	settings := DefaultCheckpointSettings()
	settings.FlushTimeout = 10 * time.Millisecond
	checkpoint, err := OpenCheckpoint(path, settings)
	assert.Equal(t, err, nil)
	defer checkpoint.Close()

	docStore := NewDocStore(NewId())
	assert.Equal(t, docStore.SetFile("notes.md", "hello"), nil)

	runCtx, runCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		checkpoint.Run(runCtx, docStore)
	}()

	waitFor(t, 5*time.Second, func() bool {
		_, ok, err := checkpoint.Load()
		return err == nil && ok
	})

	// an edit after the first flush lands in the final flush on the way
	// out
	assert.Equal(t, docStore.SetFile("notes.md", "hello again"), nil)
	runCancel()
	<-done

	loaded, ok, err := checkpoint.Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	restored, err := NewDocStoreFromSave(NewId(), loaded)
	assert.Equal(t, err, nil)
	content, _ := restored.GetFile("notes.md")
	assert.Equal(t, content, "hello again")
}
