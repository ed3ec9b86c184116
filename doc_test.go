package coedit

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDocStoreFiles(t *testing.T) {
	docStore := NewDocStore(NewId())

	_, exists := docStore.GetFile("notes.md")
	assert.Equal(t, exists, false)

	assert.Equal(t, docStore.SetFile("notes.md", "hello"), nil)
	content, exists := docStore.GetFile("notes.md")
	assert.Equal(t, exists, true)
	assert.Equal(t, content, "hello")

	assert.Equal(t, docStore.SetFile("b/inner.md", "world"), nil)
	assert.Equal(t, docStore.ListFiles(), []string{"b/inner.md", "notes.md"})

	assert.Equal(t, docStore.SetFile("notes.md", "hello again"), nil)
	content, _ = docStore.GetFile("notes.md")
	assert.Equal(t, content, "hello again")

	assert.Equal(t, docStore.DeleteFile("notes.md"), nil)
	_, exists = docStore.GetFile("notes.md")
	assert.Equal(t, exists, false)
	assert.Equal(t, docStore.ListFiles(), []string{"b/inner.md"})

	// deleting an absent path is a no-op
	assert.Equal(t, docStore.DeleteFile("notes.md"), nil)

	// empty path is invalid
	assert.NotEqual(t, docStore.SetFile("", "x"), nil)
}

func TestDocStoreNoOpOnUnchangedWrite(t *testing.T) {
	docStore := NewDocStore(NewId())

	localUpdates := 0
	docStore.AddLocalUpdateCallback(func() {
		localUpdates += 1
	})

	assert.Equal(t, docStore.SetFile("a.md", "content"), nil)
	assert.Equal(t, localUpdates, 1)
	heads := docStore.Heads()

	// writing identical content produces no new operations and no events
	assert.Equal(t, docStore.SetFile("a.md", "content"), nil)
	assert.Equal(t, localUpdates, 1)
	assert.Equal(t, docStore.Heads(), heads)
}

func TestDocStoreSnapshotCompleteness(t *testing.T) {
	a := NewDocStore(NewId())
	assert.Equal(t, a.SetFile("notes.md", "hello"), nil)
	assert.Equal(t, a.SetFile("todo.md", "- item"), nil)
	assert.Equal(t, a.SetFile("notes.md", "hello edited"), nil)

	snapshotBytes, err := a.Snapshot()
	assert.Equal(t, err, nil)

	// a replica that never saw any of the edits catches up from the
	// snapshot alone, including the path registry
	b := NewDocStore(NewId())
	assert.Equal(t, b.ApplySnapshot(snapshotBytes), nil)
	assert.Equal(t, b.ListFiles(), a.ListFiles())
	for _, path := range a.ListFiles() {
		aContent, _ := a.GetFile(path)
		bContent, bExists := b.GetFile(path)
		assert.Equal(t, bExists, true)
		assert.Equal(t, bContent, aContent)
	}
}

func TestDocStoreIdempotentUpdate(t *testing.T) {
	a := NewDocStore(NewId())
	b := NewDocStore(NewId())

	assert.Equal(t, a.SetFile("doc.md", "one"), nil)
	updateBytes := a.ExportUpdate()
	assert.Equal(t, 0 < len(updateBytes), true)

	// exporting again with no new edits yields nothing
	assert.Equal(t, len(a.ExportUpdate()), 0)

	assert.Equal(t, b.ApplyUpdate(updateBytes), nil)
	heads := b.Heads()
	content, _ := b.GetFile("doc.md")
	assert.Equal(t, content, "one")

	// re-applying the same update changes nothing
	assert.Equal(t, b.ApplyUpdate(updateBytes), nil)
	assert.Equal(t, b.Heads(), heads)
	content, _ = b.GetFile("doc.md")
	assert.Equal(t, content, "one")
}

func TestDocStoreConcurrentEditConvergence(t *testing.T) {
	a := NewDocStore(NewId())
	b := NewDocStore(NewId())

	// both replicas write the same new path while disconnected
	assert.Equal(t, a.SetFile("doc.md", "AAA"), nil)
	assert.Equal(t, b.SetFile("doc.md", "BBB"), nil)

	aUpdate := a.ExportUpdate()
	bUpdate := b.ExportUpdate()
	assert.Equal(t, a.ApplyUpdate(bUpdate), nil)
	assert.Equal(t, b.ApplyUpdate(aUpdate), nil)

	aContent, aExists := a.GetFile("doc.md")
	bContent, bExists := b.GetFile("doc.md")
	assert.Equal(t, aExists, true)
	assert.Equal(t, bExists, true)
	// the winning interleaving is algorithm defined, but both replicas
	// must agree and neither may end up empty
	assert.Equal(t, aContent, bContent)
	assert.NotEqual(t, aContent, "")
}

func TestDocStoreOfflineFilesSurviveMerge(t *testing.T) {
	a := NewDocStore(NewId())
	b := NewDocStore(NewId())

	// each replica creates a different file before any state has been
	// exchanged, so each creation happens with no shared history at all
	assert.Equal(t, a.SetFile("notes.md", "from a"), nil)
	assert.Equal(t, b.SetFile("doc.md", "from b"), nil)

	aSnapshot, err := a.Snapshot()
	assert.Equal(t, err, nil)
	bSnapshot, err := b.Snapshot()
	assert.Equal(t, err, nil)
	assert.Equal(t, a.ApplySnapshot(bSnapshot), nil)
	assert.Equal(t, b.ApplySnapshot(aSnapshot), nil)

	// the merge is a union of the per-file sequences, neither replica's
	// files may be displaced by the other's
	assert.Equal(t, a.ListFiles(), []string{"doc.md", "notes.md"})
	assert.Equal(t, b.ListFiles(), []string{"doc.md", "notes.md"})
	for _, docStore := range []*DocStore{a, b} {
		content, exists := docStore.GetFile("notes.md")
		assert.Equal(t, exists, true)
		assert.Equal(t, content, "from a")
		content, exists = docStore.GetFile("doc.md")
		assert.Equal(t, exists, true)
		assert.Equal(t, content, "from b")
	}
}

func TestDocStoreOfflineFileSurvivesSnapshotOver(t *testing.T) {
	a := NewDocStore(NewId())
	assert.Equal(t, a.SetFile("notes.md", "from a"), nil)

	// b applies a's snapshot over one local pre-contact file. the local
	// file must survive the import.
	b := NewDocStore(NewId())
	assert.Equal(t, b.SetFile("doc.md", "from b"), nil)
	aSnapshot, err := a.Snapshot()
	assert.Equal(t, err, nil)
	assert.Equal(t, b.ApplySnapshot(aSnapshot), nil)

	assert.Equal(t, b.ListFiles(), []string{"doc.md", "notes.md"})
	content, exists := b.GetFile("doc.md")
	assert.Equal(t, exists, true)
	assert.Equal(t, content, "from b")
	content, exists = b.GetFile("notes.md")
	assert.Equal(t, exists, true)
	assert.Equal(t, content, "from a")
}

func TestDocStoreChangeOrigins(t *testing.T) {
	a := NewDocStore(NewId())
	b := NewDocStore(NewId())

	origins := []ChangeOrigin{}
	unsub := b.AddChangeCallback(func(origin ChangeOrigin) {
		origins = append(origins, origin)
	})

	assert.Equal(t, b.SetFile("a.md", "x"), nil)
	assert.Equal(t, origins, []ChangeOrigin{OriginLocal})

	assert.Equal(t, a.SetFile("b.md", "y"), nil)
	assert.Equal(t, b.ApplyUpdate(a.ExportUpdate()), nil)
	assert.Equal(t, origins, []ChangeOrigin{OriginLocal, OriginRemote})

	unsub()
	assert.Equal(t, b.SetFile("a.md", "z"), nil)
	assert.Equal(t, len(origins), 2)
}

func TestDocStoreMalformedUpdate(t *testing.T) {
	docStore := NewDocStore(NewId())
	assert.Equal(t, docStore.SetFile("a.md", "x"), nil)
	heads := docStore.Heads()

	assert.NotEqual(t, docStore.ApplyUpdate([]byte("garbage bytes")), nil)

	// prior state is left intact
	assert.Equal(t, docStore.Heads(), heads)
	content, exists := docStore.GetFile("a.md")
	assert.Equal(t, exists, true)
	assert.Equal(t, content, "x")
}

func TestDocStoreSaveRestore(t *testing.T) {
	a := NewDocStore(NewId())
	assert.Equal(t, a.SetFile("notes.md", "hello"), nil)
	assert.Equal(t, a.SetFile("todo.md", "- item"), nil)

	save, err := a.Snapshot()
	assert.Equal(t, err, nil)

	b, err := NewDocStoreFromSave(NewId(), save)
	assert.Equal(t, err, nil)
	assert.Equal(t, b.ListFiles(), a.ListFiles())
	content, exists := b.GetFile("notes.md")
	assert.Equal(t, exists, true)
	assert.Equal(t, content, "hello")

	_, err = NewDocStoreFromSave(NewId(), []byte("garbage"))
	assert.NotEqual(t, err, nil)
}
