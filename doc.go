package coedit

import (
	"encoding/hex"
	"fmt"
	"slices"
	"sync"
	"unicode/utf8"

	"github.com/automerge/automerge-go"
	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)


type ChangeOrigin string

const (
	OriginLocal  ChangeOrigin = "local"
	OriginRemote ChangeOrigin = "remote"
)


// emitted after a local edit is committed. The sync layer exports a
// delta on each of these.
type LocalUpdateFunction func()

// emitted after any committed change, local or remote
type DocChangeFunction func(origin ChangeOrigin)


// DocStore is the replicated document. It holds one text sequence per
// file path, keyed directly in the automerge doc's root map, and a path
// registry used to enumerate files without walking the doc.
//
// The root map is shared by construction on every replica. Keying the
// sequences under a nested container instead would let two replicas
// that edit before first contact each create their own container, and
// the merge would keep only one of them, dropping the other replica's
// files wholesale. At the root, concurrent creations of different
// paths merge as a union, and a same-path conflict is confined to that
// one file.
//
// All operations are safe for concurrent use. Callbacks are invoked
// outside the state lock, so a callback may call back into the store.
type DocStore struct {
	clientId Id

	stateLock sync.Mutex
	doc       *automerge.Doc
	paths     map[string]bool

	localUpdateCallbacks *CallbackList[LocalUpdateFunction]
	changeCallbacks      *CallbackList[DocChangeFunction]
}

func NewDocStore(clientId Id) *DocStore {
	doc := automerge.New()
	doc.SetActorID(hex.EncodeToString(clientId.Bytes()))
	return newDocStore(clientId, doc)
}

// restores a store from bytes previously produced by `Snapshot`
func NewDocStoreFromSave(clientId Id, b []byte) (*DocStore, error) {
	doc, err := automerge.Load(b)
	if err != nil {
		return nil, err
	}
	doc.SetActorID(hex.EncodeToString(clientId.Bytes()))
	self := newDocStore(clientId, doc)
	self.refreshPaths()
	return self, nil
}

func newDocStore(clientId Id, doc *automerge.Doc) *DocStore {
	return &DocStore{
		clientId:             clientId,
		doc:                  doc,
		paths:                map[string]bool{},
		localUpdateCallbacks: NewCallbackList[LocalUpdateFunction](),
		changeCallbacks:      NewCallbackList[DocChangeFunction](),
	}
}

func (self *DocStore) ClientId() Id {
	return self.clientId
}

// SetFile writes the full content of a file. If the stored content
// already equals `content`, no edit is created and no events fire.
// Replacement of existing content is a single splice, so each save is
// one edit in the history.
func (self *DocStore) SetFile(path string, content string) error {
	if path == "" {
		return fmt.Errorf("Empty path")
	}

	self.stateLock.Lock()
	current, exists, err := self.getFileLocked(path)
	if err != nil {
		self.stateLock.Unlock()
		return err
	}
	if exists && current == content {
		// content unchanged, do not touch the doc
		self.stateLock.Unlock()
		return nil
	}
	if exists {
		v, err := self.doc.Path(path).Get()
		if err == nil {
			err = v.Text().Splice(0, utf8.RuneCountInString(current), content)
		}
		if err != nil {
			self.stateLock.Unlock()
			return err
		}
	} else {
		if err := self.doc.Path(path).Set(automerge.NewText(content)); err != nil {
			self.stateLock.Unlock()
			return err
		}
	}
	if _, err := self.doc.Commit("set"); err != nil {
		self.stateLock.Unlock()
		return err
	}
	self.paths[path] = true
	self.stateLock.Unlock()

	glog.V(2).Infof("[d]set %s (%d)\n", path, len(content))
	self.localUpdated()
	return nil
}

// GetFile returns the current content of a file. A path that was never
// written, or was deleted, is absent rather than an error.
func (self *DocStore) GetFile(path string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	content, exists, err := self.getFileLocked(path)
	if err != nil {
		glog.Infof("[d]get %s error = %s\n", path, err)
		return "", false
	}
	return content, exists
}

func (self *DocStore) getFileLocked(path string) (string, bool, error) {
	v, err := self.doc.Path(path).Get()
	if err != nil {
		return "", false, err
	}
	switch v.Kind() {
	case automerge.KindText:
		content, err := v.Text().Get()
		if err != nil {
			return "", false, err
		}
		return content, true, nil
	case automerge.KindVoid:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("Not a text sequence: %s", path)
	}
}

// DeleteFile removes a file. Removing an absent path is a no-op.
func (self *DocStore) DeleteFile(path string) error {
	self.stateLock.Lock()
	_, exists, err := self.getFileLocked(path)
	if err != nil {
		self.stateLock.Unlock()
		return err
	}
	if !exists {
		self.stateLock.Unlock()
		return nil
	}
	if err := self.doc.RootMap().Delete(path); err != nil {
		self.stateLock.Unlock()
		return err
	}
	if _, err := self.doc.Commit("delete"); err != nil {
		self.stateLock.Unlock()
		return err
	}
	delete(self.paths, path)
	self.stateLock.Unlock()

	glog.V(2).Infof("[d]delete %s\n", path)
	self.localUpdated()
	return nil
}

// ListFiles returns the registered paths in sorted order
func (self *DocStore) ListFiles() []string {
	self.stateLock.Lock()
	paths := maps.Keys(self.paths)
	self.stateLock.Unlock()

	slices.Sort(paths)
	return paths
}

// Snapshot exports the full document state. The export is taken from a
// fork so that the incremental export marker used by `ExportUpdate` is
// not moved.
func (self *DocStore) Snapshot() ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	fork, err := self.doc.Fork()
	if err != nil {
		return nil, err
	}
	return fork.Save(), nil
}

// ExportUpdate returns the changes committed since the previous
// `ExportUpdate` call, and advances the marker. Empty when there is
// nothing new.
func (self *DocStore) ExportUpdate() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.doc.SaveIncremental()
}

// ApplyUpdate merges remotely produced changes. Applying the same
// update more than once converges to the same state.
func (self *DocStore) ApplyUpdate(b []byte) error {
	return self.applyRemote(b)
}

// ApplySnapshot merges a full remote document state into this one.
// Existing local state is kept and merged, not replaced.
func (self *DocStore) ApplySnapshot(b []byte) error {
	return self.applyRemote(b)
}

func (self *DocStore) applyRemote(b []byte) error {
	self.stateLock.Lock()
	err := self.doc.LoadIncremental(b)
	if err == nil {
		// a remote change can introduce paths this store has never
		// written. Rebuild the registry from the container keys.
		self.refreshPaths()
	}
	self.stateLock.Unlock()
	if err != nil {
		return err
	}

	if glog.V(2) {
		glog.Infof("[d]apply (%d) heads = %v\n", len(b), self.Heads())
	}
	self.changed(OriginRemote)
	return nil
}

func (self *DocStore) refreshPaths() {
	keys, err := self.doc.RootMap().Keys()
	if err != nil {
		return
	}
	paths := map[string]bool{}
	for _, path := range keys {
		paths[path] = true
	}
	self.paths = paths
}

func (self *DocStore) Heads() []automerge.ChangeHash {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.doc.Heads()
}

// AddLocalUpdateCallback returns an unsub function
func (self *DocStore) AddLocalUpdateCallback(localUpdateCallback LocalUpdateFunction) func() {
	callbackId := self.localUpdateCallbacks.Add(localUpdateCallback)
	return func() {
		self.localUpdateCallbacks.Remove(callbackId)
	}
}

// AddChangeCallback returns an unsub function
func (self *DocStore) AddChangeCallback(changeCallback DocChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *DocStore) localUpdated() {
	for _, localUpdateCallback := range self.localUpdateCallbacks.Get() {
		HandleError(func() {
			localUpdateCallback()
		})
	}
	self.changed(OriginLocal)
}

func (self *DocStore) changed(origin ChangeOrigin) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			changeCallback(origin)
		})
	}
}
