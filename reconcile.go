package coedit

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/crypto/blake2b"
)


// fired after each completed inbound pass
type RemoteChangeFunction func()

// fired when an inbound pass rewrites the focused file, with the new
// content for the editing buffer
type FocusedRefreshFunction func(path string, content string)


type BridgeSettings struct {
	// bound on a single store read or write inside a pass
	StoreTimeout time.Duration
}

func DefaultBridgeSettings() *BridgeSettings {
	return &BridgeSettings{
		StoreTimeout: 15 * time.Second,
	}
}


// Bridge keeps the local file store converging to the shared document.
//
// Outbound, the editing layer reports committed saves and deletes,
// which become document edits. Inbound, every remote document change
// schedules a pass that writes changed files back to the store. The
// two directions would feed each other forever, so the bridge holds an
// applying flag for the whole inbound pass: saves observed while the
// flag is up are echoes of the pass's own writes and are dropped. This
// is the property everything else depends on.
//
// A digest of the last content applied per path is kept instead of the
// content itself, so deciding whether a file changed does not require
// holding a second copy of the tree.
//
// Deletes only travel outward. A file deleted remotely stays in the
// local store.
type Bridge struct {
	ctx    context.Context
	cancel context.CancelFunc

	docStore *DocStore
	store    FileStore

	settings *BridgeSettings

	stateLock   sync.Mutex
	applying    bool
	digests     map[string][blake2b.Size256]byte
	focusedPath string

	remoteChangeCallbacks   *CallbackList[RemoteChangeFunction]
	focusedRefreshCallbacks *CallbackList[FocusedRefreshFunction]

	pass chan struct{}

	docUnsub func()
}

func NewBridgeWithDefaults(ctx context.Context, docStore *DocStore, store FileStore) *Bridge {
	return NewBridge(ctx, docStore, store, DefaultBridgeSettings())
}

func NewBridge(ctx context.Context, docStore *DocStore, store FileStore, settings *BridgeSettings) *Bridge {
	cancelCtx, cancel := context.WithCancel(ctx)
	self := &Bridge{
		ctx:                     cancelCtx,
		cancel:                  cancel,
		docStore:                docStore,
		store:                   store,
		settings:                settings,
		digests:                 map[string][blake2b.Size256]byte{},
		remoteChangeCallbacks:   NewCallbackList[RemoteChangeFunction](),
		focusedRefreshCallbacks: NewCallbackList[FocusedRefreshFunction](),
		pass:                    make(chan struct{}, 1),
	}
	self.docUnsub = docStore.AddChangeCallback(self.docChanged)
	go self.run()
	return self
}

// DocChangeFunction. Remote changes schedule a pass, a burst of them
// coalesces into one.
func (self *Bridge) docChanged(origin ChangeOrigin) {
	if origin != OriginRemote {
		return
	}
	select {
	case self.pass <- struct{}{}:
	default:
	}
}

// passes run one at a time on this goroutine
func (self *Bridge) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.pass:
			self.applyRemotePass()
		}
	}
}

// write every document file whose content differs from the last
// applied content to the store. One failing file is logged and
// skipped, it does not stop the rest of the pass.
func (self *Bridge) applyRemotePass() {
	self.setApplying(true)
	defer self.setApplying(false)

	refreshed := 0
	for _, path := range self.docStore.ListFiles() {
		content, exists := self.docStore.GetFile(path)
		if !exists {
			continue
		}
		digest := contentDigest(content)
		if last, ok := self.getDigest(path); ok && last == digest {
			continue
		}
		if err := self.write(path, content); err != nil {
			glog.Infof("[r]write %s error = %s\n", path, err)
			continue
		}
		self.setDigest(path, digest)
		refreshed += 1
		if self.FocusedPath() == path {
			self.focusedRefreshed(path, content)
		}
	}

	glog.V(1).Infof("[r]pass refreshed %d\n", refreshed)
	self.remoteChanged()
}

// OnSave is called by the editing layer after it committed `content`
// for `path` to the store. Saves observed while an inbound pass is
// writing are that pass's own echoes and are dropped.
func (self *Bridge) OnSave(path string, content string) error {
	self.stateLock.Lock()
	if self.applying {
		self.stateLock.Unlock()
		glog.V(2).Infof("[r]suppress save %s\n", path)
		return nil
	}
	self.digests[path] = contentDigest(content)
	self.stateLock.Unlock()

	return self.docStore.SetFile(path, content)
}

// OnDelete is called by the editing layer after it removed `path` from
// the store. The delete propagates to the shared document. Like saves,
// deletes observed during an inbound pass are dropped.
func (self *Bridge) OnDelete(path string) error {
	self.stateLock.Lock()
	if self.applying {
		self.stateLock.Unlock()
		return nil
	}
	delete(self.digests, path)
	self.stateLock.Unlock()

	return self.docStore.DeleteFile(path)
}

// SeedFromStore pushes every file in the store into an empty document.
// Run it once on the transition into the host role, so a new room
// starts from the local tree. A document that already has files is
// left alone: re-claiming a previously active room must not clobber
// its state.
func (self *Bridge) SeedFromStore() {
	if len(self.docStore.ListFiles()) != 0 {
		glog.V(1).Infof("[r]seed skipped, document has files\n")
		return
	}

	listCtx, listCancel := context.WithTimeout(self.ctx, self.settings.StoreTimeout)
	defer listCancel()
	entries, err := self.store.List(listCtx)
	if err != nil {
		glog.Infof("[r]seed list error = %s\n", err)
		return
	}

	seeded := 0
	for _, entry := range entries {
		if entry.Kind != EntryKindFile {
			continue
		}
		content, err := self.read(entry.Path)
		if err != nil {
			glog.Infof("[r]seed read %s error = %s\n", entry.Path, err)
			continue
		}
		if err := self.OnSave(entry.Path, content); err != nil {
			glog.Infof("[r]seed %s error = %s\n", entry.Path, err)
			continue
		}
		seeded += 1
	}
	glog.Infof("[r]seeded %d files\n", seeded)
}

// SetFocusedPath names the file whose editing buffer should be
// refreshed in place when a remote edit rewrites it. Empty for none.
func (self *Bridge) SetFocusedPath(path string) {
	self.stateLock.Lock()
	self.focusedPath = path
	self.stateLock.Unlock()
}

func (self *Bridge) FocusedPath() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.focusedPath
}

// AddRemoteChangeCallback returns an unsub function
func (self *Bridge) AddRemoteChangeCallback(remoteChangeCallback RemoteChangeFunction) func() {
	callbackId := self.remoteChangeCallbacks.Add(remoteChangeCallback)
	return func() {
		self.remoteChangeCallbacks.Remove(callbackId)
	}
}

// AddFocusedRefreshCallback returns an unsub function
func (self *Bridge) AddFocusedRefreshCallback(focusedRefreshCallback FocusedRefreshFunction) func() {
	callbackId := self.focusedRefreshCallbacks.Add(focusedRefreshCallback)
	return func() {
		self.focusedRefreshCallbacks.Remove(callbackId)
	}
}

func (self *Bridge) Close() {
	self.cancel()
	self.docUnsub()
}

func (self *Bridge) setApplying(applying bool) {
	self.stateLock.Lock()
	self.applying = applying
	self.stateLock.Unlock()
}

func (self *Bridge) getDigest(path string) ([blake2b.Size256]byte, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	digest, ok := self.digests[path]
	return digest, ok
}

func (self *Bridge) setDigest(path string, digest [blake2b.Size256]byte) {
	self.stateLock.Lock()
	self.digests[path] = digest
	self.stateLock.Unlock()
}

func (self *Bridge) read(path string) (string, error) {
	readCtx, readCancel := context.WithTimeout(self.ctx, self.settings.StoreTimeout)
	defer readCancel()
	return self.store.Read(readCtx, path)
}

func (self *Bridge) write(path string, content string) error {
	writeCtx, writeCancel := context.WithTimeout(self.ctx, self.settings.StoreTimeout)
	defer writeCancel()
	return self.store.Write(writeCtx, path, content)
}

func (self *Bridge) remoteChanged() {
	for _, remoteChangeCallback := range self.remoteChangeCallbacks.Get() {
		HandleError(func() {
			remoteChangeCallback()
		})
	}
}

func (self *Bridge) focusedRefreshed(path string, content string) {
	for _, focusedRefreshCallback := range self.focusedRefreshCallbacks.Get() {
		HandleError(func() {
			focusedRefreshCallback(path, content)
		})
	}
}

func contentDigest(content string) [blake2b.Size256]byte {
	return blake2b.Sum256([]byte(content))
}
