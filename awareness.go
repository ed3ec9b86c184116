package coedit

import (
	"bytes"
	"encoding/json"
	"slices"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)


// PresenceRecord is the fixed shape every peer publishes about itself.
// `Extra` carries application fields that are not interpreted here.
type PresenceRecord struct {
	PeerId        Id                `json:"peer_id"`
	DisplayName   string            `json:"display_name,omitempty"`
	ColorHint     string            `json:"color_hint,omitempty"`
	CurrentFileId string            `json:"current_file_id,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

type presenceEntry struct {
	clock  uint64
	record PresenceRecord
}

type presenceWireEntry struct {
	PeerId Id             `json:"peer_id"`
	Clock  uint64         `json:"clock"`
	Record PresenceRecord `json:"record"`
}

type presenceState struct {
	Entries []*presenceWireEntry `json:"entries"`
}

// emitted whenever the observable peer list changes, with the new list
type PresenceFunction func(peers []PresenceRecord)


// Awareness is the ephemeral presence store. One record per peer,
// last writer wins per peer keyed by a per-peer clock. Nothing here is
// persisted or merged into the document history.
type Awareness struct {
	clientId Id

	stateLock sync.Mutex
	entries   map[Id]*presenceEntry
	clock     uint64

	localUpdateCallbacks *CallbackList[LocalUpdateFunction]
	changeCallbacks      *CallbackList[PresenceFunction]
}

func NewAwareness(clientId Id) *Awareness {
	return &Awareness{
		clientId:             clientId,
		entries:              map[Id]*presenceEntry{},
		localUpdateCallbacks: NewCallbackList[LocalUpdateFunction](),
		changeCallbacks:      NewCallbackList[PresenceFunction](),
	}
}

func (self *Awareness) ClientId() Id {
	return self.clientId
}

// SetLocal replaces this peer's own record and bumps its clock.
// The peer id is always overwritten with the local id, a peer can
// never publish a record for another peer.
func (self *Awareness) SetLocal(record PresenceRecord) {
	record.PeerId = self.clientId

	self.stateLock.Lock()
	self.clock += 1
	self.entries[self.clientId] = &presenceEntry{
		clock:  self.clock,
		record: record,
	}
	self.stateLock.Unlock()

	glog.V(2).Infof("[a]set local clock = %d\n", self.clock)
	self.localUpdated()
	self.changed()
}

func (self *Awareness) LocalRecord() (PresenceRecord, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[self.clientId]
	if !ok {
		return PresenceRecord{}, false
	}
	return entry.record, true
}

// Encode exports the full presence state for an ephemeral payload
func (self *Awareness) Encode() ([]byte, error) {
	self.stateLock.Lock()
	wireEntries := []*presenceWireEntry{}
	for peerId, entry := range self.entries {
		wireEntries = append(wireEntries, &presenceWireEntry{
			PeerId: peerId,
			Clock:  entry.clock,
			Record: entry.record,
		})
	}
	self.stateLock.Unlock()

	slices.SortFunc(wireEntries, func(a *presenceWireEntry, b *presenceWireEntry) int {
		return bytes.Compare(a.PeerId.Bytes(), b.PeerId.Bytes())
	})
	return json.Marshal(&presenceState{
		Entries: wireEntries,
	})
}

// IsEmpty is true when no peer, including the local one, has a record
func (self *Awareness) IsEmpty() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries) == 0
}

// Apply merges a remote presence state. An entry is adopted only if
// its clock is strictly newer than the stored clock for that peer, so
// re-applying the same state is a no-op. Entries for the local peer
// are ignored, the local record is authoritative here.
func (self *Awareness) Apply(b []byte) error {
	state := &presenceState{}
	if err := json.Unmarshal(b, state); err != nil {
		return err
	}

	changed := false
	self.stateLock.Lock()
	for _, wireEntry := range state.Entries {
		if wireEntry.PeerId == self.clientId {
			continue
		}
		entry, ok := self.entries[wireEntry.PeerId]
		if ok && wireEntry.Clock <= entry.clock {
			continue
		}
		self.entries[wireEntry.PeerId] = &presenceEntry{
			clock:  wireEntry.Clock,
			record: wireEntry.Record,
		}
		changed = true
	}
	self.stateLock.Unlock()

	if changed {
		glog.V(2).Infof("[a]apply (%d)\n", len(state.Entries))
		self.changed()
	}
	return nil
}

// RemovePeer drops a peer's record from the locally observable list.
// Called when the connection that introduced the peer closes.
func (self *Awareness) RemovePeer(peerId Id) {
	self.stateLock.Lock()
	_, ok := self.entries[peerId]
	if ok {
		delete(self.entries, peerId)
	}
	self.stateLock.Unlock()

	if ok {
		glog.V(1).Infof("[a]remove peer %s\n", peerId)
		self.changed()
	}
}

// ClearRemote drops every record except the local one. Called when the
// connection to the host closes and the whole room becomes unreachable.
func (self *Awareness) ClearRemote() {
	self.stateLock.Lock()
	changed := false
	for peerId := range self.entries {
		if peerId != self.clientId {
			delete(self.entries, peerId)
			changed = true
		}
	}
	self.stateLock.Unlock()

	if changed {
		glog.V(1).Infof("[a]clear remote\n")
		self.changed()
	}
}

// Peers returns all records in stable order
func (self *Awareness) Peers() []PresenceRecord {
	self.stateLock.Lock()
	entries := maps.Values(self.entries)
	self.stateLock.Unlock()

	slices.SortFunc(entries, func(a *presenceEntry, b *presenceEntry) int {
		return bytes.Compare(a.record.PeerId.Bytes(), b.record.PeerId.Bytes())
	})
	peers := make([]PresenceRecord, len(entries))
	for i, entry := range entries {
		peers[i] = entry.record
	}
	return peers
}

// AddLocalUpdateCallback returns an unsub function
func (self *Awareness) AddLocalUpdateCallback(localUpdateCallback LocalUpdateFunction) func() {
	callbackId := self.localUpdateCallbacks.Add(localUpdateCallback)
	return func() {
		self.localUpdateCallbacks.Remove(callbackId)
	}
}

// AddChangeCallback returns an unsub function
func (self *Awareness) AddChangeCallback(changeCallback PresenceFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *Awareness) localUpdated() {
	for _, localUpdateCallback := range self.localUpdateCallbacks.Get() {
		HandleError(func() {
			localUpdateCallback()
		})
	}
}

func (self *Awareness) changed() {
	peers := self.Peers()
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			changeCallback(peers)
		})
	}
}
