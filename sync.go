package coedit

import (
	"github.com/golang/glog"
)


// how document and presence changes move between peers. Three message
// kinds ride the peer connections:
//
//	snapshot   full document state. host -> new conn on open. never
//	           relayed.
//	update     incremental ops since the sender's last export. sent on
//	           every local edit. the host relays to all conns except
//	           the sender.
//	ephemeral  full presence state. sent on local presence change, and
//	           to a new conn when presence is non empty. the host
//	           relays to all conns except the sender.
//
// Updates and snapshots are merges, not overwrites, and re-applying
// known operations is a no-op, so duplicated or reordered delivery is
// safe end to end.


// LocalUpdateFunction. A committed local edit exports the operations
// since the previous export and broadcasts them. An empty delta, which
// happens when another broadcast already exported the ops, sends
// nothing.
//
// With no open connections the export marker is left where it is, so
// edits made before the first peer connects stay pending and flush when
// a connection opens.
func (self *Session) docUpdated() {
	self.stateLock.Lock()
	routes := self.routes
	self.stateLock.Unlock()
	if routes == nil || routes.Count() == 0 {
		return
	}

	updateBytes := self.docStore.ExportUpdate()
	if len(updateBytes) == 0 {
		return
	}
	frameBytes, err := EncodeMessage(&Message{
		Type: MessageTypeUpdate,
		Data: updateBytes,
	})
	if err != nil {
		glog.Infof("[s]update encode error = %s\n", err)
		return
	}
	glog.V(2).Infof("[s]%s update (%d)\n", self.clientId, len(updateBytes))
	self.broadcast(frameBytes)
}

// LocalUpdateFunction. Presence is always sent as the full state, it is
// small and last writer wins per peer on the receiving side.
func (self *Session) presenceUpdated() {
	stateBytes, err := self.awareness.Encode()
	if err != nil {
		glog.Infof("[s]presence encode error = %s\n", err)
		return
	}
	frameBytes, err := EncodeMessage(&Message{
		Type: MessageTypeEphemeral,
		Data: stateBytes,
	})
	if err != nil {
		glog.Infof("[s]presence encode error = %s\n", err)
		return
	}
	self.broadcast(frameBytes)
}

// PeerReceiveFunction. Applies the message, then relays it if this
// session hosts the room. A payload that fails to apply is dropped
// without closing the connection and without being relayed, the local
// state is left unchanged.
func (self *Session) receive(conn *PeerConn, message *Message, frameBytes []byte) {
	switch message.Type {
	case MessageTypeSnapshot:
		if err := self.docStore.ApplySnapshot(message.Data); err != nil {
			glog.Warningf("[s]%s<- snapshot apply error = %s\n", conn.PeerAddress(), err)
			return
		}
		// snapshots are point to point, never relayed
	case MessageTypeUpdate:
		if err := self.docStore.ApplyUpdate(message.Data); err != nil {
			glog.Warningf("[s]%s<- update apply error = %s\n", conn.PeerAddress(), err)
			return
		}
		self.relay(conn, frameBytes)
	case MessageTypeEphemeral:
		if err := self.awareness.Apply(message.Data); err != nil {
			glog.Warningf("[s]%s<- presence apply error = %s\n", conn.PeerAddress(), err)
			return
		}
		self.relay(conn, frameBytes)
	}
}

// send a frame to every open connection
func (self *Session) broadcast(frameBytes []byte) {
	self.stateLock.Lock()
	routes := self.routes
	self.stateLock.Unlock()
	if routes == nil {
		return
	}

	for _, conn := range routes.Conns() {
		if err := conn.Send(frameBytes); err != nil {
			glog.V(1).Infof("[s]%s-> broadcast error = %s\n", conn.PeerAddress(), err)
		}
	}
}

// forward a received frame to every other connection. The frame is
// relayed as it arrived, it is not decoded and re-encoded. Only the
// host's routing table yields targets.
func (self *Session) relay(from *PeerConn, frameBytes []byte) {
	self.stateLock.Lock()
	routes := self.routes
	self.stateLock.Unlock()
	if routes == nil {
		return
	}

	for _, conn := range routes.RelayTargets(from.PeerAddress()) {
		if err := conn.Send(frameBytes); err != nil {
			glog.V(1).Infof("[s]%s-> relay error = %s\n", conn.PeerAddress(), err)
			continue
		}
		glog.V(2).Infof("[s]relay %s->%s\n", from.PeerAddress(), conn.PeerAddress())
	}
}

// host side of a connection open: the new peer immediately receives the
// full document, then the full presence state when any exists. The
// joiner can never end up holding partial state, no matter when it
// connected relative to prior edits.
func (self *Session) sendInitialState(conn *PeerConn) {
	snapshotBytes, err := self.docStore.Snapshot()
	if err != nil {
		glog.Infof("[s]snapshot error = %s\n", err)
	} else {
		if err := conn.SendMessage(&Message{
			Type: MessageTypeSnapshot,
			Data: snapshotBytes,
		}); err != nil {
			glog.Infof("[s]%s-> snapshot error = %s\n", conn.PeerAddress(), err)
			return
		}
		glog.V(1).Infof("[s]%s-> snapshot (%d)\n", conn.PeerAddress(), len(snapshotBytes))
	}
	self.announcePresence(conn)
}

// client side of a connection open sends only presence. The document
// flows down from the host's snapshot first, edits made before joining
// follow with the pending export flush.
func (self *Session) announcePresence(conn *PeerConn) {
	if self.awareness.IsEmpty() {
		return
	}
	stateBytes, err := self.awareness.Encode()
	if err != nil {
		return
	}
	conn.SendMessage(&Message{
		Type: MessageTypeEphemeral,
		Data: stateBytes,
	})
}
