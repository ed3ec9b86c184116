package coedit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)


type SessionState string

const (
	SessionStateIdle SessionState = "idle"
	// registering the requested room address at the broker
	SessionStateClaimingHost SessionState = "claiming-host"
	SessionStateHost         SessionState = "host"
	SessionStateClient       SessionState = "client"
	// a claim failed for a reason other than the address being taken.
	// there is no retry, the caller decides what to do.
	SessionStateFailed SessionState = "failed"
)

type SessionRole string

const (
	SessionRoleHost   SessionRole = "host"
	SessionRoleClient SessionRole = "client"
)


// fires once, when this peer becomes the host of its room
type HostFunction func()

// fires when the number of open peer connections changes
type ConnChangeFunction func(connCount int)


// binds a conn provider to the signal client the session opened
type ConnProviderFactory func(signal *SignalClient) ConnProvider

func WebRTCConnProviderFactory() ConnProviderFactory {
	return func(signal *SignalClient) ConnProvider {
		return NewWebRTCConnProviderWithDefaults(signal)
	}
}

// ignores the signal client and always returns `provider`. Tests share
// one pipe provider across sessions this way.
func StaticConnProviderFactory(provider ConnProvider) ConnProviderFactory {
	return func(signal *SignalClient) ConnProvider {
		return provider
	}
}


type SessionSettings struct {
	// bound on one join handshake, from the join envelope to the data
	// channel opening
	ConnectTimeout time.Duration

	SignalClientSettings *SignalClientSettings
	TransportSettings    *TransportSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		ConnectTimeout:       15 * time.Second,
		SignalClientSettings: DefaultSignalClientSettings(),
		TransportSettings:    DefaultTransportSettings(),
	}
}


// Session connects one peer into a room. The first peer to register the
// room address at the broker is the host. Every later claimant observes
// the conflict and connects to the host as a client, so the room is a
// star centered on the host. The host relays updates between clients,
// which makes the star deliver the same state as a full mesh.
//
// A session owns its broker link and peer connections. It reads and
// writes the document and presence stores it was constructed with, but
// does not own them, so multiple sessions can be built over independent
// stores in one process.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId  Id
	docStore  *DocStore
	awareness *Awareness

	brokerUrl     string
	requestRoomId Address

	connProviderFactory ConnProviderFactory
	settings            *SessionSettings

	stateLock sync.Mutex
	state     SessionState
	roomId    Address
	signal    *SignalClient
	provider  ConnProvider
	routes    *routeTable
	hostFired bool

	hostCallbacks       *CallbackList[HostFunction]
	connChangeCallbacks *CallbackList[ConnChangeFunction]

	unsubs []func()
}

func NewSessionWithDefaults(
	ctx context.Context,
	clientId Id,
	docStore *DocStore,
	awareness *Awareness,
	brokerUrl string,
	requestRoomId Address,
	connProviderFactory ConnProviderFactory,
) *Session {
	return NewSession(
		ctx,
		clientId,
		docStore,
		awareness,
		brokerUrl,
		requestRoomId,
		connProviderFactory,
		DefaultSessionSettings(),
	)
}

func NewSession(
	ctx context.Context,
	clientId Id,
	docStore *DocStore,
	awareness *Awareness,
	brokerUrl string,
	requestRoomId Address,
	connProviderFactory ConnProviderFactory,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	self := &Session{
		ctx:                 cancelCtx,
		cancel:              cancel,
		clientId:            clientId,
		docStore:            docStore,
		awareness:           awareness,
		brokerUrl:           brokerUrl,
		requestRoomId:       requestRoomId,
		connProviderFactory: connProviderFactory,
		settings:            settings,
		state:               SessionStateIdle,
		hostCallbacks:       NewCallbackList[HostFunction](),
		connChangeCallbacks: NewCallbackList[ConnChangeFunction](),
	}
	// outbound sync wiring: local document edits broadcast as
	// incremental updates, local presence edits as full ephemeral state
	self.unsubs = append(
		self.unsubs,
		docStore.AddLocalUpdateCallback(self.docUpdated),
		awareness.AddLocalUpdateCallback(self.presenceUpdated),
	)
	return self
}

// Open resolves the session's role and establishes connectivity.
//   - no room requested: host a brand new room at a fresh address
//   - requested room is unclaimed: host it
//   - requested room is taken: join its current host as a client
//
// A taken address is the expected rendezvous outcome and is recovered
// here, it is never returned. Any other claim failure moves the session
// to `SessionStateFailed` and is returned.
func (self *Session) Open() error {
	self.stateLock.Lock()
	if self.state != SessionStateIdle {
		self.stateLock.Unlock()
		return fmt.Errorf("Already open (%s)", self.state)
	}
	self.stateLock.Unlock()

	claim := !self.requestRoomId.IsZero()
	if claim {
		self.setState(SessionStateClaimingHost)
	}

	signal, err := self.openSignal(self.requestRoomId, SessionRoleHost)
	if err == nil {
		roomId := self.requestRoomId
		if roomId.IsZero() {
			// a brand new room named by the assigned address
			roomId = signal.Address()
		}
		self.becomeHost(roomId)
		return nil
	}
	if !claim || !errors.Is(err, ErrAddressTaken) {
		self.fail(err)
		return err
	}

	// the expected claim conflict: the room already has a host. fall
	// back to a fresh address and connect to the holder.
	glog.Infof("[s]%s room %s is taken, joining as client\n", self.clientId, self.requestRoomId)
	if _, err := self.openSignal(Address(""), SessionRoleClient); err != nil {
		self.fail(err)
		return err
	}
	self.setState(SessionStateClient)
	return self.connectToHost()
}

// dials the broker and installs the signal client, conn provider, and
// routing table for the given role. The join callback is registered
// before the dial so a join racing the open cannot be missed.
func (self *Session) openSignal(requestAddress Address, role SessionRole) (*SignalClient, error) {
	signal := NewSignalClient(self.ctx, self.brokerUrl, requestAddress, self.settings.SignalClientSettings)
	provider := self.connProviderFactory(signal)
	routes := newRouteTable(role)

	self.stateLock.Lock()
	self.signal = signal
	self.provider = provider
	self.routes = routes
	self.stateLock.Unlock()

	var joinUnsub func()
	if role == SessionRoleHost {
		joinUnsub = signal.AddJoinCallback(self.join)
	}

	if err := signal.Open(); err != nil {
		if joinUnsub != nil {
			joinUnsub()
		}
		signal.Close()
		self.stateLock.Lock()
		self.signal = nil
		self.provider = nil
		self.routes = nil
		self.stateLock.Unlock()
		return nil, err
	}
	if joinUnsub != nil {
		self.stateLock.Lock()
		self.unsubs = append(self.unsubs, joinUnsub)
		self.stateLock.Unlock()
	}
	return signal, nil
}

func (self *Session) becomeHost(roomId Address) {
	self.stateLock.Lock()
	self.roomId = roomId
	self.state = SessionStateHost
	self.hostFired = true
	self.stateLock.Unlock()

	glog.Infof("[s]%s hosting room %s\n", self.clientId, roomId)
	for _, hostCallback := range self.hostCallbacks.Get() {
		HandleError(func() {
			hostCallback()
		})
	}
}

func (self *Session) connectToHost() error {
	self.stateLock.Lock()
	self.roomId = self.requestRoomId
	signal := self.signal
	provider := self.provider
	self.stateLock.Unlock()

	handshakeId := NewId().String()
	if err := signal.SendJoin(self.requestRoomId, self.clientId, handshakeId); err != nil {
		return err
	}

	connectCtx, connectCancel := context.WithTimeout(self.ctx, self.settings.ConnectTimeout)
	defer connectCancel()
	conn, err := provider.Offer(connectCtx, self.requestRoomId, handshakeId)
	if err != nil {
		// the session stays in client state with no host link. there is
		// no automatic retry of the handshake.
		glog.Infof("[s]%s connect to host %s error = %s\n", self.clientId, self.requestRoomId, err)
		return err
	}

	peerConn := self.addConn(self.requestRoomId, Id{}, conn)
	glog.V(1).Infof("[s]%s connected to host %s\n", self.clientId, self.requestRoomId)
	self.announcePresence(peerConn)
	// edits made before the host link opened are still pending export
	self.docUpdated()
	return nil
}

// JoinFunction. Runs the answer on its own goroutine so a slow
// handshake does not hold up the signal pump.
func (self *Session) join(from Address, peerId Id, handshakeId string) {
	go HandleError(func() {
		self.answer(from, peerId, handshakeId)
	})
}

func (self *Session) answer(from Address, peerId Id, handshakeId string) {
	self.stateLock.Lock()
	provider := self.provider
	routes := self.routes
	self.stateLock.Unlock()
	if routes == nil || routes.Role() != SessionRoleHost {
		glog.V(1).Infof("[s]ignore join from %s, not a host\n", from)
		return
	}

	glog.V(1).Infof("[s]answer join %s (%s)\n", from, peerId)
	connectCtx, connectCancel := context.WithTimeout(self.ctx, self.settings.ConnectTimeout)
	defer connectCancel()
	conn, err := provider.Answer(connectCtx, from, handshakeId)
	if err != nil {
		glog.Infof("[s]answer %s error = %s\n", from, err)
		return
	}

	peerConn := self.addConn(from, peerId, conn)
	// a new peer must see the full state no matter how old the room is
	self.sendInitialState(peerConn)
}

func (self *Session) addConn(peerAddress Address, peerId Id, conn net.Conn) *PeerConn {
	self.stateLock.Lock()
	routes := self.routes
	self.stateLock.Unlock()

	peerConn := NewPeerConn(
		self.ctx,
		peerAddress,
		peerId,
		conn,
		self.receive,
		self.peerClosed,
		self.settings.TransportSettings,
	)
	routes.Add(peerConn)
	self.connChanged()
	return peerConn
}

// PeerCloseFunction
func (self *Session) peerClosed(conn *PeerConn) {
	self.stateLock.Lock()
	routes := self.routes
	self.stateLock.Unlock()
	if routes == nil || !routes.Remove(conn) {
		return
	}

	glog.V(1).Infof("[s]close %s\n", conn.PeerAddress())
	switch routes.Role() {
	case SessionRoleHost:
		// drop the peer from the locally observable presence list. its
		// record is not retracted from other peers.
		if peerId := conn.PeerId(); !peerId.IsZero() {
			self.awareness.RemovePeer(peerId)
		}
	case SessionRoleClient:
		// the host link is gone, the whole room is unreachable
		self.awareness.ClearRemote()
	}
	self.connChanged()
}

func (self *Session) setState(state SessionState) {
	self.stateLock.Lock()
	self.state = state
	self.stateLock.Unlock()
}

func (self *Session) fail(err error) {
	self.setState(SessionStateFailed)
	glog.Infof("[s]%s failed = %s\n", self.clientId, err)
}

func (self *Session) ClientId() Id {
	return self.clientId
}

func (self *Session) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Session) IsHost() bool {
	return self.State() == SessionStateHost
}

// RoomId is the address peers use to find this room. Zero until `Open`
// resolves the role.
func (self *Session) RoomId() Address {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.roomId
}

// Address is this peer's own broker address. Equal to `RoomId` for the
// host.
func (self *Session) Address() Address {
	self.stateLock.Lock()
	signal := self.signal
	self.stateLock.Unlock()
	if signal == nil {
		return Address("")
	}
	return signal.Address()
}

func (self *Session) ConnCount() int {
	self.stateLock.Lock()
	routes := self.routes
	self.stateLock.Unlock()
	if routes == nil {
		return 0
	}
	return routes.Count()
}

// AddHostCallback returns an unsub function. The callback fires once on
// the transition into the host role. A callback added after the
// transition fires immediately, so a late subscriber does not miss it.
func (self *Session) AddHostCallback(hostCallback HostFunction) func() {
	self.stateLock.Lock()
	if self.hostFired {
		self.stateLock.Unlock()
		HandleError(func() {
			hostCallback()
		})
		return func() {}
	}
	callbackId := self.hostCallbacks.Add(hostCallback)
	self.stateLock.Unlock()
	return func() {
		self.hostCallbacks.Remove(callbackId)
	}
}

// AddConnChangeCallback returns an unsub function
func (self *Session) AddConnChangeCallback(connChangeCallback ConnChangeFunction) func() {
	callbackId := self.connChangeCallbacks.Add(connChangeCallback)
	return func() {
		self.connChangeCallbacks.Remove(callbackId)
	}
}

func (self *Session) connChanged() {
	connCount := self.ConnCount()
	for _, connChangeCallback := range self.connChangeCallbacks.Get() {
		HandleError(func() {
			connChangeCallback(connCount)
		})
	}
}

func (self *Session) Close() {
	self.cancel()

	self.stateLock.Lock()
	unsubs := self.unsubs
	routes := self.routes
	signal := self.signal
	self.stateLock.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	if routes != nil {
		for _, conn := range routes.Conns() {
			conn.Close()
		}
	}
	if signal != nil {
		signal.Close()
	}
}


// the routing table is tagged with the session's role. Relay fan out is
// a property of the table, not of the call sites: a client's table
// never yields relay targets.
type routeTable struct {
	role SessionRole

	mutex sync.Mutex
	conns map[Address]*PeerConn
}

func newRouteTable(role SessionRole) *routeTable {
	return &routeTable{
		role:  role,
		conns: map[Address]*PeerConn{},
	}
}

func (self *routeTable) Role() SessionRole {
	return self.role
}

func (self *routeTable) Add(conn *PeerConn) {
	self.mutex.Lock()
	displaced := self.conns[conn.PeerAddress()]
	self.conns[conn.PeerAddress()] = conn
	self.mutex.Unlock()

	if displaced != nil && displaced != conn {
		displaced.Close()
	}
}

// Remove reports whether the conn was in the table. A conn displaced by
// a newer conn to the same address is already gone and reports false.
func (self *routeTable) Remove(conn *PeerConn) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.conns[conn.PeerAddress()] != conn {
		return false
	}
	delete(self.conns, conn.PeerAddress())
	return true
}

func (self *routeTable) Conns() []*PeerConn {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Values(self.conns)
}

// RelayTargets is every conn a message arriving from `from` is
// forwarded to. Empty unless this is the host's table.
func (self *routeTable) RelayTargets(from Address) []*PeerConn {
	if self.role != SessionRoleHost {
		return nil
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	targets := []*PeerConn{}
	for peerAddress, conn := range self.conns {
		if peerAddress == from {
			continue
		}
		targets = append(targets, conn)
	}
	return targets
}

func (self *routeTable) Count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.conns)
}
