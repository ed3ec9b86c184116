package coedit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// returned by `Open` when the requested address is already registered
// at the broker
var ErrAddressTaken = errors.New("address taken")


type SignalType string

const (
	// broker to peer, first frame after the upgrade
	SignalTypeOpen  SignalType = "open"
	SignalTypeError SignalType = "error"
	// peer to peer, relayed by the broker
	SignalTypeJoin      SignalType = "join"
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
)

const (
	SignalReasonAddressTaken   = "address-taken"
	SignalReasonUnknownAddress = "unknown-address"
)

// each handshake carries two candidate streams, one per side
const (
	SignalSideOffer  = "offer"
	SignalSideAnswer = "answer"
)

type SignalEnvelope struct {
	Type        SignalType                 `json:"type"`
	From        Address                    `json:"from,omitempty"`
	To          Address                    `json:"to,omitempty"`
	HandshakeId string                     `json:"handshake_id,omitempty"`
	PeerId      *Id                        `json:"peer_id,omitempty"`
	Address     Address                    `json:"address,omitempty"`
	Reason      string                     `json:"reason,omitempty"`
	Side        string                     `json:"side,omitempty"`
	Sdp         *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate   *webrtc.ICECandidate       `json:"candidate,omitempty"`
}


type SignalClientSettings struct {
	WsHandshakeTimeout time.Duration
	// how long to wait for the broker's open or error frame
	ClaimTimeout        time.Duration
	ReconnectTimeout    time.Duration
	MaxReconnectTimeout time.Duration
	// total time to keep retrying a broken broker link before giving up
	MaxReconnectElapsedTimeout time.Duration
	PingTimeout                time.Duration
	WriteTimeout               time.Duration
	ReadTimeout                time.Duration
	SendBufferSize             int
	MaxMessageByteCount        ByteCount
}

func DefaultSignalClientSettings() *SignalClientSettings {
	return &SignalClientSettings{
		WsHandshakeTimeout:         2 * time.Second,
		ClaimTimeout:               2 * time.Second,
		ReconnectTimeout:           1 * time.Second,
		MaxReconnectTimeout:        15 * time.Second,
		MaxReconnectElapsedTimeout: 90 * time.Second,
		PingTimeout:                1 * time.Second,
		WriteTimeout:               5 * time.Second,
		ReadTimeout:                15 * time.Second,
		SendBufferSize:             32,
		MaxMessageByteCount:        mib(1),
	}
}


// an incoming request to join the room this client's address names
type JoinFunction func(from Address, peerId Id, handshakeId string)


// SignalClient is one peer's link to the broker. It claims or is
// assigned an address, then sends and receives relayed envelopes.
// Handshake envelopes land in per-handshake mailboxes that the webrtc
// conn provider polls.
type SignalClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	brokerUrl      string
	requestAddress Address

	settings *SignalClientSettings

	send chan []byte

	stateLock sync.Mutex
	address   Address
	mailboxes map[string]*signalMailbox

	joinCallbacks *CallbackList[JoinFunction]
}

func NewSignalClientWithDefaults(ctx context.Context, brokerUrl string, requestAddress Address) *SignalClient {
	return NewSignalClient(ctx, brokerUrl, requestAddress, DefaultSignalClientSettings())
}

func NewSignalClient(ctx context.Context, brokerUrl string, requestAddress Address, settings *SignalClientSettings) *SignalClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SignalClient{
		ctx:            cancelCtx,
		cancel:         cancel,
		brokerUrl:      brokerUrl,
		requestAddress: requestAddress,
		settings:       settings,
		send:           make(chan []byte, settings.SendBufferSize),
		mailboxes:      map[string]*signalMailbox{},
		joinCallbacks:  NewCallbackList[JoinFunction](),
	}
}

// Open dials the broker and claims the requested address, or takes an
// assigned one when no address was requested. Returns `ErrAddressTaken`
// when someone else holds the requested address.
func (self *SignalClient) Open() error {
	ws, address, err := self.connect(self.requestAddress)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	self.address = address
	self.stateLock.Unlock()

	glog.V(1).Infof("[sg]open %s\n", address)
	go self.run(ws)
	return nil
}

func (self *SignalClient) Address() Address {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.address
}

func (self *SignalClient) connect(requestAddress Address) (*websocket.Conn, Address, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	signalUrl := self.brokerUrl
	if requestAddress != "" {
		signalUrl = fmt.Sprintf("%s?address=%s", self.brokerUrl, url.QueryEscape(string(requestAddress)))
	}
	ws, _, err := dialer.DialContext(self.ctx, signalUrl, nil)
	if err != nil {
		return nil, "", err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetReadLimit(self.settings.MaxMessageByteCount)
	ws.SetReadDeadline(time.Now().Add(self.settings.ClaimTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return nil, "", err
	}
	envelope := &SignalEnvelope{}
	if err := json.Unmarshal(message, envelope); err != nil {
		return nil, "", err
	}
	switch envelope.Type {
	case SignalTypeOpen:
		success = true
		return ws, envelope.Address, nil
	case SignalTypeError:
		if envelope.Reason == SignalReasonAddressTaken {
			return nil, "", ErrAddressTaken
		}
		return nil, "", fmt.Errorf("Claim error: %s", envelope.Reason)
	default:
		return nil, "", fmt.Errorf("Claim error: unexpected %s", envelope.Type)
	}
}

func (self *SignalClient) run(ws *websocket.Conn) {
	defer self.cancel()

	for {
		self.pump(ws)

		select {
		case <-self.ctx.Done():
			return
		default:
		}

		// reconnect and re-claim the already assigned address so peers
		// can still reach this client
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = self.settings.ReconnectTimeout
		bo.MaxInterval = self.settings.MaxReconnectTimeout
		bo.MaxElapsedTime = self.settings.MaxReconnectElapsedTimeout

		var nextWs *websocket.Conn
		reconnect := func() error {
			ws, _, err := self.connect(self.Address())
			if err != nil {
				if err == ErrAddressTaken {
					// the address was re-claimed while this client was away.
					// there is no way back from here.
					return backoff.Permanent(err)
				}
				return err
			}
			nextWs = ws
			return nil
		}
		if err := backoff.Retry(reconnect, backoff.WithContext(bo, self.ctx)); err != nil {
			glog.Infof("[sg]%s reconnect error = %s\n", self.Address(), err)
			return
		}
		glog.V(1).Infof("[sg]%s reconnected\n", self.Address())
		ws = nextWs
	}
}

func (self *SignalClient) pump(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// unblock the read loop as soon as the pump is done
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-self.send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[sg]%s-> error = %s\n", self.Address(), err)
					return
				}
				glog.V(2).Infof("[sg]%s->\n", self.Address())
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[sg]%s<- error = %s\n", self.Address(), err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[sg]ping %s<-\n", self.Address())
				continue
			}
			self.dispatch(message)
		}
	}
}

func (self *SignalClient) dispatch(message []byte) {
	envelope := &SignalEnvelope{}
	if err := json.Unmarshal(message, envelope); err != nil {
		glog.Infof("[sg]%s<- decode error = %s\n", self.Address(), err)
		return
	}

	glog.V(2).Infof("[sg]%s<- %s\n", self.Address(), envelope.Type)
	switch envelope.Type {
	case SignalTypeJoin:
		if envelope.PeerId == nil {
			return
		}
		for _, joinCallback := range self.joinCallbacks.Get() {
			HandleError(func() {
				joinCallback(envelope.From, *envelope.PeerId, envelope.HandshakeId)
			})
		}
	case SignalTypeOffer:
		if envelope.Sdp == nil {
			return
		}
		self.mailbox(envelope.HandshakeId).setOfferSdp(envelope.Sdp)
	case SignalTypeAnswer:
		if envelope.Sdp == nil {
			return
		}
		self.mailbox(envelope.HandshakeId).setAnswerSdp(envelope.Sdp)
	case SignalTypeCandidate:
		if envelope.Candidate == nil {
			return
		}
		self.mailbox(envelope.HandshakeId).addCandidate(envelope.Side, *envelope.Candidate)
	case SignalTypeError:
		glog.Infof("[sg]%s<- error %s\n", self.Address(), envelope.Reason)
	}
}

// AddJoinCallback returns an unsub function
func (self *SignalClient) AddJoinCallback(joinCallback JoinFunction) func() {
	callbackId := self.joinCallbacks.Add(joinCallback)
	return func() {
		self.joinCallbacks.Remove(callbackId)
	}
}

func (self *SignalClient) SendJoin(to Address, peerId Id, handshakeId string) error {
	return self.sendEnvelope(&SignalEnvelope{
		Type:        SignalTypeJoin,
		From:        self.Address(),
		To:          to,
		PeerId:      &peerId,
		HandshakeId: handshakeId,
	})
}

func (self *SignalClient) SendOfferSdp(to Address, handshakeId string, sdp webrtc.SessionDescription) error {
	return self.sendEnvelope(&SignalEnvelope{
		Type:        SignalTypeOffer,
		From:        self.Address(),
		To:          to,
		HandshakeId: handshakeId,
		Sdp:         &sdp,
	})
}

func (self *SignalClient) SendAnswerSdp(to Address, handshakeId string, sdp webrtc.SessionDescription) error {
	return self.sendEnvelope(&SignalEnvelope{
		Type:        SignalTypeAnswer,
		From:        self.Address(),
		To:          to,
		HandshakeId: handshakeId,
		Sdp:         &sdp,
	})
}

func (self *SignalClient) SendCandidate(to Address, handshakeId string, side string, candidate webrtc.ICECandidate) error {
	return self.sendEnvelope(&SignalEnvelope{
		Type:        SignalTypeCandidate,
		From:        self.Address(),
		To:          to,
		HandshakeId: handshakeId,
		Side:        side,
		Candidate:   &candidate,
	})
}

func (self *SignalClient) sendEnvelope(envelope *SignalEnvelope) error {
	message, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		return ErrClosed
	case self.send <- message:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("Send timeout")
	}
}

// PollOfferSdp waits for the offer sdp of a handshake
func (self *SignalClient) PollOfferSdp(ctx context.Context, handshakeId string) (webrtc.SessionDescription, error) {
	mb := self.mailbox(handshakeId)
	for {
		notify := mb.monitor.NotifyChannel()
		if sdp := mb.getOfferSdp(); sdp != nil {
			return *sdp, nil
		}
		select {
		case <-ctx.Done():
			return webrtc.SessionDescription{}, ctx.Err()
		case <-self.ctx.Done():
			return webrtc.SessionDescription{}, ErrClosed
		case <-notify:
		}
	}
}

// PollAnswerSdp waits for the answer sdp of a handshake
func (self *SignalClient) PollAnswerSdp(ctx context.Context, handshakeId string) (webrtc.SessionDescription, error) {
	mb := self.mailbox(handshakeId)
	for {
		notify := mb.monitor.NotifyChannel()
		if sdp := mb.getAnswerSdp(); sdp != nil {
			return *sdp, nil
		}
		select {
		case <-ctx.Done():
			return webrtc.SessionDescription{}, ctx.Err()
		case <-self.ctx.Done():
			return webrtc.SessionDescription{}, ErrClosed
		case <-notify:
		}
	}
}

// PollCandidates waits until a handshake side has more than
// `candidatesReceived` candidates and returns the new ones
func (self *SignalClient) PollCandidates(ctx context.Context, handshakeId string, side string, candidatesReceived int) ([]webrtc.ICECandidate, error) {
	mb := self.mailbox(handshakeId)
	for {
		notify := mb.monitor.NotifyChannel()
		candidates := mb.getCandidates(side)
		if candidatesReceived < len(candidates) {
			return candidates[candidatesReceived:], nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-self.ctx.Done():
			return nil, ErrClosed
		case <-notify:
		}
	}
}

func (self *SignalClient) mailbox(handshakeId string) *signalMailbox {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	mb, ok := self.mailboxes[handshakeId]
	if !ok {
		mb = newSignalMailbox()
		self.mailboxes[handshakeId] = mb
	}
	return mb
}

// ReleaseMailbox drops the buffered handshake state. Call after the
// handshake completes or is abandoned.
func (self *SignalClient) ReleaseMailbox(handshakeId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.mailboxes, handshakeId)
}

func (self *SignalClient) Close() {
	self.cancel()
}


type signalMailbox struct {
	monitor *Monitor

	mutex            sync.Mutex
	offerSdp         *webrtc.SessionDescription
	answerSdp        *webrtc.SessionDescription
	offerCandidates  []webrtc.ICECandidate
	answerCandidates []webrtc.ICECandidate
}

func newSignalMailbox() *signalMailbox {
	return &signalMailbox{
		monitor: NewMonitor(),
	}
}

func (self *signalMailbox) setOfferSdp(sdp *webrtc.SessionDescription) {
	self.mutex.Lock()
	self.offerSdp = sdp
	self.mutex.Unlock()
	self.monitor.NotifyAll()
}

func (self *signalMailbox) getOfferSdp() *webrtc.SessionDescription {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.offerSdp
}

func (self *signalMailbox) setAnswerSdp(sdp *webrtc.SessionDescription) {
	self.mutex.Lock()
	self.answerSdp = sdp
	self.mutex.Unlock()
	self.monitor.NotifyAll()
}

func (self *signalMailbox) getAnswerSdp() *webrtc.SessionDescription {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.answerSdp
}

func (self *signalMailbox) addCandidate(side string, candidate webrtc.ICECandidate) {
	self.mutex.Lock()
	switch side {
	case SignalSideOffer:
		self.offerCandidates = append(self.offerCandidates, candidate)
	case SignalSideAnswer:
		self.answerCandidates = append(self.answerCandidates, candidate)
	}
	self.mutex.Unlock()
	self.monitor.NotifyAll()
}

func (self *signalMailbox) getCandidates(side string) []webrtc.ICECandidate {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	switch side {
	case SignalSideOffer:
		return self.offerCandidates
	default:
		return self.answerCandidates
	}
}
