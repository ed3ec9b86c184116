package coedit

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)


type BrokerSettings struct {
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	SendBufferSize      int
	MaxMessageByteCount ByteCount
}

func DefaultBrokerSettings() *BrokerSettings {
	return &BrokerSettings{
		PingTimeout:         1 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		SendBufferSize:      32,
		MaxMessageByteCount: mib(1),
	}
}


// Broker is the rendezvous point. Each peer holds one websocket to the
// broker registered under a unique address. The broker's only jobs are
// to enforce address uniqueness, which is what makes host claims
// atomic, and to relay envelopes between registered addresses. It
// never sees document bytes.
type Broker struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *BrokerSettings

	stateLock sync.Mutex
	conns     map[Address]*brokerConn
}

func NewBrokerWithDefaults(ctx context.Context) *Broker {
	return NewBroker(ctx, DefaultBrokerSettings())
}

func NewBroker(ctx context.Context, settings *BrokerSettings) *Broker {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Broker{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		conns:    map[Address]*brokerConn{},
	}
}

func (self *Broker) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, r)
			glog.V(1).Infof("[b]%s %s %d (%.2fms)\n", r.Method, r.URL, m.Code, float32(m.Duration)/float32(time.Millisecond))
		})
	})
	router.Methods(http.MethodGet).Path("/v1/signal").HandlerFunc(self.signal)
	return router
}

func (self *Broker) ConnCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.conns)
}

func (self *Broker) Close() {
	self.cancel()
}

func (self *Broker) signal(w http.ResponseWriter, r *http.Request) {
	requestAddress := Address(r.URL.Query().Get("address"))

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[b]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	address := requestAddress
	if address == "" {
		address = NewAddress()
	}

	conn := &brokerConn{
		send: make(chan []byte, self.settings.SendBufferSize),
	}

	self.stateLock.Lock()
	_, taken := self.conns[address]
	if !taken {
		self.conns[address] = conn
	}
	self.stateLock.Unlock()

	if taken {
		// the address uniqueness check is what decides host claims.
		// exactly one of two concurrent claimants can register.
		glog.V(1).Infof("[b]claim conflict %s\n", address)
		message, _ := json.Marshal(&SignalEnvelope{
			Type:    SignalTypeError,
			Address: address,
			Reason:  SignalReasonAddressTaken,
		})
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		ws.WriteMessage(websocket.BinaryMessage, message)
		return
	}
	defer self.unregister(address, conn)

	message, _ := json.Marshal(&SignalEnvelope{
		Type:    SignalTypeOpen,
		Address: address,
	})
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
		return
	}

	glog.V(1).Infof("[b]open %s\n", address)
	self.pump(address, conn, ws)
	glog.V(1).Infof("[b]close %s\n", address)
}

func (self *Broker) unregister(address Address, conn *brokerConn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// a reconnecting peer may have re-registered this address already
	if self.conns[address] == conn {
		delete(self.conns, address)
	}
}

func (self *Broker) pump(address Address, conn *brokerConn, ws *websocket.Conn) {
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
			case message, ok := <-conn.send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[b]%s-> error = %s\n", address, err)
					return
				}
				glog.V(2).Infof("[b]%s->\n", address)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					return
				}
			}
		}
	}()

	ws.SetReadLimit(self.settings.MaxMessageByteCount)
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[b]%s<- error = %s\n", address, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[b]ping %s<-\n", address)
				continue
			}
			self.relay(address, message)
		}
	}
}

func (self *Broker) relay(from Address, message []byte) {
	envelope := &SignalEnvelope{}
	if err := json.Unmarshal(message, envelope); err != nil {
		glog.Infof("[b]%s<- decode error = %s\n", from, err)
		return
	}
	if envelope.To == "" {
		return
	}

	// the broker vouches for the sender address
	envelope.From = from

	self.stateLock.Lock()
	target, ok := self.conns[envelope.To]
	self.stateLock.Unlock()

	if !ok {
		glog.V(1).Infof("[b]%s->%s unknown address\n", from, envelope.To)
		self.sendTo(from, &SignalEnvelope{
			Type:        SignalTypeError,
			Address:     envelope.To,
			Reason:      SignalReasonUnknownAddress,
			HandshakeId: envelope.HandshakeId,
		})
		return
	}

	relayed, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	select {
	case target.send <- relayed:
		glog.V(2).Infof("[b]%s->%s %s\n", from, envelope.To, envelope.Type)
	default:
		glog.Infof("[b]drop %s->%s\n", from, envelope.To)
	}
}

func (self *Broker) sendTo(address Address, envelope *SignalEnvelope) {
	self.stateLock.Lock()
	conn, ok := self.conns[address]
	self.stateLock.Unlock()
	if !ok {
		return
	}

	message, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	select {
	case conn.send <- message:
	default:
		glog.Infof("[b]drop ->%s\n", address)
	}
}


type brokerConn struct {
	send chan []byte
}
