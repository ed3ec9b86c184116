package coedit

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
)


type TransportSettings struct {
	SendBufferSize int
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	// backpressure on a peer that lasts longer than this closes the
	// connection rather than stalling the whole room
	SendTimeout         time.Duration
	MaxMessageByteCount ByteCount
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		SendBufferSize:      64,
		PingTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		ReadTimeout:         30 * time.Second,
		SendTimeout:         10 * time.Second,
		MaxMessageByteCount: mib(64),
	}
}


// receive of one decoded message. `frameBytes` is the frame as it
// arrived, so a relay can forward it without a re-encode.
type PeerReceiveFunction func(conn *PeerConn, message *Message, frameBytes []byte)

type PeerCloseFunction func(conn *PeerConn)


// PeerConn runs the message framing over one transport connection to
// another peer. The underlying `net.Conn` can be a webrtc data channel
// or an in process pipe.
type PeerConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	peerAddress Address
	// zero when the remote peer id is not known, which is the case for
	// an outbound connection to the host
	peerId Id

	conn net.Conn

	settings *TransportSettings

	send chan []byte

	receive       PeerReceiveFunction
	closeCallback PeerCloseFunction
	closeOnce     sync.Once
}

func NewPeerConn(
	ctx context.Context,
	peerAddress Address,
	peerId Id,
	conn net.Conn,
	receive PeerReceiveFunction,
	closeCallback PeerCloseFunction,
	settings *TransportSettings,
) *PeerConn {
	cancelCtx, cancel := context.WithCancel(ctx)
	self := &PeerConn{
		ctx:           cancelCtx,
		cancel:        cancel,
		peerAddress:   peerAddress,
		peerId:        peerId,
		conn:          conn,
		settings:      settings,
		send:          make(chan []byte, settings.SendBufferSize),
		receive:       receive,
		closeCallback: closeCallback,
	}
	go self.run()
	return self
}

func (self *PeerConn) PeerAddress() Address {
	return self.peerAddress
}

func (self *PeerConn) PeerId() Id {
	return self.peerId
}

func (self *PeerConn) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *PeerConn) run() {
	defer self.close()

	go func() {
		defer self.close()

		for {
			select {
			case <-self.ctx.Done():
				return
			case frameBytes, ok := <-self.send:
				if !ok {
					return
				}

				self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := WriteFrame(self.conn, frameBytes, self.settings.MaxMessageByteCount); err != nil {
					glog.Infof("[t]%s-> error = %s\n", self.peerAddress, err)
					return
				}
				glog.V(2).Infof("[t]%s->\n", self.peerAddress)
			case <-time.After(self.settings.PingTimeout):
				self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := WriteFrame(self.conn, nil, self.settings.MaxMessageByteCount); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		frameBytes, err := ReadFrame(self.conn, self.settings.MaxMessageByteCount)
		if err != nil {
			glog.V(1).Infof("[t]%s<- error = %s\n", self.peerAddress, err)
			return
		}
		if frameBytes == nil {
			// keep alive
			glog.V(2).Infof("[t]ping %s<-\n", self.peerAddress)
			continue
		}

		message, err := DecodeMessage(frameBytes)
		if err != nil {
			// a malformed message is skipped, not fatal
			glog.Infof("[t]%s<- decode error = %s\n", self.peerAddress, err)
			continue
		}
		glog.V(2).Infof("[t]%s<- %s\n", self.peerAddress, message.Type)
		self.receive(self, message, frameBytes)
	}
}

// Send enqueues an already encoded frame
func (self *PeerConn) Send(frameBytes []byte) error {
	select {
	case <-self.ctx.Done():
		return ErrClosed
	case self.send <- frameBytes:
		return nil
	case <-time.After(self.settings.SendTimeout):
		glog.Infof("[t]%s-> send timeout\n", self.peerAddress)
		self.close()
		return fmt.Errorf("Send timeout")
	}
}

func (self *PeerConn) SendMessage(message *Message) error {
	frameBytes, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	return self.Send(frameBytes)
}

func (self *PeerConn) Close() {
	self.close()
}

func (self *PeerConn) close() {
	self.closeOnce.Do(func() {
		self.cancel()
		self.conn.Close()
		if self.closeCallback != nil {
			self.closeCallback(self)
		}
	})
}
