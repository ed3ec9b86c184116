package coedit

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	webrtcconn "github.com/bringyour/webrtc-conn"
	"github.com/pion/webrtc/v3"
)

// ConnProvider opens transport connections between two peers that can
// both reach the same broker. The handshake id names one connection
// attempt and must be the same on both sides.
type ConnProvider interface {
	// Offer dials the peer at the given address. Used by a joiner to
	// reach the host.
	Offer(ctx context.Context, peerAddress Address, handshakeID string) (net.Conn, error)

	// Answer accepts a connection from the peer at the given address.
	// Used by the host to answer a join.
	Answer(ctx context.Context, peerAddress Address, handshakeID string) (net.Conn, error)
}

// WebRTC connection timeout, increase this if it leads to frequent timeouts.
const webrtcConnTimeout = 5 * time.Second

func DefaultRtcConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				// FIXME: use a more reliable STUN server
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// WebRTCConnProvider negotiates data channels with sdp and candidate
// envelopes relayed through the broker
type WebRTCConnProvider struct {
	signal    *SignalClient
	rtcConfig webrtc.Configuration
}

func NewWebRTCConnProviderWithDefaults(signal *SignalClient) *WebRTCConnProvider {
	return NewWebRTCConnProvider(signal, DefaultRtcConfiguration())
}

func NewWebRTCConnProvider(signal *SignalClient, rtcConfig webrtc.Configuration) *WebRTCConnProvider {
	return &WebRTCConnProvider{
		signal:    signal,
		rtcConfig: rtcConfig,
	}
}

func (cp *WebRTCConnProvider) Offer(ctx context.Context, peerAddress Address, handshakeID string) (net.Conn, error) {
	defer cp.signal.ReleaseMailbox(handshakeID)
	return webrtcconn.Offer(
		ctx,
		cp.rtcConfig,
		NewWebRTCOfferHandshake(cp.signal, peerAddress, handshakeID),
		true,
		4,
		webrtcConnTimeout,
	)
}

func (cp *WebRTCConnProvider) Answer(ctx context.Context, peerAddress Address, handshakeID string) (net.Conn, error) {
	defer cp.signal.ReleaseMailbox(handshakeID)
	return webrtcconn.Answer(
		ctx,
		cp.rtcConfig,
		NewWebRTCAnswerHandshake(cp.signal, peerAddress, handshakeID),
		webrtcConnTimeout,
	)
}

func NewWebRTCOfferHandshake(signal *SignalClient, peerAddress Address, handshakeID string) *WebRTCOfferHandshake {
	return &WebRTCOfferHandshake{
		signal:      signal,
		peerAddress: peerAddress,
		handshakeID: handshakeID,
	}
}

type WebRTCOfferHandshake struct {
	signal             *SignalClient
	peerAddress        Address
	handshakeID        string
	candidatesReceived int
}

func (o *WebRTCOfferHandshake) OfferSDP(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	err := o.signal.SendOfferSdp(
		o.peerAddress,
		o.handshakeID,
		offer,
	)

	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to send offer SDP: %w", err)
	}

	answer, err := o.signal.PollAnswerSdp(
		ctx,
		o.handshakeID,
	)

	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to get answer SDP: %w", err)
	}

	return answer, nil

}

func (o *WebRTCOfferHandshake) GetAnswerPeerCandidates(ctx context.Context) ([]webrtc.ICECandidate, error) {
	candidates, err := o.signal.PollCandidates(
		ctx,
		o.handshakeID,
		SignalSideAnswer,
		o.candidatesReceived,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get answer candidates: %w", err)
	}

	o.candidatesReceived += len(candidates)

	return candidates, nil
}

func (o *WebRTCOfferHandshake) AddOfferPeerCandidate(ctx context.Context, candidate webrtc.ICECandidate) error {
	return o.signal.SendCandidate(o.peerAddress, o.handshakeID, SignalSideOffer, candidate)
}

func NewWebRTCAnswerHandshake(signal *SignalClient, peerAddress Address, handshakeID string) *WebRTCAnswerHandshake {
	return &WebRTCAnswerHandshake{
		signal:      signal,
		peerAddress: peerAddress,
		handshakeID: handshakeID,
	}
}

type WebRTCAnswerHandshake struct {
	signal             *SignalClient
	peerAddress        Address
	handshakeID        string
	candidatesReceived int
}

func (a *WebRTCAnswerHandshake) AnswerSDP(ctx context.Context, answer func(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)) error {
	offer, err := a.signal.PollOfferSdp(
		ctx,
		a.handshakeID,
	)

	if err != nil {
		return fmt.Errorf("failed to get offer SDP: %w", err)
	}

	answerSDP, err := answer(ctx, offer)
	if err != nil {
		return fmt.Errorf("failed to answer SDP: %w", err)
	}

	err = a.signal.SendAnswerSdp(
		a.peerAddress,
		a.handshakeID,
		answerSDP,
	)

	if err != nil {
		return fmt.Errorf("failed to send answer SDP: %w", err)
	}

	return nil

}

func (a *WebRTCAnswerHandshake) GetOfferPeerCandidates(ctx context.Context) ([]webrtc.ICECandidate, error) {
	candidates, err := a.signal.PollCandidates(
		ctx,
		a.handshakeID,
		SignalSideOffer,
		a.candidatesReceived,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get offer candidates: %w", err)
	}

	a.candidatesReceived += len(candidates)

	return candidates, nil
}

func (a *WebRTCAnswerHandshake) AddAnswerPeerCandidate(ctx context.Context, candidate webrtc.ICECandidate) error {
	return a.signal.SendCandidate(a.peerAddress, a.handshakeID, SignalSideAnswer, candidate)
}

// PipeConnProvider connects both handshake sides over an in process
// pipe. The first side to arrive parks until the other side shows up
// with the same handshake id.
type PipeConnProvider struct {
	mutex   sync.Mutex
	waiters map[string]chan net.Conn
}

func NewPipeConnProvider() *PipeConnProvider {
	return &PipeConnProvider{
		waiters: map[string]chan net.Conn{},
	}
}

func (cp *PipeConnProvider) Offer(ctx context.Context, peerAddress Address, handshakeID string) (net.Conn, error) {
	return cp.rendezvous(ctx, handshakeID)
}

func (cp *PipeConnProvider) Answer(ctx context.Context, peerAddress Address, handshakeID string) (net.Conn, error) {
	return cp.rendezvous(ctx, handshakeID)
}

func (cp *PipeConnProvider) rendezvous(ctx context.Context, handshakeID string) (net.Conn, error) {
	cp.mutex.Lock()
	if other, ok := cp.waiters[handshakeID]; ok {
		delete(cp.waiters, handshakeID)
		cp.mutex.Unlock()

		a, b := net.Pipe()
		other <- a
		return b, nil
	}
	wait := make(chan net.Conn, 1)
	cp.waiters[handshakeID] = wait
	cp.mutex.Unlock()

	select {
	case conn := <-wait:
		return conn, nil
	case <-ctx.Done():
		cp.mutex.Lock()
		if cp.waiters[handshakeID] == wait {
			delete(cp.waiters, handshakeID)
		}
		cp.mutex.Unlock()
		return nil, ctx.Err()
	}
}
