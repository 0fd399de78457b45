// Package rtc negotiates the WebRTC peer session with the realtime
// endpoint: local offer, SDP exchange over HTTP, remote answer, and the
// event data channel.
package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/antoniostano/rtvoice/internal/audio"
)

// EventsChannelLabel is the data channel carrying JSON events.
const EventsChannelLabel = "oai-events"

// PeerState mirrors the subset of peer connection states the client acts on.
type PeerState string

const (
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// Dropped reports whether the transport is gone. Disconnected is not a
// drop: ICE may still recover, and moves to failed if it cannot.
func (s PeerState) Dropped() bool {
	return s == PeerFailed || s == PeerClosed
}

// Peer is the peer connection surface the negotiator needs.
type Peer interface {
	AddAudioTrack(track webrtc.TrackLocal) error
	CreateDataChannel(label string) (DataChannel, error)
	// CreateOffer sets the local description and returns the SDP once ICE
	// gathering completes or ctx ends.
	CreateOffer(ctx context.Context) (string, error)
	SetAnswer(sdp string) error
	OnRemoteTrack(fn func(audio.RemoteTrack))
	OnStateChange(fn func(PeerState))
	Close() error
}

// DataChannel is one SCTP data channel.
type DataChannel interface {
	Label() string
	SendText(text string) error
	IsOpen() bool
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	Close() error
}

// PeerFactory creates peers.
type PeerFactory interface {
	NewPeer(iceServers []string) (Peer, error)
}

// PeerSession is the result of a successful negotiation.
type PeerSession struct {
	Peer    Peer
	Channel DataChannel
	Capture audio.Capture
}

// Close tears the session down; the capture is stopped by its pipeline.
func (s *PeerSession) Close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.Channel != nil {
		err = s.Channel.Close()
	}
	if s.Peer != nil {
		if perr := s.Peer.Close(); err == nil {
			err = perr
		}
	}
	return err
}
