// Package media binds the conference core to the mediasoup media engine.
//
// The conference layer only ever talks to the interfaces below. The real
// implementation (mediasoup.go) wraps mediasoup-go workers; tests supply
// in-memory fakes with the same cascade semantics.
package media

import (
	"github.com/jiyeyuran/mediasoup-go/v2"
)

// H is opaque application data attached to transports, producers and
// consumers. It carries the producing/consuming role tag and the owning
// peer id.
type H = mediasoup.H

// Router is a per-room routing context owned by an engine worker. Routers
// are shared by every room assigned to the same worker; capability queries
// and consume-eligibility checks are safe for concurrent use.
type Router interface {
	RtpCapabilities() *mediasoup.RtpCapabilities
	CreateWebRtcTransport(appData H) (Transport, error)
	CanConsume(producerID string, rtpCapabilities *mediasoup.RtpCapabilities) bool
	Close() error
}

// Transport is a negotiated ICE/DTLS path owned by exactly one peer.
// Closing a transport cascades to every producer and consumer created on it.
type Transport interface {
	ID() string
	AppData() H
	// Info returns the connection parameters the client needs to complete
	// the handshake.
	Info() TransportInfo
	Connect(dtlsParameters *mediasoup.DtlsParameters) error
	Produce(options ProducerOptions) (Producer, error)
	Consume(options ConsumerOptions) (Consumer, error)
	OnIceStateChange(listener func(mediasoup.IceState))
	OnDtlsStateChange(listener func(mediasoup.DtlsState))
	OnClose(listener func())
	Close() error
}

// Producer is one inbound media stream from a peer.
type Producer interface {
	ID() string
	Kind() mediasoup.MediaKind
	AppData() H
	Paused() bool
	Pause() error
	Resume() error
	Close() error
}

// Consumer is one outbound media stream forwarded to a peer from a remote
// producer. Consumers are always created paused and resumed by the client
// once its local setup is done.
type Consumer interface {
	ID() string
	Kind() mediasoup.MediaKind
	RtpParameters() *mediasoup.RtpParameters
	AppData() H
	Paused() bool
	Pause() error
	Resume() error
	Close() error
	OnClose(listener func())
	OnProducerClose(listener func())
}

// TransportInfo carries the engine-generated handshake parameters back to
// the requesting client verbatim.
type TransportInfo struct {
	ID             string                    `json:"id"`
	IceParameters  *mediasoup.IceParameters  `json:"iceParameters"`
	IceCandidates  []*mediasoup.IceCandidate `json:"iceCandidates"`
	DtlsParameters *mediasoup.DtlsParameters `json:"dtlsParameters"`
}

// ProducerOptions mirrors the caller-specified part of a produce request.
type ProducerOptions struct {
	Kind          mediasoup.MediaKind
	RtpParameters *mediasoup.RtpParameters
	AppData       H
}

// ConsumerOptions mirrors the caller-specified part of a consume request.
// Paused, EnableRtx and AppData are set by the orchestration layer, not the
// client: AppData is propagated from the producer so the consumer carries
// the producing peer's id.
type ConsumerOptions struct {
	ProducerID      string
	RtpCapabilities *mediasoup.RtpCapabilities
	Paused          bool
	EnableRtx       bool
	AppData         H
}
