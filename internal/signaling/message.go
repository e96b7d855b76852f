// Package signaling carries the application-level signaling contract: the
// websocket message envelope, the named requests, and the dispatcher that
// routes them into the conference core.
package signaling

import (
	"encoding/json"

	"github.com/jiyeyuran/mediasoup-go/v2"

	"multimeet-server/internal/conference"
	"multimeet-server/internal/media"
)

// Message is the wire envelope. Requests carry an Action name, an optional
// correlation ID (present if and only if the client expects an ack, ids
// start at 1) and a JSON payload. Acks echo the ID with either Data or
// Error set. Server pushes carry the event name in Action and no ID.
type Message struct {
	Action string          `json:"action"`
	ID     uint64          `json:"id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Request action names.
const (
	ActionRoomCreate             = "room:create"
	ActionRoomJoin               = "room:join"
	ActionRouterRtpCapabilities  = "getRouterRtpCapabilities"
	ActionCreateWebRtcTransport  = "createWebRtcTransport"
	ActionConnectWebRtcTransport = "connectWebRtcTransport"
	ActionCreateProducer         = "createProducer"
	ActionCloseProducer          = "closeProducer"
	ActionPauseProducer          = "pauseProducer"
	ActionResumeProducer         = "resumeProducer"
	ActionCreateConsumer         = "createConsumer"
	ActionGetProducers           = "getProducers"
	ActionResumeConsumer         = "resumeConsumer"
	ActionSendPeerAction         = "sendPeerAction"

	ActionAck = "ack"
)

type roomCreateRequest struct {
	RoomID string `json:"roomId"`
}

type roomJoinRequest struct {
	RoomID   string              `json:"roomId"`
	PeerInfo conference.PeerInfo `json:"peerInfo"`
}

type roomJoinResponse struct {
	Response conference.PeerInfo `json:"response"`
}

type createTransportRequest struct {
	Producing bool `json:"producing"`
	Consuming bool `json:"consuming"`
}

type connectTransportRequest struct {
	TransportID    string                    `json:"transportId"`
	DtlsParameters *mediasoup.DtlsParameters `json:"dtlsParameters"`
}

type createProducerRequest struct {
	Kind          mediasoup.MediaKind      `json:"kind"`
	RtpParameters *mediasoup.RtpParameters `json:"rtpParameters"`
	AppData       media.H                  `json:"appData"`
}

type createProducerResponse struct {
	ID string `json:"id"`
}

type producerRequest struct {
	ProducerID string `json:"producerId"`
}

type createConsumerRequest struct {
	ProducerID      string                     `json:"producerId"`
	RtpCapabilities *mediasoup.RtpCapabilities `json:"rtpCapabilities"`
}

type consumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

type peerActionRequest struct {
	Type   conference.PeerAction `json:"type"`
	Action bool                  `json:"action"`
}
