package conference

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/jiyeyuran/mediasoup-go/v2"

	"multimeet-server/internal/media"
)

// Sentinel errors for the structured-no-op policy: session commands issued
// outside a valid room/peer/resource context are dropped at the dispatcher
// boundary, but callers and tests can still observe which invariant failed.
var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrPeerNotFound      = errors.New("peer not found")
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrConsumerNotFound  = errors.New("consumer not found")
	ErrCannotConsume     = errors.New("peer capabilities cannot consume producer")
	ErrUnknownPeerAction = errors.New("unknown peer action")
)

// Server-pushed event names.
const (
	EventPeerJoined     = "peerJoined"
	EventNewProducers   = "newProducers"
	EventPeerAction     = "peerAction"
	EventConsumerClosed = "consumerClosed"
)

// ProducerEntry is one element of a newProducers push: enough for a client
// to request a consumer and attribute the stream to a participant.
type ProducerEntry struct {
	ProducerID string   `json:"producerId"`
	PeerInfo   PeerInfo `json:"peerInfo"`
	Type       string   `json:"type"`
	AppData    media.H  `json:"appData"`
}

// ConsumerInfo is the ack payload of a successful consume request.
type ConsumerInfo struct {
	ProducerID       string                   `json:"producerId"`
	ID               string                   `json:"id"`
	Kind             mediasoup.MediaKind      `json:"kind"`
	RtpParameters    *mediasoup.RtpParameters `json:"rtpParameters"`
	ServerConsumerID string                   `json:"serverConsumerId"`
}

// PeerActionEvent is the payload of a peerAction push.
type PeerActionEvent struct {
	Type   PeerAction `json:"type"`
	Action bool       `json:"action"`
	Peer   PeerInfo   `json:"peer"`
}

// Room is the per-meeting aggregate: the set of peers plus the router
// assigned at creation. The router is shared with the worker pool and never
// changes. Every method takes the acting peer's session id explicitly.
type Room struct {
	id     string
	logger *slog.Logger
	router media.Router

	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewRoom(roomID string, router media.Router, logger *slog.Logger) *Room {
	return &Room{
		id:     roomID,
		logger: logger.With("roomId", roomID),
		router: router,
		peers:  make(map[string]*Peer),
	}
}

func (r *Room) ID() string {
	return r.id
}

// RouterRtpCapabilities returns the room router's capability set verbatim.
func (r *Room) RouterRtpCapabilities() *mediasoup.RtpCapabilities {
	return r.router.RtpCapabilities()
}

// AddPeer inserts the peer keyed by its session id (last-write-wins on a
// collision, which connection-scoped ids rule out) and announces it to the
// rest of the room.
func (r *Room) AddPeer(peer *Peer) {
	r.insert(peer)
	r.announce(peer)
}

// insert registers the peer without announcing it. The registry uses it to
// make the membership change visible while still holding its own lock, so
// a reap check can never observe the room empty mid-join.
func (r *Room) insert(peer *Peer) {
	r.mu.Lock()
	r.peers[peer.ID()] = peer
	r.mu.Unlock()
}

// announce broadcasts peerJoined for an already-inserted peer.
func (r *Room) announce(peer *Peer) {
	r.broadcast(peer.ID(), EventPeerJoined, peer.Info())
}

func (r *Room) GetPeer(peerID string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[peerID]
	return peer, ok
}

// RemovePeer drops the peer from the room and tears down all its media
// resources. Invoked on signaling disconnect or explicit leave.
func (r *Room) RemovePeer(peerID string) bool {
	r.mu.Lock()
	peer, ok := r.peers[peerID]
	if ok {
		delete(r.peers, peerID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	peer.Close()
	r.logger.Info("peer left room", "peerId", peerID)
	return true
}

func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// CreateTransport asks the router for a WebRTC transport tagged with its
// producing/consuming role, wires its lifecycle listeners and attaches it
// to the requesting peer. Engine failure is logged and returned: the caller
// must retry or abort the join.
func (r *Room) CreateTransport(peerID string, producing, consuming bool) (media.TransportInfo, error) {
	peer, ok := r.GetPeer(peerID)
	if !ok {
		return media.TransportInfo{}, ErrPeerNotFound
	}

	transport, err := r.router.CreateWebRtcTransport(media.H{
		"producing": producing,
		"consuming": consuming,
		"peerId":    peerID,
	})
	if err != nil {
		r.logger.Error("createWebRtcTransport failed", "peerId", peerID, "error", err)
		return media.TransportInfo{}, err
	}

	transportID := transport.ID()

	transport.OnDtlsStateChange(func(state mediasoup.DtlsState) {
		if state == "failed" || state == "closed" {
			r.logger.Warn("closing transport on dtls state", "transportId", transportID, "dtlsState", state)
			transport.Close()
		}
	})
	transport.OnIceStateChange(func(state mediasoup.IceState) {
		if state == "disconnected" || state == "closed" {
			r.logger.Warn("closing transport on ice state", "transportId", transportID, "iceState", state)
			transport.Close()
		}
	})
	transport.OnClose(func() {
		peer.removeTransportResources(transportID)
	})

	peer.AddTransport(transport, producing, consuming)

	return transport.Info(), nil
}

// ConnectTransport forwards the client's DTLS parameters to the engine.
// A repeat connect for an already-connected transport is a no-op.
func (r *Room) ConnectTransport(peerID, transportID string, dtlsParameters *mediasoup.DtlsParameters) error {
	peer, ok := r.GetPeer(peerID)
	if !ok {
		return ErrPeerNotFound
	}

	transport, connected, err := peer.TransportConnectState(transportID)
	if err != nil {
		return err
	}
	if connected {
		r.logger.Debug("transport already connected", "peerId", peerID, "transportId", transportID)
		return nil
	}

	if err := transport.Connect(dtlsParameters); err != nil {
		r.logger.Error("connectWebRtcTransport failed", "peerId", peerID, "transportId", transportID, "error", err)
		return err
	}
	peer.CommitTransportConnected(transportID)
	return nil
}

// CreateProducer instructs the peer's producing transport to receive a new
// media stream, registers it under the peer and announces it to every other
// connection in the room.
func (r *Room) CreateProducer(peerID string, kind mediasoup.MediaKind, rtpParameters *mediasoup.RtpParameters, appData media.H) (string, error) {
	peer, ok := r.GetPeer(peerID)
	if !ok {
		return "", ErrPeerNotFound
	}

	transport, err := peer.ProducerTransport()
	if err != nil {
		return "", err
	}

	if appData == nil {
		appData = media.H{}
	}
	appData["peerId"] = peerID

	producer, err := transport.Produce(media.ProducerOptions{
		Kind:          kind,
		RtpParameters: rtpParameters,
		AppData:       appData,
	})
	if err != nil {
		r.logger.Error("produce failed", "peerId", peerID, "kind", kind, "error", err)
		return "", err
	}

	peer.AddProducer(producer, transport.ID())

	r.logger.Info("producer created", "peerId", peerID, "producerId", producer.ID(), "kind", kind)

	r.broadcast(peerID, EventNewProducers, []ProducerEntry{producerEntry(peer, producer)})

	return producer.ID(), nil
}

// CloseProducer closes and deregisters the requester's producer.
// Best-effort: absent producers are a no-op.
func (r *Room) CloseProducer(peerID, producerID string) error {
	peer, ok := r.GetPeer(peerID)
	if !ok {
		return ErrPeerNotFound
	}
	peer.CloseProducer(producerID)
	return nil
}

// PauseProducer is fire-and-forget: failures are logged, never surfaced.
func (r *Room) PauseProducer(peerID, producerID string) error {
	return r.producerOp(peerID, producerID, "pause", media.Producer.Pause)
}

// ResumeProducer is fire-and-forget, like PauseProducer.
func (r *Room) ResumeProducer(peerID, producerID string) error {
	return r.producerOp(peerID, producerID, "resume", media.Producer.Resume)
}

func (r *Room) producerOp(peerID, producerID, op string, fn func(media.Producer) error) error {
	peer, ok := r.GetPeer(peerID)
	if !ok {
		return ErrPeerNotFound
	}
	producer, ok := peer.GetProducer(producerID)
	if !ok {
		r.logger.Warn("producer op on unknown producer", "op", op, "peerId", peerID, "producerId", producerID)
		return ErrProducerNotFound
	}
	if err := fn(producer); err != nil {
		r.logger.Warn("producer op failed", "op", op, "peerId", peerID, "producerId", producerID, "error", err)
		return err
	}
	return nil
}

// CreateConsumer checks consume eligibility against the requesting peer's
// capabilities, then creates a consumer in paused state on the peer's
// consuming transport. The client resumes it after local setup; this
// ordering is mandatory so RTP never arrives before the remote endpoint is
// ready to associate the stream.
func (r *Room) CreateConsumer(peerID, producerID string, rtpCapabilities *mediasoup.RtpCapabilities) (*ConsumerInfo, error) {
	peer, ok := r.GetPeer(peerID)
	if !ok {
		return nil, ErrPeerNotFound
	}

	if rtpCapabilities == nil || !r.router.CanConsume(producerID, rtpCapabilities) {
		r.logger.Warn("cannot consume producer", "peerId", peerID, "producerId", producerID)
		return nil, ErrCannotConsume
	}

	transport, err := peer.ConsumerTransport()
	if err != nil {
		return nil, err
	}

	// Propagate the producer's appData so the consumer carries the
	// producing peer's id for stream attribution.
	var producerAppData media.H
	if _, producer, ok := r.findProducer(producerID); ok {
		producerAppData = producer.AppData()
	}

	consumer, err := transport.Consume(media.ConsumerOptions{
		ProducerID:      producerID,
		RtpCapabilities: rtpCapabilities,
		Paused:          true,
		EnableRtx:       true,
		AppData:         producerAppData,
	})
	if err != nil {
		r.logger.Error("consume failed", "peerId", peerID, "producerId", producerID, "error", err)
		return nil, err
	}

	peer.AddConsumer(consumer, transport.ID())

	consumerID := consumer.ID()

	consumer.OnClose(func() {
		peer.DelConsumer(consumerID)
	})
	consumer.OnProducerClose(func() {
		peer.DelConsumer(consumerID)
		peer.Notify(EventConsumerClosed, map[string]any{"consumerId": consumerID})
	})

	r.logger.Info("consumer created", "peerId", peerID, "producerId", producerID, "consumerId", consumerID)

	return &ConsumerInfo{
		ProducerID:       producerID,
		ID:               consumerID,
		Kind:             consumer.Kind(),
		RtpParameters:    consumer.RtpParameters(),
		ServerConsumerID: consumerID,
	}, nil
}

// ResumeConsumer resumes the requester's (initially paused) consumer.
func (r *Room) ResumeConsumer(peerID, consumerID string) error {
	peer, ok := r.GetPeer(peerID)
	if !ok {
		return ErrPeerNotFound
	}
	consumer, ok := peer.GetConsumer(consumerID)
	if !ok {
		r.logger.Warn("resume on unknown consumer", "peerId", peerID, "consumerId", consumerID)
		return ErrConsumerNotFound
	}
	if err := consumer.Resume(); err != nil {
		r.logger.Warn("consumer resume failed", "peerId", peerID, "consumerId", consumerID, "error", err)
		return err
	}
	return nil
}

// PeerProducers lists every producer owned by every peer other than the
// requester. Recomputed per call; used to backfill a newly joined peer with
// the room's existing streams.
func (r *Room) PeerProducers(excludePeerID string) []ProducerEntry {
	r.mu.RLock()
	peers := make([]*Peer, 0, len(r.peers))
	for id, peer := range r.peers {
		if id == excludePeerID {
			continue
		}
		peers = append(peers, peer)
	}
	r.mu.RUnlock()

	entries := []ProducerEntry{}
	for _, peer := range peers {
		for _, producer := range peer.Producers() {
			entries = append(entries, producerEntry(peer, producer))
		}
	}
	return entries
}

// SendPeerAction flips the named flag on the acting peer and relays the new
// state, with the full updated peer info, to every other connection.
func (r *Room) SendPeerAction(peerID string, action PeerAction, value bool) error {
	peer, ok := r.GetPeer(peerID)
	if !ok {
		return ErrPeerNotFound
	}

	info, ok := peer.ApplyAction(action, value)
	if !ok {
		r.logger.Warn("unknown peer action", "peerId", peerID, "action", action)
		return ErrUnknownPeerAction
	}

	r.broadcast(peerID, EventPeerAction, PeerActionEvent{
		Type:   action,
		Action: value,
		Peer:   info,
	})
	return nil
}

// broadcast fans an event out to every connection in the room except
// excludePeerID. Best-effort, no ordering guarantee: peers are snapshotted
// under the read lock and notified outside it.
func (r *Room) broadcast(excludePeerID, event string, payload any) {
	r.mu.RLock()
	peers := make([]*Peer, 0, len(r.peers))
	for id, peer := range r.peers {
		if id == excludePeerID {
			continue
		}
		peers = append(peers, peer)
	}
	r.mu.RUnlock()

	for _, peer := range peers {
		peer.Notify(event, payload)
	}
}

// findProducer scans the room for a producer by id, returning its owner.
func (r *Room) findProducer(producerID string) (*Peer, media.Producer, bool) {
	r.mu.RLock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, peer)
	}
	r.mu.RUnlock()

	for _, peer := range peers {
		if producer, ok := peer.GetProducer(producerID); ok {
			return peer, producer, true
		}
	}
	return nil, nil, false
}

func producerEntry(owner *Peer, producer media.Producer) ProducerEntry {
	appData := producer.AppData()
	mediaType, _ := appData["mediaType"].(string)
	return ProducerEntry{
		ProducerID: producer.ID(),
		PeerInfo:   owner.Info(),
		Type:       mediaType,
		AppData:    appData,
	}
}
