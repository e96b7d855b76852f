// Package conference holds the in-memory session model: rooms, peers and
// the orchestration that mediates signaling requests into media engine
// calls.
package conference

import (
	"log/slog"
	"sync"

	"multimeet-server/internal/media"
)

// Notifier delivers a server-initiated push event to one connected client.
// The signaling layer implements it; tests substitute a recorder.
type Notifier interface {
	Notify(event string, payload any)
}

// PeerInfo is the public snapshot of a peer broadcast to other peers. It
// never includes transport/producer/consumer references.
type PeerInfo struct {
	ID               string            `json:"id"`
	PeerName         string            `json:"peerName"`
	PeerGender       string            `json:"peerGender"`
	Avatar           string            `json:"avatar"`
	UserAgent        map[string]string `json:"userAgent"`
	ChannelPassword  string            `json:"channelPassword"`
	PeerVideo        bool              `json:"peerVideo"`
	PeerAudio        bool              `json:"peerAudio"`
	PeerRaisedHand   bool              `json:"peerRaisedHand"`
	PeerScreenShare  bool              `json:"peerScreenShare"`
	PeerScreenRecord bool              `json:"peerScreenRecord"`
}

// PeerAction names a toggleable peer state relayed to the rest of the room.
type PeerAction string

const (
	PeerActionVideo       PeerAction = "video"
	PeerActionAudio       PeerAction = "audio"
	PeerActionScreenShare PeerAction = "screenShare"
	PeerActionRaiseHand   PeerAction = "raiseHand"
	PeerActionRec         PeerAction = "rec"
)

type transportRecord struct {
	transport media.Transport
	producing bool
	consuming bool
	connected bool
}

type producerRecord struct {
	producer    media.Producer
	transportID string
}

type consumerRecord struct {
	consumer    media.Consumer
	transportID string
}

// Peer is one participant's session state within a room. It exclusively
// owns its transports, producers and consumers, keyed by engine id. The
// owning transport of a producer/consumer is tracked by plain id, never a
// back-pointer.
type Peer struct {
	id       string
	notifier Notifier
	logger   *slog.Logger

	mu   sync.Mutex
	info PeerInfo

	// Live flag fields, kept in sync with the info snapshot. Both are
	// updated on every peer action since they are read from different code
	// paths.
	video        bool
	audio        bool
	raisedHand   bool
	screenShare  bool
	screenRecord bool

	transports map[string]*transportRecord
	producers  map[string]*producerRecord
	consumers  map[string]*consumerRecord
}

// NewPeer builds a peer from the client-submitted info, overriding the id
// with the session-scoped connection id.
func NewPeer(id string, info PeerInfo, notifier Notifier, logger *slog.Logger) *Peer {
	info.ID = id
	return &Peer{
		id:           id,
		notifier:     notifier,
		logger:       logger.With("peerId", id),
		info:         info,
		video:        info.PeerVideo,
		audio:        info.PeerAudio,
		raisedHand:   info.PeerRaisedHand,
		screenShare:  info.PeerScreenShare,
		screenRecord: info.PeerScreenRecord,
		transports:   make(map[string]*transportRecord),
		producers:    make(map[string]*producerRecord),
		consumers:    make(map[string]*consumerRecord),
	}
}

func (p *Peer) ID() string {
	return p.id
}

// Info returns the public snapshot of this peer. The returned value is a
// copy; the UserAgent map is shared but treated as read-only.
func (p *Peer) Info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// Notify pushes an event to this peer's signaling connection.
func (p *Peer) Notify(event string, payload any) {
	p.notifier.Notify(event, payload)
}

// ApplyAction flips the flag named by action on both the live peer state
// and the embedded public snapshot, returning the updated snapshot. The
// second return is false for an unknown action name.
func (p *Peer) ApplyAction(action PeerAction, value bool) (PeerInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch action {
	case PeerActionVideo:
		p.video = value
		p.info.PeerVideo = value
	case PeerActionAudio:
		p.audio = value
		p.info.PeerAudio = value
	case PeerActionScreenShare:
		p.screenShare = value
		p.info.PeerScreenShare = value
	case PeerActionRaiseHand:
		p.raisedHand = value
		p.info.PeerRaisedHand = value
	case PeerActionRec:
		p.screenRecord = value
		p.info.PeerScreenRecord = value
	default:
		return p.info, false
	}
	return p.info, true
}

// AddTransport registers a transport under this peer with its fixed role
// tags. The role never changes for the transport's lifetime.
func (p *Peer) AddTransport(transport media.Transport, producing, consuming bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transports[transport.ID()] = &transportRecord{
		transport: transport,
		producing: producing,
		consuming: consuming,
	}
}

func (p *Peer) GetTransport(transportID string) (media.Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.transports[transportID]
	if !ok {
		return nil, false
	}
	return rec.transport, true
}

func (p *Peer) DelTransport(transportID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.transports, transportID)
}

// TransportConnectState returns the transport plus whether it has already
// completed a DTLS connect, so repeat connect requests can be treated as
// no-ops.
func (p *Peer) TransportConnectState(transportID string) (media.Transport, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.transports[transportID]
	if !ok {
		return nil, false, ErrTransportNotFound
	}
	return rec.transport, rec.connected, nil
}

// CommitTransportConnected records a completed DTLS connect. Called only
// after the engine accepted the parameters: a failed connect leaves the
// flag clear so the client can retry.
func (p *Peer) CommitTransportConnected(transportID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.transports[transportID]; ok {
		rec.connected = true
	}
}

// ProducerTransport returns the peer's producing-role transport. Its
// absence is a caller error: the client attempted to produce before
// completing transport setup.
func (p *Peer) ProducerTransport() (media.Transport, error) {
	return p.transportByRole(true)
}

// ConsumerTransport returns the peer's consuming-role transport.
func (p *Peer) ConsumerTransport() (media.Transport, error) {
	return p.transportByRole(false)
}

func (p *Peer) transportByRole(producing bool) (media.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.transports {
		if producing && rec.producing {
			return rec.transport, nil
		}
		if !producing && rec.consuming {
			return rec.transport, nil
		}
	}
	return nil, ErrTransportNotFound
}

func (p *Peer) AddProducer(producer media.Producer, transportID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.producers[producer.ID()] = &producerRecord{producer: producer, transportID: transportID}
}

func (p *Peer) GetProducer(producerID string) (media.Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.producers[producerID]
	if !ok {
		return nil, false
	}
	return rec.producer, true
}

func (p *Peer) DelProducer(producerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.producers, producerID)
}

// CloseProducer closes and deregisters a producer. Absent producers are a
// no-op; a failed engine close (double-close race) is logged and the map
// entry is removed regardless.
func (p *Peer) CloseProducer(producerID string) {
	p.mu.Lock()
	rec, ok := p.producers[producerID]
	if ok {
		delete(p.producers, producerID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if err := rec.producer.Close(); err != nil {
		p.logger.Warn("producer close failed", "producerId", producerID, "error", err)
	}
}

func (p *Peer) AddConsumer(consumer media.Consumer, transportID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[consumer.ID()] = &consumerRecord{consumer: consumer, transportID: transportID}
}

func (p *Peer) GetConsumer(consumerID string) (media.Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.consumers[consumerID]
	if !ok {
		return nil, false
	}
	return rec.consumer, true
}

func (p *Peer) DelConsumer(consumerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, consumerID)
}

// RemoveConsumer closes and deregisters a consumer with the same
// best-effort semantics as CloseProducer.
func (p *Peer) RemoveConsumer(consumerID string) {
	p.mu.Lock()
	rec, ok := p.consumers[consumerID]
	if ok {
		delete(p.consumers, consumerID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if err := rec.consumer.Close(); err != nil {
		p.logger.Warn("consumer close failed", "consumerId", consumerID, "error", err)
	}
}

// Producers returns a snapshot of the peer's producers.
func (p *Peer) Producers() []media.Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]media.Producer, 0, len(p.producers))
	for _, rec := range p.producers {
		out = append(out, rec.producer)
	}
	return out
}

// ConsumerCount reports how many consumers the peer currently owns.
func (p *Peer) ConsumerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.consumers)
}

// ProducerCount reports how many producers the peer currently owns.
func (p *Peer) ProducerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.producers)
}

// TransportCount reports how many transports the peer currently owns.
func (p *Peer) TransportCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

// removeTransportResources deregisters a closed transport and every
// producer/consumer that depended on it. The engine has already cascaded
// the closes; this only drops the references.
func (p *Peer) removeTransportResources(transportID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.transports, transportID)
	for id, rec := range p.producers {
		if rec.transportID == transportID {
			delete(p.producers, id)
		}
	}
	for id, rec := range p.consumers {
		if rec.transportID == transportID {
			delete(p.consumers, id)
		}
	}
}

// Close tears down the whole session: every owned transport is closed,
// which transitively closes all producers and consumers attached to it.
// Safe to call with zero transports.
func (p *Peer) Close() {
	p.mu.Lock()
	transports := make([]media.Transport, 0, len(p.transports))
	for _, rec := range p.transports {
		transports = append(transports, rec.transport)
	}
	p.mu.Unlock()

	for _, transport := range transports {
		if err := transport.Close(); err != nil {
			p.logger.Warn("transport close failed", "transportId", transport.ID(), "error", err)
		}
	}

	p.mu.Lock()
	p.transports = make(map[string]*transportRecord)
	p.producers = make(map[string]*producerRecord)
	p.consumers = make(map[string]*consumerRecord)
	p.mu.Unlock()
}
