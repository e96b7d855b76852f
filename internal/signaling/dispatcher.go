package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"multimeet-server/internal/conference"
)

// Options tunes the per-connection websocket behavior.
type Options struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
}

// Dispatcher binds signaling connections to the room registry: it routes
// inbound named requests into registry/room operations and guarantees the
// peer's resources are torn down when the connection goes away.
type Dispatcher struct {
	registry *conference.Registry
	opts     Options
	logger   *slog.Logger
}

func NewDispatcher(registry *conference.Registry, opts Options, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		opts:     opts,
		logger:   logger,
	}
}

// session is the per-connection dispatcher state. The room id is remembered
// once the client joins so later requests can be resolved without carrying
// it in every payload.
type session struct {
	client *Client
	roomID string
	joined bool
}

// Serve owns the connection until it closes: keepalive pings, the read
// loop, and the disconnect teardown. It blocks and must run in its own
// goroutine per connection.
func (d *Dispatcher) Serve(conn *websocket.Conn) {
	client := NewClient(conn, d.opts.WriteTimeout, d.logger)
	s := &session{client: client}

	defer func() {
		if s.joined {
			d.registry.LeavePeer(s.roomID, client.ID())
		}
		client.Close()
	}()

	conn.SetReadLimit(d.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(d.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(d.opts.PongWait))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(d.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := client.sendControl(websocket.PingMessage, []byte("ping")); err != nil {
					client.Close()
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	d.logger.Info("signaling connection open", "connId", client.ID())

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			d.logger.Warn("invalid signaling payload", "connId", client.ID(), "error", err)
			continue
		}

		d.handle(s, msg)
	}

	d.logger.Info("signaling connection closed", "connId", client.ID())
}

// handle routes one request. The error policy follows the protocol: join
// and capability fetches surface errors to the client, most in-room
// operations after join assume a valid session and drop silently (with a
// structured log) when an invariant does not hold.
func (d *Dispatcher) handle(s *session, msg Message) {
	client := s.client

	switch msg.Action {
	case ActionRoomCreate:
		var req roomCreateRequest
		if !d.decode(s, msg, &req) {
			return
		}
		d.registry.CreateRoom(req.RoomID)

	case ActionRoomJoin:
		var req roomJoinRequest
		if !d.decode(s, msg, &req) {
			return
		}
		s.roomID = req.RoomID

		peer := conference.NewPeer(client.ID(), req.PeerInfo, client, d.logger)
		if err := d.registry.JoinPeer(req.RoomID, peer); err != nil {
			client.AckError(msg.ID, "room doesn't exist")
			return
		}
		s.joined = true
		d.logger.Info("peer joined room", "roomId", req.RoomID, "peerId", client.ID())
		client.Ack(msg.ID, roomJoinResponse{Response: peer.Info()})

	case ActionRouterRtpCapabilities:
		room, ok := d.room(s)
		if !ok {
			return
		}
		client.Ack(msg.ID, room.RouterRtpCapabilities())

	case ActionCreateWebRtcTransport:
		room, ok := d.room(s)
		if !ok {
			return
		}
		var req createTransportRequest
		if !d.decode(s, msg, &req) {
			return
		}
		info, err := room.CreateTransport(client.ID(), req.Producing, req.Consuming)
		if err != nil {
			client.AckError(msg.ID, err.Error())
			return
		}
		client.Ack(msg.ID, info)

	case ActionConnectWebRtcTransport:
		room, ok := d.room(s)
		if !ok {
			return
		}
		var req connectTransportRequest
		if !d.decode(s, msg, &req) {
			return
		}
		if err := room.ConnectTransport(client.ID(), req.TransportID, req.DtlsParameters); err != nil {
			d.logger.Warn("connect transport failed", "peerId", client.ID(), "transportId", req.TransportID, "error", err)
		}

	case ActionCreateProducer:
		room, ok := d.room(s)
		if !ok {
			return
		}
		var req createProducerRequest
		if !d.decode(s, msg, &req) {
			return
		}
		producerID, err := room.CreateProducer(client.ID(), req.Kind, req.RtpParameters, req.AppData)
		if err != nil {
			client.AckError(msg.ID, err.Error())
			return
		}
		client.Ack(msg.ID, createProducerResponse{ID: producerID})

	case ActionCloseProducer:
		room, ok := d.room(s)
		if !ok {
			return
		}
		var req producerRequest
		if !d.decode(s, msg, &req) {
			return
		}
		_ = room.CloseProducer(client.ID(), req.ProducerID)

	case ActionPauseProducer:
		room, ok := d.room(s)
		if !ok {
			return
		}
		var req producerRequest
		if !d.decode(s, msg, &req) {
			return
		}
		_ = room.PauseProducer(client.ID(), req.ProducerID)

	case ActionResumeProducer:
		room, ok := d.room(s)
		if !ok {
			return
		}
		var req producerRequest
		if !d.decode(s, msg, &req) {
			return
		}
		_ = room.ResumeProducer(client.ID(), req.ProducerID)

	case ActionCreateConsumer:
		room, ok := d.room(s)
		if !ok {
			return
		}
		var req createConsumerRequest
		if !d.decode(s, msg, &req) {
			return
		}
		info, err := room.CreateConsumer(client.ID(), req.ProducerID, req.RtpCapabilities)
		if err != nil {
			// A failed eligibility check acks empty rather than erroring:
			// the client is expected to have matched capabilities already.
			if errors.Is(err, conference.ErrCannotConsume) {
				client.Ack(msg.ID, nil)
				return
			}
			client.AckError(msg.ID, err.Error())
			return
		}
		client.Ack(msg.ID, info)

	case ActionGetProducers:
		room, ok := d.room(s)
		if !ok {
			return
		}
		client.Notify(conference.EventNewProducers, room.PeerProducers(client.ID()))

	case ActionResumeConsumer:
		room, ok := d.room(s)
		if !ok {
			return
		}
		var req consumerRequest
		if !d.decode(s, msg, &req) {
			return
		}
		_ = room.ResumeConsumer(client.ID(), req.ConsumerID)

	case ActionSendPeerAction:
		room, ok := d.room(s)
		if !ok {
			return
		}
		var req peerActionRequest
		if !d.decode(s, msg, &req) {
			return
		}
		_ = room.SendPeerAction(client.ID(), req.Type, req.Action)

	default:
		d.logger.Warn("unknown signaling action", "connId", client.ID(), "action", msg.Action)
	}
}

// room resolves the session's room. Commands issued outside a valid room
// context are dropped; the client is expected to have joined first.
func (d *Dispatcher) room(s *session) (*conference.Room, bool) {
	room, ok := d.registry.GetRoom(s.roomID)
	if !ok {
		d.logger.Debug("request outside a valid room", "connId", s.client.ID(), "roomId", s.roomID)
	}
	return room, ok
}

func (d *Dispatcher) decode(s *session, msg Message, out any) bool {
	if len(msg.Data) == 0 {
		d.logger.Warn("request missing payload", "connId", s.client.ID(), "action", msg.Action)
		return false
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		d.logger.Warn("request payload decode failed", "connId", s.client.ID(), "action", msg.Action, "error", err)
		return false
	}
	return true
}
