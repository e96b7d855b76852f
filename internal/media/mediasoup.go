package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/jiyeyuran/mediasoup-go/v2"
)

// WorkerConfig is the engine-facing slice of the process configuration.
type WorkerConfig struct {
	// WorkerBin is the path to the mediasoup-worker binary each worker
	// process is spawned from.
	WorkerBin string
	// NumWorkers is the number of engine workers to launch. Zero means one
	// per logical CPU.
	NumWorkers int
	RtcMinPort uint16
	RtcMaxPort uint16
	// ListenIP is the local address RTP transports bind to.
	ListenIP string
	// AnnouncedIP is the address written into ICE candidates when the
	// server sits behind NAT. Empty means announce ListenIP.
	AnnouncedIP string
	// InitialAvailableOutgoingBitrate is the bitrate hint applied to every
	// new WebRTC transport.
	InitialAvailableOutgoingBitrate uint32
}

// mediaCodecs is the fixed codec preference list every router is created
// with: Opus for audio, then VP8, VP9 and two H264 profiles for video.
func mediaCodecs() []*mediasoup.RtpCodecCapability {
	return []*mediasoup.RtpCodecCapability{
		{
			Kind:      mediasoup.MediaKindAudio,
			MimeType:  "audio/opus",
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      mediasoup.MediaKindVideo,
			MimeType:  "video/VP8",
			ClockRate: 90000,
			Parameters: mediasoup.RtpCodecSpecificParameters{
				XGoogleStartBitrate: 1000,
			},
		},
		{
			Kind:      mediasoup.MediaKindVideo,
			MimeType:  "video/VP9",
			ClockRate: 90000,
			Parameters: mediasoup.RtpCodecSpecificParameters{
				ProfileId:           2,
				XGoogleStartBitrate: 1000,
			},
		},
		{
			Kind:      mediasoup.MediaKindVideo,
			MimeType:  "video/h264",
			ClockRate: 90000,
			Parameters: mediasoup.RtpCodecSpecificParameters{
				PacketizationMode:     1,
				ProfileLevelId:        "4d0032",
				LevelAsymmetryAllowed: 1,
				XGoogleStartBitrate:   1000,
			},
		},
		{
			Kind:      mediasoup.MediaKindVideo,
			MimeType:  "video/h264",
			ClockRate: 90000,
			Parameters: mediasoup.RtpCodecSpecificParameters{
				PacketizationMode:     1,
				ProfileLevelId:        "42e01f",
				LevelAsymmetryAllowed: 1,
				XGoogleStartBitrate:   1000,
			},
		},
	}
}

// StartWorkers launches the engine workers and creates one router per
// worker. A worker death is fatal: mid-flight media state cannot be
// reconstructed, so the process restarts instead.
func StartWorkers(cfg WorkerConfig, logger *slog.Logger) (*Pool, func(), error) {
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	workers := make([]*mediasoup.Worker, 0, numWorkers)
	routers := make([]Router, 0, numWorkers)

	var shuttingDown atomic.Bool
	stop := func() {
		shuttingDown.Store(true)
		for _, w := range workers {
			w.Close()
		}
	}

	for i := 0; i < numWorkers; i++ {
		worker, err := mediasoup.NewWorker(cfg.WorkerBin, func(settings *mediasoup.WorkerSettings) {
			settings.LogLevel = mediasoup.WorkerLogLevelWarn
		})
		if err != nil {
			stop()
			return nil, nil, fmt.Errorf("create worker %d: %w", i, err)
		}
		func(worker *mediasoup.Worker, idx int) {
			worker.OnClose(func(context.Context) {
				if shuttingDown.Load() {
					return
				}
				if err := worker.Err(); err != nil {
					logger.Error("engine worker died, exiting", "worker", idx, "error", err)
					os.Exit(1)
				}
			})
		}(worker, i)

		router, err := worker.CreateRouter(&mediasoup.RouterOptions{
			MediaCodecs: mediaCodecs(),
		})
		if err != nil {
			stop()
			worker.Close()
			return nil, nil, fmt.Errorf("create router on worker %d: %w", i, err)
		}

		workers = append(workers, worker)
		routers = append(routers, &msRouter{router: router, cfg: cfg})
	}

	logger.Info("engine workers started", "workers", numWorkers, "rtcMinPort", cfg.RtcMinPort, "rtcMaxPort", cfg.RtcMaxPort)

	return NewPool(routers), stop, nil
}

type msRouter struct {
	router *mediasoup.Router
	cfg    WorkerConfig
}

func (r *msRouter) RtpCapabilities() *mediasoup.RtpCapabilities {
	return r.router.RtpCapabilities()
}

func (r *msRouter) CreateWebRtcTransport(appData H) (Transport, error) {
	listenInfo := mediasoup.TransportListenInfo{
		Protocol: mediasoup.TransportProtocolUDP,
		Ip:       r.cfg.ListenIP,
		PortRange: mediasoup.TransportPortRange{
			Min: r.cfg.RtcMinPort,
			Max: r.cfg.RtcMaxPort,
		},
	}
	if r.cfg.AnnouncedIP != "" {
		listenInfo.AnnouncedAddress = r.cfg.AnnouncedIP
	}

	transport, err := r.router.CreateWebRtcTransport(&mediasoup.WebRtcTransportOptions{
		ListenInfos:                     []mediasoup.TransportListenInfo{listenInfo},
		InitialAvailableOutgoingBitrate: r.cfg.InitialAvailableOutgoingBitrate,
		AppData:                         appData,
	})
	if err != nil {
		return nil, err
	}
	return &msTransport{transport: transport}, nil
}

func (r *msRouter) CanConsume(producerID string, rtpCapabilities *mediasoup.RtpCapabilities) bool {
	return r.router.CanConsume(producerID, rtpCapabilities)
}

func (r *msRouter) Close() error {
	return r.router.Close()
}

type msTransport struct {
	transport *mediasoup.Transport
}

func (t *msTransport) ID() string {
	return t.transport.Id()
}

func (t *msTransport) AppData() H {
	return t.transport.AppData()
}

func (t *msTransport) Info() TransportInfo {
	data := t.transport.Data().WebRtcTransportData
	candidates := make([]*mediasoup.IceCandidate, len(data.IceCandidates))
	for i := range data.IceCandidates {
		candidates[i] = &data.IceCandidates[i]
	}
	return TransportInfo{
		ID:             t.transport.Id(),
		IceParameters:  &data.IceParameters,
		IceCandidates:  candidates,
		DtlsParameters: &data.DtlsParameters,
	}
}

func (t *msTransport) Connect(dtlsParameters *mediasoup.DtlsParameters) error {
	return t.transport.Connect(&mediasoup.TransportConnectOptions{
		DtlsParameters: dtlsParameters,
	})
}

func (t *msTransport) Produce(options ProducerOptions) (Producer, error) {
	producer, err := t.transport.Produce(&mediasoup.ProducerOptions{
		Kind:          options.Kind,
		RtpParameters: options.RtpParameters,
		AppData:       options.AppData,
	})
	if err != nil {
		return nil, err
	}
	return &msProducer{producer: producer}, nil
}

func (t *msTransport) Consume(options ConsumerOptions) (Consumer, error) {
	consumer, err := t.transport.Consume(&mediasoup.ConsumerOptions{
		ProducerId:      options.ProducerID,
		RtpCapabilities: options.RtpCapabilities,
		Paused:          options.Paused,
		EnableRtx:       ref(options.EnableRtx),
		IgnoreDtx:       true,
		AppData:         options.AppData,
	})
	if err != nil {
		return nil, err
	}
	return &msConsumer{consumer: consumer}, nil
}

func (t *msTransport) OnIceStateChange(listener func(mediasoup.IceState)) {
	t.transport.OnIceStateChange(listener)
}

func (t *msTransport) OnDtlsStateChange(listener func(mediasoup.DtlsState)) {
	t.transport.OnDtlsStateChange(listener)
}

func (t *msTransport) OnClose(listener func()) {
	t.transport.OnClose(func(context.Context) {
		listener()
	})
}

func (t *msTransport) Close() error {
	return t.transport.Close()
}

type msProducer struct {
	producer *mediasoup.Producer
}

func (p *msProducer) ID() string                { return p.producer.Id() }
func (p *msProducer) Kind() mediasoup.MediaKind { return p.producer.Kind() }
func (p *msProducer) AppData() H                { return p.producer.AppData() }
func (p *msProducer) Paused() bool              { return p.producer.Paused() }
func (p *msProducer) Pause() error              { return p.producer.Pause() }
func (p *msProducer) Resume() error             { return p.producer.Resume() }
func (p *msProducer) Close() error              { return p.producer.Close() }

type msConsumer struct {
	consumer *mediasoup.Consumer
}

func (c *msConsumer) ID() string                              { return c.consumer.Id() }
func (c *msConsumer) Kind() mediasoup.MediaKind               { return c.consumer.Kind() }
func (c *msConsumer) RtpParameters() *mediasoup.RtpParameters { return c.consumer.RtpParameters() }
func (c *msConsumer) AppData() H                              { return c.consumer.AppData() }
func (c *msConsumer) Paused() bool                            { return c.consumer.Paused() }
func (c *msConsumer) Pause() error                            { return c.consumer.Pause() }
func (c *msConsumer) Resume() error                           { return c.consumer.Resume() }
func (c *msConsumer) Close() error { return c.consumer.Close() }

func (c *msConsumer) OnClose(listener func()) {
	c.consumer.OnClose(func(context.Context) {
		listener()
	})
}

func (c *msConsumer) OnProducerClose(listener func()) {
	c.consumer.OnProducerClose(func(context.Context) {
		listener()
	})
}

func ref[T any](v T) *T {
	return &v
}
