package conference

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jiyeyuran/mediasoup-go/v2"

	"multimeet-server/internal/media"
)

// In-memory media engine with the same cascade semantics as the real one:
// closing a transport closes its producers and consumers, closing a
// producer closes every consumer fed by it (firing producer-close
// listeners on them).

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRouter struct {
	mu            sync.Mutex
	nextID        int
	openProducers map[string]*fakeProducer
	denyConsume   bool
	caps          *mediasoup.RtpCapabilities
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		openProducers: make(map[string]*fakeProducer),
		caps:          &mediasoup.RtpCapabilities{},
	}
}

func (r *fakeRouter) id(prefix string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return fmt.Sprintf("%s-%d", prefix, r.nextID)
}

func (r *fakeRouter) RtpCapabilities() *mediasoup.RtpCapabilities {
	return r.caps
}

func (r *fakeRouter) CreateWebRtcTransport(appData media.H) (media.Transport, error) {
	return &fakeTransport{
		router:  r,
		tid:     r.id("transport"),
		appData: appData,
	}, nil
}

func (r *fakeRouter) CanConsume(producerID string, rtpCapabilities *mediasoup.RtpCapabilities) bool {
	if rtpCapabilities == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.denyConsume {
		return false
	}
	_, ok := r.openProducers[producerID]
	return ok
}

func (r *fakeRouter) Close() error { return nil }

func (r *fakeRouter) registerProducer(p *fakeProducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openProducers[p.pid] = p
}

func (r *fakeRouter) unregisterProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.openProducers, id)
}

type fakeTransport struct {
	router  *fakeRouter
	tid     string
	appData media.H

	mu              sync.Mutex
	closed          bool
	connected       int
	connectFailures int
	producers       []*fakeProducer
	consumers       []*fakeConsumer
	closeListeners  []func()
	dtlsListeners   []func(mediasoup.DtlsState)
	iceListeners    []func(mediasoup.IceState)
}

func (t *fakeTransport) ID() string       { return t.tid }
func (t *fakeTransport) AppData() media.H { return t.appData }

func (t *fakeTransport) Info() media.TransportInfo {
	return media.TransportInfo{
		ID:             t.tid,
		IceParameters:  &mediasoup.IceParameters{},
		DtlsParameters: &mediasoup.DtlsParameters{},
	}
}

func (t *fakeTransport) Connect(dtlsParameters *mediasoup.DtlsParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected++
	if t.connectFailures > 0 {
		t.connectFailures--
		return fmt.Errorf("transport %q connect rejected", t.tid)
	}
	return nil
}

func (t *fakeTransport) Produce(options media.ProducerOptions) (media.Producer, error) {
	producer := &fakeProducer{
		transport: t,
		pid:       t.router.id("producer"),
		kind:      options.Kind,
		appData:   options.AppData,
	}
	t.mu.Lock()
	t.producers = append(t.producers, producer)
	t.mu.Unlock()
	t.router.registerProducer(producer)
	return producer, nil
}

func (t *fakeTransport) Consume(options media.ConsumerOptions) (media.Consumer, error) {
	t.router.mu.Lock()
	producer := t.router.openProducers[options.ProducerID]
	t.router.mu.Unlock()
	if producer == nil {
		return nil, fmt.Errorf("producer %q not found", options.ProducerID)
	}

	consumer := &fakeConsumer{
		cid:        t.router.id("consumer"),
		producerID: options.ProducerID,
		kind:       producer.kind,
		paused:     options.Paused,
		appData:    options.AppData,
		rtp:        &mediasoup.RtpParameters{},
	}
	t.mu.Lock()
	t.consumers = append(t.consumers, consumer)
	t.mu.Unlock()
	producer.addConsumer(consumer)
	return consumer, nil
}

func (t *fakeTransport) OnIceStateChange(listener func(mediasoup.IceState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.iceListeners = append(t.iceListeners, listener)
}

func (t *fakeTransport) OnDtlsStateChange(listener func(mediasoup.DtlsState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dtlsListeners = append(t.dtlsListeners, listener)
}

func (t *fakeTransport) OnClose(listener func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeListeners = append(t.closeListeners, listener)
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := t.producers
	consumers := t.consumers
	listeners := t.closeListeners
	t.mu.Unlock()

	for _, producer := range producers {
		producer.Close()
	}
	for _, consumer := range consumers {
		consumer.Close()
	}
	for _, listener := range listeners {
		listener()
	}
	return nil
}

// fireDtls simulates an engine DTLS state transition.
func (t *fakeTransport) fireDtls(state mediasoup.DtlsState) {
	t.mu.Lock()
	listeners := t.dtlsListeners
	t.mu.Unlock()
	for _, listener := range listeners {
		listener(state)
	}
}

type fakeProducer struct {
	transport *fakeTransport
	pid       string
	kind      mediasoup.MediaKind
	appData   media.H

	mu        sync.Mutex
	closed    bool
	paused    bool
	consumers []*fakeConsumer
}

func (p *fakeProducer) ID() string                { return p.pid }
func (p *fakeProducer) Kind() mediasoup.MediaKind { return p.kind }
func (p *fakeProducer) AppData() media.H          { return p.appData }

func (p *fakeProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *fakeProducer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("producer %q closed", p.pid)
	}
	p.paused = true
	return nil
}

func (p *fakeProducer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("producer %q closed", p.pid)
	}
	p.paused = false
	return nil
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("producer %q already closed", p.pid)
	}
	p.closed = true
	consumers := p.consumers
	p.mu.Unlock()

	p.transport.router.unregisterProducer(p.pid)
	for _, consumer := range consumers {
		consumer.closeByProducer()
	}
	return nil
}

func (p *fakeProducer) addConsumer(c *fakeConsumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers = append(p.consumers, c)
}

type fakeConsumer struct {
	cid        string
	producerID string
	kind       mediasoup.MediaKind
	appData    media.H
	rtp        *mediasoup.RtpParameters

	mu                sync.Mutex
	closed            bool
	paused            bool
	closeListeners    []func()
	producerListeners []func()
}

func (c *fakeConsumer) ID() string                              { return c.cid }
func (c *fakeConsumer) Kind() mediasoup.MediaKind               { return c.kind }
func (c *fakeConsumer) RtpParameters() *mediasoup.RtpParameters { return c.rtp }
func (c *fakeConsumer) AppData() media.H                        { return c.appData }

func (c *fakeConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *fakeConsumer) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *fakeConsumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %q closed", c.cid)
	}
	c.paused = false
	return nil
}

func (c *fakeConsumer) OnClose(listener func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeListeners = append(c.closeListeners, listener)
}

func (c *fakeConsumer) OnProducerClose(listener func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.producerListeners = append(c.producerListeners, listener)
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listeners := c.closeListeners
	c.mu.Unlock()

	for _, listener := range listeners {
		listener()
	}
	return nil
}

func (c *fakeConsumer) closeByProducer() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	producerListeners := c.producerListeners
	closeListeners := c.closeListeners
	c.mu.Unlock()

	for _, listener := range producerListeners {
		listener()
	}
	for _, listener := range closeListeners {
		listener()
	}
}

// recorder captures push events delivered to one peer.
type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	event   string
	payload any
}

func (r *recorder) Notify(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{event: event, payload: payload})
}

func (r *recorder) byName(event string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}
