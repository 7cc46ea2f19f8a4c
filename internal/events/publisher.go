package events

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"careplan-service/internal/platform/metrics"
)

var errQueueFull = errors.New("event queue full")

// Config sizes the publisher. Zero fields take the defaults below.
type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	Attempts    int
	Backoff     time.Duration
	SendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Workers:     4,
		QueueSize:   256,
		Attempts:    3,
		Backoff:     100 * time.Millisecond,
		SendTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.Backoff <= 0 {
		c.Backoff = d.Backoff
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	return c
}

// StatusRecorder receives the outcome of each delivery to a sink.
type StatusRecorder interface {
	Record(err error)
}

// Publisher fans events out to its sinks. Every sink has its own lane of
// workers, so a slow sink never holds up another. Events for one patient
// always land on the same worker of a lane and reach that sink in publish
// order.
type Publisher struct {
	cfg     Config
	sinks   []Sink
	status  map[string]StatusRecorder
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	lanes  []*lane
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Publisher)

func WithLogger(l *zap.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithStatus attaches a recorder to the sink with the given name.
func WithStatus(sink string, rec StatusRecorder) Option {
	return func(p *Publisher) { p.status[sink] = rec }
}

// NewPublisher starts the workers. A disabled publisher, or one without
// sinks, accepts and discards everything.
func NewPublisher(cfg Config, sinks []Sink, opts ...Option) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		cfg:    cfg.withDefaults(),
		sinks:  sinks,
		status: make(map[string]StatusRecorder),
		logger: zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if !p.Enabled() {
		return p
	}
	for _, sink := range p.sinks {
		l := &lane{sink: sink, queues: make([]chan Event, p.cfg.Workers)}
		for i := range l.queues {
			l.queues[i] = make(chan Event, p.cfg.QueueSize)
			p.wg.Add(1)
			go p.work(sink, l.queues[i])
		}
		p.lanes = append(p.lanes, l)
	}
	return p
}

// lane is one sink's set of worker queues.
type lane struct {
	sink   Sink
	queues []chan Event
}

func (p *Publisher) Enabled() bool {
	return p.cfg.Enabled && len(p.sinks) > 0
}

// Publish enqueues e for every sink and returns immediately. It reports
// whether every sink accepted the event; a full queue drops the event for
// that sink only.
func (p *Publisher) Publish(e Event) bool {
	if !p.Enabled() {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop(e, "", "closed", nil)
		return false
	}
	accepted := true
	for _, l := range p.lanes {
		select {
		case l.queues[shard(e, len(l.queues))] <- e:
		default:
			p.drop(e, l.sink.Name(), "queue_full", errQueueFull)
			accepted = false
		}
	}
	return accepted
}

func (p *Publisher) drop(e Event, sink, reason string, err error) {
	p.metrics.EventDropped(reason)
	p.logger.Warn("event dropped",
		zap.String("type", string(e.Type)),
		zap.String("patient_id", e.PatientID.String()),
		zap.String("sink", sink),
		zap.String("reason", reason))
	if err != nil {
		p.record(sink, err)
	}
}

func shard(e Event, n int) int {
	h := fnv.New32a()
	h.Write(e.PatientID[:])
	return int(h.Sum32() % uint32(n))
}

func (p *Publisher) work(s Sink, queue <-chan Event) {
	defer p.wg.Done()
	for e := range queue {
		p.deliver(s, e)
	}
}

func (p *Publisher) deliver(s Sink, e Event) {
	var err error
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.SendTimeout)
		err = s.Send(ctx, e)
		cancel()
		if err == nil {
			p.record(s.Name(), nil)
			p.metrics.EventPublished(s.Name())
			return
		}
		if attempt == p.cfg.Attempts || p.ctx.Err() != nil {
			break
		}
		select {
		case <-p.ctx.Done():
		case <-time.After(p.cfg.Backoff * time.Duration(attempt)):
		}
	}
	p.record(s.Name(), err)
	p.metrics.EventDropped("send_failed")
	p.logger.Warn("event delivery failed",
		zap.String("sink", s.Name()),
		zap.String("type", string(e.Type)),
		zap.String("event_id", e.ID.String()),
		zap.Error(err))
}

func (p *Publisher) record(sink string, err error) {
	if rec, ok := p.status[sink]; ok {
		rec.Record(err)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// If ctx ends first, in-flight sends are cancelled, the rest of the queue is
// abandoned and ctx's error is returned. Close always waits for the workers
// to exit.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, l := range p.lanes {
		for _, q := range l.queues {
			close(q)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
