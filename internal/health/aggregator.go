package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	FailureThreshold int
	PollInterval     time.Duration
	ProbeTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		PollInterval:     15 * time.Second,
		ProbeTimeout:     2 * time.Second,
	}
}

// Probe actively checks a dependency.
type Probe func(ctx context.Context) error

// Snapshot is the aggregated view served over HTTP.
type Snapshot struct {
	Status       Status    `json:"status"`
	CheckedAt    time.Time `json:"checked_at"`
	Dependencies []Report  `json:"dependencies"`
}

type Aggregator struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	trackers []*Tracker
	byName   map[string]*Tracker
	probes   map[string]Probe
}

func NewAggregator(cfg Config, logger *zap.Logger) *Aggregator {
	d := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = d.ProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		byName: make(map[string]*Tracker),
		probes: make(map[string]Probe),
	}
}

// Tracker returns the tracker for name, registering it on first use.
// Reports are listed in registration order.
func (a *Aggregator) Tracker(name string) *Tracker {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.byName[name]; ok {
		return t
	}
	t := newTracker(name, a.cfg.FailureThreshold, a.now)
	a.byName[name] = t
	a.trackers = append(a.trackers, t)
	return t
}

// AddProbe registers an active check for name, run on every Poll.
func (a *Aggregator) AddProbe(name string, probe Probe) *Tracker {
	t := a.Tracker(name)
	a.mu.Lock()
	a.probes[name] = probe
	a.mu.Unlock()
	return t
}

// Poll runs every probe once, concurrently, each bounded by ProbeTimeout.
func (a *Aggregator) Poll(ctx context.Context) {
	a.mu.Lock()
	type job struct {
		t     *Tracker
		probe Probe
	}
	jobs := make([]job, 0, len(a.probes))
	for name, p := range a.probes {
		jobs = append(jobs, job{t: a.byName[name], probe: p})
	}
	a.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		if j.t.Disabled() {
			continue
		}
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
			defer cancel()
			err := j.probe(pctx)
			if err != nil {
				a.logger.Debug("health probe failed", zap.String("dependency", j.t.Name()), zap.Error(err))
			}
			j.t.Record(err)
		}(j)
	}
	wg.Wait()
}

// Run polls immediately and then every PollInterval until ctx ends.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	a.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Poll(ctx)
		}
	}
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	trackers := append([]*Tracker(nil), a.trackers...)
	a.mu.Unlock()

	s := Snapshot{Status: StatusOK, CheckedAt: a.now().UTC(), Dependencies: make([]Report, 0, len(trackers))}
	for _, t := range trackers {
		r := t.Report()
		if r.Status.rank() > s.Status.rank() {
			s.Status = r.Status
		}
		s.Dependencies = append(s.Dependencies, r)
	}
	return s
}
