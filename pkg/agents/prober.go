package agents

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/oneline-chat/pkg/provider"
)

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// Checker probes one agent and reports its status.
type Checker interface {
	Check(ctx context.Context, a Descriptor) (Status, error)
}

type CheckerFunc func(ctx context.Context, a Descriptor) (Status, error)

func (f CheckerFunc) Check(ctx context.Context, a Descriptor) (Status, error) { return f(ctx, a) }

// HTTPHealthChecker GETs the agent's /health endpoint.
type HTTPHealthChecker struct {
	Client *http.Client
}

func (c HTTPHealthChecker) Check(ctx context.Context, a Descriptor) (Status, error) {
	url := a.HealthEndpoint()
	if url == "" {
		return StatusError, errors.Errorf("agent %s has no health endpoint", a.ID)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusError, errors.Wrap(err, "build health request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return StatusOffline, err
	}
	_ = resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return StatusOnline, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return StatusBusy, nil
	default:
		return StatusError, errors.Errorf("health endpoint returned %d", resp.StatusCode)
	}
}

// ModelListChecker treats a provider's model listing as its liveness signal
// and additionally requires the agent's model to be served.
type ModelListChecker struct {
	Listers func(providerName string) (provider.ModelLister, bool)
}

func (c ModelListChecker) Check(ctx context.Context, a Descriptor) (Status, error) {
	if c.Listers == nil {
		return StatusOnline, nil
	}
	lister, ok := c.Listers(a.Provider)
	if !ok {
		return StatusError, errors.Errorf("no provider %q configured", a.Provider)
	}
	models, err := lister.ListModels(ctx)
	if err != nil {
		var ue *provider.UpstreamError
		if errors.As(err, &ue) {
			switch ue.Code {
			case provider.CodeRateLimited:
				return StatusBusy, err
			case provider.CodeUnavailable:
				return StatusOffline, err
			}
			return StatusError, err
		}
		return StatusOffline, err
	}
	if a.Model == "" {
		return StatusOnline, nil
	}
	for _, m := range models {
		if m.ID == a.Model {
			return StatusOnline, nil
		}
	}
	return StatusError, errors.Errorf("model %q not served by %s", a.Model, a.Provider)
}

type ProberSettings struct {
	Interval time.Duration
	Timeout  time.Duration
	// Parallelism bounds concurrent probes per round.
	Parallelism int
}

// Prober refreshes agent health out of band. Results are advisory: they never
// touch existing selections.
type Prober struct {
	dir         *Directory
	system      Checker
	specialized Checker
	settings    ProberSettings

	mu      sync.Mutex
	running bool
}

func NewProber(dir *Directory, system, specialized Checker, s ProberSettings) *Prober {
	if s.Interval <= 0 {
		s.Interval = DefaultProbeInterval
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultProbeTimeout
	}
	if s.Parallelism <= 0 {
		s.Parallelism = 4
	}
	if specialized == nil {
		specialized = HTTPHealthChecker{}
	}
	return &Prober{dir: dir, system: system, specialized: specialized, settings: s}
}

// Start runs one round immediately and then one per interval until ctx is done.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || p.dir == nil {
		return
	}
	if ctx == nil {
		panic("agents: Prober.Start requires non-nil ctx")
	}
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.settings.Interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce checks every registered agent, offline ones included.
func (p *Prober) ProbeOnce(ctx context.Context) {
	list := p.dir.ListAgents(true)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.settings.Parallelism)
	for _, a := range list {
		eg.Go(func() error {
			p.probe(egCtx, a)
			return nil
		})
	}
	_ = eg.Wait()
}

func (p *Prober) probe(ctx context.Context, a Descriptor) {
	checker := p.system
	if a.Kind == KindSpecialized {
		checker = p.specialized
	}
	if checker == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, p.settings.Timeout)
	defer cancel()

	start := time.Now()
	status, err := checker.Check(probeCtx, a)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Debug().Err(err).Str("component", "agents").Str("agent_id", a.ID).Msg("health check failed")
	}
	if uerr := p.dir.UpdateHealth(a.ID, status, latency, time.Now()); uerr != nil {
		// unregistered while probing
		log.Debug().Err(uerr).Str("agent_id", a.ID).Msg("dropping health result")
	}
}
