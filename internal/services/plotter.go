package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/huntsman-array/huntsman-drp/internal/bus"
	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/logging"
	"github.com/huntsman-array/huntsman-drp/internal/plotting"
)

// Service is the lifecycle every pipeline daemon exposes to the main
// process and the status API.
type Service interface {
	Name() string
	Run(ctx context.Context) error
	Stop()
	IsRunning() bool
	Kick()
	Status() Status
}

// Plotter regenerates the summary plots from the exposure and calib
// collections on a fixed interval. Unlike the queue services it has no
// per-object work: every pass redraws the full configured plot set.
type Plotter struct {
	cfg       *config.Config
	exposures ExposureStore
	calibs    CalibStore
	renderer  *plotting.Renderer
	events    *bus.Publisher
	logger    *zap.SugaredLogger
	interval  time.Duration

	kickCh chan struct{}

	mu      sync.Mutex
	running bool
	plotted int64
	failed  int64
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPlotter builds the plotting service writing into the configured
// plots directory.
func NewPlotter(cfg *config.Config, exposures ExposureStore, calibs CalibStore, events *bus.Publisher, logger *zap.SugaredLogger) *Plotter {
	logger = logging.OrDefault(logger)
	return &Plotter{
		cfg:       cfg,
		exposures: exposures,
		calibs:    calibs,
		renderer:  plotting.NewRenderer(cfg.Directories.Plots, cfg.Cameras, logger),
		events:    events,
		logger:    logger,
		interval:  cfg.Plotter.GetInterval(),
		kickCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Name returns the service name.
func (p *Plotter) Name() string { return "plotter" }

// Run regenerates plots immediately and then on every interval until
// the context is cancelled or Stop is called.
func (p *Plotter) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	defer func() {
		p.publish("stopped")
		close(p.doneCh)
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	p.logger.Infof("plotter started: interval=%v", p.interval)
	p.publish("started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.regenerate(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Infof("plotter stopping: context cancelled")
			return nil
		case <-p.stopCh:
			p.logger.Infof("plotter stopping")
			return nil
		case <-p.kickCh:
			p.regenerate(ctx)
		case <-ticker.C:
			p.regenerate(ctx)
		}
	}
}

// Stop requests shutdown and blocks until Run has returned. Safe to
// call multiple times and when not running.
func (p *Plotter) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	done := p.doneCh
	p.mu.Unlock()

	<-done
}

// IsRunning reports whether the service loop is active.
func (p *Plotter) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Kick schedules an immediate plot regeneration.
func (p *Plotter) Kick() {
	select {
	case p.kickCh <- struct{}{}:
	default:
	}
}

// Status returns the plot counters. Processed counts written files.
func (p *Plotter) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Service:   p.Name(),
		Running:   p.running,
		Processed: p.plotted,
		Failed:    p.failed,
	}
}

func (p *Plotter) regenerate(ctx context.Context) {
	rawDocs, err := p.exposures.Find(ctx, nil, nil)
	if err != nil {
		p.fail("failed to read exposures", err)
		return
	}
	calibDocs, err := p.calibs.Find(ctx, nil, nil)
	if err != nil {
		p.fail("failed to read calibs", err)
		return
	}

	written, err := p.renderer.Write(p.cfg.Plotter.Directives, rawDocs, calibDocs)

	p.mu.Lock()
	p.plotted += int64(len(written))
	if err != nil {
		p.failed++
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Errorf("plotter: error writing plots: %v", err)
	} else {
		p.logger.Infof("plotter: wrote %d plots", len(written))
	}
	p.publish("running")
}

func (p *Plotter) fail(msg string, err error) {
	p.mu.Lock()
	p.failed++
	p.mu.Unlock()
	p.logger.Errorf("plotter: %s: %v", msg, err)
}

func (p *Plotter) publish(state string) {
	st := p.Status()
	p.events.Publish(bus.Event{
		Service:   st.Service,
		State:     state,
		Processed: st.Processed,
		Failed:    st.Failed,
		Queued:    st.Queued,
	})
}
