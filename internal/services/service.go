// Package services implements the long-running pipeline daemons: file
// ingestion, screening, master calib production, calexp quality
// monitoring and plotting.
//
// Each daemon is built on ProcessQueue, which discovers work on a fixed
// interval, fans it out to a small worker pool and reports progress. The
// daemons share a two-flag contract on exposure documents: the ingestor
// records metric_success inside the metrics sub-document, and the
// screener sets the top-level screen_success flag that all downstream
// queries filter on.
package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/huntsman-array/huntsman-drp/internal/bus"
	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/logging"
	"github.com/huntsman-array/huntsman-drp/internal/mongodb"
	"github.com/huntsman-array/huntsman-drp/internal/query"
)

// Processor supplies and performs a service's work. Objects are opaque
// strings (filenames, dates); returning an object already queued or in
// flight is harmless.
type Processor interface {
	// NextObjects returns the objects currently requiring processing.
	NextObjects(ctx context.Context) ([]string, error)

	// Process handles a single object. Errors are counted and logged;
	// the object becomes eligible for requeueing afterwards either way.
	Process(ctx context.Context, obj string) error
}

// ExposureStore is the slice of the raw exposure collection the
// services depend on. *mongodb.RawExposureCollection implements it.
type ExposureStore interface {
	Find(ctx context.Context, match document.Document, opts *mongodb.FindOptions) ([]document.Document, error)
	FindOne(ctx context.Context, match document.Document, opts *mongodb.FindOptions) (document.Document, error)
	FindValues(ctx context.Context, key string, match document.Document, opts *mongodb.FindOptions) ([]any, error)
	Update(ctx context.Context, match document.Document, update document.Document, upsert bool) error
	QualityCriteria(dataType string) (query.QueryCriteria, error)
	GetCalibDocs(ctx context.Context, calibDate time.Time) ([]document.Document, error)
	GetMatchingRawCalibs(ctx context.Context, calib document.Document, calibDate time.Time) ([]document.Document, error)
}

// CalibStore is the slice of the master calib collection the services
// depend on. *mongodb.MasterCalibCollection implements it.
type CalibStore interface {
	Find(ctx context.Context, match document.Document, opts *mongodb.FindOptions) ([]document.Document, error)
	FindCalib(ctx context.Context, calib document.Document) (document.Document, error)
	Upsert(ctx context.Context, calib document.Document) error
	GetMatchingCalibs(ctx context.Context, dataID document.Document, calibDate time.Time) (map[string]document.Document, error)
}

// Archiver pushes files into the remote archive. *ngas.Client
// implements it; a nil Archiver disables archiving.
type Archiver interface {
	Push(ctx context.Context, localPath, name string) error
}

// Status is a point-in-time snapshot of a service's progress.
type Status struct {
	Service   string `json:"service"`
	Running   bool   `json:"running"`
	Queued    int    `json:"queued"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
}

// ProcessQueue runs a Processor: a queue goroutine discovers work on
// queueInterval, workers drain it, and a status goroutine logs and
// publishes counters on statusInterval. Failed objects leave the
// in-flight set and are rediscovered on the next pass.
type ProcessQueue struct {
	name   string
	proc   Processor
	events *bus.Publisher
	logger *zap.SugaredLogger

	queueInterval  time.Duration
	statusInterval time.Duration
	nWorkers       int

	work   chan string
	kickCh chan struct{}

	mu        sync.Mutex
	running   bool
	queued    map[string]struct{}
	processed int64
	failed    int64
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewProcessQueue wires a Processor to the shared scheduling knobs.
// events may be nil.
func NewProcessQueue(name string, proc Processor, cfg config.ServicesConfig, events *bus.Publisher, logger *zap.SugaredLogger) *ProcessQueue {
	return &ProcessQueue{
		name:           name,
		proc:           proc,
		events:         events,
		logger:         logging.OrDefault(logger),
		queueInterval:  cfg.GetQueueInterval(),
		statusInterval: cfg.GetStatusInterval(),
		nWorkers:       cfg.GetWorkers(),
		work:           make(chan string),
		kickCh:         make(chan struct{}, 1),
		queued:         make(map[string]struct{}),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Name returns the service name.
func (q *ProcessQueue) Name() string { return q.name }

// Run starts the queue, worker and status goroutines and blocks until
// the context is cancelled or Stop is called. Returns nil on clean
// shutdown.
func (q *ProcessQueue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	q.mu.Unlock()

	defer func() {
		q.publishState("stopped")
		close(q.doneCh)
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < q.nWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.worker(runCtx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.statusLoop(runCtx)
	}()

	q.logger.Infof("%s started: workers=%d queue_interval=%v", q.name, q.nWorkers, q.queueInterval)
	q.publishState("started")

	ticker := time.NewTicker(q.queueInterval)
	defer ticker.Stop()

	q.enqueue(runCtx)

	for {
		select {
		case <-ctx.Done():
			q.logger.Infof("%s stopping: context cancelled", q.name)
			cancel()
			wg.Wait()
			return nil
		case <-q.stopCh:
			q.logger.Infof("%s stopping", q.name)
			cancel()
			wg.Wait()
			return nil
		case <-q.kickCh:
			q.enqueue(runCtx)
		case <-ticker.C:
			q.enqueue(runCtx)
		}
	}
}

// Stop requests shutdown and blocks until Run has returned. Safe to
// call multiple times and when not running.
func (q *ProcessQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	select {
	case <-q.stopCh:
	default:
		close(q.stopCh)
	}
	done := q.doneCh
	q.mu.Unlock()

	<-done
}

// IsRunning reports whether the service loop is active.
func (q *ProcessQueue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Kick schedules an immediate discovery pass, coalescing with any
// already pending.
func (q *ProcessQueue) Kick() {
	select {
	case q.kickCh <- struct{}{}:
	default:
	}
}

// Status returns the current progress counters.
func (q *ProcessQueue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Service:   q.name,
		Running:   q.running,
		Queued:    len(q.queued),
		Processed: q.processed,
		Failed:    q.failed,
	}
}

// enqueue asks the processor for work and hands new objects to the
// workers. Objects already queued or in flight are skipped.
func (q *ProcessQueue) enqueue(ctx context.Context) {
	objs, err := q.proc.NextObjects(ctx)
	if err != nil {
		q.logger.Errorf("%s: error listing work: %v", q.name, err)
		return
	}

	added := 0
	for _, obj := range objs {
		if !q.markQueued(obj) {
			continue
		}
		select {
		case q.work <- obj:
			added++
		case <-q.stopCh:
			q.unmarkQueued(obj)
			return
		case <-ctx.Done():
			q.unmarkQueued(obj)
			return
		}
	}
	if added > 0 {
		q.logger.Infof("%s: queued %d new objects", q.name, added)
	}
}

func (q *ProcessQueue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case obj := <-q.work:
			q.process(ctx, obj)
		}
	}
}

func (q *ProcessQueue) process(ctx context.Context, obj string) {
	err := q.proc.Process(ctx, obj)

	q.mu.Lock()
	delete(q.queued, obj)
	q.processed++
	if err != nil {
		q.failed++
	}
	q.mu.Unlock()

	if err != nil {
		q.logger.Errorf("%s: error processing %s: %v", q.name, obj, err)
		return
	}
	q.logger.Infof("%s: finished processing %s", q.name, obj)
}

func (q *ProcessQueue) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(q.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := q.Status()
			q.logger.Infof("%s status: queued=%d processed=%d failed=%d",
				st.Service, st.Queued, st.Processed, st.Failed)
			q.publishEvent("running", st)
		}
	}
}

func (q *ProcessQueue) publishState(state string) {
	q.publishEvent(state, q.Status())
}

func (q *ProcessQueue) publishEvent(state string, st Status) {
	q.events.Publish(bus.Event{
		Service:   q.name,
		State:     state,
		Processed: st.Processed,
		Failed:    st.Failed,
		Queued:    st.Queued,
	})
}

func (q *ProcessQueue) markQueued(obj string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[obj]; ok {
		return false
	}
	q.queued[obj] = struct{}{}
	return true
}

func (q *ProcessQueue) unmarkQueued(obj string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queued, obj)
}
