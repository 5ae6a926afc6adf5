// Package scheduler runs the fixed worker pool that claims queued jobs from
// the state store and dispatches them, plus the lease reaper that recovers
// work from crashed workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/remotesensinginfo/eodatadown/internal/config"
	"github.com/remotesensinginfo/eodatadown/internal/models"
	"github.com/remotesensinginfo/eodatadown/internal/store"
	"github.com/remotesensinginfo/eodatadown/internal/telemetry"
)

// claimIdleSleep is how long a worker naps when no job is eligible.
var claimIdleSleep = 2 * time.Second

// Store is the slice of the state store the pool needs. Claiming is the
// store's atomic compare-and-set; the pool adds no in-process coordination,
// so correctness holds across pool instances on different machines.
type Store interface {
	ClaimJob(ctx context.Context, owner string, leaseDuration time.Duration) (models.Job, bool, error)
	ExtendLease(ctx context.Context, jobID, owner string, leaseDuration time.Duration) error
	RequeueJob(ctx context.Context, job models.Job, runAt time.Time, cause string) error
	FailJobTerminal(ctx context.Context, job models.Job, cause string) error
	ReleaseLease(ctx context.Context, jobID, owner string) error
	ReapExpiredLeases(ctx context.Context, now time.Time) ([]string, error)
	SuspendSensor(ctx context.Context, sensorName, reason string) error
	MarkSceneInvalid(ctx context.Context, sensorName, sceneID, reason string) error
	QueuedDepth(ctx context.Context) (int64, error)
}

// Handler executes a claimed job of one kind. A nil return means the handler
// already committed the success transitions through the store.
type Handler func(ctx context.Context, job models.Job) error

// Pool is the fixed-size worker pool.
type Pool struct {
	cfg      config.Config
	store    Store
	handlers map[string]Handler
	workerID string
}

// New creates a pool; workerID prefixes each worker's lease owner tag.
func New(cfg config.Config, st Store, workerID string) *Pool {
	return &Pool{
		cfg:      cfg,
		store:    st,
		handlers: make(map[string]Handler),
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Pool) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run starts the workers and the reaper, blocking until ctx is cancelled.
// Shutdown stops new claims immediately, waits up to the grace period for
// in-flight jobs, then force-cancels them; cancelled jobs release their
// leases so they are reclaimable without waiting for lease expiry.
func (p *Pool) Run(ctx context.Context) error {
	runCtx, forceCancel := context.WithCancel(context.Background())
	defer forceCancel()

	go p.reapLoop(ctx)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.WorkerCount; i++ {
		owner := fmt.Sprintf("%s-%d", p.workerID, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, runCtx, owner)
		}()
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		log.Printf("grace period elapsed, cancelling in-flight jobs")
		forceCancel()
		<-done
	}
	return ctx.Err()
}

// workerLoop claims with claimCtx and executes with runCtx, so shutdown can
// stop claiming while letting in-flight work drain.
func (p *Pool) workerLoop(claimCtx, runCtx context.Context, owner string) {
	for {
		select {
		case <-claimCtx.Done():
			return
		default:
		}

		job, ok, err := p.store.ClaimJob(claimCtx, owner, p.cfg.LeaseDuration)
		if err != nil {
			if claimCtx.Err() != nil {
				return
			}
			log.Printf("worker %s: claim: %v", owner, err)
			p.idle(claimCtx)
			continue
		}
		if !ok {
			if depth, err := p.store.QueuedDepth(claimCtx); err == nil {
				telemetry.QueueDepthGauge.Set(float64(depth))
			}
			p.idle(claimCtx)
			continue
		}

		telemetry.InFlightGauge.Inc()
		p.execute(runCtx, owner, job)
		telemetry.InFlightGauge.Dec()
	}
}

func (p *Pool) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(claimIdleSleep):
	}
}

// execute dispatches one claimed job and settles its outcome in the store.
func (p *Pool) execute(ctx context.Context, owner string, job models.Job) {
	handler, ok := p.handlers[job.Kind]
	if !ok {
		p.settle(job, fmt.Errorf("no handler registered for kind %q", job.Kind), false)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, job.ID, owner)

	err := handler(ctx, job)
	stopHeartbeat()

	if err == nil {
		return
	}

	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		// Forced shutdown: hand the job straight back.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if relErr := p.store.ReleaseLease(cleanupCtx, job.ID, owner); relErr != nil {
			log.Printf("worker %s: release lease for %s: %v", owner, job.ID, relErr)
		}
		return
	}

	var leaseErr *models.LeaseExpiredError
	if errors.As(err, &leaseErr) {
		// The reaper got here first; another worker owns the job now.
		log.Printf("worker %s: lost lease on job %s", owner, job.ID)
		return
	}

	var authErr *models.AuthenticationError
	if errors.As(err, &authErr) {
		p.settle(job, err, false)
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if susErr := p.store.SuspendSensor(cleanupCtx, job.Sensor, err.Error()); susErr != nil {
			log.Printf("suspend sensor %s: %v", job.Sensor, susErr)
		} else {
			telemetry.SensorsSuspended.Inc()
			log.Printf("sensor %s suspended: %v", job.Sensor, err)
		}
		return
	}

	var invalidErr *models.InvalidSceneError
	if errors.As(err, &invalidErr) {
		// Metadata-validation failures terminate at the scene too: invalid,
		// not a retryable download/process failure.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		switch mkErr := p.store.MarkSceneInvalid(cleanupCtx, job.Sensor, job.SceneID, invalidErr.Reason); {
		case mkErr == nil:
			telemetry.ScenesInvalid.Inc()
		case !errors.Is(mkErr, store.ErrIllegalTransition):
			log.Printf("mark scene %s/%s invalid: %v", job.Sensor, job.SceneID, mkErr)
		}
		p.settle(job, err, false)
		return
	}

	retryable := !errors.Is(err, store.ErrIllegalTransition) && !errors.Is(err, store.ErrSceneNotFound)
	p.settle(job, err, retryable)
}

// settle records a failed attempt: requeue with backoff while attempts
// remain, otherwise terminal failure for job and scene.
func (p *Pool) settle(job models.Job, cause error, retryable bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if retryable && job.Attempt < p.maxAttempts(job.Kind) {
		delay := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, job.Attempt)
		if err := p.store.RequeueJob(ctx, job, time.Now().Add(delay), cause.Error()); err != nil {
			log.Printf("requeue job %s: %v", job.ID, err)
			return
		}
		telemetry.JobsRetried.Inc()
		log.Printf("job %s (%s %s/%s) attempt %d failed, retrying in %s: %v",
			job.ID, job.Kind, job.Sensor, job.SceneID, job.Attempt, delay.Round(time.Second), cause)
		return
	}

	if err := p.store.FailJobTerminal(ctx, job, cause.Error()); err != nil {
		log.Printf("fail job %s: %v", job.ID, err)
		return
	}
	if job.Kind == models.KindProcess {
		telemetry.ARDFailed.Inc()
	} else {
		telemetry.DownloadsFailed.Inc()
	}
	log.Printf("job %s (%s %s/%s) failed terminally after %d attempts: %v",
		job.ID, job.Kind, job.Sensor, job.SceneID, job.Attempt, cause)
}

func (p *Pool) maxAttempts(kind string) int {
	if kind == models.KindProcess {
		return p.cfg.MaxProcessAttempts
	}
	return p.cfg.MaxDownloadAttempts
}

// heartbeat extends the lease while a handler runs, stopping once it is no
// longer held.
func (p *Pool) heartbeat(ctx context.Context, jobID, owner string) {
	interval := p.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.ExtendLease(ctx, jobID, owner, p.cfg.LeaseDuration); err != nil {
				return
			}
		}
	}
}

// reapLoop periodically resets jobs whose lease expired without completion.
func (p *Pool) reapLoop(ctx context.Context) {
	interval := p.cfg.ReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := p.store.ReapExpiredLeases(ctx, time.Now())
			if err != nil {
				log.Printf("reap expired leases: %v", err)
				continue
			}
			if len(reaped) > 0 {
				telemetry.JobsReaped.Add(float64(len(reaped)))
				log.Printf("requeued %d expired leases", len(reaped))
			}
		}
	}
}
