package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	orchevents "github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/events"
	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

// DefaultRetention is how long a terminal job stays readable.
const DefaultRetention = time.Hour

// Operation is the work a job runs. Its result is stored on the job.
type Operation func(ctx context.Context) (any, error)

// Tracker runs operations in the background and keeps their outcome in a TTL
// cache. Processing jobs never expire; terminal jobs expire after the
// retention window. Job state lives in process memory only.
type Tracker struct {
	cache     *ttlcache.Cache[string, Job]
	retention time.Duration
	events    *orchevents.JobEventPublisher
	logger    *applogger.Logger
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewTracker creates a tracker and starts its expiry janitor. events may be nil.
func NewTracker(retention time.Duration, events *orchevents.JobEventPublisher, logger *applogger.Logger) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}

	cache := ttlcache.New[string, Job](
		ttlcache.WithTTL[string, Job](retention),
		ttlcache.WithDisableTouchOnHit[string, Job](),
	)

	t := &Tracker{
		cache:     cache,
		retention: retention,
		events:    events,
		logger:    logger.WithComponent("jobs"),
	}

	cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, Job]) {
		if reason == ttlcache.EvictionReasonExpired {
			t.logger.Debug("job expired", slog.String("job_id", item.Key()))
		}
	})

	go cache.Start()
	return t
}

// Submit records a processing job and starts op without waiting for it. The
// operation runs on a context detached from the caller's cancellation.
func (t *Tracker) Submit(ctx context.Context, key string, kind Kind, op Operation) (string, error) {
	if op == nil {
		return "", apperrors.NewValidationError(apperrors.DomainJob, "operation is required", nil)
	}

	job := Job{
		ID:        NewJobID(key),
		OwnerKey:  key,
		Kind:      kind,
		Status:    StatusProcessing,
		CreatedAt: time.Now(),
	}
	t.cache.Set(job.ID, job, ttlcache.NoTTL)

	runCtx := applogger.WithJobID(applogger.WithResourceKey(context.WithoutCancel(ctx), key), job.ID)
	t.publish(runCtx, func() error { return t.events.PublishSubmitted(runCtx, job.ID, key, string(kind)) })

	t.wg.Add(1)
	go t.run(runCtx, job, op)

	return job.ID, nil
}

func (t *Tracker) run(ctx context.Context, job Job, op Operation) {
	defer t.wg.Done()

	logOp := t.logger.StartOp(ctx, "job_"+string(job.Kind))

	result, err := func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = apperrors.NewSystemError(apperrors.ErrCodeInternal, fmt.Sprintf("operation panicked: %v", r), false, nil)
			}
		}()
		return op(ctx)
	}()

	finished := time.Now()
	job.FinishedAt = &finished
	took := finished.Sub(job.CreatedAt)

	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		logOp.Fail(err, "job failed")
		t.cache.Set(job.ID, job, t.retention)
		t.publish(ctx, func() error {
			return t.events.PublishFailed(ctx, job.ID, job.OwnerKey, string(job.Kind), job.Error, took)
		})
		return
	}

	job.Status = StatusCompleted
	job.Result = result
	logOp.Complete("job completed")
	t.cache.Set(job.ID, job, t.retention)
	t.publish(ctx, func() error {
		return t.events.PublishCompleted(ctx, job.ID, job.OwnerKey, string(job.Kind), took)
	})
}

func (t *Tracker) publish(ctx context.Context, fn func() error) {
	if t.events == nil {
		return
	}
	if err := fn(); err != nil {
		t.logger.ErrorCtx(ctx, "failed to publish job event", err)
	}
}

// Get returns the job if it belongs to key. It fails with an authorization
// error when the id encodes another key, and with not found once the job has
// expired or was never issued.
func (t *Tracker) Get(jobID, key string) (Job, error) {
	if !OwnedBy(jobID, key) {
		return Job{}, apperrors.NewAuthorizationError("job does not belong to resource key").
			WithMetadata("job_id", jobID)
	}

	item := t.cache.Get(jobID)
	if item == nil {
		return Job{}, apperrors.NewNotFoundError(apperrors.DomainJob, "job not found").
			WithMetadata("job_id", jobID)
	}
	return item.Value(), nil
}

// Len returns the number of retained jobs, expired ones included until the janitor runs.
func (t *Tracker) Len() int {
	return t.cache.Len()
}

// Wait blocks until every submitted operation has settled.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// Stop stops the expiry janitor. Running operations are not interrupted.
func (t *Tracker) Stop() {
	t.stopOnce.Do(t.cache.Stop)
}
