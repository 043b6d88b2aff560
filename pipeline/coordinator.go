package pipeline

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PCThomas7/video-transcoder/clients"
	"github.com/PCThomas7/video-transcoder/config"
	xerrors "github.com/PCThomas7/video-transcoder/errors"
	"github.com/PCThomas7/video-transcoder/log"
	"github.com/PCThomas7/video-transcoder/metrics"
	"github.com/PCThomas7/video-transcoder/queue"
	"github.com/PCThomas7/video-transcoder/store"
	"github.com/PCThomas7/video-transcoder/video"
)

const claimPollWindow = 5 * time.Second

// ObjectStore is the slice of the object store client the worker needs.
type ObjectStore interface {
	Download(ctx context.Context, key, localPath string) error
	UploadTree(ctx context.Context, localDir, keyPrefix string) error
}

// Transcoder produces one HLS tree per invocation; the real implementation
// shells out to ffmpeg.
type Transcoder interface {
	Transcode(ctx context.Context, jobID, inputPath, outputDir string, spec video.TranscodeSpec, onProgress video.ProgressFn) error
}

// Coordinator hosts the transcode workers of one process. Each worker binds
// to exactly one lane and runs one claimed entry at a time; all services are
// injected so tests can stub them out.
type Coordinator struct {
	Scheduler   *queue.Scheduler
	Jobs        *store.JobStore
	ObjectStore ObjectStore
	Transcoder  Transcoder
	Webhook     *clients.WebhookClient

	APIBaseURL string
	TempRoot   string
	WorkerID   string
}

func NewCoordinator(scheduler *queue.Scheduler, jobs *store.JobStore, objectStore ObjectStore, transcoder Transcoder, webhook *clients.WebhookClient, apiBaseURL, tempRoot string) *Coordinator {
	hostname, _ := os.Hostname()
	return &Coordinator{
		Scheduler:   scheduler,
		Jobs:        jobs,
		ObjectStore: objectStore,
		Transcoder:  transcoder,
		Webhook:     webhook,
		APIBaseURL:  apiBaseURL,
		TempRoot:    tempRoot,
		WorkerID:    fmt.Sprintf("%s-%s", hostname, config.RandomTrailer(8)),
	}
}

// Start runs the configured number of workers per lane plus one stall
// monitor per lane, until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context, fastConcurrency, backgroundConcurrency int) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < fastConcurrency; i++ {
		group.Go(func() error { return c.runWorker(ctx, queue.Fast) })
	}
	for i := 0; i < backgroundConcurrency; i++ {
		group.Go(func() error { return c.runWorker(ctx, queue.Background) })
	}
	group.Go(func() error { return c.Scheduler.MonitorStalls(ctx, queue.Fast) })
	group.Go(func() error { return c.Scheduler.MonitorStalls(ctx, queue.Background) })
	return group.Wait()
}

func (c *Coordinator) runWorker(ctx context.Context, lane queue.Name) error {
	log.LogNoJobID("worker started", "worker_id", c.WorkerID, "queue", lane)
	for {
		if ctx.Err() != nil {
			return nil
		}
		entry, err := c.Scheduler.Claim(ctx, lane, c.WorkerID, claimPollWindow)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.LogNoJobID("error claiming from queue", "queue", lane, "err", err)
			time.Sleep(time.Second)
			continue
		}
		if entry == nil {
			continue
		}
		c.processClaim(ctx, entry)
	}
}

// processClaim wraps one claimed entry: heartbeat renewal for as long as the
// job runs, panic recovery, and the completion / retry bookkeeping around
// processJob.
func (c *Coordinator) processClaim(ctx context.Context, entry *queue.Entry) {
	metrics.Metrics.JobsInFlight.Inc()
	defer metrics.Metrics.JobsInFlight.Dec()
	start := time.Now()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeatLoop(jobCtx, entry)

	result, err := recovered(func() (queue.Result, error) {
		return c.processJob(jobCtx, entry)
	})

	stage := entry.Payload.Stage
	if err == nil {
		if cerr := c.Scheduler.Complete(context.WithoutCancel(ctx), entry, result); cerr != nil {
			log.LogError(entry.JobID, "error completing queue entry", cerr)
		}
		metrics.Metrics.TranscodePipelineMetrics.Count.WithLabelValues(stage, "completed").Inc()
		metrics.Metrics.TranscodePipelineMetrics.Duration.WithLabelValues(stage, "completed").Observe(time.Since(start).Seconds())
		return
	}

	// the process is shutting down: hand the claim back without burning an
	// attempt, stall detection covers us if even this fails
	if ctx.Err() != nil {
		if rerr := c.Scheduler.Release(context.WithoutCancel(ctx), entry); rerr != nil {
			log.LogError(entry.JobID, "error releasing claim on shutdown", rerr)
		}
		return
	}

	log.LogError(entry.JobID, "job attempt failed", err, "attempts_made", entry.AttemptsMade)
	c.recordFailure(context.WithoutCancel(ctx), entry, err)
	if xerrors.IsUnretriable(err) {
		// asking again cannot help, fail the entry without another attempt
		if ferr := c.Scheduler.Fail(context.WithoutCancel(ctx), entry, err.Error()); ferr != nil {
			log.LogError(entry.JobID, "error failing queue entry", ferr)
		}
	} else if rerr := c.Scheduler.Retry(context.WithoutCancel(ctx), entry, err.Error()); rerr != nil {
		log.LogError(entry.JobID, "error retrying queue entry", rerr)
	}
	metrics.Metrics.TranscodePipelineMetrics.Count.WithLabelValues(stage, "failed").Inc()
	metrics.Metrics.TranscodePipelineMetrics.Duration.WithLabelValues(stage, "failed").Observe(time.Since(start).Seconds())
}

func (c *Coordinator) heartbeatLoop(ctx context.Context, entry *queue.Entry) {
	cfg := c.Scheduler.Queue(entry.Queue).Config()
	ticker := time.NewTicker(cfg.LockRenew)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Scheduler.Heartbeat(ctx, entry); err != nil {
				log.LogError(entry.JobID, "error renewing queue lock", err)
			}
		}
	}
}

// recordFailure writes the failed attempt onto the job record. The attempt
// itself was already counted when the claim went active; the queue retry
// accounting decides separately whether the job runs again.
func (c *Coordinator) recordFailure(ctx context.Context, entry *queue.Entry, jobErr error) {
	failed := store.StatusFailed
	now := time.Now()
	_, err := c.Jobs.Update(ctx, entry.JobID, store.Patch{
		Status:   &failed,
		FailedAt: &now,
		Error: &store.JobError{
			Message:    jobErr.Error(),
			Detail:     fmt.Sprintf("attempt %d on %s queue", entry.AttemptsMade+1, entry.Queue),
			OccurredAt: now,
		},
	})
	if err != nil {
		log.LogError(entry.JobID, "error recording job failure", err)
	}
}

func recovered[T any](f func() (T, error)) (t T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoJobID("panic in worker routine, recovering", "panic", rec, "trace", debug.Stack())
			err = fmt.Errorf("panic in worker routine: %v", rec)
		}
	}()
	return f()
}
