package queue

import (
	"context"
	"errors"
	"time"

	xerrors "github.com/PCThomas7/video-transcoder/errors"
	"github.com/PCThomas7/video-transcoder/log"
	"github.com/PCThomas7/video-transcoder/metrics"
	"github.com/PCThomas7/video-transcoder/store"
)

type EventKind string

const (
	EventAdded     EventKind = "added"
	EventActive    EventKind = "active"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventStalled   EventKind = "stalled"
)

// Result is the return value of a successfully processed entry.
type Result struct {
	HLSMasterURL string
}

// Event is the tagged lifecycle variant emitted by queue operations and
// dispatched through the scheduler's router.
type Event struct {
	Kind     EventKind
	Queue    Name
	JobID    string
	Progress int
	Result   *Result
	Reason   string
}

// Scheduler owns both lanes and mirrors their lifecycle events into the job
// store. Queue events are at-least-once; every mirror write is idempotent
// and guarded by a status precondition where replays could clobber a
// terminal state.
type Scheduler struct {
	queues map[Name]*Queue
	jobs   *store.JobStore
}

func NewScheduler(fast, background *Queue, jobs *store.JobStore) *Scheduler {
	return &Scheduler{
		queues: map[Name]*Queue{Fast: fast, Background: background},
		jobs:   jobs,
	}
}

func (s *Scheduler) Queue(name Name) *Queue {
	return s.queues[name]
}

// Enqueue adds the job to the named lane and mirrors the added event.
func (s *Scheduler) Enqueue(ctx context.Context, name Name, jobID string, payload Payload) error {
	if err := s.queues[name].Enqueue(ctx, jobID, payload, 0); err != nil {
		return err
	}
	s.Dispatch(ctx, Event{Kind: EventAdded, Queue: name, JobID: jobID})
	return nil
}

// Claim hands out the next ready entry of the lane and mirrors the active
// event.
func (s *Scheduler) Claim(ctx context.Context, name Name, workerID string, pollWindow time.Duration) (*Entry, error) {
	entry, err := s.queues[name].Claim(ctx, workerID, pollWindow)
	if err != nil || entry == nil {
		return nil, err
	}
	s.Dispatch(ctx, Event{Kind: EventActive, Queue: name, JobID: entry.JobID})
	return entry, nil
}

func (s *Scheduler) Heartbeat(ctx context.Context, entry *Entry) error {
	return s.queues[entry.Queue].Heartbeat(ctx, entry)
}

func (s *Scheduler) Progress(ctx context.Context, entry *Entry, progress int) {
	s.Dispatch(ctx, Event{Kind: EventProgress, Queue: entry.Queue, JobID: entry.JobID, Progress: progress})
}

func (s *Scheduler) Complete(ctx context.Context, entry *Entry, result Result) error {
	if err := s.queues[entry.Queue].Complete(ctx, entry); err != nil {
		return err
	}
	s.Dispatch(ctx, Event{Kind: EventCompleted, Queue: entry.Queue, JobID: entry.JobID, Result: &result})
	return nil
}

func (s *Scheduler) Fail(ctx context.Context, entry *Entry, reason string) error {
	if err := s.queues[entry.Queue].Fail(ctx, entry, reason); err != nil {
		return err
	}
	s.Dispatch(ctx, Event{Kind: EventFailed, Queue: entry.Queue, JobID: entry.JobID, Reason: reason})
	return nil
}

// Retry re-queues with exponential backoff, or fails the entry once its
// attempts are spent.
func (s *Scheduler) Retry(ctx context.Context, entry *Entry, reason string) error {
	q := s.queues[entry.Queue]
	delay := q.BackoffDelay(entry.AttemptsMade + 1)
	if err := q.Retry(ctx, entry, delay); err != nil {
		return err
	}
	if entry.State == StateFailed {
		s.Dispatch(ctx, Event{Kind: EventFailed, Queue: entry.Queue, JobID: entry.JobID, Reason: reason})
	}
	return nil
}

// Release hands a claim back without penalty and resets the mirrored job
// state, for workers that drain on shutdown.
func (s *Scheduler) Release(ctx context.Context, entry *Entry) error {
	if err := s.queues[entry.Queue].Release(ctx, entry); err != nil {
		return err
	}
	s.Dispatch(ctx, Event{Kind: EventStalled, Queue: entry.Queue, JobID: entry.JobID})
	return nil
}

// MonitorStalls periodically returns expired-lock entries to waiting,
// failing entries on their third stall. One monitor per process is enough; the
// scans race benignly across processes.
func (s *Scheduler) MonitorStalls(ctx context.Context, name Name) error {
	q := s.queues[name]
	ticker := time.NewTicker(q.Config().StallCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.recoverStalls(ctx, q)
		}
	}
}

func (s *Scheduler) recoverStalls(ctx context.Context, q *Queue) {
	entries, err := q.StalledEntries(ctx)
	if err != nil {
		log.LogNoJobID("error scanning for stalled entries", "queue", q.Config().Name, "err", err)
		return
	}
	for _, entry := range entries {
		failed, err := q.RecoverStall(ctx, entry)
		if err != nil {
			log.LogError(entry.JobID, "error recovering stalled entry", err, "queue", q.Config().Name)
			continue
		}
		metrics.Metrics.QueueStalledCount.WithLabelValues(string(q.Config().Name)).Inc()
		if failed {
			s.Dispatch(ctx, Event{Kind: EventFailed, Queue: entry.Queue, JobID: entry.JobID, Reason: "stalled"})
		} else {
			s.Dispatch(ctx, Event{Kind: EventStalled, Queue: entry.Queue, JobID: entry.JobID})
		}
	}
}

func (s *Scheduler) Stats(ctx context.Context) (map[Name]Stats, error) {
	out := map[Name]Stats{}
	for name, q := range s.queues {
		st, err := q.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = st
		metrics.Metrics.QueueDepth.WithLabelValues(string(name), "waiting").Set(float64(st.Waiting))
		metrics.Metrics.QueueDepth.WithLabelValues(string(name), "active").Set(float64(st.Active))
	}
	return out, nil
}

// Dispatch routes one lifecycle event into the job store. Failed mirror
// writes are logged and dropped; the durable facts will catch up on the next
// event for the same job.
func (s *Scheduler) Dispatch(ctx context.Context, ev Event) {
	var err error
	now := time.Now()
	switch ev.Kind {
	case EventAdded:
		queued := store.StatusQueued
		_, err = s.jobs.Update(ctx, ev.JobID, store.Patch{Status: &queued, QueuedAt: &now})
	case EventActive:
		processing := store.StatusProcessing
		// a retried entry re-activates a job that failed its last attempt;
		// every claim is an attempt, so the counter moves here and only here
		_, err = s.jobs.Update(ctx, ev.JobID, store.Patch{
			Status:            &processing,
			StartedAt:         &now,
			IncrementAttempts: true,
		}, store.StatusQueued, store.StatusProcessing, store.StatusFailed)
	case EventProgress:
		_, err = s.jobs.Update(ctx, ev.JobID, store.Patch{Progress: &ev.Progress}, store.StatusProcessing)
	case EventCompleted:
		completed := store.StatusCompleted
		hundred := 100
		patch := store.Patch{Status: &completed, Progress: &hundred, CompletedAt: &now}
		if ev.Result != nil && ev.Result.HLSMasterURL != "" {
			patch.HLSMasterURL = &ev.Result.HLSMasterURL
		}
		// terminal states are monotonic, a replayed completion must not flip a failure
		_, err = s.jobs.Update(ctx, ev.JobID, patch,
			store.StatusQueued, store.StatusProcessing, store.StatusCompleted)
	case EventFailed:
		failed := store.StatusFailed
		_, err = s.jobs.Update(ctx, ev.JobID, store.Patch{
			Status:   &failed,
			FailedAt: &now,
			Error:    &store.JobError{Message: ev.Reason, OccurredAt: now},
		}, store.StatusQueued, store.StatusProcessing, store.StatusFailed)
	case EventStalled:
		queued := store.StatusQueued
		_, err = s.jobs.Update(ctx, ev.JobID, store.Patch{Status: &queued}, store.StatusProcessing, store.StatusQueued)
	}
	// replayed events against a job that moved on fail their precondition,
	// which is the no-op the at-least-once delivery expects
	if err != nil && !errors.Is(err, xerrors.ErrPrecondition) {
		log.LogError(ev.JobID, "error mirroring queue event into job store", err, "event", string(ev.Kind))
	}
}
