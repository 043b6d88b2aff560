package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "github.com/PCThomas7/video-transcoder/errors"
)

type Name string

const (
	Fast       Name = "fast"
	Background Name = "background"
)

// Config is the per-lane tuning. The fast lane favours time-to-first-playback
// with a short lock; the background lane holds its lock across long HD
// encodes.
type Config struct {
	Name            Name
	LockDuration    time.Duration
	LockRenew       time.Duration
	StallCheck      time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	MaxStalls       int
	RateLimitCount  int
	RateLimitWindow time.Duration
	CompletedMaxAge time.Duration
	CompletedMaxLen int
}

var FastConfig = Config{
	Name:            Fast,
	LockDuration:    60 * time.Second,
	LockRenew:       30 * time.Second,
	StallCheck:      30 * time.Second,
	MaxAttempts:     3,
	BackoffBase:     2 * time.Second,
	MaxStalls:       2,
	RateLimitCount:  10,
	RateLimitWindow: 60 * time.Second,
	CompletedMaxAge: 24 * time.Hour,
	CompletedMaxLen: 100,
}

var BackgroundConfig = Config{
	Name:            Background,
	LockDuration:    600 * time.Second,
	LockRenew:       300 * time.Second,
	StallCheck:      60 * time.Second,
	MaxAttempts:     3,
	BackoffBase:     2 * time.Second,
	MaxStalls:       2,
	RateLimitCount:  10,
	RateLimitWindow: 60 * time.Second,
	CompletedMaxAge: 24 * time.Hour,
	CompletedMaxLen: 100,
}

func ConfigFor(name Name) Config {
	if name == Background {
		return BackgroundConfig
	}
	return FastConfig
}

// Payload is what a worker needs to process an entry without consulting the
// job store first.
type Payload struct {
	RawObjectKey     string
	OriginalFilename string
	Stage            string
	CorrelationID    string
	// Set when an adjacent ingest component left the source on local disk
	LocalPath string
}

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Entry is the ephemeral queue-owned record of one enqueued job.
type Entry struct {
	JobID         string
	Queue         Name
	Payload       Payload
	AttemptsMade  int
	Stalls        int
	LockOwner     string
	LockExpiresAt time.Time
	State         State
}

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is one named lane backed by Redis. Entry bodies live in hashes; the
// waiting and active sets are sorted sets scored by availability and lock
// expiry respectively, so equal scores fall back to lexicographic job_id
// order, which is exactly the FIFO tie-break we want.
type Queue struct {
	rdb *redis.Client
	cfg Config
}

func New(rdb *redis.Client, cfg Config) *Queue {
	return &Queue{rdb: rdb, cfg: cfg}
}

func (q *Queue) Config() Config { return q.cfg }

func (q *Queue) waitKey() string      { return fmt.Sprintf("vt:%s:wait", q.cfg.Name) }
func (q *Queue) activeKey() string    { return fmt.Sprintf("vt:%s:active", q.cfg.Name) }
func (q *Queue) completedKey() string { return fmt.Sprintf("vt:%s:completed", q.cfg.Name) }
func (q *Queue) failedKey() string    { return fmt.Sprintf("vt:%s:failed", q.cfg.Name) }
func (q *Queue) entryKey(jobID string) string {
	return fmt.Sprintf("vt:%s:entry:%s", q.cfg.Name, jobID)
}

// Enqueue adds a job to the lane. Re-using a job_id whose entry finished is
// allowed and replaces the old entry; an entry still waiting or running is
// rejected.
func (q *Queue) Enqueue(ctx context.Context, jobID string, payload Payload, delay time.Duration) error {
	state, err := q.rdb.HGet(ctx, q.entryKey(jobID), "state").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to check existing entry: %w", err)
	}
	switch State(state) {
	case StateWaiting, StateActive, StateDelayed:
		return fmt.Errorf("job %q is already queued on %s: %w", jobID, q.cfg.Name, xerrors.ErrAlreadyQueued)
	case StateCompleted, StateFailed:
		q.rdb.ZRem(ctx, q.completedKey(), jobID)
		q.rdb.ZRem(ctx, q.failedKey(), jobID)
	}

	availableAt := time.Now().Add(delay)
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.entryKey(jobID), map[string]interface{}{
		"job_id":            jobID,
		"raw_object_key":    payload.RawObjectKey,
		"original_filename": payload.OriginalFilename,
		"stage":             payload.Stage,
		"correlation_id":    payload.CorrelationID,
		"local_path":        payload.LocalPath,
		"attempts_made":     0,
		"stalls":            0,
		"lock_owner":        "",
		"lock_expires_at":   0,
		"state":             string(StateWaiting),
		"available_at":      availableAt.UnixMilli(),
	})
	pipe.ZAdd(ctx, q.waitKey(), redis.Z{Score: float64(availableAt.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// claimScript atomically pops the first ready entry and locks it.
var claimScript = redis.NewScript(`
local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ready == 0 then return false end
local jobId = ready[1]
redis.call('ZREM', KEYS[1], jobId)
local entryKey = KEYS[2] .. jobId
redis.call('HSET', entryKey, 'state', 'active', 'lock_owner', ARGV[2], 'lock_expires_at', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], jobId)
return jobId
`)

// Claim returns the next ready entry locked for workerID, polling
// cooperatively up to pollWindow. A nil entry means nothing was ready.
func (q *Queue) Claim(ctx context.Context, workerID string, pollWindow time.Duration) (*Entry, error) {
	deadline := time.Now().Add(pollWindow)
	for {
		if ok, err := q.underRateLimit(ctx); err != nil {
			return nil, err
		} else if ok {
			entry, err := q.tryClaim(ctx, workerID)
			if err != nil || entry != nil {
				return entry, err
			}
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (q *Queue) tryClaim(ctx context.Context, workerID string) (*Entry, error) {
	now := time.Now()
	lockExpiry := now.Add(q.cfg.LockDuration)
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.waitKey(), fmt.Sprintf("vt:%s:entry:", q.cfg.Name), q.activeKey()},
		now.UnixMilli(), workerID, lockExpiry.UnixMilli(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim from %s: %w", q.cfg.Name, err)
	}
	jobID, _ := res.(string)
	if jobID == "" {
		return nil, nil
	}
	if err := q.countStart(ctx); err != nil {
		return nil, err
	}
	return q.getEntry(ctx, jobID)
}

// Heartbeat extends the claim lock; missing it long enough turns the entry
// into a stall.
func (q *Queue) Heartbeat(ctx context.Context, entry *Entry) error {
	expiry := time.Now().Add(q.cfg.LockDuration)
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.entryKey(entry.JobID), "lock_expires_at", expiry.UnixMilli())
	pipe.ZAdd(ctx, q.activeKey(), redis.Z{Score: float64(expiry.UnixMilli()), Member: entry.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to heartbeat: %w", err)
	}
	entry.LockExpiresAt = expiry
	return nil
}

// Complete releases the lock and records the entry as finished, trimming the
// completed set by age and count.
func (q *Queue) Complete(ctx context.Context, entry *Entry) error {
	now := time.Now()
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), entry.JobID)
	pipe.HSet(ctx, q.entryKey(entry.JobID), "state", string(StateCompleted), "lock_owner", "", "lock_expires_at", 0)
	pipe.ZAdd(ctx, q.completedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: entry.JobID})
	pipe.ZRemRangeByScore(ctx, q.completedKey(), "-inf", strconv.FormatInt(now.Add(-q.cfg.CompletedMaxAge).UnixMilli(), 10))
	pipe.ZRemRangeByRank(ctx, q.completedKey(), 0, int64(-q.cfg.CompletedMaxLen-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete entry: %w", err)
	}
	entry.State = StateCompleted
	return nil
}

// Fail releases the lock and parks the entry in the failed set. Failed
// entries are kept for inspection.
func (q *Queue) Fail(ctx context.Context, entry *Entry, reason string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), entry.JobID)
	pipe.HSet(ctx, q.entryKey(entry.JobID), "state", string(StateFailed), "lock_owner", "", "lock_expires_at", 0, "failed_reason", reason)
	pipe.ZAdd(ctx, q.failedKey(), redis.Z{Score: float64(time.Now().UnixMilli()), Member: entry.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to fail entry: %w", err)
	}
	entry.State = StateFailed
	return nil
}

// Retry re-queues the entry after delay, counting the attempt. Exceeding
// max_attempts fails the entry instead.
func (q *Queue) Retry(ctx context.Context, entry *Entry, delay time.Duration) error {
	attempts, err := q.rdb.HIncrBy(ctx, q.entryKey(entry.JobID), "attempts_made", 1).Result()
	if err != nil {
		return fmt.Errorf("failed to count attempt: %w", err)
	}
	entry.AttemptsMade = int(attempts)
	if int(attempts) >= q.cfg.MaxAttempts {
		return q.Fail(ctx, entry, "max attempts exceeded")
	}

	availableAt := time.Now().Add(delay)
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), entry.JobID)
	pipe.HSet(ctx, q.entryKey(entry.JobID), "state", string(StateDelayed), "lock_owner", "", "lock_expires_at", 0, "available_at", availableAt.UnixMilli())
	pipe.ZAdd(ctx, q.waitKey(), redis.Z{Score: float64(availableAt.UnixMilli()), Member: entry.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to retry entry: %w", err)
	}
	entry.State = StateDelayed
	return nil
}

// BackoffDelay is the exponential retry delay for the given attempt number
// (1-based): base, 2*base, 4*base, ...
func (q *Queue) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.cfg.BackoffBase << uint(attempt-1)
}

// StalledEntries returns active entries whose lock expired without a
// heartbeat.
func (q *Queue) StalledEntries(ctx context.Context) ([]*Entry, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.activeKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan for stalls: %w", err)
	}
	var out []*Entry
	for _, id := range ids {
		entry, err := q.getEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// RecoverStall returns a stalled entry to waiting, or fails it once it has
// stalled too often.
func (q *Queue) RecoverStall(ctx context.Context, entry *Entry) (failed bool, err error) {
	stalls, err := q.rdb.HIncrBy(ctx, q.entryKey(entry.JobID), "stalls", 1).Result()
	if err != nil {
		return false, fmt.Errorf("failed to count stall: %w", err)
	}
	entry.Stalls = int(stalls)
	if int(stalls) > q.cfg.MaxStalls {
		return true, q.Fail(ctx, entry, "stalled")
	}

	now := time.Now()
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), entry.JobID)
	pipe.HSet(ctx, q.entryKey(entry.JobID), "state", string(StateWaiting), "lock_owner", "", "lock_expires_at", 0, "available_at", now.UnixMilli())
	pipe.ZAdd(ctx, q.waitKey(), redis.Z{Score: float64(now.UnixMilli()), Member: entry.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to recover stalled entry: %w", err)
	}
	entry.State = StateWaiting
	return false, nil
}

// Release returns a claimed entry to waiting without counting an attempt or
// a stall. Used when a draining worker gives up its claim cleanly.
func (q *Queue) Release(ctx context.Context, entry *Entry) error {
	now := time.Now()
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), entry.JobID)
	pipe.HSet(ctx, q.entryKey(entry.JobID), "state", string(StateWaiting), "lock_owner", "", "lock_expires_at", 0, "available_at", now.UnixMilli())
	pipe.ZAdd(ctx, q.waitKey(), redis.Z{Score: float64(now.UnixMilli()), Member: entry.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to release entry: %w", err)
	}
	entry.State = StateWaiting
	return nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, q.waitKey())
	active := pipe.ZCard(ctx, q.activeKey())
	completed := pipe.ZCard(ctx, q.completedKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (q *Queue) getEntry(ctx context.Context, jobID string) (*Entry, error) {
	fields, err := q.rdb.HGetAll(ctx, q.entryKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("entry %q: %w", jobID, xerrors.ErrNotFound)
	}
	attempts, _ := strconv.Atoi(fields["attempts_made"])
	stalls, _ := strconv.Atoi(fields["stalls"])
	lockExpiresMs, _ := strconv.ParseInt(fields["lock_expires_at"], 10, 64)
	return &Entry{
		JobID: jobID,
		Queue: q.cfg.Name,
		Payload: Payload{
			RawObjectKey:     fields["raw_object_key"],
			OriginalFilename: fields["original_filename"],
			Stage:            fields["stage"],
			CorrelationID:    fields["correlation_id"],
			LocalPath:        fields["local_path"],
		},
		AttemptsMade:  attempts,
		Stalls:        stalls,
		LockOwner:     fields["lock_owner"],
		LockExpiresAt: time.UnixMilli(lockExpiresMs),
		State:         State(fields["state"]),
	}, nil
}

// Rate limiting: at most RateLimitCount job starts per fixed window,
// tracked with a counter keyed by window start.
func (q *Queue) rateLimitKey() string {
	window := time.Now().Unix() / int64(q.cfg.RateLimitWindow.Seconds())
	return fmt.Sprintf("vt:%s:ratelimit:%d", q.cfg.Name, window)
}

func (q *Queue) underRateLimit(ctx context.Context) (bool, error) {
	count, err := q.rdb.Get(ctx, q.rateLimitKey()).Int()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read rate limit: %w", err)
	}
	return count < q.cfg.RateLimitCount, nil
}

func (q *Queue) countStart(ctx context.Context) error {
	key := q.rateLimitKey()
	pipe := q.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, q.cfg.RateLimitWindow)
	_, err := pipe.Exec(ctx)
	return err
}
