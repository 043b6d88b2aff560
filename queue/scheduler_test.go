package queue

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/PCThomas7/video-transcoder/store"
)

var jobRowColumns = []string{
	"job_id", "original_filename", "original_size", "mime_type", "raw_object_key", "output_prefix",
	"status", "stage", "progress", "per_resolution", "attempts", "max_attempts", "hls_master_url",
	"error_message", "error_detail", "error_at", "correlation_id",
	"created_at", "queued_at", "started_at", "completed_at", "failed_at",
}

func jobRow(jobID string, status store.Status) *sqlmock.Rows {
	return jobRowAttempts(jobID, status, 0)
}

func jobRowAttempts(jobID string, status store.Status, attempts int) *sqlmock.Rows {
	return sqlmock.NewRows(jobRowColumns).AddRow(
		jobID, "in.mp4", int64(1000), "video/mp4", "raw-videos/"+jobID+"-in.mp4", jobID+"-in",
		status, store.StageFast, 0, []byte(`{}`), attempts, 3, "",
		"", "", nil, "",
		time.Now(), nil, nil, nil, nil,
	)
}

func testScheduler(t *testing.T) (*Scheduler, sqlmock.Sqlmock, *redis.Client) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	jobs := store.NewJobStore(db)
	return NewScheduler(New(rdb, FastConfig), New(rdb, BackgroundConfig), jobs), mock, rdb
}

// Every claim is an attempt: going active both marks the job processing and
// bumps the lifetime attempt counter.
const activeUpdateSQL = "update transcode_jobs set status = $1, attempts = attempts + 1, started_at = $2 where job_id = $3 and status in ($4,$5,$6)"

func TestDispatchActiveMarksProcessingAndCountsAttempt(t *testing.T) {
	require := require.New(t)
	s, mock, _ := testScheduler(t)

	mock.ExpectQuery(regexp.QuoteMeta(activeUpdateSQL)).
		WillReturnRows(jobRow("job-1", store.StatusProcessing))

	s.Dispatch(context.Background(), Event{Kind: EventActive, Queue: Fast, JobID: "job-1"})
	require.NoError(mock.ExpectationsWereMet())
}

func TestDispatchProgressOnlyWhileProcessing(t *testing.T) {
	require := require.New(t)
	s, mock, _ := testScheduler(t)

	// the conditional update misses, then the existence probe finds the
	// job already completed: the event is dropped as a no-op
	mock.ExpectQuery("update transcode_jobs set progress").
		WillReturnRows(sqlmock.NewRows(jobRowColumns))
	mock.ExpectQuery("select .* from transcode_jobs where job_id").
		WillReturnRows(jobRow("job-1", store.StatusCompleted))

	s.Dispatch(context.Background(), Event{Kind: EventProgress, Queue: Fast, JobID: "job-1", Progress: 50})
	require.NoError(mock.ExpectationsWereMet())
}

func TestDispatchCompletedSetsResult(t *testing.T) {
	require := require.New(t)
	s, mock, _ := testScheduler(t)

	mock.ExpectQuery("update transcode_jobs set status = .*hls_master_url").
		WillReturnRows(jobRow("job-1", store.StatusCompleted))

	s.Dispatch(context.Background(), Event{
		Kind: EventCompleted, Queue: Fast, JobID: "job-1",
		Result: &Result{HLSMasterURL: "http://base/hls/P/master.m3u8"},
	})
	require.NoError(mock.ExpectationsWereMet())
}

func TestDispatchFailedRecordsError(t *testing.T) {
	require := require.New(t)
	s, mock, _ := testScheduler(t)

	mock.ExpectQuery("update transcode_jobs set status = .*error_message").
		WillReturnRows(jobRow("job-1", store.StatusFailed))

	s.Dispatch(context.Background(), Event{Kind: EventFailed, Queue: Fast, JobID: "job-1", Reason: "EncoderError: 360p"})
	require.NoError(mock.ExpectationsWereMet())
}

func TestDispatchStalledResetsToQueued(t *testing.T) {
	require := require.New(t)
	s, mock, _ := testScheduler(t)

	mock.ExpectQuery(regexp.QuoteMeta("update transcode_jobs set status = $1 where job_id = $2 and status in ($3,$4)")).
		WillReturnRows(jobRow("job-1", store.StatusQueued))

	s.Dispatch(context.Background(), Event{Kind: EventStalled, Queue: Fast, JobID: "job-1"})
	require.NoError(mock.ExpectationsWereMet())
}

func TestSchedulerRetryFailsJobAfterMaxAttempts(t *testing.T) {
	require := require.New(t)
	s, mock, rdb := testScheduler(t)
	ctx := context.Background()

	// enqueue mirrors the added event
	mock.ExpectQuery("update transcode_jobs set status").
		WillReturnRows(jobRow("job-1", store.StatusQueued))
	require.NoError(s.Enqueue(ctx, Fast, "job-1", Payload{Stage: "fast"}))

	waitKey := s.Queue(Fast).waitKey()
	for attempt := 1; attempt <= FastConfig.MaxAttempts; attempt++ {
		// skip over the retry backoff by making the entry ready now
		require.NoError(rdb.ZAdd(ctx, waitKey, redis.Z{
			Score: float64(time.Now().UnixMilli()), Member: "job-1",
		}).Err())

		// active event on claim
		mock.ExpectQuery("update transcode_jobs set status").
			WillReturnRows(jobRow("job-1", store.StatusProcessing))
		entry, err := s.Claim(ctx, Fast, "worker-1", time.Second)
		require.NoError(err)
		require.NotNil(entry, "attempt %d", attempt)

		if attempt == FastConfig.MaxAttempts {
			// the last retry turns into a failure event
			mock.ExpectQuery("update transcode_jobs set status = .*error_message").
				WillReturnRows(jobRow("job-1", store.StatusFailed))
		}
		require.NoError(s.Retry(ctx, entry, "EncoderError: 360p"))
	}

	require.NoError(mock.ExpectationsWereMet())
}

// Encoder fails twice and succeeds on the third run: the job must end with
// attempts=3, one per claim, the successful run included.
func TestJobAttemptsCountEveryClaim(t *testing.T) {
	require := require.New(t)
	s, mock, rdb := testScheduler(t)
	ctx := context.Background()

	mock.ExpectQuery("update transcode_jobs set status").
		WillReturnRows(jobRow("job-1", store.StatusQueued))
	require.NoError(s.Enqueue(ctx, Fast, "job-1", Payload{Stage: "fast"}))

	waitKey := s.Queue(Fast).waitKey()
	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(rdb.ZAdd(ctx, waitKey, redis.Z{
			Score: float64(time.Now().UnixMilli()), Member: "job-1",
		}).Err())

		mock.ExpectQuery(regexp.QuoteMeta(activeUpdateSQL)).
			WillReturnRows(jobRowAttempts("job-1", store.StatusProcessing, attempt))
		entry, err := s.Claim(ctx, Fast, "worker-1", time.Second)
		require.NoError(err)
		require.NotNil(entry, "attempt %d", attempt)

		if attempt < 3 {
			require.NoError(s.Retry(ctx, entry, "EncoderError: 360p"))
			continue
		}
		mock.ExpectQuery("update transcode_jobs set status = .*hls_master_url").
			WillReturnRows(jobRowAttempts("job-1", store.StatusCompleted, 3))
		require.NoError(s.Complete(ctx, entry, Result{HLSMasterURL: "http://base/hls/P/master.m3u8"}))
	}

	// three claims, three increments, nothing else touched the counter
	require.NoError(mock.ExpectationsWereMet())
}

// A worker dies mid-encode, the entry stalls back to waiting and a second
// worker finishes the job: attempts=2, once per claim, none for the stall.
func TestJobAttemptsAcrossStallRecovery(t *testing.T) {
	require := require.New(t)
	s, mock, rdb := testScheduler(t)
	ctx := context.Background()

	mock.ExpectQuery("update transcode_jobs set status").
		WillReturnRows(jobRow("job-1", store.StatusQueued))
	require.NoError(s.Enqueue(ctx, Fast, "job-1", Payload{Stage: "fast"}))

	mock.ExpectQuery(regexp.QuoteMeta(activeUpdateSQL)).
		WillReturnRows(jobRowAttempts("job-1", store.StatusProcessing, 1))
	entry, err := s.Claim(ctx, Fast, "worker-1", time.Second)
	require.NoError(err)
	require.NotNil(entry)

	// the first worker vanishes: expire the lock and run stall recovery,
	// which resets status without counting an attempt
	q := s.Queue(Fast)
	expired := float64(time.Now().Add(-time.Minute).UnixMilli())
	require.NoError(rdb.ZAdd(ctx, q.activeKey(), redis.Z{Score: expired, Member: "job-1"}).Err())
	mock.ExpectQuery(regexp.QuoteMeta("update transcode_jobs set status = $1 where job_id = $2 and status in ($3,$4)")).
		WillReturnRows(jobRowAttempts("job-1", store.StatusQueued, 1))
	s.recoverStalls(ctx, q)

	mock.ExpectQuery(regexp.QuoteMeta(activeUpdateSQL)).
		WillReturnRows(jobRowAttempts("job-1", store.StatusProcessing, 2))
	entry, err = s.Claim(ctx, Fast, "worker-2", time.Second)
	require.NoError(err)
	require.NotNil(entry)

	mock.ExpectQuery("update transcode_jobs set status = .*hls_master_url").
		WillReturnRows(jobRowAttempts("job-1", store.StatusCompleted, 2))
	require.NoError(s.Complete(ctx, entry, Result{HLSMasterURL: "http://base/hls/P/master.m3u8"}))

	// two claims, two increments; the stall recovery added none
	require.NoError(mock.ExpectationsWereMet())
}
