package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/PCThomas7/video-transcoder/config"
	"github.com/PCThomas7/video-transcoder/queue"
	"github.com/PCThomas7/video-transcoder/store"
)

var jobRowColumns = []string{
	"job_id", "original_filename", "original_size", "mime_type", "raw_object_key", "output_prefix",
	"status", "stage", "progress", "per_resolution", "attempts", "max_attempts", "hls_master_url",
	"error_message", "error_detail", "error_at", "correlation_id",
	"created_at", "queued_at", "started_at", "completed_at", "failed_at",
}

func jobRow(jobID string, status store.Status) *sqlmock.Rows {
	return sqlmock.NewRows(jobRowColumns).AddRow(
		jobID, "in.mp4", int64(1000), "video/mp4", "raw-videos/"+jobID+"-in.mp4", jobID+"-in",
		status, store.StageFast, 0, []byte(`{}`), 0, 3, "",
		"", "", nil, "",
		time.Now(), nil, nil, nil, nil,
	)
}

type fakeUploader struct {
	puts map[string]int64
}

func (f *fakeUploader) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	if f.puts == nil {
		f.puts = map[string]int64{}
	}
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return err
	}
	f.puts[key] = n
	return nil
}

func testCollection(t *testing.T) (*TranscoderAPIHandlersCollection, sqlmock.Sqlmock, *fakeUploader) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	jobs := store.NewJobStore(db)
	scheduler := queue.NewScheduler(
		queue.New(rdb, queue.FastConfig),
		queue.New(rdb, queue.BackgroundConfig),
		jobs,
	)
	uploader := &fakeUploader{}
	return &TranscoderAPIHandlersCollection{
		Cli:         config.Cli{APIBaseURL: "http://localhost:8989/api/upload"},
		Jobs:        jobs,
		Scheduler:   scheduler,
		ObjectStore: uploader,
	}, mock, uploader
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

func TestUploadAccepted(t *testing.T) {
	require := require.New(t)
	d, mock, uploader := testCollection(t)

	mock.ExpectExec("insert into transcode_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// the added event mirrors back into the job store
	mock.ExpectQuery("update transcode_jobs set").
		WillReturnRows(jobRow("any", store.StatusQueued))

	body, contentType := multipartBody(t, "video", "sample.mp4", []byte("not really a video"))
	req := httptest.NewRequest("POST", "/api/upload/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	router := httprouter.New()
	router.POST("/api/upload/v1/upload", d.Upload())
	router.ServeHTTP(rr, req)

	require.Equal(http.StatusAccepted, rr.Code)
	var resp UploadResponse
	require.NoError(json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(resp.JobID)
	require.Contains(resp.StatusURL, "/v1/jobs/"+resp.JobID+"/status")

	require.Len(uploader.puts, 1)
	for key := range uploader.puts {
		require.Contains(key, config.RawVideoPrefix)
		require.Contains(key, "sample.mp4")
	}
}

func TestUploadRequiresVideoField(t *testing.T) {
	require := require.New(t)
	d, _, _ := testCollection(t)

	body, contentType := multipartBody(t, "wrongfield", "sample.mp4", []byte("data"))
	req := httptest.NewRequest("POST", "/api/upload/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	router := httprouter.New()
	router.POST("/api/upload/v1/upload", d.Upload())
	router.ServeHTTP(rr, req)

	require.Equal(http.StatusBadRequest, rr.Code)
}

func TestUploadRejectsOversizedContentLength(t *testing.T) {
	require := require.New(t)
	d, _, _ := testCollection(t)

	body, contentType := multipartBody(t, "video", "sample.mp4", []byte("data"))
	req := httptest.NewRequest("POST", "/api/upload/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = config.MaxInputFileSizeBytes + 1
	rr := httptest.NewRecorder()

	router := httprouter.New()
	router.POST("/api/upload/v1/upload", d.Upload())
	router.ServeHTTP(rr, req)

	require.Equal(http.StatusBadRequest, rr.Code)
}

func TestUploadRequiresMultipart(t *testing.T) {
	require := require.New(t)
	d, _, _ := testCollection(t)

	req := httptest.NewRequest("POST", "/api/upload/v1/upload", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	router := httprouter.New()
	router.POST("/api/upload/v1/upload", d.Upload())
	router.ServeHTTP(rr, req)

	require.Equal(http.StatusUnsupportedMediaType, rr.Code)
}

func TestJobStatusIncludesDerivedFields(t *testing.T) {
	require := require.New(t)
	d, mock, _ := testCollection(t)

	router := httprouter.New()
	router.GET("/api/upload/v1/jobs/:jobId/status", d.JobStatus())
	router.GET("/api/upload/v1/jobs", d.ListJobs())

	// a completed job with a master playlist is playable
	mock.ExpectQuery("select .* from transcode_jobs where job_id").
		WillReturnRows(sqlmock.NewRows(jobRowColumns).AddRow(
			"job-1", "in.mp4", int64(1000), "video/mp4", "raw-videos/job-1-in.mp4", "job-1-in",
			store.StatusCompleted, store.StageFast, 100, []byte(`{}`), 1, 3, "http://localhost:8989/api/upload/hls/job-1-in/master.m3u8",
			"", "", nil, "",
			time.Now(), nil, nil, nil, nil,
		))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/upload/v1/jobs/job-1/status", nil))
	require.Equal(http.StatusOK, rr.Code)

	var view map[string]interface{}
	require.NoError(json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal("http://localhost:8989/api/upload/v1/jobs/job-1/status", view["status_url"])
	require.Equal(true, view["playable"])

	// a queued job has the polling URL but nothing to play yet
	mock.ExpectQuery("select .* from transcode_jobs where job_id").
		WillReturnRows(jobRow("job-2", store.StatusQueued))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/upload/v1/jobs/job-2/status", nil))
	require.Equal(http.StatusOK, rr.Code)
	require.NoError(json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal("http://localhost:8989/api/upload/v1/jobs/job-2/status", view["status_url"])
	require.Equal(false, view["playable"])

	// the list view carries the same derived fields
	mock.ExpectQuery("select count\\(\\*\\) from transcode_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("select .* from transcode_jobs .*order by created_at desc").
		WillReturnRows(jobRow("job-2", store.StatusQueued))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/upload/v1/jobs", nil))
	require.Equal(http.StatusOK, rr.Code)

	var list JobListResponse
	require.NoError(json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(list.Jobs, 1)
	require.Equal("http://localhost:8989/api/upload/v1/jobs/job-2/status", list.Jobs[0].StatusURL)
	require.False(list.Jobs[0].Playable)
}

func TestJobStatusNotFound(t *testing.T) {
	require := require.New(t)
	d, mock, _ := testCollection(t)

	mock.ExpectQuery("select .* from transcode_jobs where job_id").
		WillReturnRows(sqlmock.NewRows(jobRowColumns))

	req := httptest.NewRequest("GET", "/api/upload/v1/jobs/nope/status", nil)
	rr := httptest.NewRecorder()

	router := httprouter.New()
	router.GET("/api/upload/v1/jobs/:jobId/status", d.JobStatus())
	router.ServeHTTP(rr, req)

	require.Equal(http.StatusNotFound, rr.Code)
}

func TestDeleteProcessingJobConflicts(t *testing.T) {
	require := require.New(t)
	d, mock, _ := testCollection(t)

	mock.ExpectExec("delete from transcode_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select .* from transcode_jobs where job_id").
		WillReturnRows(jobRow("job-1", store.StatusProcessing))

	req := httptest.NewRequest("DELETE", "/api/upload/v1/jobs/job-1", nil)
	rr := httptest.NewRecorder()

	router := httprouter.New()
	router.DELETE("/api/upload/v1/jobs/:jobId", d.DeleteJob())
	router.ServeHTTP(rr, req)

	require.Equal(http.StatusConflict, rr.Code)
}

func TestRetryNonFailedJobIsRejected(t *testing.T) {
	require := require.New(t)
	d, mock, _ := testCollection(t)

	mock.ExpectQuery("select .* from transcode_jobs where job_id").
		WillReturnRows(jobRow("job-1", store.StatusProcessing))

	req := httptest.NewRequest("POST", "/api/upload/v1/jobs/job-1/retry", nil)
	rr := httptest.NewRecorder()

	router := httprouter.New()
	router.POST("/api/upload/v1/jobs/:jobId/retry", d.RetryJob())
	router.ServeHTTP(rr, req)

	require.Equal(http.StatusBadRequest, rr.Code)
}

func TestRetryFailedJobEnqueues(t *testing.T) {
	require := require.New(t)
	d, mock, _ := testCollection(t)

	mock.ExpectQuery("select .* from transcode_jobs where job_id").
		WillReturnRows(jobRow("job-1", store.StatusFailed))
	// added event mirror plus the reset update
	mock.ExpectQuery("update transcode_jobs set").
		WillReturnRows(jobRow("job-1", store.StatusQueued))
	mock.ExpectQuery("update transcode_jobs set").
		WillReturnRows(jobRow("job-1", store.StatusQueued))

	req := httptest.NewRequest("POST", "/api/upload/v1/jobs/job-1/retry", nil)
	rr := httptest.NewRecorder()

	router := httprouter.New()
	router.POST("/api/upload/v1/jobs/:jobId/retry", d.RetryJob())
	router.ServeHTTP(rr, req)

	require.Equal(http.StatusOK, rr.Code)

	// the second retry while the entry is still queued conflicts
	mock.ExpectQuery("select .* from transcode_jobs where job_id").
		WillReturnRows(jobRow("job-1", store.StatusFailed))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/api/upload/v1/jobs/job-1/retry", nil))
	require.Equal(http.StatusConflict, rr.Code)
}

func TestQueueStats(t *testing.T) {
	require := require.New(t)
	d, mock, _ := testCollection(t)

	mock.ExpectQuery("select status, count\\(\\*\\) from transcode_jobs group by status").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("queued", 1))

	req := httptest.NewRequest("GET", "/api/upload/v1/queue/stats", nil)
	rr := httptest.NewRecorder()

	router := httprouter.New()
	router.GET("/api/upload/v1/queue/stats", d.QueueStats())
	router.ServeHTTP(rr, req)

	require.Equal(http.StatusOK, rr.Code)
	var resp QueueStatsResponse
	require.NoError(json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(resp.Queues, queue.Fast)
	require.Contains(resp.Queues, queue.Background)
	require.Equal(1, resp.Jobs[store.StatusQueued])
}

func TestOKHandler(t *testing.T) {
	require := require.New(t)
	d, _, _ := testCollection(t)

	router := httprouter.New()
	req := httptest.NewRequest("GET", "/ok", nil)
	rr := httptest.NewRecorder()
	router.GET("/ok", d.Ok())
	router.ServeHTTP(rr, req)

	require.Equal(rr.Body.String(), "OK")
}
