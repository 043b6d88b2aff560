package handlers

import (
	"encoding/json"
	goerrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/PCThomas7/video-transcoder/errors"
	"github.com/PCThomas7/video-transcoder/log"
	"github.com/PCThomas7/video-transcoder/queue"
	"github.com/PCThomas7/video-transcoder/store"
)

// JobView is the user-facing rendering of a job record, with the polling
// URL and a flag that flips once the master playlist is streamable.
type JobView struct {
	*store.Job
	StatusURL string `json:"status_url"`
	Playable  bool   `json:"playable"`
}

type JobListResponse struct {
	Jobs   []JobView `json:"jobs"`
	Total  int       `json:"total"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

type QueueStatsResponse struct {
	Queues map[queue.Name]queue.Stats `json:"queues"`
	Jobs   map[store.Status]int       `json:"jobs"`
}

func (d *TranscoderAPIHandlersCollection) jobView(job *store.Job) JobView {
	return JobView{
		Job:       job,
		StatusURL: fmt.Sprintf("%s/v1/jobs/%s/status", strings.TrimSuffix(d.Cli.APIBaseURL, "/"), job.JobID),
		Playable:  job.HLSMasterURL != "",
	}
}

func (d *TranscoderAPIHandlersCollection) JobStatus() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		job, err := d.Jobs.Get(req.Context(), params.ByName("jobId"))
		if err != nil {
			writeJobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d.jobView(job))
	}
}

func (d *TranscoderAPIHandlersCollection) ListJobs() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		filter := store.Filter{Limit: 20}
		if s := req.URL.Query().Get("status"); s != "" {
			status := store.Status(s)
			if !status.IsValid() {
				errors.WriteHTTPBadRequest(w, "Invalid status filter", nil)
				return
			}
			filter.Status = &status
		}
		if l := req.URL.Query().Get("limit"); l != "" {
			limit, err := strconv.Atoi(l)
			if err != nil || limit < 1 || limit > 100 {
				errors.WriteHTTPBadRequest(w, "Invalid limit", err)
				return
			}
			filter.Limit = limit
		}
		if o := req.URL.Query().Get("offset"); o != "" {
			offset, err := strconv.Atoi(o)
			if err != nil || offset < 0 {
				errors.WriteHTTPBadRequest(w, "Invalid offset", err)
				return
			}
			filter.Offset = offset
		}

		jobs, total, err := d.Jobs.List(req.Context(), filter)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Failed to list jobs", err)
			return
		}
		views := make([]JobView, 0, len(jobs))
		for _, job := range jobs {
			views = append(views, d.jobView(job))
		}
		writeJSON(w, http.StatusOK, JobListResponse{Jobs: views, Total: total, Limit: filter.Limit, Offset: filter.Offset})
	}
}

// RetryJob re-queues a failed job on its own lane. The queue entry is
// replaced, which restarts the attempt accounting for the new run; the job
// record keeps its lifetime attempt count.
func (d *TranscoderAPIHandlersCollection) RetryJob() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		jobID := params.ByName("jobId")
		job, err := d.Jobs.Get(req.Context(), jobID)
		if err != nil {
			writeJobError(w, err)
			return
		}
		if job.Status != store.StatusFailed {
			errors.WriteHTTPBadRequest(w, "Only failed jobs can be retried", errors.ErrPrecondition)
			return
		}

		lane := queue.Fast
		if job.Stage == store.StageBackground {
			lane = queue.Background
		}
		err = d.Scheduler.Enqueue(req.Context(), lane, jobID, queue.Payload{
			RawObjectKey:     job.RawObjectKey,
			OriginalFilename: job.OriginalFilename,
			Stage:            string(job.Stage),
			CorrelationID:    job.CorrelationID,
		})
		if goerrors.Is(err, errors.ErrAlreadyQueued) {
			errors.WriteHTTPConflict(w, "Job is already queued", err)
			return
		}
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Failed to enqueue job", err)
			return
		}

		zero := 0
		queued := store.StatusQueued
		if _, err := d.Jobs.Update(req.Context(), jobID, store.Patch{Status: &queued, Progress: &zero, ClearError: true}); err != nil {
			log.LogError(jobID, "error resetting retried job", err)
		}
		log.Log(jobID, "job retried", "queue", lane)
		writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(store.StatusQueued)})
	}
}

func (d *TranscoderAPIHandlersCollection) DeleteJob() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		jobID := params.ByName("jobId")
		if err := d.Jobs.Delete(req.Context(), jobID); err != nil {
			writeJobError(w, err)
			return
		}
		log.Log(jobID, "job deleted")
		writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "deleted": "true"})
	}
}

func (d *TranscoderAPIHandlersCollection) QueueStats() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		queues, err := d.Scheduler.Stats(req.Context())
		if err != nil {
			errors.WriteHTTPBadGateway(w, "Failed to read queue stats", err)
			return
		}
		counts, err := d.Jobs.CountByStatus(req.Context())
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Failed to count jobs", err)
			return
		}
		writeJSON(w, http.StatusOK, QueueStatsResponse{Queues: queues, Jobs: counts})
	}
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case goerrors.Is(err, errors.ErrNotFound):
		errors.WriteHTTPNotFound(w, "Job not found", err)
	case goerrors.Is(err, errors.ErrConflict):
		errors.WriteHTTPConflict(w, "Conflicting job state", err)
	case goerrors.Is(err, errors.ErrPrecondition):
		errors.WriteHTTPBadRequest(w, "Precondition failed", err)
	default:
		errors.WriteHTTPInternalServerError(w, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.LogNoJobID("failed to write JSON response", "err", err)
	}
}
