package handlers

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/PCThomas7/video-transcoder/config"
	"github.com/PCThomas7/video-transcoder/errors"
	"github.com/PCThomas7/video-transcoder/log"
	"github.com/PCThomas7/video-transcoder/metrics"
	"github.com/PCThomas7/video-transcoder/pipeline"
	"github.com/PCThomas7/video-transcoder/queue"
	"github.com/PCThomas7/video-transcoder/store"
)

type UploadResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

func HasContentType(r *http.Request, mimetype string) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return mimetype == "application/octet-stream"
	}

	for _, v := range strings.Split(contentType, ",") {
		t, _, err := mime.ParseMediaType(v)
		if err != nil {
			break
		}
		if t == mimetype {
			return true
		}
	}

	return false
}

// Upload accepts a multipart source video, stores it under raw-videos/ and
// creates + enqueues the fast-lane job. The response arrives as soon as the
// job exists; transcoding is entirely asynchronous.
func (d *TranscoderAPIHandlersCollection) Upload() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		metrics.Metrics.UploadRequestCount.Inc()

		if !HasContentType(req, "multipart/form-data") {
			errors.WriteHTTPUnsupportedMediaType(w, "Requires multipart/form-data content type", nil)
			return
		}
		if req.ContentLength > config.MaxInputFileSizeBytes {
			errors.WriteHTTPBadRequest(w, "File too large", fmt.Errorf("upload exceeds the %d byte limit", int64(config.MaxInputFileSizeBytes)))
			return
		}
		req.Body = http.MaxBytesReader(w, req.Body, config.MaxInputFileSizeBytes)

		file, header, err := req.FormFile("video")
		if err != nil {
			errors.WriteHTTPBadRequest(w, "Missing video file", err)
			return
		}
		defer file.Close()
		if header.Size > config.MaxInputFileSizeBytes {
			errors.WriteHTTPBadRequest(w, "File too large", fmt.Errorf("upload exceeds the %d byte limit", int64(config.MaxInputFileSizeBytes)))
			return
		}

		jobID := uuid.NewString()
		log.AddContext(jobID, "original_filename", header.Filename)

		rawObjectKey := config.RawVideoPrefix + jobID + "-" + sanitizeFilename(header.Filename)
		mimeType := header.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		if err := d.ObjectStore.Put(req.Context(), rawObjectKey, file, header.Size, mimeType); err != nil {
			errors.WriteHTTPBadGateway(w, "Failed to store upload", err)
			return
		}

		now := time.Now()
		job := &store.Job{
			JobID:            jobID,
			OriginalFilename: header.Filename,
			OriginalSize:     header.Size,
			MimeType:         mimeType,
			RawObjectKey:     rawObjectKey,
			OutputPrefix:     pipeline.OutputPrefix(rawObjectKey),
			Status:           store.StatusQueued,
			Stage:            store.StageFast,
			MaxAttempts:      queue.FastConfig.MaxAttempts,
			CorrelationID:    req.FormValue("correlation_id"),
			CreatedAt:        now,
			QueuedAt:         &now,
		}
		if err := d.Jobs.Create(req.Context(), job); err != nil {
			errors.WriteHTTPInternalServerError(w, "Failed to create job", err)
			return
		}

		err = d.Scheduler.Enqueue(req.Context(), queue.Fast, jobID, queue.Payload{
			RawObjectKey:     rawObjectKey,
			OriginalFilename: header.Filename,
			Stage:            string(store.StageFast),
			CorrelationID:    job.CorrelationID,
		})
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Failed to enqueue job", err)
			return
		}

		log.Log(jobID, "accepted upload", "raw_object_key", rawObjectKey, "size", header.Size)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(UploadResponse{
			JobID:     jobID,
			StatusURL: fmt.Sprintf("%s/v1/jobs/%s/status", strings.TrimSuffix(d.Cli.APIBaseURL, "/"), jobID),
		}); err != nil {
			log.LogError(jobID, "failed to write upload response", err)
		}
	}
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
