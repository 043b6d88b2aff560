package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PCThomas7/video-transcoder/clients"
	"github.com/PCThomas7/video-transcoder/config"
	"github.com/PCThomas7/video-transcoder/log"
	"github.com/PCThomas7/video-transcoder/queue"
	"github.com/PCThomas7/video-transcoder/store"
	"github.com/PCThomas7/video-transcoder/video"
)

// Stage-local progress milestones. The encoder's own percentage is mapped
// into the window between progressEncodeStart and progressEncodeEnd.
const (
	progressStarted     = 5
	progressEncodeStart = 10
	progressEncodeEnd   = 70
	progressUploaded    = 95
)

// processJob is the straight-line routine for one claimed entry:
// download, encode, upload, finalize, notify, enqueue the next stage.
// Cancellation is honored at the named step boundaries; the tempdir is
// removed on every exit path.
func (c *Coordinator) processJob(ctx context.Context, entry *queue.Entry) (queue.Result, error) {
	jobID := entry.JobID
	stage := store.Stage(entry.Payload.Stage)
	log.AddContext(jobID, "stage", string(stage), "queue", string(entry.Queue))
	log.Log(jobID, "processing job", "raw_object_key", entry.Payload.RawObjectKey)

	c.Scheduler.Progress(ctx, entry, progressStarted)

	tempDir, err := os.MkdirTemp(c.TempRoot, "transcode_"+jobID+"_")
	if err != nil {
		return queue.Result{}, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	// Acquire input: an adjacent ingest component may have left the source
	// on local disk, otherwise pull it from the object store.
	inputPath := entry.Payload.LocalPath
	if inputPath == "" {
		inputPath = filepath.Join(tempDir, "input"+path.Ext(entry.Payload.RawObjectKey))
		if err := c.ObjectStore.Download(ctx, entry.Payload.RawObjectKey, inputPath); err != nil {
			return queue.Result{}, fmt.Errorf("failed to download source: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return queue.Result{}, err
	}
	c.Scheduler.Progress(ctx, entry, progressEncodeStart)

	spec := specForStage(stage)
	outputDir := filepath.Join(tempDir, "out")
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return queue.Result{}, fmt.Errorf("failed to create output dir: %w", err)
	}

	perResolution := map[string]int{}
	onProgress := func(resolution string, percent int) {
		perResolution[resolution] = percent
		c.reportEncodeProgress(ctx, entry, spec, resolution, percent, perResolution)
	}
	if err := c.Transcoder.Transcode(ctx, jobID, inputPath, outputDir, spec, onProgress); err != nil {
		return queue.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return queue.Result{}, err
	}

	// Upload outputs
	outputPrefix := OutputPrefix(entry.Payload.RawObjectKey)
	if err := c.ObjectStore.UploadTree(ctx, outputDir, outputPrefix); err != nil {
		return queue.Result{}, fmt.Errorf("failed to upload outputs: %w", err)
	}
	c.Scheduler.Progress(ctx, entry, progressUploaded)

	// Finalize
	hlsMasterURL := fmt.Sprintf("%s/hls/%s/master.m3u8", strings.TrimSuffix(c.APIBaseURL, "/"), outputPrefix)
	completedResolutions := map[string]store.ResolutionState{}
	for _, tag := range spec.TargetResolutions {
		completedResolutions[tag] = store.ResolutionState{Status: store.StatusCompleted, Progress: 100}
	}
	if _, err := c.Jobs.Update(ctx, jobID, store.Patch{
		HLSMasterURL:  &hlsMasterURL,
		PerResolution: completedResolutions,
	}); err != nil {
		log.LogError(jobID, "error finalizing job record", err)
	}

	c.notify(ctx, entry, hlsMasterURL)

	if stage == store.StageFast {
		if err := c.enqueueBackgroundStage(ctx, entry); err != nil {
			log.LogError(jobID, "error enqueueing background stage", err)
		}
	}

	log.Log(jobID, "job finished", "hls_master_url", hlsMasterURL)
	return queue.Result{HLSMasterURL: hlsMasterURL}, nil
}

// reportEncodeProgress folds the per-resolution percentages into the
// stage-local 10-70 window and mirrors both onto the job record.
func (c *Coordinator) reportEncodeProgress(ctx context.Context, entry *queue.Entry, spec video.TranscodeSpec, resolution string, percent int, perResolution map[string]int) {
	c.Scheduler.Progress(ctx, entry, encodeWindowProgress(perResolution, spec.TargetResolutions))

	status := store.StatusProcessing
	if percent >= 100 {
		status = store.StatusCompleted
	}
	if _, err := c.Jobs.Update(ctx, entry.JobID, store.Patch{
		PerResolution: map[string]store.ResolutionState{
			resolution: {Status: status, Progress: percent},
		},
	}, store.StatusProcessing); err != nil {
		log.LogError(entry.JobID, "error updating per-resolution progress", err)
	}
}

func (c *Coordinator) notify(ctx context.Context, entry *queue.Entry, hlsMasterURL string) {
	if entry.Payload.CorrelationID == "" || !c.Webhook.Enabled() {
		return
	}
	notifyCtx, cancel := context.WithTimeout(ctx, config.WebhookTimeout)
	defer cancel()
	err := c.Webhook.Notify(notifyCtx, clients.WebhookNotification{
		CorrelationID: entry.Payload.CorrelationID,
		JobID:         entry.JobID,
		Stage:         entry.Payload.Stage,
		Status:        string(store.StatusCompleted),
		HLSMasterURL:  hlsMasterURL,
	})
	if err != nil {
		// best effort only, a lost webhook never fails the job
		log.LogError(entry.JobID, "error sending webhook notification", err)
	}
}

// enqueueBackgroundStage creates the sibling job that produces the HD
// renditions. The stages are independent jobs linked only by the shared
// source object.
func (c *Coordinator) enqueueBackgroundStage(ctx context.Context, entry *queue.Entry) error {
	now := time.Now()
	sibling := &store.Job{
		JobID:            uuid.NewString(),
		OriginalFilename: entry.Payload.OriginalFilename,
		RawObjectKey:     entry.Payload.RawObjectKey,
		OutputPrefix:     OutputPrefix(entry.Payload.RawObjectKey),
		Status:           store.StatusQueued,
		Stage:            store.StageBackground,
		MaxAttempts:      queue.BackgroundConfig.MaxAttempts,
		CorrelationID:    entry.Payload.CorrelationID,
		CreatedAt:        now,
		QueuedAt:         &now,
	}
	if err := c.Jobs.Create(ctx, sibling); err != nil {
		return err
	}
	return c.Scheduler.Enqueue(ctx, queue.Background, sibling.JobID, queue.Payload{
		RawObjectKey:     entry.Payload.RawObjectKey,
		OriginalFilename: entry.Payload.OriginalFilename,
		Stage:            string(store.StageBackground),
		CorrelationID:    entry.Payload.CorrelationID,
	})
}

func specForStage(stage store.Stage) video.TranscodeSpec {
	if stage == store.StageBackground {
		return video.TranscodeSpec{
			TargetResolutions:   []string{"480p", "720p", "1080p"},
			PlaylistResolutions: []string{"360p", "480p", "720p", "1080p"},
			Preset:              video.PresetMedium,
			CPUThreads:          2,
		}
	}
	return video.TranscodeSpec{
		TargetResolutions:   []string{"360p"},
		PlaylistResolutions: []string{"360p"},
		Preset:              video.PresetUltrafast,
		CPUThreads:          0,
	}
}

// encodeWindowProgress folds the per-resolution percentages into the
// stage-local encode window: the mean of all target percentages scaled onto
// 10-70.
func encodeWindowProgress(perResolution map[string]int, targets []string) int {
	if len(targets) == 0 {
		return progressEncodeStart
	}
	sum := 0
	for _, tag := range targets {
		sum += perResolution[tag]
	}
	mean := sum / len(targets)
	return progressEncodeStart + mean*(progressEncodeEnd-progressEncodeStart)/100
}

// OutputPrefix derives where the HLS tree of a source object lives: the
// conventional raw-videos/ segment and the file extension are stripped.
// "raw-videos/abc-lecture.mp4" becomes "abc-lecture".
func OutputPrefix(rawObjectKey string) string {
	p := strings.TrimPrefix(rawObjectKey, config.RawVideoPrefix)
	return strings.TrimSuffix(p, path.Ext(p))
}
