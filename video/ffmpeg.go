package video

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/PCThomas7/video-transcoder/config"
	xerrors "github.com/PCThomas7/video-transcoder/errors"
	"github.com/PCThomas7/video-transcoder/log"
)

const stderrTailBytes = 4 * 1024

// ProgressFn receives per-resolution progress in percent, 0-100.
type ProgressFn func(resolution string, percent int)

// Transcoder drives the external ffmpeg binary, one invocation per
// rendition, writing `{outputDir}/{tag}/index.m3u8` plus segments and a
// master playlist at `{outputDir}/master.m3u8`.
type Transcoder struct {
	FFmpegPath string
}

func NewTranscoder() *Transcoder {
	return &Transcoder{FFmpegPath: "ffmpeg"}
}

// Transcode encodes every target resolution of spec and writes the master
// playlist. Progress is parsed from the encoder's key=value markers on
// stdout; a rendition whose encoder exits non-zero is discarded before the
// error surfaces.
func (t *Transcoder) Transcode(ctx context.Context, jobID, inputPath, outputDir string, spec TranscodeSpec, onProgress ProgressFn) error {
	duration, err := ProbeDuration(inputPath)
	if err != nil {
		return xerrors.NewEncoderError("probe", err.Error(), err)
	}

	for _, tag := range spec.TargetResolutions {
		if err := ctx.Err(); err != nil {
			return err
		}
		rendition, ok := RenditionByName(tag)
		if !ok {
			return xerrors.Unretriable(fmt.Errorf("unknown resolution %q", tag))
		}
		if err := t.transcodeRendition(ctx, jobID, inputPath, outputDir, rendition, spec, duration, onProgress); err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(tag, 100)
		}
	}

	return WriteMasterPlaylist(outputDir, spec.PlaylistResolutions)
}

func (t *Transcoder) transcodeRendition(ctx context.Context, jobID, inputPath, outputDir string, r Rendition, spec TranscodeSpec, duration float64, onProgress ProgressFn) error {
	renditionDir := filepath.Join(outputDir, r.Name)
	if err := os.MkdirAll(renditionDir, 0755); err != nil {
		return fmt.Errorf("failed to create rendition dir: %w", err)
	}

	args := buildArgs(inputPath, renditionDir, r, spec)
	log.Log(jobID, "starting encoder", "resolution", r.Name, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, t.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open encoder stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	// The watchdog terminates the encoder when no progress marker arrives
	// for two heartbeat windows; a hung encoder otherwise holds the queue
	// lock until it stalls.
	var lastMarker atomic.Int64
	lastMarker.Store(time.Now().UnixNano())
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go watchdog(cmd, &lastMarker, watchdogDone)

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key, value := line[:idx], line[idx+1:]
		if key != "out_time_us" || value == "N/A" {
			continue
		}
		lastMarker.Store(time.Now().UnixNano())
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || duration <= 0 {
			continue
		}
		percent := int(float64(us) / 1e6 / duration * 100)
		if percent > 100 {
			percent = 100
		}
		if onProgress != nil {
			onProgress(r.Name, percent)
		}
	}

	if err := cmd.Wait(); err != nil {
		// discard whatever the failed encode left behind
		os.RemoveAll(renditionDir)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return xerrors.NewEncoderError(r.Name, stderrTail(stderr.Bytes()), err)
	}
	return nil
}

func watchdog(cmd *exec.Cmd, lastMarker *atomic.Int64, done <-chan struct{}) {
	ticker := time.NewTicker(config.EncoderHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			silent := time.Since(time.Unix(0, lastMarker.Load()))
			if silent < 2*config.EncoderHeartbeat {
				continue
			}
			if cmd.Process == nil {
				return
			}
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-done:
				return
			case <-time.After(config.EncoderKillGrace):
				_ = cmd.Process.Kill()
				return
			}
		}
	}
}

func buildArgs(inputPath, renditionDir string, r Rendition, spec TranscodeSpec) []string {
	args := []string{
		"-i", inputPath,
		"-y",
		"-progress", "pipe:1",
		"-nostats",
		"-vf", fmt.Sprintf("scale=w=%d:h=%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", r.Width, r.Height, r.Width, r.Height),
		"-c:v", "libx264",
		"-profile:v", "main",
		"-preset", string(spec.Preset),
		"-b:v", strconv.Itoa(r.VideoBitrate),
		"-maxrate", strconv.Itoa(r.VideoBitrate * 107 / 100),
		"-bufsize", strconv.Itoa(r.VideoBitrate * 3 / 2),
		"-c:a", "aac",
		"-ar", "48000",
		"-b:a", strconv.Itoa(r.AudioBitrate),
	}
	if spec.CPUThreads > 0 {
		args = append(args, "-threads", strconv.Itoa(spec.CPUThreads))
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(config.SegmentSizeSecs),
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(renditionDir, "segment%03d.ts"),
		filepath.Join(renditionDir, "index.m3u8"),
	)
	return args
}

func stderrTail(b []byte) string {
	if len(b) > stderrTailBytes {
		b = b[len(b)-stderrTailBytes:]
	}
	return string(b)
}
