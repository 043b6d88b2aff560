package handlers

import (
	"context"
	goerrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/PCThomas7/video-transcoder/clients"
	xerrors "github.com/PCThomas7/video-transcoder/errors"
	"github.com/PCThomas7/video-transcoder/log"
	"github.com/PCThomas7/video-transcoder/metrics"
	"github.com/PCThomas7/video-transcoder/playback"
)

type PlaybackHandler struct {
	ObjectStore playback.ObjectFetcher
	APIBaseURL  string
}

func NewPlaybackHandler(objectStore playback.ObjectFetcher, apiBaseURL string) *PlaybackHandler {
	return &PlaybackHandler{ObjectStore: objectStore, APIBaseURL: apiBaseURL}
}

// Handle serves GET /hls/*file: rewritten master and variant playlists plus
// pass-through segment streaming from the private bucket.
func (p *PlaybackHandler) Handle(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	start := time.Now()
	file := strings.TrimPrefix(params.ByName("file"), "/")

	playbackReq, ok := splitPlaybackPath(file)
	if !ok {
		xerrors.WriteHTTPBadRequest(w, "invalid playback path", nil)
		return
	}
	playbackReq.Range = req.Header.Get("Range")

	// the request context cancels the upstream read when the player goes away
	response, err := playback.Handle(req.Context(), p.ObjectStore, p.APIBaseURL, playbackReq)
	if err != nil {
		p.handleError(err, req, w)
		return
	}
	defer response.Body.Close()

	kind := "segment"
	if strings.HasSuffix(file, ".m3u8") {
		kind = "playlist"
	}

	w.Header().Set("Content-Type", response.ContentType)
	w.Header().Set("Accept-Ranges", "bytes")
	if kind == "segment" {
		w.Header().Set("Cache-Control", "public, max-age=31536000")
	} else {
		w.Header().Set("Cache-Control", "max-age=0")
	}
	if response.ContentLength != nil {
		w.Header().Set("Content-Length", strconv.FormatInt(*response.ContentLength, 10))
	}
	if response.ETag != "" {
		w.Header().Set("ETag", response.ETag)
	}

	status := http.StatusOK
	if response.ContentRange != "" {
		w.Header().Set("Content-Range", response.ContentRange)
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	metrics.Metrics.HLSRequestDurationSec.WithLabelValues(kind, strconv.Itoa(status)).Observe(time.Since(start).Seconds())

	if req.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, response.Body); err != nil {
		log.LogNoJobID("failed to stream playback response", "err", err, "file", file)
	}
}

func (p *PlaybackHandler) handleError(err error, req *http.Request, w http.ResponseWriter) {
	log.LogNoJobID("error in playback handler", "err", err, "url", req.URL.String())
	switch {
	case clients.IsNotFound(err):
		xerrors.WriteHTTPNotFound(w, "not found", nil)
	case goerrors.Is(err, context.Canceled):
		// client went away, nothing to write
	default:
		xerrors.WriteHTTPBadGateway(w, "upstream error", nil)
	}
}

// splitPlaybackPath splits "prefix/master.m3u8", "prefix/{tag}/playlist.m3u8"
// and "prefix/{tag}/{segment}.ts" into prefix and file. The prefix may span
// several path components.
func splitPlaybackPath(file string) (playback.Request, bool) {
	parts := strings.Split(file, "/")
	switch {
	case len(parts) >= 2 && parts[len(parts)-1] == "master.m3u8":
		return playback.Request{
			OutputPrefix: strings.Join(parts[:len(parts)-1], "/"),
			File:         "master.m3u8",
		}, true
	case len(parts) >= 3 && parts[len(parts)-1] == "playlist.m3u8":
		return playback.Request{
			OutputPrefix: strings.Join(parts[:len(parts)-2], "/"),
			File:         strings.Join(parts[len(parts)-2:], "/"),
		}, true
	case len(parts) >= 3 && strings.HasSuffix(parts[len(parts)-1], ".ts"):
		return playback.Request{
			OutputPrefix: strings.Join(parts[:len(parts)-2], "/"),
			File:         strings.Join(parts[len(parts)-2:], "/"),
		}, true
	}
	return playback.Request{}, false
}
