package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/PCThomas7/video-transcoder/config"
	"github.com/PCThomas7/video-transcoder/queue"
	"github.com/PCThomas7/video-transcoder/store"
)

// ObjectUploader is the slice of the object store client the admission
// handler needs.
type ObjectUploader interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

type TranscoderAPIHandlersCollection struct {
	Cli         config.Cli
	Jobs        *store.JobStore
	Scheduler   *queue.Scheduler
	ObjectStore ObjectUploader
}

func (d *TranscoderAPIHandlersCollection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		io.WriteString(w, "OK")
	}
}
