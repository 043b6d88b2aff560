package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PCThomas7/video-transcoder/clients"
	"github.com/PCThomas7/video-transcoder/config"
	"github.com/PCThomas7/video-transcoder/handlers"
	"github.com/PCThomas7/video-transcoder/log"
	"github.com/PCThomas7/video-transcoder/middleware"
	"github.com/PCThomas7/video-transcoder/queue"
	"github.com/PCThomas7/video-transcoder/store"
)

func ListenAndServe(ctx context.Context, cli config.Cli, jobs *store.JobStore, scheduler *queue.Scheduler, objectStore *clients.ObjectStore) error {
	router := NewTranscoderAPIRouter(cli, jobs, scheduler, objectStore)
	server := http.Server{Addr: cli.HTTPAddress, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoJobID(
		"Starting video-transcoder API!",
		"version", config.Version,
		"host", cli.HTTPAddress,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewTranscoderAPIRouter(cli config.Cli, jobs *store.JobStore, scheduler *queue.Scheduler, objectStore *clients.ObjectStore) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest()
	withCORS := middleware.AllowCORS()

	apiHandlers := &handlers.TranscoderAPIHandlersCollection{
		Cli:         cli,
		Jobs:        jobs,
		Scheduler:   scheduler,
		ObjectStore: objectStore,
	}

	router.GET("/ok", withLogging(apiHandlers.Ok()))
	router.Handler("GET", "/metrics", promhttp.Handler())

	// Admission + job administration
	router.POST("/api/upload/v1/upload", withLogging(withCORS(apiHandlers.Upload())))
	router.GET("/api/upload/v1/jobs/:jobId/status", withLogging(withCORS(apiHandlers.JobStatus())))
	router.GET("/api/upload/v1/jobs", withLogging(withCORS(apiHandlers.ListJobs())))
	router.POST("/api/upload/v1/jobs/:jobId/retry", withLogging(withCORS(apiHandlers.RetryJob())))
	router.DELETE("/api/upload/v1/jobs/:jobId", withLogging(withCORS(apiHandlers.DeleteJob())))
	router.GET("/api/upload/v1/queue/stats", withLogging(withCORS(apiHandlers.QueueStats())))

	// HLS proxy
	hls := withCORS(handlers.NewPlaybackHandler(objectStore, cli.APIBaseURL).Handle)
	router.GET("/api/upload/hls/*file", hls)
	router.HEAD("/api/upload/hls/*file", hls)
	router.OPTIONS("/api/upload/hls/*file", hls)

	return router
}
