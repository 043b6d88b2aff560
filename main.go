package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	_ "github.com/lib/pq"
	"github.com/peterbourgon/ff/v3"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/PCThomas7/video-transcoder/api"
	"github.com/PCThomas7/video-transcoder/clients"
	"github.com/PCThomas7/video-transcoder/config"
	"github.com/PCThomas7/video-transcoder/pipeline"
	"github.com/PCThomas7/video-transcoder/queue"
	"github.com/PCThomas7/video-transcoder/store"
	"github.com/PCThomas7/video-transcoder/video"
)

func main() {
	err := flag.Set("logtostderr", "true")
	if err != nil {
		glog.Fatal(err)
	}
	fs := flag.NewFlagSet("video-transcoder", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	fs.StringVar(&cli.Mode, "mode", "all", "Mode to run the application in. Options: all, api, worker")
	fs.StringVar(&cli.HTTPAddress, "http-addr", "0.0.0.0:8989", "Address to bind the HTTP server to")

	// object store parameters
	fs.StringVar(&cli.StoreEndpoint, "store-endpoint", "localhost:9000", "S3-compatible object store endpoint host:port")
	fs.StringVar(&cli.StoreRegion, "store-region", "us-east-1", "Object store region")
	fs.StringVar(&cli.StoreAccessKey, "store-access-key", "", "Object store access key")
	fs.StringVar(&cli.StoreSecretKey, "store-secret-key", "", "Object store secret key")
	fs.StringVar(&cli.StoreBucket, "store-bucket", "videos", "Bucket holding raw uploads and HLS outputs")
	fs.BoolVar(&cli.StoreForcePathStyle, "store-force-path-style", true, "Use path-style bucket addressing")
	fs.BoolVar(&cli.StoreUseSSL, "store-use-ssl", false, "Use TLS when talking to the object store")

	// backends
	fs.StringVar(&cli.RedisURL, "redis-url", "redis://127.0.0.1:6379/0", "Connection URL for the queue backend")
	fs.StringVar(&cli.JobDBConnectionString, "job-db-connection-string", "", "Connection string for the job store Postgres DB. Takes the form: host=X port=X user=X password=X dbname=X")

	// worker parameters
	fs.IntVar(&cli.FastConcurrency, "fast-concurrency", 1, "Number of fast lane workers in this process")
	fs.IntVar(&cli.BackgroundConcurrency, "background-concurrency", 1, "Number of background lane workers in this process")
	fs.StringVar(&cli.APIBaseURL, "api-base-url", "http://localhost:8989/api/upload", "Public base URL used when rewriting playlists and building status URLs")
	fs.StringVar(&cli.TempRoot, "temp-root", os.TempDir(), "Root directory for per-job scratch space")

	// webhook notification
	fs.StringVar(&cli.WebhookURL, "webhook-url", "", "URL to POST stage completion notifications to; empty disables them")
	fs.StringVar(&cli.WebhookSecret, "webhook-secret", "", "Shared secret included in webhook payloads")

	_ = fs.String("config", "", "config file (optional)")

	err = ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("VIDEO_TRANSCODER"),
	)
	if err != nil {
		glog.Fatalf("error parsing cli: %s", err)
	}
	if len(fs.Args()) > 0 {
		glog.Fatalf("unexpected extra arguments on command line: %v", fs.Args())
	}

	if *version {
		fmt.Printf("video-transcoder version: %s\n", config.Version)
		return
	}

	jobDB, err := sql.Open("postgres", cli.JobDBConnectionString)
	if err != nil {
		glog.Fatalf("Error creating postgres job store connection: %v", err)
	}
	jobDB.SetMaxOpenConns(4)
	jobDB.SetMaxIdleConns(4)
	jobs := store.NewJobStore(jobDB)
	if err := jobs.Migrate(context.Background()); err != nil {
		glog.Fatalf("Error migrating job store schema: %v", err)
	}

	redisOpts, err := redis.ParseURL(cli.RedisURL)
	if err != nil {
		glog.Fatalf("Error parsing redis URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)

	objectStore, err := clients.NewObjectStore(clients.ObjectStoreConfig{
		Endpoint:       cli.StoreEndpoint,
		Region:         cli.StoreRegion,
		AccessKey:      cli.StoreAccessKey,
		SecretKey:      cli.StoreSecretKey,
		Bucket:         cli.StoreBucket,
		ForcePathStyle: cli.StoreForcePathStyle,
		UseSSL:         cli.StoreUseSSL,
	})
	if err != nil {
		glog.Fatalf("Error creating object store client: %v", err)
	}

	scheduler := queue.NewScheduler(
		queue.New(rdb, queue.FastConfig),
		queue.New(rdb, queue.BackgroundConfig),
		jobs,
	)

	// Root context; cancelling it prompts every component to shut down cleanly
	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return handleSignals(ctx)
	})

	if cli.IsWorkerMode() {
		webhook := clients.NewWebhookClient(cli.WebhookURL, cli.WebhookSecret)
		coordinator := pipeline.NewCoordinator(scheduler, jobs, objectStore, video.NewTranscoder(), webhook, cli.APIBaseURL, cli.TempRoot)
		group.Go(func() error {
			return coordinator.Start(ctx, cli.FastConcurrency, cli.BackgroundConcurrency)
		})
	}

	if cli.IsApiMode() {
		group.Go(func() error {
			return api.ListenAndServe(ctx, cli, jobs, scheduler, objectStore)
		})
	}

	err = group.Wait()
	glog.Infof("Shutdown complete. Reason for shutdown: %s", err)
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			glog.Errorf("caught signal=%v, attempting clean shutdown", s)
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}
