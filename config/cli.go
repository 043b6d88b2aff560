package config

type Cli struct {
	Mode        string
	HTTPAddress string

	// Object store connection
	StoreEndpoint       string
	StoreRegion         string
	StoreAccessKey      string
	StoreSecretKey      string
	StoreBucket         string
	StoreForcePathStyle bool
	StoreUseSSL         bool

	// Backends
	RedisURL              string
	JobDBConnectionString string

	// Worker
	FastConcurrency       int
	BackgroundConcurrency int
	APIBaseURL            string
	TempRoot              string

	// Webhook notification, optional
	WebhookURL    string
	WebhookSecret string
}

func (cli Cli) IsApiMode() bool {
	return cli.Mode == "all" || cli.Mode == "api"
}

func (cli Cli) IsWorkerMode() bool {
	return cli.Mode == "all" || cli.Mode == "worker"
}
