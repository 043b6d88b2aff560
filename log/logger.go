package log

import (
	"net/url"
	"os"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/patrickmn/go-cache"
)

// Loggers are built up per job: once a key/value pair is attached via
// AddContext it rides along on every later line for that job ID. A job's
// logger expires loggerTTL after it was created or last extended by
// AddContext (logging with it does not extend it), so long-lived processes
// don't accumulate loggers.
const loggerTTL = 6 * time.Hour

var loggers = cache.New(loggerTTL, 10*time.Minute)

// AddContext attaches key/value pairs to the job's logger for the rest of
// its lifetime.
func AddContext(jobID string, keyvals ...interface{}) {
	logger := kitlog.With(getLogger(jobID), redactKeyvals(keyvals...)...)

	if err := loggers.Replace(jobID, logger, loggerTTL); err != nil {
		_ = logger.Log("msg", "error replacing logger in cache: "+err.Error())
	}
}

func Log(jobID string, message string, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(jobID), "msg", message).Log(redactKeyvals(keyvals...)...)
}

// LogNoJobID is for code paths that run outside any job, startup and
// monitors mostly. Put enough context in the message itself.
func LogNoJobID(message string, keyvals ...interface{}) {
	_ = kitlog.With(newLogger(), "msg", message).Log(redactKeyvals(keyvals...)...)
}

func LogError(jobID string, message string, err error, keyvals ...interface{}) {
	logger := kitlog.With(getLogger(jobID), "msg", message, "err", err.Error())
	_ = logger.Log(redactKeyvals(keyvals...)...)
}

func getLogger(jobID string) kitlog.Logger {
	if logger, found := loggers.Get(jobID); found {
		return logger.(kitlog.Logger)
	}

	logger := kitlog.With(newLogger(), "job_id", jobID)
	if err := loggers.Add(jobID, logger, loggerTTL); err != nil {
		_ = logger.Log("msg", "error adding logger to cache", "job_id", jobID, "err", err.Error())
	}
	return logger
}

func newLogger() kitlog.Logger {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	return kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)
}

// Values that look like connection URLs get their userinfo stripped before
// they reach a log line; everything else passes through untouched.
func redactKeyvals(keyvals ...interface{}) []interface{} {
	var res []interface{}
	for i := 1; i < len(keyvals); i += 2 {
		res = append(res, keyvals[i-1])
		switch v := keyvals[i].(type) {
		case string:
			res = append(res, RedactURL(v))
		case url.URL:
			res = append(res, v.Redacted())
		case *url.URL:
			if v != nil {
				res = append(res, v.Redacted())
			}
		default:
			res = append(res, keyvals[i])
		}
	}
	return res
}

// RedactURL masks credentials embedded in http, s3, redis and postgres
// URLs. Non-URL strings come back unchanged.
func RedactURL(str string) string {
	lower := strings.ToLower(str)
	isURL := false
	for _, scheme := range []string{"http", "s3", "redis", "postgres"} {
		if strings.HasPrefix(lower, scheme) {
			isURL = true
			break
		}
	}
	if !isURL {
		return str
	}

	u, err := url.Parse(str)
	if err != nil {
		return "REDACTED"
	}
	return u.Redacted()
}
