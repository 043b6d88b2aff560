package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/PCThomas7/video-transcoder/log"
	"github.com/PCThomas7/video-transcoder/metrics"
)

// WebhookNotification is posted to the configured webhook once a stage of a
// correlated upload finishes transcoding. The secret lets the receiver
// authenticate us without a full auth handshake.
type WebhookNotification struct {
	CorrelationID string `json:"correlation_id"`
	JobID         string `json:"job_id"`
	Stage         string `json:"stage"`
	Status        string `json:"status"`
	HLSMasterURL  string `json:"hls_master_url,omitempty"`
	Secret        string `json:"secret,omitempty"`
}

type WebhookClient struct {
	url        string
	secret     string
	httpClient *http.Client
}

// NewWebhookClient returns a client for the given webhook URL; an empty URL
// disables notification entirely.
func NewWebhookClient(webhookURL, secret string) *WebhookClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2                          // Retry a maximum of this+1 times
	client.RetryWaitMin = 200 * time.Millisecond // Wait at least this long between retries
	client.RetryWaitMax = 1 * time.Second        // Wait at most this long between retries (exponential backoff)
	client.Logger = nil
	client.HTTPClient = &http.Client{
		Timeout: 10 * time.Second, // Give up on requests that take more than this long
	}

	return &WebhookClient{
		url:        webhookURL,
		secret:     secret,
		httpClient: client.StandardClient(),
	}
}

func (c *WebhookClient) Enabled() bool {
	return c != nil && c.url != ""
}

// Notify sends the notification. Failures are reported back to the caller
// for logging only; a lost webhook never fails its job.
func (c *WebhookClient) Notify(ctx context.Context, n WebhookNotification) error {
	if !c.Enabled() {
		return nil
	}
	n.Secret = c.secret

	j, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(j))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	host := hostOf(c.url)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.Metrics.WebhookNotification.FailureCount.WithLabelValues(host).Inc()
		return fmt.Errorf("failed to send webhook to %q: %w", log.RedactURL(c.url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.Metrics.WebhookNotification.FailureCount.WithLabelValues(host).Inc()
		return fmt.Errorf("failed to send webhook to %q. HTTP Code: %d", log.RedactURL(c.url), resp.StatusCode)
	}

	metrics.Metrics.WebhookNotification.RequestDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())
	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Host
}
