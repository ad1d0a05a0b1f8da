// Package httpclient builds the retrying HTTP client used for calls to other
// services.
package httpclient

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// New returns a pooled client that retries connection errors and 5xx
// responses up to retries times. Each attempt is bounded by timeout.
func New(timeout time.Duration, retries int, logger *slog.Logger) *retryablehttp.Client {
	base := cleanhttp.DefaultPooledClient()
	base.Timeout = timeout

	client := retryablehttp.NewClient()
	client.HTTPClient = base
	client.RetryMax = retries
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Backoff = retryablehttp.LinearJitterBackoff
	client.CheckRetry = retryPolicy
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil
	if logger != nil {
		client.Logger = logger
	}
	return client
}

// retryPolicy is the default policy except that 404 is a definitive answer.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil && resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}
