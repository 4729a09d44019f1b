package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/datadrivensurveys/dds/internal/models"
)

// HTTPClient allows injecting mock HTTP clients for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// fetchClient wraps provider API calls with typed errors and bounded
// exponential retry on transient failures. Auth and malformed-response
// failures are permanent and surface immediately.
type fetchClient struct {
	http     HTTPClient
	maxTries uint
	log      *zap.SugaredLogger
}

func newFetchClient(httpc HTTPClient, maxTries uint, log *zap.SugaredLogger) *fetchClient {
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	if maxTries == 0 {
		maxTries = 4
	}
	return &fetchClient{http: httpc, maxTries: maxTries, log: log}
}

// getJSON issues an authorized GET and decodes the response into out.
func (c *fetchClient) getJSON(ctx context.Context, url, accessToken string, out any) error {
	op := func() (struct{}, error) {
		return struct{}{}, c.doOnce(ctx, url, accessToken, out)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	return err
}

func (c *fetchClient) doOnce(ctx context.Context, url, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(models.NewError(models.ErrorInvalid, err.Error()))
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		c.log.Warnw("provider request failed", "url", url, "error", err)
		return models.NewError(models.ErrorUnreachable, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return backoff.Permanent(models.NewError(models.ErrorTokenExpired, "provider rejected access token"))
	case resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(models.NewError(models.ErrorInsufficientScope, "missing scope for "+url))
	case resp.StatusCode == http.StatusTooManyRequests:
		c.log.Warnw("provider rate limited", "url", url)
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return backoff.RetryAfter(secs)
		}
		return models.NewError(models.ErrorRateLimited, "rate limited by provider")
	case resp.StatusCode >= 500:
		return models.NewError(models.ErrorUnreachable, fmt.Sprintf("provider returned %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return backoff.Permanent(models.NewError(models.ErrorMalformedResponse,
			fmt.Sprintf("unexpected status %s: %s", resp.Status, body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(models.NewError(models.ErrorMalformedResponse, err.Error()))
	}
	return nil
}
