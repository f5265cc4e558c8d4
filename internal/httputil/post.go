package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/petrf99/grfp-tech-utils/internal/monitoring"
	"github.com/petrf99/grfp-tech-utils/internal/timeutil"
)

// PostOptions controls PostJSON retry behaviour.
type PostOptions struct {
	// Retries is the number of attempts; defaults to 3.
	Retries int
	// RetryDelay is the pause between attempts; defaults to 1s.
	RetryDelay time.Duration
	// Client defaults to the standard client.
	Client HTTPClient
	// Clock defaults to the real clock.
	Clock timeutil.Clock
}

// PostJSON POSTs the payload as JSON and retries until a response arrives
// with HTTP 200 and a body whose "status" field is "ok". The decoded
// response body is returned on success. The context cancels waiting between
// attempts; description only labels log lines.
func PostJSON(ctx context.Context, url string, payload any, description string, opts PostOptions) (map[string]any, error) {
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Client == nil {
		opts.Client = NewStandardClient(nil)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal payload: %w", description, err)
	}

	monitoring.Infof("%s: POST %s", description, url)
	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := postOnce(ctx, opts.Client, url, body)
		if err == nil {
			monitoring.Infof("%s: success", description)
			return data, nil
		}
		lastErr = err
		monitoring.Warnf("%s: attempt %d/%d failed: %v", description, attempt, opts.Retries, err)

		if attempt < opts.Retries {
			opts.Clock.Sleep(opts.RetryDelay)
		}
	}
	return nil, fmt.Errorf("%s: all %d attempts failed: %w", description, opts.Retries, lastErr)
}

func postOnce(ctx context.Context, client HTTPClient, url string, body []byte) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		reason, _ := data["reason"].(string)
		if reason == "" {
			reason = "unknown error"
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, reason)
	}
	if status, _ := data["status"].(string); status != "ok" {
		return nil, fmt.Errorf("server status %q", status)
	}
	return data, nil
}
