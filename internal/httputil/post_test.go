package httputil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrf99/grfp-tech-utils/internal/timeutil"
)

func TestPostJSON_SuccessFirstAttempt(t *testing.T) {
	client := NewMockHTTPClient().AddResponse(200, `{"status":"ok","session":"abc"}`)

	data, err := PostJSON(context.Background(), "http://server/start", map[string]string{"id": "1"}, "start session", PostOptions{
		Client: client,
		Clock:  timeutil.NewMockClock(time.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", data["session"])
	assert.Equal(t, 1, client.CallCount())
	assert.JSONEq(t, `{"id":"1"}`, client.Bodies[0])
	assert.Equal(t, "application/json", client.Requests[0].Header.Get("Content-Type"))
}

func TestPostJSON_RetriesTransportErrors(t *testing.T) {
	client := NewMockHTTPClient().
		AddErrorResponse(errors.New("connection refused")).
		AddResponse(200, `{"status":"ok"}`)
	clock := timeutil.NewMockClock(time.Now())

	_, err := PostJSON(context.Background(), "http://server/start", nil, "start", PostOptions{
		Client: client,
		Clock:  clock,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, client.CallCount())
	assert.Len(t, clock.Sleeps(), 1)
}

func TestPostJSON_RejectsNonOKStatus(t *testing.T) {
	client := NewMockHTTPClient().AddResponse(500, `{"reason":"db down"}`)

	_, err := PostJSON(context.Background(), "http://server/start", nil, "start", PostOptions{
		Retries: 2,
		Client:  client,
		Clock:   timeutil.NewMockClock(time.Now()),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, 2, client.CallCount())
}

func TestPostJSON_RejectsBadStatusField(t *testing.T) {
	client := NewMockHTTPClient().AddResponse(200, `{"status":"pending"}`)

	_, err := PostJSON(context.Background(), "http://server/start", nil, "start", PostOptions{
		Retries: 1,
		Client:  client,
		Clock:   timeutil.NewMockClock(time.Now()),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"pending"`)
}

func TestPostJSON_ContextCancellationStopsRetries(t *testing.T) {
	client := NewMockHTTPClient().AddErrorResponse(errors.New("unreachable"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := PostJSON(ctx, "http://server/start", nil, "start", PostOptions{
		Client: client,
		Clock:  timeutil.NewMockClock(time.Now()),
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, client.CallCount())
}
