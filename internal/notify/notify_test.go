package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callscribe/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyPostsEvent(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, logger.NewNop())

	event := Event{
		JobID:     "job-1",
		Status:    "completed",
		Provider:  "primary",
		Score:     87.5,
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, n.Notify(context.Background(), event))

	assert.Equal(t, "job-1", received.JobID)
	assert.Equal(t, "completed", received.Status)
	assert.Equal(t, 87.5, received.Score)
}

func TestNotifyErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, logger.NewNop())

	err := n.Notify(context.Background(), Event{JobID: "job-1", Status: "failed"})
	assert.ErrorContains(t, err, "status 500")
}

func TestNotifyNoopWithoutURL(t *testing.T) {
	n := NewWebhookNotifier("", time.Second, logger.NewNop())
	assert.NoError(t, n.Notify(context.Background(), Event{JobID: "job-1"}))
}
