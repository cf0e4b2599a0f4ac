package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lupppig/backupx/internal/backup"
	"github.com/lupppig/backupx/internal/config"
	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifier_DefaultPayload(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PUT", r.Method)
		assert.Equal(t, "abc", r.Header.Get("X-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, "PUT", "", map[string]string{"X-Token": "abc"})
	err := n.Notify(context.Background(), Stats{
		Status:    StatusError,
		Operation: "Backup",
		Trigger:   "Steve",
		Error:     errors.New("disk full"),
	})
	require.NoError(t, err)

	assert.Equal(t, "error", got["status"])
	assert.Equal(t, "Steve", got["trigger"])
	assert.Equal(t, "disk full", got["error"])
}

func TestWebhookNotifier_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	assert.Error(t, NewWebhookNotifier(server.URL, "", "", nil).Notify(context.Background(), Stats{}))
}

func TestWebhookNotifier_TemplateAndDefaultMethod(t *testing.T) {
	var method, body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, " ", `{"msg":"{{.Status}}: {{.ErrorText}}"}`, nil)
	require.NoError(t, n.Notify(context.Background(), Stats{Status: StatusError, Error: errors.New("disk full")}))
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, `{"msg":"error: disk full"}`, body)
}

type countingNotifier struct {
	calls atomic.Int32
	err   error
	last  Stats
}

func (c *countingNotifier) Notify(_ context.Context, stats Stats) error {
	c.calls.Add(1)
	c.last = stats
	return c.err
}

func TestMultiNotifier_ContinuesAfterFailure(t *testing.T) {
	a := &countingNotifier{err: errors.New("boom")}
	b := &countingNotifier{}
	m := &MultiNotifier{Notifiers: []Notifier{a, b}}

	err := m.Notify(context.Background(), Stats{})
	assert.ErrorContains(t, err, "boom")
	assert.EqualValues(t, 1, a.calls.Load())
	assert.EqualValues(t, 1, b.calls.Load())
}

func TestBuildNotifier(t *testing.T) {
	assert.Nil(t, BuildNotifier(&config.Config{}))

	cfg := &config.Config{}
	cfg.Notifications.Slack.WebhookURL = "https://hooks.slack.com/services/x"
	assert.IsType(t, &SlackNotifier{}, BuildNotifier(cfg))

	cfg.Notifications.Webhooks = []config.WebhookConfig{{URL: "https://example.com"}, {URL: ""}}
	multi, ok := BuildNotifier(cfg).(*MultiNotifier)
	require.True(t, ok)
	assert.Len(t, multi.Notifiers, 2)
}

func TestObserver_ForwardsJobs(t *testing.T) {
	c := &countingNotifier{}
	o := NewObserver(c, nil)

	o.BackupFinished(&backup.Job{
		Trigger:    "scheduler",
		Comment:    "scheduled",
		OutputPath: "/srv/backupx/2024-03-09_10-15-30_scheduled.zip",
		Size:       42,
		Files:      3,
		Duration:   time.Second,
		Status:     backup.StatusSucceeded,
	})
	o.Close()

	assert.EqualValues(t, 1, c.calls.Load())
	assert.Equal(t, StatusSuccess, c.last.Status)
	assert.Equal(t, "2024-03-09_10-15-30_scheduled.zip", c.last.FileName)
	assert.Equal(t, int64(42), c.last.Size)

	o.BackupFinished(&backup.Job{Status: backup.StatusSucceeded})
	assert.EqualValues(t, 1, c.calls.Load())
}

func TestStatsFromJob_Outcomes(t *testing.T) {
	failed := StatsFromJob(&backup.Job{Status: backup.StatusFailed, Err: errors.New("nope")})
	assert.Equal(t, StatusError, failed.Status)
	assert.Empty(t, failed.FileName)
	assert.EqualError(t, failed.Error, "nope")

	interrupted := StatsFromJob(&backup.Job{Status: backup.StatusFailed, Err: apperrors.ErrInterrupted, Warnings: []string{"save-on not acknowledged"}})
	assert.Equal(t, StatusInterrupted, interrupted.Status)
	assert.Equal(t, []string{"save-on not acknowledged"}, interrupted.Warnings)
}

type blockingNotifier struct {
	release chan struct{}
	done    atomic.Bool
}

func (b *blockingNotifier) Notify(ctx context.Context, _ Stats) error {
	<-b.release
	b.done.Store(true)
	return nil
}

func TestObserver_DoesNotBlockBackup(t *testing.T) {
	n := &blockingNotifier{release: make(chan struct{})}
	o := NewObserver(n, nil)

	returned := make(chan struct{})
	go func() {
		o.BackupFinished(&backup.Job{Status: backup.StatusSucceeded})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("BackupFinished waited for the notifier")
	}

	close(n.release)
	o.Close()
	assert.True(t, n.done.Load())
}
