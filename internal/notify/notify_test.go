package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"approvalq/internal/activity"
	"approvalq/internal/config"
	"approvalq/internal/db"
	"approvalq/internal/domain"
	"approvalq/internal/migrate"
	"approvalq/internal/repo"
)

func TestHTTPNotifierPostsWelcome(t *testing.T) {
	var got welcomeMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := HTTPNotifier{URL: srv.URL, From: "noreply@bank.com"}
	require.NoError(t, n.SendWelcome(context.Background(), "new@bank.com", "Secret1!"))
	assert.Equal(t, "new@bank.com", got.UserEmail)
	assert.Equal(t, "Secret1!", got.Password)
	assert.Equal(t, "noreply@bank.com", got.From)
}

func TestHTTPNotifierReportsRelayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"relay down"}`))
	}))
	defer srv.Close()

	err := HTTPNotifier{URL: srv.URL}.SendWelcome(context.Background(), "a@b.com", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay down")
}

func TestFromConfig(t *testing.T) {
	_, ok := FromConfig(config.EmailConfig{}, zerolog.Nop()).(LogNotifier)
	assert.True(t, ok)
	_, ok = FromConfig(config.EmailConfig{URL: "http://relay"}, zerolog.Nop()).(HTTPNotifier)
	assert.True(t, ok)
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) SendWelcome(_ context.Context, email, secret string) error {
	return m.Called(email, secret).Error(0)
}

type memRecorder struct {
	mu      sync.Mutex
	entries []domain.ActivityEntry
}

func (m *memRecorder) Record(_ context.Context, action, actorID, target, details string) (domain.ActivityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := domain.ActivityEntry{Action: action, ActorID: actorID, Target: target, Details: details}
	m.entries = append(m.entries, e)
	return e, nil
}

func TestDispatcherRecordsOutcome(t *testing.T) {
	rec := &memRecorder{}
	n := &mockNotifier{}
	n.On("SendWelcome", "a@b.com", "pw").Return(nil).Once()
	n.On("SendWelcome", "c@d.com", "pw").Return(errors.New("boom")).Once()

	d := &Dispatcher{Notifier: n, Recorder: rec, Log: zerolog.Nop()}
	d.Welcome("admin", "a@b.com", "pw")
	d.Wait()
	d.Welcome("admin", "c@d.com", "pw")
	d.Close()
	n.AssertExpectations(t)

	require.Len(t, rec.entries, 2)
	assert.Equal(t, activity.NotifyUser, rec.entries[0].Action)
	assert.Equal(t, "a@b.com", rec.entries[0].Target)
	assert.Equal(t, activity.NotifyUserFailed, rec.entries[1].Action)
	assert.Contains(t, rec.entries[1].Details, "boom")
	assert.NotContains(t, rec.entries[1].Details, "pw")
}

func TestDispatcherDropsAfterClose(t *testing.T) {
	rec := &memRecorder{}
	n := &mockNotifier{}
	d := &Dispatcher{Notifier: n, Recorder: rec, Log: zerolog.Nop()}
	d.Close()
	d.Welcome("admin", "a@b.com", "pw")
	d.Wait()
	assert.Empty(t, rec.entries)
	n.AssertNotCalled(t, "SendWelcome", mock.Anything, mock.Anything)
}

type stallingNotifier struct{}

func (stallingNotifier) SendWelcome(ctx context.Context, _, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcherRecordsTimeoutInActivityLog(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	log := activity.Log{Repo: repo.Repo{DB: conn}}

	d := &Dispatcher{Notifier: stallingNotifier{}, Recorder: log, Log: zerolog.Nop(), Timeout: 20 * time.Millisecond}
	d.Welcome("admin", "slow@bank.com", "pw")
	d.Close()

	entries, err := log.Latest(context.Background(), repo.ActivityFilters{Action: activity.NotifyUserFailed})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "slow@bank.com", entries[0].Target)
	assert.Contains(t, entries[0].Details, "deadline exceeded")
}
