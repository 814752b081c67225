package activity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approvalq/internal/db"
	"approvalq/internal/live"
	"approvalq/internal/migrate"
	"approvalq/internal/repo"
)

func newLog(t *testing.T, retention int) Log {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Log{
		Repo:      repo.Repo{DB: conn},
		Retention: retention,
		Hub:       live.NewHub(),
		Now:       func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func TestRecordPublishesAndKeepsNewest(t *testing.T) {
	l := newLog(t, 5)
	var seen []string
	_, err := l.Hub.Subscribe(live.Filter{Kinds: []live.Kind{live.KindActivity}}, func(ev live.Event) {
		seen = append(seen, ev.Activity.Target)
	})
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		_, err := l.Record(context.Background(), Login, "usr_1", fmt.Sprintf("t%d", i), "")
		require.NoError(t, err)
	}
	assert.Len(t, seen, 8)

	latest, err := l.Latest(context.Background(), repo.ActivityFilters{})
	require.NoError(t, err)
	require.Len(t, latest, 5)
	assert.Equal(t, "t7", latest[0].Target)
	assert.Equal(t, "t3", latest[4].Target)
	assert.Greater(t, latest[0].ID, latest[1].ID)
}

func TestConcurrentRecordsAllSurvive(t *testing.T) {
	l := newLog(t, 100)
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Record(context.Background(), SubmitRequest, fmt.Sprintf("usr_%d", i), "Card Request", "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	n, err := l.Repo.CountActivity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestAppendRequiresAction(t *testing.T) {
	l := newLog(t, 0)
	_, err := l.Record(context.Background(), "", "usr_1", "", "")
	assert.Error(t, err)
}
