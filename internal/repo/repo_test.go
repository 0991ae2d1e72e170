package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvestline/internal/db"
	"harvestline/internal/domain"
	"harvestline/internal/migrate"
	"harvestline/internal/repo"
)

func newSQLiteRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Driver: "sqlite", Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	return repo.Repo{DB: conn, Dialect: dialect}
}

func exerciseActivityLifecycle(t *testing.T, r repo.Repo) {
	ctx := context.Background()
	created, err := r.InsertActivity(ctx, domain.Activity{Agent: "oai", Opts: `{"endpoint":"http://x"}`})
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	got, err := r.GetActivity(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "oai", got.Agent)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Nil(t, got.StartTime)
	assert.Nil(t, got.EndTime)
	assert.False(t, got.Ended())

	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	got.Status = domain.StatusFailed
	got.Error = "boom"
	got.StartTime = &start
	got.EndTime = &end
	require.NoError(t, r.UpdateActivityRun(ctx, got))

	again, err := r.GetActivity(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, again.Status)
	assert.Equal(t, "boom", again.Error)
	require.NotNil(t, again.StartTime)
	require.NotNil(t, again.EndTime)
	assert.True(t, again.StartTime.Equal(start))
	assert.True(t, again.EndTime.Equal(end))

	again.EndTime = nil
	again.Error = ""
	again.Status = domain.StatusRunning
	require.NoError(t, r.UpdateActivityRun(ctx, again))
	cleared, err := r.GetActivity(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, cleared.EndTime)
	assert.Empty(t, cleared.Error)

	_, err = r.GetActivity(ctx, created.ID+1000)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
	err = r.UpdateActivityRun(ctx, domain.Activity{ID: created.ID + 1000, Status: domain.StatusRunning})
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestActivityLifecycleSQLite(t *testing.T) {
	exerciseActivityLifecycle(t, newSQLiteRepo(t))
}

func TestListActivitiesFilters(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	for _, agent := range []string{"oai", "api", "oai", "mapper"} {
		_, err := r.InsertActivity(ctx, domain.Activity{Agent: agent, Opts: "{}"})
		require.NoError(t, err)
	}
	all, err := r.ListActivities(ctx, repo.ActivityFilters{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Greater(t, all[0].ID, all[3].ID)

	oai, err := r.ListActivities(ctx, repo.ActivityFilters{Agent: "oai"})
	require.NoError(t, err)
	assert.Len(t, oai, 2)

	page, err := r.ListActivities(ctx, repo.ActivityFilters{Limit: 2, BeforeID: all[0].ID})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[1].ID, page[0].ID)
}
