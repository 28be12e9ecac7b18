package runhistory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rs/zerolog"
)

type fakeUploader struct {
	uploaded map[string][]byte
	failKeys map[string]bool
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{uploaded: map[string][]byte{}, failKeys: map[string]bool{}}
}

func (f *fakeUploader) Upload(ctx context.Context, key string, body []byte) error {
	if f.failKeys[key] {
		return assert.AnError
	}
	f.uploaded[key] = body
	return nil
}

func TestArchiveAndDelete_UploadsThenDeletesOldTerminalRuns(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	old := now.AddDate(0, 0, -120)
	recent := now.AddDate(0, 0, -10)

	require.NoError(t, repo.CreateRun(ctx, BatchRun{ID: "old-run", Source: SourceScheduler, Scope: "universe", StartedAt: old, Status: StatusRunning}))
	require.NoError(t, repo.CompleteRun(ctx, "old-run", StatusCompleted, "", "{}", old.Add(time.Minute)))
	require.NoError(t, repo.RecordProgress(ctx, ProgressRow{
		RunID: "old-run", PortfolioID: "p1", AsOfDate: old, Engine: "PortfolioSnapshot",
		Status: ProgressCommitted, CommittedAt: old.Add(time.Second),
	}))

	require.NoError(t, repo.CreateRun(ctx, BatchRun{ID: "recent-run", Source: SourceScheduler, Scope: "universe", StartedAt: recent, Status: StatusRunning}))
	require.NoError(t, repo.CompleteRun(ctx, "recent-run", StatusCompleted, "", "{}", recent.Add(time.Minute)))

	uploader := newFakeUploader()
	svc := NewArchiveService(repo, uploader, 90, zerolog.Nop())

	archived, err := svc.ArchiveAndDelete(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	body, ok := uploader.uploaded["batch-run-archive/old-run.json"]
	require.True(t, ok)
	var payload archivedRun
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "old-run", payload.Run.ID)
	require.Len(t, payload.Progress, 1)

	remaining, err := repo.RunsOlderThan(ctx, now)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "recent-run", remaining[0].ID)
}

func TestArchiveAndDelete_KeepsRowOnUploadFailure(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -120)

	require.NoError(t, repo.CreateRun(ctx, BatchRun{ID: "old-run", Source: SourceScheduler, Scope: "universe", StartedAt: old, Status: StatusRunning}))
	require.NoError(t, repo.CompleteRun(ctx, "old-run", StatusCompleted, "", "{}", old.Add(time.Minute)))

	uploader := newFakeUploader()
	uploader.failKeys["batch-run-archive/old-run.json"] = true
	svc := NewArchiveService(repo, uploader, 90, zerolog.Nop())

	archived, err := svc.ArchiveAndDelete(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, archived)

	remaining, err := repo.RunsOlderThan(ctx, now)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestArchiveAndDelete_NilUploaderStillDeletes(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -120)

	require.NoError(t, repo.CreateRun(ctx, BatchRun{ID: "old-run", Source: SourceScheduler, Scope: "universe", StartedAt: old, Status: StatusRunning}))
	require.NoError(t, repo.CompleteRun(ctx, "old-run", StatusCompleted, "", "{}", old.Add(time.Minute)))

	svc := NewArchiveService(repo, nil, 90, zerolog.Nop())

	archived, err := svc.ArchiveAndDelete(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	remaining, err := repo.RunsOlderThan(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
