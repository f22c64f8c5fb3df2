package memory

import (
	"context"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallRecordRepositoryListsNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRecordRepository()
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Save(ctx, domain.CallRecord{ID: "a", LocalUserID: "me", EndedAt: base}))
	require.NoError(t, repo.Save(ctx, domain.CallRecord{ID: "b", LocalUserID: "someone-else", EndedAt: base.Add(time.Hour)}))
	require.NoError(t, repo.Save(ctx, domain.CallRecord{ID: "c", LocalUserID: "me", EndedAt: base.Add(2 * time.Hour)}))
	require.NoError(t, repo.Save(ctx, domain.CallRecord{ID: "d", LocalUserID: "me", EndedAt: base.Add(time.Minute)}))

	recs, err := repo.List(ctx, "me", 10)
	require.NoError(t, err)
	ids := make([]domain.RecordID, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []domain.RecordID{"c", "d", "a"}, ids)

	recs, err = repo.List(ctx, "me", 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.RecordID("c"), recs[0].ID)
}

func TestCallRecordRepositoryGet(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRecordRepository()
	require.NoError(t, repo.Save(ctx, domain.CallRecord{ID: "a", LocalUserID: "me", RemoteUserID: "bob"}))

	rec, err := repo.Get(ctx, "me", "a")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("bob"), rec.RemoteUserID)

	_, err = repo.Get(ctx, "someone-else", "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.Get(ctx, "me", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
