package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type CallRecordRepository struct {
	mu      sync.Mutex
	records []domain.CallRecord
}

func NewCallRecordRepository() *CallRecordRepository {
	return &CallRecordRepository{
		records: make([]domain.CallRecord, 0),
	}
}

func (r *CallRecordRepository) Save(ctx context.Context, rec domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *CallRecordRepository) Get(ctx context.Context, local domain.UserID, id domain.RecordID) (domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id && rec.LocalUserID == local {
			return rec, nil
		}
	}
	return domain.CallRecord{}, domain.ErrNotFound
}

func (r *CallRecordRepository) List(ctx context.Context, local domain.UserID, limit int) ([]domain.CallRecord, error) {
	r.mu.Lock()
	out := make([]domain.CallRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.LocalUserID == local {
			out = append(out, rec)
		}
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
