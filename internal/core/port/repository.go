package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type CallRecordRepository interface {
	Save(ctx context.Context, rec domain.CallRecord) error
	// List returns the newest records for local first.
	List(ctx context.Context, local domain.UserID, limit int) ([]domain.CallRecord, error)
	// Get returns domain.ErrNotFound when local has no record with id.
	Get(ctx context.Context, local domain.UserID, id domain.RecordID) (domain.CallRecord, error)
}
