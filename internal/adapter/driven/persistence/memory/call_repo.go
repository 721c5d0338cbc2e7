package memory

import (
	"context"
	"sync"

	"github.com/voxgate/bridge/internal/core/domain"
)

const maxRecords = 200

// CallRecordRepository keeps recent call records in memory, newest first.
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
	if len(r.records) > maxRecords {
		r.records = r.records[len(r.records)-maxRecords:]
	}
	return nil
}

func (r *CallRecordRepository) Recent(ctx context.Context, limit int) ([]domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.records) {
		limit = len(r.records)
	}
	out := make([]domain.CallRecord, 0, limit)
	for i := len(r.records) - 1; i >= len(r.records)-limit; i-- {
		out = append(out, r.records[i])
	}
	return out, nil
}
