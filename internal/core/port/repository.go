package port

import (
	"context"

	"github.com/voxgate/bridge/internal/core/domain"
)

type CallRecordRepository interface {
	Save(ctx context.Context, rec domain.CallRecord) error
	Recent(ctx context.Context, limit int) ([]domain.CallRecord, error)
}
