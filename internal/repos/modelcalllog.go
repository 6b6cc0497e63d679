package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/veridoc/prospectus-backend/internal/platform/logger"
	"github.com/veridoc/prospectus-backend/internal/types"
)

type ModelCallLogRepo interface {
	Create(ctx context.Context, tx *gorm.DB, entry *types.ModelCallLog) (*types.ModelCallLog, error)
}

type modelCallLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewModelCallLogRepo(db *gorm.DB, baseLog *logger.Logger) ModelCallLogRepo {
	return &modelCallLogRepo{db: db, log: baseLog.With("repo", "ModelCallLogRepo")}
}

func (r *modelCallLogRepo) Create(ctx context.Context, tx *gorm.DB, entry *types.ModelCallLog) (*types.ModelCallLog, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}
