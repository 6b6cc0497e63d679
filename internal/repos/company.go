package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/veridoc/prospectus-backend/internal/pkg/errs"
	"github.com/veridoc/prospectus-backend/internal/platform/logger"
	"github.com/veridoc/prospectus-backend/internal/types"
)

type CompanyRepo interface {
	Create(ctx context.Context, tx *gorm.DB, company *types.Company) (*types.Company, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Company, error)
	GetByRegistrationNumber(ctx context.Context, tx *gorm.DB, regNumber string) (*types.Company, error)
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type companyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCompanyRepo(db *gorm.DB, baseLog *logger.Logger) CompanyRepo {
	return &companyRepo{db: db, log: baseLog.With("repo", "CompanyRepo")}
}

func (r *companyRepo) Create(ctx context.Context, tx *gorm.DB, company *types.Company) (*types.Company, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(company).Error; err != nil {
		return nil, err
	}
	return company, nil
}

func (r *companyRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Company, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var company types.Company
	if err := transaction.WithContext(ctx).
		Where("id = ?", id).
		First(&company).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &company, nil
}

func (r *companyRepo) GetByRegistrationNumber(ctx context.Context, tx *gorm.DB, regNumber string) (*types.Company, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var company types.Company
	if err := transaction.WithContext(ctx).
		Where("registration_number = ?", regNumber).
		First(&company).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &company, nil
}

func (r *companyRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	// Pages and checklist items go with the company via FK cascade.
	return transaction.WithContext(ctx).
		Unscoped().
		Where("id = ?", id).
		Delete(&types.Company{}).Error
}
