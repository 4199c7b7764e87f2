package service

import (
	"context"

	"github.com/buba6c/onesms-v1-sub008/internal/ledger"
	"github.com/buba6c/onesms-v1-sub008/internal/model"
	"github.com/buba6c/onesms-v1-sub008/internal/repository"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AccountService is the read side of user accounts plus top-up. It never
// touches frozen funds; that is the ledger engine's job.
type AccountService struct {
	db            *gorm.DB
	userRepo      *repository.UserRepository
	operationRepo *repository.OperationRepository
	logger        zerolog.Logger
}

func NewAccountService(db *gorm.DB, logger zerolog.Logger) *AccountService {
	return &AccountService{
		db:            db,
		userRepo:      repository.NewUserRepository(db),
		operationRepo: repository.NewOperationRepository(db),
		logger:        logger.With().Str("component", "account").Logger(),
	}
}

func (s *AccountService) GetAccount(ctx context.Context, userID int64) (*model.User, error) {
	return s.userRepo.GetByID(ctx, userID)
}

// TopUp credits the available balance. Called by payment webhooks after a
// confirmed deposit.
func (s *AccountService) TopUp(ctx context.Context, userID int64, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ledger.ErrInvalidAmount
	}

	if err := s.userRepo.Credit(ctx, nil, userID, amount); err != nil {
		return err
	}

	s.logger.Info().
		Int64("user_id", userID).
		Str("amount", amount.String()).
		Msg("balance topped up")

	return nil
}

func (s *AccountService) ListOperations(ctx context.Context, userID int64, page, pageSize int) ([]*model.BalanceOperation, int64, error) {
	return s.operationRepo.ListByUserID(ctx, userID, page, pageSize)
}
