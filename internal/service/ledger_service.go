package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"economy-api/internal/cache"
	"economy-api/internal/models"
	"economy-api/internal/monitoring"
	"economy-api/internal/repository"
)

// LedgerService is the only writer of currency balances. Every mutation is a
// single atomic statement paired with an append-only audit entry, applied
// inside one MongoDB transaction.
type LedgerService interface {
	Credit(ctx context.Context, req *CreditRequest) (*models.LedgerEntry, error)
	Debit(ctx context.Context, req *DebitRequest) (*models.LedgerEntry, error)
	GetBalance(ctx context.Context, userID int64, currencyID string) (int64, error)
	TransferBatch(ctx context.Context, legs []models.TransferLeg, reason models.LedgerReason, referenceID string) ([]*models.LedgerEntry, error)
	ListBalances(ctx context.Context, userID int64) ([]*models.Balance, error)
	ListEntries(ctx context.Context, userID int64, currencyID string, limit, offset int) ([]*models.LedgerEntry, error)
}

// CreditRequest increases a balance. The idempotency key is optional; a
// repeated key returns the originally appended entry.
type CreditRequest struct {
	UserID         int64               `json:"user_id"`
	CurrencyID     string              `json:"currency_id"`
	Amount         int64               `json:"amount"`
	Reason         models.LedgerReason `json:"reason"`
	ReferenceID    string              `json:"reference_id"`
	IdempotencyKey string              `json:"idempotency_key"`
}

// DebitRequest decreases a balance; rejected whole when funds are short.
type DebitRequest struct {
	UserID         int64               `json:"user_id"`
	CurrencyID     string              `json:"currency_id"`
	Amount         int64               `json:"amount"`
	Reason         models.LedgerReason `json:"reason"`
	ReferenceID    string              `json:"reference_id"`
	IdempotencyKey string              `json:"idempotency_key"`
}

type ledgerService struct {
	balanceRepo     repository.BalanceRepository
	ledgerRepo      repository.LedgerRepository
	idempotencyRepo repository.IdempotencyRepository
	txnRunner       repository.TxnRunner
	balanceCache    cache.BalanceCache
	idempotencyTTL  time.Duration
}

func NewLedgerService(
	balanceRepo repository.BalanceRepository,
	ledgerRepo repository.LedgerRepository,
	idempotencyRepo repository.IdempotencyRepository,
	txnRunner repository.TxnRunner,
	balanceCache cache.BalanceCache,
	idempotencyTTL time.Duration,
) LedgerService {
	return &ledgerService{
		balanceRepo:     balanceRepo,
		ledgerRepo:      ledgerRepo,
		idempotencyRepo: idempotencyRepo,
		txnRunner:       txnRunner,
		balanceCache:    balanceCache,
		idempotencyTTL:  idempotencyTTL,
	}
}

func (s *ledgerService) Credit(ctx context.Context, req *CreditRequest) (*models.LedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: credit amount must be positive, got %d", models.ErrInvalidAmount, req.Amount)
	}
	if !req.Reason.Valid() {
		return nil, fmt.Errorf("%w: unknown reason %q", models.ErrInvalidAmount, req.Reason)
	}

	if req.IdempotencyKey != "" {
		var cached models.LedgerEntry
		if found, err := s.idempotencyRepo.GetResult(ctx, req.IdempotencyKey, &cached); err == nil && found {
			return &cached, nil
		}
	}

	var entry *models.LedgerEntry
	err := s.txnRunner.WithTransaction(ctx, func(sc mongo.SessionContext) error {
		resulting, err := s.balanceRepo.ApplyCredit(sc, req.UserID, req.CurrencyID, req.Amount)
		if err != nil {
			return err
		}
		entry = models.NewLedgerEntry(req.UserID, req.CurrencyID, req.Amount, resulting, req.Reason, req.ReferenceID)
		return s.ledgerRepo.Append(sc, entry)
	})
	if err != nil {
		return nil, err
	}

	s.afterBalanceMutation(ctx, req.UserID, req.CurrencyID, entry)
	if req.IdempotencyKey != "" {
		if err := s.idempotencyRepo.SetResult(ctx, req.IdempotencyKey, entry, s.idempotencyTTL); err != nil {
			logrus.WithError(err).Warn("Failed to store idempotency result for credit")
		}
	}
	monitoring.LedgerOperations.WithLabelValues("credit").Inc()
	return entry, nil
}

func (s *ledgerService) Debit(ctx context.Context, req *DebitRequest) (*models.LedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: debit amount must be positive, got %d", models.ErrInvalidAmount, req.Amount)
	}
	if !req.Reason.Valid() {
		return nil, fmt.Errorf("%w: unknown reason %q", models.ErrInvalidAmount, req.Reason)
	}

	if req.IdempotencyKey != "" {
		var cached models.LedgerEntry
		if found, err := s.idempotencyRepo.GetResult(ctx, req.IdempotencyKey, &cached); err == nil && found {
			return &cached, nil
		}
	}

	var entry *models.LedgerEntry
	err := s.txnRunner.WithTransaction(ctx, func(sc mongo.SessionContext) error {
		resulting, err := s.balanceRepo.ApplyDebit(sc, req.UserID, req.CurrencyID, req.Amount)
		if err != nil {
			if errors.Is(err, models.ErrInsufficientFunds) {
				return fmt.Errorf("%w: user %d has less than %d of %s", models.ErrInsufficientFunds, req.UserID, req.Amount, req.CurrencyID)
			}
			return err
		}
		entry = models.NewLedgerEntry(req.UserID, req.CurrencyID, -req.Amount, resulting, req.Reason, req.ReferenceID)
		return s.ledgerRepo.Append(sc, entry)
	})
	if err != nil {
		return nil, err
	}

	s.afterBalanceMutation(ctx, req.UserID, req.CurrencyID, entry)
	if req.IdempotencyKey != "" {
		if err := s.idempotencyRepo.SetResult(ctx, req.IdempotencyKey, entry, s.idempotencyTTL); err != nil {
			logrus.WithError(err).Warn("Failed to store idempotency result for debit")
		}
	}
	monitoring.LedgerOperations.WithLabelValues("debit").Inc()
	return entry, nil
}

func (s *ledgerService) GetBalance(ctx context.Context, userID int64, currencyID string) (int64, error) {
	if amount, found, err := s.balanceCache.Get(ctx, userID, currencyID); err == nil && found {
		return amount, nil
	}

	amount, err := s.balanceRepo.GetAmount(ctx, userID, currencyID)
	if err != nil {
		return 0, err
	}
	if err := s.balanceCache.Set(ctx, userID, currencyID, amount); err != nil {
		logrus.WithError(err).Debug("Failed to cache balance")
	}
	return amount, nil
}

// TransferBatch applies every leg or none. Each debit's sufficiency is
// re-validated by the update filter at the moment of application, not at
// validation time, so a concurrent spend aborts the whole batch.
func (s *ledgerService) TransferBatch(ctx context.Context, legs []models.TransferLeg, reason models.LedgerReason, referenceID string) ([]*models.LedgerEntry, error) {
	if len(legs) == 0 {
		return nil, fmt.Errorf("%w: empty transfer batch", models.ErrInvalidAmount)
	}
	for _, leg := range legs {
		if leg.Amount <= 0 {
			return nil, fmt.Errorf("%w: %s", models.ErrInvalidAmount, leg.Describe())
		}
		if leg.FromUserID == leg.ToUserID {
			return nil, fmt.Errorf("%w: transfer to self (%s)", models.ErrInvalidAmount, leg.Describe())
		}
	}
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: unknown reason %q", models.ErrInvalidAmount, reason)
	}

	var entries []*models.LedgerEntry
	err := s.txnRunner.WithTransaction(ctx, func(sc mongo.SessionContext) error {
		var err error
		entries, err = ApplyTransferLegs(sc, s.balanceRepo, s.ledgerRepo, legs, reason, referenceID)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, leg := range legs {
		s.invalidateBalance(ctx, leg.FromUserID, leg.CurrencyID)
		s.invalidateBalance(ctx, leg.ToUserID, leg.CurrencyID)
	}
	monitoring.LedgerOperations.WithLabelValues("transfer_batch").Inc()
	return entries, nil
}

func (s *ledgerService) ListBalances(ctx context.Context, userID int64) ([]*models.Balance, error) {
	return s.balanceRepo.ListByUser(ctx, userID)
}

func (s *ledgerService) ListEntries(ctx context.Context, userID int64, currencyID string, limit, offset int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.ledgerRepo.ListByUserCurrency(ctx, userID, currencyID, limit, offset)
}

func (s *ledgerService) afterBalanceMutation(ctx context.Context, userID int64, currencyID string, entry *models.LedgerEntry) {
	s.invalidateBalance(ctx, userID, currencyID)
	logrus.WithFields(logrus.Fields{
		"entry_id":          entry.EntryID,
		"user_id":           userID,
		"currency_id":       currencyID,
		"delta":             entry.Delta,
		"resulting_balance": entry.ResultingBalance,
		"reason":            entry.Reason,
		"reference_id":      entry.ReferenceID,
	}).Info("Ledger entry appended")
}

func (s *ledgerService) invalidateBalance(ctx context.Context, userID int64, currencyID string) {
	if err := s.balanceCache.Invalidate(ctx, userID, currencyID); err != nil {
		logrus.WithError(err).Debug("Failed to invalidate balance cache")
	}
}

// ApplyTransferLegs applies debit/credit pairs and their audit entries inside
// an existing transaction. Shared between TransferBatch and trade settlement
// so both go through identical application rules.
func ApplyTransferLegs(
	sc mongo.SessionContext,
	balanceRepo repository.BalanceRepository,
	ledgerRepo repository.LedgerRepository,
	legs []models.TransferLeg,
	reason models.LedgerReason,
	referenceID string,
) ([]*models.LedgerEntry, error) {
	entries := make([]*models.LedgerEntry, 0, len(legs)*2)
	for _, leg := range legs {
		debited, err := balanceRepo.ApplyDebit(sc, leg.FromUserID, leg.CurrencyID, leg.Amount)
		if err != nil {
			if errors.Is(err, models.ErrInsufficientFunds) {
				return nil, fmt.Errorf("%w: %s", models.ErrInsufficientFunds, leg.Describe())
			}
			return nil, err
		}
		debitEntry := models.NewLedgerEntry(leg.FromUserID, leg.CurrencyID, -leg.Amount, debited, reason, referenceID)
		if err := ledgerRepo.Append(sc, debitEntry); err != nil {
			return nil, err
		}

		credited, err := balanceRepo.ApplyCredit(sc, leg.ToUserID, leg.CurrencyID, leg.Amount)
		if err != nil {
			return nil, err
		}
		creditEntry := models.NewLedgerEntry(leg.ToUserID, leg.CurrencyID, leg.Amount, credited, reason, referenceID)
		if err := ledgerRepo.Append(sc, creditEntry); err != nil {
			return nil, err
		}

		entries = append(entries, debitEntry, creditEntry)
	}
	return entries, nil
}
