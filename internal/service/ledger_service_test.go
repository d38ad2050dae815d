package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.mongodb.org/mongo-driver/mongo"

	"economy-api/internal/models"
)

type MockBalanceRepository struct {
	mock.Mock
}

func (m *MockBalanceRepository) GetAmount(ctx context.Context, userID int64, currencyID string) (int64, error) {
	args := m.Called(ctx, userID, currencyID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockBalanceRepository) Get(ctx context.Context, userID int64, currencyID string) (*models.Balance, error) {
	args := m.Called(ctx, userID, currencyID)
	return args.Get(0).(*models.Balance), args.Error(1)
}

func (m *MockBalanceRepository) ApplyCredit(ctx context.Context, userID int64, currencyID string, amount int64) (int64, error) {
	args := m.Called(ctx, userID, currencyID, amount)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockBalanceRepository) ApplyDebit(ctx context.Context, userID int64, currencyID string, amount int64) (int64, error) {
	args := m.Called(ctx, userID, currencyID, amount)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockBalanceRepository) ListByUser(ctx context.Context, userID int64) ([]*models.Balance, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]*models.Balance), args.Error(1)
}

func (m *MockBalanceRepository) ListAll(ctx context.Context, limit, offset int) ([]*models.Balance, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]*models.Balance), args.Error(1)
}

func (m *MockBalanceRepository) CreateIndexes(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockLedgerRepository struct {
	mock.Mock
}

func (m *MockLedgerRepository) Append(ctx context.Context, entry *models.LedgerEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockLedgerRepository) GetByEntryID(ctx context.Context, entryID string) (*models.LedgerEntry, error) {
	args := m.Called(ctx, entryID)
	return args.Get(0).(*models.LedgerEntry), args.Error(1)
}

func (m *MockLedgerRepository) ListByUserCurrency(ctx context.Context, userID int64, currencyID string, limit, offset int) ([]*models.LedgerEntry, error) {
	args := m.Called(ctx, userID, currencyID, limit, offset)
	return args.Get(0).([]*models.LedgerEntry), args.Error(1)
}

func (m *MockLedgerRepository) ListByReference(ctx context.Context, referenceID string) ([]*models.LedgerEntry, error) {
	args := m.Called(ctx, referenceID)
	return args.Get(0).([]*models.LedgerEntry), args.Error(1)
}

func (m *MockLedgerRepository) SumDeltas(ctx context.Context, userID int64, currencyID string) (int64, error) {
	args := m.Called(ctx, userID, currencyID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLedgerRepository) CreateIndexes(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockIdempotencyRepository struct {
	mock.Mock
}

func (m *MockIdempotencyRepository) SetResult(ctx context.Context, key string, result interface{}, ttl time.Duration) error {
	args := m.Called(ctx, key, result, ttl)
	return args.Error(0)
}

func (m *MockIdempotencyRepository) GetResult(ctx context.Context, key string, out interface{}) (bool, error) {
	args := m.Called(ctx, key, out)
	if entry, ok := args.Get(2).(*models.LedgerEntry); ok && entry != nil {
		*(out.(*models.LedgerEntry)) = *entry
	}
	return args.Bool(0), args.Error(1)
}

func (m *MockIdempotencyRepository) DeleteKey(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

// fakeTxnRunner runs the callback without a live session. The repositories
// under mock only use the session context as a plain context.
type fakeTxnRunner struct {
	err error
}

func (f *fakeTxnRunner) WithTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(mongo.NewSessionContext(ctx, nil))
}

// stubBalanceCache always misses and records invalidations.
type stubBalanceCache struct {
	invalidated []string
}

func (s *stubBalanceCache) Get(ctx context.Context, userID int64, currencyID string) (int64, bool, error) {
	return 0, false, nil
}

func (s *stubBalanceCache) Set(ctx context.Context, userID int64, currencyID string, amount int64) error {
	return nil
}

func (s *stubBalanceCache) Invalidate(ctx context.Context, userID int64, currencyID string) error {
	s.invalidated = append(s.invalidated, currencyID)
	return nil
}

func newTestLedgerService(balanceRepo *MockBalanceRepository, ledgerRepo *MockLedgerRepository, idemRepo *MockIdempotencyRepository) LedgerService {
	return NewLedgerService(balanceRepo, ledgerRepo, idemRepo, &fakeTxnRunner{}, &stubBalanceCache{}, time.Hour)
}

func TestLedgerService_Credit(t *testing.T) {
	tests := []struct {
		name        string
		request     *CreditRequest
		setupMocks  func(*MockBalanceRepository, *MockLedgerRepository, *MockIdempotencyRepository)
		expectError error
		checkEntry  func(*testing.T, *models.LedgerEntry)
	}{
		{
			name: "successful credit appends an audit entry",
			request: &CreditRequest{
				UserID:     42,
				CurrencyID: "gold",
				Amount:     500,
				Reason:     models.ReasonPurchase,
			},
			setupMocks: func(br *MockBalanceRepository, lr *MockLedgerRepository, ir *MockIdempotencyRepository) {
				br.On("ApplyCredit", mock.Anything, int64(42), "gold", int64(500)).Return(int64(1500), nil)
				lr.On("Append", mock.Anything, mock.AnythingOfType("*models.LedgerEntry")).Return(nil)
			},
			checkEntry: func(t *testing.T, entry *models.LedgerEntry) {
				assert.Equal(t, int64(500), entry.Delta)
				assert.Equal(t, int64(1500), entry.ResultingBalance)
				assert.Equal(t, models.ReasonPurchase, entry.Reason)
			},
		},
		{
			name: "zero amount rejected",
			request: &CreditRequest{
				UserID:     42,
				CurrencyID: "gold",
				Amount:     0,
				Reason:     models.ReasonPurchase,
			},
			setupMocks:  func(br *MockBalanceRepository, lr *MockLedgerRepository, ir *MockIdempotencyRepository) {},
			expectError: models.ErrInvalidAmount,
		},
		{
			name: "unknown reason rejected",
			request: &CreditRequest{
				UserID:     42,
				CurrencyID: "gold",
				Amount:     100,
				Reason:     models.LedgerReason("mystery"),
			},
			setupMocks:  func(br *MockBalanceRepository, lr *MockLedgerRepository, ir *MockIdempotencyRepository) {},
			expectError: models.ErrInvalidAmount,
		},
		{
			name: "repeated idempotency key returns the original entry",
			request: &CreditRequest{
				UserID:         42,
				CurrencyID:     "gold",
				Amount:         500,
				Reason:         models.ReasonPurchase,
				IdempotencyKey: "purchase-abc",
			},
			setupMocks: func(br *MockBalanceRepository, lr *MockLedgerRepository, ir *MockIdempotencyRepository) {
				cached := models.NewLedgerEntry(42, "gold", 500, 1500, models.ReasonPurchase, "")
				ir.On("GetResult", mock.Anything, "purchase-abc", mock.Anything).Return(true, nil, cached)
			},
			checkEntry: func(t *testing.T, entry *models.LedgerEntry) {
				assert.Equal(t, int64(1500), entry.ResultingBalance)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			balanceRepo := &MockBalanceRepository{}
			ledgerRepo := &MockLedgerRepository{}
			idemRepo := &MockIdempotencyRepository{}
			tt.setupMocks(balanceRepo, ledgerRepo, idemRepo)

			svc := newTestLedgerService(balanceRepo, ledgerRepo, idemRepo)
			entry, err := svc.Credit(context.Background(), tt.request)

			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				assert.Nil(t, entry)
			} else {
				assert.NoError(t, err)
				if tt.checkEntry != nil {
					tt.checkEntry(t, entry)
				}
			}
			balanceRepo.AssertExpectations(t)
			ledgerRepo.AssertExpectations(t)
		})
	}
}

func TestLedgerService_Debit(t *testing.T) {
	t.Run("successful debit records a negative delta", func(t *testing.T) {
		balanceRepo := &MockBalanceRepository{}
		ledgerRepo := &MockLedgerRepository{}
		balanceRepo.On("ApplyDebit", mock.Anything, int64(42), "gold", int64(300)).Return(int64(700), nil)
		ledgerRepo.On("Append", mock.Anything, mock.AnythingOfType("*models.LedgerEntry")).Return(nil)

		svc := newTestLedgerService(balanceRepo, ledgerRepo, &MockIdempotencyRepository{})
		entry, err := svc.Debit(context.Background(), &DebitRequest{
			UserID:     42,
			CurrencyID: "gold",
			Amount:     300,
			Reason:     models.ReasonConsumableEffect,
		})

		assert.NoError(t, err)
		assert.Equal(t, int64(-300), entry.Delta)
		assert.Equal(t, int64(700), entry.ResultingBalance)
		balanceRepo.AssertExpectations(t)
		ledgerRepo.AssertExpectations(t)
	})

	t.Run("insufficient funds leaves the ledger untouched", func(t *testing.T) {
		balanceRepo := &MockBalanceRepository{}
		ledgerRepo := &MockLedgerRepository{}
		balanceRepo.On("ApplyDebit", mock.Anything, int64(42), "gold", int64(5000)).
			Return(int64(0), models.ErrInsufficientFunds)

		svc := newTestLedgerService(balanceRepo, ledgerRepo, &MockIdempotencyRepository{})
		entry, err := svc.Debit(context.Background(), &DebitRequest{
			UserID:     42,
			CurrencyID: "gold",
			Amount:     5000,
			Reason:     models.ReasonPurchase,
		})

		assert.ErrorIs(t, err, models.ErrInsufficientFunds)
		assert.Nil(t, entry)
		ledgerRepo.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
	})

	t.Run("negative amount rejected before any write", func(t *testing.T) {
		balanceRepo := &MockBalanceRepository{}
		svc := newTestLedgerService(balanceRepo, &MockLedgerRepository{}, &MockIdempotencyRepository{})

		_, err := svc.Debit(context.Background(), &DebitRequest{
			UserID:     42,
			CurrencyID: "gold",
			Amount:     -10,
			Reason:     models.ReasonPurchase,
		})

		assert.ErrorIs(t, err, models.ErrInvalidAmount)
		balanceRepo.AssertNotCalled(t, "ApplyDebit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestLedgerService_TransferBatch(t *testing.T) {
	legs := []models.TransferLeg{
		{FromUserID: 1, ToUserID: 2, CurrencyID: "gold", Amount: 100},
		{FromUserID: 2, ToUserID: 1, CurrencyID: "gems", Amount: 5},
	}

	t.Run("all legs apply with paired entries", func(t *testing.T) {
		balanceRepo := &MockBalanceRepository{}
		ledgerRepo := &MockLedgerRepository{}
		balanceRepo.On("ApplyDebit", mock.Anything, int64(1), "gold", int64(100)).Return(int64(900), nil)
		balanceRepo.On("ApplyCredit", mock.Anything, int64(2), "gold", int64(100)).Return(int64(100), nil)
		balanceRepo.On("ApplyDebit", mock.Anything, int64(2), "gems", int64(5)).Return(int64(15), nil)
		balanceRepo.On("ApplyCredit", mock.Anything, int64(1), "gems", int64(5)).Return(int64(5), nil)
		ledgerRepo.On("Append", mock.Anything, mock.AnythingOfType("*models.LedgerEntry")).Return(nil).Times(4)

		svc := newTestLedgerService(balanceRepo, ledgerRepo, &MockIdempotencyRepository{})
		entries, err := svc.TransferBatch(context.Background(), legs, models.ReasonTrade, "TRD-1")

		assert.NoError(t, err)
		assert.Len(t, entries, 4)
		assert.Equal(t, int64(-100), entries[0].Delta)
		assert.Equal(t, int64(100), entries[1].Delta)
		balanceRepo.AssertExpectations(t)
		ledgerRepo.AssertExpectations(t)
	})

	t.Run("short second leg aborts the whole batch", func(t *testing.T) {
		balanceRepo := &MockBalanceRepository{}
		ledgerRepo := &MockLedgerRepository{}
		balanceRepo.On("ApplyDebit", mock.Anything, int64(1), "gold", int64(100)).Return(int64(900), nil)
		balanceRepo.On("ApplyCredit", mock.Anything, int64(2), "gold", int64(100)).Return(int64(100), nil)
		balanceRepo.On("ApplyDebit", mock.Anything, int64(2), "gems", int64(5)).
			Return(int64(0), models.ErrInsufficientFunds)
		ledgerRepo.On("Append", mock.Anything, mock.AnythingOfType("*models.LedgerEntry")).Return(nil)

		svc := newTestLedgerService(balanceRepo, ledgerRepo, &MockIdempotencyRepository{})
		entries, err := svc.TransferBatch(context.Background(), legs, models.ReasonTrade, "TRD-1")

		assert.ErrorIs(t, err, models.ErrInsufficientFunds)
		assert.Nil(t, entries)
	})

	t.Run("self transfer rejected", func(t *testing.T) {
		svc := newTestLedgerService(&MockBalanceRepository{}, &MockLedgerRepository{}, &MockIdempotencyRepository{})

		_, err := svc.TransferBatch(context.Background(), []models.TransferLeg{
			{FromUserID: 1, ToUserID: 1, CurrencyID: "gold", Amount: 100},
		}, models.ReasonTrade, "TRD-1")

		assert.ErrorIs(t, err, models.ErrInvalidAmount)
	})

	t.Run("empty batch rejected", func(t *testing.T) {
		svc := newTestLedgerService(&MockBalanceRepository{}, &MockLedgerRepository{}, &MockIdempotencyRepository{})

		_, err := svc.TransferBatch(context.Background(), nil, models.ReasonTrade, "TRD-1")

		assert.ErrorIs(t, err, models.ErrInvalidAmount)
	})
}
