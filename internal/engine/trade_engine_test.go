package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.mongodb.org/mongo-driver/mongo"

	"economy-api/internal/models"
	"economy-api/internal/repository"
)

type MockTradeRepository struct {
	mock.Mock
}

func (m *MockTradeRepository) Create(ctx context.Context, trade *models.Trade) error {
	args := m.Called(ctx, trade)
	return args.Error(0)
}

func (m *MockTradeRepository) GetByTradeID(ctx context.Context, tradeID string) (*models.Trade, error) {
	args := m.Called(ctx, tradeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Trade), args.Error(1)
}

func (m *MockTradeRepository) TransitionStatus(ctx context.Context, tradeID string, from, to models.TradeStatus, failureReason string) (bool, error) {
	args := m.Called(ctx, tradeID, from, to, failureReason)
	return args.Bool(0), args.Error(1)
}

func (m *MockTradeRepository) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockTradeRepository) ListByUser(ctx context.Context, userID int64, status models.TradeStatus, limit, offset int) ([]*models.Trade, error) {
	args := m.Called(ctx, userID, status, limit, offset)
	return args.Get(0).([]*models.Trade), args.Error(1)
}

func (m *MockTradeRepository) CreateIndexes(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

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

type MockInventoryRepository struct {
	mock.Mock
}

func (m *MockInventoryRepository) GetStack(ctx context.Context, userID int64, itemID string) (*models.ItemStack, error) {
	args := m.Called(ctx, userID, itemID)
	return args.Get(0).(*models.ItemStack), args.Error(1)
}

func (m *MockInventoryRepository) GetQuantity(ctx context.Context, userID int64, itemID string) (int64, error) {
	args := m.Called(ctx, userID, itemID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockInventoryRepository) ApplyStackAdd(ctx context.Context, userID int64, itemID string, qty int64) (int64, error) {
	args := m.Called(ctx, userID, itemID, qty)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockInventoryRepository) ApplyStackRemove(ctx context.Context, userID int64, itemID string, qty int64) (int64, error) {
	args := m.Called(ctx, userID, itemID, qty)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockInventoryRepository) ListStacksByUser(ctx context.Context, userID int64) ([]*models.ItemStack, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]*models.ItemStack), args.Error(1)
}

func (m *MockInventoryRepository) CreateIndexes(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockNFTRepository struct {
	mock.Mock
}

func (m *MockNFTRepository) Mint(ctx context.Context, instance *models.NFTInstance) error {
	args := m.Called(ctx, instance)
	return args.Error(0)
}

func (m *MockNFTRepository) GetByInstanceID(ctx context.Context, instanceID string) (*models.NFTInstance, error) {
	args := m.Called(ctx, instanceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.NFTInstance), args.Error(1)
}

func (m *MockNFTRepository) TransferOwner(ctx context.Context, instanceID string, fromUserID, toUserID int64) error {
	args := m.Called(ctx, instanceID, fromUserID, toUserID)
	return args.Error(0)
}

func (m *MockNFTRepository) UpdateMutableState(ctx context.Context, instanceID string, ownerID int64, upgradeLevel int, stats map[string]interface{}) error {
	args := m.Called(ctx, instanceID, ownerID, upgradeLevel, stats)
	return args.Error(0)
}

func (m *MockNFTRepository) ListByOwner(ctx context.Context, ownerID int64) ([]*models.NFTInstance, error) {
	args := m.Called(ctx, ownerID)
	return args.Get(0).([]*models.NFTInstance), args.Error(1)
}

func (m *MockNFTRepository) CreateIndexes(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockLockRepository struct {
	mock.Mock
}

func (m *MockLockRepository) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*repository.DistributedLock, error) {
	args := m.Called(ctx, key, ttl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.DistributedLock), args.Error(1)
}

func (m *MockLockRepository) ReleaseLock(ctx context.Context, lock *repository.DistributedLock) error {
	args := m.Called(ctx, lock)
	return args.Error(0)
}

func (m *MockLockRepository) IsLocked(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

type fakeTxnRunner struct {
	err error
}

func (f *fakeTxnRunner) WithTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(mongo.NewSessionContext(ctx, nil))
}

type engineMocks struct {
	tradeRepo     *MockTradeRepository
	balanceRepo   *MockBalanceRepository
	ledgerRepo    *MockLedgerRepository
	inventoryRepo *MockInventoryRepository
	nftRepo       *MockNFTRepository
	lockRepo      *MockLockRepository
}

func newTestEngine() (TradeEngine, *engineMocks) {
	m := &engineMocks{
		tradeRepo:     &MockTradeRepository{},
		balanceRepo:   &MockBalanceRepository{},
		ledgerRepo:    &MockLedgerRepository{},
		inventoryRepo: &MockInventoryRepository{},
		nftRepo:       &MockNFTRepository{},
		lockRepo:      &MockLockRepository{},
	}
	e := NewTradeEngine(
		m.tradeRepo, m.balanceRepo, m.ledgerRepo, m.inventoryRepo, m.nftRepo,
		repository.NewAssetLockManager(m.lockRepo), &fakeTxnRunner{}, nil,
		72*time.Hour, 30*time.Second,
	)
	return e, m
}

func grantLocks(lockRepo *MockLockRepository) {
	lockRepo.On("AcquireLock", mock.Anything, mock.AnythingOfType("string"), mock.AnythingOfType("time.Duration")).
		Return(&repository.DistributedLock{Key: "lock:test"}, nil)
	lockRepo.On("ReleaseLock", mock.Anything, mock.AnythingOfType("*repository.DistributedLock")).Return(nil)
}

// Proposer 1 offers 100 gold for 5 iron ore from counterparty 2.
func pendingTestTrade() *models.Trade {
	return models.NewTrade(1, 2,
		[]models.TradeAsset{{CurrencyID: "gold", Amount: 100}},
		[]models.TradeAsset{{ItemID: "ore_iron", Quantity: 5}},
		time.Hour,
	)
}

func TestTradeEngine_Propose(t *testing.T) {
	t.Run("self trade rejected", func(t *testing.T) {
		e, _ := newTestEngine()
		_, err := e.Propose(context.Background(), &ProposeRequest{
			ProposerID:     1,
			CounterpartyID: 1,
			OfferedAssets:  []models.TradeAsset{{CurrencyID: "gold", Amount: 100}},
		})
		assert.ErrorIs(t, err, models.ErrInvalidOffer)
	})

	t.Run("both sides empty rejected", func(t *testing.T) {
		e, _ := newTestEngine()
		_, err := e.Propose(context.Background(), &ProposeRequest{ProposerID: 1, CounterpartyID: 2})
		assert.ErrorIs(t, err, models.ErrInvalidOffer)
	})

	t.Run("proposer short on offered currency", func(t *testing.T) {
		e, m := newTestEngine()
		m.balanceRepo.On("GetAmount", mock.Anything, int64(1), "gold").Return(int64(40), nil)

		_, err := e.Propose(context.Background(), &ProposeRequest{
			ProposerID:     1,
			CounterpartyID: 2,
			OfferedAssets:  []models.TradeAsset{{CurrencyID: "gold", Amount: 100}},
		})
		assert.ErrorIs(t, err, models.ErrInsufficientFunds)
		m.tradeRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("requested nft must belong to the counterparty", func(t *testing.T) {
		e, m := newTestEngine()
		m.balanceRepo.On("GetAmount", mock.Anything, int64(1), "gold").Return(int64(500), nil)
		stranger := models.NewNFTInstance("sword_flaming", 99, "rare")
		m.nftRepo.On("GetByInstanceID", mock.Anything, "NFT-xyz").Return(stranger, nil)

		_, err := e.Propose(context.Background(), &ProposeRequest{
			ProposerID:      1,
			CounterpartyID:  2,
			OfferedAssets:   []models.TradeAsset{{CurrencyID: "gold", Amount: 100}},
			RequestedAssets: []models.TradeAsset{{NFTInstanceID: "NFT-xyz"}},
		})
		assert.ErrorIs(t, err, models.ErrInvalidOffer)
	})

	t.Run("valid offer creates a pending trade with default ttl", func(t *testing.T) {
		e, m := newTestEngine()
		m.balanceRepo.On("GetAmount", mock.Anything, int64(1), "gold").Return(int64(500), nil)
		m.tradeRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Trade")).Return(nil)

		trade, err := e.Propose(context.Background(), &ProposeRequest{
			ProposerID:      1,
			CounterpartyID:  2,
			OfferedAssets:   []models.TradeAsset{{CurrencyID: "gold", Amount: 100}},
			RequestedAssets: []models.TradeAsset{{ItemID: "ore_iron", Quantity: 5}},
		})

		assert.NoError(t, err)
		assert.Equal(t, models.TradeStatusPending, trade.Status)
		assert.NotEmpty(t, trade.TradeID)
		assert.WithinDuration(t, trade.CreatedAt.Add(72*time.Hour), trade.ExpiresAt, time.Second)
		m.tradeRepo.AssertExpectations(t)
	})
}

func TestTradeEngine_Accept(t *testing.T) {
	t.Run("only the counterparty can accept", func(t *testing.T) {
		e, m := newTestEngine()
		grantLocks(m.lockRepo)
		trade := pendingTestTrade()
		m.tradeRepo.On("GetByTradeID", mock.Anything, trade.TradeID).Return(trade, nil)

		_, err := e.Accept(context.Background(), trade.TradeID, 999)
		assert.ErrorIs(t, err, models.ErrOwnershipMismatch)
	})

	t.Run("non-pending trade rejected", func(t *testing.T) {
		e, m := newTestEngine()
		grantLocks(m.lockRepo)
		trade := pendingTestTrade()
		trade.Status = models.TradeStatusCancelled
		m.tradeRepo.On("GetByTradeID", mock.Anything, trade.TradeID).Return(trade, nil)

		_, err := e.Accept(context.Background(), trade.TradeID, 2)
		assert.ErrorIs(t, err, models.ErrInvalidState)
	})

	t.Run("expired trade is marked on touch", func(t *testing.T) {
		e, m := newTestEngine()
		grantLocks(m.lockRepo)
		trade := pendingTestTrade()
		trade.ExpiresAt = time.Now().UTC().Add(-time.Minute)
		m.tradeRepo.On("GetByTradeID", mock.Anything, trade.TradeID).Return(trade, nil)
		m.tradeRepo.On("TransitionStatus", mock.Anything, trade.TradeID,
			models.TradeStatusPending, models.TradeStatusExpired, "").Return(true, nil)

		_, err := e.Accept(context.Background(), trade.TradeID, 2)
		assert.ErrorIs(t, err, models.ErrExpired)
		m.tradeRepo.AssertExpectations(t)
	})

	t.Run("held trade lock rejects a concurrent accept", func(t *testing.T) {
		e, m := newTestEngine()
		m.lockRepo.On("AcquireLock", mock.Anything, "trade:TRD-busy", mock.AnythingOfType("time.Duration")).
			Return(nil, models.ErrLockContention)

		_, err := e.Accept(context.Background(), "TRD-busy", 2)
		assert.ErrorIs(t, err, models.ErrInvalidState)
		m.tradeRepo.AssertNotCalled(t, "GetByTradeID", mock.Anything, mock.Anything)
	})

	t.Run("lost status race stays retryable", func(t *testing.T) {
		e, m := newTestEngine()
		grantLocks(m.lockRepo)
		trade := pendingTestTrade()
		m.tradeRepo.On("GetByTradeID", mock.Anything, trade.TradeID).Return(trade, nil)
		m.tradeRepo.On("TransitionStatus", mock.Anything, trade.TradeID,
			models.TradeStatusPending, models.TradeStatusAccepted, "").Return(false, nil)

		_, err := e.Accept(context.Background(), trade.TradeID, 2)

		assert.ErrorIs(t, err, models.ErrInvalidState)
		_, isSettlement := models.IsSettlementError(err)
		assert.False(t, isSettlement)
		m.tradeRepo.AssertNotCalled(t, "TransitionStatus", mock.Anything, trade.TradeID,
			models.TradeStatusPending, models.TradeStatusFailed, mock.Anything)
	})

	t.Run("short funds fail the trade and move nothing", func(t *testing.T) {
		e, m := newTestEngine()
		grantLocks(m.lockRepo)
		trade := pendingTestTrade()
		m.tradeRepo.On("GetByTradeID", mock.Anything, trade.TradeID).Return(trade, nil)
		m.tradeRepo.On("TransitionStatus", mock.Anything, trade.TradeID,
			models.TradeStatusPending, models.TradeStatusAccepted, "").Return(true, nil)
		m.balanceRepo.On("ApplyDebit", mock.Anything, int64(1), "gold", int64(100)).
			Return(int64(0), models.ErrInsufficientFunds)
		m.tradeRepo.On("TransitionStatus", mock.Anything, trade.TradeID,
			models.TradeStatusPending, models.TradeStatusFailed, mock.AnythingOfType("string")).Return(true, nil)

		_, err := e.Accept(context.Background(), trade.TradeID, 2)

		assert.ErrorIs(t, err, models.ErrInsufficientFunds)
		se, ok := models.IsSettlementError(err)
		assert.True(t, ok)
		assert.Equal(t, trade.TradeID, se.TradeID)
		m.inventoryRepo.AssertNotCalled(t, "ApplyStackRemove", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		m.tradeRepo.AssertExpectations(t)
	})

	t.Run("settlement applies every leg of both sides", func(t *testing.T) {
		e, m := newTestEngine()
		grantLocks(m.lockRepo)
		trade := pendingTestTrade()
		completed := *trade
		completed.Status = models.TradeStatusCompleted

		m.tradeRepo.On("GetByTradeID", mock.Anything, trade.TradeID).Return(trade, nil).Once()
		m.tradeRepo.On("TransitionStatus", mock.Anything, trade.TradeID,
			models.TradeStatusPending, models.TradeStatusAccepted, "").Return(true, nil)
		m.balanceRepo.On("ApplyDebit", mock.Anything, int64(1), "gold", int64(100)).Return(int64(400), nil)
		m.balanceRepo.On("ApplyCredit", mock.Anything, int64(2), "gold", int64(100)).Return(int64(100), nil)
		m.ledgerRepo.On("Append", mock.Anything, mock.AnythingOfType("*models.LedgerEntry")).Return(nil).Times(2)
		m.inventoryRepo.On("ApplyStackRemove", mock.Anything, int64(2), "ore_iron", int64(5)).Return(int64(0), nil)
		m.inventoryRepo.On("ApplyStackAdd", mock.Anything, int64(1), "ore_iron", int64(5)).Return(int64(5), nil)
		m.tradeRepo.On("TransitionStatus", mock.Anything, trade.TradeID,
			models.TradeStatusAccepted, models.TradeStatusCompleted, "").Return(true, nil)
		m.tradeRepo.On("GetByTradeID", mock.Anything, trade.TradeID).Return(&completed, nil).Once()

		result, err := e.Accept(context.Background(), trade.TradeID, 2)

		assert.NoError(t, err)
		assert.Equal(t, models.TradeStatusCompleted, result.Status)
		m.tradeRepo.AssertExpectations(t)
		m.balanceRepo.AssertExpectations(t)
		m.ledgerRepo.AssertExpectations(t)
		m.inventoryRepo.AssertExpectations(t)
	})
}

func TestTradeEngine_Cancel(t *testing.T) {
	t.Run("either participant can cancel", func(t *testing.T) {
		e, m := newTestEngine()
		trade := pendingTestTrade()
		cancelled := *trade
		cancelled.Status = models.TradeStatusCancelled

		m.tradeRepo.On("GetByTradeID", mock.Anything, trade.TradeID).Return(trade, nil).Once()
		m.tradeRepo.On("TransitionStatus", mock.Anything, trade.TradeID,
			models.TradeStatusPending, models.TradeStatusCancelled, "").Return(true, nil)
		m.tradeRepo.On("GetByTradeID", mock.Anything, trade.TradeID).Return(&cancelled, nil).Once()

		result, err := e.Cancel(context.Background(), trade.TradeID, 1)

		assert.NoError(t, err)
		assert.Equal(t, models.TradeStatusCancelled, result.Status)
	})

	t.Run("stranger cannot cancel", func(t *testing.T) {
		e, m := newTestEngine()
		trade := pendingTestTrade()
		m.tradeRepo.On("GetByTradeID", mock.Anything, trade.TradeID).Return(trade, nil)

		_, err := e.Cancel(context.Background(), trade.TradeID, 999)
		assert.ErrorIs(t, err, models.ErrOwnershipMismatch)
	})

	t.Run("settled trade cannot be cancelled", func(t *testing.T) {
		e, m := newTestEngine()
		trade := pendingTestTrade()
		trade.Status = models.TradeStatusCompleted
		m.tradeRepo.On("GetByTradeID", mock.Anything, trade.TradeID).Return(trade, nil)
		m.tradeRepo.On("TransitionStatus", mock.Anything, trade.TradeID,
			models.TradeStatusPending, models.TradeStatusCancelled, "").Return(false, nil)

		_, err := e.Cancel(context.Background(), trade.TradeID, 2)
		assert.ErrorIs(t, err, models.ErrInvalidState)
	})
}

func TestTradeEngine_SweepExpired(t *testing.T) {
	e, m := newTestEngine()
	m.tradeRepo.On("ExpirePending", mock.Anything, mock.AnythingOfType("time.Time")).Return(int64(3), nil).Once()
	m.tradeRepo.On("ExpirePending", mock.Anything, mock.AnythingOfType("time.Time")).Return(int64(0), nil).Once()

	count, err := e.SweepExpired(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// Repeating the sweep is harmless.
	count, err = e.SweepExpired(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(0), count)
	m.tradeRepo.AssertExpectations(t)
}
