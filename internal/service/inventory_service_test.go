package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"economy-api/internal/models"
	"economy-api/internal/repository"
)

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

func grantLocks(lockRepo *MockLockRepository) {
	lockRepo.On("AcquireLock", mock.Anything, mock.AnythingOfType("string"), mock.AnythingOfType("time.Duration")).
		Return(&repository.DistributedLock{Key: "lock:test"}, nil)
	lockRepo.On("ReleaseLock", mock.Anything, mock.AnythingOfType("*repository.DistributedLock")).Return(nil)
}

func newTestInventoryService(inventoryRepo *MockInventoryRepository, nftRepo *MockNFTRepository, lockRepo *MockLockRepository) InventoryService {
	return NewInventoryService(inventoryRepo, nftRepo, repository.NewAssetLockManager(lockRepo), &fakeTxnRunner{}, 30*time.Second)
}

func TestInventoryService_Stacks(t *testing.T) {
	t.Run("add returns the new quantity", func(t *testing.T) {
		inventoryRepo := &MockInventoryRepository{}
		inventoryRepo.On("ApplyStackAdd", mock.Anything, int64(7), "potion_small", int64(3)).Return(int64(10), nil)

		svc := newTestInventoryService(inventoryRepo, &MockNFTRepository{}, &MockLockRepository{})
		quantity, err := svc.AddStack(context.Background(), 7, "potion_small", 3)

		assert.NoError(t, err)
		assert.Equal(t, int64(10), quantity)
		inventoryRepo.AssertExpectations(t)
	})

	t.Run("non-positive quantity rejected", func(t *testing.T) {
		inventoryRepo := &MockInventoryRepository{}
		svc := newTestInventoryService(inventoryRepo, &MockNFTRepository{}, &MockLockRepository{})

		_, err := svc.AddStack(context.Background(), 7, "potion_small", 0)
		assert.ErrorIs(t, err, models.ErrInvalidAmount)

		_, err = svc.RemoveStack(context.Background(), 7, "potion_small", -1)
		assert.ErrorIs(t, err, models.ErrInvalidAmount)

		inventoryRepo.AssertNotCalled(t, "ApplyStackAdd", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("short holding rejects the whole removal", func(t *testing.T) {
		inventoryRepo := &MockInventoryRepository{}
		inventoryRepo.On("ApplyStackRemove", mock.Anything, int64(7), "potion_small", int64(99)).
			Return(int64(0), models.ErrInsufficientQuantity)

		svc := newTestInventoryService(inventoryRepo, &MockNFTRepository{}, &MockLockRepository{})
		_, err := svc.RemoveStack(context.Background(), 7, "potion_small", 99)

		assert.ErrorIs(t, err, models.ErrInsufficientQuantity)
	})
}

func TestInventoryService_TransferNFT(t *testing.T) {
	t.Run("transfer runs under the instance lock", func(t *testing.T) {
		nftRepo := &MockNFTRepository{}
		lockRepo := &MockLockRepository{}
		grantLocks(lockRepo)
		nftRepo.On("TransferOwner", mock.Anything, "NFT-abc", int64(1), int64(2)).Return(nil)

		svc := newTestInventoryService(&MockInventoryRepository{}, nftRepo, lockRepo)
		err := svc.TransferNFT(context.Background(), "NFT-abc", 1, 2)

		assert.NoError(t, err)
		nftRepo.AssertExpectations(t)
		lockRepo.AssertExpectations(t)
	})

	t.Run("held lock fails immediately", func(t *testing.T) {
		nftRepo := &MockNFTRepository{}
		lockRepo := &MockLockRepository{}
		lockRepo.On("AcquireLock", mock.Anything, "nft:NFT-abc", mock.AnythingOfType("time.Duration")).
			Return(nil, models.ErrLockContention)

		svc := newTestInventoryService(&MockInventoryRepository{}, nftRepo, lockRepo)
		err := svc.TransferNFT(context.Background(), "NFT-abc", 1, 2)

		assert.ErrorIs(t, err, models.ErrLockContention)
		nftRepo.AssertNotCalled(t, "TransferOwner", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestInventoryService_ApplyNFTMutation(t *testing.T) {
	upgrade := func(level int) models.NFTMutation {
		return func(instance *models.NFTInstance) error {
			instance.UpgradeLevel = level
			instance.Stats["power"] = 80
			return nil
		}
	}

	t.Run("mutation persists the new mutable state", func(t *testing.T) {
		nftRepo := &MockNFTRepository{}
		lockRepo := &MockLockRepository{}
		grantLocks(lockRepo)
		instance := models.NewNFTInstance("sword_flaming", 9, "legendary")
		nftRepo.On("GetByInstanceID", mock.Anything, instance.InstanceID).Return(instance, nil)
		nftRepo.On("UpdateMutableState", mock.Anything, instance.InstanceID, int64(9), 4, mock.Anything).Return(nil)

		svc := newTestInventoryService(&MockInventoryRepository{}, nftRepo, lockRepo)
		updated, err := svc.ApplyNFTMutation(context.Background(), instance.InstanceID, 9, upgrade(4))

		assert.NoError(t, err)
		assert.Equal(t, 4, updated.UpgradeLevel)
		assert.Equal(t, 80, updated.Stats["power"])
		nftRepo.AssertExpectations(t)
	})

	t.Run("non-owner cannot mutate", func(t *testing.T) {
		nftRepo := &MockNFTRepository{}
		lockRepo := &MockLockRepository{}
		grantLocks(lockRepo)
		instance := models.NewNFTInstance("sword_flaming", 9, "legendary")
		nftRepo.On("GetByInstanceID", mock.Anything, instance.InstanceID).Return(instance, nil)

		svc := newTestInventoryService(&MockInventoryRepository{}, nftRepo, lockRepo)
		_, err := svc.ApplyNFTMutation(context.Background(), instance.InstanceID, 666, upgrade(4))

		assert.ErrorIs(t, err, models.ErrOwnershipMismatch)
		nftRepo.AssertNotCalled(t, "UpdateMutableState", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestInventoryService_MoveBatch(t *testing.T) {
	moves := []models.AssetMove{
		{Kind: models.MoveStack, FromUserID: 1, ToUserID: 2, ItemID: "ore_iron", Quantity: 20},
		{Kind: models.MoveNFT, FromUserID: 2, ToUserID: 1, NFTInstanceID: "NFT-xyz"},
	}

	t.Run("stack and nft legs apply together", func(t *testing.T) {
		inventoryRepo := &MockInventoryRepository{}
		nftRepo := &MockNFTRepository{}
		lockRepo := &MockLockRepository{}
		grantLocks(lockRepo)
		inventoryRepo.On("ApplyStackRemove", mock.Anything, int64(1), "ore_iron", int64(20)).Return(int64(0), nil)
		inventoryRepo.On("ApplyStackAdd", mock.Anything, int64(2), "ore_iron", int64(20)).Return(int64(20), nil)
		nftRepo.On("TransferOwner", mock.Anything, "NFT-xyz", int64(2), int64(1)).Return(nil)

		svc := newTestInventoryService(inventoryRepo, nftRepo, lockRepo)
		err := svc.MoveBatch(context.Background(), moves)

		assert.NoError(t, err)
		inventoryRepo.AssertExpectations(t)
		nftRepo.AssertExpectations(t)
	})

	t.Run("short stack aborts the batch before the nft leg", func(t *testing.T) {
		inventoryRepo := &MockInventoryRepository{}
		nftRepo := &MockNFTRepository{}
		lockRepo := &MockLockRepository{}
		grantLocks(lockRepo)
		inventoryRepo.On("ApplyStackRemove", mock.Anything, int64(1), "ore_iron", int64(20)).
			Return(int64(0), models.ErrInsufficientQuantity)

		svc := newTestInventoryService(inventoryRepo, nftRepo, lockRepo)
		err := svc.MoveBatch(context.Background(), moves)

		assert.ErrorIs(t, err, models.ErrInsufficientQuantity)
		nftRepo.AssertNotCalled(t, "TransferOwner", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("empty batch rejected", func(t *testing.T) {
		svc := newTestInventoryService(&MockInventoryRepository{}, &MockNFTRepository{}, &MockLockRepository{})
		err := svc.MoveBatch(context.Background(), nil)
		assert.ErrorIs(t, err, models.ErrInvalidAmount)
	})
}

func TestInventoryService_MintNFT(t *testing.T) {
	t.Run("mint assigns an instance id and owner", func(t *testing.T) {
		nftRepo := &MockNFTRepository{}
		nftRepo.On("Mint", mock.Anything, mock.AnythingOfType("*models.NFTInstance")).Return(nil)

		svc := newTestInventoryService(&MockInventoryRepository{}, nftRepo, &MockLockRepository{})
		instance, err := svc.MintNFT(context.Background(), "sword_flaming", 9, "legendary")

		assert.NoError(t, err)
		assert.NotEmpty(t, instance.InstanceID)
		assert.Equal(t, int64(9), instance.OwnerUserID)
		assert.Equal(t, "legendary", instance.Rarity)
	})

	t.Run("template required", func(t *testing.T) {
		svc := newTestInventoryService(&MockInventoryRepository{}, &MockNFTRepository{}, &MockLockRepository{})
		_, err := svc.MintNFT(context.Background(), "", 9, "common")
		assert.ErrorIs(t, err, models.ErrInvalidAmount)
	})
}
