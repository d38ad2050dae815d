package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"economy-api/internal/models"
	"economy-api/internal/monitoring"
	"economy-api/internal/repository"
)

// InventoryService is the only writer of item ownership, both stackable
// quantities and unique NFT instances.
type InventoryService interface {
	AddStack(ctx context.Context, userID int64, itemID string, qty int64) (int64, error)
	RemoveStack(ctx context.Context, userID int64, itemID string, qty int64) (int64, error)
	TransferNFT(ctx context.Context, nftInstanceID string, fromUserID, toUserID int64) error
	MoveBatch(ctx context.Context, moves []models.AssetMove) error
	ApplyNFTMutation(ctx context.Context, nftInstanceID string, ownerID int64, mutation models.NFTMutation) (*models.NFTInstance, error)
	MintNFT(ctx context.Context, templateItemID string, ownerID int64, rarity string) (*models.NFTInstance, error)
	GetNFT(ctx context.Context, nftInstanceID string) (*models.NFTInstance, error)
	ListInventory(ctx context.Context, userID int64) ([]*models.ItemStack, []*models.NFTInstance, error)
}

type inventoryService struct {
	inventoryRepo repository.InventoryRepository
	nftRepo       repository.NFTRepository
	lockManager   *repository.AssetLockManager
	txnRunner     repository.TxnRunner
	lockTTL       time.Duration
}

func NewInventoryService(
	inventoryRepo repository.InventoryRepository,
	nftRepo repository.NFTRepository,
	lockManager *repository.AssetLockManager,
	txnRunner repository.TxnRunner,
	lockTTL time.Duration,
) InventoryService {
	return &inventoryService{
		inventoryRepo: inventoryRepo,
		nftRepo:       nftRepo,
		lockManager:   lockManager,
		txnRunner:     txnRunner,
		lockTTL:       lockTTL,
	}
}

func (s *inventoryService) AddStack(ctx context.Context, userID int64, itemID string, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("%w: stack quantity must be positive, got %d", models.ErrInvalidAmount, qty)
	}
	quantity, err := s.inventoryRepo.ApplyStackAdd(ctx, userID, itemID, qty)
	if err != nil {
		return 0, err
	}
	monitoring.InventoryOperations.WithLabelValues("add_stack").Inc()
	return quantity, nil
}

func (s *inventoryService) RemoveStack(ctx context.Context, userID int64, itemID string, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("%w: stack quantity must be positive, got %d", models.ErrInvalidAmount, qty)
	}
	quantity, err := s.inventoryRepo.ApplyStackRemove(ctx, userID, itemID, qty)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientQuantity) {
			return 0, fmt.Errorf("%w: user %d holds less than %d of item %s", models.ErrInsufficientQuantity, userID, qty, itemID)
		}
		return 0, err
	}
	monitoring.InventoryOperations.WithLabelValues("remove_stack").Inc()
	return quantity, nil
}

// TransferNFT moves a unique instance between users under the per-instance
// lock, so a concurrent stat mutation on the same instance cannot interleave.
func (s *inventoryService) TransferNFT(ctx context.Context, nftInstanceID string, fromUserID, toUserID int64) error {
	lock, err := s.lockManager.LockNFTInstance(ctx, nftInstanceID, s.lockTTL)
	if err != nil {
		return err
	}
	defer s.releaseLock(ctx, lock)

	if err := s.nftRepo.TransferOwner(ctx, nftInstanceID, fromUserID, toUserID); err != nil {
		return err
	}
	monitoring.InventoryOperations.WithLabelValues("transfer_nft").Inc()
	logrus.WithFields(logrus.Fields{
		"nft_instance_id": nftInstanceID,
		"from_user_id":    fromUserID,
		"to_user_id":      toUserID,
	}).Info("NFT transferred")
	return nil
}

// MoveBatch applies every stack and NFT leg or none. Per-instance locks are
// taken for all NFT legs up front; the moves themselves run in one
// transaction with each leg's preconditions enforced at application time.
func (s *inventoryService) MoveBatch(ctx context.Context, moves []models.AssetMove) error {
	if len(moves) == 0 {
		return fmt.Errorf("%w: empty move batch", models.ErrInvalidAmount)
	}
	for _, move := range moves {
		if move.Kind == models.MoveStack && move.Quantity <= 0 {
			return fmt.Errorf("%w: %s", models.ErrInvalidAmount, move.Describe())
		}
	}

	locks, err := s.lockNFTMoves(ctx, moves)
	if err != nil {
		return err
	}
	defer func() {
		for _, lock := range locks {
			s.releaseLock(ctx, lock)
		}
	}()

	err = s.txnRunner.WithTransaction(ctx, func(sc mongo.SessionContext) error {
		return ApplyAssetMoves(sc, s.inventoryRepo, s.nftRepo, moves)
	})
	if err != nil {
		return err
	}
	monitoring.InventoryOperations.WithLabelValues("move_batch").Inc()
	return nil
}

// ApplyNFTMutation edits the mutable stat state of an owned instance. Runs
// under the same per-instance lock as TransferNFT so the two can never
// interleave on one instance.
func (s *inventoryService) ApplyNFTMutation(ctx context.Context, nftInstanceID string, ownerID int64, mutation models.NFTMutation) (*models.NFTInstance, error) {
	lock, err := s.lockManager.LockNFTInstance(ctx, nftInstanceID, s.lockTTL)
	if err != nil {
		return nil, err
	}
	defer s.releaseLock(ctx, lock)

	instance, err := s.nftRepo.GetByInstanceID(ctx, nftInstanceID)
	if err != nil {
		return nil, err
	}
	if instance.OwnerUserID != ownerID {
		return nil, fmt.Errorf("%w: nft %s is not owned by user %d", models.ErrOwnershipMismatch, nftInstanceID, ownerID)
	}

	if err := mutation(instance); err != nil {
		return nil, err
	}
	if err := s.nftRepo.UpdateMutableState(ctx, nftInstanceID, ownerID, instance.UpgradeLevel, instance.Stats); err != nil {
		return nil, err
	}
	monitoring.InventoryOperations.WithLabelValues("nft_mutation").Inc()
	return instance, nil
}

func (s *inventoryService) MintNFT(ctx context.Context, templateItemID string, ownerID int64, rarity string) (*models.NFTInstance, error) {
	if templateItemID == "" {
		return nil, fmt.Errorf("%w: template item id is required", models.ErrInvalidAmount)
	}
	instance := models.NewNFTInstance(templateItemID, ownerID, rarity)
	if err := s.nftRepo.Mint(ctx, instance); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"nft_instance_id":  instance.InstanceID,
		"template_item_id": templateItemID,
		"owner_user_id":    ownerID,
	}).Info("NFT minted")
	return instance, nil
}

func (s *inventoryService) GetNFT(ctx context.Context, nftInstanceID string) (*models.NFTInstance, error) {
	return s.nftRepo.GetByInstanceID(ctx, nftInstanceID)
}

func (s *inventoryService) ListInventory(ctx context.Context, userID int64) ([]*models.ItemStack, []*models.NFTInstance, error) {
	stacks, err := s.inventoryRepo.ListStacksByUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	instances, err := s.nftRepo.ListByOwner(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return stacks, instances, nil
}

func (s *inventoryService) lockNFTMoves(ctx context.Context, moves []models.AssetMove) ([]*repository.DistributedLock, error) {
	var locks []*repository.DistributedLock
	for _, move := range moves {
		if move.Kind != models.MoveNFT {
			continue
		}
		lock, err := s.lockManager.LockNFTInstance(ctx, move.NFTInstanceID, s.lockTTL)
		if err != nil {
			for _, held := range locks {
				s.releaseLock(ctx, held)
			}
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

func (s *inventoryService) releaseLock(ctx context.Context, lock *repository.DistributedLock) {
	if err := s.lockManager.ReleaseLock(ctx, lock); err != nil {
		logrus.WithError(err).WithField("lock_key", lock.Key).Warn("Failed to release lock")
	}
}

// ApplyAssetMoves applies stack and NFT legs inside an existing transaction.
// Shared between MoveBatch and trade settlement.
func ApplyAssetMoves(
	sc mongo.SessionContext,
	inventoryRepo repository.InventoryRepository,
	nftRepo repository.NFTRepository,
	moves []models.AssetMove,
) error {
	for _, move := range moves {
		switch move.Kind {
		case models.MoveStack:
			if _, err := inventoryRepo.ApplyStackRemove(sc, move.FromUserID, move.ItemID, move.Quantity); err != nil {
				if errors.Is(err, models.ErrInsufficientQuantity) {
					return fmt.Errorf("%w: %s", models.ErrInsufficientQuantity, move.Describe())
				}
				return err
			}
			if _, err := inventoryRepo.ApplyStackAdd(sc, move.ToUserID, move.ItemID, move.Quantity); err != nil {
				return err
			}
		case models.MoveNFT:
			if err := nftRepo.TransferOwner(sc, move.NFTInstanceID, move.FromUserID, move.ToUserID); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown move kind %q", models.ErrInvalidAmount, move.Kind)
		}
	}
	return nil
}
