package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"economy-api/internal/external"
	"economy-api/internal/models"
	"economy-api/internal/monitoring"
	"economy-api/internal/repository"
	"economy-api/internal/service"
)

// TradeEngine owns the escrow state machine. A trade is proposed by one user,
// accepted by the counterparty, and settled atomically: every currency leg and
// asset leg of both sides commits in one transaction or none of them do.
type TradeEngine interface {
	Propose(ctx context.Context, req *ProposeRequest) (*models.Trade, error)
	Accept(ctx context.Context, tradeID string, accepterID int64) (*models.Trade, error)
	Cancel(ctx context.Context, tradeID string, userID int64) (*models.Trade, error)
	SweepExpired(ctx context.Context) (int64, error)
	GetTrade(ctx context.Context, tradeID string) (*models.Trade, error)
	ListTrades(ctx context.Context, userID int64, status models.TradeStatus, limit, offset int) ([]*models.Trade, error)
}

// ProposeRequest opens a trade offer against a counterparty.
type ProposeRequest struct {
	ProposerID      int64               `json:"proposer_id"`
	CounterpartyID  int64               `json:"counterparty_id"`
	OfferedAssets   []models.TradeAsset `json:"offered_assets"`
	RequestedAssets []models.TradeAsset `json:"requested_assets"`
	TTL             time.Duration       `json:"-"`
}

type tradeEngine struct {
	tradeRepo     repository.TradeRepository
	balanceRepo   repository.BalanceRepository
	ledgerRepo    repository.LedgerRepository
	inventoryRepo repository.InventoryRepository
	nftRepo       repository.NFTRepository
	lockManager   *repository.AssetLockManager
	txnRunner     repository.TxnRunner
	publisher     external.EventPublisher
	defaultTTL    time.Duration
	lockTTL       time.Duration
}

func NewTradeEngine(
	tradeRepo repository.TradeRepository,
	balanceRepo repository.BalanceRepository,
	ledgerRepo repository.LedgerRepository,
	inventoryRepo repository.InventoryRepository,
	nftRepo repository.NFTRepository,
	lockManager *repository.AssetLockManager,
	txnRunner repository.TxnRunner,
	publisher external.EventPublisher,
	defaultTTL time.Duration,
	lockTTL time.Duration,
) TradeEngine {
	return &tradeEngine{
		tradeRepo:     tradeRepo,
		balanceRepo:   balanceRepo,
		ledgerRepo:    ledgerRepo,
		inventoryRepo: inventoryRepo,
		nftRepo:       nftRepo,
		lockManager:   lockManager,
		txnRunner:     txnRunner,
		publisher:     publisher,
		defaultTTL:    defaultTTL,
		lockTTL:       lockTTL,
	}
}

// Propose validates the offer against the proposer's current holdings and
// records a pending trade. The holdings check is advisory: nothing is
// reserved, and sufficiency is enforced again at settlement time.
func (e *tradeEngine) Propose(ctx context.Context, req *ProposeRequest) (*models.Trade, error) {
	if req.ProposerID == req.CounterpartyID {
		return nil, fmt.Errorf("%w: cannot trade with yourself", models.ErrInvalidOffer)
	}
	if len(req.OfferedAssets) == 0 && len(req.RequestedAssets) == 0 {
		return nil, fmt.Errorf("%w: both sides are empty", models.ErrInvalidOffer)
	}
	if err := validateAssets(req.OfferedAssets); err != nil {
		return nil, err
	}
	if err := validateAssets(req.RequestedAssets); err != nil {
		return nil, err
	}

	if err := e.checkHoldings(ctx, req.ProposerID, req.OfferedAssets, true); err != nil {
		return nil, err
	}
	if err := e.checkHoldings(ctx, req.CounterpartyID, req.RequestedAssets, false); err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = e.defaultTTL
	}
	trade := models.NewTrade(req.ProposerID, req.CounterpartyID, req.OfferedAssets, req.RequestedAssets, ttl)
	if err := e.tradeRepo.Create(ctx, trade); err != nil {
		return nil, err
	}

	monitoring.TradeOperations.WithLabelValues("propose", "ok").Inc()
	e.publishTradeEvent(ctx, trade, "proposed")
	logrus.WithFields(logrus.Fields{
		"trade_id":        trade.TradeID,
		"proposer_id":     trade.ProposerID,
		"counterparty_id": trade.CounterpartyID,
		"expires_at":      trade.ExpiresAt,
	}).Info("Trade proposed")
	return trade, nil
}

// Accept settles a pending trade. The per-trade lock keeps concurrent accepts
// from even reaching the status transition; the pending->accepted
// compare-and-swap is the authoritative gate against anything the lock cannot
// see, such as a sweep marking the trade expired in the same instant.
func (e *tradeEngine) Accept(ctx context.Context, tradeID string, accepterID int64) (*models.Trade, error) {
	started := time.Now()

	tradeLock, err := e.lockManager.LockTrade(ctx, tradeID, e.lockTTL)
	if err != nil {
		if errors.Is(err, models.ErrLockContention) {
			return nil, fmt.Errorf("%w: trade %s is already being settled", models.ErrInvalidState, tradeID)
		}
		return nil, err
	}
	defer e.releaseLock(ctx, tradeLock)

	trade, err := e.tradeRepo.GetByTradeID(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if accepterID != trade.CounterpartyID {
		return nil, fmt.Errorf("%w: user %d is not the counterparty of trade %s", models.ErrOwnershipMismatch, accepterID, tradeID)
	}
	if !trade.IsPending() {
		return nil, fmt.Errorf("%w: trade %s is %s", models.ErrInvalidState, tradeID, trade.Status)
	}
	if trade.IsExpiredAt(time.Now().UTC()) {
		// Lazy expiry: mark it now instead of waiting for the sweeper.
		if _, err := e.tradeRepo.TransitionStatus(ctx, tradeID, models.TradeStatusPending, models.TradeStatusExpired, ""); err != nil {
			return nil, err
		}
		monitoring.ObserveSettlement("expired", started)
		return nil, fmt.Errorf("%w: trade %s expired at %s", models.ErrExpired, tradeID, trade.ExpiresAt.Format(time.RFC3339))
	}

	legs, moves := settlementPlan(trade)

	nftLocks, err := e.lockNFTAssets(ctx, moves)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, lock := range nftLocks {
			e.releaseLock(ctx, lock)
		}
	}()

	err = e.txnRunner.WithTransaction(ctx, func(sc mongo.SessionContext) error {
		swapped, err := e.tradeRepo.TransitionStatus(sc, tradeID, models.TradeStatusPending, models.TradeStatusAccepted, "")
		if err != nil {
			return err
		}
		if !swapped {
			return fmt.Errorf("%w: trade %s is no longer pending", models.ErrInvalidState, tradeID)
		}

		if _, err := service.ApplyTransferLegs(sc, e.balanceRepo, e.ledgerRepo, legs, models.ReasonTrade, tradeID); err != nil {
			return err
		}
		if err := service.ApplyAssetMoves(sc, e.inventoryRepo, e.nftRepo, moves); err != nil {
			return err
		}

		swapped, err = e.tradeRepo.TransitionStatus(sc, tradeID, models.TradeStatusAccepted, models.TradeStatusCompleted, "")
		if err != nil {
			return err
		}
		if !swapped {
			return fmt.Errorf("%w: trade %s left accepted status mid-settlement", models.ErrInvalidState, tradeID)
		}
		return nil
	})
	if err != nil {
		return nil, e.failSettlement(ctx, trade, err, started)
	}

	completed, err := e.tradeRepo.GetByTradeID(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	monitoring.ObserveSettlement("completed", started)
	e.publishTradeEvent(ctx, completed, "completed")
	logrus.WithFields(logrus.Fields{
		"trade_id":       tradeID,
		"accepter_id":    accepterID,
		"currency_legs":  len(legs),
		"asset_moves":    len(moves),
		"settlement_sec": time.Since(started).Seconds(),
	}).Info("Trade settled")
	return completed, nil
}

// failSettlement records a settlement failure. The transaction already rolled
// back, so no assets moved; the trade flips to failed so neither party retries
// a dead offer. Transient transaction failures leave the trade pending so the
// counterparty can simply accept again.
func (e *tradeEngine) failSettlement(ctx context.Context, trade *models.Trade, cause error, started time.Time) error {
	if errors.Is(cause, models.ErrTransientFailure) || errors.Is(cause, models.ErrInvalidState) {
		monitoring.ObserveSettlement("retryable", started)
		return cause
	}

	leg := "settlement"
	if errors.Is(cause, models.ErrInsufficientFunds) ||
		errors.Is(cause, models.ErrInsufficientQuantity) ||
		errors.Is(cause, models.ErrOwnershipMismatch) {
		leg = cause.Error()
	}
	settlementErr := models.NewSettlementError(trade.TradeID, leg, cause)

	swapped, err := e.tradeRepo.TransitionStatus(ctx, trade.TradeID, models.TradeStatusPending, models.TradeStatusFailed, settlementErr.Leg)
	if err != nil {
		logrus.WithError(err).WithField("trade_id", trade.TradeID).Error("Failed to mark trade failed")
	} else if swapped {
		trade.Status = models.TradeStatusFailed
		trade.FailureReason = settlementErr.Leg
		e.publishTradeEvent(ctx, trade, "failed")
	}

	monitoring.ObserveSettlement("failed", started)
	logrus.WithFields(logrus.Fields{
		"trade_id": trade.TradeID,
		"leg":      settlementErr.Leg,
	}).Warn("Trade settlement failed")
	return settlementErr
}

// Cancel withdraws a pending trade. Either participant may cancel; for the
// counterparty this is a decline. Nothing was reserved, so there is nothing
// to release.
func (e *tradeEngine) Cancel(ctx context.Context, tradeID string, userID int64) (*models.Trade, error) {
	trade, err := e.tradeRepo.GetByTradeID(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !trade.Participant(userID) {
		return nil, fmt.Errorf("%w: user %d is not a participant of trade %s", models.ErrOwnershipMismatch, userID, tradeID)
	}

	swapped, err := e.tradeRepo.TransitionStatus(ctx, tradeID, models.TradeStatusPending, models.TradeStatusCancelled, "")
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, fmt.Errorf("%w: trade %s is %s", models.ErrInvalidState, tradeID, trade.Status)
	}

	cancelled, err := e.tradeRepo.GetByTradeID(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	monitoring.TradeOperations.WithLabelValues("cancel", "ok").Inc()
	e.publishTradeEvent(ctx, cancelled, "cancelled")
	logrus.WithFields(logrus.Fields{
		"trade_id": tradeID,
		"user_id":  userID,
	}).Info("Trade cancelled")
	return cancelled, nil
}

// SweepExpired marks every pending trade past its TTL as expired. The update
// is a single filtered statement, so running sweeps concurrently or repeating
// a sweep is harmless.
func (e *tradeEngine) SweepExpired(ctx context.Context) (int64, error) {
	count, err := e.tradeRepo.ExpirePending(ctx, time.Now().UTC())
	if err != nil {
		monitoring.SweepRuns.WithLabelValues("error").Inc()
		return 0, err
	}

	monitoring.SweepRuns.WithLabelValues("ok").Inc()
	if count > 0 {
		monitoring.TradesExpired.Add(float64(count))
		logrus.WithField("expired_count", count).Info("Expired pending trades")
	}
	return count, nil
}

func (e *tradeEngine) GetTrade(ctx context.Context, tradeID string) (*models.Trade, error) {
	return e.tradeRepo.GetByTradeID(ctx, tradeID)
}

func (e *tradeEngine) ListTrades(ctx context.Context, userID int64, status models.TradeStatus, limit, offset int) ([]*models.Trade, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.tradeRepo.ListByUser(ctx, userID, status, limit, offset)
}

// checkHoldings verifies the owner currently holds each asset. For requested
// assets only NFT ownership is checked; the counterparty's fungible holdings
// can still change before acceptance.
func (e *tradeEngine) checkHoldings(ctx context.Context, ownerID int64, assets []models.TradeAsset, strict bool) error {
	for _, asset := range assets {
		switch {
		case asset.IsNFT():
			instance, err := e.nftRepo.GetByInstanceID(ctx, asset.NFTInstanceID)
			if err != nil {
				if errors.Is(err, models.ErrNotFound) {
					return fmt.Errorf("%w: nft %s does not exist", models.ErrInvalidOffer, asset.NFTInstanceID)
				}
				return err
			}
			if instance.OwnerUserID != ownerID {
				return fmt.Errorf("%w: nft %s is not owned by user %d", models.ErrInvalidOffer, asset.NFTInstanceID, ownerID)
			}
		case asset.IsCurrency():
			if !strict {
				continue
			}
			amount, err := e.balanceRepo.GetAmount(ctx, ownerID, asset.CurrencyID)
			if err != nil {
				return err
			}
			if amount < asset.Amount {
				return fmt.Errorf("%w: user %d holds %d of %s, offer needs %d", models.ErrInsufficientFunds, ownerID, amount, asset.CurrencyID, asset.Amount)
			}
		default:
			if !strict {
				continue
			}
			quantity, err := e.inventoryRepo.GetQuantity(ctx, ownerID, asset.ItemID)
			if err != nil {
				return err
			}
			if quantity < asset.Quantity {
				return fmt.Errorf("%w: user %d holds %d of %s, offer needs %d", models.ErrInsufficientQuantity, ownerID, quantity, asset.ItemID, asset.Quantity)
			}
		}
	}
	return nil
}

func (e *tradeEngine) lockNFTAssets(ctx context.Context, moves []models.AssetMove) ([]*repository.DistributedLock, error) {
	var locks []*repository.DistributedLock
	for _, move := range moves {
		if move.Kind != models.MoveNFT {
			continue
		}
		lock, err := e.lockManager.LockNFTInstance(ctx, move.NFTInstanceID, e.lockTTL)
		if err != nil {
			for _, held := range locks {
				e.releaseLock(ctx, held)
			}
			if errors.Is(err, models.ErrLockContention) {
				return nil, fmt.Errorf("%w: nft %s is busy", models.ErrInvalidState, move.NFTInstanceID)
			}
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

func (e *tradeEngine) releaseLock(ctx context.Context, lock *repository.DistributedLock) {
	if err := e.lockManager.ReleaseLock(ctx, lock); err != nil {
		logrus.WithError(err).WithField("lock_key", lock.Key).Warn("Failed to release lock")
	}
}

func (e *tradeEngine) publishTradeEvent(ctx context.Context, trade *models.Trade, eventType string) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishTradeEvent(ctx, external.NewTradeEvent(trade, eventType)); err != nil {
		logrus.WithError(err).WithField("trade_id", trade.TradeID).Warn("Failed to publish trade event")
	}
}

func validateAssets(assets []models.TradeAsset) error {
	for _, asset := range assets {
		switch {
		case asset.IsNFT():
			if asset.CurrencyID != "" || asset.ItemID != "" {
				return fmt.Errorf("%w: asset mixes nft with other kinds", models.ErrInvalidOffer)
			}
		case asset.IsCurrency():
			if asset.Amount <= 0 {
				return fmt.Errorf("%w: currency %s amount must be positive", models.ErrInvalidOffer, asset.CurrencyID)
			}
		case asset.ItemID != "":
			if asset.Quantity <= 0 {
				return fmt.Errorf("%w: item %s quantity must be positive", models.ErrInvalidOffer, asset.ItemID)
			}
		default:
			return fmt.Errorf("%w: empty asset", models.ErrInvalidOffer)
		}
	}
	return nil
}

// settlementPlan flattens both sides of the trade into currency legs and
// asset moves. Offered assets flow proposer to counterparty, requested assets
// flow the other way.
func settlementPlan(trade *models.Trade) ([]models.TransferLeg, []models.AssetMove) {
	var legs []models.TransferLeg
	var moves []models.AssetMove

	appendSide := func(assets []models.TradeAsset, from, to int64) {
		for _, asset := range assets {
			switch {
			case asset.IsCurrency():
				legs = append(legs, models.TransferLeg{
					FromUserID: from,
					ToUserID:   to,
					CurrencyID: asset.CurrencyID,
					Amount:     asset.Amount,
				})
			case asset.IsNFT():
				moves = append(moves, models.AssetMove{
					Kind:          models.MoveNFT,
					FromUserID:    from,
					ToUserID:      to,
					NFTInstanceID: asset.NFTInstanceID,
				})
			default:
				moves = append(moves, models.AssetMove{
					Kind:       models.MoveStack,
					FromUserID: from,
					ToUserID:   to,
					ItemID:     asset.ItemID,
					Quantity:   asset.Quantity,
				})
			}
		}
	}

	appendSide(trade.OfferedAssets, trade.ProposerID, trade.CounterpartyID)
	appendSide(trade.RequestedAssets, trade.CounterpartyID, trade.ProposerID)
	return legs, moves
}
