package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"economy-api/internal/monitoring"
	"economy-api/internal/repository"
)

// ReconciliationEngine verifies the core ledger invariant: for every
// (user, currency) pair the sum of audit entry deltas equals the stored
// balance. It only reports; discrepancies are fixed by explicit admin
// reversal entries, never silently.
type ReconciliationEngine interface {
	ReconcileBalance(ctx context.Context, userID int64, currencyID string) (*ReconciliationResult, error)
	ReconcileAll(ctx context.Context, batchSize int) (*BatchReconciliationResult, error)
}

type reconciliationEngine struct {
	balanceRepo repository.BalanceRepository
	ledgerRepo  repository.LedgerRepository
}

func NewReconciliationEngine(
	balanceRepo repository.BalanceRepository,
	ledgerRepo repository.LedgerRepository,
) ReconciliationEngine {
	return &reconciliationEngine{
		balanceRepo: balanceRepo,
		ledgerRepo:  ledgerRepo,
	}
}

// ReconciliationResult compares one stored balance with its ledger sum.
type ReconciliationResult struct {
	UserID        int64     `json:"user_id"`
	CurrencyID    string    `json:"currency_id"`
	StoredAmount  int64     `json:"stored_amount"`
	LedgerSum     int64     `json:"ledger_sum"`
	Discrepancy   int64     `json:"discrepancy"`
	Consistent    bool      `json:"consistent"`
	ReconciledAt  time.Time `json:"reconciled_at"`
}

type BatchReconciliationResult struct {
	TotalBalances      int                     `json:"total_balances"`
	DiscrepanciesFound int                     `json:"discrepancies_found"`
	Discrepancies      []*ReconciliationResult `json:"discrepancies,omitempty"`
	StartedAt          time.Time               `json:"started_at"`
	FinishedAt         time.Time               `json:"finished_at"`
}

func (e *reconciliationEngine) ReconcileBalance(ctx context.Context, userID int64, currencyID string) (*ReconciliationResult, error) {
	stored, err := e.balanceRepo.GetAmount(ctx, userID, currencyID)
	if err != nil {
		return nil, err
	}
	sum, err := e.ledgerRepo.SumDeltas(ctx, userID, currencyID)
	if err != nil {
		return nil, err
	}

	result := &ReconciliationResult{
		UserID:       userID,
		CurrencyID:   currencyID,
		StoredAmount: stored,
		LedgerSum:    sum,
		Discrepancy:  stored - sum,
		Consistent:   stored == sum,
		ReconciledAt: time.Now().UTC(),
	}
	if !result.Consistent {
		logrus.WithFields(logrus.Fields{
			"user_id":     userID,
			"currency_id": currencyID,
			"stored":      stored,
			"ledger_sum":  sum,
		}).Error("Balance disagrees with ledger sum")
	}
	return result, nil
}

// ReconcileAll walks every balance row in pages and checks each against its
// ledger sum. Returns only the inconsistent rows.
func (e *reconciliationEngine) ReconcileAll(ctx context.Context, batchSize int) (*BatchReconciliationResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	batch := &BatchReconciliationResult{StartedAt: time.Now().UTC()}
	for offset := 0; ; offset += batchSize {
		balances, err := e.balanceRepo.ListAll(ctx, batchSize, offset)
		if err != nil {
			return nil, err
		}
		if len(balances) == 0 {
			break
		}

		for _, balance := range balances {
			batch.TotalBalances++
			result, err := e.ReconcileBalance(ctx, balance.UserID, balance.CurrencyID)
			if err != nil {
				return nil, err
			}
			if !result.Consistent {
				batch.DiscrepanciesFound++
				batch.Discrepancies = append(batch.Discrepancies, result)
			}
		}
		if len(balances) < batchSize {
			break
		}
	}

	batch.FinishedAt = time.Now().UTC()
	monitoring.ReconciliationDiscrepancies.Set(float64(batch.DiscrepanciesFound))
	logrus.WithFields(logrus.Fields{
		"total_balances": batch.TotalBalances,
		"discrepancies":  batch.DiscrepanciesFound,
		"duration_sec":   batch.FinishedAt.Sub(batch.StartedAt).Seconds(),
	}).Info("Reconciliation run finished")
	return batch, nil
}
