package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"economy-api/internal/models"
)

// TxnRunner executes a function inside one MongoDB transaction. Readers never
// observe a partially applied batch; a write conflict aborts the whole
// transaction and is retried a bounded number of times before surfacing as a
// transient failure.
type TxnRunner interface {
	WithTransaction(ctx context.Context, fn func(ctx mongo.SessionContext) error) error
}

type mongoTxnRunner struct {
	client     *mongo.Client
	maxRetries int
}

// NewTxnRunner creates a transaction runner with bounded transient retries.
func NewTxnRunner(client *mongo.Client, maxRetries int) TxnRunner {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &mongoTxnRunner{client: client, maxRetries: maxRetries}
}

func (r *mongoTxnRunner) WithTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := r.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
			return nil, fn(sc)
		})
		if err == nil {
			return nil
		}
		if !isTransientTxnError(err) {
			return err
		}
		lastErr = err
		logrus.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"error":   err.Error(),
		}).Warn("Transient transaction conflict, retrying")
	}

	return fmt.Errorf("%w: %v", models.ErrTransientFailure, lastErr)
}

// isTransientTxnError reports whether the error is a serialization conflict
// that is safe to retry as a whole transaction.
func isTransientTxnError(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.HasErrorLabel("TransientTransactionError") || cmdErr.HasErrorLabel("UnknownTransactionCommitResult")
	}
	var labeled interface{ HasErrorLabel(string) bool }
	if errors.As(err, &labeled) {
		return labeled.HasErrorLabel("TransientTransactionError")
	}
	return false
}
