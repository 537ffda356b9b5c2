package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"sixjars/internal/amqp"
	"sixjars/internal/core"
	"sixjars/internal/services"
)

// BatchWorker maps inbound queue messages onto the allocation engine.
//
// Error policy follows the engine's taxonomy: validation rejections are
// final (resubmitting the same invalid batch cannot succeed, so the
// message is logged and dropped), consistency violations are fatal for
// the batch and must not be requeued, and everything else is treated as
// transient I/O worth a redelivery.
type BatchWorker struct {
	service *services.JarService
	incomes services.IncomeStore
}

func NewBatchWorker(service *services.JarService, incomes services.IncomeStore) *BatchWorker {
	return &BatchWorker{
		service: service,
		incomes: incomes,
	}
}

// HandleBatchRequest executes one batch request message.
func (w *BatchWorker) HandleBatchRequest(ctx context.Context, msg *amqp.BatchRequestMessage) error {
	slog.InfoContext(ctx, "Processing batch request",
		"user_id", msg.UserID,
		"kind", msg.Kind)

	var err error
	switch msg.Kind {
	case amqp.KindCreate:
		_, err = w.service.Create(ctx, msg.UserID, createSpecs(msg.Creates))
	case amqp.KindUpdate:
		_, err = w.service.Update(ctx, msg.UserID, updateSpecs(msg.Updates))
	case amqp.KindDelete:
		_, err = w.service.Delete(ctx, msg.UserID, msg.Deletes, msg.Reason)
	default:
		slog.ErrorContext(ctx, "Unknown batch kind, dropping message",
			"user_id", msg.UserID,
			"kind", msg.Kind)
		return nil
	}

	switch {
	case err == nil:
		return nil
	case core.IsValidationError(err):
		slog.WarnContext(ctx, "Batch rejected, nothing mutated",
			"user_id", msg.UserID,
			"kind", msg.Kind,
			"error", err)
		return nil
	case errors.Is(err, core.ErrConsistency):
		// Retrying reproduces the same violation; ack and leave the jar
		// set for manual reconciliation (jars-repair).
		slog.ErrorContext(ctx, "Consistency violation, manual reconciliation required",
			"user_id", msg.UserID,
			"kind", msg.Kind,
			"error", err)
		return nil
	default:
		return fmt.Errorf("execute %s batch: %w", msg.Kind, err)
	}
}

// HandleIncomeChanged persists the new income and sweeps every jar's
// derived amounts.
func (w *BatchWorker) HandleIncomeChanged(ctx context.Context, msg *amqp.IncomeChangedMessage) error {
	slog.InfoContext(ctx, "Processing income change",
		"user_id", msg.UserID,
		"total_income", msg.TotalIncome)

	income := decimal.NewFromFloat(msg.TotalIncome)
	if !income.IsPositive() {
		slog.WarnContext(ctx, "Dropping non-positive income change",
			"user_id", msg.UserID,
			"total_income", msg.TotalIncome)
		return nil
	}

	if err := w.incomes.SetTotalIncome(ctx, msg.UserID, income); err != nil {
		return fmt.Errorf("store income: %w", err)
	}
	if err := w.service.ApplyIncomeChange(ctx, msg.UserID); err != nil {
		return fmt.Errorf("apply income change: %w", err)
	}
	return nil
}

// RepairSweep checks every user's percent sum and rescales broken sets.
// Run periodically as a backstop against crashes between a batch's
// mutation and its rebalance.
func (w *BatchWorker) RepairSweep(ctx context.Context, repo services.JarRepository) error {
	users, err := repo.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	repaired := 0
	for _, userID := range users {
		report, err := w.service.Repair(ctx, userID)
		if err != nil {
			slog.ErrorContext(ctx, "Repair failed", "user_id", userID, "error", err)
			continue
		}
		if report.Repaired {
			repaired++
		}
	}

	if repaired > 0 {
		slog.InfoContext(ctx, "Repair sweep completed",
			"users", len(users),
			"repaired", repaired)
	}
	return nil
}

func createSpecs(entries []amqp.CreateEntry) []core.CreateSpec {
	specs := make([]core.CreateSpec, len(entries))
	for i, e := range entries {
		specs[i] = core.CreateSpec{
			Name:        e.Name,
			Description: e.Description,
			Percent:     e.Percent,
			Amount:      decimalPtr(e.Amount),
		}
	}
	return specs
}

func updateSpecs(entries []amqp.UpdateEntry) []core.UpdateSpec {
	specs := make([]core.UpdateSpec, len(entries))
	for i, e := range entries {
		specs[i] = core.UpdateSpec{
			JarName:        e.JarName,
			NewName:        e.NewName,
			NewDescription: e.NewDescription,
			NewPercent:     e.NewPercent,
			NewAmount:      decimalPtr(e.NewAmount),
		}
	}
	return specs
}

func decimalPtr(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}
