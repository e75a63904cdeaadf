package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

// HedgeExecutor composes two single-order executions into an atomic-attempt
// pair: the long leg runs first, and a long failure aborts the pair before
// any short exposure exists. A short failure after a filled long leaves a
// real unhedged position; it is reported precisely and never auto-reversed.
type HedgeExecutor struct {
	logger   *slog.Logger
	orders   *Executor
	notifier domain.NotificationSink
}

// NewHedgeExecutor creates a HedgeExecutor. notifier may be nil.
func NewHedgeExecutor(logger *slog.Logger, orders *Executor, notifier domain.NotificationSink) *HedgeExecutor {
	return &HedgeExecutor{
		logger:   logger.With(slog.String("component", "hedge_executor")),
		orders:   orders,
		notifier: notifier,
	}
}

// ExecuteHedgeOrders executes the legs strictly sequentially so failure
// attribution stays unambiguous. Success is reported only when both legs
// fill.
func (h *HedgeExecutor) ExecuteHedgeOrders(ctx context.Context, longOrder, shortOrder domain.Order) (domain.HedgeExecutionResult, error) {
	result := domain.HedgeExecutionResult{}

	longRes, err := h.orders.ExecuteOrder(ctx, longOrder)
	if err != nil || !longRes.Success {
		result.FailedOrders = append(result.FailedOrders, "long")
		h.logger.Warn("hedge aborted: long leg failed before short was attempted",
			slog.String("long_order_id", longOrder.ID),
			slog.String("error", errString(err)))
		if err == nil {
			err = fmt.Errorf("executor: long leg %s did not fill", longOrder.ID)
		}
		return result, err
	}
	result.SuccessfulOrders = append(result.SuccessfulOrders, longRes.Signature)
	result.TotalFees += longRes.Fee

	shortRes, err := h.orders.ExecuteOrder(ctx, shortOrder)
	if err != nil || !shortRes.Success {
		result.FailedOrders = append(result.FailedOrders, "short")

		atomicErr := &domain.AtomicExecutionError{
			Successful: result.SuccessfulOrders,
			Failed:     []string{"short"},
			Reason:     fmt.Sprintf("short leg failed after long fill: %s", errString(err)),
		}
		h.logger.Error("unhedged exposure: short leg failed after long fill",
			slog.String("long_signature", longRes.Signature),
			slog.String("short_order_id", shortOrder.ID),
			slog.String("error", errString(err)))
		h.alertUnhedged(ctx, longRes.Signature, atomicErr)
		return result, atomicErr
	}
	result.SuccessfulOrders = append(result.SuccessfulOrders, shortRes.Signature)
	result.TotalFees += shortRes.Fee
	result.Success = true

	h.logger.Info("hedge pair filled",
		slog.String("long_signature", longRes.Signature),
		slog.String("short_signature", shortRes.Signature),
		slog.Float64("total_fees", result.TotalFees))
	return result, nil
}

// alertUnhedged raises a high-priority operator alert. Fire-and-forget:
// notification failures never affect the trading flow.
func (h *HedgeExecutor) alertUnhedged(ctx context.Context, longSignature string, cause *domain.AtomicExecutionError) {
	if h.notifier == nil {
		return
	}
	msg := fmt.Sprintf("Long leg %s filled but the short leg failed: %s. Manual reconciliation required.",
		longSignature, cause.Reason)
	if err := h.notifier.Notify(ctx, "unhedged_exposure", "Unhedged exposure", msg); err != nil {
		h.logger.Warn("unhedged exposure alert failed", slog.String("error", err.Error()))
	}
}

func errString(err error) string {
	if err == nil {
		return "leg reported no fill"
	}
	return err.Error()
}
