package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"cvfolio/internal/database"
)

// PaymentRefresher 是对账任务依赖的支付服务能力。
type PaymentRefresher interface {
	PendingForRefresh(ctx context.Context, olderThan time.Duration, limit int) ([]database.Payment, error)
	Refresh(ctx context.Context, reference string) (*database.Payment, error)
	ExpireStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// PaymentReconcileHandler 周期性回查未完成的支付，兜底丢失的 webhook。
type PaymentReconcileHandler struct {
	payments   PaymentRefresher
	refreshAge time.Duration
	staleAfter time.Duration
	batchSize  int
	logger     *slog.Logger
}

func NewPaymentReconcileHandler(payments PaymentRefresher, staleAfter time.Duration, logger *slog.Logger) *PaymentReconcileHandler {
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	return &PaymentReconcileHandler{
		payments:   payments,
		refreshAge: 2 * time.Minute,
		staleAfter: staleAfter,
		batchSize:  100,
		logger:     logger,
	}
}

func (h *PaymentReconcileHandler) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	pending, err := h.payments.PendingForRefresh(ctx, h.refreshAge, h.batchSize)
	if err != nil {
		h.logger.Error("list pending payments failed", slog.Any("error", err))
		return err
	}

	var refreshed, failed int
	for _, p := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := h.payments.Refresh(ctx, p.Reference); err != nil {
			failed++
			h.logger.Warn("refresh payment failed",
				slog.String("reference", p.Reference),
				slog.String("provider", p.Provider),
				slog.Any("error", err),
			)
			continue
		}
		refreshed++
	}

	expired, err := h.payments.ExpireStale(ctx, h.staleAfter)
	if err != nil {
		h.logger.Error("expire stale payments failed", slog.Any("error", err))
		return err
	}

	h.logger.Info("payment reconcile finished",
		slog.Int("checked", len(pending)),
		slog.Int("refreshed", refreshed),
		slog.Int("refresh_failed", failed),
		slog.Int("expired", expired),
	)
	return nil
}
