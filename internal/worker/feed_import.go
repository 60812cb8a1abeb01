package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"cvfolio/internal/jobs"
	"cvfolio/internal/tasks"
)

// FeedImporter 导入单个职位订阅源。
type FeedImporter interface {
	Import(ctx context.Context, feedURL string) (*jobs.ImportStats, error)
}

// FeedImportHandler 消费 jobs:import-feed 任务。
type FeedImportHandler struct {
	importer FeedImporter
	feeds    []string
	logger   *slog.Logger
}

func NewFeedImportHandler(importer FeedImporter, feeds []string, logger *slog.Logger) *FeedImportHandler {
	return &FeedImportHandler{importer: importer, feeds: feeds, logger: logger}
}

// ProcessTask 导入负载指定的源，未指定时导入全部源；单个源失败不影响其余源。
func (h *FeedImportHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	payload, err := tasks.ParseImportFeed(t)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	feeds := h.feeds
	if payload.FeedURL != "" {
		feeds = []string{payload.FeedURL}
	}
	if len(feeds) == 0 {
		h.logger.Info("no job feeds configured, skipping import")
		return nil
	}

	var errs []error
	for _, feed := range feeds {
		if _, err := h.importer.Import(ctx, feed); err != nil {
			h.logger.Warn("import job feed failed", slog.String("feed", feed), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	if len(errs) == len(feeds) {
		return errors.Join(errs...)
	}
	return nil
}
