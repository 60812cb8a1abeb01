package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"cvfolio/internal/config"
	"cvfolio/internal/metrics"
	"cvfolio/internal/tasks"
)

// Handlers 汇总 worker 注册的全部任务处理器。
type Handlers struct {
	CVRender         asynq.Handler
	PaymentReconcile asynq.Handler
	FeedImport       asynq.Handler
}

// NewServeMux 注册任务路由并挂载指标中间件。
func NewServeMux(h Handlers) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Use(metrics.AsynqMetricsMiddleware())
	if h.CVRender != nil {
		mux.Handle(tasks.TypeCVRender, h.CVRender)
	}
	if h.PaymentReconcile != nil {
		mux.Handle(tasks.TypePaymentReconcile, h.PaymentReconcile)
	}
	if h.FeedImport != nil {
		mux.Handle(tasks.TypeJobsImportFeed, h.FeedImport)
	}
	return mux
}

// ServerConfig 返回带加权队列的 asynq 配置。
func ServerConfig(cfg config.WorkerConfig, logger *slog.Logger) asynq.Config {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	return asynq.Config{
		Concurrency: concurrency,
		Queues:      tasks.Queues(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("task failed", slog.String("task_type", task.Type()), slog.Any("error", err))
		}),
	}
}

// Registrar 是 asynq.Scheduler 的注册能力。
type Registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// RegisterSchedules 注册周期任务：支付对账与职位订阅源导入（未配置订阅源时跳过）。
func RegisterSchedules(s Registrar, cfg *config.Config) ([]string, error) {
	var ids []string

	id, err := s.Register(cfg.Worker.ReconcileSchedule, tasks.NewPaymentReconcileTask(), asynq.Unique(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("register payment reconcile schedule: %w", err)
	}
	ids = append(ids, id)

	if len(cfg.Jobs.Feeds()) > 0 {
		task, err := tasks.NewImportFeedTask("")
		if err != nil {
			return nil, err
		}
		id, err := s.Register(cfg.Jobs.ImportSchedule, task)
		if err != nil {
			return nil, fmt.Errorf("register job feed schedule: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
