package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// 任务类型常量，确保队列生产者与消费者一致。
const (
	TypeCVRender         = "cv:render"
	TypePaymentReconcile = "payment:reconcile"
	TypeJobsImportFeed   = "jobs:import-feed"
)

// 队列名。支付对账优先于渲染，订阅源导入最低。
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Queues 是 worker 的加权队列配置。
func Queues() map[string]int {
	return map[string]int{QueueCritical: 6, QueueDefault: 3, QueueLow: 1}
}

// CVRenderPayload 描述渲染一份 CV 所需的最小信息。
type CVRenderPayload struct {
	CVID          uint   `json:"cv_id"`
	UserID        uint   `json:"user_id"`
	CorrelationID string `json:"correlation_id"`
}

// NewCVRenderTask 构造 CV 渲染任务。
func NewCVRenderTask(cvID, userID uint, correlationID string) (*asynq.Task, error) {
	payload, err := json.Marshal(CVRenderPayload{CVID: cvID, UserID: userID, CorrelationID: correlationID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCVRender, payload, asynq.Queue(QueueDefault)), nil
}

// ParseCVRender 解析渲染任务负载。
func ParseCVRender(t *asynq.Task) (CVRenderPayload, error) {
	var p CVRenderPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", TypeCVRender, err)
	}
	if p.CVID == 0 {
		return p, fmt.Errorf("decode %s payload: cv_id missing", TypeCVRender)
	}
	return p, nil
}

// NewPaymentReconcileTask 构造周期性支付对账任务（无负载）。
func NewPaymentReconcileTask() *asynq.Task {
	return asynq.NewTask(TypePaymentReconcile, nil, asynq.Queue(QueueCritical), asynq.MaxRetry(0))
}

// ImportFeedPayload 指定要导入的订阅源；为空时导入全部已配置的源。
type ImportFeedPayload struct {
	FeedURL string `json:"feed_url,omitempty"`
}

func NewImportFeedTask(feedURL string) (*asynq.Task, error) {
	payload, err := json.Marshal(ImportFeedPayload{FeedURL: feedURL})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeJobsImportFeed, payload, asynq.Queue(QueueLow), asynq.MaxRetry(2)), nil
}

func ParseImportFeed(t *asynq.Task) (ImportFeedPayload, error) {
	var p ImportFeedPayload
	if len(t.Payload()) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", TypeJobsImportFeed, err)
	}
	return p, nil
}
