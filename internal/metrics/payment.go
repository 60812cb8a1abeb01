package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	paymentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvfolio",
			Subsystem: "payment",
			Name:      "transitions_total",
			Help:      "支付状态迁移次数。",
		},
		[]string{"provider", "status"},
	)

	webhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvfolio",
			Subsystem: "payment",
			Name:      "webhooks_total",
			Help:      "收到的渠道回调数量，按处理结果区分。",
		},
		[]string{"provider", "outcome"},
	)

	completedAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvfolio",
			Subsystem: "payment",
			Name:      "completed_base_amount_total",
			Help:      "已完成支付折算为基础货币的金额合计。",
		},
		[]string{"provider", "purpose"},
	)
)

// ObservePaymentTransition 记录一次状态迁移。
func ObservePaymentTransition(provider, status string) {
	paymentTransitions.WithLabelValues(provider, status).Inc()
}

// ObserveWebhook 记录回调处理结果（ok、duplicate、ignored、invalid_signature、invalid_payload、error）。
func ObserveWebhook(provider, outcome string) {
	webhooksReceived.WithLabelValues(provider, outcome).Inc()
}

// ObserveCompletedAmount 累加已完成支付的基础货币金额。
func ObserveCompletedAmount(provider, purpose string, baseAmount float64) {
	completedAmount.WithLabelValues(provider, purpose).Add(baseAmount)
}
