// Package payment 统一封装 CinetPay、NotchPay、PayPal、Fapshi 等支付渠道，
// 并以单一状态机完成下单、回调校验与对账。
package payment

import (
	"errors"
	"fmt"
)

// Status 是支付在本系统中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusInitiated Status = "initiated"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// pending → completed 允许渠道在我们记录 initiated 之前就已确认。
var transitions = map[Status][]Status{
	StatusPending:   {StatusInitiated, StatusCompleted, StatusFailed},
	StatusInitiated: {StatusCompleted, StatusFailed},
}

// CanTransition 判断状态迁移是否合法；终态不可迁移。
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Purpose 描述支付用途，决定完成后的入账逻辑。
type Purpose string

const (
	PurposeWalletTopUp  Purpose = "wallet_topup"
	PurposePremium      Purpose = "premium"
	PurposeGuestVoucher Purpose = "guest_voucher"
)

var (
	ErrNotFound            = errors.New("payment not found")
	ErrUnknownProvider     = errors.New("unknown payment provider")
	ErrInvalidAmount       = errors.New("invalid payment amount")
	ErrInvalidPurpose      = errors.New("invalid payment purpose")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrInvalidPayload      = errors.New("invalid webhook payload")
	ErrAlreadyFinal        = errors.New("payment already in a final state")
	ErrInvalidTransition   = errors.New("invalid payment status transition")
	ErrConcurrentUpdate    = errors.New("payment updated concurrently")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrVoucherInvalid      = errors.New("voucher invalid or already used")
	ErrProviderRejected    = errors.New("payment provider rejected the request")
)

// TransientError 标记可重试的渠道故障（网络错误、5xx、429）。
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
