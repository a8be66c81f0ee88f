package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// 不可重试的错误类别，直接返回给调用方。
var (
	ErrInvalidSymbol  = errors.New("invalid symbol")
	ErrOrderNotFound  = errors.New("order not found")
	ErrBadCredentials = errors.New("bad credentials")
)

// RejectReason 下单被拒原因。
type RejectReason int

const (
	RejectOther RejectReason = iota
	// RejectWouldCross post-only 订单会立即成交（吃单）。
	RejectWouldCross
	RejectInsufficientMargin
	RejectInvalidParams
)

func (r RejectReason) String() string {
	switch r {
	case RejectWouldCross:
		return "would_cross"
	case RejectInsufficientMargin:
		return "insufficient_margin"
	case RejectInvalidParams:
		return "invalid_params"
	default:
		return "other"
	}
}

// RejectedError 交易所明确拒绝了订单。不重试。
type RejectedError struct {
	Reason  RejectReason
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order rejected (%s): code=%d %s", e.Reason, e.Code, e.Message)
}

// IsRejected 返回错误链中的 RejectedError。
func IsRejected(err error) (*RejectedError, bool) {
	var re *RejectedError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// RetryableError 网络/超时/限流等暂时性错误。
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: retryable: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable 包装为可重试错误。
func Retryable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Op: op, Err: err}
}

// IsRetryable 判断错误是否值得重试。
// 显式的 RetryableError、网络错误与超时可重试；不可重试类别、拒单、取消不重试。
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || IsPermanent(err) {
		return false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsPermanent 不可重试的错误类别。
func IsPermanent(err error) bool {
	if _, ok := IsRejected(err); ok {
		return true
	}
	return errors.Is(err, ErrInvalidSymbol) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrBadCredentials)
}
