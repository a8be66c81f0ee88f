package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// BackoffPolicy 有界指数退避加抖动。
type BackoffPolicy struct {
	MaxAttempts int           // 含首次调用
	BaseDelay   time.Duration // 第一次重试前的等待
	MaxDelay    time.Duration
	Jitter      float64 // 0~1，按比例随机放大/缩小等待
}

// DefaultBackoff 默认退避参数。
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 4,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
	}
}

// NewBackOff 按策略生成指数退避：BaseDelay*2^n，封顶 MaxDelay，Jitter 作为随机因子；不限总时长。
func (p BackoffPolicy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RetryHook 每次重试前回调（用于指标）。
type RetryHook func(op string, attempt int, err error)

// Retrying 为任意 ExchangeGateway 增加限流与重试。
// 拒单与不可重试类别立即返回；暂时性错误按退避重试，用尽后返回最后一次错误。
type Retrying struct {
	inner   ExchangeGateway
	limiter RateLimiter
	policy  BackoffPolicy
	logger  *zap.Logger
	onRetry RetryHook
	timer   backoff.Timer // nil 时使用真实计时器
}

// RetryOption 配置 Retrying。
type RetryOption func(*Retrying)

// WithRetryHook 注册重试回调。
func WithRetryHook(h RetryHook) RetryOption {
	return func(r *Retrying) { r.onRetry = h }
}

// WithRetryLogger 设置日志。
func WithRetryLogger(l *zap.Logger) RetryOption {
	return func(r *Retrying) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRetrying 包装 inner；limiter 为 nil 时不限流。
func NewRetrying(inner ExchangeGateway, limiter RateLimiter, policy BackoffPolicy, opts ...RetryOption) *Retrying {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	r := &Retrying{
		inner:   inner,
		limiter: limiter,
		policy:  policy,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func call[T any](ctx context.Context, r *Retrying, op string, fn func(context.Context) (T, error)) (T, error) {
	attempts := 0
	operation := func() (T, error) {
		attempts++
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				var zero T
				return zero, backoff.Permanent(fmt.Errorf("%s: rate limiter: %w", op, err))
			}
		}
		v, err := fn(ctx)
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, delay time.Duration) {
		if r.onRetry != nil {
			r.onRetry(op, attempts, err)
		}
		r.logger.Debug("gateway retry",
			zap.String("op", op),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(r.policy.NewBackOff(), uint64(r.policy.MaxAttempts-1)), ctx)

	v, err := backoff.RetryNotifyWithTimerAndData(operation, b, notify, r.timer)
	switch {
	case err == nil:
		return v, nil
	case !IsRetryable(err):
		return v, err
	case ctx.Err() != nil:
		return v, fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), err)
	default:
		return v, fmt.Errorf("%s: giving up after %d attempts: %w", op, attempts, err)
	}
}

// PlaceOrder 重试时沿用同一 ClientID，交易所据此去重。
func (r *Retrying) PlaceOrder(ctx context.Context, req PlaceRequest) (string, error) {
	return call(ctx, r, "place_order", func(ctx context.Context) (string, error) {
		return r.inner.PlaceOrder(ctx, req)
	})
}

func (r *Retrying) CancelOrder(ctx context.Context, symbol, orderID string) (CancelResult, error) {
	res, err := call(ctx, r, "cancel_order", func(ctx context.Context) (CancelResult, error) {
		return r.inner.CancelOrder(ctx, symbol, orderID)
	})
	if err != nil {
		return CancelFailed, err
	}
	return res, nil
}

func (r *Retrying) FetchOpenOrders(ctx context.Context, symbol string) ([]LiveOrder, error) {
	return call(ctx, r, "fetch_open_orders", func(ctx context.Context) ([]LiveOrder, error) {
		return r.inner.FetchOpenOrders(ctx, symbol)
	})
}

func (r *Retrying) FetchOrder(ctx context.Context, symbol, orderID string) (LiveOrder, error) {
	return call(ctx, r, "fetch_order", func(ctx context.Context) (LiveOrder, error) {
		return r.inner.FetchOrder(ctx, symbol, orderID)
	})
}

func (r *Retrying) FetchPosition(ctx context.Context, symbol string) (Position, error) {
	return call(ctx, r, "fetch_position", func(ctx context.Context) (Position, error) {
		return r.inner.FetchPosition(ctx, symbol)
	})
}

func (r *Retrying) FetchEquity(ctx context.Context) (float64, error) {
	return call(ctx, r, "fetch_equity", func(ctx context.Context) (float64, error) {
		return r.inner.FetchEquity(ctx)
	})
}

func (r *Retrying) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	return call(ctx, r, "fetch_price", func(ctx context.Context) (float64, error) {
		return r.inner.FetchPrice(ctx, symbol)
	})
}
