package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// BinanceFuturesWSEndpoint USDⓈ-M 合约行情推送地址。
const BinanceFuturesWSEndpoint = "wss://fstream.binance.com"

var errListenKeyExpired = errors.New("listenKey expired")

// ListenKeySource 用户数据流 listenKey 的创建与续期，BinanceRESTClient 实现该接口。
type ListenKeySource interface {
	NewListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
}

// BinanceStream 组合订阅 <symbol>@ticker 与用户数据流，断线后按退避策略重连。
// 首次连接之后的每次重连都会回调 OnReconnect，由上层做全量对账。
type BinanceStream struct {
	Endpoint string
	Keys     ListenKeySource
	Dialer   *websocket.Dialer

	backoff     BackoffPolicy
	readTimeout time.Duration
	keepAlive   time.Duration
	logger      *zap.Logger
	sleep       func(context.Context, time.Duration) error

	mu        sync.Mutex
	connected bool
	sessions  int
}

// StreamOption 配置 BinanceStream。
type StreamOption func(*BinanceStream)

func WithStreamLogger(l *zap.Logger) StreamOption {
	return func(b *BinanceStream) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithStreamBackoff 设置重连退避；MaxAttempts 被忽略，行情流无限重连。
func WithStreamBackoff(p BackoffPolicy) StreamOption {
	return func(b *BinanceStream) { b.backoff = p }
}

// WithReadTimeout 超过该时长没有收到任何消息视为断线。
func WithReadTimeout(d time.Duration) StreamOption {
	return func(b *BinanceStream) {
		if d > 0 {
			b.readTimeout = d
		}
	}
}

// WithKeepAliveInterval 设置 listenKey 续期间隔。
func WithKeepAliveInterval(d time.Duration) StreamOption {
	return func(b *BinanceStream) {
		if d > 0 {
			b.keepAlive = d
		}
	}
}

// NewBinanceStream endpoint 为空时使用正式地址；keys 为 nil 时只订阅行情。
func NewBinanceStream(endpoint string, keys ListenKeySource, opts ...StreamOption) *BinanceStream {
	if endpoint == "" {
		endpoint = BinanceFuturesWSEndpoint
	}
	b := &BinanceStream{
		Endpoint:    endpoint,
		Keys:        keys,
		Dialer:      websocket.DefaultDialer,
		backoff:     BackoffPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2},
		readTimeout: 60 * time.Second,
		keepAlive:   30 * time.Minute,
		logger:      zap.NewNop(),
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connected 当前是否持有可用连接。
func (b *BinanceStream) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Run 实现 Streamer，阻塞直到 ctx 取消或遇到不可恢复的错误（例如 API Key 无效）。
func (b *BinanceStream) Run(ctx context.Context, symbols []string, handler StreamHandler) error {
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols to subscribe")
	}
	bo := backoff.WithContext(b.backoff.NewBackOff(), ctx)
	failures := 0
	for {
		established, err := b.session(ctx, symbols, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsPermanent(err) {
			return err
		}
		if established {
			failures = 0
			bo.Reset()
		}
		failures++
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return ctx.Err()
		}
		b.logger.Warn("binance stream disconnected",
			zap.Error(err),
			zap.Int("failures", failures),
			zap.Duration("retry_in", delay))
		if err := b.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// StreamURL 构造 combined stream 地址。
func (b *BinanceStream) StreamURL(symbols []string, listenKey string) (string, error) {
	u, err := url.Parse(b.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse ws endpoint: %w", err)
	}
	streams := make([]string, 0, len(symbols)+1)
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@ticker")
	}
	if listenKey != "" {
		streams = append(streams, listenKey)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/stream"
	q := url.Values{}
	q.Set("streams", strings.Join(streams, "/"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (b *BinanceStream) session(ctx context.Context, symbols []string, handler StreamHandler) (bool, error) {
	var listenKey string
	if b.Keys != nil {
		key, err := b.Keys.NewListenKey(ctx)
		if err != nil {
			return false, fmt.Errorf("new listenKey: %w", err)
		}
		listenKey = key
	}
	target, err := b.StreamURL(symbols, listenKey)
	if err != nil {
		return false, err
	}
	conn, _, err := b.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, Retryable("ws dial", err)
	}

	b.mu.Lock()
	b.connected = true
	b.sessions++
	reconnect := b.sessions > 1
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()
	}()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()
	if listenKey != "" {
		go b.runKeepAlive(sessCtx, listenKey)
	}

	b.logger.Info("binance stream connected",
		zap.Strings("symbols", symbols),
		zap.Bool("user_data", listenKey != ""),
		zap.Bool("reconnect", reconnect))
	if reconnect {
		handler.OnReconnect()
	}
	return true, b.readLoop(conn, handler)
}

func (b *BinanceStream) readLoop(conn *websocket.Conn, handler StreamHandler) error {
	for {
		_ = conn.SetReadDeadline(timeNow().Add(b.readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := ParseStreamMessage(msg)
		if err != nil {
			b.logger.Debug("drop stream message", zap.Error(err))
			continue
		}
		switch ev.Kind {
		case StreamTick:
			handler.OnPrice(ev.Tick)
		case StreamFill:
			handler.OnFill(ev.Fill)
		case StreamListenKeyExpired:
			return errListenKeyExpired
		}
	}
}

func (b *BinanceStream) runKeepAlive(ctx context.Context, key string) {
	ticker := time.NewTicker(b.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Keys.KeepAliveListenKey(ctx, key); err != nil {
				b.logger.Warn("listenKey keepalive failed", zap.Error(err))
			}
		}
	}
}
