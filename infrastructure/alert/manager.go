package alert

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// 告警级别
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Alert 单条告警；Symbol 为空表示账户级
type Alert struct {
	Level     string
	Symbol    string
	Message   string
	Timestamp time.Time
	Fields    map[string]interface{}
}

func (a Alert) key() string {
	return a.Level + "|" + a.Symbol + "|" + a.Message
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Throttler 同一 key 在 interval 内只放行一次
type Throttler struct {
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewThrottler interval<=0 时不限流
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		interval: interval,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Allow 放行时记录发送时间
func (t *Throttler) Allow(key string) bool {
	if t.interval <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.lastSent[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.lastSent[key] = now
	return true
}

// Manager 将告警扇出到所有通道；通道集合构造后不变
type Manager struct {
	channels []Channel
	throttle *Throttler

	mu         sync.Mutex
	suppressed int
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: append([]Channel(nil), channels...),
		throttle: NewThrottler(throttleInterval),
	}
}

// SendAlert 被限流的告警静默丢弃；只有全部通道失败时才返回错误。nil Manager 直接忽略
func (m *Manager) SendAlert(alert Alert) error {
	if m == nil {
		return nil
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = m.throttle.now()
	}
	if !m.throttle.Allow(alert.key()) {
		m.mu.Lock()
		m.suppressed++
		m.mu.Unlock()
		return nil
	}

	var errs []error
	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.Name(), err))
		}
	}
	if len(errs) > 0 && len(errs) == len(m.channels) {
		return errors.Join(errs...)
	}
	return nil
}

// Info 账户或交易对的一般通知
func (m *Manager) Info(symbol, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelInfo, Symbol: symbol, Message: message, Fields: fields})
}

// Warning 需要关注但无需立即处理，例如仓位偏差
func (m *Manager) Warning(symbol, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelWarning, Symbol: symbol, Message: message, Fields: fields})
}

// Critical 网格已停止，例如爆仓
func (m *Manager) Critical(symbol, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelCritical, Symbol: symbol, Message: message, Fields: fields})
}

// Channels 通道名称
func (m *Manager) Channels() []string {
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Suppressed 被限流丢弃的告警数
func (m *Manager) Suppressed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suppressed
}
