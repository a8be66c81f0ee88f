package alert

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ZapChannel 将告警写入结构化日志
type ZapChannel struct {
	logger *zap.Logger
	name   string
}

// NewZapChannel 创建日志告警通道
func NewZapChannel(name string, logger *zap.Logger) *ZapChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapChannel{logger: logger.Named("alert"), name: name}
}

// Send 按级别写日志
func (c *ZapChannel) Send(alert Alert) error {
	fields := make([]zap.Field, 0, len(alert.Fields)+2)
	fields = append(fields, zap.Time("alert_ts", alert.Timestamp))
	if alert.Symbol != "" {
		fields = append(fields, zap.String("symbol", alert.Symbol))
	}
	for _, k := range sortedKeys(alert.Fields) {
		fields = append(fields, zap.Any(k, alert.Fields[k]))
	}
	switch alert.Level {
	case LevelCritical, LevelError:
		c.logger.Error(alert.Message, fields...)
	case LevelWarning:
		c.logger.Warn(alert.Message, fields...)
	default:
		c.logger.Info(alert.Message, fields...)
	}
	return nil
}

// Name 返回通道名称
func (c *ZapChannel) Name() string {
	return c.name
}

// ConsoleChannel 控制台告警通道（彩色输出）
type ConsoleChannel struct {
	name string
	out  io.Writer
}

// NewConsoleChannel 创建控制台告警通道，输出到 stderr
func NewConsoleChannel(name string) *ConsoleChannel {
	return &ConsoleChannel{name: name, out: os.Stderr}
}

// Send 发送告警到控制台（带颜色）
func (c *ConsoleChannel) Send(alert Alert) error {
	colorReset := "\033[0m"
	colorCode := colorReset
	switch alert.Level {
	case LevelInfo:
		colorCode = "\033[32m" // 绿色
	case LevelWarning:
		colorCode = "\033[33m" // 黄色
	case LevelError:
		colorCode = "\033[31m" // 红色
	case LevelCritical:
		colorCode = "\033[35m" // 紫色
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s[%s]%s %s", colorCode, alert.Level, colorReset, alert.Timestamp.Format(time.DateTime))
	if alert.Symbol != "" {
		fmt.Fprintf(&b, " %s", alert.Symbol)
	}
	fmt.Fprintf(&b, " - %s", alert.Message)
	if len(alert.Fields) > 0 {
		b.WriteString(" |")
		for _, k := range sortedKeys(alert.Fields) {
			fmt.Fprintf(&b, " %s=%v", k, alert.Fields[k])
		}
	}
	b.WriteByte('\n')
	_, err := io.WriteString(c.out, b.String())
	return err
}

// Name 返回通道名称
func (c *ConsoleChannel) Name() string {
	return c.name
}

// WebhookChannel 以 JSON POST 推送告警（钉钉/企业微信/Slack 等机器人网关）
type WebhookChannel struct {
	name string
	url  string
	http *resty.Client
}

// webhookPayload 推送体
type webhookPayload struct {
	Level     string                 `json:"level"`
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// NewWebhookChannel timeout<=0 时使用 5s
func NewWebhookChannel(name, url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookChannel{
		name: name,
		url:  url,
		http: resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
	}
}

// Send 非 2xx 视为失败
func (c *WebhookChannel) Send(alert Alert) error {
	resp, err := c.http.R().SetBody(webhookPayload{
		Level:     alert.Level,
		Symbol:    alert.Symbol,
		Message:   alert.Message,
		Timestamp: alert.Timestamp,
		Fields:    alert.Fields,
	}).Post(c.url)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// Name 返回通道名称
func (c *WebhookChannel) Name() string {
	return c.name
}

// MockChannel 模拟告警通道（用于测试）
type MockChannel struct {
	name      string
	mu        sync.Mutex
	alerts    []Alert
	shouldErr bool
}

// NewMockChannel 创建模拟告警通道
func NewMockChannel(name string) *MockChannel {
	return &MockChannel{
		name:   name,
		alerts: make([]Alert, 0),
	}
}

// Send 记录告警（用于测试验证）
func (c *MockChannel) Send(alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return fmt.Errorf("mock error")
	}
	c.alerts = append(c.alerts, alert)
	return nil
}

// Name 返回通道名称
func (c *MockChannel) Name() string {
	return c.name
}

// GetAlerts 获取所有接收到的告警
func (c *MockChannel) GetAlerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.alerts...)
}

// SetShouldError 设置是否返回错误
func (c *MockChannel) SetShouldError(shouldErr bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldErr = shouldErr
}

// Clear 清空告警记录
func (c *MockChannel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = make([]Alert, 0)
}

// Count 返回接收到的告警数量
func (c *MockChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
