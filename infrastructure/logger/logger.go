package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 封装zap日志器，提供结构化日志功能
type Logger struct {
	*zap.Logger
	config  Config
	closers []io.Closer
}

// Config 日志配置
type Config struct {
	Level      string   `yaml:"level"`       // debug, info, warn, error
	Outputs    []string `yaml:"outputs"`     // stdout, file
	OutputFile string   `yaml:"output_file"` // 日志文件路径
	ErrorFile  string   `yaml:"error_file"`  // 错误日志单独文件
	Format     string   `yaml:"format"`      // json 或 console
	MaxSize    int      `yaml:"max_size"`    // 单个日志文件最大MB
	MaxBackups int      `yaml:"max_backups"` // 保留的旧日志文件数
	MaxAge     int      `yaml:"max_age"`     // 保留天数
	Compress   bool     `yaml:"compress"`    // 轮转后 gzip 压缩
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Outputs:    []string{"stdout"},
		Format:     "json",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
	}
}

// New 创建新的Logger实例
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	l := &Logger{config: cfg}
	cores := []zapcore.Core{}

	// 标准输出
	if contains(cfg.Outputs, "stdout") {
		var encoder zapcore.Encoder
		if cfg.Format == "console" {
			encoder = zapcore.NewConsoleEncoder(encoderConfig)
		} else {
			encoder = zapcore.NewJSONEncoder(encoderConfig)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	}

	// 文件输出，按大小轮转
	fileEncoder := encoderConfig
	fileEncoder.EncodeLevel = zapcore.CapitalLevelEncoder
	if contains(cfg.Outputs, "file") {
		if cfg.OutputFile == "" {
			return nil, errors.New("log output file is required when outputs contain file")
		}
		w := l.rotating(cfg.OutputFile)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoder), zapcore.AddSync(w), level))
	}

	// 错误日志单独文件
	if cfg.ErrorFile != "" {
		w := l.rotating(cfg.ErrorFile)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoder), zapcore.AddSync(w), zapcore.ErrorLevel))
	}

	l.Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return l, nil
}

func (l *Logger) rotating(path string) *lumberjack.Logger {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    l.config.MaxSize,
		MaxBackups: l.config.MaxBackups,
		MaxAge:     l.config.MaxAge,
		Compress:   l.config.Compress,
	}
	l.closers = append(l.closers, w)
	return w
}

// WithFields 添加字段返回新的logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.With(toFields(fields)...),
		config: l.config,
	}
}

// LogOrder 记录订单相关事件（下单、撤单、拒单）
func (l *Logger) LogOrder(event string, orderID string, fields map[string]interface{}) {
	fields = withEvent(fields, event)
	fields["order_id"] = orderID
	l.Info("order_event", l.checked("order_event", fields)...)
}

// LogTrade 记录成交与网格平移
func (l *Logger) LogTrade(event string, fields map[string]interface{}) {
	l.Info("trade_event", l.checked("trade_event", withEvent(fields, event))...)
}

// LogError 记录错误并附带上下文
func (l *Logger) LogError(err error, context map[string]interface{}) {
	context = withEvent(context, "error")
	context["error"] = err.Error()
	l.Error("error_event", toFields(context)...)
}

// LogRisk 记录风控事件（强平、仓位偏差）
func (l *Logger) LogRisk(event string, fields map[string]interface{}) {
	l.Warn("risk_event", l.checked("risk_event", withEvent(fields, event))...)
}

// Close 刷新缓冲并关闭日志文件
func (l *Logger) Close() error {
	var errs []error
	if err := l.Sync(); err != nil && !isStdSyncError(err) {
		errs = append(errs, err)
	}
	for _, c := range l.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// checked 字段不全时附加 schema_error，日志照常输出。
func (l *Logger) checked(event string, fields map[string]interface{}) []zap.Field {
	out := toFields(fields)
	if err := ValidateFields(event, fields); err != nil {
		out = append(out, zap.String("schema_error", err.Error()))
	}
	return out
}

func withEvent(fields map[string]interface{}, event string) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["event"] = event
	out["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	return out
}

func toFields(fields map[string]interface{}) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return zapFields
}

// isStdSyncError stdout 为终端或管道时 Sync 会返回 EINVAL/ENOTTY，可忽略。
func isStdSyncError(err error) bool {
	var pe *os.PathError
	return errors.As(err, &pe) && pe.Path == os.Stdout.Name()
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
