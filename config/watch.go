package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher 基于 fsnotify 监听配置文件变更。监听所在目录并按文件名过滤，
// 以兼容编辑器“写临时文件再 rename”的保存方式。
type Watcher struct {
	path     string
	cooldown time.Duration
	logger   *zap.Logger
	watcher  *fsnotify.Watcher

	mu         sync.Mutex
	lastReload time.Time
}

// WatcherOption 配置 Watcher。
type WatcherOption func(*Watcher)

// WithCooldown 两次重载之间的最小间隔，合并一次保存产生的多个事件。
func WithCooldown(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.cooldown = d }
}

// WithWatcherLogger 设置日志。
func WithWatcherLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher 创建监听器。
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{
		path:     abs,
		cooldown: 500 * time.Millisecond,
		logger:   zap.NewNop(),
		watcher:  fw,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run 阻塞监听直到 ctx 取消；每次变更重新加载并回调，加载失败时 err 非空。
func (w *Watcher) Run(ctx context.Context, onChange func(AppConfig, error)) error {
	defer w.watcher.Close()
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !w.due() {
				continue
			}
			cfg, err := LoadWithEnvOverrides(w.path)
			if onChange != nil {
				onChange(cfg, err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) due() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if now.Sub(w.lastReload) < w.cooldown {
		return false
	}
	w.lastReload = now
	return true
}

// Diff 返回两份配置之间有变化的顶层段落与交易对。
func Diff(old, cur AppConfig) []string {
	var out []string
	sections := []struct {
		name string
		a, b interface{}
	}{
		{"env", old.Env, cur.Env},
		{"dryRun", old.DryRun, cur.DryRun},
		{"log", old.Log, cur.Log},
		{"metrics", old.Metrics, cur.Metrics},
		{"gateway", old.Gateway, cur.Gateway},
		{"store", old.Store, cur.Store},
		{"alert", old.Alert, cur.Alert},
		{"portfolio", old.Portfolio, cur.Portfolio},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.a, s.b) {
			out = append(out, s.name)
		}
	}
	var symbols []string
	for sym, sc := range cur.Symbols {
		if prev, ok := old.Symbols[sym]; !ok || prev != sc {
			symbols = append(symbols, "symbols."+sym)
		}
	}
	for sym := range old.Symbols {
		if _, ok := cur.Symbols[sym]; !ok {
			symbols = append(symbols, "symbols."+sym)
		}
	}
	sort.Strings(symbols)
	return append(out, symbols...)
}
