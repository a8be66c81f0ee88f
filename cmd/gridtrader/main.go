package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"grid-trader-go/config"
	"grid-trader-go/internal/container"
	"grid-trader-go/internal/store"
	"grid-trader-go/strategy"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	dryRun := flag.Bool("dryRun", false, "模拟盘：真实行情驱动内存撮合，不下真实订单")
	exportState := flag.String("exportState", "", "导出快照到 JSON 文件后退出（- 表示 stdout）")
	importState := flag.String("importState", "", "从 JSON 文件导入快照后退出")
	flag.Parse()

	if *exportState != "" || *importState != "" {
		if err := runStateTool(*cfgPath, *exportState, *importState); err != nil {
			log.Fatalf("快照操作失败: %v", err)
		}
		return
	}

	c, err := container.New(*cfgPath, *dryRun)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("构建失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		_ = c.Stop()
		log.Fatalf("启动失败: %v", err)
	}
	lg := c.Logger()
	notify(lg, daemon.SdNotifyReady)

	watchdog := watchdogInterval()
	var tick <-chan time.Time
	if watchdog > 0 {
		ticker := time.NewTicker(watchdog)
		defer ticker.Stop()
		tick = ticker.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-tick:
			// 不健康时不喂狗，由 systemd 重启
			if err := c.HealthCheck(); err != nil {
				lg.Warn("health check failed", zap.Error(err))
				continue
			}
			notify(lg, daemon.SdNotifyWatchdog)
		}
	}

	lg.Info("shutdown signal received")
	notify(lg, daemon.SdNotifyStopping)
	if err := c.Stop(); err != nil {
		log.Printf("停止时出现错误: %v", err)
		os.Exit(1)
	}
}

// watchdogInterval systemd WatchdogSec 的一半；未启用时为 0。
func watchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

func notify(lg *zap.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		lg.Debug("sd_notify failed", zap.String("state", state), zap.Error(err))
	}
}

func runStateTool(cfgPath, exportPath, importPath string) error {
	cfg, err := config.LoadWithEnvOverrides(cfgPath)
	if err != nil && !isCredentialOnly(err) {
		return err
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path is not configured")
	}
	st, err := store.Open(store.Options{Path: cfg.Store.Path, ReadOnly: importPath == ""})
	if err != nil {
		return err
	}
	defer st.Close()

	if importPath != "" {
		raw, err := os.ReadFile(importPath)
		if err != nil {
			return err
		}
		var snaps []strategy.Snapshot
		if err := json.Unmarshal(raw, &snaps); err != nil {
			return fmt.Errorf("parse %s: %w", importPath, err)
		}
		if err := st.Import(snaps); err != nil {
			return err
		}
		log.Printf("已导入 %d 个快照", len(snaps))
	}
	if exportPath != "" {
		snaps, err := st.Export()
		if err != nil {
			return err
		}
		out := os.Stdout
		if exportPath != "-" {
			f, err := os.Create(exportPath)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snaps); err != nil {
			return err
		}
	}
	return nil
}

// isCredentialOnly 快照工具不访问交易所，允许缺少 API Key。
func isCredentialOnly(err error) bool {
	return errors.Is(err, config.ErrMissingCredentials)
}
