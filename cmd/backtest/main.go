package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"grid-trader-go/config"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/sim"
)

// 多 symbol K 线回放。
// 用法：
//
//	go run ./cmd/backtest -config configs/config.yaml -symbols ETHUSDC:data/eth_1m.csv,BTCUSDC:data/btc_1m.csv -out summaries.csv
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	symbolFiles := flag.String("symbols", "ETHUSDC:data/eth_1m.csv", "symbol:csv 列表，逗号分隔")
	outPath := flag.String("out", "", "若指定则写入 CSV 汇总")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer lg.Close()

	entries := parseSymbolFiles(*symbolFiles)
	if len(entries) == 0 {
		log.Fatal("未指定任何 symbol:csv")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var results []sim.Result
	for _, entry := range entries {
		sym := strings.ToUpper(entry.symbol)
		sc, ok := cfg.Symbols[sym]
		if !ok {
			lg.Warn("symbol not in config, skipped", zap.String("symbol", sym))
			continue
		}
		bars, err := sim.LoadKlineFile(entry.path)
		if err != nil {
			lg.Error("load klines failed", zap.String("symbol", sym), zap.String("path", entry.path), zap.Error(err))
			continue
		}
		runner, err := sim.NewRunner(sc.GridConfig(sym), sim.WithLogger(lg.Logger))
		if err != nil {
			lg.Error("invalid grid config", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		res, err := runner.Run(ctx, bars)
		if err != nil {
			lg.Error("replay failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		printResult(res)
		results = append(results, res)
	}

	if *outPath != "" {
		if err := writeSummary(*outPath, results); err != nil {
			log.Printf("写入汇总 CSV 失败: %v", err)
		} else {
			log.Printf("已写入汇总: %s", *outPath)
		}
	}
}

type symbolFile struct {
	symbol string
	path   string
}

func parseSymbolFiles(arg string) []symbolFile {
	if strings.TrimSpace(arg) == "" {
		return nil
	}
	var out []symbolFile
	for _, p := range strings.Split(arg, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		sym, path, ok := strings.Cut(p, ":")
		if !ok || sym == "" || path == "" {
			log.Printf("忽略无效参数: %s", p)
			continue
		}
		out = append(out, symbolFile{symbol: sym, path: path})
	}
	return out
}

func printResult(r sim.Result) {
	pct := func(v float64) float64 {
		if r.Capital == 0 {
			return 0
		}
		return v / r.Capital * 100
	}
	fmt.Printf("==== %s (%d bars, %d skipped, %.1f h) ====\n", r.Symbol, r.Bars, r.Skipped, r.Hours())
	fmt.Printf("状态:         %s\n", r.State)
	if r.Liquidation != nil {
		fmt.Printf("强平:         %s\n", r.Liquidation.Error())
	}
	fmt.Printf("初始资金:     %.2f\n", r.Capital)
	fmt.Printf("最大浮盈:     %.2f\n", r.MaxProfit)
	fmt.Printf("最大浮亏:     %.2f\n", r.MaxLoss)
	fmt.Printf("配对次数:     %d (日均 %.2f)\n", r.RoundTrips, r.DailyRoundTrips)
	fmt.Printf("已实现收益:   %.4f (%.2f%%)\n", r.Realized, pct(r.Realized))
	fmt.Printf("持仓收益:     %.4f (%.2f%%)\n", r.Unrealized, pct(r.Unrealized))
	fmt.Printf("总收益:       %.4f (%.2f%%)\n", r.Total, pct(r.Total))
	fmt.Printf("年化(单利):   %.2f%%\n", r.APRLinear*100)
	fmt.Printf("年化(复利):   %.2f%%\n", r.APRCompound*100)
	fmt.Printf("上移/下移:    %d / %d\n", r.UpShifts, r.DownShifts)
}

func writeSummary(path string, results []sim.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := sim.WriteSummaryCSV(f, results); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
