package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"grid-trader-go/config"
	"grid-trader-go/gateway"
	"grid-trader-go/internal/engine"
	"grid-trader-go/internal/store"
	"grid-trader-go/market"
)

const usage = `用法: gridctl [-config path] <command> [flags]

命令:
  status   -symbol S   查询持仓、挂单与账户权益（默认全部交易对）
  cancel   -symbol S   撤销该交易对全部挂单
  flatten  -symbol S   撤单后用激进限价单平掉持仓 (-bps 让价，默认 20)
  report               从快照库输出各交易对网格收益
`

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	case "status":
		err = runStatus(ctx, *cfgPath, args)
	case "cancel":
		err = runCancel(ctx, *cfgPath, args)
	case "flatten":
		err = runFlatten(ctx, *cfgPath, args)
	case "report":
		err = runReport(*cfgPath)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s 失败: %v", cmd, err)
	}
}

func loadConfig(path string, needKeys bool) (config.AppConfig, error) {
	cfg, err := config.LoadWithEnvOverrides(path)
	if err != nil && (needKeys || !errors.Is(err, config.ErrMissingCredentials)) {
		return cfg, fmt.Errorf("加载配置失败: %w", err)
	}
	return cfg, nil
}

func newClient(cfg config.AppConfig) gateway.ExchangeGateway {
	rest := gateway.NewBinanceRESTClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.APISecret, cfg.Gateway.Timeout)
	return gateway.NewRetrying(rest, gateway.NewTokenBucketLimiter(5, 5), gateway.DefaultBackoff())
}

func symbolArgs(cfg config.AppConfig, name string, args []string, extra func(*flag.FlagSet)) ([]string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	symbol := fs.String("symbol", "", "合约代码，如 ETHUSDC")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if s := strings.ToUpper(strings.TrimSpace(*symbol)); s != "" {
		return []string{s}, nil
	}
	names := cfg.SymbolNames()
	if len(names) == 0 {
		return nil, errors.New("未配置交易对，请指定 -symbol")
	}
	return names, nil
}

func runStatus(ctx context.Context, cfgPath string, args []string) error {
	cfg, err := loadConfig(cfgPath, true)
	if err != nil {
		return err
	}
	symbols, err := symbolArgs(cfg, "status", args, nil)
	if err != nil {
		return err
	}
	gw := newClient(cfg)

	equity, err := gw.FetchEquity(ctx)
	if err != nil {
		return fmt.Errorf("查询权益失败: %w", err)
	}
	fmt.Printf("账户权益: %.4f\n", equity)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tQTY\tAVG\tUNREALIZED\tBUY\tSELL")
	for _, sym := range symbols {
		pos, err := gw.FetchPosition(ctx, sym)
		if err != nil {
			return fmt.Errorf("查询 %s 持仓失败: %w", sym, err)
		}
		orders, err := gw.FetchOpenOrders(ctx, sym)
		if err != nil {
			return fmt.Errorf("查询 %s 挂单失败: %w", sym, err)
		}
		buys, sells := 0, 0
		for _, o := range orders {
			if o.Side == market.Buy {
				buys++
			} else {
				sells++
			}
		}
		fmt.Fprintf(tw, "%s\t%.6f\t%.4f\t%.4f\t%d\t%d\n", sym, pos.Quantity, pos.AvgPrice, pos.Unrealized, buys, sells)
	}
	return tw.Flush()
}

func runCancel(ctx context.Context, cfgPath string, args []string) error {
	cfg, err := loadConfig(cfgPath, true)
	if err != nil {
		return err
	}
	symbols, err := symbolArgs(cfg, "cancel", args, nil)
	if err != nil {
		return err
	}
	gw := newClient(cfg)
	for _, sym := range symbols {
		n, err := cancelAll(ctx, gw, sym)
		if err != nil {
			return err
		}
		fmt.Printf("[%s] 已撤销 %d 笔挂单\n", sym, n)
	}
	return nil
}

func cancelAll(ctx context.Context, gw gateway.ExchangeGateway, symbol string) (int, error) {
	orders, err := gw.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("查询 %s 挂单失败: %w", symbol, err)
	}
	n := 0
	for _, o := range orders {
		res, err := gw.CancelOrder(ctx, symbol, o.OrderID)
		if err != nil || !res.Succeeded() {
			log.Printf("[%s] 撤单 %s 失败: %v", symbol, o.OrderID, err)
			continue
		}
		n++
	}
	return n, nil
}

func runFlatten(ctx context.Context, cfgPath string, args []string) error {
	cfg, err := loadConfig(cfgPath, true)
	if err != nil {
		return err
	}
	var bps float64
	symbols, err := symbolArgs(cfg, "flatten", args, func(fs *flag.FlagSet) {
		fs.Float64Var(&bps, "bps", 20, "相对最新价的让价（基点）")
	})
	if err != nil {
		return err
	}
	gw := newClient(cfg)
	for _, sym := range symbols {
		if _, err := cancelAll(ctx, gw, sym); err != nil {
			return err
		}
		if err := flatten(ctx, gw, cfg.Symbols[sym], sym, bps); err != nil {
			return err
		}
	}
	return nil
}

// flatten 以越过最新价 bps 的限价单平仓，客户端单号沿用校正单前缀，避免被网格对账撤掉。
func flatten(ctx context.Context, gw gateway.ExchangeGateway, sc config.SymbolConfig, symbol string, bps float64) error {
	pos, err := gw.FetchPosition(ctx, symbol)
	if err != nil {
		return fmt.Errorf("查询 %s 持仓失败: %w", symbol, err)
	}
	if math.Abs(pos.Quantity) < 1e-8 {
		fmt.Printf("[%s] 当前无持仓，无需平仓\n", symbol)
		return nil
	}
	last, err := gw.FetchPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("查询 %s 价格失败: %w", symbol, err)
	}

	side := market.Sell
	price := last * (1 - bps/10000)
	if pos.Quantity < 0 {
		side = market.Buy
		price = last * (1 + bps/10000)
	}
	if sc.TickSize > 0 {
		price = math.Round(price/sc.TickSize) * sc.TickSize
	}
	qty := math.Abs(pos.Quantity)
	id, err := gw.PlaceOrder(ctx, gateway.PlaceRequest{
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Quantity: qty,
		ClientID: engine.CorrectionClientIDPrefix + uuid.NewString()[:18],
	})
	if err != nil {
		return fmt.Errorf("提交 %s 平仓单失败: %w", symbol, err)
	}
	fmt.Printf("[%s] 已提交 %s 平仓单 id=%s qty=%.6f price=%.4f\n", symbol, side, id, qty, price)
	return nil
}

func runReport(cfgPath string) error {
	cfg, err := loadConfig(cfgPath, false)
	if err != nil {
		return err
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path is not configured")
	}
	st, err := store.Open(store.Options{Path: cfg.Store.Path, ReadOnly: true})
	if err != nil {
		return err
	}
	defer st.Close()

	snaps, err := st.Export()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tSTATE\tREALIZED\tROUND_TRIPS\tQTY\tAVG\tUP\tDOWN\tSAVED")
	total := 0.0
	for _, s := range snaps {
		total += s.Ledger.RealizedProfit
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%d\t%.6f\t%.4f\t%d\t%d\t%s\n",
			s.Symbol, s.State, s.Ledger.RealizedProfit, s.Ledger.RoundTrips,
			s.Ledger.Quantity, s.Ledger.AvgPrice, s.Grid.UpShiftCount, s.Grid.DownShiftCount,
			s.SavedAt.Local().Format(time.DateTime))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("合计已实现收益: %.4f\n", total)
	return nil
}
