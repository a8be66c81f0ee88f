package sim

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"grid-trader-go/market"
)

// LoadKlineFile 读取 K 线 CSV 文件。
func LoadKlineFile(path string) ([]market.Kline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadKlines(f)
}

// LoadKlines 读取带表头的 K 线 CSV：timestamp|time, open, high, low, close[, volume]。
// 时间支持毫秒时间戳、RFC3339 与 "2006-01-02 15:04:05"，结果按时间升序。
func LoadKlines(r io.Reader) ([]market.Kline, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty kline csv")
		}
		return nil, err
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	tsCol, ok := column(cols, "timestamp", "time", "open_time")
	if !ok {
		return nil, errors.New("kline csv missing timestamp column")
	}
	var idx [4]int
	for i, name := range []string{"open", "high", "low", "close"} {
		c, ok := column(cols, name)
		if !ok {
			return nil, fmt.Errorf("kline csv missing %s column", name)
		}
		idx[i] = c
	}

	var out []market.Kline
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ts, err := parseTime(field(rec, tsCol))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		var v [4]float64
		for i, c := range idx {
			if v[i], err = strconv.ParseFloat(field(rec, c), 64); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}
		out = append(out, market.Kline{Open: v[0], High: v[1], Low: v[2], Close: v[3], Ts: ts})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ts.Before(out[j].Ts) })
	return out, nil
}

func column(cols map[string]int, names ...string) (int, bool) {
	for _, n := range names {
		if c, ok := cols[n]; ok {
			return c, true
		}
	}
	return 0, false
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return strings.TrimSpace(rec[i])
	}
	return ""
}

func parseTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("bad time %q", s)
}

// WriteSummaryCSV 将多个回放结果写成 CSV 汇总。
func WriteSummaryCSV(w io.Writer, results []Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"symbol", "bars", "state", "capital", "realized", "unrealized", "total",
		"roi", "apr_linear", "apr_compound", "round_trips", "daily_round_trips",
		"max_profit", "max_loss", "up_shifts", "down_shifts",
	}); err != nil {
		return err
	}
	for _, r := range results {
		if err := cw.Write([]string{
			r.Symbol,
			strconv.Itoa(r.Bars),
			r.State.String(),
			fmtFloat(r.Capital),
			fmtFloat(r.Realized),
			fmtFloat(r.Unrealized),
			fmtFloat(r.Total),
			fmtFloat(r.ROI),
			fmtFloat(r.APRLinear),
			fmtFloat(r.APRCompound),
			strconv.Itoa(r.RoundTrips),
			fmtFloat(r.DailyRoundTrips),
			fmtFloat(r.MaxProfit),
			fmtFloat(r.MaxLoss),
			strconv.Itoa(r.UpShifts),
			strconv.Itoa(r.DownShifts),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
