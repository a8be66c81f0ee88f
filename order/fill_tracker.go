package order

import (
	"sync"
	"time"

	"grid-trader-go/market"
)

// FillTracker 记录近期成交（滑动窗口），用于丢弃重复推送的成交回报。
// 同一订单完全成交只会推送一次，但重连后补发或多源推送可能重复。
type FillTracker struct {
	mu sync.Mutex

	recent     []market.Fill
	seen       map[string]time.Time
	maxHistory int
	windowSize time.Duration
	now        func() time.Time

	totalFills int
	duplicates int
}

// NewFillTracker 创建成交跟踪器
func NewFillTracker(maxHistory int, windowSize time.Duration) *FillTracker {
	if maxHistory <= 0 {
		maxHistory = 500
	}
	if windowSize <= 0 {
		windowSize = 10 * time.Minute
	}
	return &FillTracker{
		recent:     make([]market.Fill, 0, maxHistory),
		seen:       make(map[string]time.Time),
		maxHistory: maxHistory,
		windowSize: windowSize,
		now:        time.Now,
	}
}

// Record 记录成交；若窗口内已见过同一订单号则返回 false。
// 没有订单号的成交（模拟撮合）总是接受。
func (f *FillTracker) Record(fill market.Fill) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cleanOldFillsUnsafe()
	if fill.OrderID != "" {
		if _, dup := f.seen[fill.OrderID]; dup {
			f.duplicates++
			return false
		}
		f.seen[fill.OrderID] = f.now()
	}
	f.recent = append(f.recent, fill)
	f.totalFills++
	if len(f.recent) > f.maxHistory {
		drop := f.recent[:len(f.recent)-f.maxHistory]
		for _, old := range drop {
			delete(f.seen, old.OrderID)
		}
		f.recent = append([]market.Fill(nil), f.recent[len(f.recent)-f.maxHistory:]...)
	}
	return true
}

// cleanOldFillsUnsafe 清理超出窗口的成交记录（非线程安全）
func (f *FillTracker) cleanOldFillsUnsafe() {
	cutoff := f.now().Add(-f.windowSize)
	for id, at := range f.seen {
		if at.Before(cutoff) {
			delete(f.seen, id)
		}
	}
	valid := 0
	for valid < len(f.recent) {
		at, ok := f.seen[f.recent[valid].OrderID]
		if ok && !at.Before(cutoff) {
			break
		}
		if !ok && !f.recent[valid].Ts.IsZero() && !f.recent[valid].Ts.Before(cutoff) {
			break
		}
		valid++
	}
	if valid > 0 {
		f.recent = f.recent[valid:]
	}
}

// GetRecentFills 获取近期成交记录（只读副本）
func (f *FillTracker) GetRecentFills() []market.Fill {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]market.Fill(nil), f.recent...)
}

// GetStats 获取统计信息
func (f *FillTracker) GetStats() FillTrackerStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FillTrackerStats{
		TotalFills:  f.totalFills,
		RecentFills: len(f.recent),
		Duplicates:  f.duplicates,
	}
}

// FillTrackerStats 成交跟踪器统计
type FillTrackerStats struct {
	TotalFills  int
	RecentFills int
	Duplicates  int
}
