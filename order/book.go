package order

import (
	"sort"
	"sync"

	"grid-trader-go/gateway"
)

// Book 对账器持有的挂单缓存，每轮对账后整体刷新。
type Book struct {
	mu     sync.RWMutex
	orders map[string]gateway.LiveOrder
}

func NewBook() *Book {
	return &Book{orders: make(map[string]gateway.LiveOrder)}
}

// Replace 用交易所查询结果覆盖缓存。
func (b *Book) Replace(orders []gateway.LiveOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = make(map[string]gateway.LiveOrder, len(orders))
	for _, o := range orders {
		b.orders[o.OrderID] = o
	}
}

func (b *Book) Set(o gateway.LiveOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[o.OrderID] = o
}

func (b *Book) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.orders, id)
}

func (b *Book) Get(id string) (gateway.LiveOrder, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	return o, ok
}

// List 按价格升序返回全部挂单（拷贝）。
func (b *Book) List() []gateway.LiveOrder {
	b.mu.RLock()
	defer b.mu.RUnlock()
	res := make([]gateway.LiveOrder, 0, len(b.orders))
	for _, o := range b.orders {
		res = append(res, o)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Price < res[j].Price })
	return res
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders)
}
