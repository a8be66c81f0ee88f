package order

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"grid-trader-go/gateway"
	"grid-trader-go/market"
)

func TestBookReplaceAndList(t *testing.T) {
	b := NewBook()
	b.Set(gateway.LiveOrder{OrderID: "stale", Price: 1})
	b.Replace([]gateway.LiveOrder{
		{OrderID: "2", Side: market.Sell, Price: 110},
		{OrderID: "1", Side: market.Buy, Price: 90},
	})
	_, ok := b.Get("stale")
	assert.False(t, ok)

	list := b.List()
	assert.Len(t, list, 2)
	assert.Equal(t, "1", list[0].OrderID)

	b.Remove("1")
	assert.Equal(t, 1, b.Len())
}
