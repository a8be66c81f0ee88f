package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-trader-go/market"
)

func fixedClock(t *testing.T) {
	t.Helper()
	timeNowMillis = func() int64 { return 1234567890000 }
	t.Cleanup(func() { timeNowMillis = func() int64 { return time.Now().UnixMilli() } })
}

func TestSignParamsIsDeterministic(t *testing.T) {
	params := url.Values{}
	params.Set("symbol", "ETHUSDC")
	params.Set("timestamp", "1")
	q1, s1 := SignParams(params, "secret")
	q2, s2 := SignParams(params, "secret")
	assert.Equal(t, q1, q2)
	assert.Equal(t, s1, s2)
	assert.Len(t, s1, 64)
	_, other := SignParams(params, "another")
	assert.NotEqual(t, s1, other)
}

func TestBinanceRESTClientPlaceCancel(t *testing.T) {
	fixedClock(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		assert.True(t, strings.Contains(r.URL.RawQuery, "&signature="), "signature must be the last parameter")
		switch r.Method {
		case http.MethodPost:
			q := r.URL.Query()
			assert.Equal(t, "GTX", q.Get("timeInForce"))
			assert.Equal(t, "BUY", q.Get("side"))
			assert.Equal(t, "1234.5", q.Get("price"))
			assert.Equal(t, "0.012", q.Get("quantity"))
			assert.Equal(t, "cid-1", q.Get("newClientOrderId"))
			io.WriteString(w, `{"orderId":1001,"status":"NEW"}`)
		case http.MethodDelete:
			if r.URL.Query().Get("orderId") == "404" {
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, `{"code":-2011,"msg":"Unknown order sent."}`)
				return
			}
			io.WriteString(w, `{"orderId":1001,"status":"CANCELED"}`)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	defer ts.Close()

	cli := NewBinanceRESTClient(ts.URL, "key", "secret", time.Second)
	ctx := context.Background()
	id, err := cli.PlaceOrder(ctx, PlaceRequest{
		Symbol: "ETHUSDC", Side: market.Buy, Price: 1234.5, Quantity: 0.012, MakerOnly: true, ClientID: "cid-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "1001", id)

	res, err := cli.CancelOrder(ctx, "ETHUSDC", id)
	require.NoError(t, err)
	assert.Equal(t, Canceled, res)

	res, err = cli.CancelOrder(ctx, "ETHUSDC", "404")
	require.NoError(t, err)
	assert.Equal(t, AlreadyGone, res)
}

func TestBinanceRESTClientClassifiesErrors(t *testing.T) {
	fixedClock(t)
	var status int
	var body string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	defer ts.Close()
	cli := NewBinanceRESTClient(ts.URL, "key", "secret", time.Second)
	req := PlaceRequest{Symbol: "ETHUSDC", Side: market.Sell, Price: 2000, Quantity: 1, MakerOnly: true}

	status, body = http.StatusBadRequest, `{"code":-5022,"msg":"Due to the order could not be executed as maker, the Post Only order will be rejected."}`
	_, err := cli.PlaceOrder(context.Background(), req)
	re, ok := IsRejected(err)
	require.True(t, ok)
	assert.Equal(t, RejectWouldCross, re.Reason)
	assert.False(t, IsRetryable(err))

	status, body = http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests"}`
	_, err = cli.PlaceOrder(context.Background(), req)
	assert.True(t, IsRetryable(err))

	status, body = http.StatusBadRequest, `{"code":-1121,"msg":"Invalid symbol."}`
	_, err = cli.FetchOpenOrders(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrInvalidSymbol)
	assert.False(t, IsRetryable(err))

	status, body = http.StatusUnauthorized, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`
	_, err = cli.FetchEquity(context.Background())
	assert.ErrorIs(t, err, ErrBadCredentials)

	status, body = http.StatusBadGateway, `oops`
	_, err = cli.FetchPosition(context.Background(), "ETHUSDC")
	assert.True(t, IsRetryable(err))
}

func TestBinanceRESTClientQueries(t *testing.T) {
	fixedClock(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/openOrders":
			io.WriteString(w, `[{"orderId":7,"clientOrderId":"g-1","symbol":"ETHUSDC","side":"SELL","price":"2100.50","origQty":"0.050","executedQty":"0.010","status":"PARTIALLY_FILLED"}]`)
		case "/fapi/v2/positionRisk":
			io.WriteString(w, `[{"symbol":"ETHUSDC","positionAmt":"-0.120","entryPrice":"2050.1","unRealizedProfit":"-3.2","positionSide":"BOTH"}]`)
		case "/fapi/v2/account":
			io.WriteString(w, `{"totalMarginBalance":"1520.75","totalWalletBalance":"1500"}`)
		case "/fapi/v1/ticker/price":
			assert.Empty(t, r.URL.Query().Get("signature"), "ticker price is a public endpoint")
			io.WriteString(w, `{"symbol":"ETHUSDC","price":"2077.31"}`)
		case "/fapi/v1/listenKey":
			io.WriteString(w, `{"listenKey":"lk-abc"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()
	cli := NewBinanceRESTClient(ts.URL, "key", "secret", time.Second)
	ctx := context.Background()

	orders, err := cli.FetchOpenOrders(ctx, "ETHUSDC")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "7", orders[0].OrderID)
	assert.Equal(t, market.Sell, orders[0].Side)
	assert.InDelta(t, 2100.5, orders[0].Price, 1e-9)
	assert.InDelta(t, 0.04, orders[0].Quantity, 1e-9)
	assert.True(t, orders[0].Status.IsOpen())

	pos, err := cli.FetchPosition(ctx, "ETHUSDC")
	require.NoError(t, err)
	assert.InDelta(t, -0.12, pos.Quantity, 1e-12)
	assert.InDelta(t, 2050.1, pos.AvgPrice, 1e-9)

	eq, err := cli.FetchEquity(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1520.75, eq, 1e-9)

	px, err := cli.FetchPrice(ctx, "ETHUSDC")
	require.NoError(t, err)
	assert.InDelta(t, 2077.31, px, 1e-9)

	lk, err := cli.NewListenKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "lk-abc", lk)
	require.NoError(t, cli.KeepAliveListenKey(ctx, lk))
}

func TestBinanceRESTClientFetchOrder(t *testing.T) {
	fixedClock(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/fapi/v1/order", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		switch r.URL.Query().Get("orderId") {
		case "9":
			io.WriteString(w, `{"orderId":9,"clientOrderId":"g-9","symbol":"ETHUSDC","side":"BUY","price":"2000.00","avgPrice":"1999.80","origQty":"0.050","executedQty":"0.050","status":"FILLED"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"code":-2013,"msg":"Order does not exist."}`)
		}
	}))
	defer ts.Close()
	cli := NewBinanceRESTClient(ts.URL, "key", "secret", time.Second)

	o, err := cli.FetchOrder(context.Background(), "ETHUSDC", "9")
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
	assert.False(t, o.Status.IsOpen())
	assert.Equal(t, "g-9", o.ClientID)
	assert.InDelta(t, 0.05, o.Filled, 1e-12)
	assert.InDelta(t, 0, o.Quantity, 1e-12)
	assert.InDelta(t, 1999.8, o.FillPrice(), 1e-9)

	_, err = cli.FetchOrder(context.Background(), "ETHUSDC", "10")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
