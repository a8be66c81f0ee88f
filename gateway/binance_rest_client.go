package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"grid-trader-go/market"
)

// BinanceFuturesRESTEndpoint USDⓈ-M 合约 REST 地址。
const BinanceFuturesRESTEndpoint = "https://fapi.binance.com"

var timeNowMillis = func() int64 { return time.Now().UnixMilli() }

// BinanceRESTClient USDⓈ-M 合约签名客户端，实现 ExchangeGateway。
type BinanceRESTClient struct {
	APIKey       string
	Secret       string
	RecvWindowMs int64
	http         *resty.Client
}

// NewBinanceRESTClient baseURL 为空时使用正式地址。重试由外层 Retrying 负责。
func NewBinanceRESTClient(baseURL, apiKey, secret string, timeout time.Duration) *BinanceRESTClient {
	if baseURL == "" {
		baseURL = BinanceFuturesRESTEndpoint
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cli := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("X-MBX-APIKEY", apiKey).
		SetHeader("Accept", "application/json")
	return &BinanceRESTClient{
		APIKey:       apiKey,
		Secret:       secret,
		RecvWindowMs: 5000,
		http:         cli,
	}
}

// SignParams 返回编码后的 query 与其 HMAC-SHA256 签名。
func SignParams(params url.Values, secret string) (string, string) {
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return query, hex.EncodeToString(mac.Sum(nil))
}

// apiError Binance 错误响应体。
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *BinanceRESTClient) signed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(timeNowMillis(), 10))
	if c.RecvWindowMs > 0 {
		params.Set("recvWindow", strconv.FormatInt(c.RecvWindowMs, 10))
	}
	query, sig := SignParams(params, c.Secret)
	// 签名必须位于末尾，直接拼接到 URL 以保持参数顺序
	req := c.http.R().SetContext(ctx)
	return c.do(req, method, path, path+"?"+query+"&signature="+sig)
}

func (c *BinanceRESTClient) public(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	req := c.http.R().SetContext(ctx)
	target := path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	return c.do(req, method, path, target)
}

func (c *BinanceRESTClient) do(req *resty.Request, method, path, target string) ([]byte, error) {
	op := method + " " + path
	resp, err := req.Execute(method, target)
	if err != nil {
		return nil, Retryable(op, err)
	}
	body := resp.Body()
	if resp.StatusCode() < 300 {
		return body, nil
	}
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	return nil, classifyAPIError(op, resp.StatusCode(), ae)
}

// classifyAPIError 把 HTTP 状态与 Binance 错误码映射到错误分类。
func classifyAPIError(op string, status int, ae apiError) error {
	switch ae.Code {
	case -5022:
		return &RejectedError{Reason: RejectWouldCross, Code: ae.Code, Message: ae.Msg}
	case -2019:
		return &RejectedError{Reason: RejectInsufficientMargin, Code: ae.Code, Message: ae.Msg}
	case -1121:
		return fmt.Errorf("%s: %w: %s", op, ErrInvalidSymbol, ae.Msg)
	case -2011, -2013:
		return fmt.Errorf("%s: %w: %s", op, ErrOrderNotFound, ae.Msg)
	case -1022, -2014, -2015:
		return fmt.Errorf("%s: %w: %s", op, ErrBadCredentials, ae.Msg)
	case -1021, -1003, -1001:
		return Retryable(op, fmt.Errorf("code=%d %s", ae.Code, ae.Msg))
	}
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot || status >= 500:
		return Retryable(op, fmt.Errorf("status=%d code=%d %s", status, ae.Code, ae.Msg))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w: status=%d", op, ErrBadCredentials, status)
	case ae.Code != 0:
		return &RejectedError{Reason: RejectOther, Code: ae.Code, Message: ae.Msg}
	default:
		return fmt.Errorf("%s: unexpected status %d", op, status)
	}
}

func formatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func parseDecimal(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}

type orderResp struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
}

func (o orderResp) toLive() (LiveOrder, error) {
	side, err := market.ParseSide(o.Side)
	if err != nil {
		return LiveOrder{}, err
	}
	return LiveOrder{
		OrderID:  strconv.FormatInt(o.OrderID, 10),
		ClientID: o.ClientOrderID,
		Symbol:   o.Symbol,
		Side:     side,
		Price:    parseDecimal(o.Price),
		Quantity: parseDecimal(o.OrigQty) - parseDecimal(o.ExecutedQty),
		Status:   OrderStatus(o.Status),
		Filled:   parseDecimal(o.ExecutedQty),
		AvgPrice: parseDecimal(o.AvgPrice),
	}, nil
}

// PlaceOrder 调用 /fapi/v1/order 下限价单；maker-only 使用 GTX。
func (c *BinanceRESTClient) PlaceOrder(ctx context.Context, req PlaceRequest) (string, error) {
	tif := "GTC"
	if req.MakerOnly {
		tif = "GTX"
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side.String())
	params.Set("type", "LIMIT")
	params.Set("timeInForce", tif)
	params.Set("price", formatDecimal(req.Price))
	params.Set("quantity", formatDecimal(req.Quantity))
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	body, err := c.signed(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return "", err
	}
	var or orderResp
	if err := json.Unmarshal(body, &or); err != nil {
		return "", fmt.Errorf("decode order response: %w", err)
	}
	// GTX 订单可能被接受后立即过期
	if req.MakerOnly && OrderStatus(or.Status) == StatusExpired {
		return "", &RejectedError{Reason: RejectWouldCross, Message: "post only order expired"}
	}
	if or.OrderID == 0 {
		return "", errors.New("empty orderId")
	}
	return strconv.FormatInt(or.OrderID, 10), nil
}

// CancelOrder 调用 DELETE /fapi/v1/order；订单不存在视为 AlreadyGone。
func (c *BinanceRESTClient) CancelOrder(ctx context.Context, symbol, orderID string) (CancelResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := c.signed(ctx, http.MethodDelete, "/fapi/v1/order", params)
	switch {
	case err == nil:
		return Canceled, nil
	case errors.Is(err, ErrOrderNotFound):
		return AlreadyGone, nil
	default:
		return CancelFailed, err
	}
}

// FetchOrder GET /fapi/v1/order。
func (c *BinanceRESTClient) FetchOrder(ctx context.Context, symbol, orderID string) (LiveOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return LiveOrder{}, err
	}
	var raw orderResp
	if err := json.Unmarshal(body, &raw); err != nil {
		return LiveOrder{}, fmt.Errorf("decode order: %w", err)
	}
	return raw.toLive()
}

// FetchOpenOrders GET /fapi/v1/openOrders。
func (c *BinanceRESTClient) FetchOpenOrders(ctx context.Context, symbol string) ([]LiveOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}
	var raw []orderResp
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]LiveOrder, 0, len(raw))
	for _, o := range raw {
		lo, err := o.toLive()
		if err != nil {
			return nil, err
		}
		out = append(out, lo)
	}
	return out, nil
}

type positionResp struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	PositionSide     string `json:"positionSide"`
}

// FetchPosition GET /fapi/v2/positionRisk，单向持仓模式下合并为一个带符号仓位。
func (c *BinanceRESTClient) FetchPosition(ctx context.Context, symbol string) (Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return Position{}, err
	}
	var raw []positionResp
	if err := json.Unmarshal(body, &raw); err != nil {
		return Position{}, fmt.Errorf("decode position: %w", err)
	}
	pos := Position{Symbol: symbol}
	for _, p := range raw {
		if p.Symbol != symbol {
			continue
		}
		qty := parseDecimal(p.PositionAmt)
		if qty == 0 {
			continue
		}
		pos.Quantity += qty
		pos.AvgPrice = parseDecimal(p.EntryPrice)
		pos.Unrealized += parseDecimal(p.UnRealizedProfit)
	}
	return pos, nil
}

// FetchEquity GET /fapi/v2/account，返回 totalMarginBalance（含未实现盈亏）。
func (c *BinanceRESTClient) FetchEquity(ctx context.Context) (float64, error) {
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v2/account", nil)
	if err != nil {
		return 0, err
	}
	var acct struct {
		TotalMarginBalance string `json:"totalMarginBalance"`
		TotalWalletBalance string `json:"totalWalletBalance"`
	}
	if err := json.Unmarshal(body, &acct); err != nil {
		return 0, fmt.Errorf("decode account: %w", err)
	}
	if acct.TotalMarginBalance != "" {
		return parseDecimal(acct.TotalMarginBalance), nil
	}
	return parseDecimal(acct.TotalWalletBalance), nil
}

// FetchPrice GET /fapi/v1/ticker/price。
func (c *BinanceRESTClient) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.public(ctx, http.MethodGet, "/fapi/v1/ticker/price", params)
	if err != nil {
		return 0, err
	}
	var tp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &tp); err != nil {
		return 0, fmt.Errorf("decode ticker price: %w", err)
	}
	price := parseDecimal(tp.Price)
	if price <= 0 {
		return 0, fmt.Errorf("invalid ticker price %q", tp.Price)
	}
	return price, nil
}

// NewListenKey POST /fapi/v1/listenKey。
func (c *BinanceRESTClient) NewListenKey(ctx context.Context) (string, error) {
	body, err := c.public(ctx, http.MethodPost, "/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	var lk struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &lk); err != nil {
		return "", fmt.Errorf("decode listenKey: %w", err)
	}
	if lk.ListenKey == "" {
		return "", errors.New("empty listenKey")
	}
	return lk.ListenKey, nil
}

// KeepAliveListenKey PUT /fapi/v1/listenKey，需每 60 分钟内调用一次。
func (c *BinanceRESTClient) KeepAliveListenKey(ctx context.Context, _ string) error {
	_, err := c.public(ctx, http.MethodPut, "/fapi/v1/listenKey", nil)
	return err
}
