package market

import "time"

// Kline represents OHLC data.
type Kline struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
	Ts    time.Time
}

// Bullish 收盘不低于开盘。
func (k Kline) Bullish() bool {
	return k.Close >= k.Open
}

// Path 返回 K 线内部的近似价格路径：阳线 open→low→high→close，阴线 open→high→low→close。
func (k Kline) Path() []float64 {
	if k.Bullish() {
		return []float64{k.Open, k.Low, k.High, k.Close}
	}
	return []float64{k.Open, k.High, k.Low, k.Close}
}
