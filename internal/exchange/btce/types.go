package btce

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

type APIError struct {
	Method string
	Msg    string
}

func (e APIError) Error() string {
	return "btce api error " + e.Method + ": " + e.Msg
}

type infoResponse struct {
	ServerTime int64               `json:"server_time"`
	Pairs      map[string]pairInfo `json:"pairs"`
}

type pairInfo struct {
	DecimalPlaces int32           `json:"decimal_places"`
	MinPrice      decimal.Decimal `json:"min_price"`
	MaxPrice      decimal.Decimal `json:"max_price"`
	MinAmount     decimal.Decimal `json:"min_amount"`
	Hidden        int             `json:"hidden"`
	Fee           decimal.Decimal `json:"fee"`
}

type tickerResponse struct {
	High    decimal.Decimal `json:"high"`
	Low     decimal.Decimal `json:"low"`
	Avg     decimal.Decimal `json:"avg"`
	Vol     decimal.Decimal `json:"vol"`
	VolCur  decimal.Decimal `json:"vol_cur"`
	Last    decimal.Decimal `json:"last"`
	Buy     decimal.Decimal `json:"buy"`
	Sell    decimal.Decimal `json:"sell"`
	Updated int64           `json:"updated"`
}

// privateResponse is the envelope of every /tapi answer. Failures carry
// success=0 and an error string.
type privateResponse struct {
	Success int             `json:"success"`
	Return  json.RawMessage `json:"return"`
	Error   string          `json:"error"`
}

type accountInfo struct {
	Funds            map[string]decimal.Decimal `json:"funds"`
	TransactionCount int64                      `json:"transaction_count"`
	OpenOrders       int64                      `json:"open_orders"`
	ServerTime       int64                      `json:"server_time"`
}

type activeOrder struct {
	Pair             string          `json:"pair"`
	Type             string          `json:"type"`
	Amount           decimal.Decimal `json:"amount"`
	Rate             decimal.Decimal `json:"rate"`
	TimestampCreated int64           `json:"timestamp_created"`
	Status           int             `json:"status"`
}

type tradeResponse struct {
	Received decimal.Decimal            `json:"received"`
	Remains  decimal.Decimal            `json:"remains"`
	OrderID  int64                      `json:"order_id"`
	Funds    map[string]decimal.Decimal `json:"funds"`
}
