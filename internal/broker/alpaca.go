package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"trailbot/internal/models"
	"trailbot/internal/util"
)

// Alpaca REST hosts. Trading and market data live on separate hosts.
const (
	paperTradingURL = "https://paper-api.alpaca.markets"
	liveTradingURL  = "https://api.alpaca.markets"
	marketDataURL   = "https://data.alpaca.markets"
)

const ordersPageLimit = 500

// AlpacaClient implements Broker against the Alpaca REST API.
type AlpacaClient struct {
	trading *resty.Client
	data    *resty.Client
	logger  *logrus.Logger

	entryTIF string
	stopTIF  string
}

var _ Broker = (*AlpacaClient)(nil)

// AlpacaConfig configures the adapter. Endpoint overrides are for tests.
type AlpacaConfig struct {
	Key          string
	Secret       string
	Paper        bool
	Endpoint     string
	DataEndpoint string
	CallTimeout  time.Duration
	EntryTIF     string
	StopTIF      string
}

// NewAlpacaClient builds the adapter. Credentials go into headers only,
// never into logs.
func NewAlpacaClient(cfg AlpacaConfig, logger *logrus.Logger) *AlpacaClient {
	tradingURL := cfg.Endpoint
	if tradingURL == "" {
		if cfg.Paper {
			tradingURL = paperTradingURL
		} else {
			tradingURL = liveTradingURL
		}
	}
	dataURL := cfg.DataEndpoint
	if dataURL == "" {
		dataURL = marketDataURL
	}
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	newClient := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(timeout).
			SetHeader("APCA-API-KEY-ID", cfg.Key).
			SetHeader("APCA-API-SECRET-KEY", cfg.Secret).
			SetHeader("Accept", "application/json").
			SetRetryCount(2).
			SetRetryWaitTime(250 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second)
	}

	entryTIF := strings.ToLower(cfg.EntryTIF)
	if entryTIF == "" {
		entryTIF = "day"
	}
	stopTIF := strings.ToLower(cfg.StopTIF)
	if stopTIF == "" {
		stopTIF = "gtc"
	}

	return &AlpacaClient{
		trading:  newClient(tradingURL),
		data:     newClient(dataURL),
		logger:   logger,
		entryTIF: entryTIF,
		stopTIF:  stopTIF,
	}
}

// Wire DTOs. Alpaca encodes numeric fields as JSON strings.

type alpacaOrder struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	AssetClass     string `json:"asset_class"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	Qty            string `json:"qty"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	StopPrice      string `json:"stop_price"`
	LimitPrice     string `json:"limit_price"`
	TrailPercent   string `json:"trail_percent"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	FilledAt       string `json:"filled_at"`
}

type alpacaAccount struct {
	Equity          string `json:"equity"`
	Cash            string `json:"cash"`
	BuyingPower     string `json:"buying_power"`
	LongMarketValue string `json:"long_market_value"`
}

type alpacaPosition struct {
	Symbol        string `json:"symbol"`
	AssetClass    string `json:"asset_class"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

type alpacaTrade struct {
	Price     float64 `json:"p"`
	Timestamp string  `json:"t"`
}

type stockTradeResponse struct {
	Trade alpacaTrade `json:"trade"`
}

type cryptoTradesResponse struct {
	Trades map[string]alpacaTrade `json:"trades"`
}

type alpacaAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type alpacaClock struct {
	IsOpen bool `json:"is_open"`
}

// LastPrice fetches the latest trade from the market data host.
func (a *AlpacaClient) LastPrice(ctx context.Context, symbol string, class models.AssetClass) (*Quote, error) {
	const op = "last_price"
	var trade alpacaTrade

	if class == models.AssetCrypto {
		var out cryptoTradesResponse
		resp, err := a.data.R().
			SetContext(ctx).
			SetQueryParam("symbols", symbol).
			SetResult(&out).
			SetError(&alpacaAPIError{}).
			Get("/v1beta3/crypto/us/latest/trades")
		if err := a.classify(op, resp, err); err != nil {
			return nil, err
		}
		t, ok := out.Trades[symbol]
		if !ok {
			return nil, NewError(KindNotFound, op, fmt.Errorf("no trade for %s", symbol))
		}
		trade = t
	} else {
		var out stockTradeResponse
		resp, err := a.data.R().
			SetContext(ctx).
			SetResult(&out).
			SetError(&alpacaAPIError{}).
			Get(fmt.Sprintf("/v2/stocks/%s/trades/latest", symbol))
		if err := a.classify(op, resp, err); err != nil {
			return nil, err
		}
		trade = out.Trade
	}

	if trade.Price <= 0 {
		return nil, NewError(KindStaleData, op, fmt.Errorf("no last trade for %s", symbol))
	}
	at, err := time.Parse(time.RFC3339Nano, trade.Timestamp)
	if err != nil {
		return nil, NewError(KindTransport, op, fmt.Errorf("parsing trade timestamp: %w", err))
	}
	return &Quote{Symbol: symbol, Price: decimal.NewFromFloat(trade.Price), At: at}, nil
}

// AccountSnapshot fetches equity, cash and buying power.
func (a *AlpacaClient) AccountSnapshot(ctx context.Context) (*Account, error) {
	const op = "account"
	var out alpacaAccount
	resp, err := a.trading.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&alpacaAPIError{}).
		Get("/v2/account")
	if err := a.classify(op, resp, err); err != nil {
		return nil, err
	}

	acct := &Account{}
	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&acct.Equity, out.Equity},
		{&acct.Cash, out.Cash},
		{&acct.BuyingPower, out.BuyingPower},
		{&acct.PositionValue, out.LongMarketValue},
	} {
		d, err := parseDecimal(pair.src)
		if err != nil {
			return nil, NewError(KindTransport, op, err)
		}
		*pair.dst = d
	}
	return acct, nil
}

// Positions fetches all open positions.
func (a *AlpacaClient) Positions(ctx context.Context) ([]Position, error) {
	const op = "positions"
	var out []alpacaPosition
	resp, err := a.trading.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&alpacaAPIError{}).
		Get("/v2/positions")
	if err := a.classify(op, resp, err); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(out))
	for _, p := range out {
		pos := Position{Symbol: normalizeSymbol(p.Symbol, p.AssetClass)}
		for _, pair := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&pos.Qty, p.Qty},
			{&pos.AvgEntryPrice, p.AvgEntryPrice},
			{&pos.MarketValue, p.MarketValue},
			{&pos.UnrealizedPnL, p.UnrealizedPL},
		} {
			d, err := parseDecimal(pair.src)
			if err != nil {
				return nil, NewError(KindTransport, op, err)
			}
			*pair.dst = d
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// OpenOrders fetches every working order.
func (a *AlpacaClient) OpenOrders(ctx context.Context) ([]models.Order, error) {
	return a.fetchOrders(ctx, "open_orders", map[string]string{
		"status": "open",
		"limit":  fmt.Sprint(ordersPageLimit),
	})
}

// ClosedOrders fetches orders that went terminal at or after since.
func (a *AlpacaClient) ClosedOrders(ctx context.Context, since time.Time) ([]models.Order, error) {
	return a.fetchOrders(ctx, "closed_orders", map[string]string{
		"status":    "closed",
		"after":     since.UTC().Format(time.RFC3339Nano),
		"limit":     fmt.Sprint(ordersPageLimit),
		"direction": "asc",
	})
}

func (a *AlpacaClient) fetchOrders(ctx context.Context, op string, params map[string]string) ([]models.Order, error) {
	var out []alpacaOrder
	resp, err := a.trading.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&out).
		SetError(&alpacaAPIError{}).
		Get("/v2/orders")
	if err := a.classify(op, resp, err); err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(out))
	for i := range out {
		o, err := fromAlpacaOrder(&out[i])
		if err != nil {
			return nil, NewError(KindTransport, op, err)
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

// SubmitEntry translates and places a breakout entry.
func (a *AlpacaClient) SubmitEntry(ctx context.Context, order EntryOrder) (string, error) {
	const op = "submit_entry"
	body := map[string]any{
		"symbol": order.Symbol,
		"qty":    order.Qty.String(),
		"side":   "buy",
	}
	if order.ClientID != "" {
		body["client_order_id"] = order.ClientID
	}

	trigger := util.RoundToTick(order.StopTrigger)
	if order.Class == models.AssetCrypto {
		// Crypto has no native stop orders: enter with a limit at the
		// trigger, good till canceled.
		body["type"] = "limit"
		body["limit_price"] = trigger.String()
		body["time_in_force"] = "gtc"
	} else {
		body["time_in_force"] = a.entryTIF
		if order.UseStopLimit {
			hundred := decimal.NewFromInt(100)
			limit := trigger.Mul(hundred.Add(order.LimitSlipPct)).Div(hundred)
			body["type"] = "stop_limit"
			body["stop_price"] = trigger.String()
			body["limit_price"] = util.RoundToTick(limit).String()
		} else {
			body["type"] = "stop"
			body["stop_price"] = trigger.String()
		}
	}
	return a.placeOrder(ctx, op, body)
}

// SubmitProtective translates and places the protective sell.
func (a *AlpacaClient) SubmitProtective(ctx context.Context, order ProtectiveOrder) (string, error) {
	const op = "submit_protective"
	body := map[string]any{
		"symbol": order.Symbol,
		"qty":    order.Qty.String(),
		"side":   "sell",
	}
	if order.ClientID != "" {
		body["client_order_id"] = order.ClientID
	}

	if order.Class == models.AssetCrypto {
		// No trailing stops for crypto: a fixed limit derived from the
		// entry fill stands in for the trail.
		hundred := decimal.NewFromInt(100)
		limit := order.EntryFillPrice.Mul(hundred.Sub(order.TrailPct)).Div(hundred)
		body["type"] = "limit"
		body["limit_price"] = util.RoundToTick(limit).String()
		body["time_in_force"] = "gtc"
	} else {
		body["type"] = "trailing_stop"
		body["trail_percent"] = order.TrailPct.String()
		body["time_in_force"] = a.stopTIF
	}
	return a.placeOrder(ctx, op, body)
}

func (a *AlpacaClient) placeOrder(ctx context.Context, op string, body map[string]any) (string, error) {
	var out alpacaOrder
	resp, err := a.trading.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&alpacaAPIError{}).
		Post("/v2/orders")
	if err := a.classify(op, resp, err); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", NewError(KindTransport, op, fmt.Errorf("order accepted without an id"))
	}
	a.logger.WithFields(logrus.Fields{
		"symbol":   body["symbol"],
		"type":     body["type"],
		"order_id": out.ID,
	}).Debug("order submitted")
	return out.ID, nil
}

// Cancel cancels a working order.
func (a *AlpacaClient) Cancel(ctx context.Context, orderID string) error {
	const op = "cancel"
	resp, err := a.trading.R().
		SetContext(ctx).
		SetError(&alpacaAPIError{}).
		Delete("/v2/orders/" + orderID)
	return a.classify(op, resp, err)
}

// Ping hits the clock endpoint to verify connectivity and credentials.
func (a *AlpacaClient) Ping(ctx context.Context) error {
	const op = "ping"
	var out alpacaClock
	resp, err := a.trading.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&alpacaAPIError{}).
		Get("/v2/clock")
	return a.classify(op, resp, err)
}

// classify folds transport errors and HTTP status codes into the closed
// error kind set.
func (a *AlpacaClient) classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		return NewError(KindTransport, op, err)
	}
	if !resp.IsError() {
		return nil
	}

	msg := ""
	if apiErr, ok := resp.Error().(*alpacaAPIError); ok && apiErr.Message != "" {
		msg = apiErr.Message
	}
	wrapped := fmt.Errorf("HTTP %d: %s", resp.StatusCode(), msg)

	switch resp.StatusCode() {
	case http.StatusNotFound:
		return NewError(KindNotFound, op, wrapped)
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return NewError(KindValidation, op, wrapped)
	case http.StatusForbidden:
		// Alpaca returns 403 for insufficient buying power and
		// unsupported operations alike.
		if strings.Contains(strings.ToLower(msg), "not supported") {
			return NewError(KindNotSupported, op, wrapped)
		}
		return NewError(KindValidation, op, wrapped)
	case http.StatusUnauthorized:
		return NewError(KindValidation, op, wrapped)
	default:
		return NewError(KindTransport, op, wrapped)
	}
}

// fromAlpacaOrder normalizes one wire order into the local model.
func fromAlpacaOrder(in *alpacaOrder) (*models.Order, error) {
	o := &models.Order{
		OrderID: in.ID,
		Symbol:  normalizeSymbol(in.Symbol, in.AssetClass),
		Status:  mapOrderStatus(in.Status),
	}

	switch strings.ToLower(in.Side) {
	case "buy":
		o.Side = models.SideBuy
	case "sell":
		o.Side = models.SideSell
	default:
		return nil, fmt.Errorf("unknown order side %q", in.Side)
	}

	switch strings.ToLower(in.Type) {
	case "stop":
		o.Type = models.TypeStop
	case "stop_limit":
		o.Type = models.TypeStopLimit
	case "trailing_stop":
		o.Type = models.TypeTrailingStop
	case "limit":
		o.Type = models.TypeLimit
	case "market":
		o.Type = models.TypeMarket
	default:
		return nil, fmt.Errorf("unknown order type %q", in.Type)
	}

	var err error
	if o.Qty, err = parseDecimal(in.Qty); err != nil {
		return nil, fmt.Errorf("parsing qty: %w", err)
	}
	if o.FilledQty, err = parseDecimal(in.FilledQty); err != nil {
		return nil, fmt.Errorf("parsing filled_qty: %w", err)
	}
	if o.FilledAvgPrice, err = parseNullDecimal(in.FilledAvgPrice); err != nil {
		return nil, fmt.Errorf("parsing filled_avg_price: %w", err)
	}
	if o.StopPrice, err = parseNullDecimal(in.StopPrice); err != nil {
		return nil, fmt.Errorf("parsing stop_price: %w", err)
	}
	if o.LimitPrice, err = parseNullDecimal(in.LimitPrice); err != nil {
		return nil, fmt.Errorf("parsing limit_price: %w", err)
	}
	if o.TrailPercent, err = parseNullDecimal(in.TrailPercent); err != nil {
		return nil, fmt.Errorf("parsing trail_percent: %w", err)
	}
	if o.CreatedAt, err = parseTime(in.CreatedAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if o.UpdatedAt, err = parseTime(in.UpdatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	// The fill timestamp beats updated_at for fill attribution ordering.
	if in.FilledAt != "" {
		if t, err := parseTime(in.FilledAt); err == nil {
			o.UpdatedAt = t
		}
	}
	return o, nil
}

func mapOrderStatus(status string) models.OrderStatus {
	switch strings.ToLower(status) {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "calculated", "pending_replace", "pending_cancel":
		return models.StatusOpen
	case "partially_filled":
		return models.StatusPartiallyFilled
	case "filled":
		return models.StatusFilled
	case "canceled", "replaced", "done_for_day":
		return models.StatusCanceled
	case "expired":
		return models.StatusExpired
	case "rejected", "stopped", "suspended":
		return models.StatusRejected
	default:
		return models.StatusPending
	}
}

// normalizeSymbol restores the BASE/QUOTE form for crypto symbols, which
// some endpoints return without the slash.
func normalizeSymbol(symbol, assetClass string) string {
	if assetClass != "crypto" || strings.Contains(symbol, "/") {
		return symbol
	}
	for _, quote := range []string{"USDT", "USDC", "USD", "BTC"} {
		if base, ok := strings.CutSuffix(symbol, quote); ok && base != "" {
			return base + "/" + quote
		}
	}
	return symbol
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseNullDecimal(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
