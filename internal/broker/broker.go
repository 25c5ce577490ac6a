// Package broker wraps the Alpaca trading API.
package broker

import (
	"context"
	"net/http"
	"time"

	"scanbot/pkg/retrier"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrOrderRejected wraps every failed order submission.
var ErrOrderRejected = errors.New("order rejected")

type OrderRequest struct {
	Symbol        string
	Qty           decimal.Decimal
	Side          alpaca.Side
	Type          alpaca.OrderType
	TimeInForce   alpaca.TimeInForce
	ClientOrderID string
}

type OrderRef struct {
	ID            string
	ClientOrderID string
	Status        string
}

type Position struct {
	Symbol   string
	Qty      decimal.Decimal
	AvgEntry float64
}

type Account struct {
	Cash        float64
	Equity      float64
	BuyingPower float64
}

type alpacaAPI interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	GetPosition(symbol string) (*alpaca.Position, error)
	GetAccount() (*alpaca.Account, error)
}

type Client struct {
	client  alpacaAPI
	retrier *retrier.Retrier
	log     *zap.Logger
}

func New(apiKey, apiSecret, baseURL string, retries int, log *zap.Logger) *Client {
	opts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	}
	return newClient(alpaca.NewClient(opts), retries, log)
}

func newClient(api alpacaAPI, retries int, log *zap.Logger) *Client {
	return &Client{
		client:  api,
		retrier: retrier.New(retrier.WithMaxRetries(retries), retrier.WithRetryIf(isTransient)),
		log:     log,
	}
}

// PlaceOrder submits a single order. It is never retried: a lost response
// could otherwise buy twice.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error) {
	if err := ctx.Err(); err != nil {
		return OrderRef{}, err
	}
	qty := req.Qty
	orderReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientOrderID,
	}

	order, err := c.client.PlaceOrder(orderReq)
	if err != nil {
		c.log.Error("place order failed",
			zap.String("side", string(req.Side)),
			zap.String("symbol", req.Symbol),
			zap.String("qty", req.Qty.String()),
			zap.String("client_order_id", req.ClientOrderID),
			zap.Error(err),
		)
		return OrderRef{}, errors.Wrapf(ErrOrderRejected, "%s %s %s: %v", req.Side, req.Qty, req.Symbol, err)
	}

	c.log.Info("place order success",
		zap.String("order_id", order.ID),
		zap.String("side", string(req.Side)),
		zap.String("symbol", req.Symbol),
		zap.String("qty", req.Qty.String()),
		zap.String("status", string(order.Status)),
	)
	return OrderRef{
		ID:            order.ID,
		ClientOrderID: order.ClientOrderID,
		Status:        string(order.Status),
	}, nil
}

// maxOrdersPage is the largest page the orders endpoint returns.
const maxOrdersPage = 500

// OpenOrders lists the orders still working for symbol. The symbol filter is
// applied by the API so orders on other symbols cannot crowd it out of the page.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OrderRef, error) {
	req := alpaca.GetOrdersRequest{
		Status:  "open",
		Limit:   maxOrdersPage,
		Symbols: []string{symbol},
	}
	orders, err := retrier.DoWithData(ctx, c.retrier, func(context.Context) ([]alpaca.Order, error) {
		return c.client.GetOrders(req)
	})
	if err != nil {
		c.log.Error("fetch open orders failed", zap.Error(err))
		return nil, errors.Wrap(err, "fetch open orders")
	}
	refs := make([]OrderRef, 0, len(orders))
	for _, order := range orders {
		if order.Symbol != symbol {
			continue
		}
		refs = append(refs, OrderRef{
			ID:            order.ID,
			ClientOrderID: order.ClientOrderID,
			Status:        string(order.Status),
		})
	}
	c.log.Debug("open orders fetched", zap.String("symbol", symbol), zap.Int("count", len(refs)))
	return refs, nil
}

// Position returns the open position for symbol, or nil when the account
// holds none.
func (c *Client) Position(ctx context.Context, symbol string) (*Position, error) {
	pos, err := retrier.DoWithData(ctx, c.retrier, func(context.Context) (*alpaca.Position, error) {
		return c.client.GetPosition(symbol)
	})
	if err != nil {
		if isNotFound(err) {
			c.log.Debug("no position", zap.String("symbol", symbol))
			return nil, nil
		}
		c.log.Error("fetch position failed", zap.String("symbol", symbol), zap.Error(err))
		return nil, errors.Wrapf(err, "fetch position %s", symbol)
	}
	if pos == nil || !pos.Qty.IsPositive() {
		return nil, nil
	}
	avgEntry := pos.AvgEntryPrice.InexactFloat64()

	c.log.Debug("position fetched", zap.String("symbol", symbol), zap.String("qty", pos.Qty.String()), zap.Float64("avg_entry", avgEntry))
	return &Position{
		Symbol:   pos.Symbol,
		Qty:      pos.Qty,
		AvgEntry: avgEntry,
	}, nil
}

func (c *Client) Account(ctx context.Context) (Account, error) {
	acct, err := retrier.DoWithData(ctx, c.retrier, func(context.Context) (*alpaca.Account, error) {
		return c.client.GetAccount()
	})
	if err != nil {
		c.log.Error("fetch account failed", zap.Error(err))
		return Account{}, errors.Wrap(err, "fetch account")
	}
	account := Account{
		Cash:        acct.Cash.InexactFloat64(),
		Equity:      acct.Equity.InexactFloat64(),
		BuyingPower: acct.BuyingPower.InexactFloat64(),
	}

	c.log.Debug("account fetched", zap.Float64("cash", account.Cash), zap.Float64("equity", account.Equity), zap.Float64("buying_power", account.BuyingPower))
	return account, nil
}

func WaitForContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// isTransient retries everything except client errors and cancellation.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}
