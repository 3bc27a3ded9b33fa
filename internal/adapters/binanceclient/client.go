package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"spotLadderBot/internal/domain"
	"spotLadderBot/internal/ports"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
)

const (
	// Base URLs
	baseURLProduction = "https://api.binance.com"
	baseURLTestnet    = "https://testnet.binance.vision"

	// Listen keys expire after 60 minutes without a keepalive.
	listenKeyKeepAlive = 30 * time.Minute
)

// Client implements the ports.ExchangeClient interface for Binance spot
// using the go-binance library.
type Client struct {
	spotClient           *binance.Client
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	ReconnectDelay       time.Duration // Reconnect delay (e.g., 1 * time.Second)
	MaxReconnectAttempts int           // Max attempts before giving up
}

// New creates a new Binance spot client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using the global binance.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &Client{
		spotClient:           client,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		// Map specific Binance error codes to custom errors
		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1112, -1114, -1115, -1116, -1117, -1118, -1120, -1121, -1125, -1127, -1128, -1130, -1131: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected (includes insufficient balance on spot)
			if strings.Contains(apiErr.Message, "insufficient balance") {
				mappedErr = ports.ErrInsufficientFunds
			} else {
				mappedErr = ports.ErrOrderPlacementFailed
			}
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014: // API-key format invalid
			mappedErr = ports.ErrInvalidAPIKeys
		case -2015: // Invalid API-key, IP, or permissions for action
			mappedErr = ports.ErrInvalidAPIKeys
		case -3022: // Account's trading function is disabled
			mappedErr = ports.ErrAuthenticationFailed
		default:
			// General classification for unmapped API errors
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// PlaceOrder places a market, limit, or stop order on the spot market.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	op := "PlaceOrder"
	if req.Symbol == "" || req.Size <= 0 {
		return nil, fmt.Errorf("%s: symbol and a positive size are required: %w", op, ports.ErrInvalidRequest)
	}

	svc := c.spotClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Quantity(formatFloat(req.Size))
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	switch req.Type {
	case domain.OrderTypeMarket:
		svc = svc.Type(binance.OrderTypeMarket)
	case domain.OrderTypeLimit:
		if req.Price <= 0 {
			return nil, fmt.Errorf("%s: limit order requires a positive price: %w", op, ports.ErrInvalidRequest)
		}
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatFloat(req.Price))
	case domain.OrderTypeStop:
		if req.TriggerPrice <= 0 {
			return nil, fmt.Errorf("%s: stop order requires a positive trigger price: %w", op, ports.ErrInvalidRequest)
		}
		// STOP_LOSS executes as a market order once the trigger trades.
		svc = svc.Type(binance.OrderTypeStopLoss).
			StopPrice(formatFloat(req.TriggerPrice))
	default:
		return nil, fmt.Errorf("%s: unsupported order type %q: %w", op, req.Type, ports.ErrInvalidRequest)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateCreateResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":  req.Symbol,
		"side":    req.Side,
		"type":    req.Type,
		"size":    req.Size,
		"orderID": resp.OrderID,
		"status":  resp.Status,
	})
	return resp, nil
}

// AmendOrder replaces the price and/or size of a working order. Binance spot
// has no native amend, so this is a cancel followed by a replacement order.
// The replacement carries a new order id; callers must rebind it.
func (c *Client) AmendOrder(ctx context.Context, symbol, orderID string, newPrice, newSize float64) (*ports.OrderResponse, error) {
	op := "AmendOrder"
	id, err := parseOrderID(orderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ports.ErrInvalidRequest, err)
	}

	existing, err := c.spotClient.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if existing.Status != binance.OrderStatusTypeNew && existing.Status != binance.OrderStatusTypePartiallyFilled {
		return nil, fmt.Errorf("%s: order %s is %s, not working: %w", op, orderID, existing.Status, ports.ErrOrderNotFound)
	}

	// Carry forward whatever the caller leaves at zero.
	price := newPrice
	size := newSize
	origQty, _ := strconv.ParseFloat(existing.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(existing.ExecutedQuantity, 64)
	if size <= 0 {
		size = origQty - execQty
	}
	trigger, _ := strconv.ParseFloat(existing.StopPrice, 64)
	limitPrice, _ := strconv.ParseFloat(existing.Price, 64)

	// The replacement gets a venue-assigned client order id; reusing the
	// old one would be rejected as a duplicate.
	req := ports.OrderRequest{
		Symbol: symbol,
		Side:   domain.OrderSide(existing.Side),
		Type:   translateOrderType(string(existing.Type)),
		Size:   size,
	}
	switch req.Type {
	case domain.OrderTypeStop:
		req.TriggerPrice = trigger
		if price > 0 {
			req.TriggerPrice = price
		}
	case domain.OrderTypeLimit:
		req.Price = limitPrice
		if price > 0 {
			req.Price = price
		}
	}

	// Cancel first: spot balances are locked by the working order, and the
	// replacement would otherwise be rejected for insufficient funds.
	if _, err := c.CancelOrder(ctx, symbol, orderID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		return nil, err
	}

	resp, err := c.PlaceOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: replacement after cancel of %s failed: %w", op, orderID, err)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":     symbol,
		"oldOrderID": orderID,
		"newOrderID": resp.OrderID,
		"newPrice":   price,
		"newSize":    size,
	})
	return resp, nil
}

// CancelOrder cancels an existing open order by its id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (*ports.OrderResponse, error) {
	op := "CancelOrder"
	id, err := parseOrderID(orderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ports.ErrInvalidRequest, err)
	}
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": symbol, "orderID": orderID})

	res, err := c.spotClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	price, _ := strconv.ParseFloat(res.Price, 64)
	execQty, _ := strconv.ParseFloat(res.ExecutedQuantity, 64)
	resp := &ports.OrderResponse{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          domain.OrderSide(res.Side),
		Type:          translateOrderType(string(res.Type)),
		Price:         price,
		ExecutedQty:   execQty,
		Status:        string(res.Status), // CANCELED
		Timestamp:     time.UnixMilli(res.TransactTime),
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID, "status": resp.Status})
	return resp, nil
}

// GetOpenOrders retrieves all working orders for a symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	op := "GetOpenOrders"
	orders, err := c.spotClient.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	out := make([]*domain.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, translateOrder(o))
	}
	return out, nil
}

// GetTicker retrieves the last traded price for a symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (float64, error) {
	op := "GetTicker"
	prices, err := c.spotClient.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(prices) == 0 {
		err := fmt.Errorf("no price data returned for symbol %s", symbol)
		return 0, c.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", prices[0].Price, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// GetAccountBalances retrieves free balances per asset.
func (c *Client) GetAccountBalances(ctx context.Context) (map[string]float64, error) {
	op := "GetAccountBalances"
	account, err := c.spotClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	balances := make(map[string]float64, len(account.Balances))
	for _, bal := range account.Balances {
		free, err := strconv.ParseFloat(bal.Free, 64)
		if err != nil {
			parseErr := fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.Free, bal.Asset, err)
			return nil, c.handleError(ctx, parseErr, op)
		}
		if free > 0 {
			balances[bal.Asset] = free
		}
	}
	return balances, nil
}

// SubscribeOrderEvents starts the user-data WebSocket stream and delivers
// per-order execution reports. The adapter owns the listen key lifecycle
// (30 minute keepalives) and reconnection with exponential backoff.
func (c *Client) SubscribeOrderEvents(ctx context.Context, handler func(event *domain.OrderEvent), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "SubscribeOrderEvents"
	wsCtx, cancelWs := context.WithCancel(ctx)

	listenKey, err := c.spotClient.NewStartUserStreamService().Do(ctx)
	if err != nil {
		cancelWs()
		return nil, nil, c.handleError(ctx, err, op+" start user stream")
	}
	c.logger.Info(ctx, op+": user data stream started")

	// Keepalive loop; without it the listen key expires after an hour.
	go func() {
		ticker := time.NewTicker(listenKeyKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.spotClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(wsCtx); err != nil {
					c.handleError(wsCtx, err, op+" keepalive")
				} else {
					c.logger.Debug(wsCtx, op+": listen key keepalive sent")
				}
			case <-wsCtx.Done():
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := c.spotClient.NewCloseUserStreamService().ListenKey(listenKey).Do(closeCtx); err != nil {
					c.logger.Warn(closeCtx, op+": failed to close user data stream", map[string]interface{}{"error": err.Error()})
				}
				cancel()
				return
			}
		}
	}()

	binanceHandler := func(event *binance.WsUserDataEvent) {
		if event == nil || event.Event != binance.UserDataEventTypeExecutionReport {
			return
		}
		domainEvent, err := translateWsOrderUpdate(&event.OrderUpdate)
		if err != nil {
			c.logger.Error(wsCtx, err, op+": failed to translate execution report")
			return
		}
		handler(domainEvent)
	}

	binanceErrHandler := func(err error) {
		translatedErr := c.handleError(wsCtx, err, op+" WebSocket")
		c.logger.Warn(wsCtx, op+": WebSocket error reported", map[string]interface{}{"error": translatedErr})
		errHandler(translatedErr)
	}

	// Reconnection loop
	go func() {
		defer cancelWs()

		attempt := 0
		for {
			select {
			case <-wsCtx.Done():
				c.logger.Info(wsCtx, op+": context cancelled, stopping connection attempts")
				return
			default:
				c.logger.Info(wsCtx, op+": attempting WebSocket connection", map[string]interface{}{"attempt": attempt + 1})
				innerDoneCh, innerStopCh, connectErr := binance.WsUserDataServe(listenKey, binanceHandler, binanceErrHandler)

				if connectErr != nil {
					c.handleError(wsCtx, connectErr, op+" connection attempt")
					attempt++
					if attempt >= c.maxReconnectAttempts {
						c.logger.Error(wsCtx, connectErr, op+": max reconnection attempts exceeded, giving up", map[string]interface{}{"maxAttempts": c.maxReconnectAttempts})
						return
					}

					delay := c.reconnectDelay * time.Duration(1<<uint(attempt-1))
					c.logger.Info(wsCtx, op+": connection failed, retrying", map[string]interface{}{"attempt": attempt + 1, "delay": delay.String()})
					select {
					case <-time.After(delay):
						continue
					case <-wsCtx.Done():
						return
					}
				}

				c.logger.Info(wsCtx, op+": WebSocket connection established")
				attempt = 0

				select {
				case <-innerDoneCh:
					c.logger.Warn(wsCtx, op+": WebSocket connection closed unexpectedly, reconnecting")
				case <-wsCtx.Done():
					select {
					case innerStopCh <- struct{}{}:
					default:
					}
					return
				}
			}
		}
	}()

	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	go func() {
		select {
		case <-stopCh:
			c.logger.Info(ctx, op+": received external stop signal, cancelling WebSocket context")
			cancelWs()
		case <-wsCtx.Done():
		}
	}()

	go func() {
		<-wsCtx.Done()
		close(doneCh)
	}()

	return doneCh, stopCh, nil
}

// --- Translation Helpers ---

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseOrderID(orderID string) (int64, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("order id %q is not numeric: %w", orderID, err)
	}
	return id, nil
}

func translateOrderType(t string) domain.OrderType {
	switch t {
	case "MARKET":
		return domain.OrderTypeMarket
	case "LIMIT", "LIMIT_MAKER":
		return domain.OrderTypeLimit
	case "STOP_LOSS", "STOP_LOSS_LIMIT", "TAKE_PROFIT", "TAKE_PROFIT_LIMIT":
		return domain.OrderTypeStop
	default:
		return domain.OrderType(t)
	}
}

func translateOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "NEW", "PARTIALLY_FILLED", "PENDING_NEW":
		return domain.OrderStatusOpen
	case "FILLED":
		return domain.OrderStatusClosed
	case "CANCELED", "REJECTED", "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.OrderStatusCanceled
	default:
		return domain.OrderStatusUnknown
	}
}

func translateCreateResponse(order *binance.CreateOrderResponse) *ports.OrderResponse {
	if order == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	quoteQty, _ := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)

	// Spot responses carry no average price; derive it from the cumulative
	// quote quantity when anything filled.
	avgPrice := 0.0
	if execQty > 0 {
		avgPrice = quoteQty / execQty
	}

	return &ports.OrderResponse{
		OrderID:       strconv.FormatInt(order.OrderID, 10),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          domain.OrderSide(order.Side),
		Type:          translateOrderType(string(order.Type)),
		Price:         price,
		AvgPrice:      avgPrice,
		ExecutedQty:   execQty,
		Status:        string(order.Status),
		Timestamp:     time.UnixMilli(order.TransactTime),
	}
}

func translateOrder(o *binance.Order) *domain.Order {
	if o == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(o.Price, 64)
	stopPrice, _ := strconv.ParseFloat(o.StopPrice, 64)
	origQty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)

	return &domain.Order{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(o.Side),
		Type:          translateOrderType(string(o.Type)),
		Price:         price,
		TriggerPrice:  stopPrice,
		Size:          origQty,
		Filled:        execQty,
		Status:        translateOrderStatus(string(o.Status)),
		CreatedAt:     time.UnixMilli(o.Time),
	}
}

func translateWsOrderUpdate(u *binance.WsOrderUpdate) (*domain.OrderEvent, error) {
	if u == nil {
		return nil, errors.New("received nil order update")
	}
	price, err := strconv.ParseFloat(u.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing price '%s': %w", u.Price, err)
	}
	size, err := strconv.ParseFloat(u.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing order volume '%s': %w", u.Volume, err)
	}
	filled, err := strconv.ParseFloat(u.FilledVolume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing filled volume '%s': %w", u.FilledVolume, err)
	}

	orderType := translateOrderType(u.Type)
	// Conditional orders carry the trigger in StopPrice and report a zero
	// Price; the event price must be the trigger or downstream consumers
	// see every stop at price 0.
	if orderType == domain.OrderTypeStop {
		if stopPrice, serr := strconv.ParseFloat(u.StopPrice, 64); serr == nil && stopPrice > 0 {
			price = stopPrice
		}
	}

	return &domain.OrderEvent{
		OrderID:       strconv.FormatInt(u.Id, 10),
		ClientOrderID: u.ClientOrderId,
		Symbol:        u.Symbol,
		Side:          domain.OrderSide(u.Side),
		Type:          orderType,
		Status:        translateOrderStatus(u.Status),
		Volume:        filled,
		Size:          size,
		Price:         price,
		Timestamp:     time.UnixMilli(u.TransactionTime),
	}, nil
}
