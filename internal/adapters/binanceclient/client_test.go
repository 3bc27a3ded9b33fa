package binanceclient

import (
	"testing"

	binance "github.com/adshao/go-binance/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotLadderBot/internal/domain"
)

func TestTranslateWsOrderUpdate_StopCarriesTriggerPrice(t *testing.T) {
	// STOP_LOSS execution reports put the trigger in StopPrice and a zero
	// Price; the event must surface the trigger.
	ev, err := translateWsOrderUpdate(&binance.WsOrderUpdate{
		Id:              7001,
		ClientOrderId:   "slb42-s-1",
		Symbol:          "BTCUSDT",
		Side:            "SELL",
		Type:            "STOP_LOSS",
		Status:          "NEW",
		Price:           "0.00000000",
		StopPrice:       "29000.00000000",
		Volume:          "1.00000000",
		FilledVolume:    "0.00000000",
		TransactionTime: 1700000000000,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OrderTypeStop, ev.Type)
	assert.Equal(t, domain.OrderStatusOpen, ev.Status)
	assert.InDelta(t, 29000, ev.Price, 1e-9)
	assert.InDelta(t, 1.0, ev.Size, 1e-9)
}

func TestTranslateWsOrderUpdate_LimitKeepsOrderPrice(t *testing.T) {
	ev, err := translateWsOrderUpdate(&binance.WsOrderUpdate{
		Id:              7002,
		ClientOrderId:   "slb42-e-1",
		Symbol:          "BTCUSDT",
		Side:            "BUY",
		Type:            "LIMIT",
		Status:          "FILLED",
		Price:           "30000.00000000",
		StopPrice:       "0.00000000",
		Volume:          "1.00000000",
		FilledVolume:    "1.00000000",
		TransactionTime: 1700000000000,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OrderTypeLimit, ev.Type)
	assert.Equal(t, domain.OrderStatusClosed, ev.Status)
	assert.InDelta(t, 30000, ev.Price, 1e-9)
	assert.InDelta(t, 1.0, ev.Volume, 1e-9)
}

func TestTranslateWsOrderUpdate_RejectsMalformedNumbers(t *testing.T) {
	_, err := translateWsOrderUpdate(&binance.WsOrderUpdate{
		Id:           7003,
		Symbol:       "BTCUSDT",
		Type:         "LIMIT",
		Price:        "30000",
		Volume:       "not-a-number",
		FilledVolume: "0",
	})
	assert.Error(t, err)

	_, err = translateWsOrderUpdate(nil)
	assert.Error(t, err)
}
