// Package metrics exposes the operational counters and gauges of the bot
// over a Prometheus scrape endpoint.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spotLadderBot/internal/ports"
)

var (
	// CommandsTotal counts processed trade commands by action and result.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slb_commands_total",
		Help: "Trade commands processed, by action and result.",
	}, []string{"action", "result"})

	// CommandRedeliveries counts commands delivered more than once.
	CommandRedeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slb_command_redeliveries_total",
		Help: "Commands redelivered after an unacknowledged claim.",
	})

	// FillsTotal counts order fills observed on managed trades.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slb_fills_total",
		Help: "Order fills on managed trades, by order role.",
	}, []string{"role"})

	// ReconciliationTotal counts reconciliation listener outcomes.
	ReconciliationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slb_reconciliation_total",
		Help: "Reconciliation outcomes for exchange order events.",
	}, []string{"outcome"})

	// OpenTrades tracks the number of trades currently under management.
	OpenTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slb_open_trades",
		Help: "Trades currently under management.",
	})

	// Equity tracks the wallet's marked-to-market value in the quote asset.
	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slb_equity_quote",
		Help: "Wallet value marked to market, in the quote asset.",
	})
)

// Serve runs the Prometheus scrape endpoint until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger ports.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "Metrics endpoint listening", map[string]interface{}{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
