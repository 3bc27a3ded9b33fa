// Command simulate replays a bar series from CSV against a trade plan and
// reports fills, fees, and PnL. It exercises the same matching and wallet
// semantics as live execution.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"spotLadderBot/internal/adapters/logger"
	"spotLadderBot/internal/domain"
	"spotLadderBot/internal/simulator"
	"spotLadderBot/internal/utils"
)

func main() {
	var (
		barsPath     = flag.String("bars", "", "path to a bar CSV (required)")
		planPath     = flag.String("plan", "", "path to a trade plan JSON (required)")
		initialQuote = flag.Float64("balance", 10000, "starting quote balance")
		feeRate      = flag.Float64("fee", 0.001, "taker fee rate per fill")
		minNotional  = flag.Float64("min-notional", 10, "minimum notional per order leg")
		logLevel     = flag.String("log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	)
	flag.Parse()
	if *barsPath == "" || *planPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	appLogger := logger.NewStdLogger(logger.ParseLevel(*logLevel))
	ctx := context.Background()

	plan, err := loadPlan(*planPath)
	if err != nil {
		log.Fatalf("FATAL: Failed to load trade plan: %v", err)
	}
	bars, err := utils.ReadKlinesFromCSV(*barsPath)
	if err != nil {
		log.Fatalf("FATAL: Failed to load bars: %v", err)
	}
	appLogger.Info(ctx, "Loaded simulation inputs", map[string]interface{}{
		"symbol": plan.Symbol,
		"bars":   len(bars),
	})

	sim, err := simulator.New(appLogger, simulator.Config{
		InitialQuote: *initialQuote,
		FeeRate:      *feeRate,
		MinNotional:  *minNotional,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize simulator: %v", err)
	}

	res, err := sim.Run(ctx, plan, bars)
	if err != nil {
		log.Fatalf("FATAL: Simulation failed: %v", err)
	}

	fmt.Printf("=== Simulation: %s %s %.8g @ %.8g ===\n", plan.Symbol, plan.Side, plan.PositionSize, plan.EntryPrice)
	fmt.Printf("Bars processed:   %d\n", res.BarsProcessed)
	fmt.Printf("Entry filled:     %t\n", res.EntryFilled)
	fmt.Printf("Targets hit:      %d\n", res.TargetsHit)
	fmt.Printf("Stopped out:      %t\n", res.StoppedOut)
	fmt.Printf("Fills:            %d\n", len(res.Fills))
	for _, f := range res.Fills {
		fmt.Printf("  %-4s %-6s %.8g @ %.8g (fee %.4f)\n", f.Side, f.OrderID, f.Volume, f.Price, f.Fee)
	}
	fmt.Printf("Total fees:       %.4f\n", res.TotalFees)
	fmt.Printf("Total slippage:   %.4f\n", res.TotalSlippage)
	fmt.Printf("Realized PnL:     %.4f\n", res.RealizedPnL)
	fmt.Printf("Final value:      %.4f\n", res.FinalValue)
}

func loadPlan(path string) (*domain.TradePlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var plan domain.TradePlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}
