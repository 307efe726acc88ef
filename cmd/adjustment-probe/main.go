// README: Probe the configured adjustment backend once and print the resulting quote.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"ridedispatch/internal/config"
	"ridedispatch/internal/logging"
	"ridedispatch/internal/modules/adjustment"
	"ridedispatch/internal/modules/fare"
	"ridedispatch/internal/types"
)

func main() {
	lat := flag.Float64("lat", 12.9716, "origin latitude")
	lng := flag.Float64("lng", 77.5946, "origin longitude")
	distance := flag.Float64("distance", 8.5, "ride distance in km")
	flag.Parse()

	cfg, err := config.Load()
	logger := logging.New(cfg.Log.Level)
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	ctx := context.Background()
	provider, closeProvider, err := adjustment.NewProvider(ctx, cfg.Adjustment)
	if err != nil {
		logger.WithError(err).Fatal("init adjustment provider")
	}
	defer closeProvider()

	guard := adjustment.NewGuard(provider, adjustment.GuardConfig{
		Timeout:         cfg.Adjustment.Timeout,
		FallbackPercent: cfg.Adjustment.FallbackPercent,
	}, logging.Component(logger, "adjustment"))

	origin := types.Point{Lat: *lat, Lng: *lng}
	start := time.Now()
	res := guard.Resolve(ctx, adjustment.NewFeatures(*distance, origin, time.Now(), nil))
	elapsed := time.Since(start)

	calc := fare.NewCalculator(fare.Tariff{
		BaseFare:   cfg.Fare.BaseFare,
		IncludedKm: cfg.Fare.IncludedKm,
		PerKmRate:  cfg.Fare.PerKmRate,
		Currency:   cfg.Fare.Currency,
	})
	breakdown, err := calc.Quote(*distance, res.FactorPercent)
	if err != nil {
		logger.WithError(err).Fatal("quote")
	}

	fmt.Printf("Backend: %s (%s)\n", cfg.Adjustment.Backend, elapsed.Round(time.Millisecond))
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{"adjustment": res, "breakdown": breakdown})
}
