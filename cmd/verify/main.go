package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"deribit-grid-bot/internal/config"
	"deribit-grid-bot/internal/grid"
	"deribit-grid-bot/internal/state"
)

// verify is an offline check of the ladder and the state file: it prints
// every price level the configuration produces, validates the tracked
// orders, and, given a price, diffs them against the window the engine
// would converge to. No venue calls are made.

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	statePath := flag.String("state", "", "state file override (defaults to the configured path)")
	price := flag.Float64("price", 0, "check the tracked window against this price")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	gridCfg := grid.Config{
		Instrument:   cfg.Grid.Instrument,
		ATH:          cfg.Grid.ATH,
		StepFraction: cfg.Grid.StepFraction,
		RoundingUnit: cfg.Grid.RoundingUnit,
		MaxSteps:     cfg.Grid.MaxSteps,
		OrderSize:    cfg.Grid.OrderSize,
		WindowSize:   cfg.Grid.WindowSize,
	}

	fmt.Printf("ladder for %s (ath %.0f, step %.0f, unit %.0f):\n",
		gridCfg.Instrument, gridCfg.ATH, gridCfg.StepSize(), gridCfg.RoundingUnit)
	for _, level := range grid.Levels(gridCfg) {
		fmt.Printf("  step %2d: buy %.0f / sell %.0f\n", level.Step, level.BuyTrigger, level.SellTrigger)
	}

	path := *statePath
	if path == "" {
		path = cfg.State.Path
	}
	store, err := state.Load(path)
	if errors.Is(err, state.ErrCorruptState) {
		fatal(fmt.Errorf("state file %s is corrupt: %w", path, err))
	}
	if err != nil {
		fatal(err)
	}
	snap := store.Snapshot()
	fmt.Printf("\nstate %s: %d active, %d filled\n", path, len(snap.Active), len(snap.Filled))
	for _, o := range snap.Active {
		fmt.Printf("  %-22s %-4s trigger %.0f (step %d, order %s)\n",
			o.Label, o.Direction, o.TriggerPrice, o.StepIndex, o.VenueOrderID)
	}

	if *price <= 0 {
		return
	}
	target := grid.TargetWindow(gridCfg, *price)
	fmt.Printf("\ntarget window at %.0f:\n", *price)
	exitCode := 0
	for _, slot := range target.Orders() {
		marker := "MISSING"
		for _, o := range snap.Active {
			if o.Direction == slot.Direction && o.TriggerPrice == slot.TriggerPrice {
				marker = "ok"
				break
			}
		}
		if marker != "ok" {
			exitCode = 1
		}
		fmt.Printf("  %-4s trigger %.0f (step %d): %s\n", slot.Direction, slot.TriggerPrice, slot.Step, marker)
	}
	for _, o := range snap.Active {
		if !target.Contains(o.Direction, o.TriggerPrice) {
			exitCode = 1
			fmt.Printf("  stray: %-4s trigger %.0f (step %d, order %s)\n",
				o.Direction, o.TriggerPrice, o.StepIndex, o.VenueOrderID)
		}
	}
	os.Exit(exitCode)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
