package grid

import (
	"fmt"
	"math"
	"sort"
	"time"
)

type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Config describes one immutable grid run. A new reference high means a
// process restart, never a live mutation.
type Config struct {
	Instrument   string
	ATH          float64
	StepFraction float64
	RoundingUnit float64
	MaxSteps     int
	OrderSize    float64
	WindowSize   int
}

func (c Config) StepSize() float64 {
	return c.ATH * c.StepFraction
}

// StepLevel is one rung of the ladder. Levels are recomputed on demand and
// never stored.
type StepLevel struct {
	Step        int
	BuyTrigger  float64
	SellTrigger float64
}

// Level computes the ladder rung for step n. It returns false for n outside
// [1, MaxSteps].
func Level(cfg Config, n int) (StepLevel, bool) {
	if n < 1 || n > cfg.MaxSteps {
		return StepLevel{}, false
	}
	raw := cfg.ATH - float64(n)*cfg.StepSize()
	buy := math.Floor(raw/cfg.RoundingUnit) * cfg.RoundingUnit
	return StepLevel{
		Step:        n,
		BuyTrigger:  buy,
		SellTrigger: buy + cfg.RoundingUnit,
	}, true
}

// Levels returns the full ladder, step 1 first.
func Levels(cfg Config) []StepLevel {
	out := make([]StepLevel, 0, cfg.MaxSteps)
	for n := 1; n <= cfg.MaxSteps; n++ {
		lvl, ok := Level(cfg, n)
		if !ok {
			break
		}
		out = append(out, lvl)
	}
	return out
}

// TargetOrder is one slot of the desired window.
type TargetOrder struct {
	Step         int
	Direction    Direction
	TriggerPrice float64
}

// Window is the desired set of resting conditional orders around a price:
// buys above it, sells below it.
type Window struct {
	Buys  []TargetOrder
	Sells []TargetOrder
}

func (w Window) Orders() []TargetOrder {
	out := make([]TargetOrder, 0, len(w.Buys)+len(w.Sells))
	out = append(out, w.Buys...)
	out = append(out, w.Sells...)
	return out
}

// Contains reports whether the window holds a slot matching the given
// direction and trigger price.
func (w Window) Contains(dir Direction, trigger float64) bool {
	for _, t := range w.Orders() {
		if t.Direction == dir && t.TriggerPrice == trigger {
			return true
		}
	}
	return false
}

// TargetWindow selects the WindowSize buy triggers nearest above price and
// the WindowSize sell triggers nearest below it. Near the ladder edges one
// side may come up short; that is expected and left to the caller to report.
func TargetWindow(cfg Config, currentPrice float64) Window {
	var buys, sells []TargetOrder
	for _, lvl := range Levels(cfg) {
		if lvl.BuyTrigger > currentPrice {
			buys = append(buys, TargetOrder{Step: lvl.Step, Direction: Buy, TriggerPrice: lvl.BuyTrigger})
		}
		if lvl.SellTrigger < currentPrice {
			sells = append(sells, TargetOrder{Step: lvl.Step, Direction: Sell, TriggerPrice: lvl.SellTrigger})
		}
	}
	sort.Slice(buys, func(i, j int) bool { return buys[i].TriggerPrice < buys[j].TriggerPrice })
	sort.Slice(sells, func(i, j int) bool { return sells[i].TriggerPrice > sells[j].TriggerPrice })
	size := cfg.WindowSize
	if size <= 0 {
		size = 2
	}
	if len(buys) > size {
		buys = buys[:size]
	}
	if len(sells) > size {
		sells = sells[:size]
	}
	return Window{Buys: buys, Sells: sells}
}

// Label builds the venue order label for a window slot. The generation
// counter keeps a re-crossing of a level distinguishable from its first
// crossing.
func Label(t TargetOrder, generation uint64) string {
	side := "down"
	if t.Direction == Buy {
		side = "up"
	}
	return fmt.Sprintf("grid_step%d_%s_g%d", t.Step, side, generation)
}

// ActiveOrder is a resting conditional order owned by the store.
type ActiveOrder struct {
	Label        string    `json:"label"`
	Direction    Direction `json:"direction"`
	TriggerPrice float64   `json:"trigger"`
	StepIndex    int       `json:"step"`
	VenueOrderID string    `json:"order_id"`
}

// FilledOrder is an ActiveOrder that the venue reported executed.
type FilledOrder struct {
	ActiveOrder
	FilledAt time.Time `json:"filled_at"`
}
