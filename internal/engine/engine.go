package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"deribit-grid-bot/internal/alerts"
	"deribit-grid-bot/internal/deribit/rest"
	"deribit-grid-bot/internal/grid"
	"deribit-grid-bot/internal/metrics"
	"deribit-grid-bot/internal/state"

	"go.uber.org/zap"
)

// Gateway is the venue surface the engine drives. *rest.Client satisfies it.
type Gateway interface {
	LastPrice(ctx context.Context, instrument string) (float64, error)
	PlaceOrder(ctx context.Context, req rest.PlaceRequest) (rest.PlacedOrder, error)
	Cancel(ctx context.Context, orderID string) error
	OpenOrders(ctx context.Context, instrument string) ([]rest.OpenOrder, error)
}

// Engine keeps the order window converged on the grid ladder. Fill events
// feed a bounded FIFO queue with a single consumer, so passes are strictly
// serialized and a fill arriving mid-pass is processed right after instead
// of being dropped.
type Engine struct {
	cfg      grid.Config
	store    *state.Store
	gateway  Gateway
	notifier alerts.Notifier
	metrics  *metrics.Metrics
	log      *zap.Logger

	queue  chan string
	paused atomic.Bool
	gen    atomic.Uint64

	onFill func(grid.FilledOrder)
	onPass func(PassReport)
}

// PassReport summarizes one completed reconciliation pass.
type PassReport struct {
	Price       float64
	ActiveBuys  int
	ActiveSells int
	WantBuys    int
	WantSells   int
	Failures    int
}

func New(cfg grid.Config, store *state.Store, gateway Gateway, notifier alerts.Notifier, m *metrics.Metrics, log *zap.Logger, queueSize int) *Engine {
	if queueSize <= 0 {
		queueSize = 16
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if notifier == nil {
		notifier = alerts.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		gateway:  gateway,
		notifier: notifier,
		metrics:  m,
		log:      log,
		queue:    make(chan string, queueSize),
	}
	// Seed the label generation past the recorded history so a relaunched
	// process does not reuse labels from before the restart.
	e.gen.Store(uint64(len(store.Snapshot().Filled)))
	return e
}

// OnFill registers a hook invoked after each fill is recorded. Set before Run.
func (e *Engine) OnFill(fn func(grid.FilledOrder)) { e.onFill = fn }

// OnPass registers a hook invoked after each pass completes. Set before Run.
func (e *Engine) OnPass(fn func(PassReport)) { e.onPass = fn }

// EnqueueFill hands a filled venue order id to the engine. Non-blocking:
// with a full queue the event is dropped after logging, and ids that do not
// match a tracked order are ignored (the venue pushes every order update).
func (e *Engine) EnqueueFill(orderID string) {
	if _, ok := e.store.ActiveByID(orderID); !ok {
		if e.log != nil {
			e.log.Debug("ignoring fill for untracked order", zap.String("order_id", orderID))
		}
		return
	}
	select {
	case e.queue <- orderID:
	default:
		e.metrics.FillsDropped.Inc()
		if e.log != nil {
			e.log.Warn("fill queue full, dropping event", zap.String("order_id", orderID))
		}
		e.notifier.Notify(fmt.Sprintf("Fill event for %s dropped: reconciliation queue full - check needed!", orderID))
	}
}

// SetPaused gates pass execution. Fills received while paused stay queued.
func (e *Engine) SetPaused(paused bool) {
	e.paused.Store(paused)
}

func (e *Engine) IsPaused() bool {
	return e.paused.Load()
}

// QueueDepth reports how many fills are waiting. Operator status only.
func (e *Engine) QueueDepth() int {
	return len(e.queue)
}

// Run consumes fill events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case orderID := <-e.queue:
			if err := e.waitWhilePaused(ctx); err != nil {
				return err
			}
			e.reconcile(ctx, orderID)
		}
	}
}

func (e *Engine) waitWhilePaused(ctx context.Context) error {
	for e.paused.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return nil
}

// reconcile is one full pass: record the fill, re-center the window on the
// current price, and converge the venue's resting orders toward it. Venue
// failures are isolated per level; the pass always completes and the store
// persists whatever was actually achieved.
func (e *Engine) reconcile(ctx context.Context, filledID string) {
	filled, err := e.store.Remove(filledID)
	if errors.Is(err, state.ErrNotFound) {
		if e.log != nil {
			e.log.Info("fill already reconciled", zap.String("order_id", filledID))
		}
		return
	}
	if err != nil {
		e.log.Error("failed to drop filled order", zap.String("order_id", filledID), zap.Error(err))
		return
	}
	if err := e.store.AppendFilled(grid.FilledOrder{ActiveOrder: filled, FilledAt: time.Now().UTC()}); err != nil {
		e.log.Error("failed to record fill history", zap.Error(err))
	}
	e.metrics.FillsProcessed.Inc()
	if e.log != nil {
		e.log.Info("fill received",
			zap.String("direction", string(filled.Direction)),
			zap.Int("step", filled.StepIndex),
			zap.Float64("trigger", filled.TriggerPrice),
		)
	}
	e.notifier.Notify(fmt.Sprintf("FILL: %s %v %s @ %.0f (step %d)",
		strings.ToUpper(string(filled.Direction)), e.cfg.OrderSize, e.cfg.Instrument, filled.TriggerPrice, filled.StepIndex))
	if e.onFill != nil {
		e.onFill(grid.FilledOrder{ActiveOrder: filled, FilledAt: time.Now().UTC()})
	}

	price, err := e.gateway.LastPrice(ctx, e.cfg.Instrument)
	if err != nil {
		e.metrics.PassesAborted.Inc()
		e.log.Error("price query failed, aborting pass", zap.Error(err))
		e.notifier.Notify(fmt.Sprintf("Grid error: price query failed (%v) - manual check needed!", err))
		return
	}

	target := grid.TargetWindow(e.cfg, price)
	failures := e.converge(ctx, target, price)
	e.report(target, price, failures)
}

// converge diffs the target window against the store and drives the venue
// toward it. It returns the per-level failures it could not resolve.
func (e *Engine) converge(ctx context.Context, target grid.Window, price float64) []string {
	var failures []string

	snap := e.store.Snapshot()
	for _, slot := range target.Orders() {
		if hasOrder(snap.Active, slot.Direction, slot.TriggerPrice) {
			continue
		}
		label := grid.Label(slot, e.gen.Add(1))
		placed, err := e.gateway.PlaceOrder(ctx, rest.PlaceRequest{
			Instrument:   e.cfg.Instrument,
			Direction:    slot.Direction,
			Amount:       e.cfg.OrderSize,
			TriggerPrice: slot.TriggerPrice,
			Label:        label,
			CurrentPrice: price,
		})
		if err != nil {
			e.metrics.OrderFailures.Inc()
			e.log.Warn("placement failed",
				zap.String("direction", string(slot.Direction)),
				zap.Float64("trigger", slot.TriggerPrice),
				zap.Error(err),
			)
			failures = append(failures, fmt.Sprintf("place %s @ %.0f: %v", slot.Direction, slot.TriggerPrice, err))
			continue
		}
		e.metrics.OrdersPlaced.Inc()
		if err := e.store.Put(grid.ActiveOrder{
			Label:        label,
			Direction:    slot.Direction,
			TriggerPrice: slot.TriggerPrice,
			StepIndex:    slot.Step,
			VenueOrderID: placed.OrderID,
		}); err != nil {
			e.log.Error("failed to persist placed order", zap.String("order_id", placed.OrderID), zap.Error(err))
		}
	}

	for _, active := range e.store.Snapshot().Active {
		if target.Contains(active.Direction, active.TriggerPrice) {
			continue
		}
		if err := e.gateway.Cancel(ctx, active.VenueOrderID); err != nil {
			e.metrics.OrderFailures.Inc()
			e.log.Warn("cancel failed", zap.String("order_id", active.VenueOrderID), zap.Error(err))
			failures = append(failures, fmt.Sprintf("cancel %s @ %.0f: %v", active.Direction, active.TriggerPrice, err))
			continue
		}
		e.metrics.OrdersCancelled.Inc()
		if _, err := e.store.Remove(active.VenueOrderID); err != nil && !errors.Is(err, state.ErrNotFound) {
			e.log.Error("failed to drop cancelled order", zap.String("order_id", active.VenueOrderID), zap.Error(err))
		}
	}
	return failures
}

// report checks the window post-condition and emits the pass advisory. An
// imbalance is reportable, never fatal: the next fill self-corrects it.
func (e *Engine) report(target grid.Window, price float64, failures []string) {
	snap := e.store.Snapshot()
	buys := triggersByDirection(snap.Active, grid.Buy)
	sells := triggersByDirection(snap.Active, grid.Sell)
	wantBuys, wantSells := len(target.Buys), len(target.Sells)

	if e.onPass != nil {
		e.onPass(PassReport{
			Price:       price,
			ActiveBuys:  len(buys),
			ActiveSells: len(sells),
			WantBuys:    wantBuys,
			WantSells:   wantSells,
			Failures:    len(failures),
		})
	}

	balanced := len(buys) == wantBuys && len(sells) == wantSells
	if !balanced {
		e.metrics.Imbalances.Inc()
		e.notifier.Notify(fmt.Sprintf("Imbalance: %d BUY + %d SELL active (want %d/%d) - check needed!",
			len(buys), len(sells), wantBuys, wantSells))
	}
	if len(failures) > 0 {
		e.notifier.Notify("Grid errors during repositioning: " + strings.Join(failures, "; "))
		return
	}
	if balanced {
		e.notifier.Notify(fmt.Sprintf("Grid repositioned: BUY %s | SELL %s",
			formatTriggers(buys), formatTriggers(sells)))
	}
}

// VerifyAgainstVenue compares the venue's live open orders to the store and
// reports discrepancies as an advisory. It never mutates either side; after
// a restart the operator decides whose state is right.
func (e *Engine) VerifyAgainstVenue(ctx context.Context) error {
	open, err := e.gateway.OpenOrders(ctx, e.cfg.Instrument)
	if err != nil {
		return err
	}
	venueIDs := make(map[string]bool, len(open))
	for _, o := range open {
		venueIDs[o.OrderID] = true
	}
	var missing, unknown []string
	for _, active := range e.store.Snapshot().Active {
		if !venueIDs[active.VenueOrderID] {
			missing = append(missing, fmt.Sprintf("%s %s @ %.0f", active.VenueOrderID, active.Direction, active.TriggerPrice))
		}
		delete(venueIDs, active.VenueOrderID)
	}
	for _, o := range open {
		if venueIDs[o.OrderID] && strings.HasPrefix(o.Label, "grid_") {
			unknown = append(unknown, fmt.Sprintf("%s %s [%s]", o.OrderID, o.Direction, o.Label))
		}
	}
	if len(missing) == 0 && len(unknown) == 0 {
		if e.log != nil {
			e.log.Info("venue state matches store", zap.Int("open_orders", len(open)))
		}
		return nil
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "tracked but not open on venue: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "open on venue but untracked: "+strings.Join(unknown, ", "))
	}
	e.notifier.Notify("State mismatch after restart - " + strings.Join(parts, "; "))
	return nil
}

func hasOrder(active []grid.ActiveOrder, dir grid.Direction, trigger float64) bool {
	for _, o := range active {
		if o.Direction == dir && o.TriggerPrice == trigger {
			return true
		}
	}
	return false
}

func triggersByDirection(active []grid.ActiveOrder, dir grid.Direction) []float64 {
	var out []float64
	for _, o := range active {
		if o.Direction == dir {
			out = append(out, o.TriggerPrice)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(out)))
	return out
}

func formatTriggers(triggers []float64) string {
	if len(triggers) == 0 {
		return "-"
	}
	parts := make([]string, len(triggers))
	for i, tr := range triggers {
		parts[i] = fmt.Sprintf("%.0f", tr)
	}
	return strings.Join(parts, "/")
}
