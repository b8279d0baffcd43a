package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"deribit-grid-bot/internal/deribit/rest"
	"deribit-grid-bot/internal/grid"
	"deribit-grid-bot/internal/metrics"
	"deribit-grid-bot/internal/state"

	"go.uber.org/zap"
)

func testGridConfig() grid.Config {
	return grid.Config{
		Instrument:   "BTC_USDC-PERPETUAL",
		ATH:          126000,
		StepFraction: 0.05,
		RoundingUnit: 1000,
		MaxSteps:     19,
		OrderSize:    0.1,
		WindowSize:   2,
	}
}

type fakeGateway struct {
	mu        sync.Mutex
	price     float64
	priceErr  error
	placeErr  map[float64]error
	cancelErr map[string]error
	placed    []rest.PlaceRequest
	cancelled []string
	open      []rest.OpenOrder
	openErr   error
	nextID    int
}

func (f *fakeGateway) LastPrice(ctx context.Context, instrument string) (float64, error) {
	if f.priceErr != nil {
		return 0, f.priceErr
	}
	return f.price, nil
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, req rest.PlaceRequest) (rest.PlacedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.placeErr[req.TriggerPrice]; ok {
		return rest.PlacedOrder{}, err
	}
	f.placed = append(f.placed, req)
	f.nextID++
	return rest.PlacedOrder{OrderID: fmt.Sprintf("venue-%d", f.nextID)}, nil
}

func (f *fakeGateway) Cancel(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.cancelErr[orderID]; ok {
		return err
	}
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeGateway) OpenOrders(ctx context.Context, instrument string) ([]rest.OpenOrder, error) {
	return f.open, f.openErr
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingNotifier) Notify(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
}

func (r *recordingNotifier) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *recordingNotifier) containing(substr string) int {
	count := 0
	for _, m := range r.all() {
		if strings.Contains(m, substr) {
			count++
		}
	}
	return count
}

func newTestStore(t *testing.T, active ...grid.ActiveOrder) *state.Store {
	t.Helper()
	store, err := state.Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("load store: %v", err)
	}
	for _, o := range active {
		if err := store.Put(o); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}
	return store
}

func activeOrder(id string, dir grid.Direction, trigger float64, step int) grid.ActiveOrder {
	side := "down"
	if dir == grid.Buy {
		side = "up"
	}
	return grid.ActiveOrder{
		Label:        fmt.Sprintf("grid_step%d_%s_g0", step, side),
		Direction:    dir,
		TriggerPrice: trigger,
		StepIndex:    step,
		VenueOrderID: id,
	}
}

func TestReconcilePlacesMissingLevelAfterFill(t *testing.T) {
	store := newTestStore(t,
		activeOrder("b1", grid.Buy, 119000, 1),
		activeOrder("b2", grid.Buy, 113000, 2),
		activeOrder("s3", grid.Sell, 108000, 3),
		activeOrder("s4", grid.Sell, 101000, 4),
	)
	gw := &fakeGateway{price: 107500}
	notifier := &recordingNotifier{}
	eng := New(testGridConfig(), store, gw, notifier, metrics.NewNoop(), zap.NewNop(), 4)

	eng.reconcile(context.Background(), "s3")

	snap := store.Snapshot()
	if len(snap.Filled) != 1 || snap.Filled[0].VenueOrderID != "s3" {
		t.Fatalf("fill not recorded exactly once: %+v", snap.Filled)
	}
	if len(gw.placed) != 1 {
		t.Fatalf("expected exactly one placement, got %+v", gw.placed)
	}
	placed := gw.placed[0]
	if placed.Direction != grid.Sell || placed.TriggerPrice != 95000 {
		t.Fatalf("expected sell @ 95000 (step 5), got %+v", placed)
	}
	if len(gw.cancelled) != 0 {
		t.Fatalf("nothing should be cancelled, got %v", gw.cancelled)
	}
	if len(snap.Active) != 4 {
		t.Fatalf("expected a 2+2 window, got %+v", snap.Active)
	}
	if notifier.containing("Grid repositioned") != 1 {
		t.Fatalf("expected a success advisory, got %v", notifier.all())
	}
}

func TestReconcileCancelsStrayAndToleratesBoundary(t *testing.T) {
	store := newTestStore(t,
		activeOrder("b1", grid.Buy, 119000, 1),
		activeOrder("b2", grid.Buy, 113000, 2),
		activeOrder("s3", grid.Sell, 108000, 3),
		activeOrder("s4", grid.Sell, 101000, 4),
	)
	// Buy at step 2 fills and price climbs above its level: only one buy
	// level remains above, so the window is legitimately short one buy.
	gw := &fakeGateway{price: 115000}
	notifier := &recordingNotifier{}
	eng := New(testGridConfig(), store, gw, notifier, metrics.NewNoop(), zap.NewNop(), 4)

	eng.reconcile(context.Background(), "b2")

	if len(gw.placed) != 1 || gw.placed[0].TriggerPrice != 114000 || gw.placed[0].Direction != grid.Sell {
		t.Fatalf("expected sell placement @ 114000, got %+v", gw.placed)
	}
	if len(gw.cancelled) != 1 || gw.cancelled[0] != "s4" {
		t.Fatalf("expected the out-of-window sell to be cancelled, got %v", gw.cancelled)
	}
	snap := store.Snapshot()
	if len(snap.Active) != 3 {
		t.Fatalf("expected 1 buy + 2 sells at the boundary, got %+v", snap.Active)
	}
	if notifier.containing("Imbalance") != 0 {
		t.Fatalf("boundary windows must not be reported as imbalance: %v", notifier.all())
	}
	if notifier.containing("Grid repositioned") != 1 {
		t.Fatalf("expected a success advisory, got %v", notifier.all())
	}
}

func TestConvergeIsIdempotent(t *testing.T) {
	store := newTestStore(t,
		activeOrder("s3", grid.Sell, 108000, 3),
	)
	gw := &fakeGateway{price: 110000}
	eng := New(testGridConfig(), store, gw, &recordingNotifier{}, metrics.NewNoop(), zap.NewNop(), 4)

	target := grid.TargetWindow(testGridConfig(), 110000)
	if failures := eng.converge(context.Background(), target, 110000); len(failures) != 0 {
		t.Fatalf("first convergence failed: %v", failures)
	}
	placedOnce := len(gw.placed)
	if placedOnce != 3 {
		t.Fatalf("expected 3 placements to complete the window, got %d", placedOnce)
	}

	if failures := eng.converge(context.Background(), target, 110000); len(failures) != 0 {
		t.Fatalf("second convergence failed: %v", failures)
	}
	if len(gw.placed) != placedOnce || len(gw.cancelled) != 0 {
		t.Fatalf("converged window must produce no venue calls: placed=%d cancelled=%d",
			len(gw.placed)-placedOnce, len(gw.cancelled))
	}
}

func TestReconcileIsolatesSingleVenueFailure(t *testing.T) {
	store := newTestStore(t,
		activeOrder("s3", grid.Sell, 108000, 3),
	)
	gw := &fakeGateway{
		price:    110000,
		placeErr: map[float64]error{113000: &rest.VenueError{Code: 10028, Message: "too_many_requests"}},
	}
	notifier := &recordingNotifier{}
	eng := New(testGridConfig(), store, gw, notifier, metrics.NewNoop(), zap.NewNop(), 4)

	eng.reconcile(context.Background(), "s3")

	if len(gw.placed) != 3 {
		t.Fatalf("the other three placements must still run, got %d", len(gw.placed))
	}
	snap := store.Snapshot()
	if len(snap.Active) != 3 {
		t.Fatalf("the three successful placements must be persisted, got %+v", snap.Active)
	}
	if notifier.containing("Imbalance") != 1 {
		t.Fatalf("expected an imbalance advisory, got %v", notifier.all())
	}
	if notifier.containing("Grid errors") != 1 {
		t.Fatalf("expected an error advisory, got %v", notifier.all())
	}
	if notifier.containing("Grid repositioned") != 0 {
		t.Fatalf("failed pass must not claim success, got %v", notifier.all())
	}
}

func TestReconcileAbortsWithoutPrice(t *testing.T) {
	store := newTestStore(t,
		activeOrder("s3", grid.Sell, 108000, 3),
	)
	gw := &fakeGateway{priceErr: errors.New("ticker unavailable")}
	notifier := &recordingNotifier{}
	eng := New(testGridConfig(), store, gw, notifier, metrics.NewNoop(), zap.NewNop(), 4)

	eng.reconcile(context.Background(), "s3")

	if len(gw.placed) != 0 || len(gw.cancelled) != 0 {
		t.Fatalf("no diff may run without a price")
	}
	if notifier.containing("price query failed") != 1 {
		t.Fatalf("expected a single abort advisory, got %v", notifier.all())
	}
	// The fill itself is still recorded: it happened on the venue.
	snap := store.Snapshot()
	if len(snap.Filled) != 1 {
		t.Fatalf("fill must be recorded even on abort: %+v", snap.Filled)
	}
}

func TestCancelFailureKeepsOrderTracked(t *testing.T) {
	store := newTestStore(t,
		activeOrder("b1", grid.Buy, 119000, 1),
		activeOrder("b2", grid.Buy, 113000, 2),
		activeOrder("s3", grid.Sell, 108000, 3),
		activeOrder("s4", grid.Sell, 101000, 4),
	)
	gw := &fakeGateway{
		price:     115000,
		cancelErr: map[string]error{"s4": &rest.VenueError{Code: 10041, Message: "settlement_in_progress"}},
	}
	notifier := &recordingNotifier{}
	eng := New(testGridConfig(), store, gw, notifier, metrics.NewNoop(), zap.NewNop(), 4)

	eng.reconcile(context.Background(), "b2")

	if _, ok := store.ActiveByID("s4"); !ok {
		t.Fatalf("an order the venue still holds must stay tracked")
	}
	if notifier.containing("Grid errors") != 1 {
		t.Fatalf("cancel failure must be reported, got %v", notifier.all())
	}
}

func TestEnqueueFiltersUntrackedAndOverflow(t *testing.T) {
	store := newTestStore(t,
		activeOrder("a", grid.Sell, 108000, 3),
		activeOrder("b", grid.Sell, 101000, 4),
	)
	notifier := &recordingNotifier{}
	eng := New(testGridConfig(), store, &fakeGateway{price: 110000}, notifier, metrics.NewNoop(), zap.NewNop(), 1)

	eng.EnqueueFill("untracked")
	if eng.QueueDepth() != 0 {
		t.Fatalf("untracked fills must not be queued")
	}

	eng.EnqueueFill("a")
	eng.EnqueueFill("b") // queue of 1 is full, must drop without blocking
	if eng.QueueDepth() != 1 {
		t.Fatalf("expected queue depth 1, got %d", eng.QueueDepth())
	}
	if notifier.containing("queue full") != 1 {
		t.Fatalf("overflow must be reported, got %v", notifier.all())
	}
}

func TestRunProcessesQueuedFills(t *testing.T) {
	store := newTestStore(t,
		activeOrder("b1", grid.Buy, 119000, 1),
		activeOrder("b2", grid.Buy, 113000, 2),
		activeOrder("s3", grid.Sell, 108000, 3),
		activeOrder("s4", grid.Sell, 101000, 4),
	)
	gw := &fakeGateway{price: 107500}
	notifier := &recordingNotifier{}
	eng := New(testGridConfig(), store, gw, notifier, metrics.NewNoop(), zap.NewNop(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	eng.EnqueueFill("s3")
	waitFor(t, func() bool { return len(store.Snapshot().Filled) == 1 })
	cancel()
	<-done
}

func TestVerifyAgainstVenueReportsDiscrepancies(t *testing.T) {
	store := newTestStore(t,
		activeOrder("tracked-live", grid.Buy, 119000, 1),
		activeOrder("tracked-gone", grid.Sell, 108000, 3),
	)
	gw := &fakeGateway{
		open: []rest.OpenOrder{
			{OrderID: "tracked-live", Direction: "buy", Label: "grid_step1_up_g0"},
			{OrderID: "ghost", Direction: "sell", Label: "grid_step9_down_g4"},
		},
	}
	notifier := &recordingNotifier{}
	eng := New(testGridConfig(), store, gw, notifier, metrics.NewNoop(), zap.NewNop(), 4)

	if err := eng.VerifyAgainstVenue(context.Background()); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if notifier.containing("State mismatch") != 1 {
		t.Fatalf("expected one mismatch advisory, got %v", notifier.all())
	}
	msg := notifier.all()[0]
	if !strings.Contains(msg, "tracked-gone") || !strings.Contains(msg, "ghost") {
		t.Fatalf("advisory must name both discrepancies: %q", msg)
	}
}

func TestVerifyAgainstVenueCleanState(t *testing.T) {
	store := newTestStore(t, activeOrder("x", grid.Buy, 119000, 1))
	gw := &fakeGateway{open: []rest.OpenOrder{{OrderID: "x", Direction: "buy", Label: "grid_step1_up_g0"}}}
	notifier := &recordingNotifier{}
	eng := New(testGridConfig(), store, gw, notifier, metrics.NewNoop(), zap.NewNop(), 4)

	if err := eng.VerifyAgainstVenue(context.Background()); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if len(notifier.all()) != 0 {
		t.Fatalf("clean state must not produce advisories: %v", notifier.all())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never met")
}
