package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bandbot-go/internal/broker"
	"bandbot-go/internal/config"
	"bandbot-go/internal/journal"
	"bandbot-go/internal/market"
	"bandbot-go/internal/notify"
	"bandbot-go/internal/risk"
)

var testNow = time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu    sync.Mutex
	bars  map[string][]market.Bar
	quote map[string]market.Quote
	fail  map[string]bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		bars:  make(map[string][]market.Bar),
		quote: make(map[string]market.Quote),
		fail:  make(map[string]bool),
	}
}

func (f *fakeProvider) GetBars(_ context.Context, symbol string, _ int) ([]market.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[symbol] {
		return nil, errors.New("feed down")
	}
	bars, ok := f.bars[symbol]
	if !ok {
		return nil, errors.New("unknown symbol")
	}
	return bars, nil
}

func (f *fakeProvider) GetLatestQuote(_ context.Context, symbol string) (market.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[symbol] {
		return market.Quote{}, errors.New("feed down")
	}
	q, ok := f.quote[symbol]
	if !ok {
		return market.Quote{}, errors.New("unknown symbol")
	}
	return q, nil
}

// set installs a bar series with a tight quote at the given last price.
func (f *fakeProvider) set(symbol string, closes []float64, last float64) {
	bars := make([]market.Bar, len(closes))
	for i, c := range closes {
		bars[i] = market.Bar{
			Ts:     testNow.Add(time.Duration(i-len(closes)) * 24 * time.Hour),
			Open:   c,
			High:   c * 1.01,
			Low:    c * 0.99,
			Close:  c,
			Volume: 500000,
		}
	}
	f.bars[symbol] = bars
	f.quote[symbol] = market.Quote{Bid: last - 0.01, Ask: last + 0.01, Last: last, Ts: testNow}
}

type fakeBroker struct {
	open       bool
	openErr    error
	account    broker.Account
	accountErr error
	submitErr  error
	fills      map[string]float64 // fill price per symbol; absent means rejected
	pend       map[string]bool    // symbols whose orders stay working
	orders     []broker.Order
	results    map[string]broker.OrderResult
	seq        int
}

func newFakeBroker(equity float64) *fakeBroker {
	return &fakeBroker{
		open:    true,
		account: broker.Account{Equity: equity, BuyingPower: equity},
		fills:   make(map[string]float64),
		pend:    make(map[string]bool),
		results: make(map[string]broker.OrderResult),
	}
}

func (b *fakeBroker) GetAccount(context.Context) (broker.Account, error) {
	return b.account, b.accountErr
}

func (b *fakeBroker) GetPositions(context.Context) ([]broker.Position, error) { return nil, nil }

func (b *fakeBroker) SubmitOrder(_ context.Context, order broker.Order) (string, error) {
	if b.submitErr != nil {
		return "", b.submitErr
	}
	b.orders = append(b.orders, order)
	b.seq++
	id := fmt.Sprintf("ord-%d", b.seq)
	res := broker.OrderResult{ID: id, Ts: testNow}
	switch {
	case b.pend[order.Symbol]:
		res.Status = broker.Pending
	default:
		if price, ok := b.fills[order.Symbol]; ok {
			res.Status = broker.Filled
			res.FillPrice = price
			res.FillQty = order.Qty
		} else {
			res.Status = broker.Rejected
			res.Reason = "no liquidity"
		}
	}
	b.results[id] = res
	return id, nil
}

func (b *fakeBroker) GetOrderStatus(_ context.Context, id string) (broker.OrderResult, error) {
	res, ok := b.results[id]
	if !ok {
		return broker.OrderResult{}, errors.New("unknown order")
	}
	return res, nil
}

func (b *fakeBroker) IsMarketOpen(context.Context) (bool, error) { return b.open, b.openErr }

type recordNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordNotifier) Notify(ev notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordNotifier) byKind(kind notify.Kind) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig(universe ...string) *config.Config {
	return &config.Config{
		Trading: config.Trading{
			MaxPositions:       5,
			PositionSize:       0.10,
			MaxPositionPct:     0.20,
			CheckIntervalSecs:  300,
			ScreenIntervalSecs: 3600,
		},
		Risk: config.Risk{
			InitialStopLossPct: 0.05,
			TrailingStopPct:    0.02,
			TrailingGainPct:    0.01,
		},
		Bands: config.Bands{
			MinPeriod: 20, MaxPeriod: 20,
			MinStd: 2, MaxStd: 2,
			VolFloor: 0.1, VolCeil: 0.8,
		},
		Screener: config.Screener{
			Universe:             universe,
			MinPrice:             1,
			MaxPrice:             10000,
			MinAvgVolume:         1000,
			VolumeRatioThreshold: 0,
			MinDollarVolume:      1000,
			MaxSpreadPct:         0.05,
			MinVolatility:        0,
		},
	}
}

func newTestEngine(cfg *config.Config, p market.Provider, b broker.Broker, n notify.Notifier) *Engine {
	e := New(cfg, zerolog.Nop(), p, b, n, journal.Nop{})
	e.now = func() time.Time { return testNow }
	return e
}

// reversalCloses is a 20-bar series ending in a dip below the lower band
// followed by a close back inside it, the entry pattern.
func reversalCloses() []float64 {
	closes := make([]float64, 0, 20)
	for i := 0; i < 18; i++ {
		if i%2 == 0 {
			closes = append(closes, 98)
		} else {
			closes = append(closes, 102)
		}
	}
	return append(closes, 95, 97)
}

func flatCloses(price float64) []float64 {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = price
	}
	return closes
}

func TestCycleOpensPositionOnSignal(t *testing.T) {
	p := newFakeProvider()
	p.set("AAA", reversalCloses(), 97)
	b := newFakeBroker(100000)
	b.fills["AAA"] = 97
	e := newTestEngine(testConfig("AAA"), p, b, &recordNotifier{})

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle returned %v", err)
	}
	pos, ok := e.positions["AAA"]
	if !ok {
		t.Fatalf("expected open position for AAA, have %v", e.positions)
	}
	wantQty := 10000.0 / 97
	if math.Abs(pos.Qty-wantQty) > 1e-9 {
		t.Errorf("qty = %v, want %v", pos.Qty, wantQty)
	}
	if pos.State != risk.Armed {
		t.Errorf("state = %s, want %s", pos.State, risk.Armed)
	}
	if want := 97 * 0.95; math.Abs(pos.Stop-want) > 1e-9 {
		t.Errorf("stop = %v, want %v", pos.Stop, want)
	}
	if len(b.orders) != 1 || b.orders[0].Side != broker.Buy {
		t.Errorf("orders = %+v, want single buy", b.orders)
	}
}

func TestCycleClosesOnStopHit(t *testing.T) {
	p := newFakeProvider()
	p.set("AAA", flatCloses(94), 94)
	b := newFakeBroker(100000)
	b.fills["AAA"] = 94
	n := &recordNotifier{}
	e := newTestEngine(testConfig(), p, b, n)
	e.positions["AAA"] = &risk.Position{
		Symbol: "AAA", EntryPrice: 100, EntryTime: testNow.Add(-24 * time.Hour),
		Qty: 10, InitialStop: 95, Stop: 95, HighWater: 100, State: risk.Armed,
	}

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle returned %v", err)
	}
	if len(e.positions) != 0 {
		t.Fatalf("position not closed: %v", e.positions)
	}
	if len(b.orders) != 1 || b.orders[0].Side != broker.Sell {
		t.Fatalf("orders = %+v, want single sell", b.orders)
	}
	exits := n.byKind(notify.Exit)
	if len(exits) != 1 || exits[0].Symbol != "AAA" {
		t.Errorf("exit notifications = %+v", exits)
	}
}

func TestClosesSubmittedBeforeEntries(t *testing.T) {
	p := newFakeProvider()
	p.set("NEW", reversalCloses(), 97)
	p.set("EXT", flatCloses(94), 94)
	b := newFakeBroker(100000)
	b.fills["NEW"] = 97
	b.fills["EXT"] = 94
	e := newTestEngine(testConfig("NEW"), p, b, &recordNotifier{})
	e.positions["EXT"] = &risk.Position{
		Symbol: "EXT", EntryPrice: 100, EntryTime: testNow.Add(-24 * time.Hour),
		Qty: 10, InitialStop: 95, Stop: 95, HighWater: 100, State: risk.Armed,
	}

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle returned %v", err)
	}
	if len(b.orders) != 2 {
		t.Fatalf("orders = %+v, want sell then buy", b.orders)
	}
	if b.orders[0].Side != broker.Sell || b.orders[0].Symbol != "EXT" {
		t.Errorf("first order = %+v, want EXT sell", b.orders[0])
	}
	if b.orders[1].Side != broker.Buy || b.orders[1].Symbol != "NEW" {
		t.Errorf("second order = %+v, want NEW buy", b.orders[1])
	}
}

func TestMaxPositionsBlocksEntries(t *testing.T) {
	cfg := testConfig("BBB")
	cfg.Trading.MaxPositions = 1
	p := newFakeProvider()
	p.set("AAA", flatCloses(100), 100)
	p.set("BBB", reversalCloses(), 97)
	b := newFakeBroker(100000)
	b.fills["BBB"] = 97
	e := newTestEngine(cfg, p, b, &recordNotifier{})
	e.positions["AAA"] = &risk.Position{
		Symbol: "AAA", EntryPrice: 100, EntryTime: testNow.Add(-24 * time.Hour),
		Qty: 10, InitialStop: 90, Stop: 90, HighWater: 100, State: risk.Armed,
	}

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle returned %v", err)
	}
	if len(b.orders) != 0 {
		t.Errorf("orders = %+v, want none at max positions", b.orders)
	}
	if _, ok := e.positions["BBB"]; ok {
		t.Error("BBB opened past the position cap")
	}
}

func TestSymbolErrorIsolated(t *testing.T) {
	p := newFakeProvider()
	p.set("GOOD", reversalCloses(), 97)
	p.fail["BAD"] = true
	b := newFakeBroker(100000)
	b.fills["GOOD"] = 97
	e := newTestEngine(testConfig("BAD", "GOOD"), p, b, &recordNotifier{})

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle returned %v", err)
	}
	if _, ok := e.positions["GOOD"]; !ok {
		t.Error("GOOD not opened despite BAD failing")
	}
	if _, ok := e.positions["BAD"]; ok {
		t.Error("BAD opened with no data")
	}
}

func TestTrailingStopRaiseNotifies(t *testing.T) {
	p := newFakeProvider()
	p.set("AAA", flatCloses(110), 110)
	b := newFakeBroker(100000)
	n := &recordNotifier{}
	e := newTestEngine(testConfig(), p, b, n)
	e.positions["AAA"] = &risk.Position{
		Symbol: "AAA", EntryPrice: 100, EntryTime: testNow.Add(-24 * time.Hour),
		Qty: 10, InitialStop: 95, Stop: 95, HighWater: 100, State: risk.Armed,
	}

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle returned %v", err)
	}
	pos := e.positions["AAA"]
	if pos == nil {
		t.Fatal("position closed unexpectedly")
	}
	if pos.State != risk.Trailing {
		t.Errorf("state = %s, want %s", pos.State, risk.Trailing)
	}
	if want := 110 * 0.98; math.Abs(pos.Stop-want) > 1e-9 {
		t.Errorf("stop = %v, want %v", pos.Stop, want)
	}
	if adj := n.byKind(notify.StopAdjust); len(adj) != 1 {
		t.Errorf("stop-adjust notifications = %+v, want one", adj)
	}
	if len(b.orders) != 0 {
		t.Errorf("orders = %+v, want none", b.orders)
	}
}

func TestRejectedCloseStaysClosing(t *testing.T) {
	p := newFakeProvider()
	p.set("AAA", flatCloses(94), 94)
	b := newFakeBroker(100000) // no fill scripted for AAA
	e := newTestEngine(testConfig(), p, b, &recordNotifier{})
	e.positions["AAA"] = &risk.Position{
		Symbol: "AAA", EntryPrice: 100, EntryTime: testNow.Add(-24 * time.Hour),
		Qty: 10, InitialStop: 95, Stop: 95, HighWater: 100, State: risk.Armed,
	}

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle returned %v", err)
	}
	pos := e.positions["AAA"]
	if pos == nil {
		t.Fatal("position dropped without a confirmed fill")
	}
	if pos.State != risk.Closing {
		t.Errorf("state = %s, want %s", pos.State, risk.Closing)
	}

	// Next cycle re-expresses the close and the fill lands.
	b.fills["AAA"] = 94
	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("second Cycle returned %v", err)
	}
	if len(e.positions) != 0 {
		t.Errorf("position still open after filled retry: %v", e.positions)
	}
}

func TestStepPhaseTransitions(t *testing.T) {
	p := newFakeProvider()
	b := newFakeBroker(100000)
	b.open = false
	e := newTestEngine(testConfig(), p, b, &recordNotifier{})

	if err := e.Step(context.Background()); err != nil {
		t.Fatalf("Step returned %v", err)
	}
	if e.phase != WaitingForOpen {
		t.Fatalf("phase = %s, want %s", e.phase, WaitingForOpen)
	}

	b.open = true
	if err := e.Step(context.Background()); err != nil {
		t.Fatalf("Step returned %v", err)
	}
	if e.phase != Active {
		t.Fatalf("phase = %s, want %s", e.phase, Active)
	}

	b.open = false
	if err := e.Step(context.Background()); err != nil {
		t.Fatalf("Step returned %v", err)
	}
	if e.phase != MarketClosed {
		t.Fatalf("phase = %s, want %s", e.phase, MarketClosed)
	}
}

func TestFatalOnUnauthorized(t *testing.T) {
	p := newFakeProvider()
	b := newFakeBroker(100000)
	b.accountErr = broker.ErrUnauthorized
	e := newTestEngine(testConfig(), p, b, &recordNotifier{})

	err := e.Step(context.Background())
	if !errors.Is(err, broker.ErrUnauthorized) {
		t.Fatalf("Step returned %v, want ErrUnauthorized", err)
	}
}

func TestDataFailureStreakIsFatal(t *testing.T) {
	p := newFakeProvider()
	p.fail["AAA"] = true
	b := newFakeBroker(100000)
	e := newTestEngine(testConfig(), p, b, &recordNotifier{})
	e.positions["AAA"] = &risk.Position{
		Symbol: "AAA", EntryPrice: 100, EntryTime: testNow.Add(-24 * time.Hour),
		Qty: 10, InitialStop: 95, Stop: 95, HighWater: 100, State: risk.Armed,
	}

	ctx := context.Background()
	for i := 0; i < maxDataFailures-1; i++ {
		if err := e.Cycle(ctx); err != nil {
			t.Fatalf("cycle %d returned %v, want nil while under the streak limit", i+1, err)
		}
	}
	err := e.Cycle(ctx)
	if err == nil || !strings.Contains(err.Error(), "no market data") {
		t.Fatalf("cycle %d returned %v, want data-failure fatal", maxDataFailures, err)
	}
	if _, ok := e.positions["AAA"]; !ok {
		t.Error("position dropped during a data outage")
	}
}

func errorNotificationContaining(n *recordNotifier, fragment string) bool {
	for _, ev := range n.byKind(notify.Error) {
		if strings.Contains(ev.Message, fragment) {
			return true
		}
	}
	return false
}

func TestRejectedEntryNotifies(t *testing.T) {
	p := newFakeProvider()
	p.set("AAA", reversalCloses(), 97)
	b := newFakeBroker(100000) // no fill scripted, the buy is rejected
	n := &recordNotifier{}
	e := newTestEngine(testConfig("AAA"), p, b, n)

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle returned %v", err)
	}
	if len(e.positions) != 0 {
		t.Fatalf("position opened from a rejected order: %v", e.positions)
	}
	if !errorNotificationContaining(n, "entry rejected") {
		t.Errorf("entry rejection produced no operator notification: %+v", n.byKind(notify.Error))
	}
}

func TestSubmitErrorNotifies(t *testing.T) {
	p := newFakeProvider()
	p.set("AAA", reversalCloses(), 97)
	b := newFakeBroker(100000)
	b.submitErr = errors.New("venue timeout")
	n := &recordNotifier{}
	e := newTestEngine(testConfig("AAA"), p, b, n)

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle returned %v", err)
	}
	if !errorNotificationContaining(n, "entry order failed") {
		t.Errorf("order submit error produced no operator notification: %+v", n.byKind(notify.Error))
	}
}

func TestSnapshotFailureNotifies(t *testing.T) {
	p := newFakeProvider()
	p.fail["AAA"] = true
	b := newFakeBroker(100000)
	n := &recordNotifier{}
	e := newTestEngine(testConfig(), p, b, n)
	e.positions["AAA"] = &risk.Position{
		Symbol: "AAA", EntryPrice: 100, EntryTime: testNow.Add(-24 * time.Hour),
		Qty: 10, InitialStop: 95, Stop: 95, HighWater: 100, State: risk.Armed,
	}

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle returned %v", err)
	}
	if !errorNotificationContaining(n, "market data error") {
		t.Errorf("symbol data error produced no operator notification: %+v", n.byKind(notify.Error))
	}
}

func TestSweepUpdateNotifiedOnChange(t *testing.T) {
	p := newFakeProvider()
	p.set("AAA", reversalCloses(), 97)
	b := newFakeBroker(100000)
	b.fills["AAA"] = 97
	n := &recordNotifier{}
	e := newTestEngine(testConfig("AAA"), p, b, n)

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle returned %v", err)
	}
	if got := n.byKind(notify.SweepUpdate); len(got) != 1 {
		t.Fatalf("sweep updates after first sweep = %+v, want one", got)
	}

	// The cached set is unchanged inside the interval, so no repeat.
	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("second Cycle returned %v", err)
	}
	if got := n.byKind(notify.SweepUpdate); len(got) != 1 {
		t.Errorf("sweep updates after unchanged sweep = %+v, want one", got)
	}
}

func TestPendingEntryBlocksResubmission(t *testing.T) {
	p := newFakeProvider()
	p.set("AAA", reversalCloses(), 97)
	b := newFakeBroker(100000)
	b.pend["AAA"] = true
	e := newTestEngine(testConfig("AAA"), p, b, &recordNotifier{})

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle returned %v", err)
	}
	if len(b.orders) != 1 {
		t.Fatalf("orders = %+v, want one pending buy", b.orders)
	}
	if len(e.positions) != 0 {
		t.Fatalf("position opened without a confirmed fill: %v", e.positions)
	}

	// The order is still working: the same signal must not buy again.
	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("second Cycle returned %v", err)
	}
	if len(b.orders) != 1 {
		t.Fatalf("pending order resubmitted: %+v", b.orders)
	}

	// The venue fills the working order; the next cycle applies it without a
	// new submission.
	b.results["ord-1"] = broker.OrderResult{
		ID: "ord-1", Status: broker.Filled,
		FillPrice: 97, FillQty: b.orders[0].Qty, Ts: testNow,
	}
	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("third Cycle returned %v", err)
	}
	if len(b.orders) != 1 {
		t.Fatalf("fill application submitted a new order: %+v", b.orders)
	}
	pos, ok := e.positions["AAA"]
	if !ok {
		t.Fatal("filled pending order did not open the position")
	}
	if math.Abs(pos.EntryPrice-97) > 1e-9 {
		t.Errorf("entry price = %v, want 97", pos.EntryPrice)
	}
}

func TestHealthSnapshotAfterCycle(t *testing.T) {
	p := newFakeProvider()
	p.set("AAA", reversalCloses(), 97)
	b := newFakeBroker(100000)
	b.fills["AAA"] = 97
	e := newTestEngine(testConfig("AAA"), p, b, &recordNotifier{})

	if err := e.Step(context.Background()); err != nil {
		t.Fatalf("Step returned %v", err)
	}
	h := e.Health()
	if h.Phase != Active {
		t.Errorf("phase = %s, want %s", h.Phase, Active)
	}
	if h.Screened != 1 {
		t.Errorf("screened = %d, want 1", h.Screened)
	}
	if h.OpenPositions != 1 {
		t.Errorf("open positions = %d, want 1", h.OpenPositions)
	}
	if !h.LastCycleAt.Equal(testNow) {
		t.Errorf("last cycle at = %v, want %v", h.LastCycleAt, testNow)
	}
	if !e.Healthy() {
		t.Error("engine unhealthy after a clean cycle")
	}
}
