package risk

import (
	"fmt"
	"math"
	"testing"
	"time"

	"bandbot-go/internal/config"
	"bandbot-go/internal/market"
	"bandbot-go/internal/strategy"
)

func testManager() *Manager {
	return NewManager(
		config.Trading{MaxPositions: 5, PositionSize: 0.1, MaxPositionPct: 0.2},
		config.Risk{InitialStopLossPct: 0.05, TrailingStopPct: 0.02, TrailingGainPct: 0.01},
	)
}

func tickAt(price float64) market.Snapshot {
	return market.Snapshot{Symbol: "XYZ", LastPrice: price, Ts: time.Now()}
}

func entrySignal(symbol string, price float64) strategy.Signal {
	return strategy.Signal{Symbol: symbol, Direction: strategy.EnterLong, Price: price}
}

func TestOnEntrySignalSizesFromEquity(t *testing.T) {
	m := testManager()
	intent, reason := m.OnEntrySignal(entrySignal("XYZ", 100), 100000, nil)
	if intent == nil {
		t.Fatalf("expected intent, rejected: %s", reason)
	}
	if intent.Kind != OpenIntent || intent.Symbol != "XYZ" {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	// 10% of 100k at $100 = 100 shares.
	if math.Abs(intent.Qty-100) > 1e-9 {
		t.Fatalf("qty: want 100 got %.4f", intent.Qty)
	}
}

func TestOnEntrySignalRejectsAtMaxPositions(t *testing.T) {
	m := testManager()
	open := make(map[string]*Position)
	for i := 0; i < 5; i++ {
		sym := fmt.Sprintf("SYM%d", i)
		open[sym] = m.OpenPosition(sym, 10, 1, time.Now())
	}
	intent, reason := m.OnEntrySignal(entrySignal("XYZ", 100), 100000, open)
	if intent != nil {
		t.Fatalf("expected rejection at max positions, got %+v", intent)
	}
	if reason == "" {
		t.Fatalf("expected a rejection reason")
	}
}

func TestOnEntrySignalRejectsDuplicateSymbol(t *testing.T) {
	m := testManager()
	open := map[string]*Position{"XYZ": m.OpenPosition("XYZ", 100, 10, time.Now())}
	if intent, _ := m.OnEntrySignal(entrySignal("XYZ", 101), 100000, open); intent != nil {
		t.Fatalf("expected rejection for open symbol, got %+v", intent)
	}
}

func TestOnEntrySignalRespectsNotionalHeadroom(t *testing.T) {
	m := testManager()
	// 15% of equity already committed; cap is 20%, so only 5% remains even
	// though position_size asks for 10%.
	open := map[string]*Position{"ABC": m.OpenPosition("ABC", 100, 150, time.Now())}
	intent, reason := m.OnEntrySignal(entrySignal("XYZ", 50), 100000, open)
	if intent == nil {
		t.Fatalf("expected clipped intent, rejected: %s", reason)
	}
	if math.Abs(intent.Qty*50-5000) > 1e-6 {
		t.Fatalf("expected $5000 notional, got %.2f", intent.Qty*50)
	}

	// No headroom at all.
	open["DEF"] = m.OpenPosition("DEF", 100, 50, time.Now())
	if intent, _ := m.OnEntrySignal(entrySignal("XYZ", 50), 100000, open); intent != nil {
		t.Fatalf("expected rejection with zero headroom, got %+v", intent)
	}
}

func TestTrailingStopLifecycle(t *testing.T) {
	m := testManager()
	pos := m.OpenPosition("XYZ", 100, 10, time.Now())

	if pos.State != Armed {
		t.Fatalf("expected ARMED after entry, got %s", pos.State)
	}
	if math.Abs(pos.Stop-95) > 1e-9 {
		t.Fatalf("initial stop: want 95 got %.4f", pos.Stop)
	}

	// Below the trailing-gain threshold the stop stays put.
	if intent := m.OnTick(pos, tickAt(100.5)); intent != nil {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if pos.State != Armed || pos.Stop != 95 {
		t.Fatalf("stop moved while ARMED: state=%s stop=%.4f", pos.State, pos.Stop)
	}

	// Price runs to 110: trailing arms and the stop ratchets to 107.8.
	if intent := m.OnTick(pos, tickAt(110)); intent != nil {
		t.Fatalf("unexpected intent at high: %+v", intent)
	}
	if pos.State != Trailing {
		t.Fatalf("expected TRAILING, got %s", pos.State)
	}
	if math.Abs(pos.Stop-107.8) > 1e-9 {
		t.Fatalf("ratcheted stop: want 107.8 got %.4f", pos.Stop)
	}

	// Drop to 107 trips the stop; the stop itself is not lowered.
	intent := m.OnTick(pos, tickAt(107))
	if intent == nil || intent.Kind != CloseIntent {
		t.Fatalf("expected close intent, got %+v", intent)
	}
	if pos.State != Closing {
		t.Fatalf("expected CLOSING, got %s", pos.State)
	}
	if math.Abs(pos.Stop-107.8) > 1e-9 {
		t.Fatalf("stop lowered on exit: %.4f", pos.Stop)
	}

	pnl := m.ApplyExitFill(pos, 107)
	if pos.State != Closed {
		t.Fatalf("expected CLOSED after fill, got %s", pos.State)
	}
	if math.Abs(pnl-70) > 1e-9 {
		t.Fatalf("pnl: want 70 got %.4f", pnl)
	}
}

func TestStopIsMonotonic(t *testing.T) {
	m := testManager()
	pos := m.OpenPosition("XYZ", 100, 10, time.Now())

	prices := []float64{101, 105, 103, 108, 104, 106, 112, 109}
	lastStop := pos.Stop
	for _, px := range prices {
		m.OnTick(pos, tickAt(px))
		if pos.Stop < lastStop {
			t.Fatalf("stop moved down: %.4f -> %.4f at price %.2f", lastStop, pos.Stop, px)
		}
		if pos.Stop < pos.InitialStop {
			t.Fatalf("stop %.4f below initial stop %.4f", pos.Stop, pos.InitialStop)
		}
		lastStop = pos.Stop
	}
}

func TestClosingPositionRetriesIntent(t *testing.T) {
	m := testManager()
	pos := m.OpenPosition("XYZ", 100, 10, time.Now())

	first := m.OnTick(pos, tickAt(94)) // straight through the initial stop
	if first == nil {
		t.Fatalf("expected close intent")
	}
	// The close did not fill; next tick must re-emit.
	second := m.OnTick(pos, tickAt(93))
	if second == nil || second.Kind != CloseIntent {
		t.Fatalf("expected retried close intent, got %+v", second)
	}
	if pos.State != Closing {
		t.Fatalf("expected CLOSING, got %s", pos.State)
	}
}

func TestOnExitSignalClosesPosition(t *testing.T) {
	m := testManager()
	pos := m.OpenPosition("XYZ", 100, 10, time.Now())

	sig := strategy.Signal{Symbol: "XYZ", Direction: strategy.Exit, Price: 108, Reason: "price at upper band"}
	intent := m.OnExitSignal(pos, sig)
	if intent == nil || intent.Kind != CloseIntent {
		t.Fatalf("expected close intent, got %+v", intent)
	}
	if pos.State != Closing {
		t.Fatalf("expected CLOSING, got %s", pos.State)
	}

	// A HOLD signal must not close anything.
	fresh := m.OpenPosition("ABC", 100, 10, time.Now())
	if intent := m.OnExitSignal(fresh, strategy.Signal{Direction: strategy.Hold}); intent != nil {
		t.Fatalf("HOLD produced close intent: %+v", intent)
	}
}

func TestTakeProfitTriggersClose(t *testing.T) {
	m := NewManager(
		config.Trading{MaxPositions: 5, PositionSize: 0.1, MaxPositionPct: 0.2},
		config.Risk{InitialStopLossPct: 0.05, TrailingStopPct: 0.02, TrailingGainPct: 0.01, TakeProfitRR: 2},
	)
	pos := m.OpenPosition("XYZ", 100, 10, time.Now())
	// Initial risk is $5, so the target sits at 110.
	if math.Abs(pos.TakeProfit-110) > 1e-9 {
		t.Fatalf("take profit: want 110 got %.4f", pos.TakeProfit)
	}
	intent := m.OnTick(pos, tickAt(110.5))
	if intent == nil || intent.Kind != CloseIntent {
		t.Fatalf("expected take-profit close, got %+v", intent)
	}
}

func TestCheckExposure(t *testing.T) {
	m := testManager()
	open := map[string]*Position{
		"ABC": m.OpenPosition("ABC", 100, 100, time.Now()),
		"DEF": m.OpenPosition("DEF", 100, 90, time.Now()),
	}
	if err := m.CheckExposure(open, 100000); err != nil {
		t.Fatalf("unexpected exposure error: %v", err)
	}
	open["GHI"] = m.OpenPosition("GHI", 100, 50, time.Now())
	if err := m.CheckExposure(open, 100000); err == nil {
		t.Fatalf("expected exposure breach, 24k committed against 20k cap")
	}
}
