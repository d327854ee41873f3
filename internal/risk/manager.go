// Package risk owns the lifecycle of every open position: sizing, capital
// caps, entry stops, the trailing-stop ratchet, and exit decisions.
package risk

import (
	"fmt"
	"time"

	"bandbot-go/internal/config"
	"bandbot-go/internal/market"
	"bandbot-go/internal/strategy"
)

// State is the authoritative lifecycle phase of a position. Transitions only
// happen inside the Manager.
type State string

const (
	// Armed means the position just entered; the stop is fixed at the
	// initial stop until enough gain accrues.
	Armed State = "ARMED"
	// Trailing means the stop ratchets up with new highs.
	Trailing State = "TRAILING"
	// Closing means a close intent is outstanding.
	Closing State = "CLOSING"
	// Closed is terminal, reached only after a confirmed exit fill.
	Closed State = "CLOSED"
)

// Position tracks one open long position.
type Position struct {
	Symbol      string
	EntryPrice  float64
	EntryTime   time.Time
	Qty         float64
	InitialStop float64
	Stop        float64
	TakeProfit  float64 // 0 disables the target
	HighWater   float64
	State       State
	CloseReason string
}

// Notional is the position's market value at the given price.
func (p *Position) Notional(price float64) float64 { return p.Qty * price }

// EntryNotional is the capital committed at entry, used for exposure caps.
func (p *Position) EntryNotional() float64 { return p.Qty * p.EntryPrice }

// IntentKind distinguishes open from close intents.
type IntentKind string

const (
	// OpenIntent requests a new long entry.
	OpenIntent IntentKind = "OPEN"
	// CloseIntent requests a full exit.
	CloseIntent IntentKind = "CLOSE"
)

// Intent is a requested order. The manager only ever expresses intent; fills
// are applied separately once the execution collaborator confirms them.
type Intent struct {
	Kind   IntentKind
	Symbol string
	Qty    float64
	Price  float64
	Reason string
}

// Manager applies the configured limits to entries and drives the per-tick
// state machine for open positions.
type Manager struct {
	trading config.Trading
	risk    config.Risk
}

// NewManager builds a Manager from the trading and risk configuration.
func NewManager(trading config.Trading, risk config.Risk) *Manager {
	return &Manager{trading: trading, risk: risk}
}

// OnEntrySignal sizes a new position for an ENTER_LONG signal. It returns
// nil and a reason when the entry is rejected: position-count cap, an
// already-open position on the symbol, or no notional headroom left under
// the exposure cap.
func (m *Manager) OnEntrySignal(sig strategy.Signal, equity float64, open map[string]*Position) (*Intent, string) {
	if sig.Direction != strategy.EnterLong {
		return nil, "not an entry signal"
	}
	if sig.Price <= 0 || equity <= 0 {
		return nil, "invalid price or equity"
	}
	if len(open) >= m.trading.MaxPositions {
		return nil, fmt.Sprintf("max positions reached (%d)", m.trading.MaxPositions)
	}
	if _, exists := open[sig.Symbol]; exists {
		return nil, "position already open"
	}

	var committed float64
	for _, p := range open {
		committed += p.EntryNotional()
	}
	headroom := m.trading.MaxPositionPct*equity - committed
	value := m.trading.PositionSize * equity
	if value > headroom {
		value = headroom
	}
	if value <= 0 {
		return nil, "no notional headroom"
	}

	return &Intent{
		Kind:   OpenIntent,
		Symbol: sig.Symbol,
		Qty:    value / sig.Price,
		Price:  sig.Price,
		Reason: sig.Reason,
	}, ""
}

// OpenPosition records a confirmed entry fill as a new ARMED position with
// its initial stop and optional take-profit target.
func (m *Manager) OpenPosition(symbol string, fillPrice, qty float64, ts time.Time) *Position {
	initialStop := fillPrice * (1 - m.risk.InitialStopLossPct)
	pos := &Position{
		Symbol:      symbol,
		EntryPrice:  fillPrice,
		EntryTime:   ts,
		Qty:         qty,
		InitialStop: initialStop,
		Stop:        initialStop,
		HighWater:   fillPrice,
		State:       Armed,
	}
	if m.risk.TakeProfitRR > 0 {
		pos.TakeProfit = fillPrice + m.risk.TakeProfitRR*(fillPrice-initialStop)
	}
	return pos
}

// OnTick advances the position state machine for one snapshot and returns a
// close intent when an exit condition fires. The stop only ever moves up and
// never below the initial stop. A position already in CLOSING re-emits its
// close intent so a rejected order is retried next cycle.
func (m *Manager) OnTick(pos *Position, snap market.Snapshot) *Intent {
	price := snap.LastPrice
	if price <= 0 || pos.State == Closed {
		return nil
	}
	if pos.State == Closing {
		return m.closeIntent(pos, price, pos.CloseReason)
	}

	if price > pos.HighWater {
		pos.HighWater = price
	}
	if pos.State == Armed && price >= pos.EntryPrice*(1+m.risk.TrailingGainPct) {
		pos.State = Trailing
	}
	if pos.State == Trailing {
		if candidate := pos.HighWater * (1 - m.risk.TrailingStopPct); candidate > pos.Stop {
			pos.Stop = candidate
		}
	}

	switch {
	case price <= pos.Stop:
		return m.requestClose(pos, price, fmt.Sprintf("stop %.2f hit at %.2f", pos.Stop, price))
	case pos.TakeProfit > 0 && price >= pos.TakeProfit:
		return m.requestClose(pos, price, fmt.Sprintf("take profit %.2f hit at %.2f", pos.TakeProfit, price))
	}
	return nil
}

// OnExitSignal moves an open position to CLOSING in response to a strategy
// EXIT signal.
func (m *Manager) OnExitSignal(pos *Position, sig strategy.Signal) *Intent {
	if sig.Direction != strategy.Exit || pos.State == Closed {
		return nil
	}
	if pos.State == Closing {
		return m.closeIntent(pos, sig.Price, pos.CloseReason)
	}
	return m.requestClose(pos, sig.Price, sig.Reason)
}

// ApplyExitFill marks the position CLOSED after a confirmed exit fill and
// returns the realized profit and loss.
func (m *Manager) ApplyExitFill(pos *Position, fillPrice float64) float64 {
	pos.State = Closed
	return (fillPrice - pos.EntryPrice) * pos.Qty
}

func (m *Manager) requestClose(pos *Position, price float64, reason string) *Intent {
	pos.State = Closing
	pos.CloseReason = reason
	return m.closeIntent(pos, price, reason)
}

func (m *Manager) closeIntent(pos *Position, price float64, reason string) *Intent {
	return &Intent{
		Kind:   CloseIntent,
		Symbol: pos.Symbol,
		Qty:    pos.Qty,
		Price:  price,
		Reason: reason,
	}
}

// CheckExposure verifies the aggregate invariants over the open set: the
// position count cap and the notional exposure cap. The engine asserts it
// around every cycle.
func (m *Manager) CheckExposure(open map[string]*Position, equity float64) error {
	if len(open) > m.trading.MaxPositions {
		return fmt.Errorf("risk: %d open positions exceeds cap %d", len(open), m.trading.MaxPositions)
	}
	var committed float64
	for _, p := range open {
		committed += p.EntryNotional()
	}
	if limit := m.trading.MaxPositionPct * equity; committed > limit*(1+1e-9) {
		return fmt.Errorf("risk: committed notional %.2f exceeds cap %.2f", committed, limit)
	}
	return nil
}
