package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const epsilon = 1e-9

// PriceSource marks orders for the paper venue. The engine wires it to the
// market data provider so paper fills track the same quotes the strategy saw.
type PriceSource func(ctx context.Context, symbol string) (float64, error)

type paperPosition struct {
	Qty     float64
	AvgCost float64
}

// Paper is an in-memory broker. Market orders fill immediately at the price
// source's quote; cash, average cost, and realized PnL are tracked the whole
// session. Rejections (insufficient cash, nothing to sell) surface through
// order status, matching how a live venue would report them.
type Paper struct {
	mu           sync.Mutex
	cash         float64
	startingCash float64
	realizedPnL  float64
	positions    map[string]paperPosition
	orders       map[string]OrderResult
	prices       PriceSource
	alwaysOpen   bool
	now          func() time.Time
	calendar     *time.Location
}

// NewPaper builds a paper broker with the given bankroll. When alwaysOpen is
// false, IsMarketOpen follows the NYSE regular session in America/New_York.
func NewPaper(startingCash float64, prices PriceSource, alwaysOpen bool) (*Paper, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load exchange timezone: %w", err)
	}
	return &Paper{
		cash:         startingCash,
		startingCash: startingCash,
		positions:    make(map[string]paperPosition),
		orders:       make(map[string]OrderResult),
		prices:       prices,
		alwaysOpen:   alwaysOpen,
		now:          time.Now,
		calendar:     loc,
	}, nil
}

// GetAccount reports cash plus the entry value of holdings as equity. The
// paper venue does not mark to market on its own; the engine's snapshots do.
func (b *Paper) GetAccount(context.Context) (Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	equity := b.cash
	for _, p := range b.positions {
		equity += p.Qty * p.AvgCost
	}
	return Account{Equity: equity, BuyingPower: b.cash}, nil
}

// GetPositions lists current holdings.
func (b *Paper) GetPositions(context.Context) ([]Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, 0, len(b.positions))
	for sym, p := range b.positions {
		out = append(out, Position{Symbol: sym, Qty: p.Qty, AvgEntry: p.AvgCost})
	}
	return out, nil
}

// SubmitOrder fills the order at the current quote or records a rejection.
// The returned id is queryable through GetOrderStatus either way.
func (b *Paper) SubmitOrder(ctx context.Context, order Order) (string, error) {
	id := uuid.NewString()
	result := OrderResult{ID: id, Ts: b.now()}

	price, err := b.prices(ctx, order.Symbol)
	if err != nil || price <= 0 {
		result.Status = Rejected
		result.Reason = "no quote for fill"
		b.record(id, result)
		return id, nil
	}

	if err := b.fill(order, price); err != nil {
		result.Status = Rejected
		result.Reason = err.Error()
		b.record(id, result)
		return id, nil
	}

	result.Status = Filled
	result.FillPrice = price
	result.FillQty = order.Qty
	b.record(id, result)
	return id, nil
}

func (b *Paper) fill(order Order, price float64) error {
	if order.Qty <= 0 {
		return fmt.Errorf("quantity must be positive")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.positions[order.Symbol]
	notional := order.Qty * price

	switch order.Side {
	case Buy:
		if notional > b.cash+epsilon {
			return fmt.Errorf("insufficient buying power")
		}
		newQty := state.Qty + order.Qty
		newAvg := price
		if newQty > 0 {
			newAvg = (state.AvgCost*state.Qty + notional) / newQty
		}
		b.cash -= notional
		b.positions[order.Symbol] = paperPosition{Qty: newQty, AvgCost: newAvg}

	case Sell:
		if state.Qty+epsilon < order.Qty {
			return fmt.Errorf("insufficient position to sell")
		}
		b.realizedPnL += (price - state.AvgCost) * order.Qty
		b.cash += notional
		remaining := state.Qty - order.Qty
		if remaining <= epsilon {
			delete(b.positions, order.Symbol)
		} else {
			b.positions[order.Symbol] = paperPosition{Qty: remaining, AvgCost: state.AvgCost}
		}

	default:
		return fmt.Errorf("unknown order side %q", order.Side)
	}
	return nil
}

func (b *Paper) record(id string, result OrderResult) {
	b.mu.Lock()
	b.orders[id] = result
	b.mu.Unlock()
}

// GetOrderStatus returns the recorded outcome for id.
func (b *Paper) GetOrderStatus(_ context.Context, id string) (OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	result, ok := b.orders[id]
	if !ok {
		return OrderResult{}, fmt.Errorf("unknown order %s", id)
	}
	return result, nil
}

// IsMarketOpen follows the NYSE regular session (09:30-16:00 ET, weekdays)
// unless the venue was built always-open.
func (b *Paper) IsMarketOpen(context.Context) (bool, error) {
	if b.alwaysOpen {
		return true, nil
	}
	now := b.now().In(b.calendar)
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false, nil
	}
	sessionOpen := time.Date(now.Year(), now.Month(), now.Day(), 9, 30, 0, 0, b.calendar)
	sessionClose := time.Date(now.Year(), now.Month(), now.Day(), 16, 0, 0, 0, b.calendar)
	return !now.Before(sessionOpen) && !now.After(sessionClose), nil
}

// RealizedPnL reports total closed-trade profit and loss for the session.
func (b *Paper) RealizedPnL() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.realizedPnL
}
