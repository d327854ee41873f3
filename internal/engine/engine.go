package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bandbot-go/internal/broker"
	"bandbot-go/internal/config"
	"bandbot-go/internal/journal"
	"bandbot-go/internal/market"
	"bandbot-go/internal/metrics"
	"bandbot-go/internal/notify"
	"bandbot-go/internal/risk"
	"bandbot-go/internal/screener"
	"bandbot-go/internal/strategy"
)

// Phase tracks where the engine is in the market day.
type Phase string

const (
	MarketClosed   Phase = "MARKET_CLOSED"
	WaitingForOpen Phase = "WAITING_FOR_OPEN"
	Active         Phase = "ACTIVE"
)

// maxDataFailures is the number of consecutive cycles in which every symbol
// fetch fails before the engine gives up. Transient feed outages ride
// through; a dead feed does not run forever.
const maxDataFailures = 3

// strategyName tags journal rows with the signal source.
const strategyName = "bollinger_reversion"

// Health is a point-in-time snapshot of engine liveness, served on /healthz.
type Health struct {
	Phase             Phase
	Screened          int
	OpenPositions     int
	LastCycleAt       time.Time
	LastCycleDuration time.Duration
	LastError         string
}

// pendingOrder is a submitted order still working at the venue. While one is
// outstanding for a symbol, no further order for that symbol is submitted.
type pendingOrder struct {
	ID     string
	Side   broker.Side
	Reason string
}

// Engine drives the trade loop: screen, snapshot, tick open positions,
// evaluate entries, submit orders, record fills. One Engine per process.
type Engine struct {
	cfg      *config.Config
	log      zerolog.Logger
	provider market.Provider
	broker   broker.Broker
	notifier notify.Notifier
	journal  journal.Journal
	sweeper  *screener.Sweeper
	gen      strategy.Generator
	risk     *risk.Manager

	now func() time.Time

	phase        Phase
	positions    map[string]*risk.Position
	pending      map[string]pendingOrder
	lastSweepSet string
	dataFailures int

	mu     sync.Mutex
	health Health
	fatal  bool
}

// New wires an engine from its collaborators. The provider feeds both the
// screener sweeps and the per-cycle snapshots.
func New(cfg *config.Config, log zerolog.Logger, p market.Provider, b broker.Broker, n notify.Notifier, j journal.Journal) *Engine {
	scr := screener.New(cfg.Screener, cfg.Bands.MaxPeriod, log)
	return &Engine{
		cfg:       cfg,
		log:       log.With().Str("component", "engine").Logger(),
		provider:  p,
		broker:    b,
		notifier:  n,
		journal:   j,
		sweeper:   screener.NewSweeper(scr, cfg.Screener.Universe, cfg.Trading.ScreenInterval(), log),
		gen:       strategy.NewGenerator(cfg.Bands),
		risk:      risk.NewManager(cfg.Trading, cfg.Risk),
		now:       time.Now,
		phase:     MarketClosed,
		positions: make(map[string]*risk.Position),
		pending:   make(map[string]pendingOrder),
	}
}

// Health returns the latest liveness snapshot.
func (e *Engine) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

// Healthy implements metrics.Healther. The engine reports unhealthy only
// after a fatal error; idle phases outside market hours are healthy.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.fatal
}

// Positions returns a copy of the open position set keyed by symbol.
// Callers must not mutate the returned positions.
func (e *Engine) Positions() map[string]*risk.Position {
	out := make(map[string]*risk.Position, len(e.positions))
	for sym, pos := range e.positions {
		out[sym] = pos
	}
	return out
}

// Run executes the poll loop until ctx is cancelled or a fatal error stops
// trading. A nil return means graceful shutdown; open positions are left in
// place for the next session.
func (e *Engine) Run(ctx context.Context) error {
	e.notifier.Notify(notify.Event{Kind: notify.Engine, Message: "engine started", Ts: e.now()})
	check := NewInterval(e.cfg.Trading.CheckInterval())
	for {
		if err := e.Step(ctx); err != nil {
			e.setFatal(err)
			e.notifier.Notify(notify.Event{Kind: notify.Error, Message: "engine stopping: " + err.Error(), Ts: e.now()})
			return err
		}
		check.MarkRun(e.now())
		select {
		case <-ctx.Done():
			e.notifier.Notify(notify.Event{Kind: notify.Engine, Message: "engine stopped", Ts: e.now()})
			return nil
		case <-time.After(check.Until(e.now())):
		}
	}
}

// Step advances the market-day phase machine and runs one cycle when the
// market is open. Only fatal errors are returned; everything else is logged
// and retried on the next trigger.
func (e *Engine) Step(ctx context.Context) error {
	open, err := e.broker.IsMarketOpen(ctx)
	if err != nil {
		if errors.Is(err, broker.ErrUnauthorized) {
			return fmt.Errorf("market clock: %w", err)
		}
		e.recordError(err)
		return nil
	}
	if !open {
		switch e.phase {
		case Active:
			e.phase = MarketClosed
			e.log.Info().Msg("market closed")
			e.notifier.Notify(notify.Event{Kind: notify.Engine, Message: "market closed", Ts: e.now()})
		case MarketClosed:
			e.phase = WaitingForOpen
		}
		e.setPhase(e.phase)
		return nil
	}
	if e.phase != Active {
		e.phase = Active
		e.setPhase(Active)
		e.log.Info().Msg("market open, trading")
		e.notifier.Notify(notify.Event{Kind: notify.Engine, Message: "market open, trading", Ts: e.now()})
	}
	return e.Cycle(ctx)
}

// Cycle runs one full pass: resolve orders still working at the venue,
// refresh candidates when due, snapshot every symbol of interest, tick open
// positions, evaluate entries, and submit the resulting intents closes-first.
// Per-symbol failures never abort the cycle.
func (e *Engine) Cycle(ctx context.Context) error {
	start := e.now()

	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		if errors.Is(err, broker.ErrUnauthorized) {
			return fmt.Errorf("account: %w", err)
		}
		e.recordError(err)
		return nil
	}

	e.resolvePending(ctx)

	candidates := e.sweeper.Candidates(ctx, e.provider, start)
	metrics.SymbolsScreened.Set(float64(len(candidates)))
	e.noteSweep(candidates)

	symbols := e.symbolsOfInterest(candidates)
	snaps := e.fetchSnapshots(ctx, symbols)

	if len(symbols) > 0 && len(snaps) == 0 {
		e.dataFailures++
		if e.dataFailures >= maxDataFailures {
			return fmt.Errorf("no market data for %d consecutive cycles", e.dataFailures)
		}
		e.log.Warn().Int("streak", e.dataFailures).Msg("cycle produced no usable snapshots")
		e.finishCycle(start, len(candidates), "no usable snapshots")
		return nil
	}
	e.dataFailures = 0

	closes := e.tickPositions(snaps)
	for _, intent := range closes {
		e.executeClose(ctx, intent)
	}

	entries := e.planEntries(snaps, candidates, account.Equity)
	for _, intent := range entries {
		e.executeEntry(ctx, intent)
	}

	if err := e.risk.CheckExposure(e.positions, account.Equity); err != nil {
		e.log.Error().Err(err).Msg("exposure limit breached")
		e.notifier.Notify(notify.Event{Kind: notify.Error, Message: "exposure breach: " + err.Error(), Ts: e.now()})
	}

	e.finishCycle(start, len(candidates), "")
	return nil
}

// resolvePending polls every order still working at the venue and applies
// terminal outcomes. Orders that remain pending keep their symbol locked out
// of new submissions for the cycle.
func (e *Engine) resolvePending(ctx context.Context) {
	symbols := make([]string, 0, len(e.pending))
	for sym := range e.pending {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		ord := e.pending[sym]
		res, err := e.broker.GetOrderStatus(ctx, ord.ID)
		if err != nil {
			e.log.Error().Str("symbol", sym).Str("order", ord.ID).Err(err).Msg("pending order status failed")
			continue
		}
		switch res.Status {
		case broker.Pending:
		case broker.Filled:
			delete(e.pending, sym)
			if ord.Side == broker.Buy {
				e.applyEntryFill(ctx, sym, res)
			} else {
				e.applyExitFill(ctx, sym, ord.Reason, res)
			}
		case broker.Rejected:
			delete(e.pending, sym)
			side := strings.ToLower(string(ord.Side))
			metrics.OrdersTotal.WithLabelValues(sym, side, "rejected").Inc()
			metrics.SymbolErrorsTotal.WithLabelValues(sym).Inc()
			e.log.Error().Str("symbol", sym).Str("order", ord.ID).Str("reason", res.Reason).Msg("pending order rejected")
			e.notifier.Notify(notify.Event{
				Kind:    notify.Error,
				Symbol:  sym,
				Message: side + " order rejected: " + res.Reason,
				Ts:      e.now(),
			})
		}
	}
}

// noteSweep announces candidate-set changes to the operator channel. The
// cached set repeating between sweeps stays quiet.
func (e *Engine) noteSweep(candidates []screener.Candidate) {
	syms := make([]string, len(candidates))
	for i, c := range candidates {
		syms[i] = c.Symbol
	}
	joined := strings.Join(syms, " ")
	if joined == e.lastSweepSet {
		return
	}
	e.lastSweepSet = joined
	e.notifier.Notify(notify.Event{
		Kind:    notify.SweepUpdate,
		Message: fmt.Sprintf("%d candidates: %s", len(syms), joined),
		Ts:      e.now(),
	})
}

// symbolsOfInterest is the union of screened candidates and open positions,
// sorted for deterministic fetch and log order.
func (e *Engine) symbolsOfInterest(candidates []screener.Candidate) []string {
	seen := make(map[string]bool, len(candidates)+len(e.positions))
	for _, c := range candidates {
		seen[c.Symbol] = true
	}
	for sym := range e.positions {
		seen[sym] = true
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// fetchSnapshots pulls snapshots for all symbols in parallel. Symbols whose
// fetch fails are dropped from the result; the failure is counted, logged,
// and notified but does not touch the other symbols.
func (e *Engine) fetchSnapshots(ctx context.Context, symbols []string) map[string]market.Snapshot {
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		snaps = make(map[string]market.Snapshot, len(symbols))
	)
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			snap, err := market.BuildSnapshot(ctx, e.provider, sym, e.cfg.Bands.MaxPeriod, e.now())
			if err != nil {
				metrics.SymbolErrorsTotal.WithLabelValues(sym).Inc()
				e.log.Warn().Str("symbol", sym).Err(err).Msg("snapshot failed")
				e.notifier.Notify(notify.Event{
					Kind:    notify.Error,
					Symbol:  sym,
					Message: "market data error: " + err.Error(),
					Ts:      e.now(),
				})
				return
			}
			mu.Lock()
			snaps[sym] = snap
			mu.Unlock()
		}(sym)
	}
	wg.Wait()
	return snaps
}

// tickPositions runs stop management and exit evaluation over every open
// position and returns the close intents in ascending symbol order. A
// symbol with no snapshot this cycle is held as-is until data returns.
func (e *Engine) tickPositions(snaps map[string]market.Snapshot) []*risk.Intent {
	symbols := make([]string, 0, len(e.positions))
	for sym := range e.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var intents []*risk.Intent
	for _, sym := range symbols {
		pos := e.positions[sym]
		snap, ok := snaps[sym]
		if !ok {
			e.log.Warn().Str("symbol", sym).Msg("no data for open position, holding")
			continue
		}
		prevStop := pos.Stop
		intent := e.risk.OnTick(pos, snap)
		if intent == nil {
			sig := e.gen.Evaluate(snap, true)
			if sig.Direction == strategy.Exit {
				intent = e.risk.OnExitSignal(pos, sig)
			}
		}
		if pos.Stop > prevStop {
			e.log.Info().Str("symbol", sym).Float64("stop", pos.Stop).Msg("trailing stop raised")
			e.notifier.Notify(notify.Event{
				Kind:    notify.StopAdjust,
				Symbol:  sym,
				Message: fmt.Sprintf("stop raised to %.2f", pos.Stop),
				Ts:      e.now(),
			})
		}
		if intent != nil {
			intents = append(intents, intent)
		}
	}
	return intents
}

// planEntries evaluates candidates in liquidity-rank order against the risk
// limits and returns the accepted intents sorted by symbol for submission.
// Accepted intents reserve headroom immediately so later candidates size
// against what will actually be held. Symbols with an order still working at
// the venue are skipped until it resolves.
func (e *Engine) planEntries(snaps map[string]market.Snapshot, candidates []screener.Candidate, equity float64) []*risk.Intent {
	planned := make(map[string]*risk.Position, len(e.positions))
	for sym, pos := range e.positions {
		planned[sym] = pos
	}

	var intents []*risk.Intent
	for _, c := range candidates {
		if _, open := planned[c.Symbol]; open {
			continue
		}
		if _, working := e.pending[c.Symbol]; working {
			continue
		}
		snap, ok := snaps[c.Symbol]
		if !ok {
			continue
		}
		sig := e.gen.Evaluate(snap, false)
		if sig.Direction != strategy.EnterLong {
			continue
		}
		intent, reason := e.risk.OnEntrySignal(sig, equity, planned)
		if intent == nil {
			e.log.Debug().Str("symbol", c.Symbol).Str("reason", reason).Msg("entry rejected")
			continue
		}
		planned[c.Symbol] = e.risk.OpenPosition(c.Symbol, intent.Price, intent.Qty, e.now())
		intents = append(intents, intent)
	}
	sort.Slice(intents, func(i, j int) bool { return intents[i].Symbol < intents[j].Symbol })
	return intents
}

// submit places a market order and resolves its current status.
func (e *Engine) submit(ctx context.Context, symbol string, side broker.Side, qty float64) (broker.OrderResult, error) {
	id, err := e.broker.SubmitOrder(ctx, broker.Order{
		Symbol: symbol,
		Side:   side,
		Qty:    qty,
		Type:   broker.Market,
	})
	if err != nil {
		return broker.OrderResult{}, err
	}
	return e.broker.GetOrderStatus(ctx, id)
}

// executeClose submits a sell for a CLOSING position and applies the fill.
// A rejection leaves the position in CLOSING so the intent is re-expressed
// next cycle; a pending order parks the symbol until it resolves.
func (e *Engine) executeClose(ctx context.Context, intent *risk.Intent) {
	if _, ok := e.positions[intent.Symbol]; !ok {
		return
	}
	if _, working := e.pending[intent.Symbol]; working {
		return
	}
	res, err := e.submit(ctx, intent.Symbol, broker.Sell, intent.Qty)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(intent.Symbol, "sell", "error").Inc()
		metrics.SymbolErrorsTotal.WithLabelValues(intent.Symbol).Inc()
		e.log.Error().Str("symbol", intent.Symbol).Err(err).Msg("close order failed")
		e.notifier.Notify(notify.Event{
			Kind:    notify.Error,
			Symbol:  intent.Symbol,
			Message: "close order failed: " + err.Error(),
			Ts:      e.now(),
		})
		return
	}
	switch res.Status {
	case broker.Filled:
		e.applyExitFill(ctx, intent.Symbol, intent.Reason, res)
	case broker.Rejected:
		metrics.OrdersTotal.WithLabelValues(intent.Symbol, "sell", "rejected").Inc()
		metrics.SymbolErrorsTotal.WithLabelValues(intent.Symbol).Inc()
		e.log.Error().Str("symbol", intent.Symbol).Str("reason", res.Reason).Msg("close order rejected")
		e.notifier.Notify(notify.Event{
			Kind:    notify.Error,
			Symbol:  intent.Symbol,
			Message: "close rejected: " + res.Reason,
			Ts:      e.now(),
		})
	default:
		e.pending[intent.Symbol] = pendingOrder{ID: res.ID, Side: broker.Sell, Reason: intent.Reason}
		e.log.Warn().Str("symbol", intent.Symbol).Str("order", res.ID).Msg("close order pending")
	}
}

// executeEntry submits a buy and opens the position only on a confirmed
// fill, at the actual fill price and quantity. A pending order is tracked so
// the symbol cannot be re-entered while it works.
func (e *Engine) executeEntry(ctx context.Context, intent *risk.Intent) {
	res, err := e.submit(ctx, intent.Symbol, broker.Buy, intent.Qty)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(intent.Symbol, "buy", "error").Inc()
		metrics.SymbolErrorsTotal.WithLabelValues(intent.Symbol).Inc()
		e.log.Error().Str("symbol", intent.Symbol).Err(err).Msg("entry order failed")
		e.notifier.Notify(notify.Event{
			Kind:    notify.Error,
			Symbol:  intent.Symbol,
			Message: "entry order failed: " + err.Error(),
			Ts:      e.now(),
		})
		return
	}
	switch res.Status {
	case broker.Filled:
		e.applyEntryFill(ctx, intent.Symbol, res)
	case broker.Rejected:
		metrics.OrdersTotal.WithLabelValues(intent.Symbol, "buy", "rejected").Inc()
		metrics.SymbolErrorsTotal.WithLabelValues(intent.Symbol).Inc()
		e.log.Warn().Str("symbol", intent.Symbol).Str("reason", res.Reason).Msg("entry order rejected")
		e.notifier.Notify(notify.Event{
			Kind:    notify.Error,
			Symbol:  intent.Symbol,
			Message: "entry rejected: " + res.Reason,
			Ts:      e.now(),
		})
	default:
		e.pending[intent.Symbol] = pendingOrder{ID: res.ID, Side: broker.Buy}
		e.log.Warn().Str("symbol", intent.Symbol).Str("order", res.ID).Msg("entry order pending")
	}
}

// applyEntryFill opens the position from a confirmed buy fill and records it.
func (e *Engine) applyEntryFill(ctx context.Context, symbol string, res broker.OrderResult) {
	pos := e.risk.OpenPosition(symbol, res.FillPrice, res.FillQty, res.Ts)
	e.positions[symbol] = pos
	metrics.OrdersTotal.WithLabelValues(symbol, "buy", "filled").Inc()
	metrics.OpenPositions.Set(float64(len(e.positions)))
	if err := e.journal.RecordEntry(ctx, journal.Entry{
		Symbol:   symbol,
		Side:     string(broker.Buy),
		Qty:      res.FillQty,
		Price:    res.FillPrice,
		Ts:       res.Ts,
		Strategy: strategyName,
	}); err != nil {
		e.log.Error().Str("symbol", symbol).Err(err).Msg("journal entry failed")
	}
	e.log.Info().Str("symbol", symbol).Float64("qty", res.FillQty).Float64("price", res.FillPrice).Float64("stop", pos.Stop).Msg("position opened")
	e.notifier.Notify(notify.Event{
		Kind:    notify.Entry,
		Symbol:  symbol,
		Message: fmt.Sprintf("opened %.4f @ %.2f, stop %.2f", res.FillQty, res.FillPrice, pos.Stop),
		Ts:      e.now(),
	})
}

// applyExitFill closes the position from a confirmed sell fill and records
// the realized result.
func (e *Engine) applyExitFill(ctx context.Context, symbol, reason string, res broker.OrderResult) {
	pos, ok := e.positions[symbol]
	if !ok {
		return
	}
	pnl := e.risk.ApplyExitFill(pos, res.FillPrice)
	delete(e.positions, symbol)
	metrics.OrdersTotal.WithLabelValues(symbol, "sell", "filled").Inc()
	metrics.OpenPositions.Set(float64(len(e.positions)))
	if err := e.journal.RecordExit(ctx, journal.Exit{
		Symbol:     symbol,
		Qty:        res.FillQty,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  res.FillPrice,
		PnL:        pnl,
		Reason:     reason,
		Ts:         res.Ts,
	}); err != nil {
		e.log.Error().Str("symbol", symbol).Err(err).Msg("journal exit failed")
	}
	e.log.Info().Str("symbol", symbol).Float64("price", res.FillPrice).Float64("pnl", pnl).Str("reason", reason).Msg("position closed")
	e.notifier.Notify(notify.Event{
		Kind:    notify.Exit,
		Symbol:  symbol,
		Message: fmt.Sprintf("closed %.4f @ %.2f, pnl %.2f (%s)", res.FillQty, res.FillPrice, pnl, reason),
		Ts:      e.now(),
	})
}

func (e *Engine) finishCycle(start time.Time, screened int, lastErr string) {
	elapsed := e.now().Sub(start)
	metrics.CyclesTotal.Inc()
	metrics.CycleDuration.Set(elapsed.Seconds())
	metrics.OpenPositions.Set(float64(len(e.positions)))

	e.mu.Lock()
	e.health.Screened = screened
	e.health.OpenPositions = len(e.positions)
	e.health.LastCycleAt = start
	e.health.LastCycleDuration = elapsed
	e.health.LastError = lastErr
	e.mu.Unlock()

	e.log.Debug().Int("screened", screened).Int("open", len(e.positions)).Dur("elapsed", elapsed).Msg("cycle complete")
}

func (e *Engine) recordError(err error) {
	e.log.Error().Err(err).Msg("cycle error")
	e.mu.Lock()
	e.health.LastError = err.Error()
	e.mu.Unlock()
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.health.Phase = p
	e.mu.Unlock()
}

func (e *Engine) setFatal(err error) {
	e.mu.Lock()
	e.fatal = true
	e.health.LastError = err.Error()
	e.mu.Unlock()
}
