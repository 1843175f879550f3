package paper

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/diffstock/coreengine/internal/errkind"
)

// Reconcile runs one full target-weight rebalance round: fetch fresh
// quotes, compute per-symbol target quantity, fill BUY/SELL deltas
// within cash and holdings bounds, then append a Snapshot and all
// resulting Trades. The engine lock is held for the whole routine so no
// reader observes a half-applied batch.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRunning {
		return nil
	}

	symbols := make([]string, 0, len(e.targetWeights))
	for s := range e.targetWeights {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	quotes, err := e.quotes.LatestQuotes(ctx, symbols)
	if err != nil {
		return errkind.Wrap(errkind.Transient, "paper.Reconcile", "fetching quotes", err)
	}

	for sym, q := range quotes {
		e.lastPrices[sym] = decimal.NewFromFloat(q.Price)
	}

	portfolioValue := e.cashUSD
	for sym, h := range e.holdings {
		price, ok := e.lastPrices[sym]
		if !ok {
			continue
		}
		portfolioValue = portfolioValue.Add(h.Quantity.Mul(price))
	}

	var newTrades []Trade
	for _, sym := range symbols {
		quote, ok := quotes[sym]
		if !ok {
			e.logger.Warn("quote unavailable, skipping symbol this round", zap.String("symbol", sym))
			continue
		}
		price := decimal.NewFromFloat(quote.Price)
		if price.LessThanOrEqual(decimal.Zero) {
			continue
		}

		weight := decimal.NewFromFloat(e.targetWeights[sym])
		targetDollar := portfolioValue.Mul(weight)
		targetQty := targetDollar.Div(price).Floor()

		current := e.holdings[sym]
		delta := targetQty.Sub(current.Quantity)
		if delta.Abs().LessThan(decimal.NewFromInt(1)) {
			continue
		}

		if delta.IsPositive() {
			trade, ok := e.fillBuy(sym, price, delta)
			if ok {
				newTrades = append(newTrades, trade)
			}
		} else {
			trade, ok := e.fillSell(sym, price, delta.Neg())
			if ok {
				newTrades = append(newTrades, trade)
			}
		}
	}

	e.trades = append(e.trades, newTrades...)
	snap := e.latestSnapshotLocked()
	e.snapshots = append(e.snapshots, snap)

	for _, t := range newTrades {
		e.reporter.ReportTrade(t)
	}
	e.reporter.ReportSnapshot(snap)

	return nil
}

// fillBuy executes the cash-bounded BUY path: q = min(delta,
// floor(cash/(price*(1+feeRate)))). Returns (trade, false) if q < 1.
func (e *Engine) fillBuy(symbol string, price, delta decimal.Decimal) (Trade, bool) {
	denom := price.Mul(decimal.NewFromInt(1).Add(e.feeRate))
	affordable := e.cashUSD.Div(denom).Floor()
	q := decimal.Min(delta, affordable)
	if q.LessThan(decimal.NewFromInt(1)) {
		return Trade{}, false
	}

	notional := price.Mul(q)
	fee := notional.Mul(e.feeRate)
	e.cashUSD = e.cashUSD.Sub(notional).Sub(fee)

	current := e.holdings[symbol]
	totalQty := current.Quantity.Add(q)
	newAvgCost := current.AvgCost.Mul(current.Quantity).Add(price.Mul(q)).Div(totalQty)
	e.holdings[symbol] = Holding{Symbol: symbol, Quantity: totalQty, AvgCost: newAvgCost}

	return Trade{
		ID: newID(), Timestamp: time.Now().UTC(), Symbol: symbol, Side: SideBuy,
		Quantity: q, Price: price, Fee: fee, Notional: notional,
	}, true
}

// fillSell executes the holdings-bounded SELL path: q = min(|delta|,
// current_qty). AvgCost is left unchanged (amortized pro-rata means the
// remaining position keeps its existing average cost basis).
func (e *Engine) fillSell(symbol string, price, qtyWanted decimal.Decimal) (Trade, bool) {
	current, exists := e.holdings[symbol]
	if !exists {
		return Trade{}, false
	}
	q := decimal.Min(qtyWanted, current.Quantity)
	if q.LessThan(decimal.NewFromInt(1)) {
		return Trade{}, false
	}

	notional := price.Mul(q)
	fee := notional.Mul(e.feeRate)
	e.cashUSD = e.cashUSD.Add(notional).Sub(fee)

	remaining := current.Quantity.Sub(q)
	if remaining.IsZero() {
		delete(e.holdings, symbol)
	} else {
		e.holdings[symbol] = Holding{Symbol: symbol, Quantity: remaining, AvgCost: current.AvgCost}
	}

	return Trade{
		ID: newID(), Timestamp: time.Now().UTC(), Symbol: symbol, Side: SideSell,
		Quantity: q, Price: price, Fee: fee, Notional: notional,
	}, true
}

// latestSnapshotLocked builds a Snapshot from current state. Caller must
// hold mu.
func (e *Engine) latestSnapshotLocked() Snapshot {
	holdingsCopy := make(map[string]Holding, len(e.holdings))
	prices := make(map[string]decimal.Decimal, len(e.holdings))
	total := e.cashUSD
	for sym, h := range e.holdings {
		holdingsCopy[sym] = h
		price, ok := e.lastPrices[sym]
		if !ok {
			price = h.AvgCost
		}
		prices[sym] = price
		total = total.Add(h.Quantity.Mul(price))
	}

	pnl := total.Sub(e.initialCapital)
	pnlPct := decimal.Zero
	if e.initialCapital.IsPositive() {
		pnlPct = pnl.Div(e.initialCapital)
	}

	return Snapshot{
		ID:           newID(),
		Timestamp:    time.Now().UTC(),
		CashUSD:      e.cashUSD,
		Holdings:     holdingsCopy,
		SymbolPrices: prices,
		TotalValue:   total,
		PnLUSD:       pnl,
		PnLPct:       pnlPct,
	}
}
