package monitor

import (
	"fmt"

	"crypto-paper-trader/internal/database"
)

// Exit strategies
const (
	StrategyFull     = "full"
	StrategyPartial  = "partial"
	StrategyTrailing = "trailing"
)

// Action kinds
const (
	ActionFullExit    = "full_exit"
	ActionPartialExit = "partial_exit"
	ActionStopUpdate  = "stop_update"
)

// Exit reasons recorded on the audit trail
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
	ReasonTrailing   = "trailing_stop"
)

// Settings is the immutable per-cycle snapshot of monitor tuning. It is read
// once at cycle start and passed in; Evaluate never consults live config.
type Settings struct {
	ExitStrategy    string  `json:"exit_strategy"`
	TrailingPercent float64 `json:"trailing_percent"` // Distance below high-water mark, e.g. 0.05
}

// Action is one pending side effect produced by Evaluate. Nothing is applied
// until the caller hands it to an Applier.
type Action struct {
	Symbol           string   `json:"symbol"`
	Kind             string   `json:"kind"`
	Quantity         float64  `json:"quantity,omitempty"` // For exits
	Price            float64  `json:"price"`
	Reason           string   `json:"reason"`
	NewStopLoss      *float64 `json:"new_stop_loss,omitempty"`
	NewHighWaterMark *float64 `json:"new_high_water_mark,omitempty"`
}

// Evaluate inspects every open position against current prices and returns
// the actions to take. Pure: no clock, no I/O, no mutation of its inputs.
// Positions without a price quote are skipped. For a single position,
// stop-loss always wins over take-profit when a gapped price satisfies both.
func Evaluate(settings Settings, positions []database.Position, prices map[string]float64) []Action {
	actions := make([]Action, 0, len(positions))

	for _, p := range positions {
		price, ok := prices[p.Symbol]
		if !ok || price <= 0 || p.Quantity <= 0 {
			continue
		}

		if p.StopLoss > 0 && price <= p.StopLoss {
			reason := ReasonStopLoss
			if settings.ExitStrategy == StrategyTrailing && p.StopLoss > p.OriginalEntryPrice {
				reason = ReasonTrailing
			}
			actions = append(actions, Action{
				Symbol:   p.Symbol,
				Kind:     ActionFullExit,
				Quantity: p.Quantity,
				Price:    price,
				Reason:   reason,
			})
			continue
		}

		if p.TakeProfit > 0 && price >= p.TakeProfit {
			switch settings.ExitStrategy {
			case StrategyPartial:
				actions = append(actions, ladderExit(p, price))
				continue
			case StrategyTrailing:
				// Trailing never sells into strength; the ratcheting stop
				// below is what eventually realizes the gain.
			default:
				actions = append(actions, Action{
					Symbol:   p.Symbol,
					Kind:     ActionFullExit,
					Quantity: p.Quantity,
					Price:    price,
					Reason:   ReasonTakeProfit,
				})
				continue
			}
		}

		if settings.ExitStrategy == StrategyTrailing {
			if a, ok := trailingUpdate(settings, p, price); ok {
				actions = append(actions, a)
			}
		}
	}

	return actions
}

// ladderExit sells half of what currently remains. The first rung also moves
// the stop to breakeven (original entry) to lock in a floor.
func ladderExit(p database.Position, price float64) Action {
	a := Action{
		Symbol:   p.Symbol,
		Kind:     ActionPartialExit,
		Quantity: p.Quantity * 0.5,
		Price:    price,
		Reason:   ReasonTakeProfit,
	}
	if p.PartialExits == 0 {
		breakeven := p.OriginalEntryPrice
		a.NewStopLoss = &breakeven
	}
	return a
}

// trailingUpdate ratchets the stop to a fixed percentage below the highest
// observed price. The stop only ever moves up.
func trailingUpdate(settings Settings, p database.Position, price float64) (Action, bool) {
	hwm := p.HighWaterMark
	if price > hwm {
		hwm = price
	}
	stop := hwm * (1 - settings.TrailingPercent)

	raisedStop := stop > p.StopLoss
	raisedHWM := hwm > p.HighWaterMark
	if !raisedStop && !raisedHWM {
		return Action{}, false
	}

	a := Action{
		Symbol: p.Symbol,
		Kind:   ActionStopUpdate,
		Price:  price,
		Reason: ReasonTrailing,
	}
	if raisedStop {
		a.NewStopLoss = &stop
	}
	if raisedHWM {
		a.NewHighWaterMark = &hwm
	}
	return a, true
}

// ValidateStopRaise enforces the ratchet invariant on a proposed stop-loss
// change: a new stop below the current one is a programming fault and is
// rejected, never coerced.
func ValidateStopRaise(current, proposed float64) error {
	if proposed < current {
		return fmt.Errorf("stop-loss may not move down: current %.8f, proposed %.8f", current, proposed)
	}
	return nil
}
