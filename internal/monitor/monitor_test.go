package monitor

import (
	"context"
	"math"
	"testing"

	"crypto-paper-trader/internal/database"
	"crypto-paper-trader/internal/logging"
)

func position(symbol string, qty, entry, stop, takeProfit float64) database.Position {
	return database.Position{
		Symbol:             symbol,
		Quantity:           qty,
		AvgEntryPrice:      entry,
		OriginalEntryPrice: entry,
		StopLoss:           stop,
		TakeProfit:         takeProfit,
		HighWaterMark:      entry,
	}
}

func TestStopLossTriggersFullExit(t *testing.T) {
	for _, strategy := range []string{StrategyFull, StrategyPartial, StrategyTrailing} {
		t.Run(strategy, func(t *testing.T) {
			p := position("BTC", 2, 100, 90, 120)
			actions := Evaluate(Settings{ExitStrategy: strategy, TrailingPercent: 0.05},
				[]database.Position{p}, map[string]float64{"BTC": 89})
			if len(actions) != 1 {
				t.Fatalf("expected 1 action, got %d", len(actions))
			}
			a := actions[0]
			if a.Kind != ActionFullExit || a.Quantity != 2 {
				t.Errorf("got %s qty %.2f, want full exit of entire quantity", a.Kind, a.Quantity)
			}
		})
	}
}

func TestStopLossWinsOverTakeProfitOnGap(t *testing.T) {
	// Degenerate gap: stop above take-profit, price satisfies both.
	p := position("BTC", 1, 100, 130, 120)
	actions := Evaluate(Settings{ExitStrategy: StrategyFull},
		[]database.Position{p}, map[string]float64{"BTC": 125})
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	if actions[0].Reason != ReasonStopLoss {
		t.Errorf("reason = %s, want stop_loss to win", actions[0].Reason)
	}
}

func TestFullStrategyTakeProfit(t *testing.T) {
	p := position("ETH", 3, 100, 90, 120)
	actions := Evaluate(Settings{ExitStrategy: StrategyFull},
		[]database.Position{p}, map[string]float64{"ETH": 121})
	if len(actions) != 1 || actions[0].Kind != ActionFullExit || actions[0].Reason != ReasonTakeProfit {
		t.Fatalf("unexpected actions: %+v", actions)
	}
}

func TestLadderExitGeometricDecay(t *testing.T) {
	// Bought at $100, take-profit $120, three consecutive triggers:
	// remaining should be Q * 0.5^3 = 12.5% of original.
	settings := Settings{ExitStrategy: StrategyPartial}
	p := position("SOL", 8, 100, 90, 120)
	prices := map[string]float64{"SOL": 120}

	for hit := 0; hit < 3; hit++ {
		actions := Evaluate(settings, []database.Position{p}, prices)
		if len(actions) != 1 {
			t.Fatalf("hit %d: expected 1 action, got %d", hit, len(actions))
		}
		a := actions[0]
		if a.Kind != ActionPartialExit {
			t.Fatalf("hit %d: kind = %s, want partial_exit", hit, a.Kind)
		}
		if math.Abs(a.Quantity-p.Quantity*0.5) > 1e-12 {
			t.Errorf("hit %d: sells %.4f, want half of remaining %.4f", hit, a.Quantity, p.Quantity)
		}

		if hit == 0 {
			if a.NewStopLoss == nil || *a.NewStopLoss != 100 {
				t.Error("first rung must move stop to breakeven")
			}
		} else if a.NewStopLoss != nil {
			t.Errorf("hit %d: stop must only move on the first rung", hit)
		}

		// Simulate the apply step.
		p.Quantity -= a.Quantity
		p.PartialExits++
		if a.NewStopLoss != nil {
			p.StopLoss = *a.NewStopLoss
		}
	}

	if math.Abs(p.Quantity-1) > 1e-12 { // 8 * 0.5^3
		t.Errorf("remaining quantity = %.4f, want 1 (12.5%% of 8)", p.Quantity)
	}
	if p.StopLoss != 100 {
		t.Errorf("stop = %.2f, want breakeven 100", p.StopLoss)
	}
}

func TestTrailingStopRatchet(t *testing.T) {
	settings := Settings{ExitStrategy: StrategyTrailing, TrailingPercent: 0.05}
	p := position("BTC", 1, 100, 90, 0)

	observations := []float64{110, 105, 120, 118, 130}
	lastStop := p.StopLoss
	for _, price := range observations {
		actions := Evaluate(settings, []database.Position{p}, map[string]float64{"BTC": price})
		for _, a := range actions {
			if a.Kind == ActionFullExit {
				// Undercut exits are covered in a separate test.
				t.Fatalf("unexpected exit at price %.0f with stop %.2f", price, p.StopLoss)
			}
			if a.NewStopLoss != nil {
				if *a.NewStopLoss < lastStop {
					t.Fatalf("stop moved down: %.2f -> %.2f at price %.0f", lastStop, *a.NewStopLoss, price)
				}
				p.StopLoss = *a.NewStopLoss
				lastStop = p.StopLoss
			}
			if a.NewHighWaterMark != nil {
				p.HighWaterMark = *a.NewHighWaterMark
			}
		}
	}

	// HWM 130, trail 5% -> stop 123.5
	if math.Abs(p.StopLoss-123.5) > 1e-9 {
		t.Errorf("final stop = %.4f, want 123.5", p.StopLoss)
	}
	if p.HighWaterMark != 130 {
		t.Errorf("high-water mark = %.2f, want 130", p.HighWaterMark)
	}
}

func TestTrailingEngagesAtShippedDefaultDistance(t *testing.T) {
	// A 50% run-up must ratchet the stop; a distance mistakenly given as a
	// percent (5 instead of 0.05) would propose a stop below zero instead.
	settings := Settings{ExitStrategy: StrategyTrailing, TrailingPercent: 0.05}
	p := position("BTC", 1, 100, 90, 0)

	actions := Evaluate(settings, []database.Position{p}, map[string]float64{"BTC": 150})
	var update *Action
	for i := range actions {
		if actions[i].Kind == ActionStopUpdate {
			update = &actions[i]
		}
	}
	if update == nil {
		t.Fatalf("no stop update proposed on a 50%% run-up, actions: %+v", actions)
	}
	if update.NewStopLoss == nil || math.Abs(*update.NewStopLoss-142.5) > 1e-9 {
		t.Errorf("proposed stop = %v, want 142.5 (5%% below high-water mark 150)", update.NewStopLoss)
	}
}

func TestTrailingUndercutExitsFully(t *testing.T) {
	settings := Settings{ExitStrategy: StrategyTrailing, TrailingPercent: 0.05}
	p := position("BTC", 1, 100, 114, 0) // stop already ratcheted above entry
	p.HighWaterMark = 120

	actions := Evaluate(settings, []database.Position{p}, map[string]float64{"BTC": 113})
	if len(actions) != 1 || actions[0].Kind != ActionFullExit {
		t.Fatalf("expected full exit on undercut, got %+v", actions)
	}
	if actions[0].Reason != ReasonTrailing {
		t.Errorf("reason = %s, want trailing_stop", actions[0].Reason)
	}
}

func TestTrailingIgnoresTakeProfitLevel(t *testing.T) {
	settings := Settings{ExitStrategy: StrategyTrailing, TrailingPercent: 0.05}
	p := position("BTC", 1, 100, 90, 110)

	actions := Evaluate(settings, []database.Position{p}, map[string]float64{"BTC": 115})
	for _, a := range actions {
		if a.Kind != ActionStopUpdate {
			t.Fatalf("trailing must not sell into strength, got %s", a.Kind)
		}
	}
}

func TestMissingQuoteSkipsPosition(t *testing.T) {
	positions := []database.Position{
		position("BTC", 1, 100, 90, 120),
		position("GHOST", 1, 100, 90, 120),
	}
	actions := Evaluate(Settings{ExitStrategy: StrategyFull},
		positions, map[string]float64{"BTC": 85})
	if len(actions) != 1 || actions[0].Symbol != "BTC" {
		t.Fatalf("expected only BTC evaluated, got %+v", actions)
	}
}

func TestValidateStopRaise(t *testing.T) {
	if err := ValidateStopRaise(90, 95); err != nil {
		t.Errorf("raising the stop must be allowed: %v", err)
	}
	if err := ValidateStopRaise(90, 90); err != nil {
		t.Errorf("equal stop must be allowed: %v", err)
	}
	if err := ValidateStopRaise(90, 85); err == nil {
		t.Error("lowering the stop must be rejected")
	}
}

type fakeTrader struct {
	exits        []string
	fail         map[string]bool
	lastSettings Settings
}

func (f *fakeTrader) ExitPosition(_ context.Context, symbol string, _, _ float64, _ string, _ *float64, settings Settings) error {
	f.lastSettings = settings
	if f.fail[symbol] {
		return context.DeadlineExceeded
	}
	f.exits = append(f.exits, symbol)
	return nil
}

type fakeStore struct {
	positions map[string]*database.Position
}

func (f *fakeStore) MutatePosition(_ context.Context, symbol string, fn func(*database.Position) (*database.Position, error)) error {
	updated, err := fn(f.positions[symbol])
	if err != nil {
		return err
	}
	f.positions[symbol] = updated
	return nil
}

func TestApplyIsolatesFailures(t *testing.T) {
	trader := &fakeTrader{fail: map[string]bool{"BAD": true}}
	store := &fakeStore{positions: map[string]*database.Position{}}
	applier := NewApplier(trader, store, logging.New(&logging.Config{Level: "error"}))

	actions := []Action{
		{Symbol: "BAD", Kind: ActionFullExit, Quantity: 1, Price: 10, Reason: ReasonStopLoss},
		{Symbol: "GOOD", Kind: ActionFullExit, Quantity: 1, Price: 10, Reason: ReasonStopLoss},
	}
	settings := Settings{ExitStrategy: StrategyFull, TrailingPercent: 0.05}
	stats := applier.Apply(context.Background(), settings, actions)
	if stats.Failures != 1 || stats.FullExits != 1 {
		t.Fatalf("stats = %+v, want 1 failure and 1 full exit", stats)
	}
	if len(trader.exits) != 1 || trader.exits[0] != "GOOD" {
		t.Errorf("exits = %v, want GOOD only", trader.exits)
	}
	if trader.lastSettings != settings {
		t.Errorf("trader received settings %+v, want %+v", trader.lastSettings, settings)
	}
}

func TestApplyStopUpdateEnforcesRatchet(t *testing.T) {
	store := &fakeStore{positions: map[string]*database.Position{
		"BTC": {Symbol: "BTC", Quantity: 1, StopLoss: 100, HighWaterMark: 110},
	}}
	applier := NewApplier(&fakeTrader{}, store, logging.New(&logging.Config{Level: "error"}))

	lower := 95.0
	settings := Settings{ExitStrategy: StrategyTrailing, TrailingPercent: 0.05}
	stats := applier.Apply(context.Background(), settings, []Action{
		{Symbol: "BTC", Kind: ActionStopUpdate, NewStopLoss: &lower, Reason: ReasonTrailing},
	})
	if stats.Failures != 1 {
		t.Fatal("downward stop update must fail")
	}
	if store.positions["BTC"].StopLoss != 100 {
		t.Errorf("stop mutated to %.2f despite ratchet", store.positions["BTC"].StopLoss)
	}

	higher := 105.0
	stats = applier.Apply(context.Background(), settings, []Action{
		{Symbol: "BTC", Kind: ActionStopUpdate, NewStopLoss: &higher, Reason: ReasonTrailing},
	})
	if stats.StopUpdates != 1 || store.positions["BTC"].StopLoss != 105 {
		t.Errorf("upward stop update not applied: %+v", store.positions["BTC"])
	}
}
