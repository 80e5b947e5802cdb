package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"crypto-paper-trader/config"
	"crypto-paper-trader/internal/database"
)

// trade-report prints a summary of execution outcomes and open positions
// straight from the database, for eyeballing how the paper account is doing.
func main() {
	hours := flag.Int("hours", 24, "look-back window for execution outcomes")
	limit := flag.Int("limit", 20, "number of recent log entries to show")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.NewDB(ctx, database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		fmt.Printf("failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := database.NewRepository(db)
	since := time.Now().Add(-time.Duration(*hours) * time.Hour)

	fmt.Println("=== PAPER TRADING REPORT ===")
	fmt.Printf("Window: last %dh (since %s)\n\n", *hours, since.Format(time.RFC3339))

	outcomes, err := repo.CountExecutionOutcomes(ctx, since)
	if err != nil {
		fmt.Printf("failed to count outcomes: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Execution outcomes:")
	if len(outcomes) == 0 {
		fmt.Println("  (none)")
	}
	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-10s %d\n", k, outcomes[k])
	}

	positions, err := repo.ListPositions(ctx)
	if err != nil {
		fmt.Printf("failed to list positions: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nOpen positions: %d\n", len(positions))
	for _, p := range positions {
		fmt.Printf("  %-8s qty=%.6f avg=%.4f stop=%.4f tp=%.4f hwm=%.4f partials=%d opened=%s\n",
			p.Symbol, p.Quantity, p.AvgEntryPrice, p.StopLoss, p.TakeProfit,
			p.HighWaterMark, p.PartialExits, p.OpenedAt.Format("2006-01-02 15:04"))
	}

	logs, err := repo.GetRecentExecutionLogs(ctx, *limit)
	if err != nil {
		fmt.Printf("failed to fetch execution logs: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nRecent executions (%d):\n", len(logs))
	var realizedTotal float64
	for _, l := range logs {
		fmt.Printf("  %s %-12s %-4s %-8s qty=%.6f @ %.4f -> %s",
			l.CompletedAt.Format("01-02 15:04"), l.Action, l.Side, l.Symbol,
			l.Quantity, l.Price, l.Outcome)
		if l.Reason != "" {
			fmt.Printf(" (%s)", l.Reason)
		}
		if pnl, ok := realizedFromSnapshot(l.SettingsSnapshot); ok {
			realizedTotal += pnl
			fmt.Printf(" pnl=%.2f", pnl)
		}
		fmt.Println()
	}
	fmt.Printf("\nRealized P&L over shown entries: %.2f\n", realizedTotal)
}

func realizedFromSnapshot(snapshot []byte) (float64, bool) {
	if len(snapshot) == 0 {
		return 0, false
	}
	var payload struct {
		RealizedPnL *float64 `json:"realized_pnl"`
	}
	if err := json.Unmarshal(snapshot, &payload); err != nil || payload.RealizedPnL == nil {
		return 0, false
	}
	return *payload.RealizedPnL, true
}
