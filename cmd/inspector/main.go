// Command inspector prints the configured market universe, its correlation matrix
// and the last file checkpoint. It does not touch any exchange.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/GoPolymarket/polyloop/internal/config"
	"github.com/GoPolymarket/polyloop/internal/exchange"
	"github.com/GoPolymarket/polyloop/internal/market"
	"github.com/GoPolymarket/polyloop/internal/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	registry := market.NewRegistryFromConfig(cfg, exchange.PlatformPaper)
	markets := registry.List()

	fmt.Println("--- Markets ---")
	for _, m := range markets {
		fmt.Printf("%-24s platform=%-10s group=%-10s resolves=%s\n",
			m.ID, m.Platform, m.Group, m.ResolutionTime.Format("2006-01-02"))
		outcomes := make([]string, 0, len(m.TokenIDs))
		for o := range m.TokenIDs {
			outcomes = append(outcomes, o)
		}
		sort.Strings(outcomes)
		for _, o := range outcomes {
			fmt.Printf("    %-4s token=%s\n", o, m.TokenIDs[o])
		}
	}

	fmt.Println("\n--- Correlations ---")
	for i := range markets {
		for j := i + 1; j < len(markets); j++ {
			if rho := registry.Correlation(markets[i].ID, markets[j].ID); rho != 0 {
				fmt.Printf("%s ~ %s: %.2f\n", markets[i].ID, markets[j].ID, rho)
			}
		}
	}

	fmt.Println("\n--- Checkpoint ---")
	st, err := repository.NewFileCheckpointRepo(cfg.Checkpoint.File).Load(context.Background())
	switch {
	case err != nil:
		fmt.Printf("unreadable: %v\n", err)
	case st == nil:
		fmt.Printf("none at %s\n", cfg.Checkpoint.File)
	default:
		fmt.Printf("version=%d cash=%s equity=%s exposure=%s realized=%s fees=%s\n",
			st.Version, st.Cash.StringFixed(2), st.TotalEquity().StringFixed(2),
			st.Exposure().StringFixed(2), st.RealizedPnL.StringFixed(2), st.FeesPaid.StringFixed(2))
		keys := make([]string, 0, len(st.Positions))
		for k := range st.Positions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := st.Positions[k]
			fmt.Printf("    %-24s %-3s notional=%s entry=%s\n", k, p.Outcome, p.Notional.StringFixed(2), p.EntryPrice().StringFixed(4))
		}
	}
}
