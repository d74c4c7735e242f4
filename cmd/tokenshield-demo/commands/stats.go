package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatsCommand prints the Pipeline's current cache, breaker, and ledger
// snapshots — everything Pipeline.LedgerSummary/CacheStats/BreakerStatus
// already track, with no extra bookkeeping of its own.
func NewStatsCommand() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print cache, breaker, budget, and ledger snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := requirePipeline()
			if err != nil {
				return err
			}

			snapshot := struct {
				Cache   any `json:"cache"`
				Breaker any `json:"breaker"`
				Budget  any `json:"budget,omitempty"`
				Ledger  any `json:"ledger"`
			}{
				Cache:   p.CacheStats(),
				Breaker: p.BreakerStatus(),
				Ledger:  p.LedgerSummary(),
			}
			if userID != "" {
				snapshot.Budget = p.BudgetStatus(userID)
			}

			if outputJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snapshot)
			}

			cache := p.CacheStats()
			fmt.Printf("cache: entries=%d hits=%d lookups=%d hitRate=%.2f%% savedTokens=%d\n",
				cache.Entries, cache.TotalHits, cache.TotalLookups, cache.HitRate*100, cache.TotalSavedTokens)

			breakerStatus := p.BreakerStatus()
			fmt.Printf("breaker spend: session=$%.4f hour=$%.4f day=$%.4f month=$%.4f\n",
				breakerStatus.Session, breakerStatus.Hour, breakerStatus.Day, breakerStatus.Month)

			if userID != "" {
				budget := p.BudgetStatus(userID)
				fmt.Printf("budget[%s]: daily=$%.4f monthly=$%.4f inflight=$%.4f overBudget=%v\n",
					userID, budget.Daily.Spend, budget.Monthly.Spend, budget.Inflight, budget.IsOverBudget)
			}

			ledgerSummary := p.LedgerSummary()
			fmt.Printf("ledger: calls=%d spent=$%.4f saved=$%.4f savingsRate=%.2f%% cacheHitRate=%.2f%%\n",
				ledgerSummary.TotalCalls, ledgerSummary.TotalSpent, ledgerSummary.TotalSaved,
				ledgerSummary.SavingsRate*100, ledgerSummary.CacheHitRate*100)
			fmt.Printf("  savings by module: cache=$%.4f context=$%.4f router=$%.4f prefix=$%.4f\n",
				ledgerSummary.ByModule.Cache, ledgerSummary.ByModule.Context, ledgerSummary.ByModule.Router, ledgerSummary.ByModule.Prefix)

			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "include this user's budget status")
	return cmd
}
