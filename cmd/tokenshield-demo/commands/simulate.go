package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/christireid/tokenshield/pipeline"
)

// NewSimulateCommand replays a small scripted conversation — a long
// planning turn, a repeated question, then a short follow-up — each turn
// sent as a single message, and prints what the pipeline did with it. The
// guard runs before the cache, so with a non-zero guard.debounce_ms (500 ms
// by default) the back-to-back repeats are blocked by debounce rather than
// served from the cache. The planning turn (about 670 tokens) is trimmed
// only when the context budget is configured below that size.
func NewSimulateCommand() *cobra.Command {
	var (
		userID  string
		modelID string
		rounds  int
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a scripted conversation through the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := requirePipeline()
			if err != nil {
				return err
			}

			script := buildScript(rounds)
			for i, prompt := range script {
				params := pipeline.Params{
					Messages:  []pipeline.Message{{Role: "user", Content: prompt}},
					ModelID:   modelID,
					UserID:    userID,
					Feature:   "simulate",
					RequestID: fmt.Sprintf("sim-%d", i),
				}

				transformed, err := p.TransformParams(cmd.Context(), params)
				if err != nil {
					var blocked *pipeline.BlockedError
					if errors.As(err, &blocked) {
						fmt.Printf("[%d] blocked: reason=%s\n", i, blocked.Reason)
						continue
					}
					return err
				}

				if transformed.CacheHit {
					fmt.Printf("[%d] cache hit\n", i)
					continue
				}

				if transformed.Params.ModelID != modelID {
					fmt.Printf("[%d] router downgraded: %s -> %s\n", i, modelID, transformed.Params.ModelID)
				}

				result, err := p.WrapGenerate(context.Background(), transformed, stubGenerate)
				if err != nil {
					return err
				}
				fmt.Printf("[%d] generated %d output tokens\n", i, result.OutputTokens)
			}

			ledgerSummary := p.LedgerSummary()
			fmt.Printf("\ntotals: calls=%d spent=$%.4f saved=$%.4f savingsRate=%.2f%%\n",
				ledgerSummary.TotalCalls, ledgerSummary.TotalSpent, ledgerSummary.TotalSaved, ledgerSummary.SavingsRate*100)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "demo-user", "user id to attribute spend to")
	cmd.Flags().StringVar(&modelID, "model", "gpt-4o", "requested model id for every turn")
	cmd.Flags().IntVar(&rounds, "rounds", 3, "number of times to repeat the duplicate question; repeats reach the cache only when guard debounce lets them through")
	return cmd
}

func buildScript(rounds int) []string {
	longPlanning := strings.Repeat("Please consider every tradeoff in this migration plan carefully. ", 40)
	script := []string{longPlanning + "What should we do first?"}
	for i := 0; i < rounds; i++ {
		script = append(script, "What is the capital of France?")
	}
	script = append(script, "hi")
	return script
}
