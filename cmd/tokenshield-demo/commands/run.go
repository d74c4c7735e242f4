package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/christireid/tokenshield/pipeline"
)

// NewRunCommand sends a single prompt through the pipeline against the echo
// stub provider and prints what happened at each stage.
func NewRunCommand() *cobra.Command {
	var (
		userID  string
		modelID string
		feature string
	)

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one prompt through the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := requirePipeline()
			if err != nil {
				return err
			}

			params := pipeline.Params{
				Messages:  []pipeline.Message{{Role: "user", Content: args[0]}},
				ModelID:   modelID,
				UserID:    userID,
				Feature:   feature,
				RequestID: fmt.Sprintf("run-%s", userID),
			}

			transformed, err := p.TransformParams(cmd.Context(), params)
			if err != nil {
				var blocked *pipeline.BlockedError
				if errors.As(err, &blocked) {
					fmt.Printf("blocked: reason=%s metadata=%v\n", blocked.Reason, blocked.Metadata)
					return nil
				}
				return err
			}

			if transformed.CacheHit {
				fmt.Println("cache hit:")
				fmt.Println(transformed.CachedResponse)
				return nil
			}

			if transformed.Params.ModelID != modelID {
				fmt.Printf("router downgraded model: %s -> %s\n", modelID, transformed.Params.ModelID)
			}

			result, err := p.WrapGenerate(context.Background(), transformed, stubGenerate)
			if err != nil {
				return err
			}

			fmt.Printf("response (%d in / %d out tokens):\n%s\n", result.InputTokens, result.OutputTokens, result.Content)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "demo-user", "user id to attribute spend to")
	cmd.Flags().StringVar(&modelID, "model", "gpt-4o", "requested model id")
	cmd.Flags().StringVar(&feature, "feature", "demo", "feature label for the ledger")
	return cmd
}

// stubGenerate is the demo's stand-in provider: it echoes the last user
// message back, padded enough to look like a real completion, and reports
// token counts proportional to word count rather than calling a real model.
func stubGenerate(ctx context.Context, params pipeline.Params) (pipeline.GenerateResult, error) {
	var last string
	for i := len(params.Messages) - 1; i >= 0; i-- {
		if params.Messages[i].Role == "user" {
			last = params.Messages[i].Content
			break
		}
	}

	content := fmt.Sprintf("[%s] you said: %s", params.ModelID, last)
	inputTokens := uint32(len(strings.Fields(last)) + 3)
	outputTokens := uint32(len(strings.Fields(content)))

	return pipeline.GenerateResult{
		Content:      content,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}, nil
}
