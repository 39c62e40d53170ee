package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"ralphd/internal/fold"
	"ralphd/internal/types"
)

var (
	foldUsage    float64
	foldProvider string
)

var foldCmd = &cobra.Command{
	Use:   "fold",
	Short: "Evaluate the fold decision for a context-usage ratio",
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := types.Provider(foldProvider)
		if foldProvider == "" {
			provider = fold.NewProviderDetector("").Detect()
		}

		decision := fold.Evaluate(foldUsage, 0, provider)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(decision)
	},
}

func init() {
	foldCmd.Flags().Float64VarP(&foldUsage, "usage", "u", 0, "context usage ratio in [0,1]")
	foldCmd.Flags().StringVarP(&foldProvider, "provider", "p", "", "provider (anthropic, openai, mistral, google, glm); auto-detected when empty")
}
