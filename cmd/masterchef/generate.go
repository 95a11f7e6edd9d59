package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpat9/MasterChef-Claude/pkg/models"
)

func newGenerateCmd(configPath *string) *cobra.Command {
	var (
		prompt      string
		model       string
		temperature float64
		maxTokens   int
		caller      string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run one generation through the cache and resilience envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" {
				return fmt.Errorf("--prompt is required")
			}
			_, a, _, cleanup, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			req := models.GenerationRequest{Prompt: prompt, Model: model, CallerID: caller}
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &temperature
			}
			if cmd.Flags().Changed("max-tokens") {
				req.MaxTokens = &maxTokens
			}

			result := a.Orchestrator.Generate(cmd.Context(), req)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if result.Status != models.StatusSuccess && result.Status != models.StatusCacheHit {
				return fmt.Errorf("generation %s: %s", result.Status, result.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "prompt text")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model name or route alias")
	cmd.Flags().Float64VarP(&temperature, "temperature", "t", models.DefaultTemperature, "sampling temperature")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "upper bound on generated tokens")
	cmd.Flags().StringVar(&caller, "caller", "cli", "caller id used for rate limiting")
	return cmd
}
