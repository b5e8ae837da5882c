package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"stockpulse/internal/app"
	"stockpulse/internal/config"
	"stockpulse/internal/signal"
)

type heatOutput struct {
	Category  string             `json:"category"`
	SubjectID string             `json:"subject_id,omitempty"`
	Score     float64            `json:"score"`
	Tier      string             `json:"tier"`
	Rounds    int                `json:"debate_rounds"`
	Position  float64            `json:"position_multiplier"`
	StopLoss  float64            `json:"stop_loss_multiplier"`
	Values    map[string]float64 `json:"values"`
	Defaulted []string           `json:"defaulted,omitempty"`
}

func newHeatCmd(load configLoader) *cobra.Command {
	var (
		category string
		subject  string
		values   map[string]string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "heat",
		Short: "Compute the market-heat signal",
		Long: `Compute the composite market-heat score and its tier.

Values given with --value win; with --subject the configured values for
that subject fill the gaps. Anything still missing counts as neutral.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !validCategory(category) {
				return fmt.Errorf("unknown category %q, want one of %s", category, strings.Join(config.Categories, ", "))
			}

			inputs := map[string]*float64{}
			if subject != "" {
				cfg, err := load()
				if err != nil {
					return err
				}
				configured, err := app.NewIndicatorSource(cfg.Signal).Indicators(cmd.Context(), subject, category)
				if err != nil {
					return err
				}
				for k, v := range configured {
					inputs[k] = v
				}
			}

			calc := signal.Default()
			known := map[string]bool{}
			for _, ind := range calc.Indicators() {
				known[ind.Name] = true
			}
			for name, raw := range values {
				if !known[name] {
					return fmt.Errorf("unknown indicator %q", name)
				}
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					return fmt.Errorf("indicator %s: %w", name, err)
				}
				inputs[name] = signal.Float(v)
			}

			sig := calc.Compute(inputs)
			out := heatOutput{
				Category:  category,
				SubjectID: subject,
				Score:     sig.Score,
				Tier:      sig.Tier,
				Rounds:    sig.Iterations,
				Position:  sig.PositionMult,
				StopLoss:  sig.StopLossMult,
				Values:    sig.Values,
				Defaulted: sig.Defaulted,
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			fmt.Fprintf(w, "Score: %.2f (%s)\n", out.Score, out.Tier)
			fmt.Fprintf(w, "Debate rounds: %d\n", out.Rounds)
			fmt.Fprintf(w, "Position x%.2f, stop-loss x%.2f\n", out.Position, out.StopLoss)
			names := make([]string, 0, len(out.Values))
			for name := range out.Values {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "  %-11s %g\n", name, out.Values[name])
			}
			if len(out.Defaulted) > 0 {
				fmt.Fprintf(w, "Defaulted: %s\n", strings.Join(out.Defaulted, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "US", "Market category: "+strings.Join(config.Categories, ", "))
	cmd.Flags().StringVar(&subject, "subject", "", "Subject whose configured values fill the gaps")
	cmd.Flags().StringToStringVar(&values, "value", nil, "Indicator value, e.g. --value volume=1.4 (repeatable)")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func validCategory(c string) bool {
	for _, k := range config.Categories {
		if k == c {
			return true
		}
	}
	return false
}
