package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nvr-ai/layerbench/benchmark"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newScenariosCmd writes predefined scenario sets to files that --scenarios
// can load back.
func newScenariosCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenarios [preset...]",
		Short: "Write predefined scenario sets to files",
		Long: fmt.Sprintf(`Writes one file per preset into --dir. Known presets: %s.
Without arguments every preset is written. Files are YAML unless --format json.`,
			strings.Join(benchmark.Presets, ", ")),
		RunE: func(cmd *cobra.Command, presets []string) error {
			if len(presets) == 0 {
				presets = benchmark.Presets
			}
			format := v.GetString("format")
			if format != "yaml" && format != "json" {
				return errors.Errorf("unsupported format %q", format)
			}
			dir := v.GetString("dir")
			model := v.GetString("model-name")

			ps := &benchmark.PredefinedScenarios{}
			for _, name := range presets {
				set, err := ps.Preset(name, model)
				if err != nil {
					return err
				}
				path := filepath.Join(dir, name+"_scenarios."+format)
				if err := benchmark.SaveScenarioSet(set, path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %d %s scenarios to %s\n", len(set.Scenarios), name, path)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.String("dir", ".", "output directory")
	f.String("format", "yaml", "file format (yaml or json)")
	f.String("model-name", "Qwen/Qwen3-8B", "model id used by single-model presets")
	return cmd
}
