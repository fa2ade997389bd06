package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/elspeth/elspeth/internal/config"
	"github.com/elspeth/elspeth/internal/graph"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "build and validate the execution graph without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSettingsFlag(); err != nil {
				return err
			}
			settings, err := config.LoadSettings(cfgFile)
			if err != nil {
				return err
			}
			g, err := graph.FromConfig(settings)
			if err != nil {
				return err
			}
			if err := g.Validate(); err != nil {
				return err
			}
			order, err := g.TopologicalOrder()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "graph valid: %d nodes, %d edges, %d sinks\n", len(order), len(g.Edges()), len(g.Sinks()))
			return nil
		},
	}
}
