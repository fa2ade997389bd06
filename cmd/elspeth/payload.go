package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/elspeth/elspeth/internal/config"
	"github.com/elspeth/elspeth/pkg/contracts"
	"github.com/elspeth/elspeth/pkg/payloadstore"
)

func newPayloadCmd() *cobra.Command {
	parent := &cobra.Command{
		Use:   "payload",
		Short: "inspect content-addressed payloads",
	}
	parent.AddCommand(&cobra.Command{
		Use:   "get <ref>",
		Short: "resolve a payload by its content hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]

			var store payloadstore.Store
			if cfgFile != "" {
				settings, err := config.LoadSettings(cfgFile)
				if err != nil {
					return err
				}
				store, err = buildPayloadStore(cmd.Context(), settings, config.LoadSecurityConfig(), false)
				if err != nil {
					return err
				}
			} else {
				store = payloadstore.NewMemoryStore()
			}

			retention := payloadstore.NewRetentionStore(store)
			result, err := retention.ExplainErr(cmd.Context(), ref)
			if err != nil {
				return err
			}
			switch result.State {
			case contracts.RowDataAvailable:
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", result.Data)
			default:
				return fmt.Errorf("elspeth: payload %s: %s", ref, result.State)
			}
			return nil
		},
	})
	return parent
}
