package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newLandscapeCmd implements the reserved `landscape migrate` subcommand
// from §6.5. Schema migration of the audit store is explicitly out of
// scope (§1 Non-goals: "automatic schema migration of legacy checkpoints
// (old format is rejected with a hard error)"); this stub exists so the
// command surface matches the specification and fails loudly rather than
// silently doing nothing.
func newLandscapeCmd() *cobra.Command {
	parent := &cobra.Command{
		Use:   "landscape",
		Short: "audit store maintenance",
	}
	parent.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "reserved: schema migration is not implemented",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("elspeth: landscape migrate is reserved; this store does not auto-migrate (see SchemaCompatibilityError)")
		},
	})
	return parent
}
