package elspethlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextLoggerWithContextExtractsRunAndNodeID(t *testing.T) {
	base := New(Config{Level: LevelDebug, Format: "json"})
	log := NewContextLogger(base, nil)

	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithNodeID(ctx, "node-1")

	derived := log.WithContext(ctx)
	require.Equal(t, "run-1", derived.fields["run_id"])
	require.Equal(t, "node-1", derived.fields["node_id"])
	// original logger must be unaffected
	require.NotContains(t, log.fields, "run_id")
}

func TestContextLoggerWithFieldIsImmutable(t *testing.T) {
	base := New(Config{})
	log := NewContextLogger(base, map[string]interface{}{"service": "elspeth"})

	derived := log.WithField("node_id", "n1")
	require.Equal(t, "elspeth", derived.fields["service"])
	require.Equal(t, "n1", derived.fields["node_id"])
	_, ok := log.fields["node_id"]
	require.False(t, ok)
}
