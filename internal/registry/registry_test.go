package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elspeth/elspeth/internal/config"
	"github.com/elspeth/elspeth/pkg/contracts"
)

func TestMemoryPluginsRoundTrip(t *testing.T) {
	r := New()
	sinks := map[string]*MemorySink{}
	RegisterMemoryPlugins(r, sinks)

	source, err := r.Source(config.DatasourceConfig{Plugin: "memory", Options: map[string]interface{}{
		"rows": []interface{}{
			map[string]interface{}{"id": int64(1)},
		},
	}})
	require.NoError(t, err)

	rowsCh, errCh := source.Load(context.Background())
	var collected []map[string]interface{}
	for row := range rowsCh {
		collected = append(collected, row)
	}
	for range errCh {
	}
	require.Len(t, collected, 1)

	sink, err := r.Sink("out", config.SinkConfig{Plugin: "memory"})
	require.NoError(t, err)
	_, err = sink.Write(contracts.PluginContext{NodeID: "out"}, collected)
	require.NoError(t, err)
	require.Len(t, sinks["out"].Rows, 1)
}

func TestUnregisteredPluginError(t *testing.T) {
	r := New()
	_, err := r.Transform(config.RowPluginConfig{Plugin: "does-not-exist"})
	require.Error(t, err)
	var unregistered *UnregisteredPluginError
	require.ErrorAs(t, err, &unregistered)
}
