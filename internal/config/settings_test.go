package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const settingsFixture = `
datasource:
  plugin: csv
  options:
    path: reviews.csv

row_plugins:
  - plugin: uppercase
    type: transform
  - plugin: sentiment_gate
    type: gate
    routes:
      positive: praise_sink
      negative: review_sink

sinks:
  praise_sink:
    plugin: jsonl
  review_sink:
    plugin: jsonl
  archive_sink:
    plugin: jsonl

output_sink: archive_sink

on_error:
  policy: quarantine
  sink: review_sink

landscape:
  enabled: true
  backend: postgres
`

func writeFixture(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSettingsParsesFullPipeline(t *testing.T) {
	settings, err := LoadSettings(writeFixture(t, settingsFixture))
	require.NoError(t, err)

	require.Equal(t, "csv", settings.Datasource.Plugin)
	require.Len(t, settings.RowPlugins, 2)
	require.Equal(t, RowPluginGate, settings.RowPlugins[1].Type)
	require.Equal(t, "praise_sink", settings.RowPlugins[1].Routes["positive"])
	require.Equal(t, "archive_sink", settings.OutputSink)
	require.Equal(t, OnErrorQuarantine, settings.OnError.Policy)
	require.True(t, settings.Landscape.Enabled)
}

// The fixture itself must be well-formed YAML independent of viper's reader,
// so a raw yaml.v3 decode sees the same key structure the loader does.
func TestSettingsFixtureShape(t *testing.T) {
	var raw map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(settingsFixture), &raw))
	require.Contains(t, raw, "datasource")
	require.Contains(t, raw, "row_plugins")
	require.Contains(t, raw, "sinks")
	require.Equal(t, "archive_sink", raw["output_sink"])
}

func TestLoadSettingsRejectsUnknownOutputSink(t *testing.T) {
	fixture := `
datasource:
  plugin: csv
sinks:
  main:
    plugin: jsonl
output_sink: nonexistent
`
	_, err := LoadSettings(writeFixture(t, fixture))
	require.Error(t, err)
}

func TestValidateRejectsQuarantineWithoutSink(t *testing.T) {
	s := &Settings{
		Datasource: DatasourceConfig{Plugin: "csv"},
		Sinks:      map[string]SinkConfig{"main": {Plugin: "jsonl"}},
		OutputSink: "main",
		OnError:    OnErrorConfig{Policy: OnErrorQuarantine},
	}
	require.Error(t, s.Validate())
}

func TestValidateRejectsRouteToUndeclaredSink(t *testing.T) {
	s := &Settings{
		Datasource: DatasourceConfig{Plugin: "csv"},
		Sinks:      map[string]SinkConfig{"main": {Plugin: "jsonl"}},
		OutputSink: "main",
		RowPlugins: []RowPluginConfig{
			{Plugin: "gate", Type: RowPluginGate, Routes: map[string]string{"flagged": "missing"}},
		},
	}
	require.Error(t, s.Validate())
}

func TestValidateAcceptsContinueRoute(t *testing.T) {
	s := &Settings{
		Datasource: DatasourceConfig{Plugin: "csv"},
		Sinks:      map[string]SinkConfig{"main": {Plugin: "jsonl"}},
		OutputSink: "main",
		RowPlugins: []RowPluginConfig{
			{Plugin: "gate", Type: RowPluginGate, Routes: map[string]string{"ok": "continue"}},
		},
	}
	require.NoError(t, s.Validate())
}
