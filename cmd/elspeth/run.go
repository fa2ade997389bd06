package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/elspeth/elspeth/internal/checkpoint"
	"github.com/elspeth/elspeth/internal/config"
	"github.com/elspeth/elspeth/internal/elspethlog"
	"github.com/elspeth/elspeth/internal/export"
	"github.com/elspeth/elspeth/internal/graph"
	"github.com/elspeth/elspeth/internal/landscape"
	"github.com/elspeth/elspeth/internal/orchestrator"
	"github.com/elspeth/elspeth/internal/registry"
	"github.com/elspeth/elspeth/internal/runtime"
	"github.com/elspeth/elspeth/internal/version"
	"github.com/elspeth/elspeth/pkg/payloadstore"
)

// canonicalAlgorithmVersion is the Run.CanonicalVersion stamp (§3): it
// changes only when the processing/hashing algorithm itself changes, never
// on every release.
const canonicalAlgorithmVersion = "elspeth-core-v1"

func newRunCmd() *cobra.Command {
	var verbose bool
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "validate the graph and drive a run through the orchestrator",
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

			secrets := config.LoadSecurityConfig()

			level := elspethlog.LevelInfo
			if verbose {
				level = elspethlog.LevelDebug
			}
			logger := elspethlog.NewContextLogger(elspethlog.New(elspethlog.Config{Level: level, Format: "text"}), nil)
			if verbose {
				info := version.GetBuildInfo()
				logger.WithFields(map[string]interface{}{
					"go_version":     info.GoVersion,
					"module_version": version.GetModuleVersion(),
					"dependencies":   len(info.Dependencies),
				}).Info("build info")
			}

			repo, closeRepo, err := buildRepository(cmd.Context(), settings, secrets, dryRun)
			if err != nil {
				return err
			}
			defer closeRepo()
			recorder := landscape.NewRecorder(repo)

			payloads, err := buildPayloadStore(cmd.Context(), settings, secrets, dryRun)
			if err != nil {
				return err
			}

			reg := registry.New()
			memorySinks := map[string]*registry.MemorySink{}
			registry.RegisterMemoryPlugins(reg, memorySinks)

			build, err := buildPipeline(settings, g, reg)
			if err != nil {
				return err
			}

			tracker := runtime.NewRunTracker(0)

			var opts []orchestrator.Option
			if dryRun {
				localStore, err := checkpoint.Open(filepath.Join(os.TempDir(), "elspeth-dryrun-checkpoints.db"))
				if err != nil {
					return err
				}
				defer localStore.Close()
				opts = append(opts, orchestrator.WithLocalCheckpoints(localStore))
			}
			if settings.Landscape.Export != "" && settings.Landscape.Export != "none" {
				if secrets.AMQPURL == "" {
					return fmt.Errorf("elspeth: landscape.export=%q requires ELSPETH_AMQP_URL", settings.Landscape.Export)
				}
				pub, err := export.NewAMQPPublisher(secrets.AMQPURL, settings.Landscape.Export, logger)
				if err != nil {
					return err
				}
				defer pub.Close()
				opts = append(opts, orchestrator.WithExportPublisher(pub))
			}

			orch := orchestrator.New(build, recorder, payloads, tracker, logger, canonicalAlgorithmVersion, opts...)

			result, runErr := orch.Run(cmd.Context())
			if result != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s status=%s\n", result.Run.RunID, result.Run.Status)
				for outcome, count := range result.Counts {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d\n", outcome, count)
				}
			}
			return runErr
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose progress logging")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "use in-memory audit store and payload store instead of configured backends")
	cmd.Flags().Bool("execute", false, "explicit opposite of --dry-run; the default when neither flag is given")
	return cmd
}

func buildRepository(ctx context.Context, settings *config.Settings, secrets config.SecurityConfig, dryRun bool) (landscape.Repository, func(), error) {
	if dryRun || !settings.Landscape.Enabled || settings.Landscape.Backend == "memory" {
		return landscape.NewMemoryRepository(), func() {}, nil
	}
	dsn := settings.Landscape.URL
	if dsn == "" {
		dsn = secrets.LandscapeDatabaseURL
	}
	if dsn == "" {
		return nil, nil, fmt.Errorf("elspeth: landscape.backend=%q requires landscape.url or ELSPETH_LANDSCAPE_DATABASE_URL", settings.Landscape.Backend)
	}
	db, err := landscape.NewPostgresDB(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := landscape.VerifySchema(ctx, db.Pool()); err != nil {
		db.Close()
		return nil, nil, err
	}
	return landscape.NewPostgresRepository(db), func() { db.Close() }, nil
}

func buildPayloadStore(ctx context.Context, settings *config.Settings, secrets config.SecurityConfig, dryRun bool) (payloadstore.Store, error) {
	if dryRun || settings.Landscape.PayloadStore == "" || settings.Landscape.PayloadStore == "memory" {
		return payloadstore.NewMemoryStore(), nil
	}
	if settings.Landscape.PayloadStore == "s3" {
		if secrets.PayloadS3Bucket == "" {
			return nil, fmt.Errorf("elspeth: payload_store=s3 requires ELSPETH_PAYLOAD_S3_BUCKET")
		}
		return payloadstore.NewS3Store(ctx, payloadstore.S3Config{
			Bucket:   secrets.PayloadS3Bucket,
			Endpoint: secrets.PayloadS3Endpoint,
			Region:   secrets.PayloadS3Region,
		})
	}
	return nil, fmt.Errorf("elspeth: payload_store %q is not a recognized backend (expected \"memory\" or \"s3\")", settings.Landscape.PayloadStore)
}
