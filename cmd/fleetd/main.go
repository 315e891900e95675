package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgehive/fleetd/pkg/api"
	"github.com/edgehive/fleetd/pkg/applications"
	"github.com/edgehive/fleetd/pkg/config"
	"github.com/edgehive/fleetd/pkg/events"
	"github.com/edgehive/fleetd/pkg/images"
	"github.com/edgehive/fleetd/pkg/log"
	"github.com/edgehive/fleetd/pkg/proxyvisor"
	"github.com/edgehive/fleetd/pkg/registry"
	"github.com/edgehive/fleetd/pkg/storage"
	"github.com/edgehive/fleetd/pkg/target"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "fleetd - device agent for fleet-managed gateways",
	Long: `fleetd keeps a fleet-managed device and its dependent devices in
sync with the target state published by the orchestrator: it polls the
versioned target-state document, persists dependent app and device
targets, and drives subordinate devices toward them over outbound
hooks.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fleetd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(agentCmd)
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the sync agent",
	Long: `Run the fleetd agent: the target-state poller, the dependent-device
reconciler and the local HTTP surface, until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runAgent(configPath)
	},
}

func init() {
	agentCmd.Flags().String("config", "/etc/fleetd/config.yml", "Path to the agent config file")
}

func runAgent(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.JSONLog,
	})
	logger := log.WithComponent("agent")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	settings := config.NewSettings(store)
	if err := settings.Seed(cfg); err != nil {
		return fmt.Errorf("failed to seed settings: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	client := registry.NewClient()
	state := target.NewState(settings, client, broker)
	poller := target.NewPoller(state, settings)

	assets := proxyvisor.NewAssetStore(cfg.AssetsDir)
	resolver := applications.NewStaticResolver()
	inventory := images.NewTracker(nil)

	pv := proxyvisor.New(proxyvisor.Config{
		Store:    store,
		Registry: client,
		Settings: settings,
		Broker:   broker,
		Images:   inventory,
		Apps:     resolver,
		Assets:   assets,
	})
	pv.Start()
	defer pv.Stop()

	poller.Start()
	defer poller.Stop()

	server := api.NewServer(api.Config{
		Store:       store,
		Target:      state,
		Registry:    client,
		Settings:    settings,
		Assets:      assets,
		AssetSource: mountedImageRoot(cfg.AssetsDir),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("local API failed: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(ctx)
}

// mountedImageRoot resolves the directory an app's assets are built
// from: the runtime mounts each dependent app image under
// {assetsDir}/mnt/{appId}/{commit}.
func mountedImageRoot(assetsDir string) api.AssetSourceFunc {
	return func(appID int, commit string) (string, error) {
		root := filepath.Join(assetsDir, "mnt", strconv.Itoa(appID), commit)
		if _, err := os.Stat(root); err != nil {
			return "", fmt.Errorf("image root for app %d commit %s not mounted: %w", appID, commit, err)
		}
		return root, nil
	}
}
