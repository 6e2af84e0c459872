// Command kdeconnectd runs the device connectivity daemon: it loads (or
// generates) the local certificate identity, starts the enabled Channel
// Services, and dispatches established connections to the Device Manager.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kdeconnectd/internal/certstore"
	"kdeconnectd/internal/channel"
	"kdeconnectd/internal/channelservice"
	"kdeconnectd/internal/config"
	"kdeconnectd/internal/eventbus"
	"kdeconnectd/internal/manager"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:   "kdeconnectd",
		Short: "KDE Connect-compatible device connectivity daemon",
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "directory holding config.yaml and the local certificate")

	root.AddCommand(newRunCmd(&configDir))
	root.AddCommand(newIdentifyCmd(&configDir))
	root.AddCommand(newFingerprintCmd(&configDir))
	return root
}

func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/kdeconnectd"
	}
	return ".kdeconnectd"
}

func newRunCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the daemon and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(*configDir)
		},
	}
}

func newFingerprintCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the local certificate's device id and fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := certstore.LoadOrCreate(*configDir)
			if err != nil {
				return err
			}
			fmt.Printf("deviceId:    %s\n", id.CommonName())
			fmt.Printf("fingerprint: %s\n", id.Fingerprint())
			return nil
		},
	}
}

// newIdentifyCmd sends an identify announce without reaching any running
// daemon. The D-Bus/IPC export surface a real CLI would use to reach a separate
// daemon process is an explicit out-of-scope collaborator, so this builds
// a throwaway Manager in-process, fires Identify once, and exits — useful
// for exercising the Channel Services' announce path without a full run.
func newIdentifyCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "identify [uri]",
		Short: "Send an identify announce, optionally targeted at one service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uri := ""
			if len(args) == 1 {
				uri = args[0]
			}
			return runIdentifyOnce(*configDir, uri)
		},
	}
}

func buildManager(logger *zap.Logger, configDir string) (*manager.Manager, *config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	mgrCfg := manager.Config{
		DeviceName:           cfg.DeviceName,
		DeviceType:           cfg.DeviceType,
		DataRoot:             cfg.DataDir,
		IncomingCapabilities: []string{"kdeconnect.ping", "kdeconnect.pair"},
		OutgoingCapabilities: []string{"kdeconnect.ping", "kdeconnect.pair"},
	}

	events := eventbus.New()
	mgr, err := manager.Init(configDir, mgrCfg, events, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing manager: %w", err)
	}

	id, err := certstore.LoadOrCreate(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("loading identity: %w", err)
	}

	identityFn := func() channelservice.IdentityInfo {
		return channelservice.IdentityInfo{
			DeviceID:             mgr.LocalDeviceID(),
			DeviceName:           cfg.DeviceName,
			DeviceType:           cfg.DeviceType,
			IncomingCapabilities: mgrCfg.IncomingCapabilities,
			OutgoingCapabilities: mgrCfg.OutgoingCapabilities,
		}
	}

	if cfg.LAN.Enabled {
		var lanSvc *channelservice.LANService
		lanSvc = channelservice.NewLANService(identityFn, id, cfg.LAN.Port, func(ch *channel.LANChannel) {
			mgr.OnChannel(lanSvc, ch)
		}, logger)
		mgr.RegisterService("lan", lanSvc)
	}

	if cfg.Bluetooth.Enabled {
		var btSvc *channelservice.BluetoothService
		btSvc = channelservice.NewBluetoothService(identityFn, id, cfg.Bluetooth.BufferSize, func(ch *channel.BluetoothChannel) {
			mgr.OnChannel(btSvc, ch)
		}, logger)
		mgr.RegisterService("bluetooth", btSvc)
	}

	return mgr, cfg, nil
}

func runDaemon(configDir string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	mgr, _, err := buildManager(logger, configDir)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting manager: %w", err)
	}
	logger.Info("kdeconnectd started", zap.String("deviceId", mgr.LocalDeviceID()))

	<-ctx.Done()
	logger.Info("shutting down")
	mgr.Stop()
	return nil
}

func runIdentifyOnce(configDir, uri string) error {
	logger := zap.NewNop()
	mgr, _, err := buildManager(logger, configDir)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting manager: %w", err)
	}
	defer mgr.Stop()

	return mgr.Identify(ctx, uri)
}
