// Command edenfsd is the unprivileged daemon process. It owns the
// InodeMap/Overlay/Journal/Checkout state for a mounted checkout and
// delegates the actual mount(2)/umount(2) syscalls to a privileged helper
// process spawned over a socketpair (internal/privhelper.Spawn), the same
// split cmd/root.go and cmd/mount.go draw between flag/config handling and
// the actual FUSE mount call.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edenwood/edenfs/internal/checkout"
	"github.com/edenwood/edenfs/internal/daemon"
	"github.com/edenwood/edenfs/internal/ids"
	"github.com/edenwood/edenfs/internal/logger"
	"github.com/edenwood/edenfs/internal/metrics"
	"github.com/edenwood/edenfs/internal/objectstore"
	"github.com/edenwood/edenfs/internal/privhelper"
)

var (
	cfgFile      string
	logFile      string
	logFormat    string
	noPrivHelper bool
)

var rootCmd = &cobra.Command{
	Use:   "edenfsd",
	Short: "Run the edenfs checkout daemon",
	Long: `edenfsd manages the local state (InodeMap, Overlay, Journal) for
a checked-out repository mounted on this host, and drives a privileged
helper process to perform the actual kernel-channel mount.`,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "path to an edenfsd config file")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-path", "", "path to the daemon's rotated log file (empty logs to stderr)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format: text or json")
	rootCmd.PersistentFlags().BoolVar(&noPrivHelper, "no-privhelper", false, "skip spawning the privileged helper (for tests against a pre-mounted checkout)")

	rootCmd.AddCommand(mountCmd, checkoutCmd, privhelperCmd)
}

// privhelperCmd is the hidden helper mode mountCmd's privhelper.Spawn re-execs into.
var privhelperCmd = &cobra.Command{
	Use: "privhelper", Hidden: true, Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mounter, err := privhelper.NewPlatformMounter()
		if err != nil {
			return err
		}
		return privhelper.NewServer(privhelper.ServerSocketFD(), mounter, nil).Run()
	},
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintln(os.Stderr, "edenfsd: reading config file:", err)
		os.Exit(1)
	}
}

// newObjectStore constructs the object store checkouts fall back to for
// content they have not materialized. §6 places the object store's remote
// fetching out of this daemon's scope, so absent a real backend this is an
// empty in-memory store; a deployment wires a backend-specific
// objectstore.Store implementation in its place.
func newObjectStore() objectstore.Store {
	return objectstore.NewMemStore()
}

var mountCmd = &cobra.Command{
	Use:   "mount <mount-path> <client-dir>",
	Short: "Mount a checkout at mount-path using state in client-dir, running in the foreground",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.InitLogFile(logger.Config{FilePath: logFile, Severity: logger.SeverityInfo, Format: logFormat}); err != nil {
			return fmt.Errorf("edenfsd: init log: %w", err)
		}

		reg := metrics.NewRegistry(nil)

		var helper *privhelper.Client
		if !noPrivHelper {
			var err error
			helper, err = privhelper.Spawn(os.Args[0], []string{"privhelper"})
			if err != nil {
				return fmt.Errorf("edenfsd: spawning privileged helper: %w", err)
			}
		}

		d := daemon.NewDaemon(helper, reg)
		mountPath, clientDir := args[0], args[1]

		co, err := d.Mount(mountPath, clientDir, newObjectStore(), false)
		if err != nil {
			return fmt.Errorf("edenfsd: mount: %w", err)
		}
		logger.Infof("mounted %s (protocol=%s)", co.MountPath, co.Config.Protocol)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		logger.Infof("unmounting %s", mountPath)
		if err := d.Unmount(mountPath); err != nil {
			return fmt.Errorf("edenfsd: unmount: %w", err)
		}
		return nil
	},
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout <client-dir> <root-id-hex>",
	Short: "Switch a checkout's working copy to a different commit root",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		clientDir, rootHex := args[0], args[1]

		raw, err := hex.DecodeString(rootHex)
		if err != nil {
			return fmt.Errorf("edenfsd: decoding root id: %w", err)
		}
		to := ids.NewRootId(raw)

		cfg, err := checkout.LoadConfig("", clientDir)
		if err != nil {
			return fmt.Errorf("edenfsd: loading checkout config: %w", err)
		}

		co, err := daemon.Open(cfg.MountPath, clientDir, newObjectStore(), nil)
		if err != nil {
			return fmt.Errorf("edenfsd: opening checkout: %w", err)
		}
		defer co.Overlay.Close()

		if err := co.CheckoutTo(cmd.Context(), to); err != nil {
			return fmt.Errorf("edenfsd: checkout: %w", err)
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
