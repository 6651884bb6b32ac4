package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/attache/internal/config"
	"github.com/harun/attache/internal/logger"
	"github.com/harun/attache/pkg/host"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a demo process with an embedded kernel",
	Long: `Starts a process whose only job is hosting an embedded kernel with a
small demo namespace (demo_var = 42). A real embedding application would do
its own work on the main goroutine instead of just waiting for a signal.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// applyLogLevel overrides the configured level only when the flag was
// passed explicitly, so a config file's level survives the flag default.
func applyLogLevel(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	applyLogLevel(cmd, cfg)

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Close()

	hostCfg := host.Config{
		ConnectionFile:        cfg.Kernel.ConnectionFile,
		ConnectionFileWithPID: cfg.Kernel.ConnectionFileWithPID,
		IP:                    cfg.Kernel.IP,
		Banner:                cfg.Kernel.Banner,
		History:               cfg.Kernel.History,
		UserNS:                map[string]interface{}{"demo_var": 42},
		Logger:                log.Logger,
	}

	h, err := host.New(hostCfg)
	if err != nil {
		return fmt.Errorf("failed to construct kernel host: %w", err)
	}

	h.Start()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := h.KernelReady().Wait(ctx); err != nil {
		h.Stop()
		return fmt.Errorf("kernel failed to start: %w", err)
	}

	// The kernel lives on its background loop; the main goroutine only has
	// to outlive it. Block until a signal, then shut down explicitly.
	<-ctx.Done()
	log.Info().Msg("Signal received, shutting down")
	h.Stop()

	return nil
}
