package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/attache/internal/logger"
	"github.com/harun/attache/pkg/client"
)

var (
	attachFile    string
	attachWait    bool
	attachTimeout time.Duration
)

var attachCmd = &cobra.Command{
	Use:   "attach [code]",
	Short: "Attach to a running kernel and execute code",
	Long: `Connects to an embedded kernel through its connection file and executes
the given code, printing the result. With --wait, blocks until the connection
file appears first.`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	attachCmd.Flags().StringVar(&attachFile, "file", "", "path to the connection file (required)")
	attachCmd.Flags().BoolVar(&attachWait, "wait", false, "wait for the connection file to appear")
	attachCmd.Flags().DurationVar(&attachTimeout, "timeout", 30*time.Second, "overall timeout")
	_ = attachCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	log, err := logger.New(logger.Config{Level: logLevel, Console: true, Pretty: true})
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), attachTimeout)
	defer cancel()

	if attachWait {
		if err := client.WaitForFile(ctx, attachFile); err != nil {
			return fmt.Errorf("connection file never appeared: %w", err)
		}
	}

	c, err := client.Attach(attachFile, log.Logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Heartbeat(ctx); err != nil {
		return fmt.Errorf("kernel is not alive: %w", err)
	}

	info, err := c.KernelInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), info.Banner)

	reply, err := c.Execute(ctx, args[0])
	if err != nil {
		return err
	}
	if reply.Status != "ok" {
		return fmt.Errorf("execution failed: %s", reply.ErrValue)
	}
	if reply.Value != "" {
		fmt.Fprintln(cmd.OutOrStdout(), reply.Value)
	}

	return nil
}
