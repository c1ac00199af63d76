package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/yuuki/rdmadriver/internal/config"
	"github.com/yuuki/rdmadriver/internal/driver"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rdma-driver",
		Short: "User-space RDMA driver with a software device",
		Long: `rdma-driver runs the completion path of an RDMA driver against a
software device that exchanges RoCE-style packets over UDP.

Settings come from flags, RDMADRIVER_* environment variables and an
optional driver.yaml, in that order of precedence.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the driver and serve until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDriverConfig(cmd.Flags())
			if err != nil {
				return fmt.Errorf("error loading configuration: %w", err)
			}
			d, err := driver.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create driver: %w", err)
			}
			return d.Run()
		},
	}
	config.SetupDriverFlags(cmd.Flags())
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the driver configuration file",
	}
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefaultConfig(output); err != nil {
				return fmt.Errorf("error creating default config: %w", err)
			}
			fmt.Printf("Created default configuration at %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "driver.yaml", "Path of the configuration file to write")
	return cmd
}
