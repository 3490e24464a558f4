package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/calvinmclean/spinrig/config"
	"github.com/calvinmclean/spinrig/controller"
	"github.com/calvinmclean/spinrig/modbus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd().ExecuteContext(ctx)
	if err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:          "spinrig",
		Short:        "Stepper position controller for the polarizer cell lift",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(runCmd(&verbose), portsCmd(), commandsCmd())
	return root
}

func runCmd(verbose *bool) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the controller and serve the register map",
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	flags := config.AddFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		logger, err := newLogger(*verbose)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		err = flags.Apply(&cfg)
		if err != nil {
			return err
		}

		return run(cmd.Context(), cfg, logger)
	}
	return cmd
}

func portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List USB serial ports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := modbus.GetSerialPorts()
			if err != nil {
				return err
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func commandsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "Describe the command codes accepted in register 2",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), controller.Help())
		},
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("error creating logger: %w", err)
	}
	return logger, nil
}
