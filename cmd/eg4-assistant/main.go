package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"eg4-assistant/config"
	"eg4-assistant/internal/collector"
	"eg4-assistant/internal/engine"
	"eg4-assistant/internal/logging"
	"eg4-assistant/internal/reading"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "eg4-assistant",
		Short: "Residential energy monitor",
		Long:  "Monitors an EG4 inverter, SRP utility account and Enphase PV system through their web portals",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(testCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config and builds the logger. console is false for
// commands whose stdout is machine readable.
func setup(console bool) (*config.Config, *zap.Logger, *logging.Buffer, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	opts := logging.Options{
		File:        cfg.Logging.File,
		Level:       cfg.Logging.Level,
		BufferLines: cfg.Logging.BufferLines,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		Console:     console,
	}
	if verbose {
		opts.Level = "debug"
		opts.Console = true
	}
	log, buf, err := logging.New(opts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, log, buf, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func portalArg(args []string) (reading.Portal, error) {
	for _, p := range reading.Portals {
		if string(p) == args[0] {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown portal %q (want eg4, srp or enphase)", args[0])
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the monitoring service",
		Long:  "Start the portal collectors, alert engine, API server and MQTT mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, buf, err := setup(true)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			eng, err := engine.New(cfg, log, buf)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, stop := signalContext()
			defer stop()

			log.Info("EG4 Assistant started. Press Ctrl+C to stop.")
			err = eng.Run(ctx)
			log.Info("shutting down")
			return err
		},
	}
}

// oneShot builds the engine and returns the collector named by args.
func oneShot(args []string) (*engine.Engine, *collector.Collector, *zap.Logger, error) {
	p, err := portalArg(args)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, log, buf, err := setup(false)
	if err != nil {
		return nil, nil, nil, err
	}
	eng, err := engine.New(cfg, log, buf)
	if err != nil {
		return nil, nil, nil, err
	}
	c, ok := eng.Collector(p)
	if !ok {
		eng.Close()
		return nil, nil, nil, fmt.Errorf("portal %s is disabled in the config", p)
	}
	return eng, c, log, nil
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <eg4|srp|enphase>",
		Short: "Read data once from a portal",
		Long:  "Log in to the portal, extract one reading and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, c, log, err := oneShot(args)
			if err != nil {
				return err
			}
			defer eng.Close()
			defer func() { _ = log.Sync() }()

			ctx, stop := signalContext()
			defer stop()

			r, err := c.ReadOnce(ctx)
			if err != nil {
				return fmt.Errorf("failed to read data: %w", err)
			}

			output, _ := json.MarshalIndent(r, "", "  ")
			fmt.Println(string(output))
			if !r.IsValid() {
				return fmt.Errorf("reading failed validation")
			}
			return nil
		},
	}
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <eg4|srp|enphase>",
		Short: "Test the login to a portal",
		Long:  "Launch the browser and log in with the configured credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, c, log, err := oneShot(args)
			if err != nil {
				return err
			}
			defer eng.Close()
			defer func() { _ = log.Sync() }()

			ctx, stop := signalContext()
			defer stop()

			fmt.Printf("Testing login to %s...\n", c.Portal())
			if err := c.CheckLogin(ctx); err != nil {
				fmt.Printf("Login FAILED: %v\n", err)
				return err
			}
			fmt.Println("Login SUCCESS!")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Apply the retention policy once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, buf, err := setup(false)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			eng, err := engine.New(cfg, log, buf)
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.Sweep()
			if err != nil {
				return err
			}
			fmt.Printf("Deleted:\n")
			fmt.Printf("  Inverter samples: %d\n", res.InverterSamples)
			fmt.Printf("  Solar readings:   %d\n", res.SolarReadings)
			fmt.Printf("  Info events:      %d\n", res.InfoEvents)
			fmt.Printf("  Error events:     %d\n", res.ErrorEvents)
			fmt.Printf("  Alert events:     %d\n", res.AlertEvents)
			return nil
		},
	}
}
