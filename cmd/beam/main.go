package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rzbill/beam/internal/cnc"
	cfgpkg "github.com/rzbill/beam/internal/config"
	"github.com/rzbill/beam/internal/counters"
	"github.com/rzbill/beam/internal/driver"
	logpkg "github.com/rzbill/beam/pkg/log"
)

var version = "dev"

func main() {
	logger := logpkg.FromEnv()
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "beam",
		Short: "Beam media driver CLI",
		Long:  "Beam is a shared-memory pub/sub media driver. This CLI runs the driver and inspects a running driver's directory.",
	}

	rootCmd.AddCommand(newDriverCommand(logger))
	rootCmd.AddCommand(newStatCommand())
	rootCmd.AddCommand(newLossCommand())
	rootCmd.AddCommand(newErrorsCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("beam", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newDriverCommand(logger logpkg.Logger) *cobra.Command {
	driverCmd := &cobra.Command{Use: "driver", Short: "Driver commands"}

	startCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the media driver",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			dir, _ := cmd.Flags().GetString("dir")
			threading, _ := cmd.Flags().GetString("threading")
			token, _ := cmd.Flags().GetString("termination-token")
			logLevel, _ := cmd.Flags().GetString("log-level")

			if logLevel != "" {
				if parsed, err := logpkg.ParseLevel(logLevel); err == nil {
					logger.SetLevel(parsed)
				}
			}

			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfgpkg.FromEnv(&cfg)
			if dir != "" {
				cfg.DirName = dir
			}
			if threading != "" {
				cfg.ThreadingMode = cfgpkg.ThreadingMode(threading)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			md, err := driver.Start(driver.MediaDriverOptions{
				Config:           cfg,
				Logger:           logger,
				TerminationToken: []byte(token),
				OnTerminate:      cancel,
			})
			if err != nil {
				return fmt.Errorf("start driver: %w", err)
			}

			<-ctx.Done()
			if err := md.Close(); err != nil {
				return err
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	startCmd.Flags().String("config", os.Getenv("BEAM_CONFIG"), "Config file (YAML or JSON)")
	startCmd.Flags().String("dir", os.Getenv("BEAM_DIR"), "Driver directory (default OS shared-memory path)")
	startCmd.Flags().String("threading", os.Getenv("BEAM_THREADING_MODE"), "Threading mode: shared|shared-network|dedicated")
	startCmd.Flags().String("termination-token", "", "Token accepted by the terminate-driver command (disabled when empty)")
	startCmd.Flags().String("log-level", os.Getenv("BEAM_LOG_LEVEL"), "Log level: debug|info|warn|error")
	driverCmd.AddCommand(startCmd)

	return driverCmd
}

func defaultDir() string {
	cfg := cfgpkg.Default()
	cfgpkg.FromEnv(&cfg)
	return cfg.DirName
}

func newStatCommand() *cobra.Command {
	statCmd := &cobra.Command{
		Use:   "stat",
		Short: "Dump counters from a running driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = defaultDir()
			}
			file, err := cnc.MapExisting(dir)
			if err != nil {
				return err
			}
			defer file.Close()

			table := counters.NewTable(file.CounterMetadata(), file.CounterValues(), 0, driver.EpochMs)
			fmt.Printf("driver pid %d, dir %s\n", file.PID(), dir)
			table.ForEach(func(id, typeID int32, label string, value int64) {
				fmt.Printf("%4d: %20d  %s\n", id, value, label)
			})
			return nil
		},
	}
	statCmd.Flags().String("dir", os.Getenv("BEAM_DIR"), "Driver directory")
	return statCmd
}

func newLossCommand() *cobra.Command {
	lossCmd := &cobra.Command{
		Use:   "loss",
		Short: "Print the loss report of a running driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = defaultDir()
			}
			file, err := cnc.MapExisting(dir)
			if err != nil {
				return err
			}
			defer file.Close()

			n := driver.ReadLossReport(file.LossReport(), func(obs driver.LossObservation) {
				fmt.Printf("session %d stream %d: %d observations, %d bytes lost, channel %s source %s\n",
					obs.SessionID, obs.StreamID, obs.ObservationCount, obs.TotalBytesLost, obs.Channel, obs.Source)
			})
			if n == 0 {
				fmt.Println("no loss recorded")
			}
			return nil
		},
	}
	lossCmd.Flags().String("dir", os.Getenv("BEAM_DIR"), "Driver directory")
	return lossCmd
}

func newErrorsCommand() *cobra.Command {
	errorsCmd := &cobra.Command{
		Use:   "errors",
		Short: "Print the distinct error log of a running driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = defaultDir()
			}
			file, err := cnc.MapExisting(dir)
			if err != nil {
				return err
			}
			defer file.Close()

			n := driver.ReadErrorLog(file.ErrorLog(), func(obs driver.ErrorObservation) {
				fmt.Printf("%d observations, first %s, last %s: %s\n",
					obs.ObservationCount,
					time.UnixMilli(obs.FirstMs).Format(time.RFC3339),
					time.UnixMilli(obs.LastMs).Format(time.RFC3339),
					obs.Message)
			})
			if n == 0 {
				fmt.Println("no errors recorded")
			}
			return nil
		},
	}
	errorsCmd.Flags().String("dir", os.Getenv("BEAM_DIR"), "Driver directory")
	return errorsCmd
}
