package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/firestand/internal/config"
	"github.com/firestand/internal/controller"
	"github.com/firestand/internal/gpio"
	"github.com/firestand/internal/logging"
	"github.com/firestand/internal/metrics"
	"github.com/firestand/internal/status"
	"github.com/firestand/internal/telemetry"
	"github.com/firestand/internal/worker"
)

var (
	configPath string
	nodeID     string

	rootCmd = &cobra.Command{
		Use:   "firestand",
		Short: "Relay command and control for a static-fire test stand",
		Long: `firestand runs the controller that accepts operator commands and drives
relays on the stand, or the worker agent that drives one worker node's relays.`,
		SilenceUsage: true,
	}

	controllerCmd = &cobra.Command{
		Use:   "controller",
		Short: "Run the controller node",
		Args:  cobra.NoArgs,
		RunE:  runController,
	}

	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run a worker node agent",
		Args:  cobra.NoArgs,
		RunE:  runWorker,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the switch map",
		Args:  cobra.NoArgs,
		RunE:  runCheck,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the stand configuration (default config/default.yaml)")
	workerCmd.Flags().StringVar(&nodeID, "node", "", "id of the worker node to run")
	_ = workerCmd.MarkFlagRequired("node")

	rootCmd.AddCommand(controllerCmd, workerCmd, checkCmd)
}

func setup(component string) (*config.Config, zerolog.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	logger, closer := logging.New(cfg.Logging)
	return cfg, logging.Component(logger, component), func() { _ = closer.Close() }, nil
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, log, done, err := setup("controller")
	if err != nil {
		return err
	}
	defer done()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	driver, err := gpio.Open(cfg.GPIO)
	if err != nil {
		return fmt.Errorf("failed to open gpio: %w", err)
	}

	var sink telemetry.Sink = telemetry.Nop{}
	if cfg.Telemetry.Enabled {
		influx := telemetry.NewInflux(cfg.Telemetry, logging.Component(log, "telemetry"), m)
		defer influx.Close()
		sink = influx
	}

	server := controller.New(cfg, driver, sink, log, m)
	if err := server.Listen(); err != nil {
		_ = server.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Listen.StatusPort > 0 {
		statusServer := status.NewServer(cfg.Listen.StatusPort, server, reg, logging.Component(log, "status"))
		g.Go(statusServer.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return statusServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		err := server.Run(gctx)
		// The controller's exit ends the process, console disconnect included.
		stop()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("controller stopped")
		return err
	}
	log.Info().Msg("controller stopped")
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, log, done, err := setup("worker")
	if err != nil {
		return err
	}
	defer done()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := gpio.Open(cfg.GPIO)
	if err != nil {
		return fmt.Errorf("failed to open gpio: %w", err)
	}
	defer driver.Close()

	agent, err := worker.New(cfg, nodeID, driver, log)
	if err != nil {
		return err
	}

	log.Info().Str("node", nodeID).Str("controller", cfg.ControllerAddress).Msg("worker starting")
	return agent.Run(ctx)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "console %s, listening on :%d\n", cfg.Console.IP, cfg.Listen.Port)
	for _, line := range describe(cfg) {
		fmt.Fprintln(out, line)
	}
	return nil
}
