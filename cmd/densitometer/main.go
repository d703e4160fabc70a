// densitometer: acquisition and calibration daemon for a film and
// print density measurement instrument
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dkonigsberg/printalyzer-densitometer/internal/config"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/densitometer"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/health"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/light"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/output"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/output/console"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/output/mqtt"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/sensor"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/server"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/settings"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/task"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/tsl2591"
)

var (
	version     = "1.0.0"
	configPath  = flag.String("config", "/etc/densitometer/config.yaml", "config file path")
	showVersion = flag.Bool("version", false, "print version and exit")
	debug       = flag.Bool("debug", false, "enable debug logging")
	useSim      = flag.Bool("sim", false, "use simulated hardware (for testing)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("densitometer %s\n", version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
		cfg = config.Default()
	}

	// Override log level if debug flag is set
	if *debug {
		cfg.Logging.Level = "debug"
	}

	// Setup logging
	logger := setupLogger(cfg.Logging)

	logger.Info("starting densitometer",
		"version", version,
		"config", *configPath,
		"port", cfg.Server.Port,
	)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := health.NewChecker(version)

	// Calibration persistence
	store, err := settings.NewFileStore(cfg.Settings.Path)
	if err != nil {
		logger.Error("failed to open settings store", "error", err)
		os.Exit(1)
	}

	// Initialize measurement hardware
	var drv sensor.Driver
	var leds sensor.Light
	var closeHardware func()

	if *useSim || cfg.Sensor.Simulated {
		logger.Info("using simulated hardware")
		simLight := sensor.NewSimLight()
		drv = sensor.NewSimDriver(simLight)
		leds = simLight
		closeHardware = func() {}
	} else {
		dev, err := tsl2591.New(cfg.Sensor.I2CBus, uint16(cfg.Sensor.I2CAddress), logger)
		if err != nil {
			logger.Error("failed to initialize light sensor", "error", err)
			os.Exit(1)
		}
		ctrl, err := light.New(cfg.Light.ReflectionPin, cfg.Light.TransmissionPin, logger)
		if err != nil {
			logger.Error("failed to initialize leds", "error", err)
			dev.Close()
			os.Exit(1)
		}
		drv = dev
		leds = ctrl
		closeHardware = func() {
			ctrl.Off()
			dev.Close()
		}
	}
	defer closeHardware()

	checker.SetComponent("sensor", true, true, "")
	checker.SetComponent("lights", true, true, "")

	engine, err := sensor.NewEngine(drv, leds, store, sensor.DefaultTiming(), logger)
	if err != nil {
		logger.Error("failed to create sensor engine", "error", err)
		os.Exit(1)
	}

	dens := densitometer.New(engine, store, logger)

	// Measurement sinks
	outputs := []output.Output{console.New()}
	if cfg.MQTT.BrokerURL != "" {
		mq, err := mqtt.New(cfg.MQTT)
		if err != nil {
			logger.Warn("mqtt output unavailable", "error", err)
			checker.SetComponent("mqtt", false, false, err.Error())
		} else {
			outputs = append(outputs, mq)
			checker.SetComponent("mqtt", true, false, "")
			defer mq.Close()
		}
	}

	// Create server
	srv := server.New(cfg.Server, dens, store, checker, logger, version)

	// Start subsystems one at a time
	orch := task.NewOrchestrator(logger)

	orch.Add(task.Func{
		TaskName: "publisher",
		RunFunc: func(ctx context.Context, ready func()) error {
			sub := dens.Subscribe()
			defer dens.Unsubscribe(sub)
			ready()
			for {
				select {
				case <-ctx.Done():
					return nil
				case m, ok := <-sub:
					if !ok {
						return nil
					}
					for _, out := range outputs {
						if err := out.Publish(m); err != nil {
							logger.Warn("publish failed", "error", err)
						}
					}
				}
			}
		},
	})

	orch.Add(task.Func{
		TaskName: "websocket-hub",
		RunFunc: func(ctx context.Context, ready func()) error {
			ready()
			srv.WSHub().Run(ctx)
			return nil
		},
	})

	orch.Add(task.Func{
		TaskName: "http-server",
		RunFunc: func(ctx context.Context, ready func()) error {
			ready()
			if err := srv.Start(); err != nil {
				cancel()
				return err
			}
			return nil
		},
	})

	if err := orch.Start(ctx); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	checker.SetComponent("server", true, false, "")

	// Print startup info
	printStartupBanner(cfg, version)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		cfg.Server.GracefulTimeout,
	)
	defer shutdownCancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	cancel()
	if err := orch.Wait(); err != nil {
		logger.Warn("task error during shutdown", "error", err)
	}

	logger.Info("densitometer stopped")
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("densitometer v" + version)
	fmt.Println()
	fmt.Printf("Running at http://0.0.0.0:%d\n", cfg.Server.Port)
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET  /health                          - Health check")
	fmt.Println("   POST /api/measurements/reflection     - Measure reflection density")
	fmt.Println("   POST /api/measurements/transmission   - Measure transmission density")
	fmt.Println("   WS   /api/measurements/stream         - Real-time measurement stream")
	fmt.Println("   GET  /api/calibration                 - Stored calibration state")
	fmt.Println("   POST /api/calibration/gain            - Run sensor gain calibration")
	fmt.Println("   GET  /metrics                         - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}
