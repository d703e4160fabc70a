// Package server provides the HTTP server for the densitometer daemon
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/dkonigsberg/printalyzer-densitometer/internal/config"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/densitometer"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/health"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/sensor"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/settings"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/slope"
)

// Server is the HTTP server for the densitometer daemon
type Server struct {
	app       *fiber.App
	cfg       config.ServerConfig
	dens      *densitometer.Densitometer
	store     settings.Store
	checker   *health.Checker
	logger    *slog.Logger
	wsHub     *WSHub
	startTime time.Time
	version   string

	// busy guards the measurement hardware so a second request gets
	// an immediate conflict instead of queueing behind a long
	// calibration
	busy atomic.Bool

	measureCount atomic.Int64
	errorCount   atomic.Int64
}

// New creates a new HTTP server
func New(cfg config.ServerConfig, dens *densitometer.Densitometer, store settings.Store,
	checker *health.Checker, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	app := fiber.New(fiber.Config{
		AppName:               "densitometer",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	s := &Server{
		app:       app,
		cfg:       cfg,
		dens:      dens,
		store:     store,
		checker:   checker,
		logger:    logger,
		wsHub:     NewWSHub(dens, logger),
		startTime: time.Now(),
		version:   version,
	}

	// Register routes
	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	// Health check
	s.app.Get("/health", s.healthHandler)

	// Metrics endpoint
	s.app.Get("/metrics", s.metricsHandler)

	api := s.app.Group("/api")

	// Measurement API
	measurements := api.Group("/measurements")
	measurements.Post("/reflection", s.measureHandler(densitometer.ModeReflection))
	measurements.Post("/transmission", s.measureHandler(densitometer.ModeTransmission))
	measurements.Get("/:mode/last", s.lastMeasurementHandler)
	measurements.Get("/stream", s.wsHub.UpgradeHandler())

	// Calibration API
	cal := api.Group("/calibration")
	cal.Get("/", s.calibrationHandler)
	cal.Post("/gain", s.gainCalHandler)
	cal.Get("/gain/stream", s.wsHub.UpgradeHandler())
	cal.Post("/reflection/lo", s.calPointHandler(s.dens.CalibrateReflectionLo))
	cal.Post("/reflection/hi", s.calPointHandler(s.dens.CalibrateReflectionHi))
	cal.Post("/transmission/zero", s.calZeroHandler)
	cal.Post("/transmission/hi", s.calPointHandler(s.dens.CalibrateTransmissionHi))
	cal.Post("/slope", s.slopeFitHandler)

	// Config endpoint
	api.Get("/config", s.configHandler)
}

// acquire claims the measurement hardware for one request.
func (s *Server) acquire(c *fiber.Ctx) bool {
	if !s.busy.CompareAndSwap(false, true) {
		c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "measurement in progress",
		})
		return false
	}
	return true
}

// errorStatus maps the sensor error taxonomy onto HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, sensor.ErrParameter):
		return fiber.StatusBadRequest
	case errors.Is(err, sensor.ErrCalibration):
		return fiber.StatusPreconditionFailed
	case errors.Is(err, sensor.ErrCancelled):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

// healthHandler returns service health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	status := s.checker.GetStatus()

	code := fiber.StatusOK
	if status.Status == "unhealthy" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(status)
}

// measureHandler runs a density measurement in the requested mode
func (s *Server) measureHandler(mode densitometer.Mode) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !s.acquire(c) {
			return nil
		}
		defer s.busy.Store(false)

		var m densitometer.Measurement
		var err error
		switch mode {
		case densitometer.ModeReflection:
			m, err = s.dens.MeasureReflection(nil)
		case densitometer.ModeTransmission:
			m, err = s.dens.MeasureTransmission(nil)
		}

		if err != nil {
			s.errorCount.Add(1)
			return c.Status(errorStatus(err)).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		s.measureCount.Add(1)
		return c.JSON(m)
	}
}

// lastMeasurementHandler returns the most recent measurement for a mode
func (s *Server) lastMeasurementHandler(c *fiber.Ctx) error {
	mode := densitometer.Mode(c.Params("mode"))
	if mode != densitometer.ModeReflection && mode != densitometer.ModeTransmission {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("unknown mode %q", mode),
		})
	}

	m, ok := s.dens.Last(mode)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no measurement yet",
		})
	}
	return c.JSON(m)
}

// calibrationHandler dumps the stored calibration state
func (s *Server) calibrationHandler(c *fiber.Ctx) error {
	out := fiber.Map{}

	if gain, ok := s.store.GainCalibration(); ok {
		out["gain"] = gain
	}
	if light, ok := s.store.LightCalibration(); ok {
		out["light"] = light
	}
	if refl, ok := s.store.ReflectionCalibration(); ok {
		out["reflection"] = refl
	}
	if trans, ok := s.store.TransmissionCalibration(); ok {
		out["transmission"] = trans
	}
	if sl, ok := s.store.SlopeCalibration(); ok {
		out["slope"] = sl
	}

	return c.JSON(out)
}

// gainCalHandler starts the gain calibration procedure. It runs in
// the background with progress broadcast over the WebSocket stream;
// the request returns as soon as the procedure is accepted.
func (s *Server) gainCalHandler(c *fiber.Ctx) error {
	if !s.acquire(c) {
		return nil
	}

	go func() {
		defer s.busy.Store(false)

		obs := sensor.GainCalObserverFunc(func(stage sensor.GainCalStage, param int) bool {
			s.wsHub.BroadcastGainCal(stage, param)
			return true
		})

		if err := s.dens.CalibrateGain(obs); err != nil {
			s.errorCount.Add(1)
			s.logger.Error("gain calibration failed", "error", err)
			return
		}
		s.logger.Info("gain calibration complete")
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "started",
	})
}

// calPointHandler captures one point calibration at a known density
func (s *Server) calPointHandler(calibrate func(density float64) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			Density float64 `json:"density"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}

		if !s.acquire(c) {
			return nil
		}
		defer s.busy.Store(false)

		if err := calibrate(req.Density); err != nil {
			s.errorCount.Add(1)
			return c.Status(errorStatus(err)).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	}
}

// calZeroHandler captures the transmission zero reference
func (s *Server) calZeroHandler(c *fiber.Ctx) error {
	if !s.acquire(c) {
		return nil
	}
	defer s.busy.Store(false)

	if err := s.dens.CalibrateTransmissionZero(); err != nil {
		s.errorCount.Add(1)
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// slopeFitHandler fits the slope-correction curve from step wedge
// samples and persists the result
func (s *Server) slopeFitHandler(c *fiber.Ctx) error {
	var req struct {
		Samples []slope.Sample `json:"samples"`
		Text    string         `json:"text"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	samples := req.Samples
	if len(samples) == 0 && req.Text != "" {
		var err error
		samples, err = slope.ParseSamples(req.Text)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
	}

	cal, err := slope.Fit(samples)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if err := s.store.SetSlopeCalibration(cal); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	s.logger.Info("slope calibration saved", "b0", cal.B0, "b1", cal.B1, "b2", cal.B2)
	return c.JSON(cal)
}

// configHandler returns current configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"server": fiber.Map{
			"port":             s.cfg.Port,
			"read_timeout_ms":  s.cfg.ReadTimeout.Milliseconds(),
			"write_timeout_ms": s.cfg.WriteTimeout.Milliseconds(),
		},
	})
}

// metricsHandler returns Prometheus-format metrics
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	lastRefl, hasRefl := s.dens.Last(densitometer.ModeReflection)
	lastTrans, hasTrans := s.dens.Last(densitometer.ModeTransmission)

	metrics := fmt.Sprintf(`# HELP densitometer_measure_count Total completed measurements
# TYPE densitometer_measure_count counter
densitometer_measure_count %d

# HELP densitometer_error_count Total failed hardware operations
# TYPE densitometer_error_count counter
densitometer_error_count %d

# HELP densitometer_busy Hardware busy state (1=busy, 0=idle)
# TYPE densitometer_busy gauge
densitometer_busy %d

# HELP densitometer_uptime_seconds Server uptime in seconds
# TYPE densitometer_uptime_seconds gauge
densitometer_uptime_seconds %d

# HELP densitometer_websocket_clients Current WebSocket client count
# TYPE densitometer_websocket_clients gauge
densitometer_websocket_clients %d
`,
		s.measureCount.Load(),
		s.errorCount.Load(),
		boolToInt(s.busy.Load()),
		int64(time.Since(s.startTime).Seconds()),
		s.wsHub.ClientCount(),
	)

	if hasRefl {
		metrics += fmt.Sprintf(`
# HELP densitometer_reflection_density Last measured reflection density
# TYPE densitometer_reflection_density gauge
densitometer_reflection_density %f
`, lastRefl.Density)
	}
	if hasTrans {
		metrics += fmt.Sprintf(`
# HELP densitometer_transmission_density Last measured transmission density
# TYPE densitometer_transmission_density gauge
densitometer_transmission_density %f
`, lastTrans.Density)
	}

	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(metrics)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Port))
}

// WSHub returns the WebSocket hub for external control
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// App exposes the underlying Fiber app for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close WebSocket hub
	s.wsHub.Close()

	// Shutdown Fiber with timeout from context
	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
