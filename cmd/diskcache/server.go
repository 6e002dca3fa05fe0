package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"

	"github.com/KevoDB/diskcache/pkg/common/log"
)

// AdminServer serves health, region statistics and metrics over HTTP.
type AdminServer struct {
	app     *fiber.App
	addr    string
	regions *regionSet
	logger  log.Logger
}

// NewAdminServer creates the admin server. metrics may be nil when telemetry
// has no HTTP exporter.
func NewAdminServer(addr string, regions *regionSet, metrics http.Handler, logger log.Logger) *AdminServer {
	s := &AdminServer{
		app: fiber.New(fiber.Config{
			CaseSensitive: true,
			AppName:       "diskcache",
		}),
		addr:    addr,
		regions: regions,
		logger:  logger.WithField("component", "admin"),
	}

	s.app.Use(recover.New())
	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/regions", s.handleRegions)
	s.app.Get("/regions/:name/stats", s.handleRegionStats)
	if metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(metrics))
	}
	return s
}

func (s *AdminServer) handleHealth(c fiber.Ctx) error {
	if !s.regions.Alive() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *AdminServer) handleRegions(c fiber.Ctx) error {
	names := s.regions.Names()
	out := make([]fiber.Map, 0, len(names))
	for _, name := range names {
		region, ok := s.regions.Get(name)
		if !ok {
			continue
		}
		out = append(out, fiber.Map{
			"name":  name,
			"state": region.State().String(),
			"keys":  region.Size(),
		})
	}
	return c.JSON(fiber.Map{"regions": out})
}

func (s *AdminServer) handleRegionStats(c fiber.Ctx) error {
	region, ok := s.regions.Get(c.Params("name"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "region_not_found"})
	}
	return c.JSON(region.GetStats())
}

// Start begins serving in the background.
func (s *AdminServer) Start() {
	go func() {
		if err := s.app.Listen(s.addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
			s.logger.Error("Admin server stopped: %v", err)
		}
	}()
	s.logger.Info("Admin server listening on %s", s.addr)
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("failed to stop admin server: %w", err)
	}
	return nil
}
