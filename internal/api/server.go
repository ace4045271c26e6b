// Package api exposes the daemon's local HTTP surface: alarm state and
// actions, schedule and reminder introspection, dose history and metrics.
package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/mpalomar/dosewatch/internal/alarm"
	"github.com/mpalomar/dosewatch/internal/config"
	apperrors "github.com/mpalomar/dosewatch/internal/errors"
	"github.com/mpalomar/dosewatch/internal/metrics"
	"github.com/mpalomar/dosewatch/internal/reminder"
	"github.com/mpalomar/dosewatch/internal/store"
)

// SyncTrigger lets the API kick a sync outside the recurring cadence.
type SyncTrigger interface {
	SyncNow()
}

// Server handles the HTTP API and the alarm WebSocket.
type Server struct {
	app        *fiber.App
	config     *config.Config
	store      *store.Store
	supervisor *alarm.Supervisor
	scheduler  *reminder.Scheduler
	syncer     SyncTrigger
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// New creates the API server. syncer may be nil when the background task is
// disabled; the manual sync route then returns 503.
func New(cfg *config.Config, st *store.Store, sv *alarm.Supervisor, sched *reminder.Scheduler, sync SyncTrigger, m *metrics.Metrics, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:           120 * time.Second,
		DisableStartupMessage: true,
	})

	s := &Server{
		app:        app,
		config:     cfg,
		store:      st,
		supervisor: sv,
		scheduler:  sched,
		syncer:     sync,
		metrics:    m,
		logger:     logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(s.config.Security.AllowOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	s.app.Get("/api/health", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))

	api := s.app.Group("/api")
	api.Post("/auth/login", s.handleLogin)

	v1 := api.Group("/v1", s.authMiddleware())
	v1.Get("/alarm", s.handleGetAlarm)
	v1.Post("/alarm/confirm", s.handleConfirm)
	v1.Post("/alarm/dismiss", s.handleDismiss)
	v1.Get("/schedules", s.handleListSchedules)
	v1.Get("/reminders", s.handleListReminders)
	v1.Get("/history", s.handleHistory)
	v1.Post("/sync", s.handleSyncNow)

	s.app.Get("/ws/alarm", s.alarmWebSocket())
}

// Start starts the server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber app for in-process request tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) authMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		auth := c.Get("Authorization")
		if auth == "" {
			return c.Status(401).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenString := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(s.config.Security.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			return c.Status(401).JSON(fiber.Map{"error": "invalid token"})
		}

		return c.Next()
	}
}

// errorResponse maps the error taxonomy onto HTTP statuses so clients can
// distinguish "no alarm" from "alarm already handled" from actual failures.
func errorResponse(c *fiber.Ctx, err error) error {
	status := 500
	switch apperrors.GetCode(err) {
	case apperrors.ErrNoActiveSession.Code:
		status = 404
	case apperrors.ErrWrongState.Code,
		apperrors.ErrDismissalUnconfirmed.Code,
		apperrors.ErrSessionOccupied.Code,
		apperrors.ErrAlreadyConfirmed.Code:
		status = 409
	case apperrors.ErrConfirmExpired.Code:
		status = 410
	case apperrors.ErrConfirmTransient.Code:
		status = 502
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
		"code":  apperrors.GetCode(err),
	})
}
