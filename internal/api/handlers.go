package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	apperrors "github.com/mpalomar/dosewatch/internal/errors"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": s.config.Patient.ID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(7 * 24 * time.Hour).Unix(),
	})

	tokenString, err := token.SignedString([]byte(s.config.Security.JWTSecret))
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to generate token"})
	}

	return c.JSON(fiber.Map{"token": tokenString})
}

func (s *Server) handleGetAlarm(c *fiber.Ctx) error {
	session := s.supervisor.Active()
	if session == nil {
		return errorResponse(c, apperrors.ErrNoActiveSession)
	}
	return c.JSON(session.Snapshot())
}

func (s *Server) handleConfirm(c *fiber.Ctx) error {
	session := s.supervisor.Active()
	if session == nil {
		return errorResponse(c, apperrors.ErrNoActiveSession)
	}

	points, err := session.Confirm(c.Context())
	if err != nil {
		s.logger.Warn("Confirm via API failed", zap.Error(err))
		return errorResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"points_awarded": points,
		"session":        session.Snapshot(),
	})
}

func (s *Server) handleDismiss(c *fiber.Ctx) error {
	session := s.supervisor.Active()
	if session == nil {
		return errorResponse(c, apperrors.ErrNoActiveSession)
	}

	var req struct {
		Confirmed bool `json:"confirmed"`
	}
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}

	if err := session.Dismiss(req.Confirmed); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(session.Snapshot())
}

func (s *Server) handleListSchedules(c *fiber.Ctx) error {
	schedules, err := s.store.CachedSchedules(s.config.Patient.ID)
	if err != nil {
		s.logger.Error("Failed to read cached schedules", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to read schedules"})
	}
	return c.JSON(schedules)
}

func (s *Server) handleListReminders(c *fiber.Ctx) error {
	return c.JSON(s.scheduler.Armed())
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	events, err := s.store.ListDoseEvents(limit, offset)
	if err != nil {
		s.logger.Error("Failed to list dose events", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to list history"})
	}
	total, err := s.store.CountDoseEvents("")
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to count history"})
	}

	return c.JSON(fiber.Map{
		"events": events,
		"total":  total,
	})
}

func (s *Server) handleSyncNow(c *fiber.Ctx) error {
	if s.syncer == nil {
		return c.Status(503).JSON(fiber.Map{"error": "sync task disabled"})
	}
	s.syncer.SyncNow()
	return c.SendStatus(202)
}

// alarmWebSocket streams the active session snapshot once a second so a
// remote surface can render the countdown without polling. Sends
// {"active":false} while no session exists.
func (s *Server) alarmWebSocket() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		defer c.Close()

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for range ticker.C {
			var err error
			if session := s.supervisor.Active(); session != nil {
				err = c.WriteJSON(fiber.Map{"active": true, "session": session.Snapshot()})
			} else {
				err = c.WriteJSON(fiber.Map{"active": false})
			}
			if err != nil {
				return
			}
		}
	})
}
