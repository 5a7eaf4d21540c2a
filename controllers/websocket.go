package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"attendance_go/middleware"
	"attendance_go/services/websocket"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

type WebSocketController struct {
	hub *websocket.Hub
}

func NewWebSocketController(hub *websocket.Hub) *WebSocketController {
	return &WebSocketController{hub: hub}
}

// checkDashboardToken validates the ?token= value of a dashboard handshake.
// On failure the claims are nil and the message is safe to return to the peer.
func checkDashboardToken(ctx context.Context, token string) (*middleware.Claims, string) {
	if token == "" {
		logrus.Warn("WebSocket connection rejected: missing token")
		return nil, "Missing token"
	}
	claims, err := middleware.Authenticate(ctx, token)
	if errors.Is(err, middleware.ErrTokenRevoked) {
		logrus.Warn("WebSocket connection rejected: revoked token")
		return nil, "Token has been revoked"
	}
	if err != nil {
		logrus.WithError(err).Warn("WebSocket connection rejected: invalid token")
		return nil, "Invalid token"
	}
	return claims, ""
}

// Upgrade rejects non-websocket requests and unauthenticated handshakes
// before the connection is upgraded.
func (wsc *WebSocketController) Upgrade(c *fiber.Ctx) error {
	if !fiberws.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error": "Use the WebSocket endpoint: ws://<host>/ws?token=YOUR_JWT",
		})
	}

	claims, message := checkDashboardToken(c.UserContext(), c.Query("token"))
	if claims == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": message})
	}
	c.Locals("claims", claims)
	return c.Next()
}

// WebSocketHandler attaches an upgraded connection to the dashboard hub.
func (wsc *WebSocketController) WebSocketHandler() fiber.Handler {
	return fiberws.New(func(c *fiberws.Conn) {
		claims, ok := c.Locals("claims").(*middleware.Claims)
		if !ok {
			c.WriteMessage(fiberws.CloseMessage, fiberws.FormatCloseMessage(fiberws.ClosePolicyViolation, "Missing token"))
			c.Close()
			return
		}
		wsc.hub.ServeFiberWS(c, claims.UserID)
	})
}

// HTTPHandler serves the dashboard stream on a plain net/http listener.
func (wsc *WebSocketController) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, message := checkDashboardToken(r.Context(), r.URL.Query().Get("token"))
		if claims == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(fiber.Map{"error": message})
			return
		}
		wsc.hub.ServeWS(w, r, claims.UserID)
	})
}

// GetWebSocketStats returns WebSocket connection statistics (admin only)
func (wsc *WebSocketController) GetWebSocketStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"connected_clients": wsc.hub.GetClientCount(),
		"status":            "active",
	})
}
