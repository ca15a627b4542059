package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/ragops/backend/internal/chat"
	"github.com/ragops/backend/internal/storage/models"
	"github.com/ragops/backend/internal/synthesis"
	"github.com/ragops/backend/pkg/logger"
)

type WebSocketHandler struct {
	engine *chat.Engine
}

func NewWebSocketHandler(engine *chat.Engine) *WebSocketHandler {
	return &WebSocketHandler{
		engine: engine,
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type      string `json:"type"`
			Message   string `json:"message"`
			SessionID string `json:"session_id"`
		}

		err := c.ReadJSON(&msg)
		if err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "chat" {
			continue
		}
		if msg.Message == "" {
			h.sendError(c, "Message is required")
			continue
		}

		logger.Info("Processing WebSocket chat turn", zap.String("session_id", msg.SessionID))

		err = h.streamTurn(c, msg.Message, msg.SessionID)
		if err != nil {
			logger.Error("Failed to stream turn", zap.Error(err))
			h.sendError(c, "Failed to process message")
		}
	}
}

// streamTurn forwards synthesis stream events to the socket one frame per
// event. One turn per inbound message; a broken turn is never resumed.
func (h *WebSocketHandler) streamTurn(c *websocket.Conn, message, sessionID string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := h.engine.StreamTurn(ctx, models.TurnRequest{
		SessionID: sessionID,
		Message:   message,
	})
	if err != nil {
		return err
	}

	for ev := range stream {
		if ev.Type == synthesis.StreamError && ev.Error == "" && ev.Err != nil {
			ev.Error = ev.Err.Error()
		}
		if err := c.WriteJSON(ev); err != nil {
			// Client went away; stop generating.
			cancel()
			return err
		}
	}

	return nil
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}
