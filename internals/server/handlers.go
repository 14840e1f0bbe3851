package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/adityaadpandey/plaza-relay/internals/presence"
	"github.com/adityaadpandey/plaza-relay/internals/registry"
	"github.com/adityaadpandey/plaza-relay/internals/relay"
	"github.com/adityaadpandey/plaza-relay/internals/signaling"
	"github.com/adityaadpandey/plaza-relay/internals/utils"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// --- WebSocket ---

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	limits := s.config.Limits
	conn := signaling.NewConn(utils.NewConnectionID(), ws, signaling.ConnOptions{
		ReadLimit:    limits.WSReadLimit,
		WriteTimeout: limits.WSWriteTimeout,
		PongTimeout:  limits.WSPongTimeout,
		PingInterval: limits.WSPingInterval,
		SendBuffer:   limits.SendBuffer,
	}, s.logger, s.metrics)

	reg, err := s.conns.Connect(conn.ID, conn)
	if err != nil {
		s.logger.Error("Failed to register connection", zap.Error(err))
		ws.Close()
		return
	}
	reg.OnClose(conn.Close)

	limiter := &connLimiter{
		presence: rate.NewLimiter(rate.Limit(limits.RateLimitPerSec), limits.RateLimitBurst),
		signal:   rate.NewLimiter(rate.Limit(limits.SignalRateLimitPerSec), limits.SignalRateLimitBurst),
	}
	conn.OnMessage = func(c *signaling.Conn, msg signaling.Message) {
		s.handleMessage(reg, c, limiter, msg)
	}
	conn.OnDisconnect = func(*signaling.Conn) {
		reg.Close()
	}

	welcome, err := signaling.NewMessage(signaling.EventWelcome, signaling.WelcomePayload{ID: conn.ID})
	if err == nil {
		conn.Send(welcome)
	}

	s.logger.Info("Client connected",
		zap.String("connID", conn.ID),
		zap.String("remoteAddr", conn.RemoteAddr),
	)

	go conn.WritePump()
	go conn.ReadPump()
}

// --- Client events ---

// connLimiter keeps signaling out of the presence budget.
type connLimiter struct {
	presence *rate.Limiter
	signal   *rate.Limiter
}

func (l *connLimiter) allow(t signaling.EventType) bool {
	if t.IsSignal() {
		return l.signal.Allow()
	}
	return l.presence.Allow()
}

func (s *Server) handleMessage(reg *registry.Registration, c *signaling.Conn, limiter *connLimiter, msg signaling.Message) {
	s.metrics.RecordEvent(string(msg.Type))

	if !limiter.allow(msg.Type) {
		s.metrics.RecordRateLimited()
		c.SendError(http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	switch {
	case msg.Type == signaling.EventJoinRoom:
		s.handleJoin(reg, c, msg)
	case msg.Type == signaling.EventLeaveRoom:
		s.presence.Leave(reg.Context(), c.ID)
	case msg.Type == signaling.EventMove:
		s.handleMove(reg, c, msg)
	case msg.Type.IsSignal():
		s.handleSignal(c, msg)
	default:
		s.logger.Debug("Unknown message type", zap.String("type", string(msg.Type)))
	}
}

func (s *Server) handleJoin(reg *registry.Registration, c *signaling.Conn, msg signaling.Message) {
	var join signaling.JoinRoomPayload
	if err := signaling.DecodeData(msg.Data, &join); err != nil {
		c.SendError(http.StatusBadRequest, "Invalid join-room message format")
		return
	}
	if err := utils.ValidateID(join.RoomID, s.config.Limits.MaxRoomIDLength, "roomId"); err != nil {
		c.SendError(http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.presence.Join(reg.Context(), c.ID, join.RoomID); err != nil {
		if errors.Is(err, presence.ErrNotConnected) {
			return
		}
		s.logger.Error("Failed to join room",
			zap.String("connID", c.ID),
			zap.String("roomID", join.RoomID),
			zap.Error(err),
		)
		c.SendError(http.StatusInternalServerError, "Failed to join room")
	}
}

func (s *Server) handleMove(reg *registry.Registration, c *signaling.Conn, msg signaling.Message) {
	var move signaling.MovePayload
	if err := signaling.DecodeData(msg.Data, &move); err != nil {
		c.SendError(http.StatusBadRequest, "Invalid move message format")
		return
	}
	if !finite(move.X) || !finite(move.Y) {
		c.SendError(http.StatusBadRequest, "Invalid coordinates")
		return
	}

	if err := s.presence.Move(reg.Context(), c.ID, move.X, move.Y); err != nil {
		s.logger.Warn("Failed to apply move", zap.String("connID", c.ID), zap.Error(err))
	}
}

func (s *Server) handleSignal(c *signaling.Conn, msg signaling.Message) {
	if _, err := s.relay.Forward(msg.Type, c.ID, msg.Data); err != nil {
		if errors.Is(err, relay.ErrMissingTarget) {
			c.SendError(http.StatusBadRequest, "Missing target")
			return
		}
		s.logger.Warn("Failed to relay signal", zap.String("connID", c.ID), zap.Error(err))
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// --- REST ---

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Rooms())
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	members, err := s.store.Members(r.Context(), roomID)
	if err != nil {
		s.logger.Error("Failed to list room members", zap.String("roomID", roomID), zap.Error(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if members == nil {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           roomID,
		"participants": members,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "connected"
		if err := s.redis.Ping(r.Context()); err != nil {
			redisStatus = "error: " + err.Error()
		}
	}

	status := "healthy"
	if redisStatus != "connected" && redisStatus != "disabled" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"timestamp":   time.Now(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"redis":       redisStatus,
		"rooms":       s.store.Len(),
		"connections": s.conns.Count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
