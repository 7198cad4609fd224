package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cadenza-live/linkplay/internal/v1/engine"
	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/metrics"
	"github.com/cadenza-live/linkplay/internal/v1/room"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

func adminError(c *gin.Context, action string, err error) {
	metrics.AdminActions.WithLabelValues(action, "error").Inc()
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, room.ErrRoomNotFound), errors.Is(err, engine.ErrPlayerNotInRoom):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidArgument):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func adminOK(c *gin.Context, action string, body gin.H) {
	metrics.AdminActions.WithLabelValues(action, "ok").Inc()
	if body == nil {
		body = gin.H{"ok": true}
	}
	c.JSON(http.StatusOK, body)
}

func roomParam(c *gin.Context) types.RoomIDType {
	return types.RoomIDType(c.Param("id"))
}

func (s *Server) handleKick(c *gin.Context) {
	var req struct {
		UserID types.UserIDType `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId required"})
		return
	}
	if err := s.engine.KickPlayer(c.Request.Context(), roomParam(c), req.UserID); err != nil {
		adminError(c, "kick", err)
		return
	}
	logging.Info(c.Request.Context(), "admin kicked player",
		zap.String("room_id", c.Param("id")), zap.Int32("user_id", int32(req.UserID)))
	adminOK(c, "kick", nil)
}

func (s *Server) handleForceStart(c *gin.Context) {
	if err := s.engine.ForceStart(c.Request.Context(), roomParam(c)); err != nil {
		adminError(c, "force_start", err)
		return
	}
	adminOK(c, "force_start", nil)
}

func (s *Server) handleToggleLock(c *gin.Context) {
	locked, err := s.engine.ToggleLock(c.Request.Context(), roomParam(c))
	if err != nil {
		adminError(c, "toggle_lock", err)
		return
	}
	adminOK(c, "toggle_lock", gin.H{"locked": locked})
}

func (s *Server) handleToggleCycle(c *gin.Context) {
	cycle, err := s.engine.ToggleMode(c.Request.Context(), roomParam(c))
	if err != nil {
		adminError(c, "toggle_cycle", err)
		return
	}
	adminOK(c, "toggle_cycle", gin.H{"cycle": cycle})
}

func (s *Server) handleSetMaxPlayers(c *gin.Context) {
	var req struct {
		Max int `json:"max" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max required"})
		return
	}
	if err := s.engine.SetMaxPlayers(c.Request.Context(), roomParam(c), req.Max); err != nil {
		adminError(c, "set_max_players", err)
		return
	}
	adminOK(c, "set_max_players", gin.H{"max": req.Max})
}

func (s *Server) handleCloseRoom(c *gin.Context) {
	if err := s.engine.CloseRoom(c.Request.Context(), roomParam(c)); err != nil {
		adminError(c, "close_room", err)
		return
	}
	logging.Info(c.Request.Context(), "admin closed room", zap.String("room_id", c.Param("id")))
	adminOK(c, "close_room", nil)
}

func (s *Server) handleServerMessage(c *gin.Context) {
	var req struct {
		RoomID types.RoomIDType `json:"roomId"`
		Text   string           `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text required"})
		return
	}
	if err := s.engine.SendServerMessage(c.Request.Context(), req.RoomID, req.Text); err != nil {
		adminError(c, "server_message", err)
		return
	}
	adminOK(c, "server_message", nil)
}

// Ban management

type banRequest struct {
	UserID    types.UserIDType `json:"userId"`
	IP        string           `json:"ip"`
	Reason    string           `json:"reason"`
	AdminName string           `json:"adminName"`
	ExpiresAt *int64           `json:"expiresAt"` // unix ms, nil = permanent
}

func (s *Server) handleListBans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ids": s.bans.ListIDBans(),
		"ips": s.bans.ListIPBans(),
	})
}

func (s *Server) handleBanID(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId required"})
		return
	}
	if err := s.bans.BanID(int32(req.UserID), req.Reason, req.AdminName, req.ExpiresAt); err != nil {
		adminError(c, "ban_id", err)
		return
	}
	// An online banned user is disconnected immediately.
	s.engine.DisconnectUser(c.Request.Context(), req.UserID)
	logging.Info(c.Request.Context(), "admin banned user",
		zap.Int32("user_id", int32(req.UserID)), zap.String("reason", req.Reason))
	adminOK(c, "ban_id", nil)
}

func (s *Server) handleUnbanID(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("userId"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed user id"})
		return
	}
	if err := s.bans.UnbanID(int32(id)); err != nil {
		adminError(c, "unban_id", err)
		return
	}
	adminOK(c, "unban_id", nil)
}

func (s *Server) handleBanIP(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.IP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip required"})
		return
	}
	if err := s.bans.BanIP(req.IP, req.Reason, req.AdminName, req.ExpiresAt); err != nil {
		adminError(c, "ban_ip", err)
		return
	}
	logging.Info(c.Request.Context(), "admin banned ip",
		zap.String("ip", req.IP), zap.String("reason", req.Reason))
	adminOK(c, "ban_ip", nil)
}

func (s *Server) handleUnbanIP(c *gin.Context) {
	if err := s.bans.UnbanIP(c.Param("ip")); err != nil {
		adminError(c, "unban_ip", err)
		return
	}
	adminOK(c, "unban_ip", nil)
}
