package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"screenmesh/internal/core/domain"
	"screenmesh/internal/core/ports"
	"screenmesh/internal/infrastructure/media"
)

// Dialer connects to a new peer by address. The transport endpoint
// satisfies it.
type Dialer interface {
	Dial(ctx context.Context, addr string) (ports.PeerLink, error)
}

// StatusHandler exposes the local control surface: peer and share listings,
// share/watch commands, render stats, and the event feed. It stands between
// an external UI and the session core.
type StatusHandler struct {
	sessions ports.SessionService
	registry ports.Registry
	dialer   Dialer
	renderer *media.StatsRenderer
	hub      *EventHub
}

func NewStatusHandler(
	sessions ports.SessionService,
	registry ports.Registry,
	dialer Dialer,
	renderer *media.StatsRenderer,
	hub *EventHub,
) *StatusHandler {
	return &StatusHandler{
		sessions: sessions,
		registry: registry,
		dialer:   dialer,
		renderer: renderer,
		hub:      hub,
	}
}

func (h *StatusHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", gin.WrapF(h.hub.HandleWebSocket))

	api := router.Group("/api/v1")
	{
		api.GET("/peers", h.ListPeers)
		api.POST("/peers", h.ConnectPeer)
		api.GET("/shares", h.ListShares)
		api.POST("/shares", h.StartShare)
		api.DELETE("/shares/:display", h.StopShare)
		api.POST("/shares/:peer/:display/watch", h.Watch)
		api.DELETE("/shares/:peer/:display/watch", h.StopWatching)
		api.GET("/stats", h.Stats)
		api.POST("/chat", h.SendChat)
	}
}

func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *StatusHandler) ListPeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": h.registry.List()})
}

func (h *StatusHandler) ConnectPeer(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	link, err := h.dialer.Dial(c.Request.Context(), req.Address)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, domain.ErrVersionMismatch), errors.Is(err, domain.ErrIdentityConflict):
			status = http.StatusConflict
		case errors.Is(err, domain.ErrDialTimeout):
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"peer": link.Status()})
}

func (h *StatusHandler) ListShares(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"local":         h.sessions.LocalShares(),
		"remote":        h.sessions.RemoteOffers(),
		"subscriptions": h.sessions.Subscriptions(),
	})
}

func (h *StatusHandler) StartShare(c *gin.Context) {
	var req struct {
		DisplayID *uint32 `json:"display_id" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	display := domain.DisplayID(*req.DisplayID)
	if err := h.sessions.StartShare(c.Request.Context(), display); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrNoSuchShare):
			status = http.StatusNotFound
		case errors.Is(err, domain.ErrSessionState):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"display_id": display})
}

func (h *StatusHandler) StopShare(c *gin.Context) {
	display, ok := parseDisplay(c, "display")
	if !ok {
		return
	}

	if err := h.sessions.StopShare(display); err != nil {
		if errors.Is(err, domain.ErrNoSuchShare) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"display_id": display})
}

func (h *StatusHandler) Watch(c *gin.Context) {
	peer := domain.PeerID(c.Param("peer"))
	display, ok := parseDisplay(c, "display")
	if !ok {
		return
	}

	var req struct {
		FPS uint8 `json:"fps"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := h.sessions.Watch(peer, display, req.FPS); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrPeerNotFound), errors.Is(err, domain.ErrNoSuchShare):
			status = http.StatusNotFound
		case errors.Is(err, domain.ErrSessionState):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"sharer": peer, "display_id": display})
}

func (h *StatusHandler) StopWatching(c *gin.Context) {
	peer := domain.PeerID(c.Param("peer"))
	display, ok := parseDisplay(c, "display")
	if !ok {
		return
	}

	if err := h.sessions.StopWatching(peer, display); err != nil {
		if errors.Is(err, domain.ErrNoSuchShare) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sharer": peer, "display_id": display})
}

func (h *StatusHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"peers":  len(h.registry.List()),
		"render": h.renderer.Snapshot(),
	})
}

func (h *StatusHandler) SendChat(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required,max=4096"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	failures := gin.H{}
	for id, err := range h.sessions.SendChat(req.Content) {
		if err != nil {
			failures[string(id)] = err.Error()
		}
	}
	c.JSON(http.StatusOK, gin.H{"failures": failures})
}

func parseDisplay(c *gin.Context, param string) (domain.DisplayID, bool) {
	raw, err := strconv.ParseUint(c.Param(param), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid display id"})
		return 0, false
	}
	return domain.DisplayID(raw), true
}
