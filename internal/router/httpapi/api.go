// Package httpapi exposes the media-routing operations over HTTP for the
// signaling gateway. Internal-only surface, authenticated with a shared
// secret.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/treble-chat/voice/internal/config"
	"github.com/treble-chat/voice/internal/domain"
	"github.com/treble-chat/voice/internal/router"
	"github.com/treble-chat/voice/internal/router/engine"
)

const secretHeader = "X-Router-Secret"

func SecretMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" || c.GetHeader(secretHeader) != secret {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func SetupRouter(cfg *config.Router, reg *router.Registry) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": reg.Snapshot()})
	})

	api := r.Group("/", SecretMiddleware(cfg.Secret))
	h := &handlers{reg: reg}
	api.PUT("/rooms/:room", h.createRoom)
	api.DELETE("/rooms/:room", h.closeRoom)
	api.POST("/rooms/:room/transports", h.createTransport)
	api.POST("/rooms/:room/transports/:transport/connect", h.connectTransport)
	api.POST("/rooms/:room/transports/:transport/produce", h.produce)
	api.POST("/rooms/:room/consumers", h.consume)
	api.DELETE("/rooms/:room/participants/:participant", h.removeParticipant)

	log.Info().Str("module", "router.httpapi").Msg("router setup")
	return r
}

type handlers struct {
	reg *router.Registry
}

func (h *handlers) createRoom(c *gin.Context) {
	caps := h.reg.CreateOrGetRoom(domain.ChannelID(c.Param("room")))
	c.JSON(http.StatusOK, gin.H{"rtpCapabilities": caps})
}

func (h *handlers) closeRoom(c *gin.Context) {
	h.reg.CloseRoom(domain.ChannelID(c.Param("room")))
	c.Status(http.StatusNoContent)
}

func (h *handlers) createTransport(c *gin.Context) {
	var req struct {
		ParticipantID string           `json:"participantId" binding:"required"`
		Direction     engine.Direction `json:"direction" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	info, err := h.reg.CreateTransport(c.Request.Context(),
		domain.ChannelID(c.Param("room")), domain.ConnectionID(req.ParticipantID), req.Direction)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *handlers) connectTransport(c *gin.Context) {
	var req struct {
		ParticipantID string                `json:"participantId" binding:"required"`
		ICE           engine.ICEParameters  `json:"iceParameters"`
		DTLS          engine.DTLSParameters `json:"dtlsParameters"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.reg.ConnectTransport(c.Request.Context(),
		domain.ChannelID(c.Param("room")), domain.ConnectionID(req.ParticipantID),
		c.Param("transport"), engine.ConnectParams{ICE: req.ICE, DTLS: req.DTLS})
	if err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) produce(c *gin.Context) {
	var req struct {
		ParticipantID string               `json:"participantId" binding:"required"`
		Kind          string               `json:"kind" binding:"required"`
		RTP           engine.RTPParameters `json:"rtpParameters"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	producerID, err := h.reg.Produce(c.Request.Context(),
		domain.ChannelID(c.Param("room")), domain.ConnectionID(req.ParticipantID),
		c.Param("transport"), req.Kind, req.RTP)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"producerId": producerID})
}

func (h *handlers) consume(c *gin.Context) {
	var req struct {
		ParticipantID string                 `json:"participantId" binding:"required"`
		ProducerID    string                 `json:"producerId" binding:"required"`
		TransportID   string                 `json:"transportId" binding:"required"`
		Capabilities  engine.RTPCapabilities `json:"rtpCapabilities"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	info, err := h.reg.Consume(c.Request.Context(),
		domain.ChannelID(c.Param("room")), domain.ConnectionID(req.ParticipantID),
		req.TransportID, req.ProducerID, req.Capabilities)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *handlers) removeParticipant(c *gin.Context) {
	h.reg.RemoveParticipant(domain.ChannelID(c.Param("room")), domain.ConnectionID(c.Param("participant")))
	c.Status(http.StatusNoContent)
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrIncompatible):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		log.Error().Str("module", "router.httpapi").Err(err).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
