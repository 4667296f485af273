package gateway

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/treble-chat/voice/internal/config"
)

func SetupRouter(ctx context.Context, cfg *config.Signaling, h *WSHandler) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.TokenSecret))
	r.Use(sessions.Sessions("voice_session", store))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/ws/voice", func(c *gin.Context) {
		h.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "gateway").Msg("router setup")
	return r
}
