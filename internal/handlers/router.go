package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/skillswap-signaling/config"
	"github.com/mossy-p/skillswap-signaling/internal/middleware"
	"github.com/mossy-p/skillswap-signaling/internal/store"
)

// NewRouter wires the session API and the relay endpoint onto a gin engine.
func NewRouter(cfg *config.Config, st *store.Store) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		apiGroup.POST("/sessions", auth, CreateSession(st))
		apiGroup.GET("/sessions", auth, ListSessions(st))
		apiGroup.GET("/sessions/:sessionId", GetSession(st))
		apiGroup.DELETE("/sessions/:sessionId", auth, DeleteSession(st))
	}

	// Relay endpoint - accepts a session code or token
	router.GET("/ws/session/:sessionId", HandleSignaling(st))

	return router
}
