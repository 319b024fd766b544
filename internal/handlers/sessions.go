package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/skillswap-signaling/internal/middleware"
	"github.com/mossy-p/skillswap-signaling/internal/models"
	"github.com/mossy-p/skillswap-signaling/internal/store"
	"github.com/mossy-p/skillswap-signaling/internal/util"
)

// CreateSession schedules a new session owned by the caller (requires authentication)
func CreateSession(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.ContextUserID)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		rec, err := st.Create(c.Request.Context(), userID)
		if err != nil {
			util.LogError("failed to create session for %s: %v", userID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
			return
		}

		util.LogInfo("session created: %s (code: %s) by user %s", rec.ID, rec.Code, userID)

		c.JSON(http.StatusCreated, models.CreateSessionResponse{
			SessionID: rec.ID,
			Code:      rec.Code,
		})
	}
}

// ListSessions returns the caller's live sessions (requires authentication)
func ListSessions(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.ContextUserID)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		sessions, err := st.ListByCreator(c.Request.Context(), userID)
		if err != nil {
			util.LogError("failed to list sessions for %s: %v", userID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sessions"})
			return
		}

		c.JSON(http.StatusOK, models.ListSessionsResponse{Sessions: sessions})
	}
}

// GetSession gets session information by code or token (public)
func GetSession(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		token, err := st.Resolve(ctx, c.Param("sessionId"))
		if err != nil {
			writeStoreError(c, err)
			return
		}

		rec, err := st.Get(ctx, token)
		if err != nil {
			writeStoreError(c, err)
			return
		}

		c.JSON(http.StatusOK, rec)
	}
}

// DeleteSession cancels a session (requires authentication and creator)
func DeleteSession(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.ContextUserID)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		ctx := c.Request.Context()
		token, err := st.Resolve(ctx, c.Param("sessionId"))
		if err != nil {
			writeStoreError(c, err)
			return
		}

		if err := st.Delete(ctx, token, userID); err != nil {
			writeStoreError(c, err)
			return
		}

		util.LogInfo("session cancelled: %s by user %s", token, userID)

		c.JSON(http.StatusOK, gin.H{"message": "Session cancelled"})
	}
}

// writeStoreError maps store sentinel errors onto HTTP responses.
func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	case errors.Is(err, store.ErrSessionFull):
		c.JSON(http.StatusConflict, gin.H{"error": "Session is full"})
	case errors.Is(err, store.ErrSessionEnded):
		c.JSON(http.StatusGone, gin.H{"error": "Session has ended"})
	case errors.Is(err, store.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the session creator can cancel the session"})
	default:
		util.LogError("session store error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
