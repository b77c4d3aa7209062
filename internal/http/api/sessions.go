package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/relaygate/relaygate/internal/session"
	"github.com/relaygate/relaygate/internal/undo"
)

// sessionHandler serves session administration.
type sessionHandler struct {
	tracker  *session.Tracker
	sessions *session.Repository
	undo     *undo.Store
}

// List returns recently active sessions from the aggregate cache.
func (h *sessionHandler) List(c *gin.Context) {
	rows, errList := h.sessions.ActiveSessions(c.Request.Context())
	if errList != nil {
		log.WithError(errList).Error("sessions: list failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list sessions failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": rows})
}

// Terminate marks a session terminated and stores an undo snapshot so the
// operator can reverse the action within the undo window.
func (h *sessionHandler) Terminate(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session id is required"})
		return
	}

	before, errDetail := h.sessions.Detail(c.Request.Context(), sessionID)
	if errDetail != nil && !errors.Is(errDetail, gorm.ErrRecordNotFound) {
		log.WithError(errDetail).Error("sessions: detail lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
		return
	}

	if errTerm := h.tracker.Terminate(c.Request.Context(), sessionID); errTerm != nil {
		log.WithError(errTerm).Error("sessions: terminate failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "terminate failed"})
		return
	}
	if errMark := h.sessions.MarkTerminated(c.Request.Context(), sessionID, ""); errMark != nil {
		log.WithError(errMark).Warn("sessions: persist terminated flag failed")
	}

	preImage, errMarshal := json.Marshal(before)
	if errMarshal != nil {
		preImage = []byte("{}")
	}
	receipt := h.undo.Put(undo.Snapshot{
		OperationID:   uuid.NewString(),
		OperationType: undo.OpSingleUpdate,
		PreImage:      datatypes.JSON(preImage),
		AffectedIDs:   []uint64{before.ID},
	})

	response := gin.H{"terminated": true, "undo_available": receipt.UndoAvailable}
	if receipt.UndoAvailable {
		response["undo_token"] = receipt.Token
		response["undo_expires_at"] = receipt.ExpiresAt
	}
	c.JSON(http.StatusOK, response)
}

// Undo consumes an undo token and returns the snapshot pre-image. Expired,
// consumed, and unknown tokens all answer the same way.
func (h *sessionHandler) Undo(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))
	snapshot, errConsume := h.undo.Consume(token)
	if errConsume != nil {
		c.JSON(http.StatusGone, gin.H{"error": "undo expired"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"operation_id":   snapshot.OperationID,
		"operation_type": snapshot.OperationType,
		"pre_image":      json.RawMessage(snapshot.PreImage),
		"affected_ids":   snapshot.AffectedIDs,
	})
}
