// Package calls serves the live-call read API of the signaling relay.
package calls

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/internal/call"
	"callbridge-backend/internal/domain"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/response"
)

const maxActiveQueryIDs = 20

// Handler answers which of a client's call records it should surface
type Handler struct {
	records *call.RecordManager
}

// NewHandler creates a live-call handler on the given record manager
func NewHandler(records *call.RecordManager) *Handler {
	return &Handler{records: records}
}

// GetActive resolves a set of call IDs to the one call the client should
// surface: a connected call always beats a ringing one, the newest ringing
// call wins otherwise. Thin clients that track several candidate records ask
// here instead of reimplementing the rule.
// GET /v1/calls/active?ids=<id>,<id>,...
func (h *Handler) GetActive(c *gin.Context) {
	raw := strings.Split(c.Query("ids"), ",")
	var ids []uuid.UUID
	for _, part := range raw {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			response.ValidationError(c, "Invalid call ID: "+part)
			return
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		response.ValidationError(c, "At least one call ID required")
		return
	}
	if len(ids) > maxActiveQueryIDs {
		response.ValidationError(c, "Too many call IDs")
		return
	}

	var candidates []*domain.Call
	for _, id := range ids {
		rec, err := h.records.Get(c.Request.Context(), id)
		if err != nil {
			// Deleted and corrupt records simply drop out of the race.
			if apperrors.Is(err, apperrors.ErrCodeCallNotFound) || apperrors.Is(err, apperrors.ErrCodeMalformedRecord) {
				continue
			}
			response.FromAppError(c, err)
			return
		}
		candidates = append(candidates, rec)
	}

	active := domain.SelectActive(candidates)
	if active == nil {
		response.Success(c, http.StatusOK, gin.H{"active": nil})
		return
	}
	logger.Debug("active call selected",
		zap.String("call_id", active.ID.String()),
		zap.String("status", string(active.Status)))
	response.Success(c, http.StatusOK, gin.H{"active": active})
}
