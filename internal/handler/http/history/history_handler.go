package history

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callbridge-backend/internal/repository/cockroach"
	"callbridge-backend/pkg/response"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Handler serves the call-history read API
type Handler struct {
	repo *cockroach.HistoryRepository
}

// NewHandler creates a new call history handler
func NewHandler(repo *cockroach.HistoryRepository) *Handler {
	return &Handler{repo: repo}
}

// GetCall returns one finished-call summary
// GET /v1/history/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	rec, err := h.repo.GetByID(c.Request.Context(), callID)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, rec)
}

// ListForUser returns the call log of one user, newest first
// GET /v1/history/users/:id/calls
func (h *Handler) ListForUser(c *gin.Context) {
	userID := c.Param("id")
	if userID == "" {
		response.ValidationError(c, "User ID required")
		return
	}

	limit, offset := pagination(c)
	records, err := h.repo.ListForUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, records)
}

// ListForChat returns the call log of one chat, newest first
// GET /v1/history/chats/:id/calls
func (h *Handler) ListForChat(c *gin.Context) {
	chatID := c.Param("id")
	if chatID == "" {
		response.ValidationError(c, "Chat ID required")
		return
	}

	limit, offset := pagination(c)
	records, err := h.repo.ListForChat(c.Request.Context(), chatID, limit, offset)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, records)
}

func pagination(c *gin.Context) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
