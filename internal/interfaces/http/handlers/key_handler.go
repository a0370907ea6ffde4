package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/keystore/internal/application/dto"
	"github.com/turtacn/keystore/internal/application/service"
	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/pkg/errors"
)

// maxTokenBody caps the size of a JWT request body.
const maxTokenBody = 64 << 10

// KeyHandler handles HTTP requests for key records.
type KeyHandler struct {
	keys service.KeyAppService
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(keys service.KeyAppService) *KeyHandler {
	return &KeyHandler{keys: keys}
}

func identityOf(c *gin.Context) models.Identity {
	return models.Identity{UserID: c.Param("userId"), ClientID: c.Param("clientId")}
}

// ================================================================================
// Create
// ================================================================================

// Create handles POST /keys.
func (h *KeyHandler) Create(c *gin.Context) {
	var req dto.CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, errors.ClaimsParsingFailure("malformed key request", err))
		return
	}
	key, err := h.keys.Create(c.Request.Context(), &req)
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusCreated, key)
}

// CreateFromRecord handles POST /keys/obj.
func (h *KeyHandler) CreateFromRecord(c *gin.Context) {
	var record models.Key
	if err := c.ShouldBindJSON(&record); err != nil {
		sendError(c, errors.ClaimsParsingFailure("malformed key record", err))
		return
	}
	key, err := h.keys.CreateFromRecord(c.Request.Context(), &record)
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusCreated, key)
}

// CreateFromJWT handles POST /keys/jwt. The body is the compact token.
func (h *KeyHandler) CreateFromJWT(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTokenBody))
	if err != nil {
		sendError(c, errors.ClaimsParsingFailure("unreadable token body", err))
		return
	}
	key, err := h.keys.CreateFromJWT(c.Request.Context(), strings.TrimSpace(string(raw)))
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusCreated, key)
}

// ================================================================================
// Lookup
// ================================================================================

// Get handles GET /keys/:userId/:clientId.
func (h *KeyHandler) Get(c *gin.Context) {
	key, err := h.keys.Get(c.Request.Context(), identityOf(c))
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, key)
}

// GetByToken handles GET /keys/token/:authValue.
func (h *KeyHandler) GetByToken(c *gin.Context) {
	key, err := h.keys.GetByAccessToken(c.Request.Context(), c.Param("authValue"))
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, key)
}

// GetJWT handles GET /keys/jwt/:userId/:clientId and answers with the bare token.
func (h *KeyHandler) GetJWT(c *gin.Context) {
	token, err := h.keys.GetJWT(c.Request.Context(), identityOf(c))
	if err != nil {
		sendError(c, err)
		return
	}
	c.String(http.StatusOK, token)
}

// GetJWTByToken handles GET /keys/jwt/token/:authValue.
func (h *KeyHandler) GetJWTByToken(c *gin.Context) {
	token, err := h.keys.GetJWTByAccessToken(c.Request.Context(), c.Param("authValue"))
	if err != nil {
		sendError(c, err)
		return
	}
	c.String(http.StatusOK, token)
}

// Authenticate handles GET /keys/auth/:authValue.
func (h *KeyHandler) Authenticate(c *gin.Context) {
	if err := h.keys.Authenticate(c.Request.Context(), c.Param("authValue")); err != nil {
		sendError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// Status handles GET /keys/status.
func (h *KeyHandler) Status(c *gin.Context) {
	sendSuccess(c, http.StatusOK, gin.H{"status": "ok"})
}

// ================================================================================
// Query
// ================================================================================

// Query handles GET /keys.
func (h *KeyHandler) Query(c *gin.Context) {
	h.page(c)(h.keys.Query(c.Request.Context(), queryParams(c)))
}

// QueryByUser handles GET /keys/user/:userId.
func (h *KeyHandler) QueryByUser(c *gin.Context) {
	h.page(c)(h.keys.QueryByUserID(c.Request.Context(), c.Param("userId"), queryParams(c)))
}

// QueryByClient handles GET /keys/client/:clientId.
func (h *KeyHandler) QueryByClient(c *gin.Context) {
	h.page(c)(h.keys.QueryByClientID(c.Request.Context(), c.Param("clientId"), queryParams(c)))
}

// QueryByAgency handles GET /keys/agency/:agencyCode.
func (h *KeyHandler) QueryByAgency(c *gin.Context) {
	h.page(c)(h.keys.QueryByAgencyCode(c.Request.Context(), c.Param("agencyCode"), queryParams(c)))
}

func (h *KeyHandler) page(c *gin.Context) func(*dto.KeyPageResponse, error) {
	return func(resp *dto.KeyPageResponse, err error) {
		if err != nil {
			sendError(c, err)
			return
		}
		sendSuccess(c, http.StatusOK, resp)
	}
}

// ================================================================================
// Refresh / Revoke
// ================================================================================

// Refresh handles POST /keys/:userId/:clientId/refresh.
func (h *KeyHandler) Refresh(c *gin.Context) {
	key, err := h.keys.Refresh(c.Request.Context(), identityOf(c))
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, key)
}

// RefreshByToken handles POST /keys/refresh.
func (h *KeyHandler) RefreshByToken(c *gin.Context) {
	var req dto.RefreshKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		sendError(c, errors.BadParameter("refreshToken", "refreshToken is required"))
		return
	}
	key, err := h.keys.RefreshByToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, key)
}

// Revoke handles DELETE /keys/:userId/:clientId.
func (h *KeyHandler) Revoke(c *gin.Context) {
	if err := h.keys.Revoke(c.Request.Context(), identityOf(c)); err != nil {
		sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RevokeByToken handles DELETE /keys/token/:authValue.
func (h *KeyHandler) RevokeByToken(c *gin.Context) {
	if err := h.keys.RevokeByToken(c.Request.Context(), c.Param("authValue")); err != nil {
		sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RevokeByUser handles DELETE /keys/user/:userId.
func (h *KeyHandler) RevokeByUser(c *gin.Context) {
	h.revoked(c)(h.keys.RevokeAllByUserID(c.Request.Context(), c.Param("userId")))
}

// RevokeByClient handles DELETE /keys/client/:clientId.
func (h *KeyHandler) RevokeByClient(c *gin.Context) {
	h.revoked(c)(h.keys.RevokeAllByClientID(c.Request.Context(), c.Param("clientId")))
}

// RevokeByAgency handles DELETE /keys/agency/:agencyCode.
func (h *KeyHandler) RevokeByAgency(c *gin.Context) {
	h.revoked(c)(h.keys.RevokeAllByAgencyCode(c.Request.Context(), c.Param("agencyCode")))
}

func (h *KeyHandler) revoked(c *gin.Context) func(int, error) {
	return func(_ int, err error) {
		if err != nil {
			sendError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
