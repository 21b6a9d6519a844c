package autobind

import (
	"net/http"

	"devicetrust-controlplane/services/devicebinding"

	"github.com/gin-gonic/gin"
)

const (
	HeaderSessionID = "X-Session-ID"
	HeaderLicenseID = "X-License-ID"
)

type Handler struct {
	coordinator *Coordinator
}

func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	r.POST("/v1/sessions", h.StartSession)
}

func (h *Handler) StartSession(c *gin.Context) {
	result, err := h.coordinator.StartSession(
		c.Request.Context(),
		c.GetHeader(HeaderSessionID),
		c.GetHeader(HeaderLicenseID),
		devicebinding.HeaderFingerprint(c.Request),
	)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}
