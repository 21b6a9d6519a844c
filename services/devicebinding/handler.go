package devicebinding

import (
	"net/http"
	"strings"

	"devicetrust-controlplane/pkg/db/pagination"
	"devicetrust-controlplane/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	v1 := r.Group("/v1/licenses/:license_id")
	{
		v1.POST("/devices", h.Bind)
		v1.GET("/devices", h.ListDevices)
		v1.GET("/devices/:device_id/unbind-eligibility", h.CheckCanUnbind)
		v1.POST("/devices/:device_id/unbind-requests", h.RequestUnbind)
		v1.DELETE("/devices/:device_id/unbind-requests", h.CancelUnbind)
		v1.POST("/devices/:device_id/unbind-completions", h.CompleteUnbind)
		v1.POST("/unbind-confirmations", h.ConfirmUnbind)
		v1.POST("/sweeps", h.Sweep)
		v1.GET("/trust", h.TrustStatus)
		v1.GET("/unbind-history", h.UnbindHistory)
	}
}

type bindRequest struct {
	Fingerprint string `json:"fingerprint"`
	DeviceName  string `json:"device_name"`
	DeviceClass string `json:"device_class"`
	Region      string `json:"region"`
	Email       string `json:"email" binding:"omitempty,email"`
}

type confirmRequest struct {
	Code string `json:"code" binding:"required"`
}

// Bind takes the device identity from the JSON body when it names a
// fingerprint, otherwise from the device headers.
func (h *Handler) Bind(c *gin.Context) {
	var req bindRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errutil.BadRequest("invalid request body", err))
			return
		}
	}

	var provider FingerprintProvider = HeaderFingerprint(c.Request)
	if strings.TrimSpace(req.Fingerprint) != "" {
		provider = StaticFingerprint{
			Fingerprint: req.Fingerprint,
			Metadata: DeviceMetadata{
				Name:   req.DeviceName,
				Class:  ParseDeviceClass(req.DeviceClass),
				Region: req.Region,
				Email:  req.Email,
			},
		}
	}

	b, err := h.svc.Bind(c.Request.Context(), c.Param("license_id"), provider)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.svc.ListActiveDevices(c.Request.Context(), c.Param("license_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (h *Handler) CheckCanUnbind(c *gin.Context) {
	check, err := h.svc.CheckCanUnbind(c.Request.Context(), c.Param("license_id"), c.Param("device_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, check)
}

func (h *Handler) RequestUnbind(c *gin.Context) {
	out, err := h.svc.RequestUnbind(c.Request.Context(), c.Param("license_id"), c.Param("device_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, out)
}

func (h *Handler) ConfirmUnbind(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("verification code is required", err))
		return
	}

	out, err := h.svc.ConfirmUnbind(c.Request.Context(), c.Param("license_id"), req.Code)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) CancelUnbind(c *gin.Context) {
	ok, err := h.svc.CancelUnbind(c.Request.Context(), c.Param("license_id"), c.Param("device_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": ok})
}

func (h *Handler) CompleteUnbind(c *gin.Context) {
	ok, err := h.svc.CompleteUnbind(c.Request.Context(), c.Param("license_id"), c.Param("device_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"completed": ok})
}

func (h *Handler) Sweep(c *gin.Context) {
	n, err := h.svc.Sweep(c.Request.Context(), c.Param("license_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"completed": n})
}

func (h *Handler) TrustStatus(c *gin.Context) {
	status, err := h.svc.GetTrustStatus(c.Request.Context(), c.Param("license_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) UnbindHistory(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	entries, info, err := h.svc.ListUnbindHistory(c.Request.Context(), c.Param("license_id"), p)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries, "page_info": info})
}
