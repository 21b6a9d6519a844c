package autobind

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"devicetrust-controlplane/pkg/middleware"
	"devicetrust-controlplane/services/devicebinding"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestHandler_StartSession(t *testing.T) {
	gin.SetMode(gin.TestMode)

	binder := &mockBinder{
		RefreshDeviceFn: notFound,
		BindCurrentDeviceFn: func(ctx context.Context, licenseID, fingerprint string, meta devicebinding.DeviceMetadata) (*devicebinding.DeviceBinding, error) {
			return &devicebinding.DeviceBinding{ID: "dev-1", LicenseID: licenseID, DeviceClass: meta.Class}, nil
		},
	}

	r := gin.New()
	r.Use(middleware.ClientPlatform(), middleware.Error())
	RegisterRoutes(r, NewHandler(NewCoordinator(binder, NewMemoryGuard(time.Hour))))

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	req.Header.Set(HeaderSessionID, "s-1")
	req.Header.Set(HeaderLicenseID, "lic-1")
	req.Header.Set(devicebinding.HeaderDeviceFingerprint, "fp-1")
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var result SessionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Equal(t, OutcomeBound, result.Outcome)
	require.Equal(t, devicebinding.DeviceClassMobile, result.Device.DeviceClass)

	req = httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	req.Header.Set(HeaderLicenseID, "lic-1")
	req.Header.Set(devicebinding.HeaderDeviceFingerprint, "fp-1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
