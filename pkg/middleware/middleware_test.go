package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"devicetrust-controlplane/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func TestDerivePlatform(t *testing.T) {
	require.Equal(t, PlatformTablet, derivePlatform("Tablet", ""))
	require.Equal(t, PlatformMobile, derivePlatform("", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)"))
	require.Equal(t, PlatformTablet, derivePlatform("", "Mozilla/5.0 (iPad; CPU OS 17_0)"))
	require.Equal(t, PlatformDesktop, derivePlatform("", "Mozilla/5.0 (X11; Linux x86_64)"))
}

func TestErrorMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(ClientPlatform(), Error())
	r.GET("/conflict", func(c *gin.Context) {
		_ = c.Error(errutil.Conflict("already exists", nil))
	})
	r.GET("/boom", func(c *gin.Context) {
		_ = c.Error(errors.New("db down"))
	})
	r.GET("/platform", func(c *gin.Context) {
		c.String(http.StatusOK, GetPlatform(c.Request.Context()))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/conflict", nil))
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), `"code":"conflict"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), "db down")

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/platform", nil)
	req.Header.Set(ClientPlatformHeader, "mobile")
	r.ServeHTTP(w, req)
	require.Equal(t, "mobile", w.Body.String())
}
