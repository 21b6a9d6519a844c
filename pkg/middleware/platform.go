package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
)

const ClientPlatformHeader = "X-Client-Platform"

const (
	PlatformMobile  = "mobile"
	PlatformTablet  = "tablet"
	PlatformDesktop = "desktop"
)

type platformKey struct{}

var PlatformContextKey = platformKey{}

// derivePlatform guesses the client platform from an explicit header and
// falls back to the user agent.
func derivePlatform(header, userAgent string) string {
	switch strings.ToLower(strings.TrimSpace(header)) {
	case PlatformMobile:
		return PlatformMobile
	case PlatformTablet:
		return PlatformTablet
	case PlatformDesktop:
		return PlatformDesktop
	}

	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "ipad"), strings.Contains(ua, "tablet"):
		return PlatformTablet
	case strings.Contains(ua, "mobile"), strings.Contains(ua, "iphone"), strings.Contains(ua, "android"):
		return PlatformMobile
	default:
		return PlatformDesktop
	}
}

// ClientPlatform stores the caller's platform on the request context.
func ClientPlatform() gin.HandlerFunc {
	return func(c *gin.Context) {
		platform := derivePlatform(c.GetHeader(ClientPlatformHeader), c.Request.UserAgent())
		c.Request = c.Request.WithContext(WithPlatform(c.Request.Context(), platform))
		c.Next()
	}
}

func WithPlatform(ctx context.Context, platform string) context.Context {
	return context.WithValue(ctx, PlatformContextKey, platform)
}

// GetPlatform returns the platform on ctx (default "desktop").
func GetPlatform(ctx context.Context) string {
	p, ok := ctx.Value(PlatformContextKey).(string)
	if !ok {
		return PlatformDesktop
	}
	return p
}
