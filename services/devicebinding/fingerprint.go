package devicebinding

import (
	"context"
	"net/http"
	"strings"

	"devicetrust-controlplane/pkg/errutil"
	"devicetrust-controlplane/pkg/middleware"
)

const (
	HeaderDeviceFingerprint = "X-Device-Fingerprint"
	HeaderDeviceName        = "X-Device-Name"
	HeaderDeviceClass       = "X-Device-Class"
	HeaderDeviceRegion      = "X-Device-Region"
	HeaderContactEmail      = "X-Contact-Email"
)

type DeviceMetadata struct {
	Name   string      `json:"device_name"`
	Class  DeviceClass `json:"device_class"`
	Region string      `json:"region,omitempty"`
	Email  string      `json:"email,omitempty"`
}

type DeviceIdentity struct {
	Fingerprint string
	Metadata    DeviceMetadata
}

// FingerprintProvider identifies the calling device. The fingerprint is
// opaque; the engine only compares it for equality.
type FingerprintProvider interface {
	Identify(ctx context.Context) (DeviceIdentity, error)
}

// StaticFingerprint is a provider for an identity resolved ahead of time.
type StaticFingerprint DeviceIdentity

func (s StaticFingerprint) Identify(context.Context) (DeviceIdentity, error) {
	if strings.TrimSpace(s.Fingerprint) == "" {
		return DeviceIdentity{}, errutil.BadRequest("device fingerprint is required", nil)
	}
	return DeviceIdentity(s), nil
}

type headerFingerprint struct {
	header http.Header
}

// HeaderFingerprint reads the device identity from request headers. The
// device class falls back to the platform detected by middleware.
func HeaderFingerprint(r *http.Request) FingerprintProvider {
	return &headerFingerprint{header: r.Header}
}

func (h *headerFingerprint) Identify(ctx context.Context) (DeviceIdentity, error) {
	fp := strings.TrimSpace(h.header.Get(HeaderDeviceFingerprint))
	if fp == "" {
		return DeviceIdentity{}, errutil.BadRequest("missing "+HeaderDeviceFingerprint+" header", nil)
	}

	class := h.header.Get(HeaderDeviceClass)
	if class == "" {
		class = middleware.GetPlatform(ctx)
	}

	return DeviceIdentity{
		Fingerprint: fp,
		Metadata: DeviceMetadata{
			Name:   strings.TrimSpace(h.header.Get(HeaderDeviceName)),
			Class:  ParseDeviceClass(class),
			Region: strings.TrimSpace(h.header.Get(HeaderDeviceRegion)),
			Email:  strings.TrimSpace(h.header.Get(HeaderContactEmail)),
		},
	}, nil
}

func defaultDeviceName(class DeviceClass) string {
	switch class {
	case DeviceClassMobile:
		return "Mobile device"
	case DeviceClassTablet:
		return "Tablet"
	default:
		return "Desktop device"
	}
}
