package autobind

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"devicetrust-controlplane/pkg/errutil"
	"devicetrust-controlplane/services/devicebinding"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("devicetrust-controlplane/services/autobind")

const (
	defaultWaitTimeout  = 2 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

type Outcome string

const (
	OutcomeBound     Outcome = "bound"
	OutcomeRefreshed Outcome = "refreshed"
	OutcomeBlocked   Outcome = "blocked"
)

type SessionResult struct {
	SessionID string                         `json:"session_id"`
	LicenseID string                         `json:"license_id"`
	Outcome   Outcome                        `json:"outcome"`
	Device    *devicebinding.DeviceBinding   `json:"device,omitempty"`
	Devices   []*devicebinding.DeviceBinding `json:"devices,omitempty"`
	Message   string                         `json:"message,omitempty"`
}

var (
	ErrSessionBlocked    = errors.New("session blocked by device limit")
	ErrSessionInProgress = &sessionError{
		status:  errutil.StatusConflict,
		message: "A device check for this session is already running. Try again shortly.",
	}
)

// sessionError is a pointer sentinel so errors.Is matches by identity.
type sessionError struct {
	status  errutil.CoreStatus
	message string
}

func (e *sessionError) Error() string {
	return fmt.Sprintf("[%s] %s", e.status, e.message)
}

func (e *sessionError) AsBaseError() errutil.BaseError {
	return errutil.BaseError{Code: e.status, Message: e.message}
}

// BlockedError is returned for a session whose bind hit the device limit. It
// matches both ErrSessionBlocked and the underlying limit error.
type BlockedError struct {
	Cause   error
	Devices []*devicebinding.DeviceBinding
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrSessionBlocked, e.Cause)
}

func (e *BlockedError) Unwrap() []error {
	return []error{ErrSessionBlocked, e.Cause}
}

func (e *BlockedError) AsBaseError() errutil.BaseError {
	base := errutil.FromError(e.Cause)
	for _, d := range e.Devices {
		base.Details = append(base.Details, errutil.Detail{Field: "devices[" + d.ID + "]", Message: d.DeviceName})
	}
	return base
}

// Binder is the slice of the device registry the coordinator drives.
type Binder interface {
	RefreshDevice(ctx context.Context, licenseID string, identity devicebinding.DeviceIdentity) (*devicebinding.DeviceBinding, error)
	BindCurrentDevice(ctx context.Context, licenseID, fingerprint string, meta devicebinding.DeviceMetadata) (*devicebinding.DeviceBinding, error)
	ListActiveDevices(ctx context.Context, licenseID string) ([]*devicebinding.DeviceBinding, error)
}

// Coordinator makes at most one bind attempt per session start.
type Coordinator struct {
	binder Binder
	guard  SessionGuard

	waitTimeout  time.Duration
	pollInterval time.Duration
}

func NewCoordinator(binder Binder, guard SessionGuard) *Coordinator {
	return &Coordinator{
		binder:       binder,
		guard:        guard,
		waitTimeout:  defaultWaitTimeout,
		pollInterval: defaultPollInterval,
	}
}

func logger(ctx context.Context) *zap.Logger {
	span := trace.SpanFromContext(ctx)
	return zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)
}

// StartSession refreshes the calling device when it is already active and
// binds it otherwise. Repeat calls for the same session replay the first
// outcome without touching the registry again.
func (c *Coordinator) StartSession(ctx context.Context, sessionID, licenseID string, provider devicebinding.FingerprintProvider) (*SessionResult, error) {
	ctx, span := tracer.Start(ctx, "autobind.StartSession")
	defer span.End()

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || strings.TrimSpace(licenseID) == "" {
		return nil, errutil.BadRequest("session id and license id are required", nil)
	}

	zapLog := logger(ctx).With(zap.String("session_id", sessionID), zap.String("license_id", licenseID))

	identity, err := provider.Identify(ctx)
	if err != nil {
		return nil, err
	}

	claimed, err := c.guard.Claim(ctx, sessionID)
	if err != nil {
		zapLog.Error("failed to claim session", zap.Error(err))
		return nil, err
	}
	if !claimed {
		return c.replay(ctx, sessionID)
	}

	result, err := c.attempt(ctx, sessionID, licenseID, identity)
	if err != nil {
		var blocked *BlockedError
		if !errors.As(err, &blocked) {
			// Nothing happened for this session; let the next call try again.
			if relErr := c.guard.Release(ctx, sessionID); relErr != nil {
				zapLog.Warn("failed to release session claim", zap.Error(relErr))
			}
			return nil, err
		}
	}

	if storeErr := c.guard.Store(ctx, sessionID, result); storeErr != nil {
		zapLog.Warn("failed to store session outcome", zap.Error(storeErr))
	}

	zapLog.Info("session device check finished", zap.String("outcome", string(result.Outcome)))
	return result, err
}

func (c *Coordinator) attempt(ctx context.Context, sessionID, licenseID string, identity devicebinding.DeviceIdentity) (*SessionResult, error) {
	result := &SessionResult{SessionID: sessionID, LicenseID: licenseID}

	device, err := c.binder.RefreshDevice(ctx, licenseID, identity)
	switch {
	case err == nil:
		result.Outcome = OutcomeRefreshed
		result.Device = device
		return result, nil
	case !errors.Is(err, devicebinding.ErrDeviceNotFound):
		return nil, err
	}

	device, err = c.binder.BindCurrentDevice(ctx, licenseID, identity.Fingerprint, identity.Metadata)
	switch {
	case err == nil:
		result.Outcome = OutcomeBound
		result.Device = device
		return result, nil
	case !errors.Is(err, devicebinding.ErrDeviceLimitExceeded):
		return nil, err
	}

	// The limit was hit, so the session is blocked even when the device list
	// cannot be loaded.
	devices, listErr := c.binder.ListActiveDevices(ctx, licenseID)
	if listErr != nil {
		logger(ctx).Warn("failed to list devices for blocked session",
			zap.String("session_id", sessionID), zap.String("license_id", licenseID), zap.Error(listErr))
		devices = []*devicebinding.DeviceBinding{}
	}

	result.Outcome = OutcomeBlocked
	result.Devices = devices
	result.Message = errutil.FromError(err).Message
	return result, blockedError(result, err)
}

func blockedError(result *SessionResult, cause error) error {
	return &BlockedError{Cause: cause, Devices: result.Devices}
}

// replay waits briefly for a concurrent first call to store its outcome.
func (c *Coordinator) replay(ctx context.Context, sessionID string) (*SessionResult, error) {
	deadline := time.NewTimer(c.waitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		result, err := c.guard.Load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if result != nil {
			if result.Outcome == OutcomeBlocked {
				cause := *devicebinding.ErrDeviceLimitExceeded
				if result.Message != "" {
					cause.Message = result.Message
				}
				return result, blockedError(result, &cause)
			}
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrSessionInProgress
		case <-ticker.C:
		}
	}
}
