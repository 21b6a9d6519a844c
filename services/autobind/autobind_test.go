package autobind

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"devicetrust-controlplane/pkg/errutil"
	"devicetrust-controlplane/services/devicebinding"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type mockBinder struct {
	RefreshDeviceFn     func(ctx context.Context, licenseID string, identity devicebinding.DeviceIdentity) (*devicebinding.DeviceBinding, error)
	BindCurrentDeviceFn func(ctx context.Context, licenseID, fingerprint string, meta devicebinding.DeviceMetadata) (*devicebinding.DeviceBinding, error)
	ListActiveDevicesFn func(ctx context.Context, licenseID string) ([]*devicebinding.DeviceBinding, error)

	refreshes atomic.Int32
	binds     atomic.Int32
}

func (m *mockBinder) RefreshDevice(ctx context.Context, licenseID string, identity devicebinding.DeviceIdentity) (*devicebinding.DeviceBinding, error) {
	m.refreshes.Add(1)
	return m.RefreshDeviceFn(ctx, licenseID, identity)
}

func (m *mockBinder) BindCurrentDevice(ctx context.Context, licenseID, fingerprint string, meta devicebinding.DeviceMetadata) (*devicebinding.DeviceBinding, error) {
	m.binds.Add(1)
	return m.BindCurrentDeviceFn(ctx, licenseID, fingerprint, meta)
}

func (m *mockBinder) ListActiveDevices(ctx context.Context, licenseID string) ([]*devicebinding.DeviceBinding, error) {
	return m.ListActiveDevicesFn(ctx, licenseID)
}

func notFound(context.Context, string, devicebinding.DeviceIdentity) (*devicebinding.DeviceBinding, error) {
	return nil, devicebinding.ErrDeviceNotFound
}

var phone = devicebinding.StaticFingerprint{Fingerprint: "fp-phone"}

func TestStartSession_BindsOncePerSession(t *testing.T) {
	binder := &mockBinder{
		RefreshDeviceFn: notFound,
		BindCurrentDeviceFn: func(ctx context.Context, licenseID, fingerprint string, meta devicebinding.DeviceMetadata) (*devicebinding.DeviceBinding, error) {
			return &devicebinding.DeviceBinding{ID: "dev-1", LicenseID: licenseID, Status: devicebinding.StatusActive}, nil
		},
	}
	c := NewCoordinator(binder, NewMemoryGuard(time.Hour))

	for i := 0; i < 3; i++ {
		result, err := c.StartSession(context.Background(), "s-1", "lic-1", phone)
		require.NoError(t, err)
		require.Equal(t, OutcomeBound, result.Outcome)
		require.Equal(t, "dev-1", result.Device.ID)
	}
	require.EqualValues(t, 1, binder.refreshes.Load())
	require.EqualValues(t, 1, binder.binds.Load())

	// A new session gets its own attempt.
	_, err := c.StartSession(context.Background(), "s-2", "lic-1", phone)
	require.NoError(t, err)
	require.EqualValues(t, 2, binder.binds.Load())
}

func TestStartSession_RefreshesActiveDevice(t *testing.T) {
	binder := &mockBinder{
		RefreshDeviceFn: func(ctx context.Context, licenseID string, identity devicebinding.DeviceIdentity) (*devicebinding.DeviceBinding, error) {
			require.Equal(t, "fp-phone", identity.Fingerprint)
			return &devicebinding.DeviceBinding{ID: "dev-1"}, nil
		},
	}
	c := NewCoordinator(binder, NewMemoryGuard(time.Hour))

	for i := 0; i < 2; i++ {
		result, err := c.StartSession(context.Background(), "s-1", "lic-1", phone)
		require.NoError(t, err)
		require.Equal(t, OutcomeRefreshed, result.Outcome)
	}
	require.EqualValues(t, 1, binder.refreshes.Load())
	require.Zero(t, binder.binds.Load())
}

func TestStartSession_BlockedIsNotRetried(t *testing.T) {
	devices := []*devicebinding.DeviceBinding{
		{ID: "dev-1", DeviceName: "Laptop"},
		{ID: "dev-2", DeviceName: "Tablet"},
	}
	binder := &mockBinder{
		RefreshDeviceFn: notFound,
		BindCurrentDeviceFn: func(ctx context.Context, licenseID, fingerprint string, meta devicebinding.DeviceMetadata) (*devicebinding.DeviceBinding, error) {
			return nil, devicebinding.ErrDeviceLimitExceeded
		},
		ListActiveDevicesFn: func(ctx context.Context, licenseID string) ([]*devicebinding.DeviceBinding, error) {
			return devices, nil
		},
	}
	c := NewCoordinator(binder, NewMemoryGuard(time.Hour))

	for i := 0; i < 3; i++ {
		result, err := c.StartSession(context.Background(), "s-1", "lic-1", phone)
		require.ErrorIs(t, err, ErrSessionBlocked)
		require.ErrorIs(t, err, devicebinding.ErrDeviceLimitExceeded)
		require.Equal(t, OutcomeBlocked, result.Outcome)
		require.Len(t, result.Devices, 2)

		be := errutil.FromError(err)
		require.Equal(t, errutil.StatusConflict, be.Code)
		require.Equal(t, devicebinding.ErrDeviceLimitExceeded.Message, be.Message)
		require.Contains(t, be.Details, errutil.Detail{Field: "devices[dev-2]", Message: "Tablet"})
	}
	require.EqualValues(t, 1, binder.binds.Load())
}

func TestStartSession_InfrastructureErrorReleasesClaim(t *testing.T) {
	calls := 0
	binder := &mockBinder{
		RefreshDeviceFn: notFound,
		BindCurrentDeviceFn: func(ctx context.Context, licenseID, fingerprint string, meta devicebinding.DeviceMetadata) (*devicebinding.DeviceBinding, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("database is locked")
			}
			return &devicebinding.DeviceBinding{ID: "dev-1"}, nil
		},
	}
	c := NewCoordinator(binder, NewMemoryGuard(time.Hour))

	_, err := c.StartSession(context.Background(), "s-1", "lic-1", phone)
	require.Error(t, err)

	result, err := c.StartSession(context.Background(), "s-1", "lic-1", phone)
	require.NoError(t, err)
	require.Equal(t, OutcomeBound, result.Outcome)
	require.EqualValues(t, 2, binder.binds.Load())
}

func TestStartSession_ConcurrentCallsShareOneAttempt(t *testing.T) {
	binder := &mockBinder{
		RefreshDeviceFn: notFound,
		BindCurrentDeviceFn: func(ctx context.Context, licenseID, fingerprint string, meta devicebinding.DeviceMetadata) (*devicebinding.DeviceBinding, error) {
			time.Sleep(20 * time.Millisecond)
			return &devicebinding.DeviceBinding{ID: "dev-1"}, nil
		},
	}
	c := NewCoordinator(binder, NewMemoryGuard(time.Hour))
	c.pollInterval = 5 * time.Millisecond

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := c.StartSession(context.Background(), "s-1", "lic-1", phone)
			if err == nil && result.Device.ID != "dev-1" {
				err = errors.New("unexpected device")
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, binder.binds.Load())
}

func TestStartSession_InProgress(t *testing.T) {
	guard := NewMemoryGuard(time.Hour)
	c := NewCoordinator(&mockBinder{}, guard)
	c.waitTimeout = 20 * time.Millisecond
	c.pollInterval = 5 * time.Millisecond

	ok, err := guard.Claim(context.Background(), "s-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = c.StartSession(context.Background(), "s-1", "lic-1", phone)
	require.ErrorIs(t, err, ErrSessionInProgress)
	require.Equal(t, errutil.StatusConflict, errutil.FromError(err).Code)
}

func TestStartSession_BlockedWhenDeviceListFails(t *testing.T) {
	binder := &mockBinder{
		RefreshDeviceFn: notFound,
		BindCurrentDeviceFn: func(ctx context.Context, licenseID, fingerprint string, meta devicebinding.DeviceMetadata) (*devicebinding.DeviceBinding, error) {
			return nil, devicebinding.ErrDeviceLimitExceeded
		},
		ListActiveDevicesFn: func(ctx context.Context, licenseID string) ([]*devicebinding.DeviceBinding, error) {
			return nil, errors.New("db unavailable")
		},
	}
	c := NewCoordinator(binder, NewMemoryGuard(time.Hour))

	for i := 0; i < 2; i++ {
		result, err := c.StartSession(context.Background(), "s-1", "lic-1", phone)
		require.ErrorIs(t, err, ErrSessionBlocked)
		require.ErrorIs(t, err, devicebinding.ErrDeviceLimitExceeded)
		require.Equal(t, OutcomeBlocked, result.Outcome)
		require.Empty(t, result.Devices)
	}
	require.EqualValues(t, 1, binder.binds.Load())
}

func TestStartSession_Validation(t *testing.T) {
	c := NewCoordinator(&mockBinder{}, NewMemoryGuard(time.Hour))

	_, err := c.StartSession(context.Background(), "", "lic-1", phone)
	require.Equal(t, errutil.StatusBadRequest, errutil.FromError(err).Code)

	_, err = c.StartSession(context.Background(), "s-1", "lic-1", devicebinding.StaticFingerprint{})
	require.Equal(t, errutil.StatusBadRequest, errutil.FromError(err).Code)
}

func TestMemoryGuardExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewMemoryGuard(time.Minute).(*memoryGuard)
	g.nowFn = func() time.Time { return now }
	ctx := context.Background()

	ok, err := g.Claim(ctx, "s-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, g.Store(ctx, "s-1", &SessionResult{Outcome: OutcomeBound}))
	result, err := g.Load(ctx, "s-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeBound, result.Outcome)

	ok, err = g.Claim(ctx, "s-1")
	require.NoError(t, err)
	require.False(t, ok)

	now = now.Add(time.Minute)
	result, err = g.Load(ctx, "s-1")
	require.NoError(t, err)
	require.Nil(t, result)

	ok, err = g.Claim(ctx, "s-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, g.Release(ctx, "s-1"))
	ok, err = g.Claim(ctx, "s-1")
	require.NoError(t, err)
	require.True(t, ok)
}
