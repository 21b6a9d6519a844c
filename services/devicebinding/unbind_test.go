package devicebinding

import (
	"context"
	"errors"
	"testing"
	"time"

	"devicetrust-controlplane/pkg/errutil"
	"devicetrust-controlplane/services/trust"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestUnbindRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := f.bind(t, "fp-a")
	b := f.bind(t, "fp-b")

	check, err := f.svc.CheckCanUnbind(ctx, testLicense, b.ID)
	require.NoError(t, err)
	require.True(t, check.Allowed)
	require.Equal(t, 1, check.UnbindsRemaining)

	f.expectCode(1)
	req, err := f.svc.RequestUnbind(ctx, testLicense, b.ID)
	require.NoError(t, err)
	require.True(t, req.CodeExpiresAt.Equal(t0.Add(CodeTTL)))

	var stored UnbindChallenge
	require.NoError(t, f.db.First(&stored, "license_id = ?", testLicense).Error)
	require.NotEqual(t, testCode, stored.CodeHash)

	f.clock.Advance(time.Minute)
	confirmed, err := f.svc.ConfirmUnbind(ctx, testLicense, testCode)
	require.NoError(t, err)
	require.Equal(t, b.ID, confirmed.DeviceID)
	require.True(t, confirmed.UnbindAvailableAt.Equal(t0.Add(time.Minute+48*time.Hour)))

	devices, err := f.svc.ListActiveDevices(ctx, testLicense)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	require.Equal(t, StatusPendingUnbind, devices[1].Status)

	_, err = f.svc.CompleteUnbind(ctx, testLicense, b.ID)
	require.ErrorIs(t, err, ErrCooldownNotElapsed)
	var de *Error
	require.True(t, errors.As(err, &de))
	require.True(t, de.AvailableAt.Equal(confirmed.UnbindAvailableAt))

	f.clock.Advance(48 * time.Hour)
	ok, err := f.svc.CompleteUnbind(ctx, testLicense, b.ID)
	require.NoError(t, err)
	require.True(t, ok)

	devices, err = f.svc.ListActiveDevices(ctx, testLicense)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, a.ID, devices[0].ID)

	record := f.record(t)
	require.Equal(t, 1, record.TotalUnbindsCount)
	require.Equal(t, 1, record.ConsecutiveLimitHits)
	require.NotNil(t, record.LastUnbindAt)

	history, _, err := f.svc.ListUnbindHistory(ctx, testLicense, paginationOf(10, ""))
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, b.ID, history[0].DeviceID)
	require.Equal(t, UnbindReasonUserRequest, history[0].Reason)

	check, err = f.svc.CheckCanUnbind(ctx, testLicense, a.ID)
	require.NoError(t, err)
	require.False(t, check.Allowed)
	require.Equal(t, DenyReasonLastDevice, check.Reason)
}

func TestCheckCanUnbind_EvaluationOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CheckCanUnbind(ctx, testLicense, "missing")
	require.ErrorIs(t, err, ErrDeviceNotFound)

	a := f.bind(t, "fp-a")

	_, err = f.svc.CheckCanUnbind(ctx, testLicense, "missing")
	require.ErrorIs(t, err, ErrDeviceNotFound)

	check, err := f.svc.CheckCanUnbind(ctx, testLicense, a.ID)
	require.NoError(t, err)
	require.Equal(t, DenyReasonLastDevice, check.Reason)

	b := f.bind(t, "fp-b")
	f.confirm(t, b.ID)

	check, err = f.svc.CheckCanUnbind(ctx, testLicense, b.ID)
	require.NoError(t, err)
	require.False(t, check.Allowed)
	require.Equal(t, DenyReasonPendingUnbind, check.Reason)

	f.clock.Advance(48 * time.Hour)
	_, err = f.svc.Sweep(ctx, testLicense)
	require.NoError(t, err)

	_, err = f.svc.CheckCanUnbind(ctx, testLicense, b.ID)
	require.ErrorIs(t, err, ErrDeviceNotActive)
}

func TestRequestUnbind_DenialsSendNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := f.bind(t, "fp-a")

	_, err := f.svc.RequestUnbind(ctx, testLicense, a.ID)
	require.ErrorIs(t, err, ErrLastDeviceUnbindDenied)
	require.Equal(t, errutil.StatusForbidden, errutil.FromError(err).Code)

	b := f.bind(t, "fp-b")
	f.confirm(t, b.ID)

	_, err = f.svc.RequestUnbind(ctx, testLicense, b.ID)
	require.ErrorIs(t, err, ErrUnbindAlreadyPending)
}

func TestRequestUnbind_MissingEmail(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.BindCurrentDevice(ctx, testLicense, "fp-a", DeviceMetadata{})
	require.NoError(t, err)
	b, err := f.svc.BindCurrentDevice(ctx, testLicense, "fp-b", DeviceMetadata{})
	require.NoError(t, err)

	_, err = f.svc.RequestUnbind(ctx, testLicense, b.ID)
	require.ErrorIs(t, err, ErrContactEmailMissing)
}

func TestRequestUnbind_DeliveryFailureLeavesNoChallenge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.bind(t, "fp-a")
	b := f.bind(t, "fp-b")

	f.channel.EXPECT().
		SendVerificationCode(gomock.Any(), testEmail, testCode, "fp-b", PurposeDeviceUnbind).
		Return(errors.New("smtp: connection refused"))

	_, err := f.svc.RequestUnbind(ctx, testLicense, b.ID)
	require.ErrorIs(t, err, ErrChannelDeliveryFailed)

	_, err = f.svc.ConfirmUnbind(ctx, testLicense, testCode)
	require.ErrorIs(t, err, ErrNoPendingChallenge)
}

func TestRequestUnbind_NewCodeReplacesOld(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.bind(t, "fp-a")
	b := f.bind(t, "fp-b")

	codes := []string{"111111", "222222"}
	f.svc.codeFn = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	f.channel.EXPECT().SendVerificationCode(gomock.Any(), testEmail, gomock.Any(), gomock.Any(), PurposeDeviceUnbind).Return(nil).Times(2)

	_, err := f.svc.RequestUnbind(ctx, testLicense, b.ID)
	require.NoError(t, err)
	_, err = f.svc.RequestUnbind(ctx, testLicense, b.ID)
	require.NoError(t, err)

	var count int64
	require.NoError(t, f.db.Model(&UnbindChallenge{}).Where("license_id = ?", testLicense).Count(&count).Error)
	require.EqualValues(t, 1, count)

	_, err = f.svc.ConfirmUnbind(ctx, testLicense, "111111")
	require.ErrorIs(t, err, ErrInvalidCode)

	_, err = f.svc.ConfirmUnbind(ctx, testLicense, "222222")
	require.NoError(t, err)
}

func TestConfirmUnbind_TooManyAttempts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.bind(t, "fp-a")
	b := f.bind(t, "fp-b")

	f.expectCode(1)
	_, err := f.svc.RequestUnbind(ctx, testLicense, b.ID)
	require.NoError(t, err)

	for i := 1; i < defaultMaxConfirmAttempts; i++ {
		_, err = f.svc.ConfirmUnbind(ctx, testLicense, "000000")
		require.ErrorIs(t, err, ErrInvalidCode)
	}

	var stored UnbindChallenge
	require.NoError(t, f.db.First(&stored, "license_id = ?", testLicense).Error)
	require.Equal(t, defaultMaxConfirmAttempts-1, stored.Attempts)

	_, err = f.svc.ConfirmUnbind(ctx, testLicense, "000000")
	require.ErrorIs(t, err, ErrTooManyAttempts)

	// The right code no longer works once the challenge is discarded.
	_, err = f.svc.ConfirmUnbind(ctx, testLicense, testCode)
	require.ErrorIs(t, err, ErrNoPendingChallenge)

	devices, err := f.svc.ListActiveDevices(ctx, testLicense)
	require.NoError(t, err)
	require.Equal(t, StatusActive, devices[1].Status)
}

func TestConfirmUnbind_Expired(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.bind(t, "fp-a")
	b := f.bind(t, "fp-b")

	f.expectCode(1)
	_, err := f.svc.RequestUnbind(ctx, testLicense, b.ID)
	require.NoError(t, err)

	f.clock.Advance(CodeTTL)
	_, err = f.svc.ConfirmUnbind(ctx, testLicense, testCode)
	require.ErrorIs(t, err, ErrCodeExpired)
	require.Equal(t, errutil.StatusGone, errutil.FromError(err).Code)

	_, err = f.svc.ConfirmUnbind(ctx, testLicense, testCode)
	require.ErrorIs(t, err, ErrNoPendingChallenge)
}

func TestConfirmUnbind_NoChallenge(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.ConfirmUnbind(context.Background(), "lic-none", testCode)
	require.ErrorIs(t, err, ErrNoPendingChallenge)
}

func TestStateMachine(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusActive, StatusPendingUnbind, true},
		{StatusActive, StatusUnbound, false},
		{StatusActive, StatusActive, false},
		{StatusPendingUnbind, StatusActive, true},
		{StatusPendingUnbind, StatusUnbound, true},
		{StatusPendingUnbind, StatusPendingUnbind, false},
		{StatusUnbound, StatusActive, false},
		{StatusUnbound, StatusPendingUnbind, false},
		{StatusUnbound, StatusUnbound, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCancelAndCompleteGuards(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.bind(t, "fp-a")
	b := f.bind(t, "fp-b")

	_, err := f.svc.CancelUnbind(ctx, testLicense, b.ID)
	require.ErrorIs(t, err, ErrNotPending)
	_, err = f.svc.CompleteUnbind(ctx, testLicense, b.ID)
	require.ErrorIs(t, err, ErrNotPending)

	f.confirm(t, b.ID)

	ok, err := f.svc.CancelUnbind(ctx, testLicense, b.ID)
	require.NoError(t, err)
	require.True(t, ok)

	var reloaded DeviceBinding
	require.NoError(t, f.db.First(&reloaded, "id = ?", b.ID).Error)
	require.Equal(t, StatusActive, reloaded.Status)
	require.Nil(t, reloaded.UnbindRequestedAt)
	require.Nil(t, reloaded.UnbindAvailableAt)

	// A cancelled unbind is not counted.
	check, err := f.svc.CheckCanUnbind(ctx, testLicense, b.ID)
	require.NoError(t, err)
	require.True(t, check.Allowed)

	f.unbind(t, b.ID)

	_, err = f.svc.CompleteUnbind(ctx, testLicense, b.ID)
	require.ErrorIs(t, err, ErrNotPending)
	_, err = f.svc.CancelUnbind(ctx, testLicense, b.ID)
	require.ErrorIs(t, err, ErrNotPending)
	_, err = f.svc.CancelUnbind(ctx, testLicense, "missing")
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSlidingWindow(t *testing.T) {
	f := newFixture(t, uniformTable(t, trust.Policy{MaxDevices: 4, UnbindsPerMonth: 2, CooldownHours: 0}))
	ctx := context.Background()

	f.bind(t, "fp-a")
	b := f.bind(t, "fp-b")
	c := f.bind(t, "fp-c")
	d := f.bind(t, "fp-d")

	f.unbind(t, b.ID)
	require.Equal(t, 0, f.record(t).ConsecutiveLimitHits)

	f.clock.Advance(29 * 24 * time.Hour)
	f.unbind(t, c.ID)
	require.Equal(t, 1, f.record(t).ConsecutiveLimitHits)

	check, err := f.svc.CheckCanUnbind(ctx, testLicense, d.ID)
	require.NoError(t, err)
	require.False(t, check.Allowed)
	require.Equal(t, DenyReasonLimitReached, check.Reason)
	require.Equal(t, 2, check.UnbindsUsed)
	require.Equal(t, 0, check.UnbindsRemaining)
	require.NotNil(t, check.UnbindsResetAt)
	require.True(t, check.UnbindsResetAt.Equal(t0.Add(trust.Month)))

	_, err = f.svc.RequestUnbind(ctx, testLicense, d.ID)
	require.ErrorIs(t, err, ErrUnbindRateLimitExceeded)
	var de *Error
	require.True(t, errors.As(err, &de))
	require.True(t, de.ResetAt.Equal(t0.Add(trust.Month)))

	f.clock.Advance(24*time.Hour + time.Second)
	check, err = f.svc.CheckCanUnbind(ctx, testLicense, d.ID)
	require.NoError(t, err)
	require.True(t, check.Allowed)
	require.Equal(t, 1, check.UnbindsUsed)
	require.Equal(t, 1, check.UnbindsRemaining)
}

func TestRepeatedLimitHitsDemoteTrust(t *testing.T) {
	f := newFixture(t, uniformTable(t, trust.Policy{MaxDevices: 3, UnbindsPerMonth: 1, CooldownHours: 0}))
	ctx := context.Background()

	f.bind(t, "fp-anchor")
	expected := []trust.Level{trust.LevelStandard, trust.LevelStandard, trust.LevelNew}

	for round, want := range expected {
		f.clock.Advance(31 * 24 * time.Hour)
		b := f.bind(t, "fp-round-"+string(rune('a'+round)))
		f.unbind(t, b.ID)

		record := f.record(t)
		require.Equal(t, round+1, record.ConsecutiveLimitHits)
		require.Equal(t, want, record.TrustLevel, "round %d", round+1)
	}

	// Months of tenure no longer promote while the hit streak stands.
	f.clock.Advance(200 * 24 * time.Hour)
	status, err := f.svc.GetTrustStatus(ctx, testLicense)
	require.NoError(t, err)
	require.Equal(t, trust.LevelNew, status.TrustLevel)
	require.Equal(t, 3, status.TotalUnbindsCount)
}
