package devicebinding

import (
	"context"
	"sync"
	"testing"
	"time"

	"devicetrust-controlplane/services/testutil"
	"devicetrust-controlplane/services/trust"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const (
	testLicense = "lic-1"
	testEmail   = "owner@example.com"
	testCode    = "123456"
)

var t0 = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc     *Service
	db      *gorm.DB
	clock   *testClock
	channel *MockVerificationChannel
}

func newFixture(t *testing.T, table *trust.Table) *fixture {
	t.Helper()

	if table == nil {
		table = trust.DefaultTable()
	}

	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	channel := NewMockVerificationChannel(gomock.NewController(t))
	clock := &testClock{now: t0}

	svc := NewService(ServiceParams{
		DB:         db,
		Node:       node,
		Policies:   table,
		Thresholds: trust.DefaultThresholds(),
		Channel:    channel,
	})
	svc.hashCost = bcrypt.MinCost
	svc.nowFn = clock.Now
	svc.codeFn = func() (string, error) { return testCode, nil }

	return &fixture{svc: svc, db: db, clock: clock, channel: channel}
}

// uniformTable applies the same policy at every trust level so level changes
// do not affect the scenario under test.
func uniformTable(t *testing.T, p trust.Policy) *trust.Table {
	t.Helper()
	table, err := trust.NewTable(map[trust.Level]trust.Policy{
		trust.LevelNew:      p,
		trust.LevelStandard: p,
		trust.LevelTrusted:  p,
	})
	require.NoError(t, err)
	return table
}

func (f *fixture) bind(t *testing.T, fingerprint string) *DeviceBinding {
	t.Helper()
	b, err := f.svc.BindCurrentDevice(context.Background(), testLicense, fingerprint, DeviceMetadata{
		Name:  fingerprint,
		Class: DeviceClassDesktop,
		Email: testEmail,
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) expectCode(times int) {
	f.channel.EXPECT().
		SendVerificationCode(gomock.Any(), testEmail, testCode, gomock.Any(), PurposeDeviceUnbind).
		Return(nil).
		Times(times)
}

// confirm runs request and confirm for deviceID.
func (f *fixture) confirm(t *testing.T, deviceID string) *UnbindConfirmation {
	t.Helper()
	ctx := context.Background()

	f.expectCode(1)
	_, err := f.svc.RequestUnbind(ctx, testLicense, deviceID)
	require.NoError(t, err)

	out, err := f.svc.ConfirmUnbind(ctx, testLicense, testCode)
	require.NoError(t, err)
	return out
}

// unbind runs the whole workflow for deviceID, waiting out the cooldown.
func (f *fixture) unbind(t *testing.T, deviceID string) {
	t.Helper()

	out := f.confirm(t, deviceID)
	if wait := out.UnbindAvailableAt.Sub(f.clock.Now()); wait > 0 {
		f.clock.Advance(wait)
	}

	ok, err := f.svc.CompleteUnbind(context.Background(), testLicense, deviceID)
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) record(t *testing.T) *LicenseTrustRecord {
	t.Helper()
	var r LicenseTrustRecord
	require.NoError(t, f.db.Where("license_id = ?", testLicense).First(&r).Error)
	return &r
}
