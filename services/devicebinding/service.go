package devicebinding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"devicetrust-controlplane/pkg/config"
	"devicetrust-controlplane/pkg/db/option"
	"devicetrust-controlplane/pkg/errutil"
	"devicetrust-controlplane/pkg/repository"
	"devicetrust-controlplane/pkg/task"
	"devicetrust-controlplane/pkg/util"
	"devicetrust-controlplane/services/trust"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

//go:generate mockgen -destination=mock_channel_test.go -package=devicebinding . VerificationChannel

const (
	// CodeTTL is how long an unbind verification code stays valid.
	CodeTTL    = 10 * time.Minute
	codeDigits = 6

	PurposeDeviceUnbind = "device_unbind"

	defaultMaxConfirmAttempts = 5
	defaultSweepConcurrency   = 4
)

var tracer = otel.Tracer("devicetrust-controlplane/services/devicebinding")

// VerificationChannel delivers one-time codes to the license owner.
type VerificationChannel interface {
	SendVerificationCode(ctx context.Context, email, code, deviceName, purpose string) error
}

type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	policies   *trust.Table
	thresholds trust.Thresholds
	channel    VerificationChannel
	enqueuer   task.Enqueuer

	bindings   repository.Repository[DeviceBinding]
	records    repository.Repository[LicenseTrustRecord]
	history    repository.Repository[UnbindHistoryEntry]
	challenges repository.Repository[UnbindChallenge]

	maxAttempts     int
	hashCost        int
	concurrency     int
	completionQueue string

	nowFn  func() time.Time
	codeFn func() (string, error)
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Node       *snowflake.Node
	Config     *config.Config
	Policies   *trust.Table
	Thresholds trust.Thresholds
	Channel    VerificationChannel
	Enqueuer   task.Enqueuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		db:         p.DB,
		node:       p.Node,
		policies:   p.Policies,
		thresholds: p.Thresholds,
		channel:    p.Channel,
		enqueuer:   p.Enqueuer,

		bindings:   repository.ProvideStore[DeviceBinding](p.DB),
		records:    repository.ProvideStore[LicenseTrustRecord](p.DB),
		history:    repository.ProvideStore[UnbindHistoryEntry](p.DB),
		challenges: repository.ProvideStore[UnbindChallenge](p.DB),

		maxAttempts: defaultMaxConfirmAttempts,
		hashCost:    bcrypt.DefaultCost,
		concurrency: defaultSweepConcurrency,

		nowFn: func() time.Time { return time.Now().UTC() },
		codeFn: func() (string, error) {
			return util.GenerateNumericCode(codeDigits)
		},
	}

	if p.Config != nil {
		if p.Config.Unbind.MaxConfirmAttempts > 0 {
			s.maxAttempts = p.Config.Unbind.MaxConfirmAttempts
		}
		if p.Config.Unbind.CodeHashCost >= bcrypt.MinCost {
			s.hashCost = p.Config.Unbind.CodeHashCost
		}
		if p.Config.Sweep.Concurrency > 0 {
			s.concurrency = p.Config.Sweep.Concurrency
		}
		s.completionQueue = p.Config.Sweep.CompletionQueue
	}

	return s
}

func (s *Service) now() time.Time {
	return s.nowFn().UTC()
}

func logger(ctx context.Context) *zap.Logger {
	span := trace.SpanFromContext(ctx)
	return zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)
}

func validateLicense(licenseID string) error {
	if strings.TrimSpace(licenseID) == "" {
		return errutil.BadRequest("license_id is required", nil)
	}
	return nil
}

// validateDevice rejects empty identifiers before they reach a query.
func validateDevice(licenseID, deviceID, field string) error {
	if err := validateLicense(licenseID); err != nil {
		return err
	}
	if strings.TrimSpace(deviceID) == "" {
		return errutil.BadRequest(field+" is required", nil)
	}
	return nil
}

func isDomainError(err error) bool {
	var de *Error
	return errors.As(err, &de)
}

// withLicense runs fn in one transaction holding the license's trust record
// row lock, which serializes every mutation of the license. record is nil when
// the license has never bound a device and create is false. The trust level is
// re-evaluated before fn runs.
func (s *Service) withLicense(ctx context.Context, licenseID string, create bool, fn func(tx *gorm.DB, record *LicenseTrustRecord, now time.Time) error) error {
	if err := validateLicense(licenseID); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()

		if create {
			seed := &LicenseTrustRecord{
				LicenseID:  licenseID,
				BoundAt:    now,
				TrustLevel: trust.LevelNew,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			seed.setRegions(nil)
			if err := s.records.WithTrx(tx).CreateIfAbsent(ctx, seed); err != nil {
				return fmt.Errorf("create trust record: %w", err)
			}
		}

		record, err := s.records.WithTrx(tx).FindOne(ctx, map[string]any{"license_id": licenseID}, option.WithLockingUpdate())
		if err != nil {
			return fmt.Errorf("lock trust record: %w", err)
		}

		if record != nil {
			pruned := record.PruneRegions(now)
			if s.evaluateTrust(ctx, record, now) || pruned {
				if err := s.saveRecord(ctx, tx, record, now); err != nil {
					return err
				}
			}
		}

		return fn(tx, record, now)
	})
}

// evaluateTrust applies the trust computation to record in memory and
// reports whether the level changed.
func (s *Service) evaluateTrust(ctx context.Context, record *LicenseTrustRecord, now time.Time) bool {
	next, changed := s.thresholds.Apply(record.TrustLevel, record.signals(), now)
	if !changed {
		return false
	}

	logger(ctx).Info("trust level changed",
		zap.String("license_id", record.LicenseID),
		zap.String("from", record.TrustLevel.String()),
		zap.String("to", next.String()),
		zap.Int("consecutive_limit_hits", record.ConsecutiveLimitHits),
	)
	trustLevelChangesTotal.WithLabelValues(record.TrustLevel.String(), next.String()).Inc()

	record.TrustLevel = next
	record.TrustLevelUpdatedAt = &now
	record.levelChanged = true
	return true
}

func (s *Service) saveRecord(ctx context.Context, tx *gorm.DB, record *LicenseTrustRecord, now time.Time) error {
	record.UpdatedAt = now
	if err := s.records.WithTrx(tx).Save(ctx, record); err != nil {
		return fmt.Errorf("save trust record: %w", err)
	}
	return nil
}

func (s *Service) saveBinding(ctx context.Context, tx *gorm.DB, b *DeviceBinding, now time.Time) error {
	b.UpdatedAt = now
	if err := s.bindings.WithTrx(tx).Save(ctx, b); err != nil {
		return fmt.Errorf("save device binding: %w", err)
	}
	return nil
}

// policyFor resolves the policy for level. A missing level means the policy
// table and stored data disagree, which is a deployment defect.
func (s *Service) policyFor(ctx context.Context, level trust.Level) (trust.Policy, error) {
	p, err := s.policies.PolicyFor(level)
	if err != nil {
		logger(ctx).DPanic("no trust policy for level", zap.String("trust_level", level.String()), zap.Error(err))
		return trust.Policy{}, ErrInvalidTrustLevel.wrap(err)
	}
	return p, nil
}

func orderByCreated(db *gorm.DB) *gorm.DB {
	return db.Order("created_at ASC").Order("id ASC")
}

// occupied returns the bindings counting toward the device quota.
func (s *Service) occupied(ctx context.Context, tx *gorm.DB, licenseID string) ([]*DeviceBinding, error) {
	out, err := s.bindings.WithTrx(tx).Find(ctx, map[string]any{"license_id": licenseID},
		option.WhereIn("status", occupiedStatuses),
		orderByCreated,
	)
	if err != nil {
		return nil, fmt.Errorf("list device bindings: %w", err)
	}
	return out, nil
}

func (s *Service) observe(record *LicenseTrustRecord, meta DeviceMetadata, now time.Time) bool {
	dirty := false
	if meta.Region != "" {
		record.ObserveRegion(meta.Region, now)
		dirty = true
	}
	if record.Email == "" && meta.Email != "" {
		record.Email = strings.TrimSpace(meta.Email)
		dirty = true
	}
	return dirty
}

// BindCurrentDevice binds fingerprint to the license. Binding a fingerprint
// that is already bound returns the existing row unchanged.
func (s *Service) BindCurrentDevice(ctx context.Context, licenseID, fingerprint string, meta DeviceMetadata) (*DeviceBinding, error) {
	ctx, span := tracer.Start(ctx, "devicebinding.BindCurrentDevice")
	defer span.End()

	zapLog := logger(ctx).With(zap.String("license_id", licenseID))

	fingerprint = strings.TrimSpace(fingerprint)
	if licenseID == "" || fingerprint == "" {
		return nil, errutil.BadRequest("license_id and device fingerprint are required", nil)
	}

	var (
		out     *DeviceBinding
		created bool
	)
	err := s.withLicense(ctx, licenseID, true, func(tx *gorm.DB, record *LicenseTrustRecord, now time.Time) error {
		if s.observe(record, meta, now) {
			s.evaluateTrust(ctx, record, now)
			if err := s.saveRecord(ctx, tx, record, now); err != nil {
				return err
			}
		}

		policy, err := s.policyFor(ctx, record.TrustLevel)
		if err != nil {
			return err
		}

		occupied, err := s.occupied(ctx, tx, licenseID)
		if err != nil {
			return err
		}

		for _, b := range occupied {
			if b.DeviceFingerprint == fingerprint {
				out = b
				return nil
			}
		}

		if len(occupied) >= policy.MaxDevices {
			return limitError(policy.MaxDevices)
		}

		class := meta.Class
		if class == "" {
			class = DeviceClassDesktop
		}
		name := strings.TrimSpace(meta.Name)
		if name == "" {
			name = defaultDeviceName(class)
		}

		binding := &DeviceBinding{
			ID:                s.node.Generate().String(),
			LicenseID:         licenseID,
			DeviceFingerprint: fingerprint,
			DeviceName:        name,
			DeviceClass:       class,
			Status:            StatusActive,
			LastActiveAt:      now,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.bindings.WithTrx(tx).Create(ctx, binding); err != nil {
			return fmt.Errorf("create device binding: %w", err)
		}

		out = binding
		created = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDeviceLimitExceeded) {
			bindsTotal.WithLabelValues("denied").Inc()
			zapLog.Info("device limit reached, bind denied")
			return nil, err
		}
		if !isDomainError(err) {
			zapLog.Error("failed to bind device", zap.Error(err))
		}
		return nil, err
	}

	if !created {
		bindsTotal.WithLabelValues("existing").Inc()
		return out, nil
	}

	bindsTotal.WithLabelValues("created").Inc()
	zapLog.Info("device bound", zap.String("device_id", out.ID), zap.String("device_class", out.DeviceClass.String()))
	return out, nil
}

// Bind resolves the calling device through provider and binds it.
func (s *Service) Bind(ctx context.Context, licenseID string, provider FingerprintProvider) (*DeviceBinding, error) {
	identity, err := provider.Identify(ctx)
	if err != nil {
		return nil, err
	}
	return s.BindCurrentDevice(ctx, licenseID, identity.Fingerprint, identity.Metadata)
}

// ListActiveDevices completes due unbinds, then returns the bindings that
// count toward the quota, oldest first.
func (s *Service) ListActiveDevices(ctx context.Context, licenseID string) ([]*DeviceBinding, error) {
	ctx, span := tracer.Start(ctx, "devicebinding.ListActiveDevices")
	defer span.End()

	if err := validateLicense(licenseID); err != nil {
		return nil, err
	}

	var out []*DeviceBinding
	err := s.withLicense(ctx, licenseID, false, func(tx *gorm.DB, record *LicenseTrustRecord, now time.Time) error {
		if record == nil {
			return nil
		}
		if _, err := s.sweepLocked(ctx, tx, record, now, "sweep"); err != nil {
			return err
		}

		var err error
		out, err = s.occupied(ctx, tx, licenseID)
		return err
	})
	if err != nil {
		logger(ctx).Error("failed to list devices", zap.String("license_id", licenseID), zap.Error(err))
		return nil, err
	}
	if out == nil {
		out = []*DeviceBinding{}
	}
	return out, nil
}

// RefreshDevice stamps last_active_at on the active binding for the
// fingerprint. It fails with ErrDeviceNotFound when the device is not active.
func (s *Service) RefreshDevice(ctx context.Context, licenseID string, identity DeviceIdentity) (*DeviceBinding, error) {
	ctx, span := tracer.Start(ctx, "devicebinding.RefreshDevice")
	defer span.End()

	if err := validateDevice(licenseID, identity.Fingerprint, "device fingerprint"); err != nil {
		return nil, err
	}

	var out *DeviceBinding
	err := s.withLicense(ctx, licenseID, false, func(tx *gorm.DB, record *LicenseTrustRecord, now time.Time) error {
		if record == nil {
			return ErrDeviceNotFound
		}

		b, err := s.bindings.WithTrx(tx).FindOne(ctx, map[string]any{
			"license_id":         licenseID,
			"device_fingerprint": identity.Fingerprint,
			"status":             StatusActive,
		})
		if err != nil {
			return fmt.Errorf("find device binding: %w", err)
		}
		if b == nil {
			return ErrDeviceNotFound
		}

		b.LastActiveAt = now
		if err := s.saveBinding(ctx, tx, b, now); err != nil {
			return err
		}

		if s.observe(record, identity.Metadata, now) {
			s.evaluateTrust(ctx, record, now)
			if err := s.saveRecord(ctx, tx, record, now); err != nil {
				return err
			}
		}

		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
