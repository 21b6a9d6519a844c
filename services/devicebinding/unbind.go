package devicebinding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"devicetrust-controlplane/pkg/db/option"
	"devicetrust-controlplane/services/trust"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// unbindsInWindow returns the history rows still inside the trailing
// 30-day window at now, oldest first.
func (s *Service) unbindsInWindow(ctx context.Context, tx *gorm.DB, licenseID string, now time.Time) ([]*UnbindHistoryEntry, error) {
	entries, err := s.history.WithTrx(tx).Find(ctx, map[string]any{"license_id": licenseID},
		option.ApplyOperator(option.Condition{Field: "unbound_at", Operator: option.GT, Value: now.Add(-trust.Month)}),
		option.WithSortBy(option.QuerySortBy{SortBy: "unbound_at", OrderBy: "asc", Allow: map[string]bool{"unbound_at": true}}),
	)
	if err != nil {
		return nil, fmt.Errorf("count unbinds in window: %w", err)
	}
	return entries, nil
}

// windowResetAt is when enough counted unbinds age out for one more to fit
// under limit.
func windowResetAt(window []*UnbindHistoryEntry, limit int) *time.Time {
	if len(window) < limit || limit <= 0 {
		return nil
	}
	at := window[len(window)-limit].UnboundAt.Add(trust.Month)
	return &at
}

// checkLocked evaluates unbind eligibility for deviceID. Lookup failures are
// returned as errors; policy denials are reported on the check.
func (s *Service) checkLocked(ctx context.Context, tx *gorm.DB, record *LicenseTrustRecord, deviceID string, now time.Time) (*UnbindCheck, *DeviceBinding, trust.Policy, error) {
	b, err := s.bindings.WithTrx(tx).FindOne(ctx, map[string]any{"id": deviceID, "license_id": record.LicenseID})
	if err != nil {
		return nil, nil, trust.Policy{}, fmt.Errorf("find device binding: %w", err)
	}
	if b == nil {
		return nil, nil, trust.Policy{}, ErrDeviceNotFound
	}
	if b.Status == StatusUnbound {
		return nil, b, trust.Policy{}, ErrDeviceNotActive
	}

	policy, err := s.policyFor(ctx, record.TrustLevel)
	if err != nil {
		return nil, b, trust.Policy{}, err
	}

	window, err := s.unbindsInWindow(ctx, tx, record.LicenseID, now)
	if err != nil {
		return nil, b, policy, err
	}

	check := &UnbindCheck{
		DeviceID:         b.ID,
		UnbindsUsed:      len(window),
		UnbindsRemaining: max(policy.UnbindsPerMonth-len(window), 0),
	}

	if b.Status == StatusPendingUnbind {
		check.Reason = DenyReasonPendingUnbind
		return check, b, policy, nil
	}

	occupied, err := s.bindings.WithTrx(tx).Count(ctx, map[string]any{"license_id": record.LicenseID},
		option.WhereIn("status", occupiedStatuses),
	)
	if err != nil {
		return nil, b, policy, fmt.Errorf("count device bindings: %w", err)
	}
	if occupied <= 1 {
		check.Reason = DenyReasonLastDevice
		return check, b, policy, nil
	}

	if len(window) >= policy.UnbindsPerMonth {
		check.Reason = DenyReasonLimitReached
		check.UnbindsResetAt = windowResetAt(window, policy.UnbindsPerMonth)
		return check, b, policy, nil
	}

	check.Allowed = true
	return check, b, policy, nil
}

// CheckCanUnbind reports whether deviceID may start the unbind workflow.
func (s *Service) CheckCanUnbind(ctx context.Context, licenseID, deviceID string) (*UnbindCheck, error) {
	ctx, span := tracer.Start(ctx, "devicebinding.CheckCanUnbind")
	defer span.End()

	if err := validateDevice(licenseID, deviceID, "device_id"); err != nil {
		return nil, err
	}

	var out *UnbindCheck
	err := s.withLicense(ctx, licenseID, false, func(tx *gorm.DB, record *LicenseTrustRecord, now time.Time) error {
		if record == nil {
			return ErrDeviceNotFound
		}
		if _, err := s.sweepLocked(ctx, tx, record, now, "sweep"); err != nil {
			return err
		}

		check, _, _, err := s.checkLocked(ctx, tx, record, deviceID, now)
		if err != nil {
			return err
		}
		out = check
		return nil
	})
	if err != nil {
		if !isDomainError(err) {
			logger(ctx).Error("failed to check unbind eligibility",
				zap.String("license_id", licenseID), zap.String("device_id", deviceID), zap.Error(err))
		}
		return nil, err
	}

	if !out.Allowed {
		unbindDenialsTotal.WithLabelValues(out.Reason.String()).Inc()
	}
	return out, nil
}

// RequestUnbind re-validates eligibility, sends a one-time code to the
// license's contact email and stores it as the license's only challenge.
// Nothing is stored when delivery fails.
func (s *Service) RequestUnbind(ctx context.Context, licenseID, deviceID string) (*UnbindRequest, error) {
	ctx, span := tracer.Start(ctx, "devicebinding.RequestUnbind")
	defer span.End()

	if err := validateDevice(licenseID, deviceID, "device_id"); err != nil {
		return nil, err
	}

	zapLog := logger(ctx).With(zap.String("license_id", licenseID), zap.String("device_id", deviceID))

	var out *UnbindRequest
	err := s.withLicense(ctx, licenseID, false, func(tx *gorm.DB, record *LicenseTrustRecord, now time.Time) error {
		if record == nil {
			return ErrDeviceNotFound
		}
		if _, err := s.sweepLocked(ctx, tx, record, now, "sweep"); err != nil {
			return err
		}

		check, b, _, err := s.checkLocked(ctx, tx, record, deviceID, now)
		if err != nil {
			return err
		}
		if err := check.Err(); err != nil {
			unbindDenialsTotal.WithLabelValues(check.Reason.String()).Inc()
			return err
		}

		if record.Email == "" {
			return ErrContactEmailMissing
		}

		code, err := s.codeFn()
		if err != nil {
			return fmt.Errorf("generate verification code: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), s.hashCost)
		if err != nil {
			return fmt.Errorf("hash verification code: %w", err)
		}

		if err := s.channel.SendVerificationCode(ctx, record.Email, code, b.DeviceName, PurposeDeviceUnbind); err != nil {
			unbindChallengesTotal.WithLabelValues("delivery_failed").Inc()
			zapLog.Warn("verification code delivery failed", zap.Error(err))
			return ErrChannelDeliveryFailed.wrap(err)
		}

		challenge := &UnbindChallenge{
			LicenseID:     licenseID,
			DeviceID:      b.ID,
			CodeHash:      string(hash),
			CodeExpiresAt: now.Add(CodeTTL),
			CreatedAt:     now,
		}
		if err := s.challenges.WithTrx(tx).Upsert(ctx, challenge, "license_id"); err != nil {
			return fmt.Errorf("store unbind challenge: %w", err)
		}

		out = &UnbindRequest{DeviceID: b.ID, CodeExpiresAt: challenge.CodeExpiresAt}
		return nil
	})
	if err != nil {
		if !isDomainError(err) {
			zapLog.Error("failed to request unbind", zap.Error(err))
		}
		return nil, err
	}

	unbindChallengesTotal.WithLabelValues("issued").Inc()
	zapLog.Info("unbind verification code issued", zap.Time("code_expires_at", out.CodeExpiresAt))
	return out, nil
}

// ConfirmUnbind redeems the license's outstanding code and moves the target
// device into its cooldown. Challenge bookkeeping (attempt counts, expiry
// cleanup) is committed even when the confirmation itself fails.
func (s *Service) ConfirmUnbind(ctx context.Context, licenseID, code string) (*UnbindConfirmation, error) {
	ctx, span := tracer.Start(ctx, "devicebinding.ConfirmUnbind")
	defer span.End()

	if err := validateLicense(licenseID); err != nil {
		return nil, err
	}

	zapLog := logger(ctx).With(zap.String("license_id", licenseID))
	code = strings.TrimSpace(code)

	var (
		out     *UnbindConfirmation
		outcome error
	)
	err := s.withLicense(ctx, licenseID, false, func(tx *gorm.DB, record *LicenseTrustRecord, now time.Time) error {
		if record == nil {
			outcome = ErrNoPendingChallenge
			return nil
		}

		challenges := s.challenges.WithTrx(tx)
		ch, err := challenges.FindOne(ctx, map[string]any{"license_id": licenseID})
		if err != nil {
			return fmt.Errorf("find unbind challenge: %w", err)
		}
		if ch == nil {
			outcome = ErrNoPendingChallenge
			return nil
		}

		if !now.Before(ch.CodeExpiresAt) {
			if err := challenges.Delete(ctx, ch); err != nil {
				return fmt.Errorf("delete expired challenge: %w", err)
			}
			unbindChallengesTotal.WithLabelValues("expired").Inc()
			outcome = ErrCodeExpired
			return nil
		}

		if code == "" || bcrypt.CompareHashAndPassword([]byte(ch.CodeHash), []byte(code)) != nil {
			ch.Attempts++
			if ch.Attempts >= s.maxAttempts {
				if err := challenges.Delete(ctx, ch); err != nil {
					return fmt.Errorf("delete exhausted challenge: %w", err)
				}
				unbindChallengesTotal.WithLabelValues("exhausted").Inc()
				outcome = ErrTooManyAttempts
				return nil
			}
			if err := challenges.Save(ctx, ch); err != nil {
				return fmt.Errorf("record failed attempt: %w", err)
			}
			unbindChallengesTotal.WithLabelValues("invalid").Inc()
			outcome = ErrInvalidCode
			return nil
		}

		// The code is single use from here on, whatever the re-validation says.
		if err := challenges.Delete(ctx, ch); err != nil {
			return fmt.Errorf("consume challenge: %w", err)
		}

		if _, err := s.sweepLocked(ctx, tx, record, now, "sweep"); err != nil {
			return err
		}

		check, b, policy, err := s.checkLocked(ctx, tx, record, ch.DeviceID, now)
		if err != nil {
			if isDomainError(err) {
				outcome = err
				return nil
			}
			return err
		}
		if err := check.Err(); err != nil {
			unbindDenialsTotal.WithLabelValues(check.Reason.String()).Inc()
			outcome = err
			return nil
		}

		availableAt := now.Add(policy.Cooldown())
		b.Status = StatusPendingUnbind
		b.UnbindRequestedAt = &now
		b.UnbindAvailableAt = &availableAt
		if err := s.saveBinding(ctx, tx, b, now); err != nil {
			return err
		}

		out = &UnbindConfirmation{DeviceID: b.ID, UnbindAvailableAt: availableAt}
		return nil
	})
	if err != nil {
		zapLog.Error("failed to confirm unbind", zap.Error(err))
		return nil, err
	}
	if outcome != nil {
		if !isDomainError(outcome) {
			zapLog.Error("failed to confirm unbind", zap.Error(outcome))
		}
		return nil, outcome
	}

	unbindChallengesTotal.WithLabelValues("confirmed").Inc()
	zapLog.Info("unbind confirmed, cooldown started",
		zap.String("device_id", out.DeviceID),
		zap.Time("unbind_available_at", out.UnbindAvailableAt),
	)

	s.scheduleCompletion(ctx, licenseID, out.DeviceID, out.UnbindAvailableAt)
	return out, nil
}

// CancelUnbind returns a pending device to active.
func (s *Service) CancelUnbind(ctx context.Context, licenseID, deviceID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "devicebinding.CancelUnbind")
	defer span.End()

	if err := validateDevice(licenseID, deviceID, "device_id"); err != nil {
		return false, err
	}

	err := s.withLicense(ctx, licenseID, false, func(tx *gorm.DB, record *LicenseTrustRecord, now time.Time) error {
		if record == nil {
			return ErrDeviceNotFound
		}

		b, err := s.bindings.WithTrx(tx).FindOne(ctx, map[string]any{"id": deviceID, "license_id": licenseID})
		if err != nil {
			return fmt.Errorf("find device binding: %w", err)
		}
		if b == nil {
			return ErrDeviceNotFound
		}
		if b.Status != StatusPendingUnbind || !b.Status.CanTransitionTo(StatusActive) {
			return ErrNotPending
		}

		b.Status = StatusActive
		b.UnbindRequestedAt = nil
		b.UnbindAvailableAt = nil
		return s.saveBinding(ctx, tx, b, now)
	})
	if err != nil {
		if !isDomainError(err) {
			logger(ctx).Error("failed to cancel unbind",
				zap.String("license_id", licenseID), zap.String("device_id", deviceID), zap.Error(err))
		}
		return false, err
	}

	logger(ctx).Info("unbind cancelled", zap.String("license_id", licenseID), zap.String("device_id", deviceID))
	return true, nil
}

// CompleteUnbind finalizes a pending device once its cooldown has elapsed.
func (s *Service) CompleteUnbind(ctx context.Context, licenseID, deviceID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "devicebinding.CompleteUnbind")
	defer span.End()

	if err := validateDevice(licenseID, deviceID, "device_id"); err != nil {
		return false, err
	}

	err := s.withLicense(ctx, licenseID, false, func(tx *gorm.DB, record *LicenseTrustRecord, now time.Time) error {
		if record == nil {
			return ErrDeviceNotFound
		}

		b, err := s.bindings.WithTrx(tx).FindOne(ctx, map[string]any{"id": deviceID, "license_id": licenseID})
		if err != nil {
			return fmt.Errorf("find device binding: %w", err)
		}
		if b == nil {
			return ErrDeviceNotFound
		}
		if b.Status != StatusPendingUnbind {
			return ErrNotPending
		}
		if b.UnbindAvailableAt != nil && now.Before(*b.UnbindAvailableAt) {
			return cooldownError(*b.UnbindAvailableAt)
		}

		return s.finalizeLocked(ctx, tx, record, b, now, "explicit")
	})
	if err != nil {
		if !isDomainError(err) {
			logger(ctx).Error("failed to complete unbind",
				zap.String("license_id", licenseID), zap.String("device_id", deviceID), zap.Error(err))
		}
		return false, err
	}

	return true, nil
}

// finalizeLocked moves b to unbound, appends the history row and updates the
// license counters. The caller holds the license lock.
func (s *Service) finalizeLocked(ctx context.Context, tx *gorm.DB, record *LicenseTrustRecord, b *DeviceBinding, now time.Time, trigger string) error {
	if !b.Status.CanTransitionTo(StatusUnbound) {
		return ErrNotPending
	}

	policy, err := s.policyFor(ctx, record.TrustLevel)
	if err != nil {
		return err
	}

	window, err := s.unbindsInWindow(ctx, tx, record.LicenseID, now)
	if err != nil {
		return err
	}

	b.Status = StatusUnbound
	b.UnboundAt = &now
	b.UnbindRequestedAt = nil
	b.UnbindAvailableAt = nil
	if err := s.saveBinding(ctx, tx, b, now); err != nil {
		return err
	}

	entry := &UnbindHistoryEntry{
		ID:                s.node.Generate().String(),
		LicenseID:         record.LicenseID,
		DeviceID:          b.ID,
		DeviceFingerprint: b.DeviceFingerprint,
		DeviceName:        b.DeviceName,
		UnboundAt:         now,
		Reason:            UnbindReasonUserRequest,
		CreatedAt:         now,
	}
	if err := s.history.WithTrx(tx).Create(ctx, entry); err != nil {
		return fmt.Errorf("append unbind history: %w", err)
	}

	record.TotalUnbindsCount++
	record.LastUnbindAt = &now
	if len(window)+1 >= policy.UnbindsPerMonth {
		record.ConsecutiveLimitHits++
	} else {
		record.ConsecutiveLimitHits = 0
	}
	s.evaluateTrust(ctx, record, now)
	if err := s.saveRecord(ctx, tx, record, now); err != nil {
		return err
	}

	unbindsCompletedTotal.WithLabelValues(trigger).Inc()
	logger(ctx).Info("device unbound",
		zap.String("license_id", record.LicenseID),
		zap.String("device_id", b.ID),
		zap.String("trigger", trigger),
		zap.Int("consecutive_limit_hits", record.ConsecutiveLimitHits),
	)
	return nil
}
