package devicebinding

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"devicetrust-controlplane/pkg/db/option"
	"devicetrust-controlplane/pkg/db/pagination"
	"devicetrust-controlplane/pkg/errutil"
	"devicetrust-controlplane/services/trust"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// sweepLocked finalizes every pending binding of the license whose cooldown
// has elapsed. The caller holds the license lock, so only rows still pending
// at this point are touched.
func (s *Service) sweepLocked(ctx context.Context, tx *gorm.DB, record *LicenseTrustRecord, now time.Time, trigger string) (int, error) {
	due, err := s.bindings.WithTrx(tx).Find(ctx, map[string]any{"license_id": record.LicenseID, "status": StatusPendingUnbind},
		option.ApplyOperator(option.Condition{Field: "unbind_available_at", Operator: option.LTE, Value: now}),
		option.WithSortBy(option.QuerySortBy{SortBy: "unbind_available_at", OrderBy: "asc", Allow: map[string]bool{"unbind_available_at": true}}),
	)
	if err != nil {
		return 0, fmt.Errorf("find due unbinds: %w", err)
	}

	for _, b := range due {
		if err := s.finalizeLocked(ctx, tx, record, b, now, trigger); err != nil {
			return 0, err
		}
	}
	return len(due), nil
}

// Sweep completes the license's due unbinds and returns how many it finalized.
func (s *Service) Sweep(ctx context.Context, licenseID string) (int, error) {
	ctx, span := tracer.Start(ctx, "devicebinding.Sweep")
	defer span.End()

	if err := validateLicense(licenseID); err != nil {
		return 0, err
	}

	var n int
	err := s.withLicense(ctx, licenseID, false, func(tx *gorm.DB, record *LicenseTrustRecord, now time.Time) error {
		if record == nil {
			return nil
		}
		var err error
		n, err = s.sweepLocked(ctx, tx, record, now, "sweep")
		return err
	})
	if err != nil {
		logger(ctx).Error("failed to sweep license", zap.String("license_id", licenseID), zap.Error(err))
		return 0, err
	}
	return n, nil
}

// PendingLicenses lists licenses with at least one unbind due at now.
func (s *Service) PendingLicenses(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&DeviceBinding{}).
		Where("status = ? AND unbind_available_at <= ?", StatusPendingUnbind, s.now()).
		Distinct("license_id").
		Order("license_id").
		Pluck("license_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list licenses with due unbinds: %w", err)
	}
	return ids, nil
}

// SweepAll sweeps every license with due unbinds. A failing license does not
// stop the others; the error reports how many failed.
func (s *Service) SweepAll(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "devicebinding.SweepAll")
	defer span.End()

	ids, err := s.PendingLicenses(ctx)
	if err != nil {
		logger(ctx).Error("failed to list pending licenses", zap.Error(err))
		return 0, err
	}

	total, failed := s.forEachLicense(ctx, ids, func(ctx context.Context, licenseID string) (int, error) {
		return s.Sweep(ctx, licenseID)
	})

	logger(ctx).Info("sweep finished",
		zap.Int("licenses", len(ids)),
		zap.Int64("finalized", total),
		zap.Int64("failed", failed),
	)
	if failed > 0 {
		return int(total), fmt.Errorf("sweep failed for %d of %d licenses", failed, len(ids))
	}
	return int(total), nil
}

// forEachLicense runs fn over ids with bounded concurrency and sums its
// results. It stops scheduling new work once ctx is done.
func (s *Service) forEachLicense(ctx context.Context, ids []string, fn func(context.Context, string) (int, error)) (total, failed int64) {
	var sum, fails atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, err := fn(gctx, id)
			if err != nil {
				fails.Add(1)
				return nil
			}
			sum.Add(int64(n))
			return nil
		})
	}
	_ = g.Wait()

	return sum.Load(), fails.Load()
}

// RecomputeTrust re-evaluates the license's trust level and reports whether
// it changed.
func (s *Service) RecomputeTrust(ctx context.Context, licenseID string) (trust.Level, bool, error) {
	ctx, span := tracer.Start(ctx, "devicebinding.RecomputeTrust")
	defer span.End()

	if err := validateLicense(licenseID); err != nil {
		return "", false, err
	}

	var (
		level   trust.Level
		changed bool
	)
	err := s.withLicense(ctx, licenseID, false, func(tx *gorm.DB, record *LicenseTrustRecord, now time.Time) error {
		if record == nil {
			return ErrLicenseNotFound
		}
		level = record.TrustLevel
		changed = record.levelChanged
		return nil
	})
	if err != nil {
		if !isDomainError(err) {
			logger(ctx).Error("failed to recompute trust", zap.String("license_id", licenseID), zap.Error(err))
		}
		return "", false, err
	}
	return level, changed, nil
}

// RecomputeAll re-evaluates every license and returns how many changed level.
func (s *Service) RecomputeAll(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "devicebinding.RecomputeAll")
	defer span.End()

	var ids []string
	if err := s.db.WithContext(ctx).Model(&LicenseTrustRecord{}).Order("license_id").Pluck("license_id", &ids).Error; err != nil {
		logger(ctx).Error("failed to list licenses", zap.Error(err))
		return 0, fmt.Errorf("list licenses: %w", err)
	}

	changed, failed := s.forEachLicense(ctx, ids, func(ctx context.Context, licenseID string) (int, error) {
		_, ok, err := s.RecomputeTrust(ctx, licenseID)
		if err != nil || !ok {
			return 0, err
		}
		return 1, nil
	})

	logger(ctx).Info("trust recompute finished",
		zap.Int("licenses", len(ids)),
		zap.Int64("changed", changed),
		zap.Int64("failed", failed),
	)
	if failed > 0 {
		return int(changed), fmt.Errorf("trust recompute failed for %d of %d licenses", failed, len(ids))
	}
	return int(changed), nil
}

// GetTrustStatus reports the license's trust level, effective policy and
// current unbind window usage.
func (s *Service) GetTrustStatus(ctx context.Context, licenseID string) (*TrustStatus, error) {
	ctx, span := tracer.Start(ctx, "devicebinding.GetTrustStatus")
	defer span.End()

	if err := validateLicense(licenseID); err != nil {
		return nil, err
	}

	var out *TrustStatus
	err := s.withLicense(ctx, licenseID, false, func(tx *gorm.DB, record *LicenseTrustRecord, now time.Time) error {
		if record == nil {
			return ErrLicenseNotFound
		}
		if _, err := s.sweepLocked(ctx, tx, record, now, "sweep"); err != nil {
			return err
		}

		policy, err := s.policyFor(ctx, record.TrustLevel)
		if err != nil {
			return err
		}
		window, err := s.unbindsInWindow(ctx, tx, licenseID, now)
		if err != nil {
			return err
		}
		devices, err := s.bindings.WithTrx(tx).Count(ctx, map[string]any{"license_id": licenseID},
			option.WhereIn("status", occupiedStatuses),
		)
		if err != nil {
			return fmt.Errorf("count device bindings: %w", err)
		}

		regions := record.Regions()
		if regions == nil {
			regions = []RegionObservation{}
		}

		out = &TrustStatus{
			LicenseID:            record.LicenseID,
			TrustLevel:           record.TrustLevel,
			TrustLevelUpdatedAt:  record.TrustLevelUpdatedAt,
			BoundAt:              record.BoundAt,
			MonthsActive:         trust.MonthsActive(record.BoundAt, now),
			Policy:               policy,
			DevicesInUse:         int(devices),
			UnbindsUsed:          len(window),
			UnbindsRemaining:     max(policy.UnbindsPerMonth-len(window), 0),
			UnbindsResetAt:       windowResetAt(window, policy.UnbindsPerMonth),
			TotalUnbindsCount:    record.TotalUnbindsCount,
			LastUnbindAt:         record.LastUnbindAt,
			ConsecutiveLimitHits: record.ConsecutiveLimitHits,
			RecentRegions:        regions,
			ContactEmailOnFile:   record.Email != "",
		}
		return nil
	})
	if err != nil {
		if !isDomainError(err) {
			logger(ctx).Error("failed to load trust status", zap.String("license_id", licenseID), zap.Error(err))
		}
		return nil, err
	}
	return out, nil
}

// ListUnbindHistory pages through the license's unbind ledger, newest first.
func (s *Service) ListUnbindHistory(ctx context.Context, licenseID string, p pagination.Pagination) ([]*UnbindHistoryEntry, *pagination.PageInfo, error) {
	ctx, span := tracer.Start(ctx, "devicebinding.ListUnbindHistory")
	defer span.End()

	if err := validateLicense(licenseID); err != nil {
		return nil, nil, err
	}

	opts := []option.QueryOption{
		func(db *gorm.DB) *gorm.DB {
			return db.Order("unbound_at DESC").Order("id DESC")
		},
		option.ApplyPagination(p),
	}

	if p.Cursor != "" {
		cursor, err := pagination.DecodeCursor(p.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		at, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		opts = append(opts, func(db *gorm.DB) *gorm.DB {
			return db.Where("((unbound_at < ?) OR (unbound_at = ? AND id < ?))", at.UTC(), at.UTC(), cursor.ID)
		})
	}

	entries, err := s.history.Find(ctx, map[string]any{"license_id": licenseID}, opts...)
	if err != nil {
		logger(ctx).Error("failed to list unbind history", zap.String("license_id", licenseID), zap.Error(err))
		return nil, nil, fmt.Errorf("list unbind history: %w", err)
	}

	page, info := pagination.BuildCursorPageInfo(entries, p.PageSize(), func(e *UnbindHistoryEntry) string {
		c, _ := pagination.EncodeCursor(pagination.Cursor{CreatedAt: e.UnboundAt.UTC().Format(time.RFC3339Nano), ID: e.ID})
		return c
	})
	if page == nil {
		page = []*UnbindHistoryEntry{}
	}
	return page, info, nil
}
