package trust

import (
	"errors"
	"fmt"
	"time"
)

type Level string

const (
	LevelNew      Level = "new"
	LevelStandard Level = "standard"
	LevelTrusted  Level = "trusted"
)

func (l Level) String() string {
	return string(l)
}

func (l Level) Valid() bool {
	switch l {
	case LevelNew, LevelStandard, LevelTrusted:
		return true
	default:
		return false
	}
}

// Levels lists every level from least to most trusted.
var Levels = []Level{LevelNew, LevelStandard, LevelTrusted}

const (
	// Month is the fixed length used for account age and the unbind window.
	Month = 30 * 24 * time.Hour
	// RegionWindow bounds how far back region observations count.
	RegionWindow = 7 * 24 * time.Hour
)

var ErrInvalidTrustLevel = errors.New("invalid trust level")

type Policy struct {
	MaxDevices      int `json:"max_devices"`
	UnbindsPerMonth int `json:"unbinds_per_month"`
	CooldownHours   int `json:"cooldown_hours"`
}

func (p Policy) Cooldown() time.Duration {
	return time.Duration(p.CooldownHours) * time.Hour
}

func (p Policy) validate() error {
	if p.MaxDevices < 1 {
		return fmt.Errorf("max_devices must be at least 1, got %d", p.MaxDevices)
	}
	if p.UnbindsPerMonth < 1 {
		return fmt.Errorf("unbinds_per_month must be at least 1, got %d", p.UnbindsPerMonth)
	}
	if p.CooldownHours < 0 {
		return fmt.Errorf("cooldown_hours must not be negative, got %d", p.CooldownHours)
	}
	return nil
}

// Table maps every trust level to its policy. It is immutable after
// construction.
type Table struct {
	policies map[Level]Policy
}

func DefaultPolicies() map[Level]Policy {
	return map[Level]Policy{
		LevelNew:      {MaxDevices: 2, UnbindsPerMonth: 1, CooldownHours: 48},
		LevelStandard: {MaxDevices: 3, UnbindsPerMonth: 2, CooldownHours: 24},
		LevelTrusted:  {MaxDevices: 5, UnbindsPerMonth: 3, CooldownHours: 12},
	}
}

func DefaultTable() *Table {
	t, _ := NewTable(DefaultPolicies())
	return t
}

// NewTable requires a valid policy for every level.
func NewTable(policies map[Level]Policy) (*Table, error) {
	t := &Table{policies: make(map[Level]Policy, len(Levels))}
	for _, level := range Levels {
		p, ok := policies[level]
		if !ok {
			return nil, fmt.Errorf("missing policy for trust level %q", level)
		}
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("trust level %q: %w", level, err)
		}
		t.policies[level] = p
	}
	for level := range policies {
		if !level.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTrustLevel, level)
		}
	}
	return t, nil
}

func (t *Table) PolicyFor(level Level) (Policy, error) {
	p, ok := t.policies[level]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrInvalidTrustLevel, level)
	}
	return p, nil
}

type Thresholds struct {
	TrustedAfterMonths  int
	MaxAllowedLimitHits int
	MaxRegionsPerWeek   int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		TrustedAfterMonths:  6,
		MaxAllowedLimitHits: 3,
		MaxRegionsPerWeek:   3,
	}
}

// Signals is the subset of a license trust record the level depends on.
type Signals struct {
	BoundAt              time.Time
	ConsecutiveLimitHits int
	RecentRegions        int
}

// MonthsActive counts whole 30-day periods since boundAt.
func MonthsActive(boundAt, now time.Time) int {
	if now.Before(boundAt) {
		return 0
	}
	return int(now.Sub(boundAt) / Month)
}

// Recompute derives the trust level. Demotion is checked last and overrides
// any promotion.
func (th Thresholds) Recompute(s Signals, now time.Time) Level {
	months := MonthsActive(s.BoundAt, now)

	level := LevelNew
	switch {
	case months >= th.TrustedAfterMonths && s.ConsecutiveLimitHits < th.MaxAllowedLimitHits:
		level = LevelTrusted
	case months >= 1:
		level = LevelStandard
	}

	if s.ConsecutiveLimitHits >= th.MaxAllowedLimitHits || s.RecentRegions > th.MaxRegionsPerWeek {
		level = LevelNew
	}

	return level
}

// Apply recomputes the level and reports whether it differs from current.
func (th Thresholds) Apply(current Level, s Signals, now time.Time) (Level, bool) {
	next := th.Recompute(s, now)
	return next, next != current
}
