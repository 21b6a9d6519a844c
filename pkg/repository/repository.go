package repository

import (
	"context"
	"errors"

	"devicetrust-controlplane/pkg/db/option"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is a generic gorm store. query is any gorm condition; struct
// conditions skip zero-value fields, so lookups that must match an exact key
// pass a map such as map[string]any{"license_id": id}.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query any, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query any, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	CreateIfAbsent(ctx context.Context, resource *T) error
	Save(ctx context.Context, resource *T) error
	Upsert(ctx context.Context, resource *T, conflictColumns ...string) error
	Delete(ctx context.Context, resource *T) error
	Count(ctx context.Context, query any, opts ...option.QueryOption) (int64, error)
}

type store[T any] struct {
	db *gorm.DB
}

func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &store[T]{db: db}
}

func (s *store[T]) WithTrx(tx *gorm.DB) Repository[T] {
	if tx == nil {
		return s
	}
	return &store[T]{db: tx}
}

func (s *store[T]) scoped(ctx context.Context, opts []option.QueryOption) *gorm.DB {
	db := s.db.WithContext(ctx)
	for _, opt := range opts {
		db = opt(db)
	}
	return db
}

func (s *store[T]) Find(ctx context.Context, query any, opts ...option.QueryOption) ([]*T, error) {
	var out []*T
	if err := s.scoped(ctx, opts).Where(query).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FindOne returns (nil, nil) when nothing matches.
func (s *store[T]) FindOne(ctx context.Context, query any, opts ...option.QueryOption) (*T, error) {
	var out T
	if err := s.scoped(ctx, opts).Where(query).First(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (s *store[T]) Create(ctx context.Context, resource *T) error {
	return s.db.WithContext(ctx).Create(resource).Error
}

// CreateIfAbsent inserts the row and silently keeps any existing row with the
// same primary key.
func (s *store[T]) CreateIfAbsent(ctx context.Context, resource *T) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(resource).Error
}

// Save writes every column, including zero values and NULLs.
func (s *store[T]) Save(ctx context.Context, resource *T) error {
	return s.db.WithContext(ctx).Save(resource).Error
}

// Upsert inserts the row or overwrites every column of the row that
// conflicts on conflictColumns.
func (s *store[T]) Upsert(ctx context.Context, resource *T, conflictColumns ...string) error {
	columns := make([]clause.Column, 0, len(conflictColumns))
	for _, c := range conflictColumns {
		columns = append(columns, clause.Column{Name: c})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   columns,
		UpdateAll: true,
	}).Create(resource).Error
}

func (s *store[T]) Delete(ctx context.Context, resource *T) error {
	return s.db.WithContext(ctx).Delete(resource).Error
}

func (s *store[T]) Count(ctx context.Context, query any, opts ...option.QueryOption) (int64, error) {
	var count int64
	if err := s.scoped(ctx, opts).Model(new(T)).Where(query).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
