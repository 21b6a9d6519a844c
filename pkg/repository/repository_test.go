package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"devicetrust-controlplane/pkg/db/option"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type widget struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Owner     string    `gorm:"column:owner"`
	Status    string    `gorm:"column:status"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&widget{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	repo := ProvideStore[widget](newDB(t))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, w := range []*widget{
		{ID: "a", Owner: "o1", Status: "active", CreatedAt: base},
		{ID: "b", Owner: "o1", Status: "pending", CreatedAt: base.Add(time.Hour)},
		{ID: "c", Owner: "o2", Status: "active", CreatedAt: base.Add(2 * time.Hour)},
	} {
		require.NoError(t, repo.Create(ctx, w))
	}

	t.Run("find one missing", func(t *testing.T) {
		w, err := repo.FindOne(ctx, &widget{ID: "zzz"})
		require.NoError(t, err)
		require.Nil(t, w)
	})

	t.Run("find with options", func(t *testing.T) {
		ws, err := repo.Find(ctx, &widget{Owner: "o1"},
			option.WhereIn("status", []string{"active", "pending"}),
			option.WithSortBy(option.QuerySortBy{OrderBy: "desc"}),
		)
		require.NoError(t, err)
		require.Len(t, ws, 2)
		require.Equal(t, "b", ws[0].ID)
		require.Equal(t, "a", ws[1].ID)
	})

	t.Run("count", func(t *testing.T) {
		n, err := repo.Count(ctx, &widget{Status: "active"})
		require.NoError(t, err)
		require.EqualValues(t, 2, n)
	})

	t.Run("create if absent keeps existing", func(t *testing.T) {
		require.NoError(t, repo.CreateIfAbsent(ctx, &widget{ID: "a", Owner: "other"}))
		w, err := repo.FindOne(ctx, &widget{ID: "a"})
		require.NoError(t, err)
		require.Equal(t, "o1", w.Owner)
	})

	t.Run("upsert overwrites", func(t *testing.T) {
		require.NoError(t, repo.Upsert(ctx, &widget{ID: "b", Owner: "o3", Status: "active", CreatedAt: base}, "id"))
		w, err := repo.FindOne(ctx, &widget{ID: "b"})
		require.NoError(t, err)
		require.Equal(t, "o3", w.Owner)
	})

	t.Run("save and delete", func(t *testing.T) {
		w, err := repo.FindOne(ctx, &widget{ID: "c"})
		require.NoError(t, err)
		w.Status = "gone"
		require.NoError(t, repo.Save(ctx, w))

		n, err := repo.Count(ctx, &widget{Status: "gone"})
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		require.NoError(t, repo.Delete(ctx, w))
		w, err = repo.FindOne(ctx, &widget{ID: "c"})
		require.NoError(t, err)
		require.Nil(t, w)
	})
}
