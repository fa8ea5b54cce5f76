package repository_test

import (
	"context"
	"testing"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/repository"
	"github.com/bitfantasy/nimo-farm/internal/farm/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaterialRepository_UpdateStockChecksVersion(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewMaterialRepository(db)
	ctx := context.Background()
	seeded := testutil.SeedMaterial(t, db, "u1", "Urea", "kg", 100, 0)

	first, err := repo.FindByID(ctx, seeded.ID)
	require.NoError(t, err)
	second, err := repo.FindByID(ctx, seeded.ID)
	require.NoError(t, err)

	first.ReservedQuantity = decimal.NewFromInt(30)
	require.NoError(t, repo.UpdateStock(ctx, first, 0))
	assert.Equal(t, 1, first.Version)

	second.ReservedQuantity = decimal.NewFromInt(50)
	err = repo.UpdateStock(ctx, second, 0)
	assert.ErrorIs(t, err, repository.ErrStaleVersion)

	stored, err := repo.FindByID(ctx, seeded.ID)
	require.NoError(t, err)
	assert.True(t, stored.ReservedQuantity.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, 1, stored.Version)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	byName, err := repo.FindByName(ctx, "u1", "UREA")
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, byName.ID)
	_, err = repo.FindByName(ctx, "u2", "Urea")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMaterialRepository_TransactionsAreAppendOnly(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewMaterialRepository(db)
	ctx := context.Background()
	m := testutil.SeedMaterial(t, db, "u1", "Urea", "kg", 100, 0)

	record := &entity.FarmMaterialTransaction{
		ID:              "tx-1",
		MaterialID:      m.ID,
		UserID:          "u1",
		TransactionType: entity.TxTypePurchase,
		Quantity:        decimal.NewFromInt(100),
		SourceKind:      entity.SourceManual,
	}
	require.NoError(t, repo.CreateTransaction(ctx, record))

	err := db.Model(record).Update("notes", "rewritten").Error
	assert.ErrorIs(t, err, entity.ErrAppendOnly)
	err = db.Delete(record).Error
	assert.ErrorIs(t, err, entity.ErrAppendOnly)

	records, total, err := repo.ListTransactions(ctx, m.ID, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].Notes)
}

func TestCropRepository_AdvanceStageIsGuarded(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewCropRepository(db)
	ctx := context.Background()
	start := testutil.Date("2024-03-01")
	crop := testutil.SeedCrop(t, db, "u1", entity.StagePlanting, nil, &start)

	next := testutil.Date("2024-03-09")
	require.NoError(t, repo.AdvanceStage(ctx, crop.ID, entity.StagePlanting, entity.StageVegetativeCare, next))
	err := repo.AdvanceStage(ctx, crop.ID, entity.StagePlanting, entity.StageVegetativeCare, next)
	assert.ErrorIs(t, err, repository.ErrStaleVersion)

	stored, err := repo.FindByID(ctx, crop.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StageVegetativeCare, stored.CurrentStage)
	require.NotNil(t, stored.CurrentStageStartDate)
	assert.Equal(t, "2024-03-09", stored.CurrentStageStartDate.Format("2006-01-02"))
}

func TestActivityRepository_TransitionAndCounts(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewActivityRepository(db)
	ctx := context.Background()
	day := testutil.Date("2024-03-01")

	for i, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, repo.Create(ctx, &entity.FarmActivity{
			ID:           id,
			CropID:       "crop-1",
			UserID:       "u1",
			ActivityType: "weeding",
			Status:       entity.ActivityStatusPending,
			StartDate:    day.AddDate(0, 0, i),
			EndDate:      day.AddDate(0, 0, i),
		}))
	}

	open := []entity.ActivityStatus{entity.ActivityStatusPending, entity.ActivityStatusInProgress}
	require.NoError(t, repo.Transition(ctx, "a1", open, entity.ActivityStatusCompleted, nil))
	err := repo.Transition(ctx, "a1", open, entity.ActivityStatusCancelled, nil)
	assert.ErrorIs(t, err, repository.ErrStaleVersion)
	require.NoError(t, repo.Transition(ctx, "a2", open, entity.ActivityStatusCancelled, map[string]interface{}{"notes": "rain"}))

	counts, err := repo.CountByStatus(ctx, "crop-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[entity.ActivityStatusCompleted])
	assert.EqualValues(t, 1, counts[entity.ActivityStatusCancelled])
	assert.EqualValues(t, 1, counts[entity.ActivityStatusPending])

	items, err := repo.ListByCrop(ctx, "crop-1", entity.ActivityStatusCancelled)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "rain", items[0].Notes)
}
