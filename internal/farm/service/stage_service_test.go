package service

import (
	"sync"
	"testing"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/sse"
	"github.com/bitfantasy/nimo-farm/internal/farm/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStage_RegisterCropDefaults(t *testing.T) {
	f := newFixture(t)

	crop, err := f.svc.Stage.RegisterCrop(f.ctx, &CreateCropRequest{
		Name:       "菠萝",
		FieldArea:  dec("2.5"),
		SeasonType: entity.SeasonSpringSummer,
	}, userA)
	require.NoError(t, err)
	assert.Equal(t, entity.StageLandPrep, crop.CurrentStage)
	require.NotNil(t, crop.CurrentStageStartDate)
	assert.Equal(t, today, crop.CurrentStageStartDate.Format(dateLayout))

	stored := f.crop(t, crop.ID)
	assert.Equal(t, entity.StageLandPrep, stored.CurrentStage)
	requireDecimal(t, "2.5", stored.FieldArea)

	_, err = f.svc.Stage.RegisterCrop(f.ctx, &CreateCropRequest{Name: "x", SeasonType: "rainy"}, userA)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Stage.GetCrop(f.ctx, crop.ID, userB)
	assert.ErrorIs(t, err, ErrNotFound)

	crops, err := f.svc.Stage.ListCrops(f.ctx, userA)
	require.NoError(t, err)
	assert.Len(t, crops, 1)
}

func TestStage_AdvanceIsMonotonicUntilHarvest(t *testing.T) {
	f := newFixture(t)
	crop := f.plantingCrop(t, userA)

	expected := []entity.Stage{
		entity.StageVegetativeCare,
		entity.StageFlowerInduction,
		entity.StageFruitDevelopment,
		entity.StageHarvest,
	}
	for _, want := range expected {
		advance, err := f.svc.Stage.AdvanceStage(f.ctx, crop.ID, userA)
		require.NoError(t, err)
		assert.Equal(t, want-1, advance.From)
		assert.Equal(t, want, advance.To)
		assert.Equal(t, want, f.crop(t, crop.ID).CurrentStage)
	}

	_, err := f.svc.Stage.AdvanceStage(f.ctx, crop.ID, userA)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, entity.StageHarvest, f.crop(t, crop.ID).CurrentStage)
	assert.Contains(t, f.env.Events.Types(), sse.EventStageAdvanced)
}

func TestStage_ConcurrentAdvanceFromMovesOnce(t *testing.T) {
	f := newFixture(t)
	crop := f.plantingCrop(t, userA)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Stage.advanceFrom(f.ctx, crop.ID, entity.StagePlanting)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, entity.StageVegetativeCare, f.crop(t, crop.ID).CurrentStage)
}

func TestStage_ConcurrentAdvanceStageMovesOncePerCall(t *testing.T) {
	f := newFixture(t)
	crop := f.plantingCrop(t, userA)

	// 种植到采收还剩4个阶段，多出的一次调用只能得到终态错误
	const callers = 5
	var wg sync.WaitGroup
	results := make([]*StageAdvance, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Stage.AdvanceStage(f.ctx, crop.ID, userA)
		}(i)
	}
	wg.Wait()

	reached := map[entity.Stage]int{}
	failed := 0
	for i, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrInvalidTransition)
			failed++
			continue
		}
		assert.Equal(t, results[i].From+1, results[i].To)
		reached[results[i].To]++
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, map[entity.Stage]int{
		entity.StageVegetativeCare:   1,
		entity.StageFlowerInduction:  1,
		entity.StageFruitDevelopment: 1,
		entity.StageHarvest:          1,
	}, reached)
	assert.Equal(t, entity.StageHarvest, f.crop(t, crop.ID).CurrentStage)
}

func TestStage_HarvestOnlyInHarvestStage(t *testing.T) {
	f := newFixture(t)
	crop := f.plantingCrop(t, userA)

	_, err := f.svc.Stage.RecordHarvest(f.ctx, crop.ID, userA, &HarvestRequest{Quantity: dec("10")})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	start := testutil.Date(today)
	ripe := testutil.SeedCrop(t, f.env.DB, userA, entity.StageHarvest, nil, &start)

	_, err = f.svc.Stage.RecordHarvest(f.ctx, ripe.ID, userA, &HarvestRequest{Quantity: dec("0")})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Stage.RecordHarvest(f.ctx, ripe.ID, userA, &HarvestRequest{Quantity: dec("10"), Unit: "t"})
	require.NoError(t, err)
	harvested, err := f.svc.Stage.RecordHarvest(f.ctx, ripe.ID, userA, &HarvestRequest{Quantity: dec("5.5"), Unit: "t"})
	require.NoError(t, err)
	requireDecimal(t, "15.5", harvested.ActualYield)
	requireDecimal(t, "15.5", f.crop(t, ripe.ID).ActualYield)

	records, err := f.svc.Stage.ListHarvests(f.ctx, ripe.ID, userA)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
