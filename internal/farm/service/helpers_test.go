package service

import (
	"context"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-farm/internal/config"
	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	userA = "user-a"
	userB = "user-b"
	today = "2024-03-01"
)

type fixture struct {
	ctx context.Context
	env *testutil.TestEnv
	svc *Services
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewTestEnv(t)
	cfg := &config.Config{
		Planner: config.PlannerConfig{
			StageDurations:    config.DefaultStageDurations(),
			MaxRetries:        50,
			RetryBackoff:      time.Millisecond,
			LowStockThreshold: 10,
		},
	}
	svc := NewServices(Deps{
		DB:       env.DB,
		Repos:    env.Repos,
		Notifier: env.Events,
		Logger:   zaptest.NewLogger(t),
		Now:      testutil.FixedClock(today),
	}, cfg)
	return &fixture{ctx: context.Background(), env: env, svc: svc}
}

func (f *fixture) material(t *testing.T, id string) *entity.FarmMaterial {
	t.Helper()
	m, err := f.env.Repos.Material.FindByID(f.ctx, id)
	require.NoError(t, err)
	return m
}

func (f *fixture) crop(t *testing.T, id string) *entity.Crop {
	t.Helper()
	c, err := f.env.Repos.Crop.FindByID(f.ctx, id)
	require.NoError(t, err)
	return c
}

// plantingCrop 种植阶段，阶段开始于 2024-03-01
func (f *fixture) plantingCrop(t *testing.T, userID string) *entity.Crop {
	t.Helper()
	start := testutil.Date(today)
	return testutil.SeedCrop(t, f.env.DB, userID, entity.StagePlanting, nil, &start)
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func day(d Date) string {
	return d.Format(dateLayout)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func urea(qty string) []MaterialRequirement {
	return []MaterialRequirement{{MaterialName: "Urea", Unit: "kg", Quantity: dec(qty)}}
}

func input(activityType string, start, end string, materials []MaterialRequirement) ActivityInput {
	return ActivityInput{
		ActivityType: activityType,
		StartDate:    NewDate(testutil.Date(start)),
		EndDate:      NewDate(testutil.Date(end)),
		Materials:    materials,
	}
}
