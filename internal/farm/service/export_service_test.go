package service

import (
	"testing"

	"github.com/bitfantasy/nimo-farm/internal/farm/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExport_PlanSheet(t *testing.T) {
	f := newFixture(t)
	crop := f.plantingCrop(t, userA)
	testutil.SeedMaterial(t, f.env.DB, userA, "Urea", "kg", 100, 0)

	result, err := f.svc.Commit.ConfirmPlan(f.ctx, crop.ID, []ActivityInput{
		input("fertilize", "2024-03-02", "2024-03-03", urea("20")),
		input("weeding", "2024-03-04", "2024-03-04", nil),
	}, userA)
	require.NoError(t, err)
	_, err = f.svc.Commit.CompleteActivity(f.ctx, result.Activities[0].ID, userA, &CompleteRequest{})
	require.NoError(t, err)

	export, err := f.svc.Export.ExportPlan(f.ctx, crop.ID, userA, true)
	require.NoError(t, err)
	defer export.File.Close()
	assert.Empty(t, export.ObjectName, "archiving is skipped without object storage")
	assert.Contains(t, export.Filename, "_plan_")

	rows, err := export.File.GetRows("计划")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, planExportHeaders, rows[0])

	first := rows[1]
	assert.Equal(t, "planting", first[0])
	assert.Equal(t, "fertilize", first[1])
	assert.Equal(t, "已完成", first[3])
	assert.Equal(t, "2024-03-02", first[4])
	assert.Equal(t, "2024-03-01", first[6])
	assert.Equal(t, "Urea", first[10])
	assert.Equal(t, "20", first[11])
	assert.Equal(t, "20", first[12])

	assert.Equal(t, "weeding", rows[2][1])
	assert.Equal(t, "待执行", rows[2][3])
	assert.Equal(t, "汇总", rows[3][0])
	assert.Contains(t, rows[3][2], "完成率: 50.00%")

	_, err = f.svc.Export.ExportPlan(f.ctx, crop.ID, userB, false)
	assert.ErrorIs(t, err, ErrNotFound)
}
