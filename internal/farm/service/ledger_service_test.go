package service

import (
	"errors"
	"sync"
	"testing"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/sse"
	"github.com/bitfantasy/nimo-farm/internal/farm/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_ReserveAndRelease(t *testing.T) {
	f := newFixture(t)
	ledger := f.svc.Ledger
	m := testutil.SeedMaterial(t, f.env.DB, userA, "Urea", "kg", 100, 0)

	got, err := ledger.Reserve(f.ctx, nil, m.ID, userA, dec("30"))
	require.NoError(t, err)
	requireDecimal(t, "30", got.ReservedQuantity)
	requireDecimal(t, "70", got.AvailableQuantity())

	snapshot, err := ledger.Reserve(f.ctx, nil, m.ID, userA, dec("80"))
	require.ErrorIs(t, err, ErrInsufficientMaterial)
	require.NotNil(t, snapshot)
	requireDecimal(t, "70", snapshot.AvailableQuantity())
	requireDecimal(t, "30", f.material(t, m.ID).ReservedQuantity)

	_, err = ledger.Release(f.ctx, nil, m.ID, userA, dec("10"))
	require.NoError(t, err)
	requireDecimal(t, "20", f.material(t, m.ID).ReservedQuantity)

	// 超额释放截断到0
	_, err = ledger.Release(f.ctx, nil, m.ID, userA, dec("50"))
	require.NoError(t, err)
	requireDecimal(t, "0", f.material(t, m.ID).ReservedQuantity)

	_, err = ledger.Reserve(f.ctx, nil, m.ID, userA, dec("-1"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ledger.Reserve(f.ctx, nil, m.ID, userB, dec("1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedger_ConsumeReleasesPlannedAndRecordsActual(t *testing.T) {
	f := newFixture(t)
	ledger := f.svc.Ledger
	m := testutil.SeedMaterial(t, f.env.DB, userA, "Urea", "kg", 100, 0)

	_, err := ledger.Reserve(f.ctx, nil, m.ID, userA, dec("20"))
	require.NoError(t, err)

	after, record, err := ledger.Consume(f.ctx, nil, ConsumeRequest{
		MaterialID: m.ID,
		UserID:     userA,
		Actual:     dec("15"),
		Planned:    dec("20"),
		Source:     entity.TransactionSource{Kind: entity.SourceFarmActivity, ID: "act-1"},
		CreatedBy:  userA,
	})
	require.NoError(t, err)
	requireDecimal(t, "85", after.Quantity)
	requireDecimal(t, "0", after.ReservedQuantity)
	require.NotNil(t, record)
	assert.Equal(t, entity.TxTypeConsumption, record.TransactionType)
	requireDecimal(t, "-15", record.Quantity)

	records, err := f.env.Repos.Material.ListTransactionsBySource(f.ctx, entity.SourceFarmActivity, "act-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	requireDecimal(t, "-15", records[0].Quantity)

	// 实际用量为0时只释放预留，不记流水
	_, err = ledger.Reserve(f.ctx, nil, m.ID, userA, dec("5"))
	require.NoError(t, err)
	after, record, err = ledger.Consume(f.ctx, nil, ConsumeRequest{
		MaterialID: m.ID,
		UserID:     userA,
		Actual:     decimal.Zero,
		Planned:    dec("5"),
		Source:     entity.TransactionSource{Kind: entity.SourceFarmActivity, ID: "act-2"},
	})
	require.NoError(t, err)
	assert.Nil(t, record)
	requireDecimal(t, "85", after.Quantity)
	requireDecimal(t, "0", after.ReservedQuantity)
}

func TestLedger_ConsumeCannotUncoverReservations(t *testing.T) {
	f := newFixture(t)
	m := testutil.SeedMaterial(t, f.env.DB, userA, "Urea", "kg", 100, 90)

	// 未计划的消耗会让剩余预留超过库存
	_, _, err := f.svc.Ledger.Consume(f.ctx, nil, ConsumeRequest{
		MaterialID: m.ID,
		UserID:     userA,
		Actual:     dec("20"),
		Source:     entity.TransactionSource{Kind: entity.SourceManual},
	})
	require.ErrorIs(t, err, ErrInsufficientMaterial)

	after := f.material(t, m.ID)
	requireDecimal(t, "100", after.Quantity)
	requireDecimal(t, "90", after.ReservedQuantity)
	assert.Equal(t, 0, after.Version)
}

func TestLedger_ConcurrentReservationsNeverOverbook(t *testing.T) {
	f := newFixture(t)
	m := testutil.SeedMaterial(t, f.env.DB, userA, "Urea", "kg", 100, 0)

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Ledger.Reserve(f.ctx, nil, m.ID, userA, dec("10"))
			if err != nil {
				if !errors.Is(err, ErrInsufficientMaterial) && !errors.Is(err, ErrConcurrencyConflict) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}()
	}
	wg.Wait()

	after := f.material(t, m.ID)
	assert.LessOrEqual(t, succeeded, 10)
	assert.Positive(t, succeeded)
	requireDecimal(t, decimal.NewFromInt(int64(succeeded*10)).String(), after.ReservedQuantity)
	assert.True(t, after.ReservedQuantity.LessThanOrEqual(after.Quantity))
	assert.Equal(t, succeeded, after.Version)
}

func TestLedger_RegisterAndPurchaseWeightedAverage(t *testing.T) {
	f := newFixture(t)
	ledger := f.svc.Ledger

	m, err := ledger.RegisterMaterial(f.ctx, userA, userA, &CreateMaterialRequest{
		Name:     "Urea",
		Category: "fertilizer",
		Unit:     "kg",
		Quantity: dec("100"),
		UnitCost: dec("2"),
	})
	require.NoError(t, err)

	_, err = ledger.RegisterMaterial(f.ctx, userA, userA, &CreateMaterialRequest{Name: "urea", Unit: "kg"})
	assert.ErrorIs(t, err, ErrValidation)

	after, record, err := ledger.Purchase(f.ctx, m.ID, userA, userA, &PurchaseRequest{
		Quantity:  dec("100"),
		UnitPrice: dec("4"),
		Source:    entity.TransactionSource{Kind: entity.SourceSupplyOrder, ID: "PO-1"},
	})
	require.NoError(t, err)
	requireDecimal(t, "200", after.Quantity)
	requireDecimal(t, "3", after.UnitCost)
	requireDecimal(t, "400", record.TotalPrice)

	_, _, err = ledger.Purchase(f.ctx, m.ID, userA, userA, &PurchaseRequest{Quantity: dec("0")})
	assert.ErrorIs(t, err, ErrValidation)

	_, _, err = ledger.Purchase(f.ctx, m.ID, userA, userA, &PurchaseRequest{
		Quantity: dec("1"),
		Source:   entity.TransactionSource{Kind: entity.SourceSupplyOrder},
	})
	assert.ErrorIs(t, err, ErrValidation)

	records, total, err := ledger.ListTransactions(f.ctx, m.ID, userA, 1, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, records, 2)

	report, err := ledger.Reconcile(f.ctx, m.ID, userA)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 2, report.TransactionCount)
	requireDecimal(t, "200", report.LedgerQuantity)

	assert.Contains(t, f.env.Events.Types(), sse.EventInventoryChanged)
}

func TestLedger_AdjustNeverBelowReserved(t *testing.T) {
	f := newFixture(t)
	m := testutil.SeedMaterial(t, f.env.DB, userA, "Urea", "kg", 100, 90)

	_, _, err := f.svc.Ledger.Adjust(f.ctx, m.ID, userA, userA, &AdjustRequest{Delta: dec("-20"), Reason: "受潮"})
	require.ErrorIs(t, err, ErrInsufficientMaterial)

	after, record, err := f.svc.Ledger.Adjust(f.ctx, m.ID, userA, userA, &AdjustRequest{Delta: dec("-10"), Reason: "盘亏"})
	require.NoError(t, err)
	requireDecimal(t, "90", after.Quantity)
	assert.Equal(t, entity.TxTypeAdjustment, record.TransactionType)
	requireDecimal(t, "-10", record.Quantity)

	_, _, err = f.svc.Ledger.Adjust(f.ctx, m.ID, userA, userA, &AdjustRequest{Delta: decimal.Zero})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLedger_ReconcileDetectsDrift(t *testing.T) {
	f := newFixture(t)
	// 直接写库的数量没有对应流水
	m := testutil.SeedMaterial(t, f.env.DB, userA, "Potash", "kg", 50, 0)

	report, err := f.svc.Ledger.Reconcile(f.ctx, m.ID, userA)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	requireDecimal(t, "50", report.Drift)
}

func TestLedger_LowStock(t *testing.T) {
	f := newFixture(t)
	low := testutil.SeedMaterial(t, f.env.DB, userA, "Urea", "kg", 20, 15)
	testutil.SeedMaterial(t, f.env.DB, userA, "Potash", "kg", 50, 0)
	testutil.SeedMaterial(t, f.env.DB, userB, "Lime", "kg", 1, 0)

	items, err := f.svc.Ledger.LowStock(f.ctx, userA, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, low.ID, items[0].ID)

	threshold := dec("100")
	items, err = f.svc.Ledger.LowStock(f.ctx, userA, &threshold)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}
