package handler

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-farm/internal/config"
	"github.com/bitfantasy/nimo-farm/internal/farm/service"
	"github.com/bitfantasy/nimo-farm/internal/farm/sse"
	"github.com/bitfantasy/nimo-farm/internal/farm/testutil"
	"github.com/bitfantasy/nimo-farm/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const apiPrefix = "/api/v1/farming"

func setupFarmTest(t *testing.T) (*gin.Engine, *testutil.TestEnv) {
	t.Helper()
	env := testutil.NewTestEnv(t)
	cfg := &config.Config{
		Planner: config.PlannerConfig{
			StageDurations:    config.DefaultStageDurations(),
			MaxRetries:        20,
			RetryBackoff:      time.Millisecond,
			LowStockThreshold: 10,
		},
	}
	svc := service.NewServices(service.Deps{
		DB:       env.DB,
		Repos:    env.Repos,
		Notifier: env.Events,
		Logger:   zaptest.NewLogger(t),
		Now:      testutil.FixedClock("2024-03-01"),
	}, cfg)

	h := NewHandlers(svc, sse.NewHub(nil))
	h.RegisterRoutes(testutil.AuthGroup(env.Router, apiPrefix))
	return env.Router, env
}

func dataOf(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()
	data, ok := resp["data"].(map[string]interface{})
	require.True(t, ok, "response has no data object: %v", resp)
	return data
}

func createCrop(t *testing.T, r *gin.Engine, token string) string {
	t.Helper()
	w := testutil.DoRequest(r, http.MethodPost, apiPrefix+"/crops", map[string]interface{}{
		"name":                     "一号地菠萝",
		"variety":                  "MD2",
		"field_area":               1,
		"season_type":              "spring_summer",
		"current_stage":            "planting",
		"current_stage_start_date": "2024-03-01",
	}, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return dataOf(t, testutil.ParseResponse(w))["id"].(string)
}

func createMaterial(t *testing.T, r *gin.Engine, token, name string, qty int) string {
	t.Helper()
	w := testutil.DoRequest(r, http.MethodPost, apiPrefix+"/materials", map[string]interface{}{
		"name":      name,
		"unit":      "kg",
		"category":  "fertilizer",
		"quantity":  qty,
		"unit_cost": 2,
	}, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return dataOf(t, testutil.ParseResponse(w))["id"].(string)
}

func TestFarmAPI_RequiresToken(t *testing.T) {
	r, _ := setupFarmTest(t)

	w := testutil.DoRequest(r, http.MethodGet, apiPrefix+"/crops", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.EqualValues(t, 40100, testutil.ParseResponse(w)["code"])
}

func TestCropAPI_CreateGetAdvance(t *testing.T) {
	r, _ := setupFarmTest(t)
	token := testutil.DefaultTestToken()
	other := testutil.GenerateTestToken("someone-else", "Other", nil)

	w := testutil.DoRequest(r, http.MethodPost, apiPrefix+"/crops", map[string]interface{}{
		"name":        "x",
		"season_type": "monsoon",
	}, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.EqualValues(t, 40000, testutil.ParseResponse(w)["code"])

	id := createCrop(t, r, token)

	w = testutil.DoRequest(r, http.MethodGet, apiPrefix+"/crops/"+id, nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	crop := dataOf(t, testutil.ParseResponse(w))
	assert.Equal(t, "planting", crop["current_stage"])

	w = testutil.DoRequest(r, http.MethodGet, apiPrefix+"/crops/"+id, nil, other)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.EqualValues(t, 40400, testutil.ParseResponse(w)["code"])

	w = testutil.DoRequest(r, http.MethodPost, apiPrefix+"/crops/"+id+"/advance-stage", nil, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	advance := dataOf(t, testutil.ParseResponse(w))
	assert.Equal(t, "planting", advance["from"])
	assert.Equal(t, "vegetative_care", advance["to"])

	w = testutil.DoRequest(r, http.MethodPost, apiPrefix+"/crops/"+id+"/harvests", map[string]interface{}{"quantity": 3}, token)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.EqualValues(t, 40900, testutil.ParseResponse(w)["code"])

	w = testutil.DoRequest(r, http.MethodGet, apiPrefix+"/crops/"+id+"/plan/stages/sprouting", nil, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlanAPI_ConfirmReportsRejections(t *testing.T) {
	r, _ := setupFarmTest(t)
	token := testutil.DefaultTestToken()
	cropID := createCrop(t, r, token)
	materialID := createMaterial(t, r, token, "Urea", 100)

	w := testutil.DoRequest(r, http.MethodPost, apiPrefix+"/plans/preview", map[string]interface{}{"crop_id": cropID}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	preview := dataOf(t, testutil.ParseResponse(w))
	assert.Equal(t, true, preview["feasible"])

	w = testutil.DoRequest(r, http.MethodPost, apiPrefix+"/crops/"+cropID+"/plan/confirm", map[string]interface{}{
		"activities": []map[string]interface{}{
			{
				"activity_type": "base_fertilize",
				"start_date":    "2024-03-02",
				"end_date":      "2024-03-03",
				"materials":     []map[string]interface{}{{"material_name": "Urea", "quantity": 20}},
			},
			{
				"activity_type": "top_dress",
				"start_date":    "2024-03-05",
				"end_date":      "2024-03-05",
				"materials":     []map[string]interface{}{{"material_name": "Urea", "quantity": 500}},
			},
		},
	}, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	result := dataOf(t, testutil.ParseResponse(w))
	activities := result["activities"].([]interface{})
	rejections := result["rejections"].([]interface{})
	require.Len(t, activities, 2)
	require.Len(t, rejections, 1)
	rejection := rejections[0].(map[string]interface{})
	assert.EqualValues(t, 1, rejection["activity_index"])
	assert.Equal(t, "insufficient available quantity", rejection["reason"])
	assert.EqualValues(t, 80, rejection["available"])

	w = testutil.DoRequest(r, http.MethodGet, apiPrefix+"/materials/"+materialID, nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	material := dataOf(t, testutil.ParseResponse(w))
	assert.EqualValues(t, 20, material["reserved_quantity"])
	assert.EqualValues(t, 80, material["available_quantity"])

	first := activities[0].(map[string]interface{})["id"].(string)
	w = testutil.DoRequest(r, http.MethodPost, apiPrefix+"/activities/"+first+"/complete", nil, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := dataOf(t, testutil.ParseResponse(w))
	assert.Equal(t, "completed", done["activity"].(map[string]interface{})["status"])

	w = testutil.DoRequest(r, http.MethodGet, apiPrefix+"/activities/"+first+"/transactions", nil, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	consumed := testutil.ParseResponse(w)["data"].([]interface{})
	require.Len(t, consumed, 1)
	assert.Equal(t, "consumption", consumed[0].(map[string]interface{})["transaction_type"])
	assert.EqualValues(t, -20, consumed[0].(map[string]interface{})["quantity"])

	other := testutil.GenerateTestToken("user-other", "其他用户", nil)
	w = testutil.DoRequest(r, http.MethodGet, apiPrefix+"/activities/"+first+"/transactions", nil, other)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = testutil.DoRequest(r, http.MethodPost, apiPrefix+"/activities/"+first+"/cancel", nil, token)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.EqualValues(t, 40900, testutil.ParseResponse(w)["code"])

	w = testutil.DoRequest(r, http.MethodGet, apiPrefix+"/materials/"+materialID+"/reconcile", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	report := dataOf(t, testutil.ParseResponse(w))
	assert.EqualValues(t, 80, report["quantity"])
	assert.EqualValues(t, 80, report["ledger_quantity"])
}

func TestInventoryAPI_AdjustBelowReservedIsRejected(t *testing.T) {
	r, _ := setupFarmTest(t)
	token := testutil.DefaultTestToken()
	cropID := createCrop(t, r, token)
	materialID := createMaterial(t, r, token, "Potash", 100)

	w := testutil.DoRequest(r, http.MethodPost, apiPrefix+"/crops/"+cropID+"/activities", map[string]interface{}{
		"activity_type": "spray",
		"start_date":    "2024-03-02",
		"end_date":      "2024-03-02",
		"materials":     []map[string]interface{}{{"material_id": materialID, "quantity": 20}},
	}, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = testutil.DoRequest(r, http.MethodPost, apiPrefix+"/materials/"+materialID+"/adjust", map[string]interface{}{
		"delta":  -90,
		"reason": "盘亏",
	}, token)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.EqualValues(t, 40901, testutil.ParseResponse(w)["code"])

	w = testutil.DoRequest(r, http.MethodPost, apiPrefix+"/materials/"+materialID+"/purchase", map[string]interface{}{
		"quantity":   100,
		"unit_price": 4,
		"source":     map[string]interface{}{"kind": "supply_order", "id": "PO-2024-001"},
	}, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	purchased := dataOf(t, testutil.ParseResponse(w))["material"].(map[string]interface{})
	assert.EqualValues(t, 200, purchased["quantity"])
	assert.EqualValues(t, 3, purchased["unit_cost"])

	w = testutil.DoRequest(r, http.MethodGet, apiPrefix+"/materials/"+materialID+"/transactions?page=1&page_size=10", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	page := dataOf(t, testutil.ParseResponse(w))
	assert.Len(t, page["items"], 2)
	assert.EqualValues(t, 2, page["pagination"].(map[string]interface{})["total"])

	w = testutil.DoRequest(r, http.MethodPost, apiPrefix+"/materials", map[string]interface{}{"name": "NoUnit"}, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTemplateAPI_SeedRequiresAdmin(t *testing.T) {
	r, _ := setupFarmTest(t)
	seed := []byte(`
templates:
  - activity_type: base_fertilize
    stage: planting
    duration_days: 1
    materials:
      - name: Urea
        unit: kg
        quantity: "10"
`)

	farmer := testutil.GenerateTestToken("farmer-1", "Farmer", []string{"farmer"})
	w := testutil.DoRequest(r, http.MethodPost, apiPrefix+"/admin/templates/seed", seed, farmer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.EqualValues(t, 40312, testutil.ParseResponse(w)["code"])

	admin := testutil.GenerateTestToken("admin-1", "Admin", []string{middleware.AdminRole})
	w = testutil.DoRequest(r, http.MethodPost, apiPrefix+"/admin/templates/seed", seed, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, dataOf(t, testutil.ParseResponse(w))["created"])

	w = testutil.DoRequest(r, http.MethodPost, apiPrefix+"/admin/templates/seed", []byte("templates: [oops"), admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = testutil.DoRequest(r, http.MethodGet, apiPrefix+"/templates", nil, farmer)
	require.Equal(t, http.StatusOK, w.Code)
	items := dataOf(t, testutil.ParseResponse(w))["items"].([]interface{})
	require.Len(t, items, 1)
	templateID := items[0].(map[string]interface{})["id"].(string)

	w = testutil.DoRequest(r, http.MethodPut, apiPrefix+"/templates/"+templateID, map[string]interface{}{
		"activity_type": "base_fertilize",
		"stage":         "planting",
	}, farmer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.EqualValues(t, 40300, testutil.ParseResponse(w)["code"])
}

func TestRespondError_MapsServiceErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		code   int
	}{
		{service.ErrValidation, http.StatusBadRequest, 40000},
		{service.ErrForbidden, http.StatusForbidden, 40300},
		{service.ErrNotFound, http.StatusNotFound, 40400},
		{service.ErrInvalidTransition, http.StatusConflict, 40900},
		{service.ErrInsufficientMaterial, http.StatusConflict, 40901},
		{service.ErrConcurrencyConflict, http.StatusConflict, 40902},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError, 50000},
	}
	for _, tc := range cases {
		r := gin.New()
		err := fmt.Errorf("wrapped: %w", tc.err)
		r.GET("/", func(c *gin.Context) { RespondError(c, err) })
		w := testutil.DoRequest(r, http.MethodGet, "/", nil, "")
		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		assert.EqualValues(t, tc.code, testutil.ParseResponse(w)["code"])
	}
}

func TestInventoryAPI_ImportCSV(t *testing.T) {
	r, _ := setupFarmTest(t)
	token := testutil.DefaultTestToken()

	body := []byte("name,category,unit,quantity,unit_cost\nUrea,fertilizer,kg,100,2\nLime,amendment,kg,x,1\n")
	w := testutil.DoRequest(r, http.MethodPost, apiPrefix+"/materials/import", body, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := dataOf(t, testutil.ParseResponse(w))
	assert.EqualValues(t, 1, result["created"])
	assert.EqualValues(t, 1, result["failed"])

	w = testutil.DoRequest(r, http.MethodGet, apiPrefix+"/materials?keyword=urea", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, dataOf(t, testutil.ParseResponse(w))["items"], 1)

	w = testutil.DoRequest(r, http.MethodPost, apiPrefix+"/materials/import", []byte("foo,bar\n"), token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
