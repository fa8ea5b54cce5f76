package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/repository"
	"github.com/bitfantasy/nimo-farm/internal/farm/sse"
	"github.com/bitfantasy/nimo-farm/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	JWTSecret = "nimo-farm-test-secret"
	Issuer    = "nimo-farm"

	DefaultUserID = "test-user-001"
)

// TestEnv holds test environment resources
type TestEnv struct {
	DB     *gorm.DB
	Repos  *repository.Repositories
	Router *gin.Engine
	Events *Recorder
	T      *testing.T
}

// projectRoot returns the project root directory by looking for go.mod
func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// loadEnv loads .env.test from the project root, e.g. to turn on SQL logging
func loadEnv() {
	if root := projectRoot(); root != "" {
		_ = godotenv.Load(filepath.Join(root, ".env.test"))
	}
}

// SetupTestDB opens a sqlite database file under t.TempDir() and migrates all farm tables.
// A single connection keeps sqlite writers serialized.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	loadEnv()

	level := logger.Silent
	if os.Getenv("FARM_TEST_SQL_LOG") == "1" {
		level = logger.Info
	}

	path := filepath.Join(t.TempDir(), "farm.db")
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger:                                   logger.Default.LogMode(level),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := repository.AutoMigrate(db); err != nil {
		t.Fatalf("Failed to migrate test tables: %v", err)
	}

	t.Cleanup(func() {
		sqlDB.Close()
	})
	return db
}

// NewTestEnv creates database, repositories and an event recorder
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	db := SetupTestDB(t)
	return &TestEnv{
		DB:     db,
		Repos:  repository.NewRepositories(db),
		Router: SetupRouter(),
		Events: &Recorder{},
		T:      t,
	}
}

// SetupRouter creates a gin test router
func SetupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())
	return r
}

// AuthGroup creates an API group with JWT auth middleware for testing
func AuthGroup(r *gin.Engine, path string) *gin.RouterGroup {
	return r.Group(path, middleware.JWTAuth(JWTSecret, Issuer))
}

// GenerateTestToken creates a valid JWT token for testing
func GenerateTestToken(userID, name string, roles []string) string {
	if roles == nil {
		roles = []string{}
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"uid":   userID,
		"name":  name,
		"roles": roles,
		"iss":   Issuer,
		"iat":   now.Unix(),
		"exp":   now.Add(24 * time.Hour).Unix(),
		"jti":   fmt.Sprintf("test-jti-%d", now.UnixNano()),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(JWTSecret))
	return tokenString
}

// DefaultTestToken returns a token for the default admin test user
func DefaultTestToken() string {
	return GenerateTestToken(DefaultUserID, "Test Admin", []string{middleware.AdminRole})
}

// DoRequest executes an HTTP request against the test router
func DoRequest(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewBuffer(nil)
	case []byte:
		reqBody = bytes.NewBuffer(b)
	default:
		jsonBytes, _ := json.Marshal(b)
		reqBody = bytes.NewBuffer(jsonBytes)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ParseResponse parses the JSON response body into a handler.Response-like map
func ParseResponse(w *httptest.ResponseRecorder) map[string]interface{} {
	var result map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &result)
	return result
}

// FixedClock returns a clock frozen at the given date
func FixedClock(date string) func() time.Time {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return t }
}

// Date parses YYYY-MM-DD as UTC midnight
func Date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// Recorder collects notified events
type Recorder struct {
	mu     sync.Mutex
	events []sse.FarmEvent
}

func (r *Recorder) Notify(_ context.Context, event sse.FarmEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Types returns event types in notification order
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

func newID() string {
	return uuid.New().String()[:32]
}

// SeedMaterial creates a material with the given stock directly, bypassing the ledger
func SeedMaterial(t *testing.T, db *gorm.DB, userID, name, unit string, quantity, reserved float64) *entity.FarmMaterial {
	t.Helper()
	m := &entity.FarmMaterial{
		ID:               newID(),
		UserID:           userID,
		Name:             name,
		Category:         "fertilizer",
		Unit:             unit,
		Quantity:         decimal.NewFromFloat(quantity),
		ReservedQuantity: decimal.NewFromFloat(reserved),
		UnitCost:         decimal.NewFromInt(2),
	}
	if err := db.Create(m).Error; err != nil {
		t.Fatalf("Failed to seed material: %v", err)
	}
	return m
}

// SeedCrop creates a crop in the given stage
func SeedCrop(t *testing.T, db *gorm.DB, userID string, stage entity.Stage, planting, stageStart *time.Time) *entity.Crop {
	t.Helper()
	crop := &entity.Crop{
		ID:                    newID(),
		UserID:                userID,
		Name:                  "Test Pineapple",
		Variety:               "MD2",
		FieldArea:             decimal.NewFromInt(1),
		SeasonType:            entity.SeasonSpringSummer,
		PlantingDate:          planting,
		CurrentStage:          stage,
		CurrentStageStartDate: stageStart,
	}
	if err := db.Create(crop).Error; err != nil {
		t.Fatalf("Failed to seed crop: %v", err)
	}
	return crop
}

// TemplateMaterialSeed material line of a seeded template
type TemplateMaterialSeed struct {
	Name     string
	Unit     string
	Quantity float64
	PerArea  bool
}

// SeedTemplate creates an active template; ownerID empty means global
func SeedTemplate(t *testing.T, db *gorm.DB, ownerID, activityType string, stage entity.Stage, dayOffset, duration int, materials ...TemplateMaterialSeed) *entity.ActivityTemplate {
	t.Helper()
	tmpl := &entity.ActivityTemplate{
		ID:           newID(),
		ActivityType: activityType,
		Name:         activityType,
		Stage:        stage,
		DayOffset:    dayOffset,
		DurationDays: duration,
		Active:       true,
		CreatedBy:    "seed",
	}
	if ownerID != "" {
		owner := ownerID
		tmpl.OwnerID = &owner
	}
	for _, m := range materials {
		tmpl.Materials = append(tmpl.Materials, entity.TemplateMaterial{
			ID:           newID(),
			TemplateID:   tmpl.ID,
			MaterialName: m.Name,
			Unit:         m.Unit,
			Quantity:     decimal.NewFromFloat(m.Quantity),
			ScaleByArea:  m.PerArea,
		})
	}
	if err := db.Create(tmpl).Error; err != nil {
		t.Fatalf("Failed to seed template: %v", err)
	}
	return tmpl
}
