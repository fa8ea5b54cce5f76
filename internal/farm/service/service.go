package service

import (
	"strings"
	"time"

	"github.com/bitfantasy/nimo-farm/internal/config"
	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/repository"
	"github.com/bitfantasy/nimo-farm/internal/farm/sse"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Services 服务集合
type Services struct {
	Catalog     *CatalogService
	Ledger      *LedgerService
	Feasibility *FeasibilityService
	Plan        *PlanService
	Stage       *StageService
	Commit      *CommitService
	Export      *ExportService
}

// Deps 服务依赖，Redis/MinIO为空时对应功能降级
type Deps struct {
	DB       *gorm.DB
	Repos    *repository.Repositories
	Redis    *redis.Client
	MinIO    *minio.Client
	Notifier sse.Notifier
	Logger   *zap.Logger
	// Now 用于测试固定时钟
	Now func() time.Time
}

// NewServices 创建服务集合
func NewServices(deps Deps, cfg *config.Config) *Services {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = sse.Nop{}
	}
	planner := cfg.Planner
	retry := newRetrier(planner.MaxRetries, planner.RetryBackoff, logger)

	catalog := NewCatalogService(deps.Repos.Template, deps.Redis, planner.CacheTTL, logger.Named("catalog"))
	ledger := NewLedgerService(deps.DB, deps.Repos.Material, notifier, retry, decimal.NewFromFloat(planner.LowStockThreshold), logger.Named("ledger"))
	feasibility := NewFeasibilityService(ledger, deps.Repos.Template)
	plan := NewPlanService(deps.DB, deps.Repos, catalog, feasibility, ledger, notifier, StageDurations(planner.StageDurations), now, logger.Named("plan"))
	stage := NewStageService(deps.DB, deps.Repos, plan, notifier, retry, now, logger.Named("stage"))
	commit := NewCommitService(deps.DB, deps.Repos, ledger, feasibility, stage, notifier, now, logger.Named("commit"))
	plan.SetCommitService(commit)

	return &Services{
		Catalog:     catalog,
		Ledger:      ledger,
		Feasibility: feasibility,
		Plan:        plan,
		Stage:       stage,
		Commit:      commit,
		Export:      NewExportService(deps.Repos, deps.MinIO, cfg.MinIO.Bucket, logger.Named("export")),
	}
}

// NewMinIOClient 未配置endpoint时返回nil
func NewMinIOClient(cfg config.MinIOConfig) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
}

// StageDurations 阶段名 -> 天数 转换为按阶段索引，未知阶段名忽略
func StageDurations(named map[string]int) map[entity.Stage]int {
	durations := make(map[entity.Stage]int, len(entity.AllStages()))
	for name, days := range config.DefaultStageDurations() {
		if st, err := entity.ParseStage(name); err == nil {
			durations[st] = days
		}
	}
	for name, days := range named {
		if st, err := entity.ParseStage(name); err == nil && days >= 0 {
			durations[st] = days
		}
	}
	return durations
}

func newID() string {
	return uuid.New().String()[:32]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
