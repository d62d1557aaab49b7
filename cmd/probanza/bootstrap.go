package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/altum-labs/probanza/pkg/agent"
	"github.com/altum-labs/probanza/pkg/audit"
	"github.com/altum-labs/probanza/pkg/config"
	"github.com/altum-labs/probanza/pkg/defense"
	"github.com/altum-labs/probanza/pkg/engine"
	"github.com/altum-labs/probanza/pkg/exception"
	"github.com/altum-labs/probanza/pkg/ledger"
	"github.com/altum-labs/probanza/pkg/observability"
	"github.com/altum-labs/probanza/pkg/phaseplan"
	"github.com/altum-labs/probanza/pkg/project"
	"github.com/altum-labs/probanza/pkg/rules"
	"github.com/altum-labs/probanza/pkg/verdict"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver for lite mode
)

// Services is the wired service graph.
type Services struct {
	Config    *config.Config
	Engine    *engine.Engine
	Ledger    ledger.Ledger
	Compiler  *defense.Compiler
	Archive   defense.Archive
	Telemetry *observability.Provider

	db *sql.DB
}

// Close releases held resources.
func (s *Services) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.Telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Telemetry.Shutdown(ctx)
	}
}

// buildServices wires the full graph from the environment. With no
// DATABASE_URL the service runs in lite mode on sqlite under the data
// directory.
func buildServices(ctx context.Context) (*Services, error) {
	cfg := config.Load()

	var db *sql.DB
	var err error
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dbPath := filepath.Join(cfg.DataDir, "probanza.db")
		slog.Info("lite mode: using sqlite", "path", dbPath)
		db, err = sql.Open("sqlite", dbPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
	}

	led := ledger.NewSQLLedger(db)
	if err := led.Init(ctx); err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	projects := project.NewSQLStore(db)
	if err := projects.Init(ctx); err != nil {
		return nil, fmt.Errorf("init project store: %w", err)
	}

	plan := phaseplan.Default()
	if cfg.PhasePlanPath != "" {
		plan, err = phaseplan.Load(cfg.PhasePlanPath)
		if err != nil {
			return nil, fmt.Errorf("load phase plan: %w", err)
		}
	}
	catalog := rules.Default()
	if cfg.RuleCatalogPath != "" {
		catalog, err = rules.Load(cfg.RuleCatalogPath)
		if err != nil {
			return nil, fmt.Errorf("load rule catalog: %w", err)
		}
	}

	var cache project.StatusCache
	if cfg.RedisAddr != "" {
		cache = project.NewRedisStatusCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
	} else {
		cache = project.NewMemoryStatusCache()
	}

	var telemetry *observability.Provider
	if cfg.TelemetryEnabled {
		obsCfg := observability.DefaultConfig()
		if cfg.OTLPEndpoint != "" {
			obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		}
		telemetry, err = observability.New(ctx, obsCfg)
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
	}

	excPolicy := exception.DefaultPolicy()
	excPolicy.Issuer = cfg.ExceptionIssuer
	if cfg.ExceptionSigningKey != "" {
		excPolicy.SigningKey = []byte(cfg.ExceptionSigningKey)
	}

	eng, err := engine.New(engine.Config{
		Projects:   projects,
		Ledger:     led,
		Plan:       plan,
		Catalog:    catalog,
		Evaluators: buildEvaluators(cfg),
		Exceptions: excPolicy,
		Audit:      audit.NewLogger(),
		Cache:      cache,
		Telemetry:  telemetry,
	})
	if err != nil {
		return nil, err
	}

	var archive defense.Archive
	if cfg.ArchiveBucket != "" {
		archive, err = defense.NewS3Archive(ctx, defense.S3ArchiveConfig{
			Bucket:   cfg.ArchiveBucket,
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
			Prefix:   "defense/",
		})
	} else {
		archive, err = defense.NewFileArchive(filepath.Join(cfg.DataDir, "defense"))
	}
	if err != nil {
		return nil, fmt.Errorf("init defense archive: %w", err)
	}

	return &Services{
		Config:    cfg,
		Engine:    eng,
		Ledger:    led,
		Compiler:  defense.NewCompiler(led, plan, catalog),
		Archive:   archive,
		Telemetry: telemetry,
		db:        db,
	}, nil
}

// buildEvaluators creates one HTTP evaluator per configured role.
func buildEvaluators(cfg *config.Config) map[verdict.Role]agent.Evaluator {
	evaluators := make(map[verdict.Role]agent.Evaluator, len(cfg.EvaluatorEndpoints))
	for role, endpoint := range cfg.EvaluatorEndpoints {
		r := verdict.Role(role)
		if !r.Valid() {
			slog.Warn("skipping evaluator for unknown role", "role", role)
			continue
		}
		evaluators[r] = agent.NewHTTPEvaluator(agent.HTTPEvaluatorConfig{
			Endpoint: endpoint,
			RPS:      5,
			Burst:    10,
		})
	}
	return evaluators
}
