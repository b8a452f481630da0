// Package bootstrap constructs every control-plane subsystem and wires
// them together the way cmd/gracectl's main needs them: one explicit,
// ordered build function instead of package-level singletons.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/grace-platform/control-plane/internal/audit"
	"github.com/grace-platform/control-plane/internal/capa"
	"github.com/grace-platform/control-plane/internal/component"
	"github.com/grace-platform/control-plane/internal/eventmesh"
	"github.com/grace-platform/control-plane/internal/governance"
	"github.com/grace-platform/control-plane/internal/gracecrypto"
	"github.com/grace-platform/control-plane/internal/handshake"
	"github.com/grace-platform/control-plane/internal/httpapi"
	"github.com/grace-platform/control-plane/internal/logichub"
	"github.com/grace-platform/control-plane/internal/memoryfusion"
	"github.com/grace-platform/control-plane/internal/migrate"
	"github.com/grace-platform/control-plane/internal/mission"
	"github.com/grace-platform/control-plane/internal/portmanager"
	"github.com/grace-platform/control-plane/pkg/config"
	"github.com/grace-platform/control-plane/pkg/logger"
)

// Plane bundles every constructed subsystem plus the resources (DB handle,
// background goroutines) main needs to close down cleanly on shutdown.
type Plane struct {
	Config     *config.Config
	Log        *logger.Logger
	DB         *sql.DB
	Manifest   *component.Manifest
	Bus        *eventmesh.Bus
	Governance *governance.Engine
	Audit      *audit.Log
	Keys       *gracecrypto.KeyPair
	Ports      *portmanager.Manager
	Memory     *memoryfusion.Gateway
	Hub        *logichub.Hub
	Missions   *mission.Loop
	Handshakes *handshake.Coordinator
	CAPA       *capa.Sink
	Router     *httpapi.Deps
}

// Build constructs the full Plane from cfg, in dependency order: ambient
// (log, keys) -> Manifest -> database (and migrations) -> Audit ->
// Governance -> Bus -> Ports -> Memory Fusion -> CAPA -> Logic Hub ->
// Mission Loop -> Handshake -> HTTP deps.
func Build(ctx context.Context, cfg *config.Config) (*Plane, error) {
	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	keys, err := gracecrypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate signing key pair: %w", err)
	}

	manifest := component.NewManifest()

	var db *sql.DB
	if cfg.Database.DSN != "" {
		db, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

		if cfg.Database.MigrateOnStart {
			if err := migrate.Apply(db, "migrations"); err != nil {
				return nil, fmt.Errorf("run schema migrations: %w", err)
			}
		}
	}

	auditLog, err := buildAuditLog(ctx, db, keys)
	if err != nil {
		return nil, err
	}

	gov, err := buildGovernanceEngine(cfg.Governance.PoliciesFile)
	if err != nil {
		return nil, err
	}

	routes, err := loadMeshRoutes(cfg.Mesh.RoutesFile)
	if err != nil {
		return nil, err
	}
	bus := eventmesh.New(routes,
		eventmesh.WithHistorySize(cfg.Mesh.HistorySize),
		eventmesh.WithSubscriberQueueSize(cfg.Mesh.SubscriberQueueSize),
		eventmesh.WithAuditSink(auditEventSink{log: auditLog}),
		eventmesh.WithAlertSink(auditAlertSink{log: auditLog}),
	)
	manifest.AttachBus(bus)
	if err := manifest.StartWatchdog(ctx, cfg.Components.WatchdogCron); err != nil {
		return nil, fmt.Errorf("start component watchdog: %w", err)
	}

	ports := portmanager.New(cfg.Ports.RangeStart, cfg.Ports.RangeEnd, nil, log)
	if err := ports.Restore(ctx); err != nil {
		return nil, err
	}
	if err := ports.StartWatchdog(ctx, cfg.Ports.SweepCron); err != nil {
		return nil, fmt.Errorf("start port watchdog: %w", err)
	}

	memory, err := buildMemoryGateway(ctx, cfg, gov, keys, auditLog, bus, db)
	if err != nil {
		return nil, err
	}

	capaSink := capa.New(bus)

	windows := mission.Windows{
		Low:      time.Duration(cfg.Mission.WindowLowSecs) * time.Second,
		Medium:   time.Duration(cfg.Mission.WindowMedSecs) * time.Second,
		High:     time.Duration(cfg.Mission.WindowHighSecs) * time.Second,
		Critical: time.Duration(cfg.Mission.WindowCritSecs) * time.Second,
	}
	missionStarterForHub := &missionLogicHubStarter{}
	hubRegistry := logichub.NewRegistry()
	hub := logichub.New(hubRegistry, manifest, gov, keys, auditLog, bus, missionStarterForHub)

	missionLoop := mission.New(windows, hubRollbacker{hub: hub}, capaSink, bus, log)
	missionStarterForHub.loop = missionLoop
	if err := missionLoop.StartWatchdog(ctx, cfg.Mission.HealthCheckCron); err != nil {
		return nil, fmt.Errorf("start mission watchdog: %w", err)
	}

	handshakeStarter := &missionHandshakeStarter{loop: missionLoop}
	handshakeCoordinator := handshake.New(manifest, gov, keys, bus, handshakeStarter)

	deps := &httpapi.Deps{
		Manifest:     manifest,
		Bus:          bus,
		Governance:   gov,
		AuditLog:     auditLog,
		Hub:          hub,
		Memory:       memory,
		Ports:        ports,
		Missions:     missionLoop,
		Handshakes:   handshakeCoordinator,
		CAPA:         capaSink,
		Log:          log,
		JWTSecret:    cfg.Auth.JWTSecret,
		MaxBodyBytes: 2 << 20,
	}

	return &Plane{
		Config:     cfg,
		Log:        log,
		DB:         db,
		Manifest:   manifest,
		Bus:        bus,
		Governance: gov,
		Audit:      auditLog,
		Keys:       keys,
		Ports:      ports,
		Memory:     memory,
		Hub:        hub,
		Missions:   missionLoop,
		Handshakes: handshakeCoordinator,
		CAPA:       capaSink,
		Router:     deps,
	}, nil
}

func buildAuditLog(ctx context.Context, db *sql.DB, keys *gracecrypto.KeyPair) (*audit.Log, error) {
	if db == nil {
		return audit.New(audit.NewMemoryStore(), keys, "audit-log"), nil
	}
	store := audit.NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	return audit.New(store, keys, "audit-log"), nil
}

func buildGovernanceEngine(policiesFile string) (*governance.Engine, error) {
	if policiesFile == "" {
		return governance.New(nil), nil
	}
	if _, err := os.Stat(policiesFile); err != nil {
		if os.IsNotExist(err) {
			return governance.New(nil), nil
		}
		return nil, fmt.Errorf("stat governance policies file: %w", err)
	}
	return governance.LoadFile(policiesFile)
}

func loadMeshRoutes(path string) ([]eventmesh.RouteRule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mesh routes file: %w", err)
	}
	var doc struct {
		Routes []eventmesh.RouteRule `yaml:"routes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse mesh routes file: %w", err)
	}
	return doc.Routes, nil
}

func buildMemoryGateway(ctx context.Context, cfg *config.Config, gov *governance.Engine, keys *gracecrypto.KeyPair, auditLog *audit.Log, bus *eventmesh.Bus, db *sql.DB) (*memoryfusion.Gateway, error) {
	gateway := memoryfusion.New(gov, keys, auditLog, bus, "memory")
	gateway.RegisterBackend(memoryfusion.NewMemoryBackend(0))

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		gateway.RegisterBackend(memoryfusion.NewRedisBackend(client))
	}

	if db != nil {
		pg := memoryfusion.NewPostgresBackend(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure memory fusion schema: %w", err)
		}
		gateway.RegisterBackend(pg)
	}

	return gateway, nil
}
