package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"github.com/swapmesh/marketd/pkg/budget"
	"github.com/swapmesh/marketd/pkg/commit"
	"github.com/swapmesh/marketd/pkg/config"
	"github.com/swapmesh/marketd/pkg/credentials"
	"github.com/swapmesh/marketd/pkg/crypto"
	"github.com/swapmesh/marketd/pkg/delegation"
	"github.com/swapmesh/marketd/pkg/export"
	"github.com/swapmesh/marketd/pkg/intent"
	"github.com/swapmesh/marketd/pkg/kms"
	"github.com/swapmesh/marketd/pkg/liquidity"
	"github.com/swapmesh/marketd/pkg/matcher"
	"github.com/swapmesh/marketd/pkg/observability"
	"github.com/swapmesh/marketd/pkg/outbox"
	"github.com/swapmesh/marketd/pkg/settlement"
	"github.com/swapmesh/marketd/pkg/store"
	"github.com/swapmesh/marketd/pkg/transparency"
	"github.com/swapmesh/marketd/pkg/vault"
)

// services is the composition root: one instance of every domain
// service, all sharing a single store.Store, constructed once in
// runServer and threaded into routes.go's handlers.
type services struct {
	cfg *config.Config

	store  store.Store
	signer crypto.Signer
	obs    *observability.Provider

	intent        *intent.Service
	vault         *vault.Service
	commit        *commit.Service
	settlement    *settlement.Service
	matcher       *matcher.Service
	delegation    *delegation.Service
	export        *export.Service
	transparency  *transparency.Service
	liquidity     *liquidity.Service

	outboxMirror *outbox.PostgresMirror // nil unless DATABASE_URL is set
}

// newServices wires every domain service against one backing store,
// mirroring the teacher's runServer: construct the store/signer first,
// then layer services that depend on them, then the services that
// depend on other services (intent needs delegation; matcher needs its
// own config).
func newServices(cfg *config.Config) (*services, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("marketd: open store: %w", err)
	}

	signer, err := crypto.NewEd25519Signer(cfg.SigningKeyID)
	if err != nil {
		return nil, fmt.Errorf("marketd: construct signer: %w", err)
	}

	obsConfig := observability.DefaultConfig()
	obsConfig.ServiceName = "marketd"
	obsConfig.Enabled = os.Getenv("OTEL_ENABLED") == "1"
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		obsConfig.OTLPEndpoint = endpoint
	}
	obs, err := observability.New(context.Background(), obsConfig)
	if err != nil {
		return nil, fmt.Errorf("marketd: init observability: %w", err)
	}

	matcherProfile, err := loadMatcherProfile(cfg)
	if err != nil {
		return nil, fmt.Errorf("marketd: load matcher profile: %w", err)
	}

	exportSvc := export.NewService(st, signer)
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		cache := export.NewCheckpointCache(redisAddr, os.Getenv("REDIS_PASSWORD"), 0, cfg.ExportCheckpointTTL)
		exportSvc = exportSvc.WithCheckpointCache(cache)
	}
	if bucket := os.Getenv("EXPORT_S3_BUCKET"); bucket != "" {
		archiver, err := export.NewS3Archiver(context.Background(), bucket)
		if err != nil {
			return nil, fmt.Errorf("marketd: construct export archiver: %w", err)
		}
		exportSvc = exportSvc.WithArchiver(archiver)
	}

	registerEventSchemas()

	liquiditySvc := liquidity.NewService(st)
	if bucket := os.Getenv("LIQUIDITY_GCS_BUCKET"); bucket != "" {
		archiver, err := liquidity.NewGCSArchiver(context.Background(), bucket)
		if err != nil {
			return nil, fmt.Errorf("marketd: construct liquidity archiver: %w", err)
		}
		liquiditySvc = liquiditySvc.WithArchiver(archiver)
	}

	var delegationOpts []delegation.ServiceOption
	var mirror *outbox.PostgresMirror
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		mirror, err = newOutboxMirror(dbURL)
		if err != nil {
			return nil, fmt.Errorf("marketd: construct outbox mirror: %w", err)
		}

		credStore, err := newCredentialStore(dbURL, cfg.KMSKeystorePath)
		if err != nil {
			return nil, fmt.Errorf("marketd: construct credential store: %w", err)
		}
		liquiditySvc = liquiditySvc.WithCredentialStore(credStore)

		budgetDB, err := sql.Open("postgres", dbURL)
		if err != nil {
			return nil, fmt.Errorf("marketd: open budget store: %w", err)
		}
		delegationOpts = append(delegationOpts, delegation.WithBudgetEnforcer(budget.NewSimpleEnforcer(budget.NewPostgresStorage(budgetDB))))
	} else {
		delegationOpts = append(delegationOpts, delegation.WithBudgetEnforcer(budget.NewSimpleEnforcer(budget.NewMemoryStorage())))
	}

	delegationSvc, err := delegation.NewService(st, delegationOpts...)
	if err != nil {
		return nil, fmt.Errorf("marketd: construct delegation service: %w", err)
	}

	return &services{
		cfg:          cfg,
		store:        st,
		signer:       signer,
		obs:          obs,
		intent:       intent.NewService(st, delegationSvc),
		vault:        vault.NewService(st),
		commit:       commit.NewService(st),
		settlement:   settlement.NewService(st, signer),
		matcher:      matcher.NewService(st, matcherProfile.ToMatcherConfig(), nil),
		delegation:   delegationSvc,
		export:       exportSvc,
		transparency: transparency.NewService(st),
		liquidity:    liquiditySvc,
		outboxMirror: mirror,
	}, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "sqlite_wal":
		return store.NewSQLiteStore(cfg.StorePath)
	case "json_file", "":
		return store.NewFileStore(cfg.StorePath)
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}

// newOutboxMirror opens a Postgres connection for dbURL and wraps it in
// an outbox.PostgresMirror. Mirroring is strictly additive: the JSON/
// SQLite store remains authoritative, Postgres only receives a copy of
// the event stream for downstream consumers that speak SQL.
func newOutboxMirror(dbURL string) (*outbox.PostgresMirror, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return outbox.NewPostgresMirror(db)
}

// newCredentialStore opens a second Postgres connection for partner
// credential storage and pairs it with a file-backed key manager.
// Kept separate from the outbox mirror's connection since the two
// serve unrelated tables and failure domains.
func newCredentialStore(dbURL, keystorePath string) (*credentials.Store, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	km, err := kms.NewLocalKMS(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("open kms keystore: %w", err)
	}
	return credentials.NewStore(db, km)
}

func loadMatcherProfile(cfg *config.Config) (*config.MatcherProfile, error) {
	profilesDir := os.Getenv("MATCHER_PROFILES_DIR")
	environment := os.Getenv("MATCHER_PROFILE")
	if profilesDir == "" || environment == "" {
		return config.DefaultMatcherProfile(), nil
	}
	profile, err := config.LoadMatcherProfile(profilesDir, environment)
	if err != nil {
		return nil, err
	}
	_ = cfg // reserved: future per-environment overrides read from cfg
	return profile, nil
}
