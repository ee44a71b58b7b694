// Package app wires the reconciliation service from configuration. Both the
// long-running service and reservationctl build their dependencies here.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/reservation-sync/pkg/auth"
	"github.com/synaptica-ai/reservation-sync/pkg/common/config"
	"github.com/synaptica-ai/reservation-sync/pkg/common/database"
	"github.com/synaptica-ai/reservation-sync/pkg/common/httpclient"
	"github.com/synaptica-ai/reservation-sync/pkg/common/kafka"
	"github.com/synaptica-ai/reservation-sync/pkg/common/logger"
	"github.com/synaptica-ai/reservation-sync/pkg/consent"
	"github.com/synaptica-ai/reservation-sync/pkg/dlp"
	"github.com/synaptica-ai/reservation-sync/pkg/edc"
	"github.com/synaptica-ai/reservation-sync/pkg/encryption"
	"github.com/synaptica-ai/reservation-sync/pkg/identity"
	"github.com/synaptica-ai/reservation-sync/pkg/intake"
	"github.com/synaptica-ai/reservation-sync/pkg/observability/metrics"
	"github.com/synaptica-ai/reservation-sync/pkg/reservation"
	"gorm.io/gorm"
)

// Store is the encrypted patient store with its identity cache.
type Store struct {
	DB         *gorm.DB
	Repository *reservation.Repository
	Cache      *identity.Cache
}

func NewStore(cfg *config.Config) (*Store, error) {
	codec, err := encryption.NewCodec(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	db, err := database.NewPostgres(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	repo := reservation.NewRepository(db, codec)
	if err := repo.AutoMigrate(); err != nil {
		database.ClosePostgres(db)
		return nil, fmt.Errorf("migrate reservation tables: %w", err)
	}
	return &Store{DB: db, Repository: repo, Cache: identity.NewCache(codec, cfg.CacheWorkers)}, nil
}

func (s *Store) Close() error {
	return database.ClosePostgres(s.DB)
}

// NewConsentClient builds the registry client behind a DPoP-bound token
// provider. Tokens are cached in redis when a client is given.
func NewConsentClient(cfg *config.Config, redisClient *redis.Client) (*consent.Client, error) {
	if cfg.AuthClientID == "" || cfg.AuthPrivateKeyPath == "" {
		return nil, errors.New("AUTH_CLIENT_ID and AUTH_PRIVATE_KEY_PATH are required")
	}
	key, err := auth.LoadPrivateKey(cfg.AuthPrivateKeyPath)
	if err != nil {
		return nil, err
	}

	var cache auth.TokenCache
	if redisClient != nil {
		cache = auth.NewRedisTokenCache(redisClient, cfg.AuthClientID)
	}
	provider, err := auth.NewProvider(auth.ClientConfig{
		TokenURL: cfg.AuthTokenURL,
		ClientID: cfg.AuthClientID,
		Scopes:   cfg.AuthScopes,
		Timeout:  cfg.HTTPTimeout,
	}, key, cache)
	if err != nil {
		return nil, err
	}

	httpClient := httpclient.New(cfg.HTTPTimeout)
	httpClient.Transport = &auth.Transport{
		Base:   httpClient.Transport,
		Proofs: provider.Proofs(),
		Tokens: provider,
	}
	return consent.NewClient(consent.ClientConfig{
		BaseURL:        cfg.ConsentAPIURL,
		DefinitionGUID: cfg.ConsentDefinitionGUID,
		DefinitionName: cfg.ConsentDefinitionName,
		PartCode:       cfg.ConsentPartCode,
		PageDelay:      cfg.ConsentPageDelay,
	}, httpClient), nil
}

func NewDownstream(cfg *config.Config) (*edc.Client, error) {
	registries, err := edc.LoadRegistries(cfg.RedcapRegistriesFile, cfg.RedcapAPIURL)
	if err != nil {
		return nil, err
	}
	return edc.NewClient(registries, cfg.RedcapTargetRegistry, httpclient.New(cfg.HTTPTimeout))
}

func NewScrubber(cfg *config.Config) (*dlp.Scrubber, error) {
	if cfg.DLPRulesFile == "" {
		return dlp.MustDefault(), nil
	}
	rules, err := dlp.LoadRules(cfg.DLPRulesFile)
	if err != nil {
		return nil, err
	}
	return dlp.NewScrubber(rules)
}

// App is the fully wired reconciliation service.
type App struct {
	Config       *config.Config
	Store        *Store
	Redis        *redis.Client
	Events       kafka.Publisher
	Metrics      *metrics.Metrics
	Registry     *prometheus.Registry
	Orchestrator *reservation.Orchestrator
	Intake       *intake.Service

	closers []func() error
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	a.Redis = database.NewRedis(ctx, cfg)
	a.closers = append(a.closers, a.Redis.Close)

	reader, err := NewConsentClient(cfg, a.Redis)
	if err != nil {
		return nil, fmt.Errorf("consent client: %w", err)
	}
	downstream, err := NewDownstream(cfg)
	if err != nil {
		return nil, fmt.Errorf("downstream registry: %w", err)
	}
	scrubber, err := NewScrubber(cfg)
	if err != nil {
		return nil, fmt.Errorf("dlp rules: %w", err)
	}

	if cfg.KafkaEnabled {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic).WithGuard(scrubber)
		a.Events = producer
		a.closers = append(a.closers, producer.Close)
	} else {
		a.Events = kafka.NoopPublisher{}
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	repo := store.Repository
	recorder := reservation.NewRecorder(repo, scrubber, cfg.SyncInterval)
	propagator := reservation.NewPropagator(repo, downstream, recorder, a.Events, a.Metrics, cfg.QuarantinePeriod())
	a.Orchestrator = reservation.NewOrchestrator(reservation.OrchestratorConfig{
		DefinitionGUID: cfg.ConsentDefinitionGUID,
		PartCode:       cfg.ConsentPartCode,
		Interval:       cfg.SyncInterval,
	}, repo, store.Cache, reader, recorder, propagator, a.Events, a.Metrics)
	if cfg.LeaseEnabled {
		a.Orchestrator.WithLease(reservation.NewRedisLease(a.Redis, cfg.LeaseTTL))
	}

	a.Intake = intake.NewService(repo, store.Cache)
	if err := store.Cache.Load(ctx, repo); err != nil {
		logger.Log.WithError(err).Warn("Initial identity cache load failed; the first cycle reloads it")
	}

	ok = true
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Log.WithError(err).Warn("Error during shutdown")
		}
	}
	a.closers = nil
}
