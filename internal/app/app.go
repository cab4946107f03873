package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dhoini/entitlement-service/internal/config"
	"github.com/Dhoini/entitlement-service/internal/db"
	"github.com/Dhoini/entitlement-service/internal/entitlement"
	"github.com/Dhoini/entitlement-service/internal/fallback"
	"github.com/Dhoini/entitlement-service/internal/health"
	"github.com/Dhoini/entitlement-service/internal/http/handlers"
	"github.com/Dhoini/entitlement-service/internal/http/routes"
	"github.com/Dhoini/entitlement-service/internal/kafka"
	"github.com/Dhoini/entitlement-service/internal/metrics"
	"github.com/Dhoini/entitlement-service/internal/middleware"
	"github.com/Dhoini/entitlement-service/internal/plans"
	"github.com/Dhoini/entitlement-service/internal/repository"
	"github.com/Dhoini/entitlement-service/internal/repository/memory"
	"github.com/Dhoini/entitlement-service/internal/services"
	"github.com/Dhoini/entitlement-service/internal/stripe"
	"github.com/Dhoini/entitlement-service/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	subscriptionCacheTTL = 5 * time.Minute
	limiterMaxKeys       = 10000
)

// App представляет собой контейнер для всех компонентов приложения
type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	Registry *prometheus.Registry
	Metrics  metrics.EntitlementMetrics

	Store        repository.Store
	Tracker      fallback.Tracker
	PlanCache    fallback.PlanCache
	Producer     kafka.Producer
	Monitor      *health.Monitor
	Reconciler   *services.Reconciler
	Entitlements *entitlement.Service
	Sweeper      *health.Sweeper

	closers []func() error
}

// NewApp собирает хранилище, fallback, биллинг и сервисы по конфигурации.
// HTTP слой собирается отдельно в Router: CLI он не нужен.
func NewApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   log,
		Registry: metrics.NewRegistry(),
	}
	m := metrics.NewEntitlementMetrics(a.Registry)
	a.Metrics = m

	prober, err := a.initStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = repository.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
		if err != nil {
			// Без Redis работаем на локальном fallback, если он не обязателен
			if cfg.Entitlement.SharedFallback {
				a.Close()
				return nil, fmt.Errorf("redis is required for shared fallback: %w", err)
			}
			log.Warnw("Failed to initialize Redis, continuing without shared cache", "error", err)
			redisClient = nil
		} else {
			a.closers = append(a.closers, redisClient.Close)
			cache := repository.NewRedisCacheRepository(redisClient, subscriptionCacheTTL, log)
			a.Store.Subscriptions = repository.NewCachedSubscriptionRepository(a.Store.Subscriptions, cache, log)
			log.Infow("Using cached subscription repository")
		}
	}

	if err := a.initFallback(redisClient, m); err != nil {
		a.Close()
		return nil, err
	}

	a.Producer = a.initProducer(ctx)
	a.closers = append(a.closers, a.Producer.Close)

	a.Monitor = health.NewMonitor(prober, cfg.Entitlement.HealthTTL, 0, m, log)

	var stripeClient stripe.Client
	if cfg.Stripe.APIKey != "" {
		stripeClient = stripe.NewStripeClient(cfg.Stripe.APIKey, cfg.Stripe.Timeout, log)
	} else {
		log.Warnw("Stripe API key is not set, billing calls are disabled")
	}

	rcfg := services.DefaultReconcilerConfig()
	rcfg.ProviderTimeout = cfg.Reconcile.ProviderTimeout
	rcfg.SuccessURL = cfg.Stripe.SuccessURL
	rcfg.CancelURL = cfg.Stripe.CancelURL
	prices := plans.NewPriceTable(cfg.Stripe.EssentialPriceID, cfg.Stripe.ProfessionalPriceID)
	a.Reconciler = services.NewReconciler(a.Store.Subscriptions, stripeClient, prices, a.PlanCache, a.Producer, m, rcfg, log)

	a.Entitlements = entitlement.NewService(a.Store, a.Tracker, a.PlanCache, a.Monitor, m, log)
	a.Monitor.OnRecover(func(ctx context.Context) {
		if _, err := a.Entitlements.Replay(ctx); err != nil {
			log.Errorw("Fallback replay after recovery failed", "error", err)
		}
	})

	a.Sweeper = health.NewSweeper(a.Store.Subscriptions, a.Reconciler, a.PlanCache, a.Producer, m, health.SweeperConfig{
		Interval:   cfg.Reconcile.SweepInterval,
		StaleAfter: cfg.Reconcile.StaleAfter,
		BatchDelay: cfg.Reconcile.BatchDelay,
	}, log)

	return a, nil
}

func (a *App) initStore(ctx context.Context) (health.Prober, error) {
	cfg, log := a.Config, a.Logger

	if cfg.Database.Driver == "memory" {
		log.Warnw("Using in-memory store, data is lost on restart")
		store := memory.New()
		a.Store = store.Repositories()
		return store, nil
	}

	dbClient, err := db.NewDBClient(cfg.Database.DSN, db.Options{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, dbClient.Close)
	log.Infow("Database connection established")

	if cfg.Database.Migrate {
		if err := dbClient.Migrate(ctx); err != nil {
			return nil, err
		}
	}

	a.Store = repository.Store{
		Subscriptions: repository.NewPostgresSubscriptionRepository(dbClient.DB(), log),
		Usage:         repository.NewPostgresUsageRepository(dbClient.DB(), log),
		Trials:        repository.NewPostgresTrialRepository(dbClient.DB(), log),
	}
	return dbClient, nil
}

func (a *App) initFallback(redisClient *redis.Client, m metrics.EntitlementMetrics) error {
	cfg, log := a.Config.Entitlement, a.Logger
	onDrop := fallback.DropHook(m.AddQueueDropped)

	if cfg.SharedFallback && redisClient != nil {
		a.Tracker = fallback.NewRedisTracker(redisClient, cfg.FallbackLimit, cfg.QueueCapacity, onDrop, log)
		a.PlanCache = fallback.NewRedisPlanCache(redisClient, log)
		log.Infow("Using shared Redis fallback tracker")
	} else {
		a.Tracker = fallback.NewMemoryTracker(cfg.FallbackLimit, cfg.QueueCapacity, onDrop, log)
		planCache, err := fallback.NewLRUPlanCache(cfg.PlanCacheSize)
		if err != nil {
			return fmt.Errorf("failed to create plan cache: %w", err)
		}
		a.PlanCache = planCache
	}

	tracker := a.Tracker
	m.RegisterQueueDepth(func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := tracker.QueueLen(ctx)
		if err != nil {
			return 0
		}
		return float64(n)
	})
	return nil
}

func (a *App) initProducer(ctx context.Context) kafka.Producer {
	cfg, log := a.Config.Kafka, a.Logger
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Infow("Kafka is disabled, entitlement events are not published")
		return kafka.NopProducer{}
	}

	if cfg.EnsureTopics {
		if err := kafka.EnsureKafkaTopics(ctx, cfg.Brokers, log); err != nil {
			log.Warnw("Failed to ensure Kafka topics", "error", err)
		}
	}

	var (
		producer kafka.Producer
		err      error
	)
	switch cfg.Driver {
	case "sarama":
		producer, err = kafka.NewSaramaProducer(cfg.Brokers, kafka.DefaultProducerConfig(), log)
	default:
		producer, err = kafka.NewKafkaProducer(cfg.Brokers, log)
	}
	if err != nil {
		// Публикация событий не должна останавливать проверку прав
		log.Errorw("Failed to initialize Kafka producer, continuing without event publishing", "error", err)
		return kafka.NopProducer{}
	}
	log.Infow("Kafka producer initialized", "driver", cfg.Driver)
	return producer
}

// Router строит gin роутер со всеми обработчиками и middleware.
func (a *App) Router() (*gin.Engine, error) {
	cfg, log := a.Config, a.Logger

	deps := routes.Deps{
		Entitlements:  handlers.NewEntitlementHandler(a.Entitlements, log),
		Subscription:  handlers.NewSubscriptionHandler(a.Reconciler, a.Entitlements, log),
		Health:        handlers.NewHealthHandler(a.Monitor, a.Tracker, log),
		Metrics:       promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
		RequestLogger: middleware.RequestLogger(log),
		Auth:          middleware.NewJWTMiddleware(log, middleware.NewTokenValidator(cfg.Auth.JWTSecret)),
		ToolLimiter: middleware.RateLimit(
			middleware.NewKeyedLimiter(cfg.Tools.RateLimit, cfg.Tools.RateWindow, limiterMaxKeys),
			middleware.ByUser, "tools", log),
	}

	if cfg.Stripe.WebhookSecret != "" {
		webhook, err := handlers.NewWebhookHandler(cfg.Stripe.WebhookSecret, a.Reconciler, a.Metrics, log)
		if err != nil {
			return nil, err
		}
		deps.Webhook = webhook

		var allowed []string
		if cfg.Webhook.VerifySourceIP {
			allowed = cfg.Webhook.AllowedIPs
			if len(allowed) == 0 {
				allowed = config.StripeWebhookIPs
			}
		}
		deps.WebhookAllowlist = middleware.IPAllowlist(allowed, log)
		deps.WebhookLimiter = middleware.RateLimit(
			middleware.NewKeyedLimiter(cfg.Webhook.RatePerMinute, time.Minute, limiterMaxKeys),
			middleware.ByClientIP, "webhook", log)
	} else {
		log.Warnw("Stripe webhook secret is not set, webhook endpoint is disabled")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	routes.SetupRoutes(router, deps, log)
	return router, nil
}

// RunBackground запускает фоновые циклы: сверку, истечение grace периодов и
// повтор очереди fallback. Возвращается, когда все циклы остановлены.
func (a *App) RunBackground(ctx context.Context) {
	cfg := a.Config

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.Sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.Reconciler.RunGraceEnforcer(ctx, cfg.Reconcile.GraceInterval)
	}()
	go func() {
		defer wg.Done()
		a.Entitlements.RunReplayer(ctx, cfg.Entitlement.ReplayInterval)
	}()
	wg.Wait()
}

// Close освобождает соединения в обратном порядке создания.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
